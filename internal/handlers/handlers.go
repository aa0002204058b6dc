// Package handlers 把事件总线上的业务事件接到指标、前端状态与审计日志
package handlers

import (
	"log/slog"

	"battery-test-bench/internal/event"
	"battery-test-bench/internal/metrics"
	"battery-test-bench/internal/types"
	"battery-test-bench/internal/web"
)

// StationReader 工位快照读取，由 poller 实现
type StationReader interface {
	Snapshot(station types.StationID) *types.StationSnapshot
}

// RegisterEventHandlers 将全部事件处理器注册到事件总线
// 监控、前端推送与审计日志各自订阅，互不耦合
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, stations StationReader, logger *slog.Logger) {
	// --- 指标处理器 ---
	bus.Subscribe(event.JobCompleted, func(e event.Event) {
		if e.Job != nil {
			metrics.JobsProcessedTotal.
				WithLabelValues(string(e.Job.OverallResult), string(e.Job.ServiceType)).Inc()
		}
	})
	bus.Subscribe(event.JobAborted, func(e event.Event) {
		serviceType := ""
		if e.Job != nil {
			serviceType = string(e.Job.ServiceType)
		}
		metrics.JobsProcessedTotal.WithLabelValues("aborted", serviceType).Inc()
	})

	// --- 前端状态处理器 ---
	bus.Subscribe(event.JobStarted, func(e event.Event) {
		st.AddJob(e.Job)
	})
	bus.Subscribe(event.JobCompleted, func(e event.Event) {
		st.UpdateJob(e.JobID, func(v *web.JobView) {
			if e.Job != nil {
				v.Status = string(e.Job.Status)
				v.OverallResult = string(e.Job.OverallResult)
			}
			v.AwaitingTask = ""
		})
	})
	bus.Subscribe(event.JobAborted, func(e event.Event) {
		st.UpdateJob(e.JobID, func(v *web.JobView) {
			v.Status = string(types.JobAborted)
			v.AlertReason = e.Reason
		})
	})
	bus.Subscribe(event.TaskProgress, func(e event.Event) {
		st.UpdateJob(e.JobID, func(v *web.JobView) {
			if e.Task != nil && e.Task.Status != types.TaskAwaitingInput {
				v.AwaitingTask = ""
			}
		})
	})
	bus.Subscribe(event.TaskAwaitingInput, func(e event.Event) {
		st.UpdateJob(e.JobID, func(v *web.JobView) {
			if e.Task != nil {
				v.AwaitingTask = e.Task.Label
			}
		})
	})
	bus.Subscribe(event.PhaseChanged, func(e event.Event) {
		st.SetStationPhase(e.Station, e.Phase, e.JobID)
	})
	bus.Subscribe(event.StationUpdated, func(e event.Event) {
		if stations != nil {
			st.UpdateStation(stations.Snapshot(e.Station))
		}
	})
	bus.Subscribe(event.SafetyAbort, func(e event.Event) {
		st.UpdateJob(e.JobID, func(v *web.JobView) {
			v.AlertReason = e.Reason
		})
	})

	// --- 审计日志处理器 ---
	bus.Subscribe(event.JobStarted, func(e event.Event) {
		logger.Info("作业开始", "job_id", e.JobID)
	})
	bus.Subscribe(event.JobCompleted, func(e event.Event) {
		result := ""
		if e.Job != nil {
			result = string(e.Job.OverallResult)
		}
		logger.Info("作业结束", "job_id", e.JobID, "result", result)
	})
	bus.Subscribe(event.JobAborted, func(e event.Event) {
		logger.Warn("作业中止", "job_id", e.JobID, "reason", e.Reason)
	})
	bus.Subscribe(event.SafetyAbort, func(e event.Event) {
		logger.Error("安全监控触发中止",
			"station_id", int(e.Station), "reason", e.Reason)
	})
}
