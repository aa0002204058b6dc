package web

import (
	"sync"
	"time"

	"battery-test-bench/internal/types"
)

// JobView 前端展示用的作业状态视图
type JobView struct {
	ID            string          `json:"id"`
	BatterySerial string          `json:"battery_serial"`
	PartNumber    string          `json:"part_number"`
	Station       types.StationID `json:"station"`
	ServiceType   string          `json:"service_type"`
	Status        string          `json:"status"`
	Phase         string          `json:"phase,omitempty"`
	OverallResult string          `json:"overall_result,omitempty"`
	AwaitingTask  string          `json:"awaiting_task,omitempty"`
	AlertReason   string          `json:"alert_reason,omitempty"`
}

// StationView 前端展示用的工位状态视图
type StationView struct {
	Station      types.StationID `json:"station"`
	Online       bool            `json:"online"`
	TemperatureC float64         `json:"temperature_c"`
	TempValid    bool            `json:"temp_valid"`
	Phase        string          `json:"phase,omitempty"`
	JobID        string          `json:"job_id,omitempty"`
	LastContact  time.Time       `json:"last_contact"`
}

// GlobalState 整个测试车间的实时状态快照
type GlobalState struct {
	Jobs     map[string]JobView              `json:"jobs"`
	Stations map[types.StationID]StationView `json:"stations"`
}

// StateTracker 维护作业与工位的实时视图，每次变化向全部客户端广播
type StateTracker struct {
	mu    sync.RWMutex
	state GlobalState
	hub   *Hub
}

// NewStateTracker 创建状态追踪器
func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{
		state: GlobalState{
			Jobs:     make(map[string]JobView),
			Stations: make(map[types.StationID]StationView),
		},
		hub: hub,
	}
}

// AddJob 登记新作业并广播
func (st *StateTracker) AddJob(job *types.WorkJob) {
	if job == nil {
		return
	}
	st.mu.Lock()
	st.state.Jobs[job.ID] = JobView{
		ID:            job.ID,
		BatterySerial: job.BatterySerial,
		PartNumber:    job.PartNumber,
		Station:       job.Station,
		ServiceType:   string(job.ServiceType),
		Status:        string(job.Status),
	}
	st.mu.Unlock()
	st.broadcast()
}

// UpdateJob 局部更新作业视图，作业不存在时忽略
func (st *StateTracker) UpdateJob(jobID string, update func(*JobView)) {
	st.mu.Lock()
	view, ok := st.state.Jobs[jobID]
	if ok {
		update(&view)
		st.state.Jobs[jobID] = view
	}
	st.mu.Unlock()
	if ok {
		st.broadcast()
	}
}

// UpdateStation 覆盖写工位视图并广播
func (st *StateTracker) UpdateStation(snap *types.StationSnapshot) {
	if snap == nil {
		return
	}
	st.mu.Lock()
	view := st.state.Stations[snap.Station]
	view.Station = snap.Station
	view.Online = snap.Online
	view.TemperatureC = snap.TemperatureC
	view.TempValid = snap.TempValid
	view.LastContact = snap.LastContact
	st.state.Stations[snap.Station] = view
	st.mu.Unlock()
	st.broadcast()
}

// SetStationPhase 更新工位当前阶段
func (st *StateTracker) SetStationPhase(station types.StationID, phase, jobID string) {
	st.mu.Lock()
	view := st.state.Stations[station]
	view.Station = station
	view.Phase = phase
	if jobID != "" {
		view.JobID = jobID
	}
	st.state.Stations[station] = view
	st.mu.Unlock()
	st.broadcast()
}

// GetStateSnapshot 返回当前全局状态的深拷贝
// 新客户端接入时推送一次全量数据
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := GlobalState{
		Jobs:     make(map[string]JobView, len(st.state.Jobs)),
		Stations: make(map[types.StationID]StationView, len(st.state.Stations)),
	}
	for id, j := range st.state.Jobs {
		out.Jobs[id] = j
	}
	for id, s := range st.state.Stations {
		out.Stations[id] = s
	}
	return out
}

func (st *StateTracker) broadcast() {
	if st.hub != nil {
		st.hub.BroadcastState(st.GetStateSnapshot())
	}
}
