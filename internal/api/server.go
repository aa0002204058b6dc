// Package api 对外 HTTP 接口：作业创建与执行、技师录入、工位与器具查询
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"battery-test-bench/internal/eeprom"
	"battery-test-bench/internal/orchestrator"
	"battery-test-bench/internal/poller"
	"battery-test-bench/internal/procedure"
	"battery-test-bench/internal/report"
	"battery-test-bench/internal/store"
	"battery-test-bench/internal/tasks"
	"battery-test-bench/internal/tools"
	"battery-test-bench/internal/types"
	"battery-test-bench/internal/web"
)

// Server 聚合全部对外接口的依赖
type Server struct {
	store    *store.Store
	resolver *procedure.Resolver
	factory  *tasks.Factory
	orch     *orchestrator.Orchestrator
	sched    *orchestrator.Scheduler
	poller   *poller.Poller
	reports  *report.Builder
	tools    *tools.Validator
	hub      *web.Hub
	tracker  *web.StateTracker
	logger   *slog.Logger
}

// NewServer 创建 API 服务
func NewServer(st *store.Store, resolver *procedure.Resolver, factory *tasks.Factory,
	orch *orchestrator.Orchestrator, sched *orchestrator.Scheduler, p *poller.Poller,
	reports *report.Builder, validator *tools.Validator,
	hub *web.Hub, tracker *web.StateTracker, logger *slog.Logger) *Server {
	return &Server{
		store:    st,
		resolver: resolver,
		factory:  factory,
		orch:     orch,
		sched:    sched,
		poller:   p,
		reports:  reports,
		tools:    validator,
		hub:      hub,
		tracker:  tracker,
		logger:   logger.With("component", "api"),
	}
}

// Router 装配全部路由
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.hub.ServeWs)
	r.Get("/api/state", s.handleState)

	r.Route("/api", func(r chi.Router) {
		r.Post("/procedures/resolve", s.handleResolveProcedure)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleCreateJob)
			r.Get("/{jobID}", s.handleGetJob)
			r.Post("/{jobID}/abort", s.handleAbortJob)
			r.Get("/{jobID}/report", s.handleGetReport)
		})

		r.Post("/tasks/{taskID}/result", s.handleSubmitResult)

		r.Route("/stations", func(r chi.Router) {
			r.Get("/", s.handleListStations)
			r.Get("/{stationID}/eeprom", s.handleReadEEPROM)
			r.Put("/{stationID}/eeprom", s.handleWriteEEPROM)
		})

		r.Get("/tools", s.handleListTools)
	})

	return r
}

type resolveRequest struct {
	WorkItemID string          `json:"work_item_id,omitempty"`
	Item       *types.WorkItem `json:"item,omitempty"`
}

// handleResolveProcedure 解析工单条目适用的流程，不创建任何对象
func (s *Server) handleResolveProcedure(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	item, err := s.workItem(r, &req)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}

	resolved, err := s.resolver.Resolve(r.Context(), item)
	if err != nil {
		var notConfigured *procedure.ErrNotConfigured
		if errors.As(err, &notConfigured) {
			s.respondError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, resolved)
}

type createJobRequest struct {
	WorkItemID string          `json:"work_item_id,omitempty"`
	Item       *types.WorkItem `json:"item,omitempty"`
	Station    int             `json:"station"`
	StartedBy  string          `json:"started_by,omitempty"`
	// Execute 为真时创建后立即排入调度队列
	Execute bool `json:"execute"`
}

type createJobResponse struct {
	Job       *types.WorkJob `json:"job"`
	TaskCount int            `json:"task_count"`
	Queued    bool           `json:"queued"`
}

// handleCreateJob 解析流程、物化任务并可选排入调度队列
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Station < 1 || req.Station > types.NumStations {
		s.respondError(w, http.StatusBadRequest,
			errors.New("工位编号必须在 1..12 之间"))
		return
	}
	item, err := s.workItem(r, &resolveRequest{WorkItemID: req.WorkItemID, Item: req.Item})
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}

	ctx := r.Context()
	resolved, err := s.resolver.Resolve(ctx, item)
	if err != nil {
		var notConfigured *procedure.ErrNotConfigured
		if errors.As(err, &notConfigured) {
			s.respondError(w, http.StatusUnprocessableEntity, err)
			return
		}
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}

	station := types.StationID(req.Station)
	job := &types.WorkJob{
		ID:              uuid.NewString(),
		WorkOrderNumber: item.WorkOrderNumber,
		WorkItemID:      item.ID,
		BatterySerial:   item.SerialNumber,
		PartNumber:      item.PartNumber,
		Amendment:       item.Amendment,
		TechPubID:       resolved.TechPub.ID,
		TechPubCMM:      resolved.TechPub.CMMNumber,
		TechPubRevision: resolved.TechPub.Revision,
		Station:         station,
		ServiceType:     item.ServiceType,
		Priority:        item.Priority,
		Status:          types.JobPending,
		StartedBy:       req.StartedBy,
		CreatedAt:       time.Now(),
	}
	if resolved.Profile != nil {
		job.ProfileID = resolved.Profile.ID
	}

	model := s.modelFor(station, resolved)
	taskList, err := s.factory.Build(job, resolved, model)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err)
		return
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	if err := s.store.CreateTasks(ctx, taskList); err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.tracker.AddJob(job)

	if req.Execute {
		s.sched.Submit(job)
	}
	s.logger.Info("作业已创建",
		"job_id", job.ID, "serial", job.BatterySerial,
		"tasks", len(taskList), "queued", req.Execute)
	s.respondJSON(w, http.StatusCreated, createJobResponse{
		Job: job, TaskCount: len(taskList), Queued: req.Execute,
	})
}

// modelFor 确定型号参数来源：工位 EEPROM 优先，电池档案兜底
// CRC 不符降级为告警，仍然采用读到的参数
func (s *Server) modelFor(station types.StationID, resolved *procedure.ResolvedProcedure) *types.BatteryModelConfig {
	if s.poller != nil {
		if raw, ok := s.poller.EEPROM(station); ok {
			res, err := eeprom.Decode(raw)
			if err == nil {
				if !res.CRCValid {
					s.logger.Warn("EEPROM 校验和不符，仍采用其参数", "station_id", int(station))
				}
				return res.Config
			}
			s.logger.Warn("EEPROM 解码失败，回退电池档案", "station_id", int(station), "error", err)
		}
	}
	if resolved.Profile != nil {
		return resolved.Profile.Model
	}
	return nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, jobs)
}

type jobDetail struct {
	Job   *types.WorkJob   `json:"job"`
	Tasks []*types.JobTask `json:"tasks"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.store.GetJob(r.Context(), jobID)
	if err != nil {
		s.respondError(w, s.statusOf(err), err)
		return
	}
	taskList, err := s.store.ListTasks(r.Context(), jobID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, jobDetail{Job: job, Tasks: taskList})
}

type abortRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var req abortRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "操作员中止"
	}
	if err := s.orch.AbortJob(jobID, req.Reason); err != nil {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "aborting", "job_id": jobID})
}

type submitResultRequest struct {
	Result         types.StepResult   `json:"result"`
	MeasuredValues map[string]float64 `json:"measured_values,omitempty"`
	Notes          string             `json:"notes,omitempty"`
	PerformedBy    string             `json:"performed_by"`
	ToolIDs        []string           `json:"tool_ids,omitempty"`
}

// handleSubmitResult 技师录入人工步骤结果
// 先冻结器具使用快照，任何一件器具不可用则整体拒绝
func (s *Server) handleSubmitResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	var req submitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if len(req.ToolIDs) > 0 {
		if _, err := s.tools.RecordUsageForStep(ctx, taskID, req.ToolIDs); err != nil {
			var unusable *tools.ErrToolUnusable
			if errors.As(err, &unusable) {
				s.respondError(w, http.StatusUnprocessableEntity, err)
				return
			}
			s.respondError(w, s.statusOf(err), err)
			return
		}
	}

	if err := s.orch.SubmitManualResult(ctx, taskID,
		req.MeasuredValues, req.Result, req.Notes, req.PerformedBy); err != nil {
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "recorded", "task_id": taskID})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	rep, err := s.reports.Build(r.Context(), jobID)
	if err != nil {
		s.respondError(w, s.statusOf(err), err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(rep.RenderText()))
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.poller.Snapshots())
}

type eepromView struct {
	Config   *types.BatteryModelConfig `json:"config"`
	CRCValid bool                      `json:"crc_valid"`
}

func (s *Server) handleReadEEPROM(w http.ResponseWriter, r *http.Request) {
	station, ok := s.stationParam(w, r)
	if !ok {
		return
	}
	raw, present := s.poller.EEPROM(station)
	if !present {
		s.respondError(w, http.StatusNotFound,
			errors.New("工位没有可读的 EEPROM 数据"))
		return
	}
	res, err := eeprom.Decode(raw)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.respondJSON(w, http.StatusOK, eepromView{Config: res.Config, CRCValid: res.CRCValid})
}

// handleWriteEEPROM 把型号参数编码后烧录到工位底座
func (s *Server) handleWriteEEPROM(w http.ResponseWriter, r *http.Request) {
	station, ok := s.stationParam(w, r)
	if !ok {
		return
	}
	var cfg types.BatteryModelConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	raw, err := eeprom.Encode(&cfg)
	if err != nil {
		s.respondError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err := s.poller.WriteEEPROM(r.Context(), station, raw); err != nil {
		s.respondError(w, http.StatusBadGateway, err)
		return
	}
	s.logger.Info("EEPROM 烧录完成", "station_id", int(station), "part_number", cfg.PartNumber)
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "written"})
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	list, valid, err := s.tools.Available(r.Context(), r.URL.Query().Get("category"))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	type toolView struct {
		*types.Tool
		CalibrationValid bool `json:"calibration_valid"`
	}
	out := make([]toolView, len(list))
	for i := range list {
		out[i] = toolView{Tool: list[i], CalibrationValid: valid[i]}
	}
	s.respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.tracker.GetStateSnapshot())
}

// workItem 从请求中取出工单条目：优先按 ID 查库，也接受内联条目
func (s *Server) workItem(r *http.Request, req *resolveRequest) (*types.WorkItem, error) {
	if req.WorkItemID != "" {
		return s.store.GetWorkItem(r.Context(), req.WorkItemID)
	}
	if req.Item != nil {
		return req.Item, nil
	}
	return nil, errors.New("缺少 work_item_id 或内联条目")
}

func (s *Server) stationParam(w http.ResponseWriter, r *http.Request) (types.StationID, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "stationID"))
	if err != nil || id < 1 || id > types.NumStations {
		s.respondError(w, http.StatusBadRequest, errors.New("非法工位编号"))
		return 0, false
	}
	return types.StationID(id), true
}

func (s *Server) statusOf(err error) int {
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("写入响应失败", "error", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", "status", status, "error", err)
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}
