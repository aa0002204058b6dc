// Package store 提供作业/任务的内存存储与预写日志持久化
// 状态写入经过状态机校验，终态字段只写一次
package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"battery-test-bench/internal/fsm"
	"battery-test-bench/internal/types"
)

// ErrNotFound 查询对象不存在
var ErrNotFound = fmt.Errorf("对象不存在")

// Store 内存存储，journal 为空时仅驻留内存 (测试用)
type Store struct {
	mu      sync.RWMutex
	journal *Journal

	jobs  map[string]*types.WorkJob
	tasks map[string]*types.JobTask

	// 只读参考数据
	pubs          []*types.TechPub
	applicability []types.Applicability
	profiles      []*types.BatteryProfile
	workItems     map[string]*types.WorkItem
	tools         map[string]*types.Tool
	toolSeq       int
	toolUsage     []*types.ToolUsage
}

// New 创建存储；journal 可以为 nil
func New(journal *Journal) *Store {
	return &Store{
		journal:   journal,
		jobs:      make(map[string]*types.WorkJob),
		tasks:     make(map[string]*types.JobTask),
		workItems: make(map[string]*types.WorkItem),
		tools:     make(map[string]*types.Tool),
	}
}

// Recover 重放日志恢复作业与任务，启动时调用一次
func (s *Store) Recover() error {
	if s.journal == nil {
		return nil
	}
	state, err := s.journal.Recover()
	if err != nil {
		return fmt.Errorf("日志重放失败: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range state.Jobs {
		s.jobs[id] = job
	}
	for id, task := range state.Tasks {
		s.tasks[id] = task
	}
	return nil
}

func (s *Store) logJob(job *types.WorkJob) error {
	if s.journal == nil {
		return nil
	}
	return s.journal.AppendJob(job)
}

func (s *Store) logTask(task *types.JobTask) error {
	if s.journal == nil {
		return nil
	}
	// 快照不携带采样，采样走独立的批次记录
	clone := *task
	clone.Samples = nil
	return s.journal.AppendTask(&clone)
}

// CreateJob 写入新作业
func (s *Store) CreateJob(_ context.Context, job *types.WorkJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("作业 %s 已存在", job.ID)
	}
	s.jobs[job.ID] = job
	return s.logJob(job)
}

// GetJob 查询作业
func (s *Store) GetJob(_ context.Context, id string) (*types.WorkJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("作业 %s: %w", id, ErrNotFound)
	}
	clone := *job
	return &clone, nil
}

// ListJobs 返回全部作业，按创建时间升序
func (s *Store) ListJobs(_ context.Context) ([]*types.WorkJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.WorkJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		clone := *job
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateJobStatus 经状态机校验的作业状态转移
func (s *Store) UpdateJobStatus(_ context.Context, id string, status types.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("作业 %s: %w", id, ErrNotFound)
	}
	if !fsm.JobTransitionAllowed(job.Status, status) {
		return fmt.Errorf("作业 %s 非法状态转移: %s -> %s", id, job.Status, status)
	}
	job.Status = status
	now := time.Now()
	switch status {
	case types.JobInProgress:
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
	case types.JobCompleted, types.JobFailed, types.JobAborted:
		job.CompletedAt = &now
	}
	return s.logJob(job)
}

// SetJobResult 写入作业整体判定，只允许写一次
func (s *Store) SetJobResult(_ context.Context, id string, result types.OverallResult, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("作业 %s: %w", id, ErrNotFound)
	}
	if job.OverallResult != "" {
		return fmt.Errorf("作业 %s 的整体判定已写入，不允许改写", id)
	}
	job.OverallResult = result
	job.FailureReason = failureReason
	return s.logJob(job)
}

// CreateTasks 批量写入任务清单
func (s *Store) CreateTasks(_ context.Context, list []*types.JobTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range list {
		if _, exists := s.tasks[task.ID]; exists {
			return fmt.Errorf("任务 %s 已存在", task.ID)
		}
	}
	for _, task := range list {
		s.tasks[task.ID] = task
		if err := s.logTask(task); err != nil {
			return err
		}
	}
	return nil
}

// GetTask 查询任务
func (s *Store) GetTask(_ context.Context, id string) (*types.JobTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("任务 %s: %w", id, ErrNotFound)
	}
	return cloneTask(task), nil
}

// ListTasks 返回作业的任务清单，按任务号升序
func (s *Store) ListTasks(_ context.Context, jobID string) ([]*types.JobTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.JobTask
	for _, task := range s.tasks {
		if task.JobID == jobID {
			out = append(out, cloneTask(task))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskNumber < out[j].TaskNumber })
	return out, nil
}

// cloneTask 任务快照；测量值独立复制，避免调用方与存储共用同一 map
func cloneTask(task *types.JobTask) *types.JobTask {
	clone := *task
	if task.MeasuredValues != nil {
		clone.MeasuredValues = make(map[string]float64, len(task.MeasuredValues))
		for k, v := range task.MeasuredValues {
			clone.MeasuredValues[k] = v
		}
	}
	return &clone
}

// UpdateTaskStatus 经状态机校验的任务状态转移
func (s *Store) UpdateTaskStatus(_ context.Context, id string, status types.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("任务 %s: %w", id, ErrNotFound)
	}
	if !fsm.TaskTransitionAllowed(task.Status, status) {
		return fmt.Errorf("任务 %s 非法状态转移: %s -> %s", id, task.Status, status)
	}
	task.Status = status
	now := time.Now()
	switch status {
	case types.TaskInProgress:
		if task.StartTime == nil {
			task.StartTime = &now
		}
	case types.TaskCompleted, types.TaskFailed, types.TaskAborted:
		task.EndTime = &now
	}
	return s.logTask(task)
}

// SetTaskResult 写入任务判定与测量值
func (s *Store) SetTaskResult(_ context.Context, id string, result types.StepResult, measured map[string]float64, notes, performedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("任务 %s: %w", id, ErrNotFound)
	}
	task.StepResult = result
	if measured != nil {
		if task.MeasuredValues == nil {
			task.MeasuredValues = make(map[string]float64, len(measured))
		}
		for k, v := range measured {
			task.MeasuredValues[k] = v
		}
	}
	if notes != "" {
		task.ResultNotes = notes
	}
	if performedBy != "" {
		task.PerformedBy = performedBy
	}
	return s.logTask(task)
}

// AppendTaskSamples 追加采样批次
func (s *Store) AppendTaskSamples(_ context.Context, id string, samples []types.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("任务 %s: %w", id, ErrNotFound)
	}
	task.Samples = append(task.Samples, samples...)
	if s.journal == nil {
		return nil
	}
	return s.journal.AppendSamples(id, samples)
}

// ---- 只读参考数据 ----

// AddTechPub 登记技术出版物
func (s *Store) AddTechPub(pub *types.TechPub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubs = append(s.pubs, pub)
}

// AddApplicability 登记适用性表行
func (s *Store) AddApplicability(rows ...types.Applicability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applicability = append(s.applicability, rows...)
}

// AddProfile 登记电池档案
func (s *Store) AddProfile(profile *types.BatteryProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles = append(s.profiles, profile)
}

// AddWorkItem 登记工单条目
func (s *Store) AddWorkItem(item *types.WorkItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workItems[item.ID] = item
}

// GetWorkItem 查询工单条目
func (s *Store) GetWorkItem(_ context.Context, id string) (*types.WorkItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.workItems[id]
	if !ok {
		return nil, fmt.Errorf("工单条目 %s: %w", id, ErrNotFound)
	}
	clone := *item
	return &clone, nil
}

// FindTechPubByPart 适用性表查询：精确零件号，修订号可为空 (空行匹配所有修订)
func (s *Store) FindTechPubByPart(_ context.Context, partNumber, amendment string) (*types.TechPub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var fallback *types.TechPub
	for _, row := range s.applicability {
		if !strings.EqualFold(row.PartNumber, partNumber) {
			continue
		}
		pub := s.findPubByID(row.TechPubID)
		if pub == nil || !pub.Active {
			continue
		}
		if row.Amendment == "" {
			fallback = pub
			continue
		}
		if strings.EqualFold(row.Amendment, amendment) {
			return pub, nil
		}
	}
	return fallback, nil
}

func (s *Store) findPubByID(id int64) *types.TechPub {
	for _, pub := range s.pubs {
		if pub.ID == id {
			return pub
		}
	}
	return nil
}

// ListTechPubs 返回全部技术出版物
func (s *Store) ListTechPubs(_ context.Context) ([]*types.TechPub, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.TechPub, len(s.pubs))
	copy(out, s.pubs)
	return out, nil
}

// FindProfile 查询电池档案：优先精确修订匹配，其次零件号匹配
func (s *Store) FindProfile(_ context.Context, partNumber, amendment string) (*types.BatteryProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var fallback *types.BatteryProfile
	for _, p := range s.profiles {
		if !p.Active || !strings.EqualFold(p.PartNumber, partNumber) {
			continue
		}
		if strings.EqualFold(p.Amendment, amendment) {
			return p, nil
		}
		if p.Amendment == "" && fallback == nil {
			fallback = p
		}
	}
	return fallback, nil
}

// ---- 计量器具 ----

// AddTool 登记器具
func (s *Store) AddTool(tool *types.Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolSeq++
	if tool.Display == "" {
		tool.Display = fmt.Sprintf("TID%03d", s.toolSeq)
	}
	s.tools[tool.ID] = tool
}

// ListTools 列出在用器具，category 非空时按类别过滤
func (s *Store) ListTools(_ context.Context, category string) ([]*types.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Tool
	for _, tool := range s.tools {
		if !tool.Active {
			continue
		}
		if category != "" && tool.Category != category {
			continue
		}
		clone := *tool
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Display < out[j].Display
	})
	return out, nil
}

// GetTool 查询器具
func (s *Store) GetTool(_ context.Context, id string) (*types.Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tool, ok := s.tools[id]
	if !ok {
		return nil, fmt.Errorf("器具 %s: %w", id, ErrNotFound)
	}
	clone := *tool
	return &clone, nil
}

// AddToolUsage 写入器具使用快照
func (s *Store) AddToolUsage(_ context.Context, usage *types.ToolUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolUsage = append(s.toolUsage, usage)
	return nil
}

// ListToolUsage 查询任务的器具使用记录
func (s *Store) ListToolUsage(_ context.Context, taskID string) ([]*types.ToolUsage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ToolUsage
	for _, u := range s.toolUsage {
		if u.TaskID == taskID {
			clone := *u
			out = append(out, &clone)
		}
	}
	return out, nil
}
