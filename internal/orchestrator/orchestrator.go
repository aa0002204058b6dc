// Package orchestrator 按任务清单顺序执行作业：
// 自动化步骤直接驱动工位硬件，人工步骤等待技师录入
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"battery-test-bench/internal/event"
	"battery-test-bench/internal/metrics"
	"battery-test-bench/internal/station"
	"battery-test-bench/internal/store"
	"battery-test-bench/internal/types"
	"battery-test-bench/internal/util"
)

const (
	sampleIntervalSec  = 10  // 自动化步骤的采样间隔
	sampleFlushCount   = 100 // 每 100 个采样点落盘一次 (约 16 分钟)
	manualPollSec      = 2   // 人工任务完成状态的轮询间隔
	defaultManualTimeout = 24 * time.Hour
)

// Hardware 单个工位的仪器组
type Hardware struct {
	PSU  station.PowerSupply
	Load station.ElectronicLoad
}

// Orchestrator 任务执行编排器
type Orchestrator struct {
	store         *store.Store
	hardware      map[types.StationID]Hardware
	temp          station.TempReader
	bus           *event.Bus
	clock         util.Clock
	logger        *slog.Logger
	manualTimeout time.Duration

	mu           sync.Mutex
	running      map[string]context.CancelFunc // 作业 ID -> 取消函数
	abortReasons map[string]string             // 操作员中止原因，收尾时取走
	wg           sync.WaitGroup
}

// New 创建编排器；manualTimeout 为零时取缺省 24 小时
func New(st *store.Store, hardware map[types.StationID]Hardware, temp station.TempReader, bus *event.Bus, clock util.Clock, manualTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	if manualTimeout <= 0 {
		manualTimeout = defaultManualTimeout
	}
	return &Orchestrator{
		store:         st,
		hardware:      hardware,
		temp:          temp,
		bus:           bus,
		clock:         clock,
		logger:        logger.With("component", "orchestrator"),
		manualTimeout: manualTimeout,
		running:       make(map[string]context.CancelFunc),
		abortReasons:  make(map[string]string),
	}
}

// ExecuteJob 启动作业执行，立即返回；任务在后台顺序推进
func (o *Orchestrator) ExecuteJob(ctx context.Context, jobID string) error {
	job, err := o.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("作业 %s 已结束 (%s)，不能重新执行", jobID, job.Status)
	}

	o.mu.Lock()
	if _, exists := o.running[jobID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("作业 %s 正在执行", jobID)
	}
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.running[jobID] = cancel
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer func() {
			o.mu.Lock()
			delete(o.running, jobID)
			o.mu.Unlock()
		}()
		traceID := util.NewTraceID()
		runCtx := util.ContextWithJobID(util.ContextWithTraceID(jobCtx, traceID), jobID)
		o.runJob(runCtx, job)
	}()
	return nil
}

// RunJobBlocking 同步执行作业，调度器使用
func (o *Orchestrator) RunJobBlocking(ctx context.Context, jobID string) error {
	if err := o.ExecuteJob(ctx, jobID); err != nil {
		return err
	}
	// 轮询到作业离开运行表
	for {
		o.mu.Lock()
		_, running := o.running[jobID]
		o.mu.Unlock()
		if !running {
			return nil
		}
		if err := o.clock.Sleep(ctx, time.Second); err != nil {
			return err
		}
	}
}

// AbortJob 中止正在执行的作业
func (o *Orchestrator) AbortJob(jobID, reason string) error {
	o.mu.Lock()
	cancel, ok := o.running[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("作业 %s 未在执行", jobID)
	}
	o.logger.Warn("收到作业中止请求", "job_id", jobID, "reason", reason)
	o.mu.Lock()
	o.abortReasons[jobID] = reason
	o.mu.Unlock()
	cancel()
	return nil
}

// takeAbortReason 取走并清除操作员提交的中止原因
func (o *Orchestrator) takeAbortReason(jobID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	reason := o.abortReasons[jobID]
	delete(o.abortReasons, jobID)
	return reason
}

// Wait 等待所有执行中的作业收尾，优雅停机用
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// SubmitManualResult 技师录入人工任务结果
func (o *Orchestrator) SubmitManualResult(ctx context.Context, taskID string, measured map[string]float64, result types.StepResult, notes, performedBy string) error {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != types.TaskAwaitingInput {
		return fmt.Errorf("任务 %s 当前状态 %s，不在等待录入", taskID, task.Status)
	}
	if result != types.ResultPass && result != types.ResultFail && result != types.ResultInfo {
		return fmt.Errorf("非法的步骤判定: %s", result)
	}
	if err := o.store.SetTaskResult(ctx, taskID, result, measured, notes, performedBy); err != nil {
		return err
	}
	target := types.TaskCompleted
	if err := o.store.UpdateTaskStatus(ctx, taskID, target); err != nil {
		return err
	}
	o.logger.Info("人工结果已录入", "task_id", taskID, "result", result, "performed_by", performedBy)
	return nil
}

// runJob 顺序执行作业的顶层任务
func (o *Orchestrator) runJob(ctx context.Context, job *types.WorkJob) {
	logger := o.loggerFor(ctx, job.ID)
	logger.Info("开始执行作业", "station_id", int(job.Station), "serial", job.BatterySerial)

	if job.Status == types.JobPending {
		if err := o.store.UpdateJobStatus(ctx, job.ID, types.JobInProgress); err != nil {
			logger.Error("作业状态更新失败", "error", err)
			return
		}
	}
	o.bus.Publish(event.Event{Type: event.JobStarted, JobID: job.ID, Station: job.Station})

	tasks, err := o.store.ListTasks(ctx, job.ID)
	if err != nil {
		o.failJob(job, fmt.Sprintf("加载任务清单失败: %v", err))
		return
	}

	children := make(map[string][]*types.JobTask)
	for _, t := range tasks {
		if t.ParentID != "" {
			children[t.ParentID] = append(children[t.ParentID], t)
		}
	}

	for _, task := range tasks {
		if task.ParentID != "" || task.Status.Terminal() {
			continue
		}
		if err := o.runTopLevelTask(ctx, job, task, children[task.ID]); err != nil {
			if errors.Is(err, context.Canceled) || isAbort(err) {
				reason := o.takeAbortReason(job.ID)
				if reason == "" {
					reason = reasonOf(err)
				}
				o.abortJob(ctx, job, task, reason)
			} else {
				o.failJob(job, err.Error())
			}
			return
		}
	}

	overall, failureReason := o.determineOverallResult(job.ID)
	if err := o.store.SetJobResult(context.Background(), job.ID, overall, failureReason); err != nil {
		logger.Error("写入整体判定失败", "error", err)
	}
	if err := o.store.UpdateJobStatus(context.Background(), job.ID, types.JobCompleted); err != nil {
		logger.Error("作业收尾状态更新失败", "error", err)
	}
	metrics.JobsProcessedTotal.WithLabelValues(string(overall), string(job.ServiceType)).Inc()

	done, _ := o.store.GetJob(context.Background(), job.ID)
	o.bus.Publish(event.Event{Type: event.JobCompleted, JobID: job.ID, Job: done, Station: job.Station})
	logger.Info("作业执行完成", "overall_result", overall)
}

// runTopLevelTask 执行单个顶层任务 (含其子任务)
func (o *Orchestrator) runTopLevelTask(ctx context.Context, job *types.WorkJob, task *types.JobTask, kids []*types.JobTask) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if task.Status == types.TaskPending {
		if err := o.store.UpdateTaskStatus(ctx, task.ID, types.TaskInProgress); err != nil {
			return err
		}
	}
	metrics.TasksInProgress.Inc()
	defer metrics.TasksInProgress.Dec()
	o.bus.Publish(event.Event{Type: event.TaskProgress, JobID: job.ID, TaskID: task.ID, Task: task, Station: job.Station})

	if task.Automated {
		return o.executeAutomatedStep(ctx, job, task)
	}

	if len(kids) > 0 {
		// 章节父任务：逐个等待子任务录入，再按子任务结果收口
		for _, child := range kids {
			if child.Status.Terminal() {
				continue
			}
			if err := o.awaitManual(ctx, job, child); err != nil {
				return err
			}
		}
		return o.completeParent(ctx, task, kids)
	}
	return o.awaitManual(ctx, job, task)
}

// awaitManual 将人工任务置为等待录入并轮询完成
func (o *Orchestrator) awaitManual(ctx context.Context, job *types.WorkJob, task *types.JobTask) error {
	if task.Status == types.TaskPending {
		if err := o.store.UpdateTaskStatus(ctx, task.ID, types.TaskInProgress); err != nil {
			return err
		}
	}
	if err := o.store.UpdateTaskStatus(ctx, task.ID, types.TaskAwaitingInput); err != nil {
		return err
	}
	o.bus.Publish(event.Event{Type: event.TaskAwaitingInput, JobID: job.ID, TaskID: task.ID, Task: task, Station: job.Station})
	o.loggerFor(ctx, job.ID).Info("任务等待技师录入", "task_id", task.ID, "label", task.Label)

	deadline := o.clock.Now().Add(o.manualTimeout)
	for {
		if err := o.clock.Sleep(ctx, manualPollSec*time.Second); err != nil {
			return err
		}
		cur, err := o.store.GetTask(ctx, task.ID)
		if err != nil {
			return err
		}
		if cur.Status.Terminal() {
			return nil
		}
		if o.clock.Now().After(deadline) {
			// 超时视为未通过
			_ = o.store.SetTaskResult(ctx, task.ID, types.ResultFail, nil, "等待技师录入超时", "")
			return o.store.UpdateTaskStatus(ctx, task.ID, types.TaskFailed)
		}
	}
}

// completeParent 子任务全部结束后收口父任务
func (o *Orchestrator) completeParent(ctx context.Context, parent *types.JobTask, kids []*types.JobTask) error {
	result := types.ResultPass
	for _, child := range kids {
		cur, err := o.store.GetTask(ctx, child.ID)
		if err != nil {
			return err
		}
		if cur.StepResult == types.ResultFail || cur.Status == types.TaskFailed {
			result = types.ResultFail
			break
		}
	}
	if err := o.store.SetTaskResult(ctx, parent.ID, result, nil, "", ""); err != nil {
		return err
	}
	return o.store.UpdateTaskStatus(ctx, parent.ID, types.TaskCompleted)
}

// executeAutomatedStep 按步骤类型驱动硬件并采样
func (o *Orchestrator) executeAutomatedStep(ctx context.Context, job *types.WorkJob, task *types.JobTask) error {
	hw, ok := o.hardware[job.Station]
	if !ok {
		return fmt.Errorf("工位 %d 未配置仪器", job.Station)
	}
	logger := o.loggerFor(ctx, job.ID).With("task_id", task.ID, "step_type", string(task.StepType))
	logger.Info("开始自动化步骤")

	measured := make(map[string]float64)
	var runErr error

	switch task.StepType {
	case types.StepCharge:
		p := task.Params.Charge
		if p == nil {
			return fmt.Errorf("充电任务 %s 缺少参数", task.ID)
		}
		if err := hw.Load.Disable(ctx); err != nil {
			return err
		}
		if err := hw.PSU.SetOutput(ctx, p.VoltageLimitMV, p.CurrentMA); err != nil {
			return err
		}
		runErr = o.monitorStep(ctx, job, task, p.DurationMin*60, monitorOpts{
			source: hw.PSU, tempMaxC: p.TempMaxC,
		}, measured)
		if err := hw.PSU.Disable(ctx); err != nil && runErr == nil {
			runErr = err
		}

	case types.StepDischarge:
		p := task.Params.Discharge
		if p == nil {
			return fmt.Errorf("放电任务 %s 缺少参数", task.ID)
		}
		if err := hw.PSU.Disable(ctx); err != nil {
			return err
		}
		if err := hw.Load.ConfigureCC(ctx, p.CurrentMA, p.VoltageMinMV); err != nil {
			return err
		}
		runErr = o.monitorStep(ctx, job, task, p.DurationMin*60, monitorOpts{
			source: hw.Load, tempMaxC: p.TempMaxC, stopBelowMV: p.VoltageMinMV,
		}, measured)
		if err := hw.Load.Disable(ctx); err != nil && runErr == nil {
			runErr = err
		}

	case types.StepRest:
		p := task.Params.Rest
		if p == nil {
			return fmt.Errorf("静置任务 %s 缺少参数", task.ID)
		}
		if err := o.disableBoth(ctx, hw); err != nil {
			return err
		}
		runErr = o.monitorStep(ctx, job, task, p.DurationMin*60, monitorOpts{}, measured)

	case types.StepWaitTemp:
		p := task.Params.WaitTemp
		if p == nil {
			return fmt.Errorf("等待降温任务 %s 缺少参数", task.ID)
		}
		if err := o.disableBoth(ctx, hw); err != nil {
			return err
		}
		runErr = o.monitorStep(ctx, job, task, p.TimeoutMin*60, monitorOpts{
			stopBelowTempC: p.TargetC,
		}, measured)

	default:
		return fmt.Errorf("不支持的自动化步骤类型: %s", task.StepType)
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			// 中止路径先保硬件安全
			o.safeDisable(hw)
			return runErr
		}
		return runErr
	}

	result := evaluateCriteria(task.Params, measured)
	if err := o.store.SetTaskResult(ctx, task.ID, result, measured, "", ""); err != nil {
		return err
	}
	if err := o.store.UpdateTaskStatus(ctx, task.ID, types.TaskCompleted); err != nil {
		return err
	}
	logger.Info("自动化步骤完成", "result", string(result), "measured", measured)
	return nil
}

// measureSource 采样来源，充电读电源、放电读负载
type measureSource interface {
	MeasureVoltageMV(ctx context.Context) (float64, error)
	MeasureCurrentMA(ctx context.Context) (float64, error)
}

type monitorOpts struct {
	source         measureSource // 为空时只采温度 (静置/降温)
	tempMaxC       float64       // >0 时超温中止
	stopBelowMV    float64       // >0 时电压低于该值提前结束 (放电终止)
	stopBelowTempC float64       // >0 时温度降到该值提前结束 (等待降温)
}

// monitorStep 10 秒间隔采样，每 100 点落盘一次
func (o *Orchestrator) monitorStep(ctx context.Context, job *types.WorkJob, task *types.JobTask, durationSec float64, opts monitorOpts, measured map[string]float64) error {
	var pending []types.Sample
	elapsed := 0.0

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := o.store.AppendTaskSamples(ctx, task.ID, pending); err != nil {
			return err
		}
		pending = pending[:0]
		return nil
	}

	for elapsed < durationSec {
		if err := o.clock.Sleep(ctx, sampleIntervalSec*time.Second); err != nil {
			_ = flush()
			return err
		}
		elapsed += sampleIntervalSec

		var v, i float64
		var err error
		if opts.source != nil {
			v, err = opts.source.MeasureVoltageMV(ctx)
			if err != nil {
				return fmt.Errorf("采样电压失败: %w", err)
			}
			i, err = opts.source.MeasureCurrentMA(ctx)
			if err != nil {
				return fmt.Errorf("采样电流失败: %w", err)
			}
		}
		temp, tempValid := o.temp.Temperature(job.Station)

		pending = append(pending, types.Sample{
			ElapsedSec: elapsed,
			VoltageMV:  v,
			CurrentMA:  i,
			TempC:      temp,
			Phase:      string(task.StepType),
		})
		metrics.SamplesCollectedTotal.Inc()

		if v > 0 {
			measured["voltage_last_mv"] = v
			if v > measured["voltage_max_mv"] {
				measured["voltage_max_mv"] = v
			}
		}
		if i > 0 {
			measured["current_last_ma"] = i
		}
		if tempValid {
			measured["temperature_last_c"] = temp
			if temp > measured["temperature_max_c"] {
				measured["temperature_max_c"] = temp
			}
		}
		measured["elapsed_sec"] = elapsed
		measured["duration_min"] = elapsed / 60

		// 温度是充放电步骤的安全依据，读数失效与超温一样中止
		if opts.tempMaxC > 0 {
			if !tempValid {
				_ = flush()
				return &station.AbortError{Reason: "温度传感器读数失效，测试不能继续"}
			}
			if temp > opts.tempMaxC {
				_ = flush()
				return &station.AbortError{Reason: fmt.Sprintf("温度超过 %.1f°C：当前 %.1f°C", opts.tempMaxC, temp)}
			}
		}
		if opts.stopBelowMV > 0 && v > 0 && v <= opts.stopBelowMV {
			break
		}
		if opts.stopBelowTempC > 0 && tempValid && temp <= opts.stopBelowTempC {
			break
		}

		if len(pending) >= sampleFlushCount {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	return flush()
}

// evaluateCriteria 按固化的判定标准评定步骤结果
// 无标准视为通过，未知标准类别降级为 info
func evaluateCriteria(params types.StepParams, measured map[string]float64) types.StepResult {
	c := params.Criteria
	if c == nil || c.Type == types.CriteriaNone {
		return types.ResultPass
	}

	key := ""
	if params.Measurement != nil {
		key = params.Measurement.Key
	}

	switch c.Type {
	case types.CriteriaMinDuration:
		if measured["duration_min"] >= c.Min {
			return types.ResultPass
		}
		return types.ResultFail
	case types.CriteriaMinValue:
		if measured[key] >= c.Min {
			return types.ResultPass
		}
		return types.ResultFail
	case types.CriteriaMaxValue:
		if measured[key] <= c.Max {
			return types.ResultPass
		}
		return types.ResultFail
	case types.CriteriaRange:
		if v := measured[key]; v >= c.Min && v <= c.Max {
			return types.ResultPass
		}
		return types.ResultFail
	case types.CriteriaBoolean:
		if measured[key] != 0 {
			return types.ResultPass
		}
		return types.ResultFail
	default:
		return types.ResultInfo
	}
}

// determineOverallResult 汇总顶层任务得出整体判定
func (o *Orchestrator) determineOverallResult(jobID string) (types.OverallResult, string) {
	tasks, err := o.store.ListTasks(context.Background(), jobID)
	if err != nil {
		return types.OverallIncomplete, fmt.Sprintf("汇总任务失败: %v", err)
	}
	var failures []string
	incomplete := false
	for _, t := range tasks {
		if t.ParentID != "" {
			if t.StepResult == types.ResultFail {
				failures = append(failures, t.Label)
			}
			continue
		}
		if !t.Status.Terminal() {
			incomplete = true
		}
		if t.StepResult == types.ResultFail {
			failures = append(failures, t.Label)
		}
	}
	if incomplete {
		return types.OverallIncomplete, ""
	}
	if len(failures) > 0 {
		return types.OverallFail, fmt.Sprintf("未通过项: %s", joinLimited(failures, 5))
	}
	return types.OverallPass, ""
}

// abortJob 中止收尾：硬件断电、任务与作业置为 aborted
func (o *Orchestrator) abortJob(ctx context.Context, job *types.WorkJob, current *types.JobTask, reason string) {
	logger := o.logger.With("job_id", job.ID)
	logger.Warn("作业已中止", "reason", reason)

	if hw, ok := o.hardware[job.Station]; ok {
		o.safeDisable(hw)
	}

	bg := context.Background()
	if current != nil {
		_ = o.store.UpdateTaskStatus(bg, current.ID, types.TaskAborted)
	}
	tasks, _ := o.store.ListTasks(bg, job.ID)
	for _, t := range tasks {
		if !t.Status.Terminal() {
			_ = o.store.UpdateTaskStatus(bg, t.ID, types.TaskAborted)
		}
	}
	_ = o.store.SetJobResult(bg, job.ID, types.OverallIncomplete, reason)
	_ = o.store.UpdateJobStatus(bg, job.ID, types.JobAborted)
	o.bus.Publish(event.Event{Type: event.JobAborted, JobID: job.ID, Station: job.Station, Reason: reason})
}

// failJob 失败收尾：硬件断电、整体判定记失败
func (o *Orchestrator) failJob(job *types.WorkJob, reason string) {
	logger := o.logger.With("job_id", job.ID)
	logger.Error("作业执行失败", "reason", reason)

	if hw, ok := o.hardware[job.Station]; ok {
		o.safeDisable(hw)
	}

	bg := context.Background()
	tasks, _ := o.store.ListTasks(bg, job.ID)
	for _, t := range tasks {
		if !t.Status.Terminal() {
			_ = o.store.SetTaskResult(bg, t.ID, types.ResultFail, nil, fmt.Sprintf("作业失败: %s", reason), "")
			_ = o.store.UpdateTaskStatus(bg, t.ID, types.TaskFailed)
		}
	}
	_ = o.store.SetJobResult(bg, job.ID, types.OverallFail, reason)
	_ = o.store.UpdateJobStatus(bg, job.ID, types.JobFailed)
	metrics.JobsProcessedTotal.WithLabelValues(string(types.OverallFail), string(job.ServiceType)).Inc()
	o.bus.Publish(event.Event{Type: event.JobAborted, JobID: job.ID, Station: job.Station, Reason: reason})
}

// safeDisable 两路独立断电，一路失败不影响另一路
func (o *Orchestrator) safeDisable(hw Hardware) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hw.PSU.Disable(ctx); err != nil {
		o.logger.Error("断电时关闭电源失败", "error", err)
	}
	if err := hw.Load.Disable(ctx); err != nil {
		o.logger.Error("断电时关闭负载失败", "error", err)
	}
}

func (o *Orchestrator) disableBoth(ctx context.Context, hw Hardware) error {
	if err := hw.PSU.Disable(ctx); err != nil {
		return err
	}
	return hw.Load.Disable(ctx)
}

func (o *Orchestrator) loggerFor(ctx context.Context, jobID string) *slog.Logger {
	logger := o.logger.With("job_id", jobID)
	if traceID, ok := util.TraceIDFromContext(ctx); ok {
		logger = logger.With("trace_id", traceID)
	}
	return logger
}

func isAbort(err error) bool {
	var abort *station.AbortError
	return errors.As(err, &abort)
}

func reasonOf(err error) string {
	var abort *station.AbortError
	if errors.As(err, &abort) {
		return abort.Reason
	}
	return "操作员中止"
}

func joinLimited(items []string, max int) string {
	if len(items) > max {
		items = append(items[:max:max], "…")
	}
	out := ""
	for i, s := range items {
		if i > 0 {
			out += "、"
		}
		out += s
	}
	return out
}
