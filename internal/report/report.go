// Package report 汇总一次作业的测试报告数据
// 报告在作业终态后生成，内容来自已冻结的任务与器具记录
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"battery-test-bench/internal/store"
	"battery-test-bench/internal/types"
	"battery-test-bench/internal/util"
)

// FailureEntry 单条失败记录
type FailureEntry struct {
	Step   string `json:"step"`
	Reason string `json:"reason,omitempty"`
}

// ToolRecord 报告中的器具行，来自冻结的使用快照
type ToolRecord struct {
	Display     string `json:"display"`
	Description string `json:"description"`
	Serial      string `json:"serial"`
	Certificate string `json:"certificate,omitempty"`
}

// ManualEntry 人工步骤的结果摘要
type ManualEntry struct {
	StepType types.StepType     `json:"step_type"`
	Result   types.StepResult   `json:"result"`
	Values   map[string]float64 `json:"values,omitempty"`
	Notes    string             `json:"notes,omitempty"`
	By       string             `json:"by,omitempty"`
}

// Report 一次作业的完整报告
type Report struct {
	JobID           string                 `json:"job_id"`
	WorkOrderNumber string                 `json:"work_order_number"`
	BatterySerial   string                 `json:"battery_serial"`
	PartNumber      string                 `json:"part_number"`
	Amendment       string                 `json:"amendment,omitempty"`
	CMMNumber       string                 `json:"cmm_number,omitempty"`
	CMMRevision     string                 `json:"cmm_revision,omitempty"`
	Station         types.StationID        `json:"station"`
	ServiceType     types.ServiceType      `json:"service_type"`
	Technician      string                 `json:"technician,omitempty"`
	StartedAt       *time.Time             `json:"started_at,omitempty"`
	CompletedAt     *time.Time             `json:"completed_at,omitempty"`
	OverallResult   types.OverallResult    `json:"overall_result"`
	FailureReasons  []FailureEntry         `json:"failure_reasons,omitempty"`
	ToolsUsed       []ToolRecord           `json:"tools_used,omitempty"`
	ManualSummary   map[string]ManualEntry `json:"manual_summary,omitempty"`
	TaskCount       int                    `json:"task_count"`
	GeneratedAt     time.Time              `json:"generated_at"`
}

// Builder 从存储装配报告
type Builder struct {
	store  *store.Store
	clock  util.Clock
	logger *slog.Logger
}

// NewBuilder 创建报告装配器
func NewBuilder(st *store.Store, clock util.Clock, logger *slog.Logger) *Builder {
	return &Builder{store: st, clock: clock, logger: logger.With("component", "report")}
}

// Build 装配指定作业的报告，作业未到终态时拒绝
func (b *Builder) Build(ctx context.Context, jobID string) (*Report, error) {
	job, err := b.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Status.Terminal() {
		return nil, fmt.Errorf("作业 %s 尚未结束 (当前 %s)，不能出报告", jobID, job.Status)
	}
	tasks, err := b.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	r := &Report{
		JobID:           job.ID,
		WorkOrderNumber: job.WorkOrderNumber,
		BatterySerial:   job.BatterySerial,
		PartNumber:      job.PartNumber,
		Amendment:       job.Amendment,
		CMMNumber:       job.TechPubCMM,
		CMMRevision:     job.TechPubRevision,
		Station:         job.Station,
		ServiceType:     job.ServiceType,
		Technician:      job.StartedBy,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		OverallResult:   job.OverallResult,
		TaskCount:       len(tasks),
		GeneratedAt:     b.clock.Now(),
	}

	seen := make(map[string]bool)
	for _, task := range tasks {
		if task.StepResult == types.ResultFail {
			r.FailureReasons = append(r.FailureReasons,
				FailureEntry{Step: task.Label, Reason: task.ResultNotes})
		}
		if !task.Automated && task.StepResult != "" && task.StepType != types.StepOperatorAction {
			if r.ManualSummary == nil {
				r.ManualSummary = make(map[string]ManualEntry)
			}
			r.ManualSummary[task.Label] = ManualEntry{
				StepType: task.StepType,
				Result:   task.StepResult,
				Values:   task.MeasuredValues,
				Notes:    task.ResultNotes,
				By:       task.PerformedBy,
			}
		}
		usages, err := b.store.ListToolUsage(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		for _, u := range usages {
			if seen[u.ToolID] {
				continue
			}
			seen[u.ToolID] = true
			r.ToolsUsed = append(r.ToolsUsed, ToolRecord{
				Display:     u.Display,
				Description: u.Description,
				Serial:      u.Serial,
				Certificate: u.Certificate,
			})
		}
	}
	sort.Slice(r.ToolsUsed, func(i, j int) bool {
		return r.ToolsUsed[i].Display < r.ToolsUsed[j].Display
	})

	b.logger.Info("报告装配完成",
		"job_id", jobID, "result", string(r.OverallResult), "failures", len(r.FailureReasons))
	return r, nil
}

// RenderText 渲染适合打印归档的纯文本报告
func (r *Report) RenderText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "测试报告  作业 %s\n", r.JobID)
	fmt.Fprintf(&sb, "工单: %s  序列号: %s  件号: %s\n", r.WorkOrderNumber, r.BatterySerial, r.PartNumber)
	if r.CMMNumber != "" {
		fmt.Fprintf(&sb, "CMM: %s Rev %s\n", r.CMMNumber, r.CMMRevision)
	}
	fmt.Fprintf(&sb, "工位: %d  类型: %s\n", int(r.Station), r.ServiceType)
	if r.StartedAt != nil && r.CompletedAt != nil {
		fmt.Fprintf(&sb, "开始: %s  结束: %s\n",
			r.StartedAt.Format(time.RFC3339), r.CompletedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "总体结论: %s\n", r.OverallResult)
	if len(r.FailureReasons) > 0 {
		sb.WriteString("未通过项:\n")
		for _, f := range r.FailureReasons {
			fmt.Fprintf(&sb, "  - %s: %s\n", f.Step, f.Reason)
		}
	}
	if len(r.ToolsUsed) > 0 {
		sb.WriteString("使用器具:\n")
		for _, t := range r.ToolsUsed {
			fmt.Fprintf(&sb, "  - %s %s (SN %s)\n", t.Display, t.Description, t.Serial)
		}
	}
	return sb.String()
}
