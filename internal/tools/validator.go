// Package tools 在使用时刻校验测量器具的校准状态
// 使用记录冻结当时的校准快照，之后的重新校准不改写历史报告
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"battery-test-bench/internal/store"
	"battery-test-bench/internal/types"
	"battery-test-bench/internal/util"
)

// ErrToolUnusable 器具不可用：停用或校准过期
type ErrToolUnusable struct {
	ToolID string
	Reason string
}

func (e *ErrToolUnusable) Error() string {
	return fmt.Sprintf("器具 %s 不可用: %s", e.ToolID, e.Reason)
}

// Validator 器具校准校验器
type Validator struct {
	store  *store.Store
	clock  util.Clock
	logger *slog.Logger
}

// NewValidator 创建校验器
func NewValidator(st *store.Store, clock util.Clock, logger *slog.Logger) *Validator {
	return &Validator{
		store:  st,
		clock:  clock,
		logger: logger.With("component", "tools"),
	}
}

// Validate 校验器具当前可用：在用且校准未过期
// 校准有效期按自然日比较，到期当天仍可使用
func (v *Validator) Validate(ctx context.Context, toolID string) (*types.Tool, error) {
	tool, err := v.store.GetTool(ctx, toolID)
	if err != nil {
		return nil, err
	}
	if !tool.Active {
		return nil, &ErrToolUnusable{ToolID: toolID,
			Reason: fmt.Sprintf("%s 已停用", tool.Description)}
	}
	if !v.calibrationValid(tool) {
		return nil, &ErrToolUnusable{ToolID: toolID,
			Reason: fmt.Sprintf("%s 校准已于 %s 过期",
				tool.Description, tool.ValidUntil.Format("2006-01-02"))}
	}
	return tool, nil
}

// RecordUsage 校验并写入一条冻结的使用快照
func (v *Validator) RecordUsage(ctx context.Context, taskID, toolID string) (*types.ToolUsage, error) {
	tool, err := v.Validate(ctx, toolID)
	if err != nil {
		return nil, err
	}
	usage := &types.ToolUsage{
		ID:               uuid.NewString(),
		TaskID:           taskID,
		ToolID:           tool.ID,
		Display:          tool.Display,
		Description:      tool.Description,
		Serial:           tool.Serial,
		CalibrationValid: true,
		CalibrationDue:   tool.ValidUntil,
		Certificate:      tool.Certificate,
		UsedAt:           v.clock.Now(),
	}
	if err := v.store.AddToolUsage(ctx, usage); err != nil {
		return nil, err
	}
	v.logger.Info("记录器具使用",
		"task_id", taskID, "tool", tool.Display, "serial", tool.Serial)
	return usage, nil
}

// RecordUsageForStep 校验技师为一个步骤选择的全部器具
// 任何一件不可用就整体失败，不留下部分记录
func (v *Validator) RecordUsageForStep(ctx context.Context, taskID string, toolIDs []string) ([]*types.ToolUsage, error) {
	validated := make([]*types.Tool, 0, len(toolIDs))
	for _, id := range toolIDs {
		tool, err := v.Validate(ctx, id)
		if err != nil {
			return nil, err
		}
		validated = append(validated, tool)
	}
	usages := make([]*types.ToolUsage, 0, len(validated))
	for _, tool := range validated {
		usage, err := v.RecordUsage(ctx, taskID, tool.ID)
		if err != nil {
			return nil, err
		}
		usages = append(usages, usage)
	}
	return usages, nil
}

// Available 列出在用器具及其当前校准状态，category 非空时过滤
func (v *Validator) Available(ctx context.Context, category string) ([]*types.Tool, []bool, error) {
	list, err := v.store.ListTools(ctx, category)
	if err != nil {
		return nil, nil, err
	}
	valid := make([]bool, len(list))
	for i, tool := range list {
		valid[i] = v.calibrationValid(tool)
	}
	return list, valid, nil
}

// calibrationValid 无到期日视为长期有效
func (v *Validator) calibrationValid(tool *types.Tool) bool {
	if tool.ValidUntil == nil {
		return true
	}
	today := v.clock.Now().Truncate(24 * time.Hour)
	due := tool.ValidUntil.Truncate(24 * time.Hour)
	return !due.Before(today)
}
