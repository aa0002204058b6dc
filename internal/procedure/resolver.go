// Package procedure 将工单条目解析为该电池适用的具体检查/测试流程
package procedure

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"battery-test-bench/internal/condition"
	"battery-test-bench/internal/types"
)

// Catalog 只读参考数据的查询接口，由 store 实现
type Catalog interface {
	// FindTechPubByPart 在适用性表中查找零件号对应的技术出版物
	FindTechPubByPart(ctx context.Context, partNumber, amendment string) (*types.TechPub, error)
	// ListTechPubs 返回全部技术出版物 (用于旧版回退匹配)
	ListTechPubs(ctx context.Context) ([]*types.TechPub, error)
	// FindProfile 查找零件号/修订号对应的电池档案
	FindProfile(ctx context.Context, partNumber, amendment string) (*types.BatteryProfile, error)
}

// ResolvedSection 解析后的章节：仅含满足条件的激活步骤
type ResolvedSection struct {
	Section *types.TechPubSection `json:"section"`
	Steps   []*types.ProcedureStep `json:"steps"`
}

// ResolvedProcedure 一次解析的完整结果
type ResolvedProcedure struct {
	TechPub        *types.TechPub        `json:"tech_pub"`
	Profile        *types.BatteryProfile `json:"profile,omitempty"`
	Sections       []*ResolvedSection    `json:"sections"`
	TotalSteps     int                   `json:"total_steps"`
	EstimatedHours float64               `json:"estimated_hours"`
	Context        condition.Context     `json:"-"`
}

// ErrNotConfigured 零件号没有任何技术出版物覆盖
type ErrNotConfigured struct {
	PartNumber string
}

func (e *ErrNotConfigured) Error() string {
	return fmt.Sprintf("零件号 %s 未配置技术出版物", e.PartNumber)
}

// Resolver 流程解析器
type Resolver struct {
	catalog   Catalog
	evaluator *condition.Evaluator
	logger    *slog.Logger
}

func NewResolver(catalog Catalog, evaluator *condition.Evaluator, logger *slog.Logger) *Resolver {
	return &Resolver{
		catalog:   catalog,
		evaluator: evaluator,
		logger:    logger.With("component", "procedure"),
	}
}

// Resolve 为工单条目解析适用流程
// 适用性表是权威来源；旧版自由文本列表仅在表无记录时回退使用
func (r *Resolver) Resolve(ctx context.Context, item *types.WorkItem) (*ResolvedProcedure, error) {
	pub, err := r.catalog.FindTechPubByPart(ctx, item.PartNumber, item.Amendment)
	if err != nil {
		return nil, fmt.Errorf("查询适用性表失败: %w", err)
	}
	if pub == nil {
		pub, err = r.legacyLookup(ctx, item.PartNumber)
		if err != nil {
			return nil, err
		}
	}
	if pub == nil {
		return nil, &ErrNotConfigured{PartNumber: item.PartNumber}
	}

	profile, err := r.catalog.FindProfile(ctx, item.PartNumber, item.Amendment)
	if err != nil {
		return nil, fmt.Errorf("查询电池档案失败: %w", err)
	}

	evalCtx := buildContext(item, profile)

	resolved := &ResolvedProcedure{
		TechPub: pub,
		Profile: profile,
		Context: evalCtx,
	}

	sections := activeSections(pub)
	for _, sec := range sections {
		if !r.evaluator.Evaluate(sec.Condition, evalCtx) {
			continue
		}
		rs := &ResolvedSection{Section: sec}
		for _, step := range activeSteps(sec) {
			if !r.evaluator.Evaluate(step.Condition, evalCtx) {
				continue
			}
			rs.Steps = append(rs.Steps, step)
			resolved.TotalSteps++
			resolved.EstimatedHours += step.EstimatedMinutes / 60.0
		}
		if len(rs.Steps) > 0 {
			resolved.Sections = append(resolved.Sections, rs)
		}
	}

	r.logger.Info("流程解析完成",
		"part_number", item.PartNumber,
		"cmm", pub.CMMNumber,
		"revision", pub.Revision,
		"sections", len(resolved.Sections),
		"steps", resolved.TotalSteps)
	return resolved, nil
}

// legacyLookup 旧版回退：在出版物的自由文本零件号列表中做子串匹配
func (r *Resolver) legacyLookup(ctx context.Context, partNumber string) (*types.TechPub, error) {
	pubs, err := r.catalog.ListTechPubs(ctx)
	if err != nil {
		return nil, fmt.Errorf("枚举技术出版物失败: %w", err)
	}
	for _, pub := range pubs {
		if !pub.Active {
			continue
		}
		for _, legacy := range pub.LegacyParts {
			if legacy != "" && strings.Contains(partNumber, legacy) {
				r.logger.Warn("通过已废弃的自由文本列表匹配到出版物，请补全适用性表",
					"part_number", partNumber, "cmm", pub.CMMNumber)
				return pub, nil
			}
		}
	}
	return nil, nil
}

// buildContext 组装条件判定上下文
func buildContext(item *types.WorkItem, profile *types.BatteryProfile) condition.Context {
	flags := map[string]bool{}
	if profile != nil {
		for k, v := range profile.FeatureFlags {
			flags[k] = v
		}
	}
	return condition.Context{
		"feature_flags":        flags,
		"amendment":            item.Amendment,
		"age_months":           item.AgeMonths,
		"months_since_service": item.MonthsSinceService,
		"service_type":         string(item.ServiceType),
		"part_number":          item.PartNumber,
	}
}

// activeSections 返回激活章节，按 sort_order 升序
func activeSections(pub *types.TechPub) []*types.TechPubSection {
	out := make([]*types.TechPubSection, 0, len(pub.Sections))
	for _, s := range pub.Sections {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}

// activeSteps 返回章节内激活步骤，按 sort_order 升序
func activeSteps(sec *types.TechPubSection) []*types.ProcedureStep {
	out := make([]*types.ProcedureStep, 0, len(sec.Steps))
	for _, s := range sec.Steps {
		if s.Active {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SortOrder < out[j].SortOrder })
	return out
}
