// Package tasks 将解析后的流程物化为作业任务清单
// 任务在创建时把全部参数固化，执行期不再回查步骤定义
package tasks

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"battery-test-bench/internal/procedure"
	"battery-test-bench/internal/types"
)

// 等待降温步骤的缺省值
const (
	defaultWaitTempTargetC    = 30.0
	defaultWaitTempTimeoutMin = 120.0
)

// Factory 任务工厂
type Factory struct {
	logger *slog.Logger
}

func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{logger: logger.With("component", "tasks")}
}

// Build 为作业生成任务清单
// model 是 EEPROM 或档案提供的型号参数；eeprom/profile 来源的步骤依赖它
func (f *Factory) Build(job *types.WorkJob, resolved *procedure.ResolvedProcedure, model *types.BatteryModelConfig) ([]*types.JobTask, error) {
	var out []*types.JobTask
	num := 0
	next := func() int { num++; return num }

	for _, rs := range resolved.Sections {
		sec := rs.Section

		// 多步骤的人工章节生成一个父任务，子任务挂在其下
		parentID := ""
		if groupedSection(sec.Type) && len(rs.Steps) > 1 {
			parent := &types.JobTask{
				ID:         uuid.NewString(),
				JobID:      job.ID,
				SectionID:  sec.ID,
				TaskNumber: next(),
				StepType:   types.StepOperatorAction,
				Label:      fmt.Sprintf("%s %s", sec.SectionNumber, sec.Title),
				Automated:  false,
				Status:     types.TaskPending,
			}
			parentID = parent.ID
			out = append(out, parent)
		}

		for _, step := range rs.Steps {
			params, err := f.resolveParams(step, model)
			if err != nil {
				return nil, fmt.Errorf("章节 %s 步骤 %d 参数解析失败: %w", sec.SectionNumber, step.StepNumber, err)
			}
			out = append(out, &types.JobTask{
				ID:          uuid.NewString(),
				JobID:       job.ID,
				ParentID:    parentID,
				SectionID:   sec.ID,
				StepID:      step.ID,
				TaskNumber:  next(),
				StepType:    step.Type,
				Label:       step.Label,
				Description: step.Description,
				Automated:   step.Automated,
				Status:      types.TaskPending,
				Params:      params,
			})
		}
	}

	f.logger.Info("任务清单生成完成", "job_id", job.ID, "tasks", len(out))
	return out, nil
}

// groupedSection 需要父任务归组的人工章节类别
func groupedSection(t types.SectionType) bool {
	return t == types.SectionManualTest || t == types.SectionInspection
}

// resolveParams 按参数来源解析步骤参数
func (f *Factory) resolveParams(step *types.ProcedureStep, model *types.BatteryModelConfig) (types.StepParams, error) {
	var p types.StepParams

	switch step.ParamSource {
	case types.ParamFixed, types.ParamFromProfile, "":
		// 参数直接来自步骤定义的覆盖值
		applyOverrides(&p, step)
	case types.ParamFromEEPROM:
		if model == nil {
			return p, fmt.Errorf("步骤要求 EEPROM 参数但型号参数缺失")
		}
		seedFromModel(&p, step.Type, model)
		applyOverrides(&p, step)
	case types.ParamPreviousStep:
		// 运行时由上一步的测量结果解析
		p.ResolveAtRuntime = true
	default:
		return p, fmt.Errorf("未知的参数来源: %s", step.ParamSource)
	}

	if step.Criteria != nil {
		c := *step.Criteria
		p.Criteria = &c
	}
	if step.Measurement != nil {
		m := *step.Measurement
		p.Measurement = &m
	}
	return p, nil
}

// seedFromModel 按步骤类型从型号参数填充缺省值
func seedFromModel(p *types.StepParams, t types.StepType, m *types.BatteryModelConfig) {
	switch t {
	case types.StepCharge:
		p.Charge = &types.ChargeParams{
			CurrentMA:      float64(m.StandardChargeCurrentMA),
			VoltageLimitMV: float64(m.ChargeVoltageLimitMV),
			DurationMin:    float64(m.StandardChargeDurationMin),
			TempMaxC:       m.MaxChargeTempC,
		}
	case types.StepDischarge:
		p.Discharge = &types.DischargeParams{
			CurrentMA:    float64(m.CapTestDischargeCurrentMA),
			VoltageMinMV: float64(m.CapTestEndVoltageMV),
			DurationMin:  float64(m.CapTestMaxDurationMin),
			TempMaxC:     m.MaxDischargeTempC,
		}
	case types.StepRest:
		p.Rest = &types.RestParams{DurationMin: float64(m.CapTestRestBeforeMin)}
	case types.StepWaitTemp:
		p.WaitTemp = &types.WaitTempParams{
			TargetC:    defaultWaitTempTargetC,
			TimeoutMin: defaultWaitTempTimeoutMin,
		}
	}
}

// applyOverrides 将步骤定义的覆盖值叠加到对应的参数组
// 无法归属到当前步骤类型的键落入 Extra
func applyOverrides(p *types.StepParams, step *types.ProcedureStep) {
	for key, v := range step.ParamOverrides {
		if setKnownField(p, step.Type, key, v) {
			continue
		}
		if p.Extra == nil {
			p.Extra = make(map[string]float64)
		}
		p.Extra[key] = v
	}
}

func setKnownField(p *types.StepParams, t types.StepType, key string, v float64) bool {
	switch t {
	case types.StepCharge:
		if p.Charge == nil {
			p.Charge = &types.ChargeParams{}
		}
		switch key {
		case "current_ma":
			p.Charge.CurrentMA = v
		case "voltage_limit_mv":
			p.Charge.VoltageLimitMV = v
		case "duration_min":
			p.Charge.DurationMin = v
		case "temp_max_c":
			p.Charge.TempMaxC = v
		default:
			return false
		}
		return true
	case types.StepDischarge:
		if p.Discharge == nil {
			p.Discharge = &types.DischargeParams{}
		}
		switch key {
		case "current_ma":
			p.Discharge.CurrentMA = v
		case "voltage_min_mv":
			p.Discharge.VoltageMinMV = v
		case "duration_min":
			p.Discharge.DurationMin = v
		case "temp_max_c":
			p.Discharge.TempMaxC = v
		default:
			return false
		}
		return true
	case types.StepRest:
		if key == "duration_min" {
			if p.Rest == nil {
				p.Rest = &types.RestParams{}
			}
			p.Rest.DurationMin = v
			return true
		}
		return false
	case types.StepWaitTemp:
		if p.WaitTemp == nil {
			p.WaitTemp = &types.WaitTempParams{
				TargetC:    defaultWaitTempTargetC,
				TimeoutMin: defaultWaitTempTimeoutMin,
			}
		}
		switch key {
		case "target_c":
			p.WaitTemp.TargetC = v
		case "timeout_min":
			p.WaitTemp.TimeoutMin = v
		default:
			return false
		}
		return true
	default:
		return false
	}
}
