package types

import (
	"fmt"
	"time"
)

// StationID 定义测试工位编号 (1..12)
// 每个工位拥有独立的可编程电源、电子负载与温度/EEPROM 底座模块
type StationID int

// NumStations 测试台共有 12 个独立工位
const NumStations = 12

// ServiceType 定义维修单的服务类型
type ServiceType string

const (
	ServiceCapacityTest   ServiceType = "capacity_test"   // 容量测试
	ServiceInspectionTest ServiceType = "inspection_test" // 检查 + 测试 (完整 CMM 流程)
	ServiceReconditioning ServiceType = "reconditioning"  // 活化充电
	ServiceStorageCheck   ServiceType = "storage_check"   // 入库检查
)

// SectionType 定义 CMM 章节的类别
type SectionType string

const (
	SectionInspection    SectionType = "inspection"     // 目视检查
	SectionManualTest    SectionType = "manual_test"    // 人工测量 (绝缘/加热膜/温控器等)
	SectionAutomatedTest SectionType = "automated_test" // 自动化充放电测试
	SectionEvaluation    SectionType = "evaluation"     // 结果评估
	SectionPreparation   SectionType = "preparation"    // 准备工作
	SectionCompletion    SectionType = "completion"     // 收尾工作
)

// StepType 定义步骤类型
// charge/discharge/rest/wait_temp 为自动化步骤，其余由技师在终端录入
type StepType string

const (
	StepCharge          StepType = "charge"
	StepDischarge       StepType = "discharge"
	StepRest            StepType = "rest"
	StepWaitTemp        StepType = "wait_temp"
	StepMeasureRes      StepType = "measure_resistance"
	StepMeasureVoltage  StepType = "measure_voltage"
	StepMeasureWeight   StepType = "measure_weight"
	StepMeasureTemp     StepType = "measure_temperature"
	StepVisualCheck     StepType = "visual_check"
	StepFunctionalCheck StepType = "functional_check"
	StepRecordValue     StepType = "record_value"
	StepEvaluateResult  StepType = "evaluate_result"
	StepOperatorAction  StepType = "operator_action"
)

// AutomatedStep 判断该步骤类型是否由硬件自动执行
func AutomatedStep(t StepType) bool {
	switch t {
	case StepCharge, StepDischarge, StepRest, StepWaitTemp:
		return true
	}
	return false
}

// ParamSource 定义步骤参数的来源
type ParamSource string

const (
	ParamFixed        ParamSource = "fixed"         // 参数写死在步骤定义中
	ParamFromEEPROM   ParamSource = "eeprom"        // 从底座 EEPROM 型号参数映射
	ParamFromProfile  ParamSource = "profile"       // 从电池档案映射
	ParamPreviousStep ParamSource = "previous_step" // 运行时由上一步结果解析
)

// ConditionType 定义章节/步骤的适用性条件类别
type ConditionType string

const (
	CondAlways       ConditionType = "always"
	CondFeatureFlag  ConditionType = "feature_flag"
	CondAmendment    ConditionType = "amendment_match"
	CondAgeThreshold ConditionType = "age_threshold"
	CondServiceType  ConditionType = "service_type"
	CondExpression   ConditionType = "custom_expression"
)

// Condition 数据驱动的适用性条件
// 新增电池型号只需增加数据行，不需要改代码
type Condition struct {
	Type  ConditionType `json:"type" mapstructure:"type"`
	Key   string        `json:"key,omitempty" mapstructure:"key"`
	Value string        `json:"value,omitempty" mapstructure:"value"`
}

// JobStatus 作业生命周期状态
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobInProgress JobStatus = "in_progress"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobAborted    JobStatus = "aborted"
)

// Terminal 判断作业是否已到达终态
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobAborted
}

// TaskStatus 任务生命周期状态
type TaskStatus string

const (
	TaskPending       TaskStatus = "pending"
	TaskSkipped       TaskStatus = "skipped"
	TaskInProgress    TaskStatus = "in_progress"
	TaskAwaitingInput TaskStatus = "awaiting_input"
	TaskCompleted     TaskStatus = "completed"
	TaskFailed        TaskStatus = "failed"
	TaskAborted       TaskStatus = "aborted"
)

// Terminal 判断任务是否已到达终态
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped || s == TaskAborted
}

// StepResult 单个步骤的判定结果
type StepResult string

const (
	ResultPass    StepResult = "pass"
	ResultFail    StepResult = "fail"
	ResultInfo    StepResult = "info"
	ResultSkipped StepResult = "skipped"
)

// OverallResult 作业整体判定
type OverallResult string

const (
	OverallPass       OverallResult = "pass"
	OverallFail       OverallResult = "fail"
	OverallIncomplete OverallResult = "incomplete"
)

// BatteryType EEPROM 中记录的电池化学体系
type BatteryType uint8

const (
	BatteryNiCd BatteryType = iota
	BatteryNiMH
	BatteryLiFePO4
	BatteryLiIon
	BatterySLA
)

// BatteryModelConfig 电池型号级测试参数 (非单体参数)
// 由底座 EEPROM 解码或电池档案提供，测试期间只读
// 字段单位遵循 CMM：电流 mA、电压 mV、时长分钟、温度摄氏度
type BatteryModelConfig struct {
	FormatVersion uint8       `json:"format_version"`
	BatteryType   BatteryType `json:"battery_type"`

	// 基本电气参数
	NominalCapacityMAh uint16 `json:"nominal_capacity_mah"`
	CellCount          uint8  `json:"cell_count"`
	NominalVoltageMV   uint16 `json:"nominal_voltage_mv"`

	// 标准充电
	ChargeVoltageLimitMV      uint16 `json:"charge_voltage_limit_mv"`
	StandardChargeCurrentMA   uint16 `json:"standard_charge_current_ma"`
	StandardChargeDurationMin uint16 `json:"standard_charge_duration_min"`
	TrickleChargeCurrentMA    uint16 `json:"trickle_charge_current_ma"`

	// 活化充电 (长期存放电池的预处理)
	ReconditionChargeCurrentMA        uint16 `json:"recondition_charge_current_ma"`
	ReconditionChargeDurationMin      uint16 `json:"recondition_charge_duration_min"`
	ReconditionStorageThresholdMonths uint16 `json:"recondition_storage_threshold_months"`

	// 容量测试放电
	CapTestDischargeCurrentMA uint16 `json:"cap_test_discharge_current_ma"`
	CapTestEndVoltageMV       uint16 `json:"cap_test_end_voltage_mv"`
	CapTestMaxDurationMin     uint16 `json:"cap_test_max_duration_min"`
	CapTestRestBeforeMin      uint16 `json:"cap_test_rest_before_min"`

	// 容量测试判定标准 (0 = 不启用该项)
	CapTestPassMinMinutes      uint16 `json:"cap_test_pass_min_minutes"`
	CapTestPassMinCapacityPct  uint16 `json:"cap_test_pass_min_capacity_pct"`
	CapTestVoltageCheckTimeMin uint16 `json:"cap_test_voltage_check_time_min"`
	CapTestVoltageCheckMinMV   uint16 `json:"cap_test_voltage_check_min_mv"`

	// 大电流放电测试 (可选的第二次放电)
	FastDischargeEnabled        bool   `json:"fast_discharge_enabled"`
	FastDischargeCurrentMA      uint16 `json:"fast_discharge_current_ma"`
	FastDischargeEndVoltageMV   uint16 `json:"fast_discharge_end_voltage_mv"`
	FastDischargePassMinMinutes uint16 `json:"fast_discharge_pass_min_minutes"`
	FastDischargeRestBeforeMin  uint16 `json:"fast_discharge_rest_before_min"`

	// 预放电 (0 = 沿用容量测试参数)
	PreDischargeCurrentMA    uint16 `json:"pre_discharge_current_ma"`
	PreDischargeEndVoltageMV uint16 `json:"pre_discharge_end_voltage_mv"`

	// 测试后补充电 (入库/交付前)
	PostChargeEnabled     bool   `json:"post_charge_enabled"`
	PostChargeDurationMin uint16 `json:"post_charge_duration_min"`

	// 温度限值
	MaxChargeTempC    float64 `json:"max_charge_temp_c"`
	MaxDischargeTempC float64 `json:"max_discharge_temp_c"`
	EmergencyTempMaxC float64 `json:"emergency_temp_max_c"`
	MinOperatingTempC float64 `json:"min_operating_temp_c"`

	// 安全底线：任何阶段电压低于该值立即中止
	AbsoluteMinVoltageMV uint16 `json:"absolute_min_voltage_mv"`

	// 按电池年龄延长的静置规则
	AgeRestThresholdMonths uint16 `json:"age_rest_threshold_months"`
	AgeRestDurationMin     uint16 `json:"age_rest_duration_min"`

	// 型号标识
	PartNumber       string `json:"part_number"`
	ModelDescription string `json:"model_description"`
	ManufacturerCode string `json:"manufacturer_code"`
}

// ChargeParams 充电步骤参数
type ChargeParams struct {
	CurrentMA      float64 `json:"current_ma"`
	VoltageLimitMV float64 `json:"voltage_limit_mv"`
	DurationMin    float64 `json:"duration_min"`
	TempMaxC       float64 `json:"temp_max_c"`
}

// DischargeParams 放电步骤参数
type DischargeParams struct {
	CurrentMA    float64 `json:"current_ma"`
	VoltageMinMV float64 `json:"voltage_min_mv"`
	DurationMin  float64 `json:"duration_min"`
	TempMaxC     float64 `json:"temp_max_c"`
}

// RestParams 静置步骤参数
type RestParams struct {
	DurationMin float64 `json:"duration_min"`
}

// WaitTempParams 等待降温步骤参数
type WaitTempParams struct {
	TargetC    float64 `json:"target_c"`
	TimeoutMin float64 `json:"timeout_min"`
}

// CriteriaType 步骤判定标准类别
type CriteriaType string

const (
	CriteriaNone        CriteriaType = "none"
	CriteriaMinValue    CriteriaType = "min_value"
	CriteriaMaxValue    CriteriaType = "max_value"
	CriteriaRange       CriteriaType = "range"
	CriteriaMinDuration CriteriaType = "min_duration"
	CriteriaBoolean     CriteriaType = "boolean"
)

// PassCriteria 步骤判定标准，随任务参数一起固化
// 使编排器无需回查步骤定义即可判定
type PassCriteria struct {
	Type CriteriaType `json:"type"`
	Min  float64      `json:"min,omitempty"`
	Max  float64      `json:"max,omitempty"`
}

// MeasurementMeta 人工测量的元数据 (键名/单位/显示标签)
type MeasurementMeta struct {
	Key   string `json:"key"`
	Unit  string `json:"unit,omitempty"`
	Label string `json:"label,omitempty"`
}

// StepParams 任务参数：按步骤类型只携带相关字段的标签联合
// Criteria/Measurement 是判定与测量元数据，Extra 保留给少量自由键值
type StepParams struct {
	Charge           *ChargeParams      `json:"charge,omitempty"`
	Discharge        *DischargeParams   `json:"discharge,omitempty"`
	Rest             *RestParams        `json:"rest,omitempty"`
	WaitTemp         *WaitTempParams    `json:"wait_temp,omitempty"`
	ResolveAtRuntime bool               `json:"resolve_at_runtime,omitempty"`
	Criteria         *PassCriteria      `json:"criteria,omitempty"`
	Measurement      *MeasurementMeta   `json:"measurement,omitempty"`
	Extra            map[string]float64 `json:"extra,omitempty"`
}

// Sample 自动化步骤采集的单条数据点
type Sample struct {
	ElapsedSec float64 `json:"t"`
	VoltageMV  float64 `json:"v"`
	CurrentMA  float64 `json:"i"`
	TempC      float64 `json:"temp"`
	Phase      string  `json:"phase,omitempty"`
}

// WorkJob 一次针对单个电池单体、单个工位的流程执行
// 终态字段 (CompletedAt/OverallResult) 只写一次
type WorkJob struct {
	ID              string        `json:"id"`
	WorkOrderNumber string        `json:"work_order_number"`
	WorkItemID      string        `json:"work_item_id"`
	BatterySerial   string        `json:"battery_serial"`
	PartNumber      string        `json:"part_number"`
	Amendment       string        `json:"amendment"`
	TechPubID       int64         `json:"tech_pub_id"`
	TechPubCMM      string        `json:"tech_pub_cmm"`
	TechPubRevision string        `json:"tech_pub_revision"`
	ProfileID       int64         `json:"profile_id,omitempty"`
	Station         StationID     `json:"station"`
	ServiceType     ServiceType   `json:"service_type"`
	Priority        int           `json:"priority"` // 数值越大越优先
	Status          JobStatus     `json:"status"`
	OverallResult   OverallResult `json:"overall_result,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	StartedBy       string        `json:"started_by,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// JobTask 作业下的单个步骤实例
// 创建后结构不再变化，执行过程只追加测量数据与状态
type JobTask struct {
	ID             string             `json:"id"`
	JobID          string             `json:"job_id"`
	ParentID       string             `json:"parent_id,omitempty"`
	SectionID      int64              `json:"section_id,omitempty"`
	StepID         int64              `json:"step_id,omitempty"`
	TaskNumber     int                `json:"task_number"`
	StepType       StepType           `json:"step_type"`
	Label          string             `json:"label"`
	Description    string             `json:"description,omitempty"`
	Automated      bool               `json:"automated"`
	Status         TaskStatus         `json:"status"`
	Params         StepParams         `json:"params"`
	StepResult     StepResult         `json:"step_result,omitempty"`
	MeasuredValues map[string]float64 `json:"measured_values,omitempty"`
	ResultNotes    string             `json:"result_notes,omitempty"`
	PerformedBy    string             `json:"performed_by,omitempty"`
	StartTime      *time.Time         `json:"start_time,omitempty"`
	EndTime        *time.Time         `json:"end_time,omitempty"`
	Samples        []Sample           `json:"samples,omitempty"`
}

// Tool 计量器具 (万用表、兆欧表、天平等)
type Tool struct {
	ID          string     `json:"id"`
	Display     string     `json:"display"` // TID 格式的展示编号
	Description string     `json:"description"`
	Serial      string     `json:"serial"`
	Category    string     `json:"category"`
	ValidUntil  *time.Time `json:"valid_until,omitempty"`
	Certificate string     `json:"certificate,omitempty"`
	Active      bool       `json:"active"`
}

// ToolUsage 器具使用记录：使用时刻冻结的校准快照
// 之后的重新校准不会改写历史报告
type ToolUsage struct {
	ID               string     `json:"id"`
	TaskID           string     `json:"task_id"`
	ToolID           string     `json:"tool_id"`
	Display          string     `json:"display"`
	Description      string     `json:"description"`
	Serial           string     `json:"serial"`
	CalibrationValid bool       `json:"calibration_valid"`
	CalibrationDue   *time.Time `json:"calibration_due,omitempty"`
	Certificate      string     `json:"certificate,omitempty"`
	UsedAt           time.Time  `json:"used_at"`
}

// StationSnapshot 底座模块的单次轮询快照
type StationSnapshot struct {
	Station       StationID `json:"station"`
	Online        bool      `json:"online"`
	TempValid     bool      `json:"temp_valid"`
	TemperatureC  float64   `json:"temperature_c"`
	EEPROMPresent bool      `json:"eeprom_present"`
	EEPROMBytes   []byte    `json:"-"`
	LastContact   time.Time `json:"last_contact"`
}

// InstrumentError 仪器错误队列 (SYST:ERR?) 自报的错误
// 与通信链路故障区分：通信瞬断按瞬态处理，仪器自报错误按安全问题处理
type InstrumentError struct {
	Device string // 设备名，如 "电源"、"负载"
	Detail string // 错误队列的原始应答
}

func (e *InstrumentError) Error() string {
	return fmt.Sprintf("%s报告错误: %s", e.Device, e.Detail)
}

// WorkItem 工单中的受测电池单体
type WorkItem struct {
	ID              string      `json:"id"`
	WorkOrderNumber string      `json:"work_order_number"`
	SerialNumber    string      `json:"serial_number"`
	PartNumber      string      `json:"part_number"`
	Amendment       string      `json:"amendment"`
	AgeMonths       int         `json:"age_months"`
	MonthsSinceService int      `json:"months_since_service"`
	ServiceType     ServiceType `json:"service_type"`
	Priority        int         `json:"priority"`
}

// BatteryProfile 电池档案：型号参数 + 特性开关
// 与 EEPROM 同构，是没有实体底座时的参数来源
type BatteryProfile struct {
	ID           int64               `json:"id"`
	PartNumber   string              `json:"part_number"`
	Amendment    string              `json:"amendment"`
	Description  string              `json:"description,omitempty"`
	FeatureFlags map[string]bool     `json:"feature_flags,omitempty"`
	Model        *BatteryModelConfig `json:"model,omitempty"`
	Active       bool                `json:"active"`
}

// ProcedureStep CMM 章节内的原子步骤定义 (只读参考数据)
type ProcedureStep struct {
	ID               int64              `json:"id"`
	StepNumber       int                `json:"step_number"`
	Type             StepType           `json:"type"`
	Label            string             `json:"label"`
	Description      string             `json:"description,omitempty"`
	ParamSource      ParamSource        `json:"param_source"`
	ParamOverrides   map[string]float64 `json:"param_overrides,omitempty"`
	Criteria         *PassCriteria      `json:"criteria,omitempty"`
	Measurement      *MeasurementMeta   `json:"measurement,omitempty"`
	EstimatedMinutes float64            `json:"estimated_minutes"`
	Automated        bool               `json:"automated"`
	RequiresTools    []string           `json:"requires_tools,omitempty"`
	Condition        Condition          `json:"condition"`
	SortOrder        int                `json:"sort_order"`
	Active           bool               `json:"active"`
}

// TechPubSection CMM 中按顺序排列的检查/测试章节 (只读参考数据)
type TechPubSection struct {
	ID            int64            `json:"id"`
	SectionNumber string           `json:"section_number"`
	Title         string           `json:"title"`
	Type          SectionType      `json:"type"`
	Description   string           `json:"description,omitempty"`
	SortOrder     int              `json:"sort_order"`
	Mandatory     bool             `json:"mandatory"`
	Condition     Condition        `json:"condition"`
	Active        bool             `json:"active"`
	Steps         []*ProcedureStep `json:"steps"`
}

// TechPub 一份 CMM 技术出版物及其章节，按修订版本固化
type TechPub struct {
	ID           int64  `json:"id"`
	CMMNumber    string `json:"cmm_number"`
	Title        string `json:"title"`
	Revision     string `json:"revision"`
	Manufacturer string `json:"manufacturer,omitempty"`
	// LegacyParts 旧版自由文本零件号列表，仅作为兼容垫片保留
	LegacyParts []string          `json:"legacy_parts,omitempty"`
	Active      bool              `json:"active"`
	Sections    []*TechPubSection `json:"sections"`
}

// Applicability 适用性表行：权威的零件号 → 技术出版物映射
type Applicability struct {
	TechPubID   int64       `json:"tech_pub_id"`
	PartNumber  string      `json:"part_number"`
	Amendment   string      `json:"amendment,omitempty"`
	ServiceType ServiceType `json:"service_type,omitempty"`
}
