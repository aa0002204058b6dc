// Package station 实现单个工位的容量测试阶段控制
// 一次完整测试按阶段顺序推进，任何阶段都可被安全监控或操作员中止
package station

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"battery-test-bench/internal/event"
	"battery-test-bench/internal/metrics"
	"battery-test-bench/internal/types"
	"battery-test-bench/internal/util"
)

// Phase 工位测试阶段
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhasePreDischarge      Phase = "pre_discharge"
	PhasePreRest           Phase = "pre_rest"
	PhaseReconditioning    Phase = "reconditioning"
	PhaseCharging          Phase = "charging"
	PhasePostChargeRest    Phase = "post_charge_rest"
	PhaseCapDischarging    Phase = "cap_discharging"
	PhaseFastDischargeRest Phase = "fast_discharge_rest"
	PhaseFastDischarging   Phase = "fast_discharging"
	PhasePostPartialCharge Phase = "post_partial_charge"
	PhaseCompletePass      Phase = "complete_pass"
	PhaseCompleteFail      Phase = "complete_fail"
	PhaseAborted           Phase = "aborted"
)

// 顺序阶段的固定时间参数
const (
	preDischargeMaxSec = 1800 // 预放电最长 30 分钟
	preRestSec         = 3600 // 预放电后静置 1 小时
	fastDischargeMaxMin = 120 // 大电流放电最长 2 小时
	restPollSec        = 10   // 静置期间检查中止标志的间隔
)

// AbortError 测试被中止，Reason 记录第一个触发原因
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("测试已中止: %s", e.Reason)
}

// PowerSupply 可编程电源，由 instrument.PSU 实现
type PowerSupply interface {
	SetOutput(ctx context.Context, voltageLimitMV, currentMA float64) error
	Disable(ctx context.Context) error
	MeasureVoltageMV(ctx context.Context) (float64, error)
	MeasureCurrentMA(ctx context.Context) (float64, error)
	QueryErrors(ctx context.Context) error
}

// ElectronicLoad 电子负载，由 instrument.Load 实现
type ElectronicLoad interface {
	ConfigureCC(ctx context.Context, currentMA, voltageFloorMV float64) error
	Disable(ctx context.Context) error
	MeasureVoltageMV(ctx context.Context) (float64, error)
	MeasureCurrentMA(ctx context.Context) (float64, error)
	QueryErrors(ctx context.Context) error
}

// TempReader 工位温度读取，由 poller 实现
// valid 为假表示传感器读数不可信，测试期间读数失效触发安全中止
type TempReader interface {
	Temperature(station types.StationID) (tempC float64, valid bool)
}

// tempSensorLostReason 温度读数失效时的中止原因
const tempSensorLostReason = "温度传感器读数失效，测试不能继续"

// RunInput 一次测试的输入
type RunInput struct {
	JobID              string
	Model              *types.BatteryModelConfig
	AgeMonths          int
	MonthsSinceService int
}

// Outcome 一次测试的结果
type Outcome struct {
	Passed           bool
	CapacityMAh      float64
	DischargeMin     float64
	VoltageCheckMV   float64
	VoltageCheckOK   bool
	FastDischargeMin float64
	FastDischargeOK  bool
	FailureReasons   []string
	Samples          []types.Sample
}

// Controller 单工位阶段控制器
type Controller struct {
	station types.StationID
	psu     PowerSupply
	load    ElectronicLoad
	temp    TempReader
	clock   util.Clock
	bus     *event.Bus
	logger  *slog.Logger

	mu          sync.Mutex
	phase       Phase
	abortReason string
	running     bool
}

// NewController 创建工位控制器
func NewController(station types.StationID, psu PowerSupply, load ElectronicLoad, temp TempReader, clock util.Clock, bus *event.Bus, logger *slog.Logger) *Controller {
	return &Controller{
		station: station,
		psu:     psu,
		load:    load,
		temp:    temp,
		clock:   clock,
		bus:     bus,
		logger:  logger.With("component", "station", "station_id", int(station)),
		phase:   PhaseIdle,
	}
}

// Phase 返回当前阶段
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Abort 请求中止，标志单调：只记录第一个原因
func (c *Controller) Abort(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abortReason == "" {
		c.abortReason = reason
		c.logger.Warn("收到中止请求", "reason", reason)
	}
}

// aborted 返回中止原因 (空串表示未中止)
func (c *Controller) aborted() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortReason
}

// checkAbort 在每个可挂起点调用
func (c *Controller) checkAbort() error {
	if reason := c.aborted(); reason != "" {
		return &AbortError{Reason: reason}
	}
	return nil
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	c.phase = p
	jobless := !c.running
	c.mu.Unlock()
	if jobless {
		return
	}
	c.logger.Info("阶段切换", "phase", string(p))
	if c.bus != nil {
		c.bus.Publish(event.Event{Type: event.PhaseChanged, Station: c.station, Phase: string(p)})
	}
}

// Run 执行完整的容量测试序列
// 返回 *AbortError 表示中止；判定不通过不是错误，体现在 Outcome.Passed
func (c *Controller) Run(ctx context.Context, in RunInput) (out *Outcome, err error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, fmt.Errorf("工位 %d 已有测试在执行", c.station)
	}
	c.running = true
	c.abortReason = ""
	c.mu.Unlock()

	m := in.Model
	if m == nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return nil, fmt.Errorf("缺少型号参数")
	}

	out = &Outcome{}
	start := c.clock.Now()

	// 安全监控与主流程并行，结束时一并回收
	monCtx, cancelMon := context.WithCancel(ctx)
	var monWG sync.WaitGroup
	monWG.Add(1)
	go func() {
		defer monWG.Done()
		c.safetyMonitor(monCtx, m)
	}()

	defer func() {
		cancelMon()
		monWG.Wait()
		// 无条件安全停机：两路独立执行，互不遮蔽
		c.safeShutdown()
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		switch {
		case err != nil:
			c.setPhaseFinal(PhaseAborted)
		case out.Passed:
			c.setPhaseFinal(PhaseCompletePass)
		default:
			c.setPhaseFinal(PhaseCompleteFail)
		}
		c.logger.Info("测试结束",
			"job_id", in.JobID,
			"elapsed_min", c.clock.Now().Sub(start).Minutes(),
			"passed", out != nil && out.Passed,
			"error", err)
	}()

	logger := c.logger.With("job_id", in.JobID)
	logger.Info("开始容量测试",
		"part_number", m.PartNumber,
		"nominal_capacity_mah", m.NominalCapacityMAh)

	// 1. 预放电到底限
	if err = c.preDischarge(ctx, m, out); err != nil {
		return out, err
	}

	// 2. 预放电后静置
	c.setPhase(PhasePreRest)
	if err = c.rest(ctx, float64(preRestSec)/60); err != nil {
		return out, err
	}

	// 3. 长期存放电池先做活化充电
	if m.ReconditionChargeCurrentMA > 0 &&
		in.MonthsSinceService >= int(m.ReconditionStorageThresholdMonths) {
		c.setPhase(PhaseReconditioning)
		if err = c.charge(ctx, m, float64(m.ReconditionChargeCurrentMA),
			float64(m.ReconditionChargeDurationMin), string(PhaseReconditioning), out); err != nil {
			return out, err
		}
	}

	// 4. 标准充电
	c.setPhase(PhaseCharging)
	if err = c.charge(ctx, m, float64(m.StandardChargeCurrentMA),
		float64(m.StandardChargeDurationMin), string(PhaseCharging), out); err != nil {
		return out, err
	}

	// 5. 充电后静置，年龄超限的电池延长静置
	c.setPhase(PhasePostChargeRest)
	restMin := float64(m.CapTestRestBeforeMin)
	if m.AgeRestThresholdMonths > 0 &&
		in.AgeMonths >= int(m.AgeRestThresholdMonths) &&
		float64(m.AgeRestDurationMin) > restMin {
		restMin = float64(m.AgeRestDurationMin)
		logger.Info("电池年龄超限，延长静置", "age_months", in.AgeMonths, "rest_min", restMin)
	}
	if err = c.rest(ctx, restMin); err != nil {
		return out, err
	}

	// 6. 容量放电
	c.setPhase(PhaseCapDischarging)
	if err = c.capacityDischarge(ctx, m, out); err != nil {
		return out, err
	}

	// 7. 可选的大电流放电 (先补满、静置，再高倍率放电)
	if m.FastDischargeEnabled {
		c.setPhase(PhaseCharging)
		if err = c.charge(ctx, m, float64(m.StandardChargeCurrentMA),
			float64(m.StandardChargeDurationMin), string(PhaseCharging), out); err != nil {
			return out, err
		}
		c.setPhase(PhaseFastDischargeRest)
		if err = c.rest(ctx, float64(m.FastDischargeRestBeforeMin)); err != nil {
			return out, err
		}
		c.setPhase(PhaseFastDischarging)
		if err = c.fastDischarge(ctx, m, out); err != nil {
			return out, err
		}
	}

	// 8. 可选的测试后补充电
	if m.PostChargeEnabled && out.Passed {
		c.setPhase(PhasePostPartialCharge)
		if err = c.charge(ctx, m, float64(m.StandardChargeCurrentMA),
			float64(m.PostChargeDurationMin), string(PhasePostPartialCharge), out); err != nil {
			return out, err
		}
	}

	return out, nil
}

// setPhaseFinal 终态阶段写入，绕过 running 判断
func (c *Controller) setPhaseFinal(p Phase) {
	c.mu.Lock()
	c.phase = p
	c.mu.Unlock()
	if c.bus != nil {
		c.bus.Publish(event.Event{Type: event.PhaseChanged, Station: c.station, Phase: string(p)})
	}
}

// safetyMonitor 1 Hz 后台监控：超温与仪器错误队列
// 走真实时钟，与阶段推进的时间抽象无关
func (c *Controller) safetyMonitor(ctx context.Context, m *types.BatteryModelConfig) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		temp, valid := c.temp.Temperature(c.station)
		if !valid {
			c.triggerSafetyAbort(tempSensorLostReason)
			return
		}
		if temp > m.EmergencyTempMaxC {
			c.triggerSafetyAbort(fmt.Sprintf("温度超过紧急上限 %.1f°C：当前 %.1f°C", m.EmergencyTempMaxC, temp))
			return
		}
		if !c.checkInstrument(ctx, c.psu.QueryErrors, "电源") {
			return
		}
		if !c.checkInstrument(ctx, c.load.QueryErrors, "负载") {
			return
		}
	}
}

// checkInstrument 查询一台仪器的错误队列
// 仪器自报错误触发中止，通信瞬断只记日志、下个周期重试
func (c *Controller) checkInstrument(ctx context.Context, query func(context.Context) error, name string) bool {
	err := query(ctx)
	if err == nil || ctx.Err() != nil {
		return true
	}
	var devErr *types.InstrumentError
	if errors.As(err, &devErr) {
		c.triggerSafetyAbort(fmt.Sprintf("%s异常: %v", name, devErr))
		return false
	}
	c.logger.Warn("仪器错误队列查询失败", "device", name, "error", err)
	return true
}

func (c *Controller) triggerSafetyAbort(reason string) {
	c.Abort(reason)
	metrics.SafetyAbortsTotal.Inc()
	if c.bus != nil {
		c.bus.Publish(event.Event{Type: event.SafetyAbort, Station: c.station, Reason: reason})
	}
}

// safeShutdown 无条件安全停机
// 两路命令独立守护：一路失败绝不能挡住另一路
func (c *Controller) safeShutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.psu.Disable(ctx); err != nil {
		c.logger.Error("停机时关闭电源输出失败", "error", err)
	}
	if err := c.load.Disable(ctx); err != nil {
		c.logger.Error("停机时关闭负载输入失败", "error", err)
	}
}

// preDischarge 把电池放到测试起点电压，限时 30 分钟
func (c *Controller) preDischarge(ctx context.Context, m *types.BatteryModelConfig, out *Outcome) error {
	c.setPhase(PhasePreDischarge)

	current := float64(m.PreDischargeCurrentMA)
	endMV := float64(m.PreDischargeEndVoltageMV)
	if current == 0 {
		current = float64(m.CapTestDischargeCurrentMA)
	}
	if endMV == 0 {
		endMV = float64(m.CapTestEndVoltageMV)
	}

	if err := c.load.ConfigureCC(ctx, current, endMV); err != nil {
		return fmt.Errorf("预放电配置失败: %w", err)
	}
	defer c.load.Disable(ctx)

	start := c.clock.Now()
	for {
		if err := c.checkAbort(); err != nil {
			return err
		}
		if err := c.clock.Sleep(ctx, time.Second); err != nil {
			return c.canceled(err)
		}
		elapsed := c.clock.Now().Sub(start).Seconds()
		v, err := c.load.MeasureVoltageMV(ctx)
		if err != nil {
			return fmt.Errorf("预放电测量失败: %w", err)
		}
		c.sample(out, elapsed, v, current, string(PhasePreDischarge))
		if v <= endMV || elapsed >= preDischargeMaxSec {
			return nil
		}
	}
}

// rest 静置，每 10 秒检查一次中止标志
func (c *Controller) rest(ctx context.Context, durationMin float64) error {
	deadline := c.clock.Now().Add(time.Duration(durationMin * float64(time.Minute)))
	for c.clock.Now().Before(deadline) {
		if err := c.checkAbort(); err != nil {
			return err
		}
		remain := deadline.Sub(c.clock.Now())
		chunk := time.Duration(restPollSec) * time.Second
		if remain < chunk {
			chunk = remain
		}
		if err := c.clock.Sleep(ctx, chunk); err != nil {
			return c.canceled(err)
		}
	}
	return c.checkAbort()
}

// charge 恒流充电指定时长，期间监控充电温度上限
func (c *Controller) charge(ctx context.Context, m *types.BatteryModelConfig, currentMA, durationMin float64, phase string, out *Outcome) error {
	if err := c.psu.SetOutput(ctx, float64(m.ChargeVoltageLimitMV), currentMA); err != nil {
		return fmt.Errorf("充电配置失败: %w", err)
	}
	defer c.psu.Disable(ctx)

	start := c.clock.Now()
	durationSec := durationMin * 60
	for {
		if err := c.checkAbort(); err != nil {
			return err
		}
		if err := c.clock.Sleep(ctx, time.Second); err != nil {
			return c.canceled(err)
		}
		elapsed := c.clock.Now().Sub(start).Seconds()
		if elapsed >= durationSec {
			return nil
		}

		temp, valid := c.temp.Temperature(c.station)
		if !valid {
			c.triggerSafetyAbort(tempSensorLostReason)
			return &AbortError{Reason: tempSensorLostReason}
		}
		if temp > m.MaxChargeTempC {
			reason := fmt.Sprintf("充电温度超过 %.1f°C：当前 %.1f°C", m.MaxChargeTempC, temp)
			c.triggerSafetyAbort(reason)
			return &AbortError{Reason: reason}
		}

		// 充电期间按分钟级粒度采样即可
		if int(elapsed)%60 == 0 {
			v, err := c.psu.MeasureVoltageMV(ctx)
			if err != nil {
				return fmt.Errorf("充电测量失败: %w", err)
			}
			i, err := c.psu.MeasureCurrentMA(ctx)
			if err != nil {
				return fmt.Errorf("充电测量失败: %w", err)
			}
			c.sample(out, elapsed, v, i, phase)
		}
	}
}

// capacityDischarge 容量放电与三项判定
func (c *Controller) capacityDischarge(ctx context.Context, m *types.BatteryModelConfig, out *Outcome) error {
	current := float64(m.CapTestDischargeCurrentMA)
	endMV := float64(m.CapTestEndVoltageMV)

	if err := c.load.ConfigureCC(ctx, current, endMV); err != nil {
		return fmt.Errorf("容量放电配置失败: %w", err)
	}
	defer c.load.Disable(ctx)

	var capacityMAh float64
	checkTimeSec := float64(m.CapTestVoltageCheckTimeMin) * 60
	voltageCheckDone := m.CapTestVoltageCheckTimeMin == 0
	out.VoltageCheckOK = voltageCheckDone

	start := c.clock.Now()
	prev := start
	for {
		if err := c.checkAbort(); err != nil {
			return err
		}
		if err := c.clock.Sleep(ctx, time.Second); err != nil {
			return c.canceled(err)
		}
		now := c.clock.Now()
		elapsed := now.Sub(start).Seconds()
		dt := now.Sub(prev)
		prev = now

		v, err := c.load.MeasureVoltageMV(ctx)
		if err != nil {
			return fmt.Errorf("放电测量失败: %w", err)
		}
		i, err := c.load.MeasureCurrentMA(ctx)
		if err != nil {
			return fmt.Errorf("放电测量失败: %w", err)
		}

		// 按实际间隔积分安时
		capacityMAh += i * dt.Hours()
		c.sample(out, elapsed, v, i, string(PhaseCapDischarging))
		metrics.SamplesCollectedTotal.Inc()

		temp, tempValid := c.temp.Temperature(c.station)
		if !tempValid {
			c.triggerSafetyAbort(tempSensorLostReason)
			return &AbortError{Reason: tempSensorLostReason}
		}
		if temp > m.MaxDischargeTempC {
			reason := fmt.Sprintf("放电温度超过 %.1f°C：当前 %.1f°C", m.MaxDischargeTempC, temp)
			c.triggerSafetyAbort(reason)
			return &AbortError{Reason: reason}
		}
		if m.AbsoluteMinVoltageMV > 0 && v < float64(m.AbsoluteMinVoltageMV) {
			reason := fmt.Sprintf("电压低于绝对下限 %d mV：当前 %.0f mV", m.AbsoluteMinVoltageMV, v)
			c.triggerSafetyAbort(reason)
			return &AbortError{Reason: reason}
		}

		// 中途电压检查点
		if !voltageCheckDone && elapsed >= checkTimeSec {
			voltageCheckDone = true
			out.VoltageCheckMV = v
			out.VoltageCheckOK = v >= float64(m.CapTestVoltageCheckMinMV)
			if !out.VoltageCheckOK {
				out.FailureReasons = append(out.FailureReasons,
					fmt.Sprintf("放电 %d 分钟时电压 %.0f mV 低于要求的 %d mV",
						m.CapTestVoltageCheckTimeMin, v, m.CapTestVoltageCheckMinMV))
			}
		}

		if v <= endMV || elapsed >= float64(m.CapTestMaxDurationMin)*60 {
			out.CapacityMAh = capacityMAh
			out.DischargeMin = elapsed / 60
			break
		}
	}

	// 判定：时长、容量、中途电压三项全过才算通过
	passed := true
	if m.CapTestPassMinMinutes > 0 && out.DischargeMin < float64(m.CapTestPassMinMinutes) {
		passed = false
		out.FailureReasons = append(out.FailureReasons,
			fmt.Sprintf("放电时长 %.1f 分钟未达到要求的 %d 分钟", out.DischargeMin, m.CapTestPassMinMinutes))
	}
	if m.CapTestPassMinCapacityPct > 0 {
		required := float64(m.NominalCapacityMAh) * float64(m.CapTestPassMinCapacityPct) / 100
		if out.CapacityMAh < required {
			passed = false
			out.FailureReasons = append(out.FailureReasons,
				fmt.Sprintf("实测容量 %.0f mAh 未达到标称 %d mAh 的 %d%% (%.0f mAh)",
					out.CapacityMAh, m.NominalCapacityMAh, m.CapTestPassMinCapacityPct, required))
		}
	}
	if !out.VoltageCheckOK {
		passed = false
	}
	out.Passed = passed

	c.logger.Info("容量放电完成",
		"capacity_mah", out.CapacityMAh,
		"discharge_min", out.DischargeMin,
		"passed", passed)
	return nil
}

// fastDischarge 高倍率放电，仅按最短时长判定
func (c *Controller) fastDischarge(ctx context.Context, m *types.BatteryModelConfig, out *Outcome) error {
	current := float64(m.FastDischargeCurrentMA)
	endMV := float64(m.FastDischargeEndVoltageMV)

	if err := c.load.ConfigureCC(ctx, current, endMV); err != nil {
		return fmt.Errorf("大电流放电配置失败: %w", err)
	}
	defer c.load.Disable(ctx)

	start := c.clock.Now()
	for {
		if err := c.checkAbort(); err != nil {
			return err
		}
		if err := c.clock.Sleep(ctx, time.Second); err != nil {
			return c.canceled(err)
		}
		elapsed := c.clock.Now().Sub(start).Seconds()

		v, err := c.load.MeasureVoltageMV(ctx)
		if err != nil {
			return fmt.Errorf("大电流放电测量失败: %w", err)
		}
		c.sample(out, elapsed, v, current, string(PhaseFastDischarging))

		temp, valid := c.temp.Temperature(c.station)
		if !valid {
			c.triggerSafetyAbort(tempSensorLostReason)
			return &AbortError{Reason: tempSensorLostReason}
		}
		if temp > m.MaxDischargeTempC {
			reason := fmt.Sprintf("放电温度超过 %.1f°C：当前 %.1f°C", m.MaxDischargeTempC, temp)
			c.triggerSafetyAbort(reason)
			return &AbortError{Reason: reason}
		}

		if v <= endMV || elapsed >= fastDischargeMaxMin*60 {
			out.FastDischargeMin = elapsed / 60
			break
		}
	}

	out.FastDischargeOK = out.FastDischargeMin >= float64(m.FastDischargePassMinMinutes)
	if !out.FastDischargeOK {
		out.Passed = false
		out.FailureReasons = append(out.FailureReasons,
			fmt.Sprintf("大电流放电时长 %.1f 分钟未达到要求的 %d 分钟",
				out.FastDischargeMin, m.FastDischargePassMinMinutes))
	}
	return nil
}

// sample 记录采样点，温度读数无效时记为 0
func (c *Controller) sample(out *Outcome, elapsedSec, voltageMV, currentMA float64, phase string) {
	temp, valid := c.temp.Temperature(c.station)
	if !valid {
		temp = 0
	}
	out.Samples = append(out.Samples, types.Sample{
		ElapsedSec: elapsedSec,
		VoltageMV:  voltageMV,
		CurrentMA:  currentMA,
		TempC:      temp,
		Phase:      phase,
	})
}

// canceled 把 ctx 取消统一包装为中止
func (c *Controller) canceled(err error) error {
	if reason := c.aborted(); reason != "" {
		return &AbortError{Reason: reason}
	}
	return fmt.Errorf("测试被取消: %w", err)
}
