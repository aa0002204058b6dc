package station

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battery-test-bench/internal/event"
	"battery-test-bench/internal/types"
	"battery-test-bench/internal/util"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// benchSim 按假时钟推演的工位硬件仿真
// 每次放电会话按脚本在指定时长后让电压跌到保护下限
type benchSim struct {
	clock *util.FakeClock

	mu              sync.Mutex
	ccCount         int
	ccStart         time.Time
	ccCurrentMA     float64
	ccFloorMV       float64
	dischargeRuns   []time.Duration // 每次放电从开始到跌至下限的时长
	measuredOffset  float64         // 实测电流相对设定值的偏差
	psuOn           bool
	psuDisables     int
	psuDisableErr   error
	loadDisables    int
	loadDisableErr  error
	chargeVoltageMV float64
	psuQueryErr     error
	loadQueryErr    error
}

func (b *benchSim) setPSUQueryErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.psuQueryErr = err
}

func (b *benchSim) SetOutput(_ context.Context, voltageLimitMV, currentMA float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.psuOn = true
	b.chargeVoltageMV = voltageLimitMV
	return nil
}

func (b *benchSim) Disable(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.psuDisables++
	b.psuOn = false
	return b.psuDisableErr
}

func (b *benchSim) MeasureVoltageMV(_ context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chargeVoltageMV - 500, nil
}

func (b *benchSim) MeasureCurrentMA(_ context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ccCurrentMA + b.measuredOffset, nil
}

func (b *benchSim) QueryErrors(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.psuQueryErr
}

// loadSide 负载侧视图，和电源共用同一仿真体
type loadSide struct{ *benchSim }

func (l loadSide) ConfigureCC(_ context.Context, currentMA, voltageFloorMV float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ccCount++
	l.ccStart = l.clock.Now()
	l.ccCurrentMA = currentMA
	l.ccFloorMV = voltageFloorMV
	return nil
}

func (l loadSide) Disable(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loadDisables++
	return l.loadDisableErr
}

func (l loadSide) MeasureVoltageMV(_ context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	session := l.ccCount
	cutoff := time.Duration(0)
	if session-1 < len(l.dischargeRuns) {
		cutoff = l.dischargeRuns[session-1]
	}
	if l.clock.Now().Sub(l.ccStart) >= cutoff {
		return l.ccFloorMV, nil
	}
	return l.ccFloorMV + 2000, nil
}

func (l loadSide) MeasureCurrentMA(_ context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ccCurrentMA + l.measuredOffset, nil
}

func (l loadSide) QueryErrors(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loadQueryErr
}

// tempFunc 把函数适配成温度读取接口
type tempFunc func(types.StationID) (float64, bool)

func (f tempFunc) Temperature(s types.StationID) (float64, bool) { return f(s) }

func e2eModel() *types.BatteryModelConfig {
	return &types.BatteryModelConfig{
		FormatVersion:             2,
		NominalCapacityMAh:        2300,
		ChargeVoltageLimitMV:      9000,
		StandardChargeCurrentMA:   230,
		StandardChargeDurationMin: 960,
		CapTestDischargeCurrentMA: 460,
		CapTestEndVoltageMV:       5000,
		CapTestMaxDurationMin:     360,
		CapTestRestBeforeMin:      60,
		CapTestPassMinMinutes:     270,
		CapTestPassMinCapacityPct: 85,
		MaxChargeTempC:            45.0,
		MaxDischargeTempC:         55.0,
		EmergencyTempMaxC:         65.0,
		AbsoluteMinVoltageMV:      4000,
	}
}

func newBench(t *testing.T, dischargeRuns []time.Duration) (*Controller, *benchSim, *util.FakeClock) {
	t.Helper()
	clock := util.NewFakeClock(time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC))
	sim := &benchSim{
		clock: clock,
		// 第一段是预放电，立即到底
		dischargeRuns: append([]time.Duration{0}, dischargeRuns...),
	}
	temp := tempFunc(func(types.StationID) (float64, bool) { return 22.0, true })
	c := NewController(3, sim, loadSide{sim}, temp, clock, event.NewBus(), discardLogger())
	return c, sim, clock
}

func TestFullCapacityTestPasses(t *testing.T) {
	// 461 mA 放 298 分钟 ≈ 2290 mAh，三项判定全过
	c, sim, _ := newBench(t, []time.Duration{298 * time.Minute})
	sim.measuredOffset = 1 // 实测 461 mA

	out, err := c.Run(context.Background(), RunInput{
		JobID: "job-1", Model: e2eModel(), AgeMonths: 12,
	})
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.True(t, out.Passed)
	assert.InDelta(t, 298, out.DischargeMin, 1.0)
	assert.InDelta(t, 2290, out.CapacityMAh, 20)
	assert.Empty(t, out.FailureReasons)
	assert.Equal(t, PhaseCompletePass, c.Phase())
	// 结束后电源与负载都必须断开
	assert.GreaterOrEqual(t, sim.psuDisables, 1)
	assert.GreaterOrEqual(t, sim.loadDisables, 1)
}

func TestCapacityTestFailsOnShortDischarge(t *testing.T) {
	// 247 分钟只放出约 1900 mAh，时长与容量双双不达标
	c, _, _ := newBench(t, []time.Duration{247 * time.Minute})

	out, err := c.Run(context.Background(), RunInput{
		JobID: "job-2", Model: e2eModel(), AgeMonths: 12,
	})
	require.NoError(t, err)

	assert.False(t, out.Passed)
	assert.InDelta(t, 1900, out.CapacityMAh, 25)
	assert.Len(t, out.FailureReasons, 2)
	assert.Equal(t, PhaseCompleteFail, c.Phase())
}

func TestVoltageCheckpointFailure(t *testing.T) {
	m := e2eModel()
	m.CapTestVoltageCheckTimeMin = 100
	m.CapTestVoltageCheckMinMV = 8000 // 仿真电压 7000，检查点必不达标
	c, _, _ := newBench(t, []time.Duration{298 * time.Minute})

	out, err := c.Run(context.Background(), RunInput{JobID: "job-3", Model: m, AgeMonths: 12})
	require.NoError(t, err)

	assert.False(t, out.Passed)
	assert.False(t, out.VoltageCheckOK)
	assert.InDelta(t, 7000, out.VoltageCheckMV, 1)
}

func TestDischargeOverTempAborts(t *testing.T) {
	c, sim, _ := newBench(t, []time.Duration{298 * time.Minute})
	// 断电命令失败也不能挡住另一路
	sim.psuDisableErr = assert.AnError

	hot := tempFunc(func(types.StationID) (float64, bool) {
		if c.Phase() == PhaseCapDischarging {
			return 57.2, true
		}
		return 22.0, true
	})
	c.temp = hot

	_, err := c.Run(context.Background(), RunInput{JobID: "job-4", Model: e2eModel(), AgeMonths: 12})
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Contains(t, abort.Reason, "55.0")
	assert.Contains(t, abort.Reason, "57.2")
	assert.Equal(t, PhaseAborted, c.Phase())

	// 中止后两路断电都必须执行
	assert.GreaterOrEqual(t, sim.psuDisables, 1)
	assert.GreaterOrEqual(t, sim.loadDisables, 1)
}

func TestTempSensorLossDuringDischargeAborts(t *testing.T) {
	c, sim, _ := newBench(t, []time.Duration{298 * time.Minute})
	// 容量放电阶段传感器失联
	c.temp = tempFunc(func(types.StationID) (float64, bool) {
		if c.Phase() == PhaseCapDischarging {
			return 0, false
		}
		return 22.0, true
	})

	_, err := c.Run(context.Background(), RunInput{JobID: "job-8", Model: e2eModel(), AgeMonths: 12})
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Contains(t, abort.Reason, "温度传感器")
	assert.Equal(t, PhaseAborted, c.Phase())
	assert.GreaterOrEqual(t, sim.psuDisables, 1)
	assert.GreaterOrEqual(t, sim.loadDisables, 1)
}

func TestSafetyMonitorAbortsOnSensorLoss(t *testing.T) {
	c, _, _ := newBench(t, nil)
	c.temp = tempFunc(func(types.StationID) (float64, bool) { return 0, false })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.safetyMonitor(ctx, e2eModel())
		close(done)
	}()

	require.Eventually(t, func() bool { return c.aborted() != "" }, 3*time.Second, 50*time.Millisecond)
	assert.Contains(t, c.aborted(), "温度传感器")
	<-done
}

func TestSafetyMonitorKeepsRunningOnCommFailure(t *testing.T) {
	c, sim, _ := newBench(t, nil)
	sim.setPSUQueryErr(errors.New("dial tcp 10.20.0.3:5025: i/o timeout"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		c.safetyMonitor(ctx, e2eModel())
		close(done)
	}()

	// 通信瞬断只记日志，不触发中止
	time.Sleep(2200 * time.Millisecond)
	assert.Empty(t, c.aborted())

	// 仪器自报错误立即中止
	sim.setPSUQueryErr(&types.InstrumentError{Device: "电源", Detail: `-222,"Data out of range"`})
	require.Eventually(t, func() bool { return c.aborted() != "" }, 3*time.Second, 50*time.Millisecond)
	assert.Contains(t, c.aborted(), "电源")
	<-done
}

func TestOperatorAbortIsMonotonic(t *testing.T) {
	c, _, _ := newBench(t, []time.Duration{298 * time.Minute})
	// 测试开始后第一次温度读取时触发中止，后续原因不覆盖第一个
	c.temp = tempFunc(func(types.StationID) (float64, bool) {
		c.Abort("操作员急停")
		c.Abort("另一个原因")
		return 22.0, true
	})

	_, err := c.Run(context.Background(), RunInput{JobID: "job-5", Model: e2eModel(), AgeMonths: 12})
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, "操作员急停", abort.Reason)
	assert.Equal(t, PhaseAborted, c.Phase())
}

func TestAgeExtendedRest(t *testing.T) {
	run := func(ageMonths int) time.Duration {
		m := e2eModel()
		m.AgeRestThresholdMonths = 24
		m.AgeRestDurationMin = 240
		c, _, clock := newBench(t, []time.Duration{298 * time.Minute})
		start := clock.Now()
		_, err := c.Run(context.Background(), RunInput{JobID: "job-6", Model: m, AgeMonths: ageMonths})
		require.NoError(t, err)
		return clock.Now().Sub(start)
	}

	young := run(12) // 静置 60 分钟
	old := run(25)   // 年龄达标，静置延长到 240 分钟
	assert.InDelta(t, (180 * time.Minute).Minutes(), (old - young).Minutes(), 2)
}

func TestReconditioningPhaseForStoredBattery(t *testing.T) {
	m := e2eModel()
	m.ReconditionChargeCurrentMA = 115
	m.ReconditionChargeDurationMin = 120
	m.ReconditionStorageThresholdMonths = 6

	run := func(monthsSinceService int) time.Duration {
		c, _, clock := newBench(t, []time.Duration{298 * time.Minute})
		start := clock.Now()
		_, err := c.Run(context.Background(), RunInput{
			JobID: "job-7", Model: m, AgeMonths: 12, MonthsSinceService: monthsSinceService,
		})
		require.NoError(t, err)
		return clock.Now().Sub(start)
	}

	fresh := run(3)
	stored := run(7) // 超过 6 个月触发活化充电
	assert.InDelta(t, 120, (stored - fresh).Minutes(), 2)
}
