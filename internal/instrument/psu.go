package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"battery-test-bench/internal/types"
)

// PSU 可编程电源 SCPI 客户端
// 对外单位统一为 mV/mA，命令层换算为仪器的 V/A
type PSU struct {
	conn   *Conn
	logger *slog.Logger
}

// NewPSU 创建电源客户端
func NewPSU(addr string, timeout time.Duration, logger *slog.Logger) *PSU {
	return &PSU{
		conn:   NewConn(addr, timeout, logger),
		logger: logger.With("component", "psu", "addr", addr),
	}
}

// Identify 查询仪器标识
func (p *PSU) Identify(ctx context.Context) (string, error) {
	return p.conn.Query(ctx, "*IDN?")
}

// SetOutput 设置电压上限与恒流值并打开输出
func (p *PSU) SetOutput(ctx context.Context, voltageLimitMV, currentMA float64) error {
	if err := p.conn.Send(ctx, fmt.Sprintf("VOLT %.3f", voltageLimitMV/1000)); err != nil {
		return fmt.Errorf("设置电压上限失败: %w", err)
	}
	if err := p.conn.Send(ctx, fmt.Sprintf("CURR %.3f", currentMA/1000)); err != nil {
		return fmt.Errorf("设置电流失败: %w", err)
	}
	if err := p.conn.Send(ctx, "OUTP ON"); err != nil {
		return fmt.Errorf("打开输出失败: %w", err)
	}
	p.logger.Info("电源输出已打开", "voltage_limit_mv", voltageLimitMV, "current_ma", currentMA)
	return nil
}

// Disable 关闭输出，安全停机路径依赖该命令
func (p *PSU) Disable(ctx context.Context) error {
	if err := p.conn.Send(ctx, "OUTP OFF"); err != nil {
		return fmt.Errorf("关闭电源输出失败: %w", err)
	}
	p.logger.Info("电源输出已关闭")
	return nil
}

// MeasureVoltageMV 测量输出端电压
func (p *PSU) MeasureVoltageMV(ctx context.Context) (float64, error) {
	v, err := p.conn.QueryFloat(ctx, "MEAS:VOLT?")
	if err != nil {
		return 0, err
	}
	return v * 1000, nil
}

// MeasureCurrentMA 测量输出电流
func (p *PSU) MeasureCurrentMA(ctx context.Context) (float64, error) {
	a, err := p.conn.QueryFloat(ctx, "MEAS:CURR?")
	if err != nil {
		return 0, err
	}
	return a * 1000, nil
}

// QueryErrors 读取仪器错误队列，无错误返回 nil
// 仪器自报的错误返回 *types.InstrumentError，通信失败返回普通错误
func (p *PSU) QueryErrors(ctx context.Context) error {
	resp, err := p.conn.Query(ctx, "SYST:ERR?")
	if err != nil {
		return fmt.Errorf("查询电源错误队列失败: %w", err)
	}
	if noError(resp) {
		return nil
	}
	return &types.InstrumentError{Device: "电源", Detail: resp}
}

// Close 关闭连接
func (p *PSU) Close() error { return p.conn.Close() }

// noError 判断 SYST:ERR? 响应是否为空错误 (形如 `0,"No error"`)
func noError(resp string) bool {
	return strings.HasPrefix(strings.TrimSpace(resp), "0")
}
