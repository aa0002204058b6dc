package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"battery-test-bench/internal/types"
)

// Load 电子负载 SCPI 客户端，恒流放电模式
// 对外单位统一为 mV/mA
type Load struct {
	conn   *Conn
	logger *slog.Logger
}

// NewLoad 创建负载客户端
func NewLoad(addr string, timeout time.Duration, logger *slog.Logger) *Load {
	return &Load{
		conn:   NewConn(addr, timeout, logger),
		logger: logger.With("component", "load", "addr", addr),
	}
}

// Identify 查询仪器标识
func (l *Load) Identify(ctx context.Context) (string, error) {
	return l.conn.Query(ctx, "*IDN?")
}

// ConfigureCC 配置恒流模式：放电电流与电压保护下限，并打开输入
func (l *Load) ConfigureCC(ctx context.Context, currentMA, voltageFloorMV float64) error {
	if err := l.conn.Send(ctx, "FUNC CURR"); err != nil {
		return fmt.Errorf("切换恒流模式失败: %w", err)
	}
	if err := l.conn.Send(ctx, fmt.Sprintf("CURR %.3f", currentMA/1000)); err != nil {
		return fmt.Errorf("设置放电电流失败: %w", err)
	}
	if err := l.conn.Send(ctx, fmt.Sprintf("VOLT:PROT %.3f", voltageFloorMV/1000)); err != nil {
		return fmt.Errorf("设置电压保护下限失败: %w", err)
	}
	if err := l.conn.Send(ctx, "INP ON"); err != nil {
		return fmt.Errorf("打开负载输入失败: %w", err)
	}
	l.logger.Info("负载恒流放电已打开", "current_ma", currentMA, "voltage_floor_mv", voltageFloorMV)
	return nil
}

// Disable 关闭输入，安全停机路径依赖该命令
func (l *Load) Disable(ctx context.Context) error {
	if err := l.conn.Send(ctx, "INP OFF"); err != nil {
		return fmt.Errorf("关闭负载输入失败: %w", err)
	}
	l.logger.Info("负载输入已关闭")
	return nil
}

// MeasureVoltageMV 测量端电压
func (l *Load) MeasureVoltageMV(ctx context.Context) (float64, error) {
	v, err := l.conn.QueryFloat(ctx, "MEAS:VOLT?")
	if err != nil {
		return 0, err
	}
	return v * 1000, nil
}

// MeasureCurrentMA 测量放电电流
func (l *Load) MeasureCurrentMA(ctx context.Context) (float64, error) {
	a, err := l.conn.QueryFloat(ctx, "MEAS:CURR?")
	if err != nil {
		return 0, err
	}
	return a * 1000, nil
}

// QueryErrors 读取仪器错误队列，无错误返回 nil
// 仪器自报的错误返回 *types.InstrumentError，通信失败返回普通错误
func (l *Load) QueryErrors(ctx context.Context) error {
	resp, err := l.conn.Query(ctx, "SYST:ERR?")
	if err != nil {
		return fmt.Errorf("查询负载错误队列失败: %w", err)
	}
	if noError(resp) {
		return nil
	}
	return &types.InstrumentError{Device: "负载", Detail: resp}
}

// Close 关闭连接
func (l *Load) Close() error { return l.conn.Close() }
