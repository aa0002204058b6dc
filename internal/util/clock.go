package util

import (
	"context"
	"sync"
	"time"
)

// Clock 时间抽象：充放电阶段动辄数小时，测试用假时钟快进
type Clock interface {
	Now() time.Time
	// Sleep 可被 ctx 取消的休眠，被取消时返回 ctx.Err()
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock 生产环境使用的真实时钟
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// FakeClock 测试用时钟：Sleep 直接推进内部时间，不真正等待
// 多个协程共享同一实例，读写加锁
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{current: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
	return nil
}

// Advance 手动推进假时钟
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	c.mu.Unlock()
}
