// Package poller 周期轮询 12 个工位底座模块的温度与 EEPROM 状态
// 快照常驻内存，控制器与前端状态都从这里读
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"battery-test-bench/internal/event"
	"battery-test-bench/internal/metrics"
	"battery-test-bench/internal/types"
)

// Backend 底座硬件访问接口，由真实 I2C 网关或模拟器实现
type Backend interface {
	// ReadStation 读取单个工位的底座状态
	ReadStation(ctx context.Context, station types.StationID) (*types.StationSnapshot, error)
}

// EEPROMWriter 支持烧录 EEPROM 的底座
type EEPROMWriter interface {
	WriteEEPROM(ctx context.Context, station types.StationID, data []byte) error
}

// Poller 底座轮询器
type Poller struct {
	backend  Backend
	stations []types.StationID
	interval time.Duration
	bus      *event.Bus
	logger   *slog.Logger

	mu        sync.RWMutex
	snapshots map[types.StationID]*types.StationSnapshot
	errCounts map[types.StationID]int
}

// New 创建轮询器
func New(backend Backend, stations []types.StationID, interval time.Duration, bus *event.Bus, logger *slog.Logger) *Poller {
	return &Poller{
		backend:   backend,
		stations:  stations,
		interval:  interval,
		bus:       bus,
		logger:    logger.With("component", "poller"),
		snapshots: make(map[types.StationID]*types.StationSnapshot),
		errCounts: make(map[types.StationID]int),
	}
}

// Run 轮询主循环，阻塞直到 ctx 取消
func (p *Poller) Run(ctx context.Context) {
	p.logger.Info("底座轮询启动", "stations", len(p.stations), "interval", p.interval.String())
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.pollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("底座轮询退出")
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	for _, id := range p.stations {
		snap, err := p.backend.ReadStation(ctx, id)
		label := strconv.Itoa(int(id))
		if err != nil {
			p.mu.Lock()
			p.errCounts[id]++
			count := p.errCounts[id]
			if prev, ok := p.snapshots[id]; ok {
				prev.Online = false
			}
			p.mu.Unlock()
			metrics.StationOnline.WithLabelValues(label).Set(0)
			// 偶发读取失败只记数，连续失败才告警
			if count%10 == 1 {
				p.logger.Warn("底座读取失败", "station_id", int(id), "consecutive", count, "error", err)
			}
			continue
		}
		snap.Station = id
		snap.Online = true
		snap.LastContact = time.Now()

		p.mu.Lock()
		p.errCounts[id] = 0
		p.snapshots[id] = snap
		p.mu.Unlock()
		metrics.StationOnline.WithLabelValues(label).Set(1)

		if p.bus != nil {
			p.bus.Publish(event.Event{Type: event.StationUpdated, Station: id})
		}
	}
}

// Snapshot 返回工位快照副本，无数据返回 nil
func (p *Poller) Snapshot(station types.StationID) *types.StationSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.snapshots[station]
	if !ok {
		return nil
	}
	clone := *snap
	clone.EEPROMBytes = append([]byte(nil), snap.EEPROMBytes...)
	return &clone
}

// Snapshots 返回全部工位快照
func (p *Poller) Snapshots() []*types.StationSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*types.StationSnapshot, 0, len(p.stations))
	for _, id := range p.stations {
		if snap, ok := p.snapshots[id]; ok {
			clone := *snap
			clone.EEPROMBytes = append([]byte(nil), snap.EEPROMBytes...)
			out = append(out, &clone)
		}
	}
	return out
}

// Temperature 实现控制器的温度读取接口
// 快照缺失或传感器标记无效时 valid 为假
func (p *Poller) Temperature(station types.StationID) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.snapshots[station]
	if !ok || !snap.Online || !snap.TempValid {
		return 0, false
	}
	return snap.TemperatureC, true
}

// EEPROM 返回工位底座的 EEPROM 原始数据
func (p *Poller) EEPROM(station types.StationID) ([]byte, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	snap, ok := p.snapshots[station]
	if !ok || !snap.EEPROMPresent {
		return nil, false
	}
	return append([]byte(nil), snap.EEPROMBytes...), true
}

// WriteEEPROM 烧录工位底座 EEPROM，之后立刻重读刷新快照
func (p *Poller) WriteEEPROM(ctx context.Context, station types.StationID, data []byte) error {
	writer, ok := p.backend.(EEPROMWriter)
	if !ok {
		return fmt.Errorf("当前底座后端不支持 EEPROM 烧录")
	}
	if err := writer.WriteEEPROM(ctx, station, data); err != nil {
		return fmt.Errorf("工位 %d EEPROM 烧录失败: %w", station, err)
	}
	snap, err := p.backend.ReadStation(ctx, station)
	if err != nil {
		return nil
	}
	snap.Station = station
	snap.Online = true
	snap.LastContact = time.Now()
	p.mu.Lock()
	p.snapshots[station] = snap
	p.mu.Unlock()
	return nil
}
