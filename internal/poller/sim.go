package poller

import (
	"context"
	"fmt"
	"sync"

	"battery-test-bench/internal/types"
)

// SimBackend 模拟底座后端：没有实体硬件时的开发与测试支撑
// 温度与 EEPROM 内容可在运行中改写
type SimBackend struct {
	mu       sync.Mutex
	stations map[types.StationID]*simStation
}

type simStation struct {
	tempC     float64
	tempValid bool
	eeprom    []byte
	offline   bool
}

// NewSimBackend 创建模拟后端，全部工位初始 22°C、无 EEPROM
func NewSimBackend(stations []types.StationID) *SimBackend {
	b := &SimBackend{stations: make(map[types.StationID]*simStation)}
	for _, id := range stations {
		b.stations[id] = &simStation{tempC: 22.0, tempValid: true}
	}
	return b
}

// SetTemperature 改写工位温度读数
func (b *SimBackend) SetTemperature(station types.StationID, tempC float64, valid bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stations[station]; ok {
		s.tempC = tempC
		s.tempValid = valid
	}
}

// SetOffline 模拟底座掉线
func (b *SimBackend) SetOffline(station types.StationID, offline bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.stations[station]; ok {
		s.offline = offline
	}
}

// ReadStation 实现 Backend
func (b *SimBackend) ReadStation(_ context.Context, station types.StationID) (*types.StationSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stations[station]
	if !ok {
		return nil, fmt.Errorf("未知工位 %d", station)
	}
	if s.offline {
		return nil, fmt.Errorf("工位 %d 底座无响应", station)
	}
	return &types.StationSnapshot{
		TempValid:     s.tempValid,
		TemperatureC:  s.tempC,
		EEPROMPresent: len(s.eeprom) > 0,
		EEPROMBytes:   append([]byte(nil), s.eeprom...),
	}, nil
}

// WriteEEPROM 实现 EEPROMWriter
func (b *SimBackend) WriteEEPROM(_ context.Context, station types.StationID, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.stations[station]
	if !ok {
		return fmt.Errorf("未知工位 %d", station)
	}
	if s.offline {
		return fmt.Errorf("工位 %d 底座无响应", station)
	}
	s.eeprom = append([]byte(nil), data...)
	return nil
}
