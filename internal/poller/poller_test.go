package poller

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battery-test-bench/internal/eeprom"
	"battery-test-bench/internal/event"
	"battery-test-bench/internal/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func allStations() []types.StationID {
	out := make([]types.StationID, 0, types.NumStations)
	for i := 1; i <= types.NumStations; i++ {
		out = append(out, types.StationID(i))
	}
	return out
}

func TestPollerSnapshotsAndTemperature(t *testing.T) {
	stations := allStations()
	backend := NewSimBackend(stations)
	backend.SetTemperature(3, 37.5, true)
	backend.SetTemperature(5, 0, false)

	p := New(backend, stations, 10*time.Millisecond, event.NewBus(), testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		return len(p.Snapshots()) == types.NumStations
	}, 2*time.Second, 10*time.Millisecond)

	temp, valid := p.Temperature(3)
	assert.True(t, valid)
	assert.Equal(t, 37.5, temp)

	// 传感器无效的工位读数不可信
	_, valid = p.Temperature(5)
	assert.False(t, valid)
}

func TestPollerOfflineStation(t *testing.T) {
	stations := []types.StationID{1}
	backend := NewSimBackend(stations)
	p := New(backend, stations, 10*time.Millisecond, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	require.Eventually(t, func() bool {
		snap := p.Snapshot(1)
		return snap != nil && snap.Online
	}, 2*time.Second, 10*time.Millisecond)

	backend.SetOffline(1, true)
	require.Eventually(t, func() bool {
		_, valid := p.Temperature(1)
		return !valid
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWriteAndReadBackEEPROM(t *testing.T) {
	stations := []types.StationID{2}
	backend := NewSimBackend(stations)
	p := New(backend, stations, time.Hour, nil, testLogger())

	cfg := &types.BatteryModelConfig{
		FormatVersion:      eeprom.FormatVersion,
		NominalCapacityMAh: 2300,
		CellCount:          20,
		PartNumber:         "023220-000",
	}
	raw, err := eeprom.Encode(cfg)
	require.NoError(t, err)

	require.NoError(t, p.WriteEEPROM(context.Background(), 2, raw))

	data, ok := p.EEPROM(2)
	require.True(t, ok)
	res, err := eeprom.Decode(data)
	require.NoError(t, err)
	assert.True(t, res.CRCValid)
	assert.Equal(t, "023220-000", res.Config.PartNumber)
}
