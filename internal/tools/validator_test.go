package tools

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battery-test-bench/internal/store"
	"battery-test-bench/internal/types"
	"battery-test-bench/internal/util"
)

func testValidator(t *testing.T) (*Validator, *store.Store, *util.FakeClock) {
	t.Helper()
	st := store.New(nil)
	clock := util.NewFakeClock(time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewValidator(st, clock, logger), st, clock
}

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestValidateCalibratedTool(t *testing.T) {
	v, st, _ := testValidator(t)
	st.AddTool(&types.Tool{
		ID: "t1", Description: "数字万用表", Serial: "FLK-8846A-011",
		Category: "multimeter", ValidUntil: datePtr(2027, 3, 1),
		Certificate: "CAL-2026-0317", Active: true,
	})

	tool, err := v.Validate(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "TID001", tool.Display)
}

func TestValidateExpiredTool(t *testing.T) {
	v, st, _ := testValidator(t)
	st.AddTool(&types.Tool{
		ID: "t1", Description: "绝缘电阻测试仪", Serial: "MEG-500-07",
		ValidUntil: datePtr(2026, 6, 30), Active: true,
	})

	_, err := v.Validate(context.Background(), "t1")
	var unusable *ErrToolUnusable
	require.ErrorAs(t, err, &unusable)
	assert.Contains(t, unusable.Reason, "2026-06-30")
}

func TestValidateOnDueDateStillUsable(t *testing.T) {
	// 到期当天仍然可用
	v, st, _ := testValidator(t)
	st.AddTool(&types.Tool{
		ID: "t1", Description: "温度计", Serial: "TH-22",
		ValidUntil: datePtr(2026, 8, 25), Active: true,
	})

	_, err := v.Validate(context.Background(), "t1")
	assert.NoError(t, err)
}

func TestValidateInactiveTool(t *testing.T) {
	v, st, _ := testValidator(t)
	st.AddTool(&types.Tool{ID: "t1", Description: "扭力扳手", Active: false})

	_, err := v.Validate(context.Background(), "t1")
	var unusable *ErrToolUnusable
	require.ErrorAs(t, err, &unusable)
	assert.Contains(t, unusable.Reason, "停用")
}

func TestValidateUnknownTool(t *testing.T) {
	v, _, _ := testValidator(t)
	_, err := v.Validate(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecordUsageFreezesSnapshot(t *testing.T) {
	v, st, clock := testValidator(t)
	due := datePtr(2026, 12, 31)
	st.AddTool(&types.Tool{
		ID: "t1", Description: "数字万用表", Serial: "FLK-8846A-011",
		ValidUntil: due, Certificate: "CAL-2026-0317", Active: true,
	})

	usage, err := v.RecordUsage(context.Background(), "task-1", "t1")
	require.NoError(t, err)
	assert.Equal(t, "TID001", usage.Display)
	assert.True(t, usage.CalibrationValid)
	assert.Equal(t, clock.Now(), usage.UsedAt)

	// 事后改写器具记录不影响已冻结的快照
	tool, _ := st.GetTool(context.Background(), "t1")
	tool.Certificate = "CAL-2027-0001"
	st.AddTool(tool)

	list, err := st.ListToolUsage(context.Background(), "task-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "CAL-2026-0317", list[0].Certificate)
	assert.Equal(t, due.Unix(), list[0].CalibrationDue.Unix())
}

func TestRecordUsageForStepAllOrNothing(t *testing.T) {
	v, st, _ := testValidator(t)
	st.AddTool(&types.Tool{ID: "ok", Description: "万用表", Active: true})
	st.AddTool(&types.Tool{
		ID: "expired", Description: "温度计",
		ValidUntil: datePtr(2025, 1, 1), Active: true,
	})

	_, err := v.RecordUsageForStep(context.Background(), "task-1", []string{"ok", "expired"})
	var unusable *ErrToolUnusable
	require.ErrorAs(t, err, &unusable)

	// 校验失败时不留部分使用记录
	list, err := st.ListToolUsage(context.Background(), "task-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestAvailableFiltersByCategory(t *testing.T) {
	v, st, _ := testValidator(t)
	st.AddTool(&types.Tool{ID: "a", Description: "万用表", Category: "multimeter", Active: true})
	st.AddTool(&types.Tool{ID: "b", Description: "停用表", Category: "multimeter", Active: false})
	st.AddTool(&types.Tool{
		ID: "c", Description: "过期温度计", Category: "thermometer",
		ValidUntil: datePtr(2025, 1, 1), Active: true,
	})

	list, valid, err := v.Available(context.Background(), "multimeter")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ID)
	assert.True(t, valid[0])

	// 过期器具仍列出，但校准状态标为无效
	list, valid, err = v.Available(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	for i, tool := range list {
		if tool.ID == "c" {
			assert.False(t, valid[i])
		}
	}
}
