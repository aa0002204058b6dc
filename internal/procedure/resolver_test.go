package procedure

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"battery-test-bench/internal/condition"
	"battery-test-bench/internal/types"
)

// fakeCatalog 内存目录桩
type fakeCatalog struct {
	byPart  map[string]*types.TechPub
	pubs    []*types.TechPub
	profile *types.BatteryProfile
}

func (f *fakeCatalog) FindTechPubByPart(_ context.Context, partNumber, _ string) (*types.TechPub, error) {
	return f.byPart[partNumber], nil
}

func (f *fakeCatalog) ListTechPubs(_ context.Context) ([]*types.TechPub, error) {
	return f.pubs, nil
}

func (f *fakeCatalog) FindProfile(_ context.Context, _, _ string) (*types.BatteryProfile, error) {
	return f.profile, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func samplePub() *types.TechPub {
	return &types.TechPub{
		ID:        1,
		CMMNumber: "24-35-41",
		Revision:  "12",
		Active:    true,
		Sections: []*types.TechPubSection{
			{
				ID: 20, SectionNumber: "3.2", Title: "容量测试", Type: types.SectionAutomatedTest,
				SortOrder: 2, Active: true,
				Steps: []*types.ProcedureStep{
					{ID: 201, StepNumber: 2, Type: types.StepDischarge, Label: "放电",
						ParamSource: types.ParamFromEEPROM, Automated: true,
						EstimatedMinutes: 300, SortOrder: 2, Active: true},
					{ID: 200, StepNumber: 1, Type: types.StepCharge, Label: "充电",
						ParamSource: types.ParamFromEEPROM, Automated: true,
						EstimatedMinutes: 960, SortOrder: 1, Active: true},
					{ID: 202, StepNumber: 3, Type: types.StepRest, Label: "已停用的静置",
						SortOrder: 3, Active: false},
				},
			},
			{
				ID: 10, SectionNumber: "2.1", Title: "目视检查", Type: types.SectionInspection,
				SortOrder: 1, Active: true,
				Steps: []*types.ProcedureStep{
					{ID: 100, StepNumber: 1, Type: types.StepVisualCheck, Label: "外观检查",
						EstimatedMinutes: 15, SortOrder: 1, Active: true},
				},
			},
			{
				ID: 30, SectionNumber: "3.5", Title: "加热膜测试", Type: types.SectionManualTest,
				SortOrder: 3, Active: true,
				Condition: types.Condition{Type: types.CondFeatureFlag, Key: "has_heater"},
				Steps: []*types.ProcedureStep{
					{ID: 300, StepNumber: 1, Type: types.StepMeasureRes, Label: "加热膜阻值",
						EstimatedMinutes: 10, SortOrder: 1, Active: true},
				},
			},
		},
	}
}

func sampleItem() *types.WorkItem {
	return &types.WorkItem{
		ID: "wi-1", SerialNumber: "SN1234", PartNumber: "023220-000",
		Amendment: "C", AgeMonths: 24, MonthsSinceService: 7,
		ServiceType: types.ServiceCapacityTest,
	}
}

func TestResolveOrdersBySortOrder(t *testing.T) {
	cat := &fakeCatalog{byPart: map[string]*types.TechPub{"023220-000": samplePub()}}
	r := NewResolver(cat, condition.NewEvaluator(testLogger()), testLogger())

	res, err := r.Resolve(context.Background(), sampleItem())
	require.NoError(t, err)

	// 章节按 sort_order 升序，无档案时 has_heater 章节被过滤
	require.Len(t, res.Sections, 2)
	assert.Equal(t, "2.1", res.Sections[0].Section.SectionNumber)
	assert.Equal(t, "3.2", res.Sections[1].Section.SectionNumber)

	// 章节内步骤同样按 sort_order 升序，停用步骤被剔除
	steps := res.Sections[1].Steps
	require.Len(t, steps, 2)
	assert.Equal(t, types.StepCharge, steps[0].Type)
	assert.Equal(t, types.StepDischarge, steps[1].Type)

	assert.Equal(t, 3, res.TotalSteps)
	assert.InDelta(t, (15+960+300)/60.0, res.EstimatedHours, 1e-9)
}

func TestResolveFeatureFlagSection(t *testing.T) {
	cat := &fakeCatalog{
		byPart: map[string]*types.TechPub{"023220-000": samplePub()},
		profile: &types.BatteryProfile{
			PartNumber:   "023220-000",
			FeatureFlags: map[string]bool{"has_heater": true},
			Active:       true,
		},
	}
	r := NewResolver(cat, condition.NewEvaluator(testLogger()), testLogger())

	res, err := r.Resolve(context.Background(), sampleItem())
	require.NoError(t, err)
	require.Len(t, res.Sections, 3)
	assert.Equal(t, "3.5", res.Sections[2].Section.SectionNumber)
	assert.Equal(t, 4, res.TotalSteps)
}

func TestResolveLegacyFallback(t *testing.T) {
	pub := samplePub()
	pub.LegacyParts = []string{"023220"}
	cat := &fakeCatalog{byPart: map[string]*types.TechPub{}, pubs: []*types.TechPub{pub}}
	r := NewResolver(cat, condition.NewEvaluator(testLogger()), testLogger())

	res, err := r.Resolve(context.Background(), sampleItem())
	require.NoError(t, err)
	assert.Equal(t, "24-35-41", res.TechPub.CMMNumber)
}

func TestResolveNotConfigured(t *testing.T) {
	cat := &fakeCatalog{byPart: map[string]*types.TechPub{}}
	r := NewResolver(cat, condition.NewEvaluator(testLogger()), testLogger())

	_, err := r.Resolve(context.Background(), sampleItem())
	var notCfg *ErrNotConfigured
	require.ErrorAs(t, err, &notCfg)
	assert.Equal(t, "023220-000", notCfg.PartNumber)
}
