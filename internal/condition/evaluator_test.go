package condition

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"battery-test-bench/internal/types"
)

func testEvaluator() *Evaluator {
	return NewEvaluator(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func baseContext() Context {
	return Context{
		"feature_flags":        map[string]bool{"has_heater": true, "fast_discharge": false},
		"amendment":            "C",
		"age_months":           24,
		"months_since_service": 7,
		"service_type":         "capacity_test",
		"part_number":          "023220-000",
	}
}

func TestAlwaysIsTrue(t *testing.T) {
	e := testEvaluator()
	assert.True(t, e.Evaluate(types.Condition{Type: types.CondAlways}, baseContext()))
	// 空类型等同 always
	assert.True(t, e.Evaluate(types.Condition{}, baseContext()))
}

func TestFeatureFlag(t *testing.T) {
	e := testEvaluator()
	ctx := baseContext()
	assert.True(t, e.Evaluate(types.Condition{Type: types.CondFeatureFlag, Key: "has_heater"}, ctx))
	assert.False(t, e.Evaluate(types.Condition{Type: types.CondFeatureFlag, Key: "fast_discharge"}, ctx))
	assert.False(t, e.Evaluate(types.Condition{Type: types.CondFeatureFlag, Key: "unknown"}, ctx))
}

func TestAmendmentMatchCaseInsensitiveList(t *testing.T) {
	e := testEvaluator()
	ctx := baseContext()
	assert.True(t, e.Evaluate(types.Condition{Type: types.CondAmendment, Value: "a, b, c"}, ctx))
	assert.False(t, e.Evaluate(types.Condition{Type: types.CondAmendment, Value: "D,E"}, ctx))
}

func TestAgeThresholdInclusiveBoundary(t *testing.T) {
	e := testEvaluator()
	ctx := baseContext()

	cond := types.Condition{Type: types.CondAgeThreshold, Value: "24"}
	assert.True(t, e.Evaluate(cond, ctx), "阈值含边界: 24 >= 24")

	ctx["age_months"] = 23
	assert.False(t, e.Evaluate(cond, ctx))

	ctx["age_months"] = 25
	assert.True(t, e.Evaluate(cond, ctx))
}

func TestAgeThresholdCustomKeyAndContextReference(t *testing.T) {
	e := testEvaluator()
	ctx := baseContext()
	ctx["recondition_threshold_months"] = 6

	// Key 指向 months_since_service，Value 引用另一个上下文键
	cond := types.Condition{
		Type:  types.CondAgeThreshold,
		Key:   "months_since_service",
		Value: "recondition_threshold_months",
	}
	assert.True(t, e.Evaluate(cond, ctx)) // 7 >= 6

	ctx["months_since_service"] = 5
	assert.False(t, e.Evaluate(cond, ctx))
}

func TestServiceTypeList(t *testing.T) {
	e := testEvaluator()
	ctx := baseContext()
	assert.True(t, e.Evaluate(types.Condition{Type: types.CondServiceType, Value: "capacity_test,inspection_test"}, ctx))
	assert.False(t, e.Evaluate(types.Condition{Type: types.CondServiceType, Value: "storage_check"}, ctx))
}

func TestCustomExpression(t *testing.T) {
	e := testEvaluator()
	ctx := baseContext()

	assert.True(t, e.Evaluate(types.Condition{Type: types.CondExpression, Value: "age_months >= 12"}, ctx))
	assert.False(t, e.Evaluate(types.Condition{Type: types.CondExpression, Value: "age_months < 12"}, ctx))
	assert.True(t, e.Evaluate(types.Condition{Type: types.CondExpression, Value: `part_number == "023220-000"`}, ctx))
	assert.True(t, e.Evaluate(types.Condition{Type: types.CondExpression, Value: `amendment != "B"`}, ctx))
}

func TestCustomExpressionRejectsOutsideGrammar(t *testing.T) {
	e := testEvaluator()
	ctx := baseContext()

	// 函数调用、复合表达式都不在白名单内
	assert.False(t, e.Evaluate(types.Condition{Type: types.CondExpression, Value: "len(part_number) > 3"}, ctx))
	assert.False(t, e.Evaluate(types.Condition{Type: types.CondExpression, Value: "age_months > 1 && age_months < 99"}, ctx))
}

func TestUnknownConditionTypeIsFalse(t *testing.T) {
	e := testEvaluator()
	assert.False(t, e.Evaluate(types.Condition{Type: "moon_phase"}, baseContext()))
}
