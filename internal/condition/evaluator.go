// Package condition 实现数据驱动的适用性条件判定
// 判定绝不向上抛错：未知类型、解析失败一律记警告并返回 false
package condition

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/antonmedv/expr"

	"battery-test-bench/internal/types"
)

// Context 判定上下文，键名与档案/工单约定一致：
// feature_flags(map[string]bool), amendment, age_months,
// months_since_service, service_type, part_number
type Context map[string]interface{}

// Evaluator 条件判定器
type Evaluator struct {
	logger *slog.Logger
}

func NewEvaluator(logger *slog.Logger) *Evaluator {
	return &Evaluator{logger: logger.With("component", "condition")}
}

// exprGrammar 限定 custom_expression 只允许「字段 比较符 字面量」
// 超出该文法的表达式在编译之前就被拒绝
var exprGrammar = regexp.MustCompile(`^\s*([A-Za-z_]\w*)\s*(>=|<=|==|!=|>|<)\s*(\S+)\s*$`)

// Evaluate 判定条件在给定上下文下是否满足
func (e *Evaluator) Evaluate(cond types.Condition, ctx Context) bool {
	switch cond.Type {
	case types.CondAlways, "":
		return true
	case types.CondFeatureFlag:
		return e.evalFeatureFlag(cond, ctx)
	case types.CondAmendment:
		return e.evalAmendment(cond, ctx)
	case types.CondAgeThreshold:
		return e.evalAgeThreshold(cond, ctx)
	case types.CondServiceType:
		return e.evalServiceType(cond, ctx)
	case types.CondExpression:
		return e.evalExpression(cond, ctx)
	default:
		e.logger.Warn("未知的条件类型，按不满足处理", "type", cond.Type)
		return false
	}
}

func (e *Evaluator) evalFeatureFlag(cond types.Condition, ctx Context) bool {
	flags, ok := ctx["feature_flags"].(map[string]bool)
	if !ok {
		return false
	}
	return flags[cond.Key]
}

// evalAmendment 修订号匹配：值为逗号分隔列表，不区分大小写
func (e *Evaluator) evalAmendment(cond types.Condition, ctx Context) bool {
	amendment, _ := ctx["amendment"].(string)
	if amendment == "" {
		return false
	}
	for _, want := range strings.Split(cond.Value, ",") {
		if strings.EqualFold(strings.TrimSpace(want), amendment) {
			return true
		}
	}
	return false
}

// evalAgeThreshold 年龄阈值：>= 含边界
// Key 指定上下文字段 (缺省 age_months)；Value 非数值时视为上下文键引用
func (e *Evaluator) evalAgeThreshold(cond types.Condition, ctx Context) bool {
	key := cond.Key
	if key == "" {
		key = "age_months"
	}
	actual, ok := numericField(ctx, key)
	if !ok {
		e.logger.Warn("年龄阈值条件缺少上下文字段", "key", key)
		return false
	}

	threshold, err := strconv.ParseFloat(cond.Value, 64)
	if err != nil {
		// 阈值本身也可以是上下文键的引用 (如 recondition_threshold_months)
		threshold, ok = numericField(ctx, cond.Value)
		if !ok {
			e.logger.Warn("年龄阈值无法解析", "value", cond.Value)
			return false
		}
	}
	return actual >= threshold
}

func (e *Evaluator) evalServiceType(cond types.Condition, ctx Context) bool {
	svc, _ := ctx["service_type"].(string)
	if svc == "" {
		if st, ok := ctx["service_type"].(types.ServiceType); ok {
			svc = string(st)
		}
	}
	if svc == "" {
		return false
	}
	svc = strings.ToLower(svc)
	for _, want := range strings.Split(cond.Value, ",") {
		if strings.ToLower(strings.TrimSpace(want)) == svc {
			return true
		}
	}
	return false
}

// evalExpression 受限表达式判定：先用文法白名单校验，再交给 expr 执行
func (e *Evaluator) evalExpression(cond types.Condition, ctx Context) bool {
	m := exprGrammar.FindStringSubmatch(cond.Value)
	if m == nil {
		e.logger.Warn("表达式超出允许文法，按不满足处理", "expr", cond.Value)
		return false
	}
	field, op, literal := m[1], m[2], m[3]

	left, leftOK := numericField(ctx, field)
	right, err := strconv.ParseFloat(literal, 64)

	// 两侧均为数值时做数值比较
	if leftOK && err == nil {
		switch op {
		case ">=":
			return left >= right
		case "<=":
			return left <= right
		case ">":
			return left > right
		case "<":
			return left < right
		case "==":
			return left == right
		case "!=":
			return left != right
		}
	}

	// 退化为字符串比较，仅允许 == 与 !=
	if op == "==" || op == "!=" {
		actual := fmt.Sprintf("%v", ctx[field])
		want := strings.Trim(literal, `"'`)
		if op == "==" {
			return actual == want
		}
		return actual != want
	}

	// 字段缺失或类型不匹配时走 expr，保持与文法一致的环境
	program, err := expr.Compile(cond.Value, expr.Env(map[string]interface{}(ctx)))
	if err != nil {
		e.logger.Warn("表达式编译失败，按不满足处理", "expr", cond.Value, "error", err)
		return false
	}
	result, err := expr.Run(program, map[string]interface{}(ctx))
	if err != nil {
		e.logger.Warn("表达式执行失败，按不满足处理", "expr", cond.Value, "error", err)
		return false
	}
	b, ok := result.(bool)
	if !ok {
		e.logger.Warn("表达式结果不是布尔值", "expr", cond.Value)
		return false
	}
	return b
}

// numericField 从上下文取数值字段，兼容常见数值类型
func numericField(ctx Context, key string) (float64, bool) {
	switch v := ctx[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint16:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
