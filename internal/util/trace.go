package util

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// contextKey 私有类型，避免 context key 冲突
type contextKey string

const (
	traceIDKey contextKey = "traceID"
	jobIDKey   contextKey = "jobID"
)

// NewTraceID 生成随机 Trace ID
// 一次作业从下发到出报告的全链路日志都携带它
func NewTraceID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// 随机数源不可用时返回固定串，避免日志字段缺失
		return "failed-to-generate-trace-id"
	}
	return hex.EncodeToString(bytes)
}

// ContextWithTraceID 将 Trace ID 注入 Context
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// TraceIDFromContext 从 Context 提取 Trace ID
func TraceIDFromContext(ctx context.Context) (string, bool) {
	traceID, ok := ctx.Value(traceIDKey).(string)
	return traceID, ok
}

// ContextWithJobID 将作业 ID 注入 Context
func ContextWithJobID(ctx context.Context, jobID string) context.Context {
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobIDFromContext 从 Context 提取作业 ID
func JobIDFromContext(ctx context.Context) (string, bool) {
	jobID, ok := ctx.Value(jobIDKey).(string)
	return jobID, ok
}
