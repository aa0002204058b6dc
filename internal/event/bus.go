package event

import (
	"sync"

	"battery-test-bench/internal/types"
)

// EventType 定义事件的类型
type EventType string

// 业务事件类型
const (
	JobStarted        EventType = "JobStarted"        // 作业开始执行
	JobCompleted      EventType = "JobCompleted"      // 作业正常结束 (含判定)
	JobAborted        EventType = "JobAborted"        // 作业被中止
	TaskProgress      EventType = "TaskProgress"      // 任务状态/进度变化
	TaskAwaitingInput EventType = "TaskAwaitingInput" // 任务等待技师录入
	SafetyAbort       EventType = "SafetyAbort"       // 安全监控触发中止
	PhaseChanged      EventType = "PhaseChanged"      // 工位阶段切换
	StationUpdated    EventType = "StationUpdated"    // 工位硬件快照更新
)

// Event 事件数据负载，按事件类型填充相关字段
type Event struct {
	Type    EventType
	JobID   string
	Job     *types.WorkJob
	TaskID  string
	Task    *types.JobTask
	Station types.StationID
	Phase   string // 工位当前阶段 (仅 PhaseChanged)
	Reason  string // 中止原因 (仅 SafetyAbort/JobAborted)
	Err     error
}

// Handler 事件处理函数签名
type Handler func(e Event)

// Bus 内存事件总线
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewBus 创建事件总线
func NewBus() *Bus {
	return &Bus{handlers: make(map[EventType][]Handler)}
}

// Subscribe 订阅指定类型的事件
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布事件，处理器异步执行
// 单个处理器阻塞不影响其他处理器，也不阻塞发布方
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		for _, handler := range handlers {
			go handler(e)
		}
	}
}
