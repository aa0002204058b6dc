// Package fsm 定义作业与任务的状态转移表
// store 在每次状态写入前经由转移表校验，终态只进不出
package fsm

import (
	"battery-test-bench/internal/types"
)

// jobTransitions 作业状态转移表: 当前状态 -> 允许的下一状态集合
// 终态之间不允许互相转移，abort 对任何非终态可用
var jobTransitions = map[types.JobStatus][]types.JobStatus{
	types.JobPending:    {types.JobInProgress, types.JobAborted},
	types.JobInProgress: {types.JobCompleted, types.JobFailed, types.JobAborted},
}

// taskTransitions 任务状态转移表
// awaiting_input 与 in_progress 可以互相往返 (人工任务轮询等待)
var taskTransitions = map[types.TaskStatus][]types.TaskStatus{
	types.TaskPending: {
		types.TaskInProgress, types.TaskSkipped, types.TaskAborted,
	},
	types.TaskInProgress: {
		types.TaskAwaitingInput, types.TaskCompleted, types.TaskFailed, types.TaskAborted,
	},
	types.TaskAwaitingInput: {
		types.TaskInProgress, types.TaskCompleted, types.TaskFailed, types.TaskAborted,
	},
}

// JobTransitionAllowed 判断作业状态转移是否合法
func JobTransitionAllowed(from, to types.JobStatus) bool {
	for _, next := range jobTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TaskTransitionAllowed 判断任务状态转移是否合法
func TaskTransitionAllowed(from, to types.TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
