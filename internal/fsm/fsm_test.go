package fsm

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"battery-test-bench/internal/types"
)

func TestJobLifecycleTransitions(t *testing.T) {
	assert.True(t, JobTransitionAllowed(types.JobPending, types.JobInProgress))
	assert.True(t, JobTransitionAllowed(types.JobInProgress, types.JobCompleted))
	assert.True(t, JobTransitionAllowed(types.JobInProgress, types.JobFailed))

	// 终态只写一次，后续任何转移都被拒绝
	assert.False(t, JobTransitionAllowed(types.JobCompleted, types.JobFailed))
	assert.False(t, JobTransitionAllowed(types.JobAborted, types.JobInProgress))

	// pending 不能跳过 in_progress 直接结束
	assert.False(t, JobTransitionAllowed(types.JobPending, types.JobCompleted))
}

func TestJobAbortFromAnyNonTerminal(t *testing.T) {
	assert.True(t, JobTransitionAllowed(types.JobPending, types.JobAborted))
	assert.True(t, JobTransitionAllowed(types.JobInProgress, types.JobAborted))
	assert.False(t, JobTransitionAllowed(types.JobCompleted, types.JobAborted))
}

func TestTaskAwaitingInputRoundTrip(t *testing.T) {
	assert.True(t, TaskTransitionAllowed(types.TaskPending, types.TaskInProgress))
	assert.True(t, TaskTransitionAllowed(types.TaskInProgress, types.TaskAwaitingInput))
	assert.True(t, TaskTransitionAllowed(types.TaskAwaitingInput, types.TaskInProgress))
	assert.True(t, TaskTransitionAllowed(types.TaskAwaitingInput, types.TaskCompleted))
}

func TestTaskRejectsIllegalJumps(t *testing.T) {
	// pending 不能直接到 completed / awaiting_input
	assert.False(t, TaskTransitionAllowed(types.TaskPending, types.TaskCompleted))
	assert.False(t, TaskTransitionAllowed(types.TaskPending, types.TaskAwaitingInput))

	// skipped 是 pending 的合法终态，之后不可再转移
	assert.True(t, TaskTransitionAllowed(types.TaskPending, types.TaskSkipped))
	assert.False(t, TaskTransitionAllowed(types.TaskSkipped, types.TaskInProgress))
	assert.False(t, TaskTransitionAllowed(types.TaskCompleted, types.TaskFailed))
}
