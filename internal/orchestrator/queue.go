package orchestrator

import (
	"battery-test-bench/internal/types"
)

// queueItem 优先级队列中的元素，包装待执行的作业
type queueItem struct {
	Job   *types.WorkJob
	seq   int // 入队序号，同优先级按先来后到
	index int // 堆中索引
}

// jobQueue 基于最大堆的优先级队列：优先级高的作业先占用空闲工位
type jobQueue []*queueItem

func (q jobQueue) Len() int { return len(q) }

// Less 最大堆：优先级数值大的在前，相同优先级按入队顺序
func (q jobQueue) Less(i, j int) bool {
	if q[i].Job.Priority != q[j].Job.Priority {
		return q[i].Job.Priority > q[j].Job.Priority
	}
	return q[i].seq < q[j].seq
}

func (q jobQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *jobQueue) Push(x interface{}) {
	n := len(*q)
	item := x.(*queueItem)
	item.index = n
	*q = append(*q, item)
}

func (q *jobQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // 避免内存泄漏
	item.index = -1
	*q = old[0 : n-1]
	return item
}
