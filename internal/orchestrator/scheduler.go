package orchestrator

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"

	"battery-test-bench/internal/metrics"
	"battery-test-bench/internal/types"
)

// Scheduler 作业调度器：优先级队列 + 工位互斥
// 同一工位同时只跑一个作业，高优先级工单先占用空闲工位
type Scheduler struct {
	orch   *Orchestrator
	logger *slog.Logger

	mu   sync.Mutex
	cond *sync.Cond
	pq   jobQueue
	seq  int
	busy map[types.StationID]bool
	held map[types.StationID][]*types.WorkJob // 等待工位释放的作业
	wg   sync.WaitGroup
}

// NewScheduler 创建调度器
func NewScheduler(orch *Orchestrator, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		orch:   orch,
		logger: logger.With("component", "scheduler"),
		pq:     make(jobQueue, 0),
		busy:   make(map[types.StationID]bool),
		held:   make(map[types.StationID][]*types.WorkJob),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Submit 将作业放入队列并唤醒调度循环
func (s *Scheduler) Submit(job *types.WorkJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	heap.Push(&s.pq, &queueItem{Job: job, seq: s.seq})
	metrics.JobsInQueue.Inc()
	s.logger.Info("作业入队",
		"job_id", job.ID,
		"station_id", int(job.Station),
		"priority", job.Priority)
	s.cond.Signal()
}

// Start 调度主循环，阻塞直到 ctx 取消
func (s *Scheduler) Start(ctx context.Context) {
	// 取消时唤醒等待中的循环使其退出
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	for {
		s.mu.Lock()
		for s.pq.Len() == 0 {
			if ctx.Err() != nil {
				s.mu.Unlock()
				return
			}
			s.cond.Wait()
		}
		if ctx.Err() != nil {
			s.mu.Unlock()
			return
		}

		item := heap.Pop(&s.pq).(*queueItem)
		job := item.Job
		if s.busy[job.Station] {
			// 工位被占用，挂起等待释放
			s.held[job.Station] = append(s.held[job.Station], job)
			s.mu.Unlock()
			continue
		}
		s.busy[job.Station] = true
		metrics.JobsInQueue.Dec()
		s.mu.Unlock()

		s.wg.Add(1)
		go func(job *types.WorkJob) {
			defer s.wg.Done()
			if err := s.orch.RunJobBlocking(ctx, job.ID); err != nil && ctx.Err() == nil {
				s.logger.Error("作业执行出错", "job_id", job.ID, "error", err)
			}
			s.release(job.Station)
		}(job)
	}
}

// release 释放工位，把挂起的作业重新入队
func (s *Scheduler) release(station types.StationID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy[station] = false
	for _, job := range s.held[station] {
		s.seq++
		heap.Push(&s.pq, &queueItem{Job: job, seq: s.seq})
	}
	s.held[station] = nil
	s.cond.Signal()
}

// WaitForCompletion 等待所有已派发的作业结束，优雅停机用
func (s *Scheduler) WaitForCompletion() {
	s.wg.Wait()
}
