package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// JobsInQueue 仪表盘：优先级队列中等待工位的作业数
	JobsInQueue = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bench_jobs_in_queue",
		Help: "The number of jobs currently waiting for a free station",
	})

	// JobsProcessedTotal 计数器：作业完成总数
	// 按整体判定 (pass/fail/incomplete) 与服务类型分类
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bench_jobs_processed_total",
		Help: "The total number of finished jobs",
	}, []string{"result", "service_type"})

	// TasksInProgress 仪表盘：正在执行的任务数
	TasksInProgress = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bench_tasks_in_progress",
		Help: "The number of tasks currently executing",
	})

	// SafetyAbortsTotal 计数器：安全监控触发的中止次数
	SafetyAbortsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bench_safety_aborts_total",
		Help: "The total number of safety-triggered aborts",
	})

	// SamplesCollectedTotal 计数器：自动化测试采集的数据点总数
	SamplesCollectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bench_samples_collected_total",
		Help: "The total number of measurement samples collected",
	})

	// PhaseDuration 直方图：各测试阶段耗时分布
	// 充放电阶段动辄数小时，桶按分钟级铺开
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bench_phase_duration_seconds",
		Help:    "Time spent in each test phase",
		Buckets: []float64{60, 300, 900, 1800, 3600, 7200, 14400, 28800, 57600, 86400},
	}, []string{"phase"})

	// StationOnline 仪表盘：工位底座在线状态 (1 在线 / 0 离线)
	StationOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bench_station_online",
		Help: "Whether the station dock module is reachable",
	}, []string{"station_id"})
)
