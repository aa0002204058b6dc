package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"battery-test-bench/internal/api"
	"battery-test-bench/internal/condition"
	"battery-test-bench/internal/config"
	"battery-test-bench/internal/event"
	"battery-test-bench/internal/handlers"
	"battery-test-bench/internal/instrument"
	"battery-test-bench/internal/orchestrator"
	"battery-test-bench/internal/poller"
	"battery-test-bench/internal/procedure"
	"battery-test-bench/internal/report"
	"battery-test-bench/internal/store"
	"battery-test-bench/internal/tasks"
	"battery-test-bench/internal/tools"
	"battery-test-bench/internal/types"
	"battery-test-bench/internal/util"
	"battery-test-bench/internal/web"
)

// main 是应用程序的主入口
func main() {
	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	journal, err := store.OpenJournal(cfg.JournalPath)
	if err != nil {
		logger.Error("无法打开作业日志", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	st := store.New(journal)
	if err := st.Recover(); err != nil {
		logger.Warn("从作业日志恢复失败", "error", err)
	}

	eventBus := event.NewBus()

	// 2. 工位硬件：底座轮询器与每个工位的电源/负载
	stations := make([]types.StationID, 0, len(cfg.Stations))
	for _, sc := range cfg.Stations {
		stations = append(stations, types.StationID(sc.ID))
	}
	// TODO: 实现 I2C 网关后端后按 cfg.DockAddr 切换
	backend := poller.NewSimBackend(stations)
	logger.Warn("底座 I2C 网关后端尚未接入，使用模拟后端", "dock_addr", cfg.DockAddr)
	p := poller.New(backend, stations,
		time.Duration(cfg.PollIntervalMs)*time.Millisecond, eventBus, logger)

	scpiTimeout := time.Duration(cfg.ScpiTimeoutMs) * time.Millisecond
	hardware := make(map[types.StationID]orchestrator.Hardware, len(cfg.Stations))
	for _, sc := range cfg.Stations {
		hardware[types.StationID(sc.ID)] = orchestrator.Hardware{
			PSU:  instrument.NewPSU(sc.PSUAddr, scpiTimeout, logger),
			Load: instrument.NewLoad(sc.LoadAddr, scpiTimeout, logger),
		}
	}

	// 3. 前端推送与事件处理器
	hub := web.NewHub(nil)
	go hub.Run()
	stateTracker := web.NewStateTracker(hub)
	handlers.RegisterEventHandlers(eventBus, stateTracker, p, logger)

	// 4. 业务组件
	clock := util.RealClock{}
	evaluator := condition.NewEvaluator(logger)
	resolver := procedure.NewResolver(st, evaluator, logger)
	factory := tasks.NewFactory(logger)
	orch := orchestrator.New(st, hardware, p, eventBus, clock,
		time.Duration(cfg.ManualTimeoutMin)*time.Minute, logger)
	scheduler := orchestrator.NewScheduler(orch, logger)
	validator := tools.NewValidator(st, clock, logger)
	reports := report.NewBuilder(st, clock, logger)

	server := api.NewServer(st, resolver, factory, orch, scheduler, p,
		reports, validator, hub, stateTracker, logger)

	logger.Info("=== 电池测试台服务启动 ===",
		"stations", len(stations), "listen", cfg.ListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go p.Run(ctx)
	go scheduler.Start(ctx)
	go startHTTPServer(cfg.ListenAddr, server, logger)

	// 5. 优雅停机
	waitForShutdown(logger, cancel, scheduler)
}

// startHTTPServer 启动 API 和前端服务器
func startHTTPServer(addr string, server *api.Server, logger *slog.Logger) {
	if err := http.ListenAndServe(addr, server.Router()); err != nil {
		logger.Error("API 服务器启动失败", "error", err)
	}
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, scheduler *orchestrator.Scheduler) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")
	cancel()
	scheduler.WaitForCompletion()
	logger.Info("全部作业已收尾，系统安全退出")
}
