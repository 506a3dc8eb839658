package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"k8s.io/utils/clock"

	"remanufacturing-scheduler/internal/apply"
	"remanufacturing-scheduler/internal/config"
	"remanufacturing-scheduler/internal/engine"
	"remanufacturing-scheduler/internal/event"
	"remanufacturing-scheduler/internal/handlers"
	"remanufacturing-scheduler/internal/invoker"
	"remanufacturing-scheduler/internal/lifecycle"
	"remanufacturing-scheduler/internal/persistence"
	"remanufacturing-scheduler/internal/pool"
	"remanufacturing-scheduler/internal/schedlog"
	"remanufacturing-scheduler/internal/server"
	"remanufacturing-scheduler/internal/web"
)

// main 是调度服务的主入口
func main() {
	cfg, err := config.LoadConfig(os.Getenv("SCHED_CONFIG"))
	if err != nil {
		slog.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	// 1. 初始化核心组件
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 每次阶段运行一个 span，trace id 写入调度日志并透传给远程算法服务
	tracerProvider := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tracerProvider)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("关闭 tracer 失败", "error", err)
		}
	}()

	hub := web.NewHub(logger)
	go hub.Run(ctx.Done())
	stateTracker := web.NewStateTracker(hub)
	eventBus := event.NewBus()

	var closers []io.Closer

	logStore, err := openLogStore(ctx, cfg.LogStore, &closers)
	if err != nil {
		logger.Error("无法初始化调度日志存储", "driver", cfg.LogStore.Driver, "error", err)
		os.Exit(1)
	}
	recorder := schedlog.NewRecorder(logStore, logger)

	snapshots, err := openSnapshots(cfg.Snapshot, &closers)
	if err != nil {
		// 快照持久化失败时退化为纯内存运行
		logger.Warn("无法初始化快照存储，订单池只保存在内存中", "driver", cfg.Snapshot.Driver, "error", err)
		snapshots = nil
	}

	sink, err := openReleaseSink(cfg.ReleaseSink, eventBus, logger, &closers)
	if err != nil {
		logger.Error("无法初始化工序下发", "error", err)
		os.Exit(1)
	}

	// 2. 注册事件处理器
	handlers.RegisterEventHandlers(eventBus, stateTracker, logger)

	// 3. 初始化调度器
	scheduler := engine.NewScheduler(engine.Deps{
		Invoker:        invoker.NewRouter(logger, nil, nil, invoker.NewHTTP(logger, cfg.Invoker.Breaker)),
		Recorder:       recorder,
		Bus:            eventBus,
		Sink:           sink,
		Clock:          clock.RealClock{},
		DefaultTimeout: cfg.Invoker.DefaultTimeout,
		Tracker:        stateTracker,
		Logger:         logger,
	})

	// 4. 恢复订单池并注册工厂
	var stores []*pool.Store
	ids := make([]string, 0, len(cfg.Factories))
	for id := range cfg.Factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fc := cfg.Factories[id]
		store := restoreStore(ctx, id, snapshots, logger)
		stores = append(stores, store)
		if err := scheduler.AddFactory(&engine.Factory{ID: id, Store: store, Config: fc.Scheduling, Capacity: fc.Capacity}); err != nil {
			logger.Error("注册工厂失败", "factory_id", id, "error", err)
			os.Exit(1)
		}
	}

	logger.Info("=== 再制造调度服务启动 ===", "factories", len(ids))

	scheduler.Start(ctx)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      server.New(scheduler, recorder, hub, stateTracker, logger).Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 5 * time.Minute, // 手动触发的调度周期可能较久
	}
	go func() {
		logger.Info("API 服务器启动", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("API 服务器启动失败", "error", err)
		}
	}()

	// 5. 优雅停机
	waitForShutdown(logger, cancel, srv, scheduler, eventBus, stores, closers)
}

func openLogStore(ctx context.Context, c config.LogStoreConfig, closers *[]io.Closer) (schedlog.Store, error) {
	switch c.Driver {
	case config.DriverWAL:
		wal, err := persistence.NewWAL(c.Path)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, wal)
		return wal, nil
	case config.DriverSQLite:
		db, err := persistence.OpenSQLite(c.Path)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, db)
		return db, nil
	case config.DriverMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		m, err := persistence.ConnectMongo(connectCtx, c.MongoURI, c.MongoDatabase)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, closerFunc(func() error {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return m.Close(closeCtx)
		}))
		return m, nil
	}
	return schedlog.NewMemoryStore(), nil
}

func openSnapshots(c config.SnapshotConfig, closers *[]io.Closer) (pool.Persister, error) {
	switch c.Driver {
	case config.DriverFile:
		dir, err := persistence.NewSnapshotDir(c.Path)
		if err != nil {
			return nil, err
		}
		return dir, nil
	case config.DriverSQLite:
		db, err := persistence.OpenSQLite(c.Path)
		if err != nil {
			return nil, err
		}
		*closers = append(*closers, db)
		return db, nil
	}
	return persistence.NewMemorySnapshots(), nil
}

func openReleaseSink(c config.ReleaseSinkConfig, bus *event.Bus, logger *slog.Logger, closers *[]io.Closer) (apply.ReleaseSink, error) {
	if c.Driver == config.DriverKafka {
		k := lifecycle.NewKafkaSink(c.Brokers, c.Topic, logger)
		*closers = append(*closers, k)
		return k, nil
	}
	return lifecycle.NewBusSink(bus), nil
}

// restoreStore 创建工厂的订单池，存在快照时从快照恢复
func restoreStore(ctx context.Context, factoryID string, snapshots pool.Persister, logger *slog.Logger) *pool.Store {
	if snapshots == nil {
		return pool.NewStore(factoryID, logger)
	}
	store := pool.NewStore(factoryID, logger, pool.WithPersister(snapshots))
	snap, err := snapshots.Load(ctx, factoryID)
	switch {
	case err != nil:
		logger.Warn("读取订单池快照失败", "factory_id", factoryID, "error", err)
	case snap != nil:
		if err := store.Restore(*snap); err != nil {
			logger.Warn("从快照恢复订单池失败", "factory_id", factoryID, "error", err)
		} else {
			logger.Info("已从快照恢复订单池", "factory_id", factoryID, "version", snap.Version)
		}
	}
	return store
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, srv *http.Server, scheduler *engine.Scheduler, bus *event.Bus, stores []*pool.Store, closers []io.Closer) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")

	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("API 服务器关闭失败", "error", err)
	}
	cancel()
	scheduler.WaitForCompletion()
	bus.Wait()
	// 订单池关闭时写出最后一次快照，之后才能关闭底层存储
	for _, s := range stores {
		s.Close()
	}
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn("关闭存储失败", "error", err)
		}
	}
	logger.Info("调度服务已安全退出。")
}
