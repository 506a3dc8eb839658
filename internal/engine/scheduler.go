package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"remanufacturing-scheduler/internal/apply"
	"remanufacturing-scheduler/internal/event"
	"remanufacturing-scheduler/internal/fsm"
	"remanufacturing-scheduler/internal/invoker"
	"remanufacturing-scheduler/internal/metrics"
	"remanufacturing-scheduler/internal/payload"
	"remanufacturing-scheduler/internal/schedlog"
	"remanufacturing-scheduler/internal/types"
	"remanufacturing-scheduler/internal/web"
)

var (
	ErrUnknownFactory   = errors.New("engine: unknown factory")
	ErrDuplicateFactory = errors.New("engine: factory already registered")
)

// Deps 调度器依赖的组件
type Deps struct {
	Invoker        invoker.Invoker
	Recorder       *schedlog.Recorder
	Bus            *event.Bus
	Sink           apply.ReleaseSink
	Clock          clock.WithTicker
	DefaultTimeout time.Duration
	Tracker        *web.StateTracker
	Logger         *slog.Logger
}

// TickReport 一次调度周期的结果
type TickReport struct {
	FactoryID string      `json:"factoryId"`
	Tick      int64       `json:"tick"`
	StartedAt time.Time   `json:"startedAt"`
	Runs      []RunResult `json:"runs"`
}

// factoryRuntime 工厂在调度器中的运行时状态
type factoryRuntime struct {
	*Factory
	machines map[types.Stage]*fsm.Machine
	ticks    atomic.Int64
	running  sync.Mutex // 调度周期或清除日志期间持有
}

// Scheduler 按工厂的调度间隔周期性触发 PAP -> PIP -> PIPO
// 同一工厂的调度周期互不重叠；不同工厂的调度周期可以并发执行
type Scheduler struct {
	operators []*Operator
	deps      Deps
	group     singleflight.Group
	wg        sync.WaitGroup
	logger    *slog.Logger

	mu        sync.RWMutex
	factories map[string]*factoryRuntime
}

// NewScheduler 创建调度器，三个阶段的运行器按固定顺序排列
func NewScheduler(deps Deps) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.RealClock{}
	}
	if deps.DefaultTimeout <= 0 {
		deps.DefaultTimeout = invoker.DefaultTimeout
	}
	s := &Scheduler{
		deps:      deps,
		logger:    deps.Logger.With("component", "scheduler"),
		factories: make(map[string]*factoryRuntime),
	}
	for _, stage := range types.Stages {
		b, _ := payload.ForStage(stage)
		a, _ := apply.ForStage(stage)
		s.operators = append(s.operators, NewOperator(b, a, deps))
	}
	return s
}

// AddFactory 注册工厂
func (s *Scheduler) AddFactory(f *Factory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.factories[f.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFactory, f.ID)
	}
	rt := &factoryRuntime{Factory: f, machines: make(map[types.Stage]*fsm.Machine, len(types.Stages))}
	for _, stage := range types.Stages {
		rt.machines[stage] = fsm.New(f.ID, stage, s.onTransition)
	}
	s.factories[f.ID] = rt
	if s.deps.Tracker != nil {
		s.deps.Tracker.AddFactory(f.ID)
	}
	s.reportPools(f)
	s.logger.Info("注册工厂", "factory_id", f.ID, "interval_minutes", f.Config.SchedulingIntervalMinutes, "mode", f.Config.Mode)
	return nil
}

func (s *Scheduler) onTransition(t fsm.Transition) {
	if s.deps.Bus != nil {
		s.deps.Bus.Publish(event.Event{Type: event.StateChanged, FactoryID: t.FactoryID, Stage: t.Stage, State: string(t.To)})
	}
}

// Factory 返回已注册的工厂
func (s *Scheduler) Factory(id string) (*Factory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.factories[id]
	if !ok {
		return nil, false
	}
	return rt.Factory, true
}

// FactoryIDs 返回全部工厂 ID，按字典序排列
func (s *Scheduler) FactoryIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.factories))
	for id := range s.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StageState 返回 (工厂, 阶段) 状态机的当前状态
func (s *Scheduler) StageState(factoryID string, stage types.Stage) (fsm.State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rt, ok := s.factories[factoryID]
	if !ok {
		return "", false
	}
	m, ok := rt.machines[stage]
	if !ok {
		return "", false
	}
	return m.Current(), true
}

// Tick 为工厂执行一次调度周期
// 同一工厂已有调度周期在执行时，调用方等待并共享其结果，不会启动新的周期
func (s *Scheduler) Tick(ctx context.Context, factoryID string) (TickReport, error) {
	s.mu.RLock()
	rt, ok := s.factories[factoryID]
	s.mu.RUnlock()
	if !ok {
		return TickReport{}, fmt.Errorf("%w: %s", ErrUnknownFactory, factoryID)
	}

	v, err, _ := s.group.Do(factoryID, func() (interface{}, error) {
		return s.runTick(ctx, rt), nil
	})
	if err != nil {
		return TickReport{}, err
	}
	return v.(TickReport), nil
}

// runTick 按 PAP -> PIP -> PIPO 顺序运行三个阶段
// 某个阶段失败不影响后续阶段，失败阶段的订单在下一个周期重试
func (s *Scheduler) runTick(ctx context.Context, rt *factoryRuntime) TickReport {
	rt.running.Lock()
	defer rt.running.Unlock()

	report := TickReport{
		FactoryID: rt.ID,
		Tick:      rt.ticks.Add(1),
		StartedAt: s.deps.Clock.Now(),
	}
	for _, op := range s.operators {
		if ctx.Err() != nil {
			break
		}
		res := op.Run(ctx, rt.Factory, rt.machines[op.Stage()], report.Tick)
		report.Runs = append(report.Runs, res)
	}
	s.reportPools(rt.Factory)
	return report
}

// TickAll 并发地为所有工厂执行一次调度周期
func (s *Scheduler) TickAll(ctx context.Context) ([]TickReport, error) {
	ids := s.FactoryIDs()
	reports := make([]TickReport, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			r, err := s.Tick(gctx, id)
			if err != nil {
				return err
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

// Start 为每个工厂启动周期调度，ctx 取消后停止
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	runtimes := make([]*factoryRuntime, 0, len(s.factories))
	for _, rt := range s.factories {
		runtimes = append(runtimes, rt)
	}
	s.mu.RUnlock()

	for _, rt := range runtimes {
		interval := time.Duration(rt.Config.SchedulingIntervalMinutes * float64(time.Minute))
		if interval <= 0 {
			s.logger.Warn("调度间隔无效，工厂不参与周期调度", "factory_id", rt.ID)
			continue
		}
		s.wg.Add(1)
		go s.loop(ctx, rt.ID, interval)
	}
}

func (s *Scheduler) loop(ctx context.Context, factoryID string, interval time.Duration) {
	defer s.wg.Done()
	ticker := s.deps.Clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := s.Tick(ctx, factoryID); err != nil {
				s.logger.Error("调度周期失败", "factory_id", factoryID, "error", err)
			}
		}
	}
}

// WaitForCompletion 等待所有周期调度循环退出
// 用于优雅停机
func (s *Scheduler) WaitForCompletion() {
	s.wg.Wait()
}

func (s *Scheduler) reportPools(f *Factory) {
	metrics.StoreVersion.WithLabelValues(f.ID).Set(float64(f.Store.Version()))
	for _, stage := range types.Stages {
		n := f.Store.Len(stage)
		metrics.PoolSize.WithLabelValues(f.ID, string(stage)).Set(float64(n))
		if s.deps.Tracker != nil {
			s.deps.Tracker.UpdatePoolSize(f.ID, stage, n)
		}
	}
}

// RefreshPools 在订单池被外部修改后更新监控数据
func (s *Scheduler) RefreshPools(factoryID string) {
	if f, ok := s.Factory(factoryID); ok {
		s.reportPools(f)
	}
}

// ClearLogs 清除工厂的调度日志，并重置订单的优化位置
// 与该工厂的调度周期互斥
func (s *Scheduler) ClearLogs(ctx context.Context, factoryID string) (int, error) {
	s.mu.RLock()
	rt, ok := s.factories[factoryID]
	s.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownFactory, factoryID)
	}
	if s.deps.Recorder == nil {
		return 0, nil
	}
	rt.running.Lock()
	defer rt.running.Unlock()
	return s.deps.Recorder.ClearFactory(ctx, factoryID, rt.Store)
}
