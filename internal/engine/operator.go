package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/utils/clock"

	"remanufacturing-scheduler/internal/algorithm"
	"remanufacturing-scheduler/internal/apply"
	"remanufacturing-scheduler/internal/contract"
	"remanufacturing-scheduler/internal/event"
	"remanufacturing-scheduler/internal/fsm"
	"remanufacturing-scheduler/internal/invoker"
	"remanufacturing-scheduler/internal/payload"
	"remanufacturing-scheduler/internal/pool"
	"remanufacturing-scheduler/internal/rules"
	"remanufacturing-scheduler/internal/schedlog"
	"remanufacturing-scheduler/internal/types"
	"remanufacturing-scheduler/internal/util"
)

// maxDiagnostics 写入日志的诊断输出上限
const maxDiagnostics = 64 << 10

// 除 invoker.ErrorKind 外的失败类型
const (
	FailRule       = "rule"
	FailPayload    = "payload"
	FailValidation = "validation"
	FailRelease    = "release"
)

// Factory 是一个工厂的调度上下文
type Factory struct {
	ID       string
	Store    *pool.Store
	Config   types.SchedulingConfig
	Capacity types.FactoryCapacity
}

// InputSummary 请求摘要
type InputSummary struct {
	OrderCount   int      `json:"orderCount"`
	OrderIDs     []string `json:"orderIds"`
	Now          float64  `json:"now"`
	AnchorMs     float64  `json:"anchorMs"`
	PayloadBytes int      `json:"payloadBytes"`
}

// RunDetails 是调度日志 details 字段的内容
type RunDetails struct {
	RunID          string         `json:"runId"`
	TraceID        string         `json:"traceId,omitempty"`
	Tick           int64          `json:"tick"`
	Algorithm      string         `json:"algorithm"`
	Input          InputSummary   `json:"input"`
	Invocation     *invoker.Meta  `json:"invocation,omitempty"`
	DurationMs     int64          `json:"durationMs"`
	VersionBefore  int64          `json:"versionBefore"`
	VersionAfter   int64          `json:"versionAfter"`
	Outcome        *apply.Outcome `json:"outcome,omitempty"`
	OptimizedOrder []string       `json:"optimizedOrder,omitempty"`
	Diagnostics    string         `json:"diagnostics,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorKind      string         `json:"errorKind,omitempty"`
}

// RunResult 一次阶段运行的结果
type RunResult struct {
	Stage     types.Stage               `json:"stage"`
	Skipped   bool                      `json:"skipped"`
	Reason    string                    `json:"reason,omitempty"`
	Status    types.RunStatus           `json:"status,omitempty"`
	ErrorKind string                    `json:"errorKind,omitempty"`
	Entry     *types.SchedulingLogEntry `json:"entry,omitempty"`
	Outcome   *apply.Outcome            `json:"outcome,omitempty"`
	Err       error                     `json:"-"`
}

// Operator 是一个阶段的通用运行流程：构建请求 -> 调用算法 -> 校验并应用结果 -> 记录日志
// 各阶段的差异全部由 Builder 与 Applier 提供
type Operator struct {
	stage          types.Stage
	builder        payload.Builder
	applier        apply.Applier
	invoker        invoker.Invoker
	recorder       *schedlog.Recorder
	bus            *event.Bus
	sink           apply.ReleaseSink
	clock          clock.PassiveClock
	defaultTimeout time.Duration
	tracer         trace.Tracer
	logger         *slog.Logger
}

// NewOperator 创建阶段运行器
func NewOperator(builder payload.Builder, applier apply.Applier, deps Deps) *Operator {
	return &Operator{
		stage:          builder.Stage(),
		builder:        builder,
		applier:        applier,
		invoker:        deps.Invoker,
		recorder:       deps.Recorder,
		bus:            deps.Bus,
		sink:           deps.Sink,
		clock:          deps.Clock,
		defaultTimeout: deps.DefaultTimeout,
		tracer:         otel.Tracer("remanufacturing-scheduler/engine"),
		logger:         deps.Logger.With("component", "stage_operator", "stage", builder.Stage()),
	}
}

// Stage 返回运行器负责的阶段
func (o *Operator) Stage() types.Stage { return o.stage }

func (o *Operator) publish(e event.Event) {
	if o.bus != nil {
		o.bus.Publish(e)
	}
}

// Run 执行一次阶段运行
// 订单池为空或门控规则不满足时跳过，不写日志；其余情况无论成败都写一条日志
func (o *Operator) Run(ctx context.Context, f *Factory, machine *fsm.Machine, tick int64) RunResult {
	now := o.clock.Now()
	snapshot := f.Store.Snapshot(o.stage)
	if len(snapshot) == 0 {
		return RunResult{Stage: o.stage, Skipped: true, Reason: "empty pool"}
	}
	stageRules := f.Config.Rules[o.stage]
	if gate := stageRules.Gate; gate != "" {
		ok, err := rules.Evaluate(gate, rules.GateEnv(len(snapshot), now, f.Config.BatchPolicy, tick))
		if err != nil {
			o.logger.Error("规则引擎评估失败", "factory_id", f.ID, "rule", gate, "error", err)
			return o.fail(ctx, f, machine, runState{tick: tick, start: now, snapshot: snapshot, version: f.Store.Version()}, FailRule, err)
		}
		if !ok {
			o.publish(event.Event{Type: event.StageSkipped, FactoryID: f.ID, Stage: o.stage})
			return RunResult{Stage: o.stage, Skipped: true, Reason: "gate rule"}
		}
	}

	rs := runState{
		runID:    uuid.NewString(),
		tick:     tick,
		start:    now,
		snapshot: snapshot,
		version:  f.Store.Version(),
	}
	ctx, span := o.tracer.Start(ctx, "stage."+string(o.stage), trace.WithAttributes(
		attribute.String("factory.id", f.ID),
		attribute.String("run.id", rs.runID),
		attribute.Int("orders", len(snapshot)),
	))
	defer span.End()
	ctx = util.ContextWithTraceID(ctx, util.NewTraceID())
	rs.traceID, _ = util.TraceIDFromContext(ctx)
	rs.span = span

	logger := o.logger.With("factory_id", f.ID, "run_id", rs.runID, "trace_id", rs.traceID)
	logger.Info("阶段开始运行", "orders", len(snapshot), "tick", tick)
	o.publish(event.Event{Type: event.StageStarted, FactoryID: f.ID, Stage: o.stage, RunID: rs.runID})

	// 构建请求
	if err := machine.Fire(ctx, fsm.EventBuild); err != nil {
		return o.fail(ctx, f, machine, rs, FailPayload, err)
	}
	rs.anchorMs = timeAnchor(f.Store, now)
	rs.now = payload.ClockAt(rs.anchorMs).At(now)
	req, err := o.builder.Build(payload.Input{Records: snapshot, Config: f.Config, Capacity: f.Capacity, Now: now, AnchorMs: rs.anchorMs})
	if err != nil {
		return o.fail(ctx, f, machine, rs, FailPayload, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		return o.fail(ctx, f, machine, rs, FailPayload, err)
	}
	rs.payloadBytes = len(body)

	// 调用算法
	if err := machine.Fire(ctx, fsm.EventInvoke); err != nil {
		return o.fail(ctx, f, machine, rs, FailPayload, err)
	}
	timeout := o.defaultTimeout
	if f.Config.TimeoutSeconds > 0 {
		timeout = time.Duration(f.Config.TimeoutSeconds * float64(time.Second))
	}
	rs.algorithm = algorithmRef(f.Config, o.stage)
	inv, err := o.invoker.Invoke(ctx, invoker.Request{Stage: o.stage, Ref: rs.algorithm, Payload: body, Timeout: timeout})
	rs.inv = inv
	if err != nil {
		kind := string(invoker.KindTransport)
		var ierr *invoker.Error
		if errors.As(err, &ierr) {
			kind = string(ierr.Kind)
		}
		return o.fail(ctx, f, machine, rs, kind, err)
	}

	// 校验并应用
	if err := machine.Fire(ctx, fsm.EventApply); err != nil {
		return o.fail(ctx, f, machine, rs, FailValidation, err)
	}
	result, err := contract.DecodeResult(o.stage, inv.Result)
	if err != nil {
		return o.fail(ctx, f, machine, rs, FailValidation, err)
	}
	env := apply.Env{
		FactoryID:   f.ID,
		Now:         rs.now,
		AnchorMs:    rs.anchorMs,
		Policy:      f.Config.BatchPolicy,
		ReleaseRule: stageRules.Release,
		Sink:        o.sink,
		Logger:      logger,
	}
	outcome, err := o.applier.Apply(ctx, f.Store, snapshot, result, env)
	if err != nil {
		kind := FailValidation
		if !errors.Is(err, apply.ErrValidation) {
			kind = FailRelease
		}
		return o.fail(ctx, f, machine, rs, kind, err)
	}
	if err := machine.Fire(ctx, fsm.EventFinish); err != nil {
		logger.Warn("状态机转移失败", "error", err)
	}

	details := o.details(f, rs)
	details.Outcome = &outcome
	details.OptimizedOrder = outcome.OptimizedOrder
	entry, err := o.record(ctx, f, types.RunSuccess, details)
	if err != nil {
		logger.Error("写入调度日志失败", "error", err)
	}

	duration := o.clock.Since(rs.start)
	if len(outcome.Released) > 0 {
		o.publish(event.Event{Type: event.OrdersReleased, FactoryID: f.ID, Stage: o.stage, RunID: rs.runID, Orders: outcome.Released})
	}
	if len(outcome.Removed) > 0 {
		o.publish(event.Event{Type: event.OrdersCompleted, FactoryID: f.ID, Stage: o.stage, RunID: rs.runID, Orders: outcome.Removed})
	}
	o.publish(event.Event{Type: event.StageSucceeded, FactoryID: f.ID, Stage: o.stage, RunID: rs.runID, Duration: duration})
	span.SetAttributes(attribute.Int("released", len(outcome.Released)+len(outcome.Removed)))
	logger.Info("阶段运行成功", "updated", len(outcome.Updated), "released", len(outcome.Released), "removed", len(outcome.Removed), "duration", duration)

	return RunResult{Stage: o.stage, Status: types.RunSuccess, Entry: entry, Outcome: &outcome}
}

// timeAnchor 返回工厂固定的时间零点
// 第一次运行时取三个阶段中最早的 createdAt，之后各阶段共用同一零点
func timeAnchor(store *pool.Store, now time.Time) float64 {
	if anchor := store.TimeAnchorMs(); anchor != 0 {
		return anchor
	}
	var all []types.PoolRecord
	for _, recs := range store.FullSnapshot().Pools {
		for _, rec := range recs {
			all = append(all, rec)
		}
	}
	return store.PinTimeAnchor(payload.NewClock(all, now).AnchorMs())
}

// runState 一次运行过程中收集的信息
type runState struct {
	runID        string
	traceID      string
	tick         int64
	start        time.Time
	snapshot     []types.PoolRecord
	version      int64
	now          float64
	anchorMs     float64
	payloadBytes int
	algorithm    string
	inv          *invoker.Invocation
	span         trace.Span
}

func (o *Operator) details(f *Factory, rs runState) RunDetails {
	ids := make([]string, len(rs.snapshot))
	for i := range rs.snapshot {
		ids[i] = rs.snapshot[i].OrderID
	}
	d := RunDetails{
		RunID:     rs.runID,
		TraceID:   rs.traceID,
		Tick:      rs.tick,
		Algorithm: rs.algorithm,
		Input: InputSummary{
			OrderCount:   len(ids),
			OrderIDs:     ids,
			Now:          rs.now,
			AnchorMs:     rs.anchorMs,
			PayloadBytes: rs.payloadBytes,
		},
		DurationMs:    o.clock.Since(rs.start).Milliseconds(),
		VersionBefore: rs.version,
		VersionAfter:  f.Store.Version(),
	}
	if rs.inv != nil {
		meta := rs.inv.Meta
		d.Invocation = &meta
		d.Diagnostics = truncate(rs.inv.Diagnostics, maxDiagnostics)
	}
	return d
}

// fail 记录失败的运行；此时订单池没有被修改
func (o *Operator) fail(ctx context.Context, f *Factory, machine *fsm.Machine, rs runState, kind string, cause error) RunResult {
	if rs.runID == "" {
		rs.runID = uuid.NewString()
	}
	if machine.Current() != fsm.StateIdle {
		if err := machine.Fire(ctx, fsm.EventFail); err != nil {
			o.logger.Warn("状态机转移失败", "error", err)
		}
	}
	if rs.span != nil {
		rs.span.RecordError(cause)
		rs.span.SetStatus(codes.Error, kind)
	}

	details := o.details(f, rs)
	details.Error = cause.Error()
	details.ErrorKind = kind
	entry, err := o.record(ctx, f, types.RunFailed, details)
	if err != nil {
		o.logger.Error("写入调度日志失败", "factory_id", f.ID, "error", err)
	}

	o.publish(event.Event{
		Type:      event.StageFailed,
		FactoryID: f.ID,
		Stage:     o.stage,
		RunID:     rs.runID,
		Duration:  o.clock.Since(rs.start),
		Error:     cause,
		ErrorKind: kind,
	})
	if machine.Current() == fsm.StateFailed {
		if err := machine.Fire(ctx, fsm.EventReset); err != nil {
			o.logger.Warn("状态机转移失败", "error", err)
		}
	}
	return RunResult{Stage: o.stage, Status: types.RunFailed, ErrorKind: kind, Entry: entry, Err: cause}
}

func (o *Operator) record(ctx context.Context, f *Factory, status types.RunStatus, details RunDetails) (*types.SchedulingLogEntry, error) {
	if o.recorder == nil {
		return nil, nil
	}
	mode := types.LogModeSummary
	if f.Config.Mode == types.ModeIntegrated {
		mode = types.LogModeIntegrated
	}
	// 日志写入不受本次运行的取消影响
	entry, err := o.recorder.Record(context.WithoutCancel(ctx), f.ID, o.stage, mode, status, details)
	if err != nil {
		return nil, fmt.Errorf("record %s run: %w", o.stage, err)
	}
	return &entry, nil
}

// algorithmRef FCFS 模式固定使用内置的先到先服务算法
func algorithmRef(cfg types.SchedulingConfig, stage types.Stage) string {
	if cfg.Mode == types.ModeFCFS {
		return "builtin:" + algorithm.DefaultName
	}
	return cfg.Algorithms.For(stage)
}

// truncate 保留末尾 n 个字节
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
