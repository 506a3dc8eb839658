package handlers

import (
	"log/slog"

	"remanufacturing-scheduler/internal/event"
	"remanufacturing-scheduler/internal/metrics"
	"remanufacturing-scheduler/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到事件总线
// 监控指标、界面状态与审计日志分别订阅调度事件
func RegisterEventHandlers(bus *event.Bus, st *web.StateTracker, logger *slog.Logger) {
	// --- 指标处理器 ---
	bus.Subscribe(event.StageSucceeded, func(e event.Event) {
		metrics.StageRunsTotal.WithLabelValues(e.FactoryID, string(e.Stage), "success").Inc()
		metrics.StageDuration.WithLabelValues(string(e.Stage)).Observe(e.Duration.Seconds())
	})
	bus.Subscribe(event.StageFailed, func(e event.Event) {
		metrics.StageRunsTotal.WithLabelValues(e.FactoryID, string(e.Stage), "failed").Inc()
		metrics.StageFailuresTotal.WithLabelValues(string(e.Stage), e.ErrorKind).Inc()
		metrics.StageDuration.WithLabelValues(string(e.Stage)).Observe(e.Duration.Seconds())
	})
	bus.Subscribe(event.StageSkipped, func(e event.Event) {
		metrics.StageRunsTotal.WithLabelValues(e.FactoryID, string(e.Stage), "skipped").Inc()
	})
	bus.Subscribe(event.OrdersReleased, func(e event.Event) {
		metrics.OrdersReleasedTotal.WithLabelValues(string(e.Stage)).Add(float64(len(e.Orders)))
	})
	bus.Subscribe(event.OrdersCompleted, func(e event.Event) {
		metrics.OrdersReleasedTotal.WithLabelValues(string(e.Stage)).Add(float64(len(e.Orders)))
	})
	bus.Subscribe(event.OpsReleased, func(e event.Event) {
		metrics.OpsReleasedTotal.Add(float64(len(e.Ops)))
	})

	// --- 监控界面处理器 ---
	if st != nil {
		bus.Subscribe(event.StateChanged, func(e event.Event) {
			st.UpdateState(e.FactoryID, e.Stage, e.State)
		})
		bus.Subscribe(event.StageSucceeded, func(e event.Event) {
			st.RecordRun(e.FactoryID, e.Stage, web.RunOK, e.Time, nil)
		})
		bus.Subscribe(event.StageFailed, func(e event.Event) {
			st.RecordRun(e.FactoryID, e.Stage, web.RunFailed, e.Time, e.Error)
		})
		bus.Subscribe(event.StageSkipped, func(e event.Event) {
			st.RecordRun(e.FactoryID, e.Stage, web.RunSkipped, e.Time, nil)
		})
	}

	// --- 日志处理器 ---
	bus.Subscribe(event.StageFailed, func(e event.Event) {
		logger.Error("阶段运行失败", "factory_id", e.FactoryID, "stage", e.Stage, "run_id", e.RunID, "kind", e.ErrorKind, "error", e.Error)
	})
	bus.Subscribe(event.OrdersReleased, func(e event.Event) {
		logger.Info("订单进入下一阶段", "factory_id", e.FactoryID, "stage", e.Stage, "orders", e.Orders)
	})
	bus.Subscribe(event.OrdersCompleted, func(e event.Event) {
		logger.Info("订单完成调度", "factory_id", e.FactoryID, "orders", e.Orders)
	})
}
