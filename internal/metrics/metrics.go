package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// PoolSize 仪表盘：各阶段订单池中的订单数量
	PoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_pool_orders",
		Help: "The number of orders currently held in each stage pool",
	}, []string{"factory_id", "stage"})

	// StoreVersion 仪表盘：订单池的版本号
	StoreVersion = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "scheduler_pool_version",
		Help: "The current version of each factory's pool store",
	}, []string{"factory_id"})

	// StageRunsTotal 计数器：阶段运行次数
	// 按状态 (success/failed/skipped) 分类
	StageRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_stage_runs_total",
		Help: "The total number of stage runs",
	}, []string{"factory_id", "stage", "status"})

	// StageFailuresTotal 计数器：按失败类型 (timeout/exit/transport/malformed/validation) 统计
	StageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_stage_failures_total",
		Help: "The total number of failed stage runs by failure kind",
	}, []string{"stage", "kind"})

	// StageDuration 直方图：阶段运行耗时分布
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_stage_duration_seconds",
		Help:    "Time spent in each stage run, including the algorithm call",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// OrdersReleasedTotal 计数器：进入下一阶段或完成调度的订单数
	OrdersReleasedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_orders_released_total",
		Help: "The total number of orders released from a stage",
	}, []string{"stage"})

	// OpsReleasedTotal 计数器：下发给订单生命周期服务的工序数
	OpsReleasedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_operations_released_total",
		Help: "The total number of operations handed to the order lifecycle service",
	})
)
