// Package report 对比订单在各阶段中的自然排队位置与算法给出的优化位置
// 只读取订单池与调度日志，不参与写入路径
package report

import (
	"context"
	"encoding/json"
	"fmt"

	"remanufacturing-scheduler/internal/pool"
	"remanufacturing-scheduler/internal/types"
)

// LogReader 是报告所需的日志读取能力
type LogReader interface {
	Latest(ctx context.Context, factoryID string, stage types.Stage) (*types.SchedulingLogEntry, error)
	LatestSuccess(ctx context.Context, factoryID string, stage types.Stage) (*types.SchedulingLogEntry, error)
}

// PoolReader 是报告所需的订单池读取能力
type PoolReader interface {
	Snapshot(stage types.Stage) []types.PoolRecord
}

// OrderPosition 单个订单的排队位置，位置从 1 开始
type OrderPosition struct {
	OrderID           string `json:"orderId"`
	NaturalPosition   int    `json:"naturalPosition"`
	OptimizedPosition *int   `json:"optimizedPosition,omitempty"`
	Delta             *int   `json:"delta,omitempty"` // natural - optimized，正数表示被提前
}

// StageDiff 单个阶段的对比结果
type StageDiff struct {
	Stage      types.Stage     `json:"stage"`
	HasRun     bool            `json:"hasRun"`
	LastStatus types.RunStatus `json:"lastStatus,omitempty"`
	LastRunAt  int64           `json:"lastRunAt,omitempty"`
	QueueSize  int             `json:"queueSize"`
	Orders     []OrderPosition `json:"orders"`
}

// QueueDiff 一个工厂全部阶段的对比结果
type QueueDiff struct {
	FactoryID string      `json:"factoryId"`
	Stages    []StageDiff `json:"stages"`
}

// Reporter 生成排队位置对比报告
type Reporter struct {
	logs LogReader
}

// NewReporter 创建报告生成器
func NewReporter(logs LogReader) *Reporter {
	return &Reporter{logs: logs}
}

// QueueDiff 生成工厂的排队位置对比
func (r *Reporter) QueueDiff(ctx context.Context, factoryID string, store PoolReader) (QueueDiff, error) {
	out := QueueDiff{FactoryID: factoryID, Stages: make([]StageDiff, 0, len(types.Stages))}
	for _, stage := range types.Stages {
		d, err := r.stageDiff(ctx, factoryID, stage, store.Snapshot(stage))
		if err != nil {
			return QueueDiff{}, err
		}
		out.Stages = append(out.Stages, d)
	}
	return out, nil
}

func (r *Reporter) stageDiff(ctx context.Context, factoryID string, stage types.Stage, records []types.PoolRecord) (StageDiff, error) {
	d := StageDiff{Stage: stage, QueueSize: len(records), Orders: make([]OrderPosition, 0, len(records))}

	latest, err := r.logs.Latest(ctx, factoryID, stage)
	if err != nil {
		return StageDiff{}, fmt.Errorf("read latest %s log: %w", stage, err)
	}
	var optimized map[string]int
	if latest != nil {
		d.HasRun = true
		d.LastStatus = latest.Status
		d.LastRunAt = latest.CreatedAt

		success := latest
		if latest.Status != types.RunSuccess {
			if success, err = r.logs.LatestSuccess(ctx, factoryID, stage); err != nil {
				return StageDiff{}, fmt.Errorf("read latest successful %s log: %w", stage, err)
			}
		}
		if success != nil {
			optimized = rank(optimizedOrder(success), records)
		}
	}

	// 自然位置：按进入阶段的先后
	pool.SortByArrival(records)
	for i, rec := range records {
		pos := OrderPosition{OrderID: rec.OrderID, NaturalPosition: i + 1}
		if p, ok := optimized[rec.OrderID]; ok {
			delta := pos.NaturalPosition - p
			pos.OptimizedPosition = &p
			pos.Delta = &delta
		}
		d.Orders = append(d.Orders, pos)
	}
	return d, nil
}

// optimizedOrder 读取日志 details 中的 optimizedOrder
// 不同日志存储解码出的切片类型不同，统一经过一次 JSON 转换
func optimizedOrder(entry *types.SchedulingLogEntry) []string {
	raw, ok := entry.Details["optimizedOrder"]
	if !ok || raw == nil {
		return nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil
	}
	return ids
}

// rank 只保留仍在阶段中的订单并重新编号
// 已离开阶段的订单不占位置，之后进入的订单没有优化位置
func rank(order []string, records []types.PoolRecord) map[string]int {
	present := make(map[string]bool, len(records))
	for _, rec := range records {
		present[rec.OrderID] = true
	}
	out := make(map[string]int)
	for _, id := range order {
		if !present[id] {
			continue
		}
		if _, dup := out[id]; dup {
			continue
		}
		out[id] = len(out) + 1
	}
	return out
}
