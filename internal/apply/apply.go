// Package apply 校验算法结果并将其合并回订单池
//
// 每个 Applier 先完成全部校验，校验通过后才开始修改订单池；
// 任何校验失败都整体拒绝结果，订单池保持调用前的状态。
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"remanufacturing-scheduler/internal/contract"
	"remanufacturing-scheduler/internal/types"
)

// ErrValidation 所有校验错误都匹配该哨兵错误
var ErrValidation = errors.New("apply: result rejected")

// ValidationError 描述结果中不合法的字段
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid result: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Store 是 Applier 需要的订单池操作
type Store interface {
	Upsert(stage types.Stage, record types.PoolRecord) error
	MoveStage(orderID string, from, to types.Stage, updates *types.PoolRecord) error
	Remove(orderID string) bool
}

// ReleaseSink 接收 PIPO 下发的工序，由外部订单生命周期服务实现
type ReleaseSink interface {
	Release(ctx context.Context, factoryID string, ops []types.OperationBlock) error
}

// Env 应用结果所需的上下文
type Env struct {
	FactoryID string
	Now       float64 // 相对分钟，与请求中的 now/startTime 一致
	AnchorMs  float64 // 相对分钟的零点 (Unix 毫秒)
	Policy    types.BatchPolicy
	// ReleaseRule 决定 PAP 批次是否放行到 PIP，为空时全部放行
	ReleaseRule string
	Sink        ReleaseSink
	Logger      *slog.Logger
}

// Outcome 应用结果后的摘要，写入调度日志
type Outcome struct {
	Updated        []string               `json:"updated"`
	Released       []string               `json:"released"`
	Removed        []string               `json:"removed,omitempty"`
	ReleasedOps    int                    `json:"releasedOps,omitempty"`
	OptimizedOrder []string               `json:"optimizedOrder"`
	Conflicts      []string               `json:"conflicts,omitempty"`
	Preview        map[string]interface{} `json:"preview"`
}

func newOutcome() Outcome {
	return Outcome{
		Updated:        []string{},
		Released:       []string{},
		OptimizedOrder: []string{},
		Preview:        map[string]interface{}{},
	}
}

// Applier 将某个阶段的结果合并回订单池
type Applier interface {
	Stage() types.Stage
	Apply(ctx context.Context, store Store, snapshot []types.PoolRecord, result contract.Result, env Env) (Outcome, error)
}

// ForStage 返回阶段对应的 Applier
func ForStage(stage types.Stage) (Applier, error) {
	switch stage {
	case types.StagePAP:
		return PAPApplier{}, nil
	case types.StagePIP:
		return PIPApplier{}, nil
	case types.StagePIPO:
		return PIPOApplier{}, nil
	}
	return nil, fmt.Errorf("apply: unknown stage %q", stage)
}

// index 按订单号索引阶段快照
type index map[string]*types.PoolRecord

func newIndex(snapshot []types.PoolRecord) index {
	idx := make(index, len(snapshot))
	for i := range snapshot {
		idx[snapshot[i].OrderID] = &snapshot[i]
	}
	return idx
}

func (idx index) require(field, orderID string) error {
	if _, ok := idx[orderID]; !ok {
		return invalid(field, "unknown order %q", orderID)
	}
	return nil
}

// validateBatches 检查批次 id 唯一、订单存在且每个订单最多属于一个批次
func validateBatches(field string, batches []types.Batch, idx index) (map[string]string, error) {
	batchOf := make(map[string]string)
	seen := make(map[string]bool, len(batches))
	for i, b := range batches {
		f := fmt.Sprintf("%s[%d]", field, i)
		if b.ID == "" {
			return nil, invalid(f+".id", "empty batch id")
		}
		if seen[b.ID] {
			return nil, invalid(f+".id", "duplicate batch id %q", b.ID)
		}
		seen[b.ID] = true
		if len(b.OrderIDs) == 0 {
			return nil, invalid(f+".orderIds", "batch %q is empty", b.ID)
		}
		for _, id := range b.OrderIDs {
			if err := idx.require(f+".orderIds", id); err != nil {
				return nil, err
			}
			if prev, dup := batchOf[id]; dup {
				return nil, invalid(f+".orderIds", "order %q already in batch %q", id, prev)
			}
			batchOf[id] = b.ID
		}
	}
	return batchOf, nil
}

// validateOps 检查工序时长与时间窗
func validateOps(field string, ops []types.OperationBlock) error {
	for i, op := range ops {
		f := fmt.Sprintf("%s[%d]", field, i)
		if op.ExpectedDuration < 0 {
			return invalid(f+".expectedDuration", "negative duration %v", op.ExpectedDuration)
		}
		if op.StartTime != nil && op.EndTime != nil && *op.StartTime > *op.EndTime {
			return invalid(f, "start %v after end %v", *op.StartTime, *op.EndTime)
		}
	}
	return nil
}

// flatten 按批次顺序展开订单号
func flatten(batches []types.Batch) []string {
	var out []string
	for _, b := range batches {
		out = append(out, b.OrderIDs...)
	}
	return out
}

// appendMissing 将 ids 中尚未出现的订单依次追加到 order 末尾
func appendMissing(order []string, ids ...string) []string {
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		seen[id] = true
	}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	return order
}

// positions 返回订单在 order 中的位置 (从 1 开始)
func positions(order []string) map[string]int {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i + 1
	}
	return pos
}

// anchorMeta 记录相对时间的零点，便于下游换算回绝对时间
func anchorMeta(env Env) map[string]interface{} {
	return map[string]interface{}{"timeAnchorMs": env.AnchorMs}
}

// commit 将订单的更新写入订单池；release 为 true 时移动到 next 阶段
// 单个订单写入失败 (例如订单在调用期间被外部移走) 不影响其他订单
func commit(store Store, stage types.Stage, next types.Stage, updates map[string]*types.PoolRecord, order []string, release map[string]bool, out *Outcome, logger *slog.Logger) {
	for _, id := range order {
		upd, ok := updates[id]
		if !ok {
			continue
		}
		var err error
		if release[id] {
			err = store.MoveStage(id, stage, next, upd)
			if err == nil {
				out.Released = append(out.Released, id)
			}
		} else {
			err = store.Upsert(stage, *upd)
			if err == nil {
				out.Updated = append(out.Updated, id)
			}
		}
		if err != nil {
			out.Conflicts = append(out.Conflicts, id)
			if logger != nil {
				logger.Warn("写入订单池失败", "order_id", id, "stage", stage, "error", err)
			}
		}
	}
}
