// Package payload 将订单池快照投影为各阶段的算法输入
//
// Builder 是纯函数：相同的快照、配置、产能和时间总是得到相同的请求。
package payload

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"remanufacturing-scheduler/internal/contract"
	"remanufacturing-scheduler/internal/pool"
	"remanufacturing-scheduler/internal/types"
)

// 元数据中约定的键
const (
	MetaCreatedAt        = "createdAt"
	MetaDueDate          = "dueDate"
	MetaReadyAt          = "readyAt"
	MetaProductGroup     = "productGroup"
	MetaProductVariant   = "productVariant"
	MetaPriorityHint     = "priorityHint"
	MetaArrivalRateHint  = "arrivalRateHint"
	MetaObjectiveWeights = "objectiveWeights"
	MetaFlexShare        = "flexShareSettings"
	MetaSetupMinutes     = "setupMinutes"
	MetaSetupWeight      = "setupWeight"
	MetaProcessSequences = "processSequences"
)

// Input 构建请求所需的全部输入
type Input struct {
	Records  []types.PoolRecord
	Config   types.SchedulingConfig
	Capacity types.FactoryCapacity
	Now      time.Time
	// AnchorMs 工厂固定的时间零点 (Unix 毫秒)，为 0 时由记录推算
	AnchorMs float64
}

// Clock 返回本次构建使用的时钟
func (in Input) Clock() Clock {
	if in.AnchorMs != 0 {
		return ClockAt(in.AnchorMs)
	}
	return NewClock(in.Records, in.Now)
}

// Builder 构建某个阶段的算法请求
type Builder interface {
	Stage() types.Stage
	Build(in Input) (contract.Request, error)
}

// ForStage 返回阶段对应的 Builder
func ForStage(stage types.Stage) (Builder, error) {
	switch stage {
	case types.StagePAP:
		return PAPBuilder{}, nil
	case types.StagePIP:
		return PIPBuilder{}, nil
	case types.StagePIPO:
		return PIPOBuilder{}, nil
	}
	return nil, fmt.Errorf("payload: unknown stage %q", stage)
}

// Clock 将绝对时间换算为以最早订单创建时间为零点的相对分钟数
type Clock struct {
	anchorMs float64
}

// NewClock 以记录中最早的 createdAt 为零点，没有 createdAt 时以 now 为零点
func NewClock(records []types.PoolRecord, now time.Time) Clock {
	anchor := math.Inf(1)
	for i := range records {
		if ms, ok := MetaTimeMs(records[i].Metadata, MetaCreatedAt); ok && ms < anchor {
			anchor = ms
		}
	}
	if math.IsInf(anchor, 1) {
		anchor = float64(now.UnixMilli())
	}
	return Clock{anchorMs: anchor}
}

// ClockAt 以给定的零点 (Unix 毫秒) 创建时钟
func ClockAt(anchorMs float64) Clock { return Clock{anchorMs: anchorMs} }

// AnchorMs 返回零点 (Unix 毫秒)
func (c Clock) AnchorMs() float64 { return c.anchorMs }

// Minutes 将 Unix 毫秒换算为相对分钟
func (c Clock) Minutes(ms float64) float64 {
	return (ms - c.anchorMs) / float64(time.Minute/time.Millisecond)
}

// At 将 time.Time 换算为相对分钟
func (c Clock) At(t time.Time) float64 { return c.Minutes(float64(t.UnixMilli())) }

// Meta 读取元数据时间并换算为相对分钟
func (c Clock) Meta(meta map[string]interface{}, key string) *float64 {
	ms, ok := MetaTimeMs(meta, key)
	if !ok {
		return nil
	}
	v := c.Minutes(ms)
	return &v
}

// MetaTimeMs 读取元数据中的时间，支持 Unix 毫秒数值和 RFC 3339 字符串
func MetaTimeMs(meta map[string]interface{}, key string) (float64, bool) {
	v, ok := MetaValue(meta, key)
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case time.Time:
		return float64(t.UnixMilli()), true
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return float64(parsed.UnixMilli()), true
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f, true
		}
		return 0, false
	}
	return toFloat(v)
}

// MetaValue 读取元数据，精确匹配失败时忽略大小写匹配
// 经 viper 加载的配置键会被转为小写；多个键只有大小写不同时取字典序最小的键
func MetaValue(meta map[string]interface{}, key string) (interface{}, bool) {
	if v, ok := meta[key]; ok {
		return v, true
	}
	match := ""
	found := false
	for k := range meta {
		if strings.EqualFold(k, key) && (!found || k < match) {
			match, found = k, true
		}
	}
	if !found {
		return nil, false
	}
	return meta[match], true
}

// MetaFloat 读取数值型元数据
func MetaFloat(meta map[string]interface{}, key string) (float64, bool) {
	v, ok := MetaValue(meta, key)
	if !ok || v == nil {
		return 0, false
	}
	return toFloat(v)
}

// MetaString 读取字符串元数据
func MetaString(meta map[string]interface{}, key string) string {
	v, _ := MetaValue(meta, key)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// sorted 返回按到达顺序排序的副本
func sorted(records []types.PoolRecord) []types.PoolRecord {
	out := append([]types.PoolRecord(nil), records...)
	pool.SortByArrival(out)
	return out
}

// opsDuration 汇总工序时长；没有工序时使用产能中的默认加工时间
func opsDuration(ops []types.OperationBlock, capacity types.FactoryCapacity, kind string) *float64 {
	if len(ops) == 0 {
		if d, ok := capacity.DefaultProcessingTimes[kind]; ok {
			return &d
		}
		return nil
	}
	total := 0.0
	for _, op := range ops {
		total += op.ExpectedDuration
	}
	return &total
}

// withOrderID 返回填好 OrderID 的工序副本
func withOrderID(orderID string, ops []types.OperationBlock) []types.OperationBlock {
	if ops == nil {
		return nil
	}
	out := make([]types.OperationBlock, len(ops))
	for i, op := range ops {
		out[i] = op
		if out[i].OrderID == "" {
			out[i].OrderID = orderID
		}
	}
	return out
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}
