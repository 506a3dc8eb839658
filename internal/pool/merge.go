package pool

import (
	"remanufacturing-scheduler/internal/types"
)

// merge 将 src 中已设置的字段合并到 dst
// 指针字段和切片字段仅在非 nil 时覆盖；map 字段按 key 合并。
// ReleasedOps 取并集，已下发的工序不会被后续合并撤销。
// ArrivalSeq 由 Store 维护，不从 src 读取。
func merge(dst *types.PoolRecord, src *types.PoolRecord) {
	if src == nil {
		return
	}
	if src.EtaDeliveryPrediction != nil {
		dst.EtaDeliveryPrediction = floatPtr(*src.EtaDeliveryPrediction)
	}
	if src.StateDistribution != nil {
		if dst.StateDistribution == nil {
			dst.StateDistribution = make(map[string]types.TriangularFuzzy, len(src.StateDistribution))
		}
		for k, v := range src.StateDistribution {
			dst.StateDistribution[k] = v
		}
	}
	if src.RouteCandidates != nil {
		dst.RouteCandidates = append([]string(nil), src.RouteCandidates...)
	}
	if src.SelectedRouteID != nil {
		dst.SelectedRouteID = stringPtr(*src.SelectedRouteID)
	}
	if src.DisassemblyOperations != nil {
		dst.DisassemblyOperations = cloneOps(src.DisassemblyOperations)
	}
	if src.AssemblyOperations != nil {
		dst.AssemblyOperations = cloneOps(src.AssemblyOperations)
	}
	if src.PriorityScore != nil {
		dst.PriorityScore = floatPtr(*src.PriorityScore)
	}
	if src.BatchID != nil {
		dst.BatchID = stringPtr(*src.BatchID)
	}
	if src.PlanWindow != nil {
		w := *src.PlanWindow
		dst.PlanWindow = &w
	}
	dst.FineStartTimes = mergeTimes(dst.FineStartTimes, src.FineStartTimes)
	dst.FineEndTimes = mergeTimes(dst.FineEndTimes, src.FineEndTimes)
	if src.Metadata != nil {
		if dst.Metadata == nil {
			dst.Metadata = make(map[string]interface{}, len(src.Metadata))
		}
		for k, v := range src.Metadata {
			dst.Metadata[k] = v
		}
	}
	if src.ProcessSequences != nil {
		dst.ProcessSequences = src.ProcessSequences
	}
	if src.OptimizedPosition != nil {
		p := *src.OptimizedPosition
		dst.OptimizedPosition = &p
	}
	dst.ReleasedOps = unionIDs(dst.ReleasedOps, src.ReleasedOps)
}

// unionIDs 追加 src 中 dst 尚未包含的 id，保持原有顺序
func unionIDs(dst, src []string) []string {
	if len(src) == 0 {
		return dst
	}
	seen := make(map[string]bool, len(dst)+len(src))
	out := append([]string(nil), dst...)
	for _, id := range dst {
		seen[id] = true
	}
	for _, id := range src {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func mergeTimes(dst, src map[string]float64) map[string]float64 {
	if src == nil {
		return dst
	}
	if dst == nil {
		dst = make(map[string]float64, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func cloneOps(ops []types.OperationBlock) []types.OperationBlock {
	out := make([]types.OperationBlock, len(ops))
	for i, op := range ops {
		out[i] = op
		if op.StartTime != nil {
			out[i].StartTime = floatPtr(*op.StartTime)
		}
		if op.EndTime != nil {
			out[i].EndTime = floatPtr(*op.EndTime)
		}
		if op.Resources != nil {
			out[i].Resources = append([]string(nil), op.Resources...)
		}
	}
	return out
}

func floatPtr(v float64) *float64 { return &v }

func stringPtr(s string) *string { return &s }
