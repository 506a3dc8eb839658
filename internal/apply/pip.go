package apply

import (
	"context"
	"fmt"
	"sort"

	"remanufacturing-scheduler/internal/contract"
	"remanufacturing-scheduler/internal/types"
)

// PIPApplier 写入优先级、路线与批次；只有放行类结果会把 releaseList 中的订单移动到 PIPO
type PIPApplier struct{}

func (PIPApplier) Stage() types.Stage { return types.StagePIP }

func (PIPApplier) Apply(ctx context.Context, store Store, snapshot []types.PoolRecord, result contract.Result, env Env) (Outcome, error) {
	res, ok := result.(contract.PIPResult)
	if !ok {
		return Outcome{}, invalid("result", "expected PIP result, got %T", result)
	}
	idx := newIndex(snapshot)

	kind := res.EffectiveKind()
	switch kind {
	case contract.KindScore:
		if len(res.ReleaseList) > 0 {
			return Outcome{}, invalid("releaseList", "score result must not release orders")
		}
	case contract.KindRelease:
	default:
		return Outcome{}, invalid("kind", "unknown result kind %q", res.Kind)
	}

	priorityOf := make(map[string]types.PriorityEntry, len(res.Priorities))
	for i, p := range res.Priorities {
		f := fmt.Sprintf("priorities[%d]", i)
		if err := idx.require(f+".orderId", p.OrderID); err != nil {
			return Outcome{}, err
		}
		if _, dup := priorityOf[p.OrderID]; dup {
			return Outcome{}, invalid(f+".orderId", "duplicate priority for %q", p.OrderID)
		}
		priorityOf[p.OrderID] = p
	}

	routeOf := make(map[string]types.RoutePlan, len(res.Routes))
	for i, r := range res.Routes {
		f := fmt.Sprintf("routes[%d]", i)
		if err := idx.require(f+".orderId", r.OrderID); err != nil {
			return Outcome{}, err
		}
		if _, dup := routeOf[r.OrderID]; dup {
			return Outcome{}, invalid(f+".orderId", "duplicate route for %q", r.OrderID)
		}
		if cands := idx[r.OrderID].RouteCandidates; len(cands) > 0 && !contains(cands, r.RouteID) {
			return Outcome{}, invalid(f+".routeId", "route %q is not a candidate of %q", r.RouteID, r.OrderID)
		}
		if r.ExpectedStart > r.ExpectedEnd {
			return Outcome{}, invalid(f, "expectedStart %v after expectedEnd %v", r.ExpectedStart, r.ExpectedEnd)
		}
		if err := validateOps(f+".operations", r.Operations); err != nil {
			return Outcome{}, err
		}
		routeOf[r.OrderID] = r
	}

	batchOf, err := validateBatches("batches", res.Batches, idx)
	if err != nil {
		return Outcome{}, err
	}

	release := make(map[string]bool, len(res.ReleaseList))
	for i, id := range res.ReleaseList {
		f := fmt.Sprintf("releaseList[%d]", i)
		if err := idx.require(f, id); err != nil {
			return Outcome{}, err
		}
		if release[id] {
			return Outcome{}, invalid(f, "order %q released twice", id)
		}
		release[id] = true
	}

	// 优化顺序：优先级从高到低，其后是批次、路线与放行列表中出现的订单
	ranked := append([]types.PriorityEntry(nil), res.Priorities...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Priority > ranked[j].Priority })
	ids := make([]string, 0, len(ranked))
	for _, p := range ranked {
		ids = append(ids, p.OrderID)
	}
	ids = append(ids, flatten(res.Batches)...)
	for _, r := range res.Routes {
		ids = append(ids, r.OrderID)
	}
	ids = append(ids, res.ReleaseList...)
	order := appendMissing([]string{}, ids...)
	pos := positions(order)

	updates := make(map[string]*types.PoolRecord, len(order))
	for _, id := range order {
		upd := &types.PoolRecord{OrderID: id, Metadata: anchorMeta(env)}
		if p, ok := priorityOf[id]; ok {
			upd.PriorityScore = types.Float(p.Priority)
			if p.ExpectedCompletion != nil {
				upd.EtaDeliveryPrediction = types.Float(*p.ExpectedCompletion)
			}
		}
		if r, ok := routeOf[id]; ok {
			upd.SelectedRouteID = types.String(r.RouteID)
			upd.PlanWindow = &types.PlanWindow{Start: r.ExpectedStart, End: r.ExpectedEnd}
		}
		if b, ok := batchOf[id]; ok {
			upd.BatchID = types.String(b)
		}
		if !release[id] {
			upd.OptimizedPosition = intPtr(pos[id])
		}
		updates[id] = upd
	}

	out := newOutcome()
	out.OptimizedOrder = order
	commit(store, types.StagePIP, types.StagePIPO, updates, order, release, &out, env.Logger)

	out.Preview = map[string]interface{}{
		"kind":            string(kind),
		"priorityPreview": priorityPreview(ranked, 10),
		"routeCount":      len(res.Routes),
		"batchCount":      len(res.Batches),
		"releaseList":     append([]string{}, res.ReleaseList...),
	}
	return out, nil
}

func priorityPreview(ranked []types.PriorityEntry, n int) []types.PriorityEntry {
	if len(ranked) > n {
		return ranked[:n]
	}
	return ranked
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
