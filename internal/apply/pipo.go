package apply

import (
	"context"
	"fmt"
	"math"
	"sort"

	"remanufacturing-scheduler/internal/contract"
	"remanufacturing-scheduler/internal/types"
)

// PIPOApplier 将选中方案的工序时间写回订单池，并把下发的工序交给 ReleaseSink
// 下发的工序号记录在订单上；订单的全部工序都已下发时完成调度，从订单池中删除
type PIPOApplier struct{}

func (PIPOApplier) Stage() types.Stage { return types.StagePIPO }

type opKey struct {
	orderID string
	opID    string
}

func (PIPOApplier) Apply(ctx context.Context, store Store, snapshot []types.PoolRecord, result contract.Result, env Env) (Outcome, error) {
	res, ok := result.(contract.PIPOResult)
	if !ok {
		return Outcome{}, invalid("result", "expected PIPO result, got %T", result)
	}
	idx := newIndex(snapshot)

	// 工序号到订单的映射，用于补全结果中缺失 orderId 的工序
	opOwner := make(map[string]string)
	for i := range snapshot {
		for _, op := range snapshot[i].Operations() {
			if prev, ok := opOwner[op.ID]; ok && prev != snapshot[i].OrderID {
				opOwner[op.ID] = ""
				continue
			}
			opOwner[op.ID] = snapshot[i].OrderID
		}
	}
	owner := func(field string, op types.OperationBlock) (string, error) {
		if op.OrderID != "" {
			return op.OrderID, idx.require(field+".orderId", op.OrderID)
		}
		id, ok := opOwner[op.ID]
		if !ok || id == "" {
			return "", invalid(field+".orderId", "cannot resolve order of operation %q", op.ID)
		}
		return id, nil
	}

	seenPlan := make(map[string]bool, len(res.ParetoSet))
	for i, p := range res.ParetoSet {
		f := fmt.Sprintf("paretoSet[%d]", i)
		if seenPlan[p.ID] {
			return Outcome{}, invalid(f+".id", "duplicate plan id %q", p.ID)
		}
		seenPlan[p.ID] = true
		if err := validateOps(f+".operations", p.Operations); err != nil {
			return Outcome{}, err
		}
	}

	var selected types.Plan
	if len(res.ParetoSet) == 0 {
		if res.SelectedPlanID != "" {
			return Outcome{}, invalid("selectedPlanId", "plan %q selected from an empty pareto set", res.SelectedPlanID)
		}
		if len(res.ReleasedOps) > 0 {
			return Outcome{}, invalid("releasedOps", "operations released without a selected plan")
		}
	} else {
		var found bool
		if selected, found = res.SelectedPlan(); !found {
			return Outcome{}, invalid("selectedPlanId", "plan %q is not in the pareto set", res.SelectedPlanID)
		}
	}

	// 选中方案中每个订单的工序
	planOps := make(map[string][]types.OperationBlock)
	planned := make(map[opKey]bool)
	for i, op := range selected.Operations {
		id, err := owner(fmt.Sprintf("paretoSet[%s].operations[%d]", selected.ID, i), op)
		if err != nil {
			return Outcome{}, err
		}
		k := opKey{id, op.ID}
		if planned[k] {
			return Outcome{}, invalid(fmt.Sprintf("paretoSet[%s].operations[%d]", selected.ID, i), "operation %q of %q planned twice", op.ID, id)
		}
		planned[k] = true
		op.OrderID = id
		planOps[id] = append(planOps[id], op)
	}

	releasedOps := make([]types.OperationBlock, 0, len(res.ReleasedOps))
	releasedBy := make(map[string][]string)
	seenReleased := make(map[opKey]bool)
	for i, op := range res.ReleasedOps {
		f := fmt.Sprintf("releasedOps[%d]", i)
		id, err := owner(f, op)
		if err != nil {
			return Outcome{}, err
		}
		k := opKey{id, op.ID}
		if !planned[k] {
			return Outcome{}, invalid(f, "operation %q of %q is not in the selected plan", op.ID, id)
		}
		if seenReleased[k] {
			return Outcome{}, invalid(f, "operation %q of %q released twice", op.ID, id)
		}
		if rec := idx[id]; rec != nil && rec.IsReleased(op.ID) {
			return Outcome{}, invalid(f, "operation %q of %q was already released", op.ID, id)
		}
		seenReleased[k] = true
		if err := validateOps(f, []types.OperationBlock{op}); err != nil {
			return Outcome{}, err
		}
		op.OrderID = id
		releasedOps = append(releasedOps, op)
		releasedBy[id] = append(releasedBy[id], op.ID)
	}

	// 下发失败视为调用失败，订单池不做任何修改
	if len(releasedOps) > 0 && env.Sink != nil {
		if err := env.Sink.Release(ctx, env.FactoryID, releasedOps); err != nil {
			return Outcome{}, fmt.Errorf("release operations: %w", err)
		}
	}

	// 优化顺序：按订单在选中方案中的最早开工时间
	type first struct {
		id    string
		start float64
		seq   int
	}
	firsts := make([]first, 0, len(planOps))
	for id, ops := range planOps {
		start := math.Inf(1)
		for _, op := range ops {
			if op.StartTime != nil && *op.StartTime < start {
				start = *op.StartTime
			}
		}
		firsts = append(firsts, first{id: id, start: start, seq: int(idx[id].ArrivalSeq)})
	}
	sort.Slice(firsts, func(i, j int) bool {
		if firsts[i].start != firsts[j].start {
			return firsts[i].start < firsts[j].start
		}
		if firsts[i].seq != firsts[j].seq {
			return firsts[i].seq < firsts[j].seq
		}
		return firsts[i].id < firsts[j].id
	})

	out := newOutcome()
	order := make([]string, 0, len(firsts))
	for _, f := range firsts {
		order = append(order, f.id)
	}
	out.OptimizedOrder = order
	pos := positions(order)

	for _, id := range order {
		ops := planOps[id]
		if completed(idx[id], ops, releasedBy[id]) {
			if store.Remove(id) {
				out.Removed = append(out.Removed, id)
			}
			continue
		}
		upd := types.PoolRecord{
			OrderID:           id,
			Metadata:          anchorMeta(env),
			OptimizedPosition: intPtr(pos[id]),
			ReleasedOps:       releasedBy[id],
		}
		window := types.PlanWindow{Start: math.Inf(1), End: math.Inf(-1)}
		for _, op := range ops {
			if op.StartTime != nil {
				if upd.FineStartTimes == nil {
					upd.FineStartTimes = map[string]float64{}
				}
				upd.FineStartTimes[op.ID] = *op.StartTime
				window.Start = math.Min(window.Start, *op.StartTime)
			}
			if op.EndTime != nil {
				if upd.FineEndTimes == nil {
					upd.FineEndTimes = map[string]float64{}
				}
				upd.FineEndTimes[op.ID] = *op.EndTime
				window.End = math.Max(window.End, *op.EndTime)
			}
		}
		if !math.IsInf(window.Start, 0) && !math.IsInf(window.End, 0) {
			upd.PlanWindow = &window
		}
		if err := store.Upsert(types.StagePIPO, upd); err != nil {
			out.Conflicts = append(out.Conflicts, id)
			if env.Logger != nil {
				env.Logger.Warn("写入订单池失败", "order_id", id, "stage", types.StagePIPO, "error", err)
			}
			continue
		}
		out.Updated = append(out.Updated, id)
	}
	out.ReleasedOps = len(releasedOps)

	objectives := make(map[string]map[string]float64, len(res.ParetoSet))
	for _, p := range res.ParetoSet {
		objectives[p.ID] = p.ObjectiveValues
	}
	out.Preview = map[string]interface{}{
		"paretoSize":     len(res.ParetoSet),
		"selectedPlanId": res.SelectedPlanID,
		"objectives":     objectives,
		"releasedOps":    len(releasedOps),
	}
	return out, nil
}

// completed 判断本次下发后订单是否已没有待下发的工序
// 订单本身没有工序时，以选中方案中该订单的工序全部下发为准
func completed(rec *types.PoolRecord, planned []types.OperationBlock, released []string) bool {
	if len(released) == 0 {
		return false
	}
	if rec == nil || len(rec.Operations()) == 0 {
		return len(released) == len(planned)
	}
	now := make(map[string]bool, len(released))
	for _, id := range released {
		now[id] = true
	}
	for _, op := range rec.Operations() {
		if !now[op.ID] && !rec.IsReleased(op.ID) {
			return false
		}
	}
	return true
}
