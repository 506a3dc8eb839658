package apply

import (
	"context"
	"fmt"

	"remanufacturing-scheduler/internal/contract"
	"remanufacturing-scheduler/internal/rules"
	"remanufacturing-scheduler/internal/types"
)

// PAPApplier 写入批次与交期预测，并把放行批次中的订单移动到 PIP
type PAPApplier struct{}

func (PAPApplier) Stage() types.Stage { return types.StagePAP }

func (PAPApplier) Apply(ctx context.Context, store Store, snapshot []types.PoolRecord, result contract.Result, env Env) (Outcome, error) {
	res, ok := result.(contract.PAPResult)
	if !ok {
		return Outcome{}, invalid("result", "expected PAP result, got %T", result)
	}
	idx := newIndex(snapshot)

	// 校验
	batchOf, err := validateBatches("batches", res.Batches, idx)
	if err != nil {
		return Outcome{}, err
	}
	etaOf := make(map[string]types.EtaPrediction, len(res.EtaList))
	for i, e := range res.EtaList {
		f := fmt.Sprintf("etaList[%d]", i)
		if err := idx.require(f+".orderId", e.OrderID); err != nil {
			return Outcome{}, err
		}
		if _, dup := etaOf[e.OrderID]; dup {
			return Outcome{}, invalid(f+".orderId", "duplicate prediction for %q", e.OrderID)
		}
		if e.Lower != nil && e.Upper != nil && *e.Lower > *e.Upper {
			return Outcome{}, invalid(f, "lower %v above upper %v", *e.Lower, *e.Upper)
		}
		etaOf[e.OrderID] = e
	}

	release := make(map[string]bool)
	released := make([]string, 0)
	for i, b := range res.Batches {
		ok, err := rules.Evaluate(env.ReleaseRule, rules.ReleaseEnv(b, env.Now, env.Policy))
		if err != nil {
			return Outcome{}, invalid(fmt.Sprintf("batches[%d]", i), "release rule: %v", err)
		}
		if ok {
			for _, id := range b.OrderIDs {
				release[id] = true
			}
			released = append(released, b.ID)
		}
	}

	// 优化顺序：批次顺序，其后是只有交期预测的订单
	ids := flatten(res.Batches)
	for _, e := range res.EtaList {
		ids = append(ids, e.OrderID)
	}
	order := appendMissing([]string{}, ids...)
	pos := positions(order)

	updates := make(map[string]*types.PoolRecord)
	for _, id := range order {
		upd := &types.PoolRecord{OrderID: id, Metadata: anchorMeta(env)}
		if b, ok := batchOf[id]; ok {
			upd.BatchID = types.String(b)
		}
		if e, ok := etaOf[id]; ok {
			upd.EtaDeliveryPrediction = types.Float(e.Eta)
			if e.Lower != nil && e.Upper != nil {
				upd.StateDistribution = map[string]types.TriangularFuzzy{
					"eta": {Lower: *e.Lower, MostLikely: e.Eta, Upper: *e.Upper},
				}
			}
		}
		if !release[id] {
			upd.OptimizedPosition = intPtr(pos[id])
		}
		updates[id] = upd
	}

	out := newOutcome()
	out.OptimizedOrder = order
	commit(store, types.StagePAP, types.StagePIP, updates, order, release, &out, env.Logger)

	sizes := make([]int, len(res.Batches))
	for i, b := range res.Batches {
		sizes[i] = len(b.OrderIDs)
	}
	out.Preview = map[string]interface{}{
		"batchCount":      len(res.Batches),
		"batchSizes":      sizes,
		"releasedBatches": released,
		"etaPreview":      etaPreview(res.EtaList, 10),
	}
	return out, nil
}

func etaPreview(list []types.EtaPrediction, n int) []types.EtaPrediction {
	if len(list) > n {
		return list[:n]
	}
	return list
}

func intPtr(v int) *int { return &v }
