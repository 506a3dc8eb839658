package payload

import (
	"remanufacturing-scheduler/internal/contract"
	"remanufacturing-scheduler/internal/types"
)

// PAPBuilder 构建预受理阶段的请求
type PAPBuilder struct{}

func (PAPBuilder) Stage() types.Stage { return types.StagePAP }

func (PAPBuilder) Build(in Input) (contract.Request, error) {
	records := sorted(in.Records)
	clock := in.Clock()

	orders := make([]contract.PAPOrder, 0, len(records))
	for _, r := range records {
		o := contract.PAPOrder{
			OrderID:             r.OrderID,
			CreatedAt:           clock.Meta(r.Metadata, MetaCreatedAt),
			DueDate:             clock.Meta(r.Metadata, MetaDueDate),
			DisassemblyDuration: opsDuration(r.DisassemblyOperations, in.Capacity, "disassembly"),
			AssemblyDuration:    opsDuration(r.AssemblyOperations, in.Capacity, "assembly"),
			DomainSequences:     r.ProcessSequences,
		}
		if hint, ok := MetaFloat(r.Metadata, MetaPriorityHint); ok {
			o.PriorityHint = &hint
		} else if r.PriorityScore != nil {
			hint := *r.PriorityScore
			o.PriorityHint = &hint
		}
		orders = append(orders, o)
	}

	rate, ok := MetaFloat(in.Config.Meta, MetaArrivalRateHint)
	if !ok {
		rate = arrivalRate(orders)
	}

	return contract.PAPRequest{
		Now:    clock.At(in.Now),
		Orders: orders,
		Config: contract.PAPConfig{
			QMin:            in.Config.BatchPolicy.QMin,
			QMax:            in.Config.BatchPolicy.QMax,
			IntervalMinutes: in.Config.SchedulingIntervalMinutes,
			ArrivalRateHint: rate,
			FactoryCapacity: in.Capacity,
		},
		ProcessSequences: metaOrNil(in.Config.Meta, MetaProcessSequences),
	}, nil
}

// arrivalRate 根据创建时间估计每分钟到达的订单数
func arrivalRate(orders []contract.PAPOrder) float64 {
	var first, last *float64
	n := 0
	for i := range orders {
		c := orders[i].CreatedAt
		if c == nil {
			continue
		}
		n++
		if first == nil || *c < *first {
			first = c
		}
		if last == nil || *c > *last {
			last = c
		}
	}
	if n < 2 || *last <= *first {
		return 0
	}
	return float64(n-1) / (*last - *first)
}

// PIPBuilder 构建预检阶段的请求
type PIPBuilder struct{}

func (PIPBuilder) Stage() types.Stage { return types.StagePIP }

func (PIPBuilder) Build(in Input) (contract.Request, error) {
	records := sorted(in.Records)
	clock := in.Clock()

	orders := make([]contract.PIPOrder, 0, len(records))
	for _, r := range records {
		orders = append(orders, contract.PIPOrder{
			OrderID:         r.OrderID,
			DueDate:         clock.Meta(r.Metadata, MetaDueDate),
			ReadyAt:         clock.Meta(r.Metadata, MetaReadyAt),
			ProductGroup:    MetaString(r.Metadata, MetaProductGroup),
			ProductVariant:  MetaString(r.Metadata, MetaProductVariant),
			DisassemblyOps:  withOrderID(r.OrderID, r.DisassemblyOperations),
			AssemblyOps:     withOrderID(r.OrderID, r.AssemblyOperations),
			RouteCandidates: append([]string(nil), r.RouteCandidates...),
		})
	}

	return contract.PIPRequest{
		Now:    clock.At(in.Now),
		Orders: orders,
		Config: contract.PIPConfig{
			QMin:            in.Config.BatchPolicy.QMin,
			QMax:            in.Config.BatchPolicy.QMax,
			HorizonMinutes:  in.Config.BatchPolicy.HorizonMinutes,
			TardinessWeight: floatOr(in.Config.TardinessWeight, 1),
			VarianceWeight:  floatOr(in.Config.VarianceWeight, 0),
			FactoryCapacity: in.Capacity,
		},
	}, nil
}

// PIPOBuilder 构建检后细排程阶段的请求
type PIPOBuilder struct{}

func (PIPOBuilder) Stage() types.Stage { return types.StagePIPO }

func (PIPOBuilder) Build(in Input) (contract.Request, error) {
	records := sorted(in.Records)
	clock := in.Clock()

	orders := make([]contract.PIPOOrder, 0, len(records))
	for _, r := range records {
		// 已下发的工序不再参与排程
		ops := withOrderID(r.OrderID, r.PendingOperations())
		orders = append(orders, contract.PIPOOrder{
			OrderID:         r.OrderID,
			DueDate:         clock.Meta(r.Metadata, MetaDueDate),
			Operations:      ops,
			DomainSequences: r.ProcessSequences,
		})
	}

	setupMinutes, _ := MetaFloat(in.Config.Meta, MetaSetupMinutes)
	setupWeight, _ := MetaFloat(in.Config.Meta, MetaSetupWeight)

	return contract.PIPORequest{
		StartTime: clock.At(in.Now),
		Orders:    orders,
		Config: contract.PIPOConfig{
			ObjectiveWeights:  objectiveWeights(in.Config),
			FactoryCapacity:   in.Capacity,
			FlexShareSettings: metaOrNil(in.Config.Meta, MetaFlexShare),
			SetupMinutes:      setupMinutes,
			SetupWeight:       setupWeight,
		},
	}, nil
}

// objectiveWeights 读取多目标权重，未配置时使用完工时间与拖期权重
func objectiveWeights(cfg types.SchedulingConfig) map[string]float64 {
	weights := map[string]float64{}
	raw, _ := MetaValue(cfg.Meta, MetaObjectiveWeights)
	if raw, ok := raw.(map[string]interface{}); ok {
		for k, v := range raw {
			if f, ok := toFloat(v); ok {
				weights[k] = f
			}
		}
	}
	if len(weights) == 0 {
		weights["makespan"] = 1
		weights["tardiness"] = floatOr(cfg.TardinessWeight, 1)
	}
	return weights
}

func metaOrNil(meta map[string]interface{}, key string) interface{} {
	v, _ := MetaValue(meta, key)
	return v
}
