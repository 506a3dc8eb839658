// Package algorithm 提供各阶段的内置调度算法
//
// 内置算法与外部算法遵循同一份请求/结果协议，既可以在进程内由 invoker
// 直接调用，也可以通过 cmd/algorithm-server 以 HTTP 服务的方式提供。
package algorithm

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"remanufacturing-scheduler/internal/contract"
	"remanufacturing-scheduler/internal/types"
)

// DefaultName 未指定算法名称时使用的内置算法
const DefaultName = "fcfs"

// Func 内置算法：输入请求 JSON，返回结果 JSON
type Func func(ctx context.Context, payload []byte) ([]byte, error)

var registry = map[types.Stage]map[string]Func{
	types.StagePAP: {
		"fcfs": wrap(BatchFCFS),
		"edd":  wrap(BatchEDD),
	},
	types.StagePIP: {
		"fcfs": wrap(PrioritizeFCFS),
		"edd":  wrap(PrioritizeEDD),
	},
	types.StagePIPO: {
		"fcfs":   wrap(ScheduleFCFS),
		"pareto": wrap(SchedulePareto),
	},
}

// Lookup 查找阶段的内置算法，name 为空时使用 DefaultName
func Lookup(stage types.Stage, name string) (Func, bool) {
	if name == "" {
		name = DefaultName
	}
	fn, ok := registry[stage][name]
	return fn, ok
}

// Names 返回阶段可用的内置算法名称
func Names(stage types.Stage) []string {
	names := make([]string, 0, len(registry[stage]))
	for name := range registry[stage] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func wrap[Req any, Res any](fn func(Req) Res) Func {
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		var req Req
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode request: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return json.Marshal(fn(req))
	}
}

// chunks 按 qMax 切分出队顺序，不足 qMin 的尾部留待下次调度
func chunks(seq []int, qMin, qMax int) [][]int {
	if qMax <= 0 {
		qMax = len(seq)
	}
	if qMin < 1 {
		qMin = 1
	}
	var out [][]int
	for start := 0; start < len(seq); start += qMax {
		end := start + qMax
		if end > len(seq) {
			end = len(seq)
		}
		if end-start < qMin {
			break
		}
		out = append(out, seq[start:end])
	}
	return out
}

// lanes 返回可并行加工的产线数量
func lanes(c types.FactoryCapacity) int {
	n := c.DisassemblyStations
	if c.AssemblyStations > 0 && (n <= 0 || c.AssemblyStations < n) {
		n = c.AssemblyStations
	}
	if n < 1 {
		n = 1
	}
	return n
}

// earliestLane 返回最早空闲的产线
func earliestLane(free []float64) int {
	best := 0
	for i := range free {
		if free[i] < free[best] {
			best = i
		}
	}
	return best
}

func deref(p *float64) float64 {
	if p == nil {
		return 0
	}
	return *p
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// --- PAP ---

// BatchFCFS 按到达顺序分批并预测交期
func BatchFCFS(req contract.PAPRequest) contract.PAPResult {
	return batch(req, Sequence(len(req.Orders), arrivalKey))
}

// BatchEDD 按最早交期分批并预测交期
func BatchEDD(req contract.PAPRequest) contract.PAPResult {
	return batch(req, Sequence(len(req.Orders), dueKey(func(i int) *float64 { return req.Orders[i].DueDate })))
}

func batch(req contract.PAPRequest, seq []int) contract.PAPResult {
	res := contract.PAPResult{
		Batches: []types.Batch{},
		EtaList: make([]types.EtaPrediction, 0, len(seq)),
	}
	for k, chunk := range chunks(seq, req.Config.QMin, req.Config.QMax) {
		ids := make([]string, len(chunk))
		for i, idx := range chunk {
			ids[i] = req.Orders[idx].OrderID
		}
		res.Batches = append(res.Batches, types.Batch{
			ID:        fmt.Sprintf("pap-%d-%d", int64(req.Now), k+1),
			OrderIDs:  ids,
			ReleaseAt: req.Now,
		})
	}

	free := make([]float64, lanes(req.Config.FactoryCapacity))
	for i := range free {
		free[i] = req.Now
	}
	for _, idx := range seq {
		o := req.Orders[idx]
		d := deref(o.DisassemblyDuration) + deref(o.AssemblyDuration)
		lane := earliestLane(free)
		start := maxf(free[lane], maxf(req.Now, deref(o.CreatedAt)))
		eta := start + d
		free[lane] = eta
		res.EtaList = append(res.EtaList, types.EtaPrediction{
			OrderID: o.OrderID,
			Eta:     eta,
			Lower:   types.Float(eta - 0.2*d),
			Upper:   types.Float(eta + 0.2*d),
		})
	}
	return res
}

// --- PIP ---

// PrioritizeFCFS 按到达顺序评分、选路并放行
func PrioritizeFCFS(req contract.PIPRequest) contract.PIPResult {
	return prioritize(req, Sequence(len(req.Orders), arrivalKey))
}

// PrioritizeEDD 按最早交期评分、选路并放行
func PrioritizeEDD(req contract.PIPRequest) contract.PIPResult {
	return prioritize(req, Sequence(len(req.Orders), dueKey(func(i int) *float64 { return req.Orders[i].DueDate })))
}

func prioritize(req contract.PIPRequest, seq []int) contract.PIPResult {
	n := len(seq)
	res := contract.PIPResult{
		Kind:        contract.KindRelease,
		Priorities:  make([]types.PriorityEntry, 0, n),
		Routes:      []types.RoutePlan{},
		Batches:     []types.Batch{},
		ReleaseList: []string{},
	}

	free := make([]float64, lanes(req.Config.FactoryCapacity))
	for i := range free {
		free[i] = req.Now
	}
	for pos, idx := range seq {
		o := req.Orders[idx]
		lane := earliestLane(free)
		start := maxf(free[lane], maxf(req.Now, deref(o.ReadyAt)))
		ops := make([]types.OperationBlock, 0, len(o.DisassemblyOps)+len(o.AssemblyOps))
		cursor := start
		for _, op := range append(append([]types.OperationBlock{}, o.DisassemblyOps...), o.AssemblyOps...) {
			op.StartTime = types.Float(cursor)
			cursor += op.ExpectedDuration
			op.EndTime = types.Float(cursor)
			ops = append(ops, op)
		}
		free[lane] = cursor

		res.Priorities = append(res.Priorities, types.PriorityEntry{
			OrderID:            o.OrderID,
			Priority:           float64(n - pos),
			DueDate:            o.DueDate,
			ExpectedCompletion: types.Float(cursor),
		})
		if len(o.RouteCandidates) > 0 {
			res.Routes = append(res.Routes, types.RoutePlan{
				OrderID:       o.OrderID,
				RouteID:       o.RouteCandidates[0],
				Operations:    ops,
				ExpectedStart: start,
				ExpectedEnd:   cursor,
			})
		}
	}

	for k, chunk := range chunks(seq, req.Config.QMin, req.Config.QMax) {
		ids := make([]string, 0, len(chunk))
		for _, idx := range chunk {
			o := req.Orders[idx]
			ids = append(ids, o.OrderID)
			if o.ReadyAt == nil || *o.ReadyAt <= req.Now+req.Config.HorizonMinutes {
				res.ReleaseList = append(res.ReleaseList, o.OrderID)
			}
		}
		res.Batches = append(res.Batches, types.Batch{
			ID:        fmt.Sprintf("pip-%d-%d", int64(req.Now), k+1),
			OrderIDs:  ids,
			ReleaseAt: req.Now,
		})
	}
	return res
}

// --- PIPO ---

// ScheduleFCFS 按到达顺序生成单一细排程方案
func ScheduleFCFS(req contract.PIPORequest) contract.PIPOResult {
	plan := schedule("fcfs", req, Sequence(len(req.Orders), arrivalKey))
	return finish(req, []types.Plan{plan})
}

// SchedulePareto 比较到达顺序与最早交期两种方案，保留非支配解并按目标权重选择
func SchedulePareto(req contract.PIPORequest) contract.PIPOResult {
	fcfs := schedule("fcfs", req, Sequence(len(req.Orders), arrivalKey))
	edd := schedule("edd", req, Sequence(len(req.Orders), dueKey(func(i int) *float64 { return req.Orders[i].DueDate })))
	return finish(req, nonDominated([]types.Plan{fcfs, edd}))
}

func schedule(id string, req contract.PIPORequest, seq []int) types.Plan {
	stationFree := map[string]float64{}
	lastOrder := map[string]string{}
	ops := []types.OperationBlock{}
	var makespan, tardiness, setups float64

	for _, idx := range seq {
		o := req.Orders[idx]
		ready := req.StartTime
		for _, op := range o.Operations {
			start := ready
			if free, ok := stationFree[op.StationID]; ok && free > start {
				start = free
			}
			if prev, ok := lastOrder[op.StationID]; ok && prev != o.OrderID && req.Config.SetupMinutes > 0 {
				start += req.Config.SetupMinutes
				setups++
			}
			end := start + op.ExpectedDuration
			op.OrderID = o.OrderID
			op.StartTime = types.Float(start)
			op.EndTime = types.Float(end)
			ops = append(ops, op)
			stationFree[op.StationID] = end
			lastOrder[op.StationID] = o.OrderID
			ready = end
		}
		makespan = maxf(makespan, ready-req.StartTime)
		if o.DueDate != nil {
			tardiness += maxf(0, ready-*o.DueDate)
		}
	}

	return types.Plan{
		ID: id,
		ObjectiveValues: map[string]float64{
			"makespan":  makespan,
			"tardiness": tardiness,
			"setup":     setups * req.Config.SetupWeight,
		},
		Operations: ops,
	}
}

// nonDominated 过滤被支配的方案，目标值完全相同的方案只保留第一个
func nonDominated(plans []types.Plan) []types.Plan {
	var out []types.Plan
	for i, p := range plans {
		keep := true
		for j, q := range plans {
			if i == j {
				continue
			}
			if dominates(q, p) || (j < i && equalObjectives(q, p)) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, p)
		}
	}
	return out
}

func dominates(a, b types.Plan) bool {
	better := false
	for k, av := range a.ObjectiveValues {
		bv := b.ObjectiveValues[k]
		if av > bv {
			return false
		}
		if av < bv {
			better = true
		}
	}
	return better
}

func equalObjectives(a, b types.Plan) bool {
	if len(a.ObjectiveValues) != len(b.ObjectiveValues) {
		return false
	}
	for k, v := range a.ObjectiveValues {
		if b.ObjectiveValues[k] != v {
			return false
		}
	}
	return true
}

// finish 选出加权目标最小的方案，并下发一个班次内开工的工序
func finish(req contract.PIPORequest, plans []types.Plan) contract.PIPOResult {
	res := contract.PIPOResult{ParetoSet: plans, ReleasedOps: []types.OperationBlock{}}
	if len(plans) == 0 {
		res.ParetoSet = []types.Plan{}
		return res
	}

	best, bestScore := 0, 0.0
	for i, p := range plans {
		score := weighted(p, req.Config.ObjectiveWeights)
		if i == 0 || score < bestScore {
			best, bestScore = i, score
		}
	}
	selected := plans[best]
	res.SelectedPlanID = selected.ID

	horizon := req.Config.FactoryCapacity.Shift.HoursPerShift * 60
	for _, op := range selected.Operations {
		if horizon <= 0 || deref(op.StartTime) < req.StartTime+horizon {
			res.ReleasedOps = append(res.ReleasedOps, op)
		}
	}
	return res
}

func weighted(p types.Plan, weights map[string]float64) float64 {
	if len(weights) == 0 {
		return p.ObjectiveValues["makespan"]
	}
	total := 0.0
	for k, w := range weights {
		total += w * p.ObjectiveValues[k]
	}
	return total
}
