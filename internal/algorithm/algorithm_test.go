package algorithm

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remanufacturing-scheduler/internal/contract"
	"remanufacturing-scheduler/internal/types"
)

func TestSequence(t *testing.T) {
	due := []*float64{types.Float(5), nil, types.Float(1), types.Float(5)}
	got := Sequence(len(due), dueKey(func(i int) *float64 { return due[i] }))
	assert.Equal(t, []int{2, 0, 3, 1}, got, "ties keep request order, missing due dates last")

	assert.Equal(t, []int{0, 1, 2}, Sequence(3, arrivalKey))
	assert.Empty(t, Sequence(0, arrivalKey))
}

func TestChunks(t *testing.T) {
	seq := []int{0, 1, 2, 3, 4}
	assert.Equal(t, [][]int{{0, 1}, {2, 3}}, chunks(seq, 2, 2))
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4}}, chunks(seq, 1, 3))
	assert.Equal(t, [][]int{{0, 1, 2, 3, 4}}, chunks(seq, 0, 0))
	assert.Empty(t, chunks(seq[:1], 2, 4))
}

func TestBatchFCFS(t *testing.T) {
	req := contract.PAPRequest{
		Now: 10,
		Orders: []contract.PAPOrder{
			{OrderID: "A", CreatedAt: types.Float(0), DisassemblyDuration: types.Float(10), AssemblyDuration: types.Float(20)},
			{OrderID: "B", CreatedAt: types.Float(5), DisassemblyDuration: types.Float(10), AssemblyDuration: types.Float(10)},
			{OrderID: "C"},
		},
		Config: contract.PAPConfig{
			QMin:            2,
			QMax:            2,
			FactoryCapacity: types.FactoryCapacity{AssemblyStations: 1, DisassemblyStations: 1},
		},
	}

	res := BatchFCFS(req)
	require.Len(t, res.Batches, 1, "the single leftover order waits for the next run")
	assert.Equal(t, "pap-10-1", res.Batches[0].ID)
	assert.Equal(t, []string{"A", "B"}, res.Batches[0].OrderIDs)
	assert.Equal(t, 10.0, res.Batches[0].ReleaseAt)

	require.Len(t, res.EtaList, 3)
	assert.Equal(t, 40.0, res.EtaList[0].Eta)
	assert.Equal(t, 60.0, res.EtaList[1].Eta)
	assert.Equal(t, "C", res.EtaList[2].OrderID)
	assert.InDelta(t, 34, *res.EtaList[0].Lower, 1e-9)
}

func TestPrioritizeEDDReleasesWithinHorizon(t *testing.T) {
	req := contract.PIPRequest{
		Now: 0,
		Orders: []contract.PIPOrder{
			{OrderID: "A", DueDate: types.Float(300), RouteCandidates: []string{"r1", "r2"},
				DisassemblyOps: []types.OperationBlock{{ID: "d1", StationID: "s1", ExpectedDuration: 15}}},
			{OrderID: "B", DueDate: types.Float(100), ReadyAt: types.Float(1000)},
		},
		Config: contract.PIPConfig{QMin: 1, QMax: 10, HorizonMinutes: 60},
	}

	res := PrioritizeEDD(req)
	assert.Equal(t, contract.KindRelease, res.Kind)
	require.Len(t, res.Priorities, 2)
	assert.Equal(t, "B", res.Priorities[0].OrderID)
	assert.Greater(t, res.Priorities[0].Priority, res.Priorities[1].Priority)

	require.Len(t, res.Routes, 1)
	assert.Equal(t, "r1", res.Routes[0].RouteID)
	require.Len(t, res.Routes[0].Operations, 1)
	assert.Equal(t, 15.0, res.Routes[0].ExpectedEnd-res.Routes[0].ExpectedStart)

	require.Len(t, res.Batches, 1)
	assert.Equal(t, []string{"B", "A"}, res.Batches[0].OrderIDs)
	assert.Equal(t, []string{"A"}, res.ReleaseList, "B is not ready within the horizon")
}

func TestSchedulePareto(t *testing.T) {
	req := contract.PIPORequest{
		StartTime: 0,
		Orders: []contract.PIPOOrder{
			{OrderID: "A", DueDate: types.Float(100), Operations: []types.OperationBlock{{ID: "a1", StationID: "s1", ExpectedDuration: 50}}},
			{OrderID: "B", DueDate: types.Float(10), Operations: []types.OperationBlock{{ID: "b1", StationID: "s1", ExpectedDuration: 5}}},
		},
		Config: contract.PIPOConfig{ObjectiveWeights: map[string]float64{"makespan": 1, "tardiness": 1}},
	}

	res := SchedulePareto(req)
	require.Len(t, res.ParetoSet, 1, "edd dominates fcfs")
	assert.Equal(t, "edd", res.SelectedPlanID)
	plan, ok := res.SelectedPlan()
	require.True(t, ok)
	assert.Equal(t, 55.0, plan.ObjectiveValues["makespan"])
	assert.Equal(t, 0.0, plan.ObjectiveValues["tardiness"])
	require.Len(t, res.ReleasedOps, 2)
	assert.Equal(t, "b1", res.ReleasedOps[0].ID)
	assert.Equal(t, 5.0, *res.ReleasedOps[1].StartTime)

	fcfs := ScheduleFCFS(req)
	require.Len(t, fcfs.ParetoSet, 1)
	assert.Equal(t, 45.0, fcfs.ParetoSet[0].ObjectiveValues["tardiness"])
}

func TestScheduleSetupAndShiftHorizon(t *testing.T) {
	req := contract.PIPORequest{
		StartTime: 0,
		Orders: []contract.PIPOOrder{
			{OrderID: "A", Operations: []types.OperationBlock{{ID: "a1", StationID: "s1", ExpectedDuration: 30}}},
			{OrderID: "B", Operations: []types.OperationBlock{{ID: "b1", StationID: "s1", ExpectedDuration: 30}}},
		},
		Config: contract.PIPOConfig{
			SetupMinutes:    10,
			SetupWeight:     2,
			FactoryCapacity: types.FactoryCapacity{Shift: types.ShiftModel{ShiftsPerDay: 1, HoursPerShift: 0.5}},
		},
	}
	res := ScheduleFCFS(req)
	plan, ok := res.SelectedPlan()
	require.True(t, ok)
	assert.Equal(t, 70.0, plan.ObjectiveValues["makespan"])
	assert.Equal(t, 2.0, plan.ObjectiveValues["setup"])
	require.Len(t, res.ReleasedOps, 1, "only operations starting inside the shift are released")
	assert.Equal(t, "a1", res.ReleasedOps[0].ID)
}

func TestParetoKeepsOneOfEqualPlans(t *testing.T) {
	req := contract.PIPORequest{
		Orders: []contract.PIPOOrder{
			{OrderID: "A", Operations: []types.OperationBlock{{ID: "a1", StationID: "s1", ExpectedDuration: 5}}},
		},
	}
	res := SchedulePareto(req)
	require.Len(t, res.ParetoSet, 1)
	assert.Equal(t, "fcfs", res.SelectedPlanID)

	empty := SchedulePareto(contract.PIPORequest{})
	assert.Len(t, empty.ParetoSet, 1)
	assert.Empty(t, empty.ReleasedOps)
}

func TestLookup(t *testing.T) {
	fn, ok := Lookup(types.StagePIPO, "")
	require.True(t, ok)

	payload, err := json.Marshal(contract.PIPORequest{Orders: []contract.PIPOOrder{
		{OrderID: "A", Operations: []types.OperationBlock{{ID: "a1", StationID: "s1", ExpectedDuration: 5}}},
	}})
	require.NoError(t, err)
	raw, err := fn(context.Background(), payload)
	require.NoError(t, err)

	res, err := contract.DecodeResult(types.StagePIPO, raw)
	require.NoError(t, err, "builtin output satisfies the result schema")
	assert.Equal(t, "fcfs", res.(contract.PIPOResult).SelectedPlanID)

	_, err = fn(context.Background(), []byte("not json"))
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = fn(ctx, payload)
	assert.ErrorIs(t, err, context.Canceled)

	_, ok = Lookup(types.StagePAP, "genetic")
	assert.False(t, ok)
	assert.Equal(t, []string{"fcfs", "pareto"}, Names(types.StagePIPO))
}

func TestBuiltinsSatisfySchemas(t *testing.T) {
	requests := map[types.Stage]interface{}{
		types.StagePAP: contract.PAPRequest{Orders: []contract.PAPOrder{{OrderID: "A"}}, Config: contract.PAPConfig{QMin: 1, QMax: 2}},
		types.StagePIP: contract.PIPRequest{Orders: []contract.PIPOrder{{OrderID: "A", RouteCandidates: []string{"r1"}}}, Config: contract.PIPConfig{QMin: 1, QMax: 2}},
	}
	for stage, req := range requests {
		payload, err := json.Marshal(req)
		require.NoError(t, err)
		for _, name := range Names(stage) {
			fn, _ := Lookup(stage, name)
			raw, err := fn(context.Background(), payload)
			require.NoError(t, err)
			_, err = contract.DecodeResult(stage, raw)
			assert.NoError(t, err, "%s/%s", stage, name)
		}
	}
}
