package report

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remanufacturing-scheduler/internal/pool"
	"remanufacturing-scheduler/internal/schedlog"
	"remanufacturing-scheduler/internal/types"
)

func newFixture(t *testing.T) (*pool.Store, *schedlog.Recorder) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := pool.NewStore("plant-a", logger)
	t.Cleanup(store.Close)
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, store.Upsert(types.StagePIPO, types.PoolRecord{OrderID: id}))
	}
	return store, schedlog.NewRecorder(schedlog.NewMemoryStore(), logger)
}

func stage(t *testing.T, d QueueDiff, s types.Stage) StageDiff {
	t.Helper()
	for _, sd := range d.Stages {
		if sd.Stage == s {
			return sd
		}
	}
	t.Fatalf("stage %s missing", s)
	return StageDiff{}
}

func TestQueueDiffNeverRun(t *testing.T) {
	store, rec := newFixture(t)
	d, err := NewReporter(rec).QueueDiff(context.Background(), "plant-a", store)
	require.NoError(t, err)

	require.Len(t, d.Stages, 3)
	pipo := stage(t, d, types.StagePIPO)
	assert.False(t, pipo.HasRun)
	assert.Equal(t, 3, pipo.QueueSize)
	require.Len(t, pipo.Orders, 3)
	for i, o := range pipo.Orders {
		assert.Equal(t, i+1, o.NaturalPosition)
		assert.Nil(t, o.OptimizedPosition)
		assert.Nil(t, o.Delta)
	}
	assert.Empty(t, stage(t, d, types.StagePAP).Orders)
}

func TestQueueDiffDeltas(t *testing.T) {
	store, rec := newFixture(t)
	ctx := context.Background()
	_, err := rec.Record(ctx, "plant-a", types.StagePIPO, types.LogModeIntegrated, types.RunSuccess, map[string]interface{}{
		"optimizedOrder": []string{"C", "gone", "A", "C"},
	})
	require.NoError(t, err)

	d, err := NewReporter(rec).QueueDiff(ctx, "plant-a", store)
	require.NoError(t, err)
	pipo := stage(t, d, types.StagePIPO)
	assert.True(t, pipo.HasRun)
	assert.Equal(t, types.RunSuccess, pipo.LastStatus)

	got := map[string]OrderPosition{}
	for _, o := range pipo.Orders {
		got[o.OrderID] = o
	}
	// C 从第 3 位提前到第 1 位；已离开的订单和重复项不占位置
	require.NotNil(t, got["C"].OptimizedPosition)
	assert.Equal(t, 1, *got["C"].OptimizedPosition)
	assert.Equal(t, 2, *got["C"].Delta)
	assert.Equal(t, 2, *got["A"].OptimizedPosition)
	assert.Equal(t, -1, *got["A"].Delta)
	assert.Nil(t, got["B"].OptimizedPosition, "B was not part of the last plan")
}

func TestQueueDiffFallsBackToLatestSuccess(t *testing.T) {
	store, rec := newFixture(t)
	ctx := context.Background()
	_, err := rec.Record(ctx, "plant-a", types.StagePIPO, types.LogModeIntegrated, types.RunSuccess, map[string]interface{}{
		"optimizedOrder": []string{"B", "A", "C"},
	})
	require.NoError(t, err)
	_, err = rec.Record(ctx, "plant-a", types.StagePIPO, types.LogModeIntegrated, types.RunFailed, map[string]interface{}{
		"error": "timeout",
	})
	require.NoError(t, err)

	d, err := NewReporter(rec).QueueDiff(ctx, "plant-a", store)
	require.NoError(t, err)
	pipo := stage(t, d, types.StagePIPO)
	assert.Equal(t, types.RunFailed, pipo.LastStatus)
	require.NotNil(t, pipo.Orders[1].OptimizedPosition)
	assert.Equal(t, "B", pipo.Orders[1].OrderID)
	assert.Equal(t, 1, *pipo.Orders[1].OptimizedPosition)
}

type failingLogs struct{}

func (failingLogs) Latest(context.Context, string, types.Stage) (*types.SchedulingLogEntry, error) {
	return nil, errors.New("store offline")
}

func (failingLogs) LatestSuccess(context.Context, string, types.Stage) (*types.SchedulingLogEntry, error) {
	return nil, nil
}

func TestQueueDiffLogError(t *testing.T) {
	store, _ := newFixture(t)
	_, err := NewReporter(failingLogs{}).QueueDiff(context.Background(), "plant-a", store)
	assert.ErrorContains(t, err, "store offline")
}
