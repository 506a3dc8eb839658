package persistence

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remanufacturing-scheduler/internal/pool"
	"remanufacturing-scheduler/internal/schedlog"
	"remanufacturing-scheduler/internal/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entry(id, factory string, stage types.Stage, at int64) types.SchedulingLogEntry {
	return types.SchedulingLogEntry{
		ID:        id,
		FactoryID: factory,
		Stage:     stage,
		Mode:      types.LogModeSummary,
		Status:    types.RunSuccess,
		CreatedAt: at,
		Details:   map[string]interface{}{"optimizedOrder": []interface{}{"A", "B"}},
	}
}

// testLogStore 对所有日志存储执行相同的行为检查
func testLogStore(t *testing.T, store schedlog.Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, entry("1", "f1", types.StagePAP, 100)))
	require.NoError(t, store.Append(ctx, entry("2", "f1", types.StagePIP, 200)))
	require.NoError(t, store.Append(ctx, entry("3", "f1", types.StagePAP, 200)))
	require.NoError(t, store.Append(ctx, entry("4", "f2", types.StagePAP, 300)))

	all, err := store.List(ctx, schedlog.Query{FactoryID: "f1"})
	require.NoError(t, err)
	var ids []string
	for _, e := range all {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []string{"3", "2", "1"}, ids, "newest first, later write first on ties")
	assert.Equal(t, []interface{}{"A", "B"}, all[0].Details["optimizedOrder"])

	paps, err := store.List(ctx, schedlog.Query{FactoryID: "f1", Stage: types.StagePAP, Since: 150})
	require.NoError(t, err)
	require.Len(t, paps, 1)
	assert.Equal(t, "3", paps[0].ID)

	limited, err := store.List(ctx, schedlog.Query{FactoryID: "f1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	n, err := store.DeleteFactory(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	left, err := store.List(ctx, schedlog.Query{FactoryID: "f1"})
	require.NoError(t, err)
	assert.Empty(t, left)
	other, err := store.List(ctx, schedlog.Query{FactoryID: "f2"})
	require.NoError(t, err)
	assert.Len(t, other, 1)

	// 清除之后仍可继续追加
	require.NoError(t, store.Append(ctx, entry("5", "f1", types.StagePIPO, 400)))
	again, err := store.List(ctx, schedlog.Query{FactoryID: "f1"})
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, types.StagePIPO, again[0].Stage)
}

func TestMemoryLogStore(t *testing.T) {
	testLogStore(t, schedlog.NewMemoryStore())
}

func TestWALLogStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduling.wal")
	wal, err := NewWAL(path)
	require.NoError(t, err)
	t.Cleanup(func() { wal.Close() })
	testLogStore(t, wal)
}

func TestWALReplaysAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scheduling.wal")
	ctx := context.Background()

	wal, err := NewWAL(path)
	require.NoError(t, err)
	require.NoError(t, wal.Append(ctx, entry("1", "f1", types.StagePAP, 100)))
	require.NoError(t, wal.Append(ctx, entry("2", "f2", types.StagePAP, 100)))
	_, err = wal.DeleteFactory(ctx, "f2")
	require.NoError(t, err)
	require.NoError(t, wal.Close())

	// 模拟崩溃时写了一半的行
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"ENTRY","entry":{"id":"broken"`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := NewWAL(path)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	f1, err := reopened.List(ctx, schedlog.Query{FactoryID: "f1"})
	require.NoError(t, err)
	require.Len(t, f1, 1)
	assert.Equal(t, "1", f1[0].ID)
	f2, err := reopened.List(ctx, schedlog.Query{FactoryID: "f2"})
	require.NoError(t, err)
	assert.Empty(t, f2)
}

func TestSQLiteLogStore(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	testLogStore(t, db)
}

func sampleSnapshot(version int64) pool.Snapshot {
	return pool.Snapshot{
		FactoryID: "plant-a",
		Version:   version,
		Timestamp: 1700000000000,
		Pools: map[types.Stage]map[string]types.PoolRecord{
			types.StagePAP: {
				"A": {OrderID: "A", ArrivalSeq: 1, Metadata: map[string]interface{}{"dueDate": 1000.0}},
			},
			types.StagePIP: {
				"B": {OrderID: "B", ArrivalSeq: 2, PriorityScore: types.Float(7), RouteCandidates: []string{"r1"}},
			},
			types.StagePIPO: {},
		},
	}
}

// testPersister 对所有快照存储执行相同的行为检查
func testPersister(t *testing.T, p pool.Persister) {
	t.Helper()
	ctx := context.Background()

	missing, err := p.Load(ctx, "plant-a")
	require.NoError(t, err)
	assert.Nil(t, missing)

	want := sampleSnapshot(5)
	require.NoError(t, p.Save(ctx, want))
	got, err := p.Load(ctx, "plant-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(want, *got); diff != "" {
		t.Errorf("快照读回后不一致 (-want +got):\n%s", diff)
	}

	newer := sampleSnapshot(6)
	delete(newer.Pools[types.StagePAP], "A")
	require.NoError(t, p.Save(ctx, newer))
	got, err = p.Load(ctx, "plant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.Version)
	assert.Empty(t, got.Pools[types.StagePAP])
}

func TestMemorySnapshots(t *testing.T) {
	m := NewMemorySnapshots()
	testPersister(t, m)
	assert.Equal(t, 2, m.Saves())
}

func TestSnapshotDir(t *testing.T) {
	dir, err := NewSnapshotDir(filepath.Join(t.TempDir(), "snapshots"))
	require.NoError(t, err)
	testPersister(t, dir)

	_, err = dir.Load(context.Background(), "../escape")
	assert.Error(t, err)
}

func TestSQLiteSnapshots(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "scheduler.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	testPersister(t, db)

	// 旧版本的快照不会覆盖新版本
	require.NoError(t, db.Save(context.Background(), sampleSnapshot(3)))
	got, err := db.Load(context.Background(), "plant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(6), got.Version)
}

func TestStoreRestoresFromSnapshotDir(t *testing.T) {
	dir, err := NewSnapshotDir(t.TempDir())
	require.NoError(t, err)

	store := pool.NewStore("plant-a", discardLogger(), pool.WithPersister(dir))
	require.NoError(t, store.Upsert(types.StagePAP, types.PoolRecord{OrderID: "A"}))
	require.NoError(t, store.MoveStage("A", types.StagePAP, types.StagePIP, &types.PoolRecord{PriorityScore: types.Float(2)}))
	store.Close()

	snap, err := dir.Load(context.Background(), "plant-a")
	require.NoError(t, err)
	require.NotNil(t, snap)

	restored := pool.NewStore("plant-a", discardLogger())
	require.NoError(t, restored.Restore(*snap))
	assert.Equal(t, store.Version(), restored.Version())
	assert.Equal(t, store.Snapshot(types.StagePIP), restored.Snapshot(types.StagePIP))
}
