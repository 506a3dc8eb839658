package fsm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remanufacturing-scheduler/internal/types"
)

func TestSuccessfulRun(t *testing.T) {
	var seen []Transition
	m := New("plant-a", types.StagePIP, func(tr Transition) { seen = append(seen, tr) })
	ctx := context.Background()
	assert.Equal(t, StateIdle, m.Current())

	for _, ev := range []Event{EventBuild, EventInvoke, EventApply, EventFinish} {
		require.NoError(t, m.Fire(ctx, ev))
	}
	assert.Equal(t, StateIdle, m.Current())

	require.Len(t, seen, 4)
	assert.Equal(t, Transition{FactoryID: "plant-a", Stage: types.StagePIP, Event: EventBuild, From: StateIdle, To: StateBuilding}, seen[0])
	assert.Equal(t, StateApplying, seen[3].From)
	assert.Equal(t, StateIdle, seen[3].To)
}

func TestFailAndReset(t *testing.T) {
	m := New("plant-a", types.StagePIPO, nil)
	ctx := context.Background()

	require.NoError(t, m.Fire(ctx, EventBuild))
	require.NoError(t, m.Fire(ctx, EventInvoke))
	require.NoError(t, m.Fire(ctx, EventFail))
	assert.Equal(t, StateFailed, m.Current())

	// 失败后必须先复位才能开始下一次运行
	assert.Error(t, m.Fire(ctx, EventBuild))
	require.NoError(t, m.Fire(ctx, EventReset))
	assert.Equal(t, StateIdle, m.Current())
}

func TestInvalidTransition(t *testing.T) {
	m := New("plant-a", types.StagePAP, nil)
	err := m.Fire(context.Background(), EventApply)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "from state IDLE")
	assert.Equal(t, StateIdle, m.Current())
}
