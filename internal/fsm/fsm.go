package fsm

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"

	"remanufacturing-scheduler/internal/types"
)

// State 定义阶段运行状态
type State string

// Event 定义状态机事件
type Event string

const (
	StateIdle     State = "IDLE"
	StateBuilding State = "BUILDING_PAYLOAD"
	StateInvoking State = "INVOKING"
	StateApplying State = "APPLYING"
	StateFailed   State = "FAILED"
)

const (
	EventBuild  Event = "BUILD"
	EventInvoke Event = "INVOKE"
	EventApply  Event = "APPLY"
	EventFinish Event = "FINISH"
	EventFail   Event = "FAIL"
	EventReset  Event = "RESET"
)

// Transition 一次状态变更
type Transition struct {
	FactoryID string
	Stage     types.Stage
	Event     Event
	From      State
	To        State
}

// Machine 是单个 (工厂, 阶段) 的运行状态机
//
//	IDLE -> BUILDING_PAYLOAD -> INVOKING -> APPLYING -> IDLE
//	BUILDING_PAYLOAD / INVOKING / APPLYING -> FAILED -> IDLE
type Machine struct {
	FactoryID string
	Stage     types.Stage
	fsm       *fsm.FSM
}

// New 创建处于 IDLE 状态的状态机，onEnter 在每次进入新状态后同步调用
// 回调中不要再调用 Fire
func New(factoryID string, stage types.Stage, onEnter func(Transition)) *Machine {
	m := &Machine{FactoryID: factoryID, Stage: stage}
	m.fsm = fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: string(EventBuild), Src: []string{string(StateIdle)}, Dst: string(StateBuilding)},
			{Name: string(EventInvoke), Src: []string{string(StateBuilding)}, Dst: string(StateInvoking)},
			{Name: string(EventApply), Src: []string{string(StateInvoking)}, Dst: string(StateApplying)},
			{Name: string(EventFinish), Src: []string{string(StateApplying)}, Dst: string(StateIdle)},
			{Name: string(EventFail), Src: []string{string(StateBuilding), string(StateInvoking), string(StateApplying)}, Dst: string(StateFailed)},
			{Name: string(EventReset), Src: []string{string(StateFailed)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if onEnter != nil {
					onEnter(Transition{
						FactoryID: factoryID,
						Stage:     stage,
						Event:     Event(e.Event),
						From:      State(e.Src),
						To:        State(e.Dst),
					})
				}
			},
		},
	)
	return m
}

// Current 返回当前状态
func (m *Machine) Current() State { return State(m.fsm.Current()) }

// Fire 触发事件
func (m *Machine) Fire(ctx context.Context, event Event) error {
	if err := m.fsm.Event(ctx, string(event)); err != nil {
		return fmt.Errorf("invalid transition: cannot fire event %s from state %s: %w", event, m.Current(), err)
	}
	return nil
}
