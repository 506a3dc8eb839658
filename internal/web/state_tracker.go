package web

import (
	"sort"
	"sync"
	"time"

	"remanufacturing-scheduler/internal/types"
)

// 阶段最近一次运行的结果
const (
	RunNever   = "never_run"
	RunOK      = "success"
	RunFailed  = "failed"
	RunSkipped = "skipped"
)

// StageState 定义了用于监控界面展示的阶段状态
type StageState struct {
	FactoryID  string      `json:"factoryId"`
	Stage      types.Stage `json:"stage"`
	State      string      `json:"state"`      // 状态机当前状态
	LastStatus string      `json:"lastStatus"` // never_run / success / failed / skipped
	LastRunAt  *time.Time  `json:"lastRunAt,omitempty"`
	LastError  string      `json:"lastError,omitempty"`
	PoolSize   int         `json:"poolSize"`
	Runs       int64       `json:"runs"`
	Failures   int64       `json:"failures"`
}

// GlobalState 所有工厂、所有阶段的实时状态快照
type GlobalState struct {
	Stages []StageState `json:"stages"`
}

type stageKey struct {
	factoryID string
	stage     types.Stage
}

// StateTracker 负责追踪每个 (工厂, 阶段) 的状态，并通知前端更新
type StateTracker struct {
	mu     sync.RWMutex
	stages map[stageKey]*StageState
	hub    *Hub
}

// NewStateTracker 创建一个新的 StateTracker 实例，hub 可以为 nil
func NewStateTracker(hub *Hub) *StateTracker {
	return &StateTracker{
		stages: make(map[stageKey]*StageState),
		hub:    hub,
	}
}

func (st *StateTracker) entry(factoryID string, stage types.Stage) *StageState {
	k := stageKey{factoryID, stage}
	s, ok := st.stages[k]
	if !ok {
		s = &StageState{FactoryID: factoryID, Stage: stage, State: "IDLE", LastStatus: RunNever}
		st.stages[k] = s
	}
	return s
}

// AddFactory 为工厂注册三个阶段，初始为 never_run
func (st *StateTracker) AddFactory(factoryID string) {
	st.mu.Lock()
	for _, stage := range types.Stages {
		st.entry(factoryID, stage)
	}
	st.mu.Unlock()
	st.broadcast()
}

// UpdateState 更新状态机状态
func (st *StateTracker) UpdateState(factoryID string, stage types.Stage, state string) {
	st.mu.Lock()
	st.entry(factoryID, stage).State = state
	st.mu.Unlock()
	st.broadcast()
}

// RecordRun 记录一次阶段运行的结果
func (st *StateTracker) RecordRun(factoryID string, stage types.Stage, status string, at time.Time, err error) {
	st.mu.Lock()
	s := st.entry(factoryID, stage)
	s.LastStatus = status
	if status != RunSkipped {
		t := at
		s.LastRunAt = &t
		s.Runs++
	}
	s.LastError = ""
	if err != nil {
		s.LastError = err.Error()
	}
	if status == RunFailed {
		s.Failures++
	}
	st.mu.Unlock()
	st.broadcast()
}

// UpdatePoolSize 更新阶段订单数
func (st *StateTracker) UpdatePoolSize(factoryID string, stage types.Stage, size int) {
	st.mu.Lock()
	st.entry(factoryID, stage).PoolSize = size
	st.mu.Unlock()
	st.broadcast()
}

// Get 返回单个阶段的状态
func (st *StateTracker) Get(factoryID string, stage types.Stage) (StageState, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.stages[stageKey{factoryID, stage}]
	if !ok {
		return StageState{}, false
	}
	return *s, true
}

// GetStateSnapshot 返回当前全局状态的副本，按工厂与阶段顺序排序
func (st *StateTracker) GetStateSnapshot() GlobalState {
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := GlobalState{Stages: make([]StageState, 0, len(st.stages))}
	for _, s := range st.stages {
		out.Stages = append(out.Stages, *s)
	}
	order := map[types.Stage]int{types.StagePAP: 0, types.StagePIP: 1, types.StagePIPO: 2}
	sort.Slice(out.Stages, func(i, j int) bool {
		if out.Stages[i].FactoryID != out.Stages[j].FactoryID {
			return out.Stages[i].FactoryID < out.Stages[j].FactoryID
		}
		return order[out.Stages[i].Stage] < order[out.Stages[j].Stage]
	})
	return out
}

func (st *StateTracker) broadcast() {
	if st.hub == nil {
		return
	}
	st.hub.BroadcastState(st.GetStateSnapshot())
}
