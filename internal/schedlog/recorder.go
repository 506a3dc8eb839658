// Package schedlog 记录每一次阶段运行的不可变调度日志
package schedlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"remanufacturing-scheduler/internal/types"
)

var ErrInvalidEntry = errors.New("schedlog: invalid entry")

// Query 日志查询条件
type Query struct {
	FactoryID string
	Stage     types.Stage // 为空表示所有阶段
	Since     int64       // Unix 毫秒下界 (含)，0 表示不限
	Limit     int         // 0 表示不限
}

// Matches 判断日志是否满足查询条件
func (q Query) Matches(e types.SchedulingLogEntry) bool {
	if e.FactoryID != q.FactoryID {
		return false
	}
	if q.Stage != "" && e.Stage != q.Stage {
		return false
	}
	return q.Since == 0 || e.CreatedAt >= q.Since
}

// Store 是日志存储端口，只支持追加、有序读取和按工厂清除
type Store interface {
	Append(ctx context.Context, entry types.SchedulingLogEntry) error
	// List 按 CreatedAt 倒序返回，CreatedAt 相同时后写入的在前
	List(ctx context.Context, q Query) ([]types.SchedulingLogEntry, error)
	DeleteFactory(ctx context.Context, factoryID string) (int, error)
}

// PositionResetter 在清除日志时重置下游的优化位置字段
type PositionResetter interface {
	ResetOptimizedPositions() int
}

// Recorder 调度日志记录器
type Recorder struct {
	store  Store
	now    func() time.Time
	logger *slog.Logger
}

// NewRecorder 创建日志记录器
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		now:    time.Now,
		logger: logger.With("component", "schedlog"),
	}
}

// WithClock 替换记录时间使用的时钟
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record 追加一条日志，details 会经过 JSON 规范化，之后与调用方不再共享任何数据
func (r *Recorder) Record(ctx context.Context, factoryID string, stage types.Stage, mode types.LogMode, status types.RunStatus, details interface{}) (types.SchedulingLogEntry, error) {
	if factoryID == "" || stage == "" {
		return types.SchedulingLogEntry{}, fmt.Errorf("%w: factory and stage are required", ErrInvalidEntry)
	}
	normalized, err := normalize(details)
	if err != nil {
		return types.SchedulingLogEntry{}, err
	}
	entry := types.SchedulingLogEntry{
		ID:        uuid.NewString(),
		FactoryID: factoryID,
		Stage:     stage,
		Mode:      mode,
		Status:    status,
		CreatedAt: r.now().UnixMilli(),
		Details:   normalized,
	}
	if err := r.store.Append(ctx, entry); err != nil {
		return types.SchedulingLogEntry{}, fmt.Errorf("append scheduling log: %w", err)
	}
	r.logger.Debug("写入调度日志", "factory_id", factoryID, "stage", stage, "status", status, "entry_id", entry.ID)
	return entry, nil
}

// List 按时间倒序读取日志
func (r *Recorder) List(ctx context.Context, q Query) ([]types.SchedulingLogEntry, error) {
	return r.store.List(ctx, q)
}

// Latest 返回某工厂某阶段最近一条日志
func (r *Recorder) Latest(ctx context.Context, factoryID string, stage types.Stage) (*types.SchedulingLogEntry, error) {
	entries, err := r.store.List(ctx, Query{FactoryID: factoryID, Stage: stage, Limit: 1})
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// LatestSuccess 返回某工厂某阶段最近一条成功日志
func (r *Recorder) LatestSuccess(ctx context.Context, factoryID string, stage types.Stage) (*types.SchedulingLogEntry, error) {
	entries, err := r.store.List(ctx, Query{FactoryID: factoryID, Stage: stage})
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].Status == types.RunSuccess {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// ClearFactory 清除工厂的全部日志，并重置该工厂订单的 optimizedPosition
func (r *Recorder) ClearFactory(ctx context.Context, factoryID string, resetter PositionResetter) (int, error) {
	n, err := r.store.DeleteFactory(ctx, factoryID)
	if err != nil {
		return 0, fmt.Errorf("clear scheduling logs: %w", err)
	}
	reset := 0
	if resetter != nil {
		reset = resetter.ResetOptimizedPositions()
	}
	r.logger.Info("已清除工厂调度日志", "factory_id", factoryID, "entries", n, "positions_reset", reset)
	return n, nil
}

func normalize(details interface{}) (map[string]interface{}, error) {
	if details == nil {
		return map[string]interface{}{}, nil
	}
	data, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("%w: details: %v", ErrInvalidEntry, err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: details must be an object: %v", ErrInvalidEntry, err)
	}
	if out == nil {
		out = map[string]interface{}{}
	}
	return out, nil
}

// NewestFirst 将按写入顺序排列的日志转换为按 CreatedAt 倒序，时间相同时后写入的在前
func NewestFirst(inWriteOrder []types.SchedulingLogEntry, q Query) []types.SchedulingLogEntry {
	var out []types.SchedulingLogEntry
	for i := len(inWriteOrder) - 1; i >= 0; i-- {
		if q.Matches(inWriteOrder[i]) {
			out = append(out, inWriteOrder[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// MemoryStore 内存日志存储
type MemoryStore struct {
	mu      sync.RWMutex
	entries []types.SchedulingLogEntry
}

// NewMemoryStore 创建内存日志存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, entry types.SchedulingLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *MemoryStore) List(_ context.Context, q Query) ([]types.SchedulingLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := NewestFirst(m.entries, q)
	for i := range out {
		details, err := normalize(out[i].Details)
		if err != nil {
			return nil, err
		}
		out[i].Details = details
	}
	return out, nil
}

func (m *MemoryStore) DeleteFactory(_ context.Context, factoryID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.entries[:0]
	n := 0
	for _, e := range m.entries {
		if e.FactoryID == factoryID {
			n++
			continue
		}
		kept = append(kept, e)
	}
	m.entries = kept
	return n, nil
}
