package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tiendc/go-deepcopy"

	"remanufacturing-scheduler/internal/types"
)

var (
	ErrEmptyOrderID  = errors.New("pool: order id is empty")
	ErrUnknownStage  = errors.New("pool: unknown stage")
	ErrStageConflict = errors.New("pool: order already held by another stage")
	ErrSameStage     = errors.New("pool: source and destination stage are the same")
)

// Snapshot 是 Pool Store 的完整快照，可用于持久化与恢复
type Snapshot struct {
	FactoryID    string                                      `json:"factoryId"`
	Version      int64                                       `json:"version"`
	Timestamp    int64                                       `json:"timestamp"`              // Unix 毫秒
	TimeAnchorMs float64                                     `json:"timeAnchorMs,omitempty"` // 相对分钟的零点，0 表示尚未确定
	Pools        map[types.Stage]map[string]types.PoolRecord `json:"pools"`
}

// Persister 是快照持久化端口
// Store 在每次变更后异步调用 Save，失败只记录日志
type Persister interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, factoryID string) (*Snapshot, error)
}

// Store 单个工厂的订单池，包含 pap / pip / pipo 三个互不相交的集合
type Store struct {
	factoryID string
	mu        sync.RWMutex
	pools     map[types.Stage]map[string]*types.PoolRecord
	version   int64
	anchorMs  float64
	now       func() time.Time
	logger    *slog.Logger

	persister   Persister
	closed      bool
	pendingMu   sync.Mutex
	pending     *Snapshot
	notify      chan struct{}
	done        chan struct{}
	closeOnce   sync.Once
	saveTimeout time.Duration
}

// Option 配置 Store
type Option func(*Store)

// WithPersister 设置快照持久化端口，不设置时只在内存中运行
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// WithClock 设置快照时间戳使用的时钟
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore 创建一个空的订单池
func NewStore(factoryID string, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		factoryID:   factoryID,
		pools:       newPools(),
		now:         time.Now,
		logger:      logger.With("component", "pool_store", "factory_id", factoryID),
		saveTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.persister != nil {
		s.notify = make(chan struct{}, 1)
		s.done = make(chan struct{})
		go s.persistLoop()
	}
	return s
}

func newPools() map[types.Stage]map[string]*types.PoolRecord {
	pools := make(map[types.Stage]map[string]*types.PoolRecord, len(types.Stages))
	for _, st := range types.Stages {
		pools[st] = make(map[string]*types.PoolRecord)
	}
	return pools
}

// FactoryID 返回所属工厂
func (s *Store) FactoryID() string { return s.factoryID }

// Version 返回当前版本号
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// TimeAnchorMs 返回相对分钟的零点，尚未确定时返回 0
func (s *Store) TimeAnchorMs() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.anchorMs
}

// PinTimeAnchor 零点尚未确定时采用 candidateMs，返回生效的零点
// 零点确定后不再变化，并随快照持久化；它不是订单变更，不增加版本号
func (s *Store) PinTimeAnchor(candidateMs float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.anchorMs == 0 && candidateMs != 0 {
		s.anchorMs = candidateMs
		s.schedulePersist()
	}
	return s.anchorMs
}

// Upsert 向指定阶段插入记录，已存在时合并字段
func (s *Store) Upsert(stage types.Stage, record types.PoolRecord) error {
	if record.OrderID == "" {
		return ErrEmptyOrderID
	}
	in, err := clone(record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pool, ok := s.pools[stage]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}
	if holder, found := s.locate(in.OrderID); found && holder != stage {
		return fmt.Errorf("%w: %s is in %s", ErrStageConflict, in.OrderID, holder)
	}

	s.version++
	if existing, ok := pool[in.OrderID]; ok {
		merge(existing, &in)
	} else {
		rec := &types.PoolRecord{OrderID: in.OrderID, ArrivalSeq: s.version}
		merge(rec, &in)
		pool[in.OrderID] = rec
	}
	s.schedulePersist()
	return nil
}

// MoveStage 将订单从 from 移动到 to，并合并 updates
// 订单不在任何阶段时以空记录为基础插入。整个移动只计一次版本变更。
func (s *Store) MoveStage(orderID string, from, to types.Stage, updates *types.PoolRecord) error {
	if orderID == "" {
		return ErrEmptyOrderID
	}
	if from == to {
		return ErrSameStage
	}
	var in *types.PoolRecord
	if updates != nil {
		c, err := clone(*updates)
		if err != nil {
			return err
		}
		in = &c
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.pools[from]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, from)
	}
	dst, ok := s.pools[to]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownStage, to)
	}
	if holder, found := s.locate(orderID); found && holder != from {
		return fmt.Errorf("%w: %s is in %s", ErrStageConflict, orderID, holder)
	}

	s.version++
	rec, ok := src[orderID]
	if ok {
		delete(src, orderID)
	} else {
		rec = &types.PoolRecord{OrderID: orderID}
	}
	// 在新阶段中的优化位置尚未产生
	rec.OptimizedPosition = nil
	merge(rec, in)
	rec.OrderID = orderID
	rec.ArrivalSeq = s.version
	dst[orderID] = rec
	s.schedulePersist()
	return nil
}

// Remove 从持有该订单的阶段中删除它，订单不存在时返回 false 且不改变版本
func (s *Store) Remove(orderID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	stage, found := s.locate(orderID)
	if !found {
		return false
	}
	s.version++
	delete(s.pools[stage], orderID)
	s.schedulePersist()
	return true
}

// ResetOptimizedPositions 清除所有记录的 optimizedPosition，无记录需要清除时不改变版本
func (s *Store) ResetOptimizedPositions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, pool := range s.pools {
		for _, rec := range pool {
			if rec.OptimizedPosition != nil {
				rec.OptimizedPosition = nil
				n++
			}
		}
	}
	if n > 0 {
		s.version++
		s.schedulePersist()
	}
	return n
}

// Get 返回订单记录的副本及其所在阶段
func (s *Store) Get(orderID string) (types.PoolRecord, types.Stage, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stage, found := s.locate(orderID)
	if !found {
		return types.PoolRecord{}, "", false
	}
	rec, err := clone(*s.pools[stage][orderID])
	if err != nil {
		s.logger.Error("复制订单记录失败", "error", err, "order_id", orderID)
		return types.PoolRecord{}, "", false
	}
	return rec, stage, true
}

// Len 返回阶段中的订单数量
func (s *Store) Len(stage types.Stage) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pools[stage])
}

// Snapshot 返回阶段记录的深拷贝，按 (ArrivalSeq, OrderID) 排序
func (s *Store) Snapshot(stage types.Stage) []types.PoolRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pool := s.pools[stage]
	out := make([]types.PoolRecord, 0, len(pool))
	for _, rec := range pool {
		c, err := clone(*rec)
		if err != nil {
			s.logger.Error("复制订单记录失败", "error", err, "order_id", rec.OrderID)
			continue
		}
		out = append(out, c)
	}
	SortByArrival(out)
	return out
}

// FullSnapshot 返回三个阶段的完整快照及版本号
func (s *Store) FullSnapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fullSnapshotLocked()
}

func (s *Store) fullSnapshotLocked() Snapshot {
	snap := Snapshot{
		FactoryID:    s.factoryID,
		Version:      s.version,
		Timestamp:    s.now().UnixMilli(),
		TimeAnchorMs: s.anchorMs,
		Pools:        make(map[types.Stage]map[string]types.PoolRecord, len(s.pools)),
	}
	for stage, pool := range s.pools {
		m := make(map[string]types.PoolRecord, len(pool))
		for id, rec := range pool {
			c, err := clone(*rec)
			if err != nil {
				s.logger.Error("复制订单记录失败", "error", err, "order_id", id)
				continue
			}
			m[id] = c
		}
		snap.Pools[stage] = m
	}
	return snap
}

// Restore 用快照替换内存状态并采用快照的版本号
// 快照中同一订单出现在多个阶段时拒绝恢复
func (s *Store) Restore(snap Snapshot) error {
	pools := newPools()
	seen := make(map[string]types.Stage)
	for stage, recs := range snap.Pools {
		pool, ok := pools[stage]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
		}
		for id, rec := range recs {
			if prev, dup := seen[id]; dup {
				return fmt.Errorf("%w: %s in %s and %s", ErrStageConflict, id, prev, stage)
			}
			seen[id] = stage
			c, err := clone(rec)
			if err != nil {
				return err
			}
			c.OrderID = id
			pool[id] = &c
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pools = pools
	s.version = snap.Version
	s.anchorMs = snap.TimeAnchorMs
	return nil
}

// locate 返回持有订单的阶段，调用方需持有锁
func (s *Store) locate(orderID string) (types.Stage, bool) {
	for _, st := range types.Stages {
		if _, ok := s.pools[st][orderID]; ok {
			return st, true
		}
	}
	return "", false
}

// schedulePersist 记录最新快照并唤醒持久化协程，调用方需持有写锁
// 只保留最新的一份快照，旧的未写入快照会被覆盖
func (s *Store) schedulePersist() {
	if s.persister == nil || s.closed {
		return
	}
	snap := s.fullSnapshotLocked()
	s.pendingMu.Lock()
	s.pending = &snap
	s.pendingMu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Store) persistLoop() {
	defer close(s.done)
	for range s.notify {
		s.flushPending()
	}
	s.flushPending()
}

func (s *Store) flushPending() {
	s.pendingMu.Lock()
	snap := s.pending
	s.pending = nil
	s.pendingMu.Unlock()
	if snap == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()
	if err := s.persister.Save(ctx, *snap); err != nil {
		s.logger.Warn("快照持久化失败，继续以内存模式运行", "error", err, "version", snap.Version)
	}
}

// Close 停止持久化协程，并写入最后一份未落盘的快照
func (s *Store) Close() {
	if s.persister == nil {
		return
	}
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.notify)
		s.mu.Unlock()
		<-s.done
	})
}

// SortByArrival 按 (ArrivalSeq, OrderID) 排序
func SortByArrival(recs []types.PoolRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].ArrivalSeq != recs[j].ArrivalSeq {
			return recs[i].ArrivalSeq < recs[j].ArrivalSeq
		}
		return recs[i].OrderID < recs[j].OrderID
	})
}

func clone(rec types.PoolRecord) (types.PoolRecord, error) {
	var out types.PoolRecord
	if err := deepcopy.Copy(&out, &rec); err != nil {
		return types.PoolRecord{}, fmt.Errorf("pool: copy record %s: %w", rec.OrderID, err)
	}
	return out, nil
}
