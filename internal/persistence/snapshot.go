package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"remanufacturing-scheduler/internal/pool"
)

var validFactoryID = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// SnapshotDir 将每个工厂的订单池快照保存为目录下的一个 JSON 文件
type SnapshotDir struct {
	dir string
	mu  sync.Mutex
}

// NewSnapshotDir 创建快照目录
func NewSnapshotDir(dir string) (*SnapshotDir, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotDir{dir: dir}, nil
}

func (d *SnapshotDir) path(factoryID string) (string, error) {
	if !validFactoryID.MatchString(factoryID) {
		return "", fmt.Errorf("invalid factory id %q", factoryID)
	}
	return filepath.Join(d.dir, factoryID+".snapshot.json"), nil
}

// Save 先写临时文件再重命名，保证文件内容始终完整
func (d *SnapshotDir) Save(_ context.Context, snap pool.Snapshot) error {
	p, err := d.path(snap.FactoryID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

// Load 读取工厂快照，不存在时返回 nil
func (d *SnapshotDir) Load(_ context.Context, factoryID string) (*pool.Snapshot, error) {
	p, err := d.path(factoryID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snap pool.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", p, err)
	}
	return &snap, nil
}

// MemorySnapshots 只保存在内存中的快照，主要用于测试和默认配置
type MemorySnapshots struct {
	mu    sync.Mutex
	snaps map[string][]byte
	saves int
}

// NewMemorySnapshots 创建内存快照存储
func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{snaps: make(map[string][]byte)}
}

func (m *MemorySnapshots) Save(_ context.Context, snap pool.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.FactoryID] = data
	m.saves++
	return nil
}

func (m *MemorySnapshots) Load(_ context.Context, factoryID string) (*pool.Snapshot, error) {
	m.mu.Lock()
	data, ok := m.snaps[factoryID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var snap pool.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Saves 返回累计写入次数
func (m *MemorySnapshots) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
