package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"remanufacturing-scheduler/internal/schedlog"
	"remanufacturing-scheduler/internal/types"
)

const (
	walTypeEntry = "ENTRY" // 新的调度日志
	walTypeClear = "CLEAR" // 清除某工厂此前的全部日志
)

// walRecord 代表 WAL 文件中的一行
type walRecord struct {
	Type      string                    `json:"type"`
	Entry     *types.SchedulingLogEntry `json:"entry,omitempty"`
	FactoryID string                    `json:"factory_id,omitempty"`
}

// WAL 是追加写入的调度日志文件 (JSON Lines)，实现 schedlog.Store
// 清除操作写入 CLEAR 标记而不是改写文件，读取时按顺序回放
type WAL struct {
	file *os.File
	mu   sync.Mutex
}

// NewWAL 创建或打开一个 WAL 文件
func NewWAL(path string) (*WAL, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{file: file}, nil
}

// Append 写入一条调度日志
func (w *WAL) Append(_ context.Context, entry types.SchedulingLogEntry) error {
	return w.write(walRecord{Type: walTypeEntry, Entry: &entry})
}

// DeleteFactory 写入 CLEAR 标记并返回被清除的日志条数
func (w *WAL) DeleteFactory(ctx context.Context, factoryID string) (int, error) {
	entries, err := w.replay()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if e.FactoryID == factoryID {
			n++
		}
	}
	if err := w.write(walRecord{Type: walTypeClear, FactoryID: factoryID}); err != nil {
		return 0, err
	}
	return n, nil
}

// List 回放文件后按时间倒序返回
func (w *WAL) List(_ context.Context, q schedlog.Query) ([]types.SchedulingLogEntry, error) {
	entries, err := w.replay()
	if err != nil {
		return nil, err
	}
	return schedlog.NewestFirst(entries, q), nil
}

func (w *WAL) write(rec walRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	// 写入数据并在末尾添加换行符
	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return w.file.Sync()
}

// replay 从头读取文件，返回按写入顺序排列的有效日志
func (w *WAL) replay() ([]types.SchedulingLogEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	var entries []types.SchedulingLogEntry
	scanner := bufio.NewScanner(w.file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var rec walRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// 忽略损坏的行
			continue
		}
		switch rec.Type {
		case walTypeEntry:
			if rec.Entry != nil {
				entries = append(entries, *rec.Entry)
			}
		case walTypeClear:
			kept := entries[:0]
			for _, e := range entries {
				if e.FactoryID != rec.FactoryID {
					kept = append(kept, e)
				}
			}
			entries = kept
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	// 恢复文件指针到末尾，以便后续追加写入
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return nil, err
	}
	return entries, nil
}

// Close 关闭 WAL 文件
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}
