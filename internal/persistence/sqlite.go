package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"remanufacturing-scheduler/internal/pool"
	"remanufacturing-scheduler/internal/schedlog"
	"remanufacturing-scheduler/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pool_snapshots (
	factory_id TEXT PRIMARY KEY,
	version    INTEGER NOT NULL,
	taken_at   INTEGER NOT NULL,
	data       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS scheduling_logs (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	factory_id TEXT NOT NULL,
	stage      TEXT NOT NULL,
	mode       TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	details    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduling_logs_lookup ON scheduling_logs (factory_id, stage, created_at);
`

// SQLiteStore 同时实现订单池快照端口和调度日志存储
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开 (或创建) SQLite 数据库并初始化表结构
func OpenSQLite(path string) (*SQLiteStore, error) {
	connStr := "file:" + path + "?cache=shared&mode=rwc&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite 只允许一个写连接
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save 覆盖写入工厂快照，版本号小于已有快照时忽略
func (s *SQLiteStore) Save(ctx context.Context, snap pool.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO pool_snapshots (factory_id, version, taken_at, data) VALUES (?, ?, ?, ?)
ON CONFLICT(factory_id) DO UPDATE SET version = excluded.version, taken_at = excluded.taken_at, data = excluded.data
WHERE excluded.version >= pool_snapshots.version`,
		snap.FactoryID, snap.Version, snap.Timestamp, string(data))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Load 读取工厂快照，不存在时返回 nil
func (s *SQLiteStore) Load(ctx context.Context, factoryID string) (*pool.Snapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM pool_snapshots WHERE factory_id = ?`, factoryID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	var snap pool.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// Append 追加一条调度日志
func (s *SQLiteStore) Append(ctx context.Context, entry types.SchedulingLogEntry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO scheduling_logs (id, factory_id, stage, mode, status, created_at, details) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.FactoryID, string(entry.Stage), string(entry.Mode), string(entry.Status), entry.CreatedAt, string(details))
	if err != nil {
		return fmt.Errorf("failed to insert log entry: %w", err)
	}
	return nil
}

// List 按 created_at 倒序读取日志
func (s *SQLiteStore) List(ctx context.Context, q schedlog.Query) ([]types.SchedulingLogEntry, error) {
	var (
		where = []string{"factory_id = ?"}
		args  = []interface{}{q.FactoryID}
	)
	if q.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, string(q.Stage))
	}
	if q.Since > 0 {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since)
	}
	query := `SELECT id, factory_id, stage, mode, status, created_at, details FROM scheduling_logs WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at DESC, seq DESC`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query logs: %w", err)
	}
	defer rows.Close()

	var out []types.SchedulingLogEntry
	for rows.Next() {
		var (
			e       types.SchedulingLogEntry
			stage   string
			mode    string
			status  string
			details string
		)
		if err := rows.Scan(&e.ID, &e.FactoryID, &stage, &mode, &status, &e.CreatedAt, &details); err != nil {
			return nil, err
		}
		e.Stage, e.Mode, e.Status = types.Stage(stage), types.LogMode(mode), types.RunStatus(status)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("failed to decode log details %s: %w", e.ID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteFactory 删除工厂的全部日志
func (s *SQLiteStore) DeleteFactory(ctx context.Context, factoryID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduling_logs WHERE factory_id = ?`, factoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete logs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
