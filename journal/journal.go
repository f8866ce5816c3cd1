// Package journal 把关键事件落入本地 SQLite，供排障与 Web 查询
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id     INTEGER PRIMARY KEY AUTOINCREMENT,
	ts     TEXT NOT NULL,
	type   TEXT NOT NULL,
	symbol TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events (ts);
`

// Entry 一条事件记录
type Entry struct {
	ID     int64     `json:"id"`
	Time   time.Time `json:"time"`
	Type   string    `json:"type"`
	Symbol string    `json:"symbol"`
	Detail string    `json:"detail"`
}

// Journal SQLite 事件日志
type Journal struct {
	db *sql.DB
}

// Open 打开（必要时初始化）事件库
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("打开事件库失败: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化事件库失败: %w", err)
	}
	return &Journal{db: db}, nil
}

// Record 写入一条事件
func (j *Journal) Record(eventType, symbol, detail string) error {
	_, err := j.db.Exec(
		"INSERT INTO events (ts, type, symbol, detail) VALUES (?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339Nano), eventType, symbol, detail,
	)
	if err != nil {
		return fmt.Errorf("写入事件失败: %w", err)
	}
	return nil
}

// Recent 返回最近 n 条事件，按时间倒序
func (j *Journal) Recent(n int) ([]Entry, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := j.db.Query(
		"SELECT id, ts, type, symbol, detail FROM events ORDER BY id DESC LIMIT ?", n)
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var ts string
		if err := rows.Scan(&e.ID, &ts, &e.Type, &e.Symbol, &e.Detail); err != nil {
			return nil, fmt.Errorf("读取事件行失败: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			e.Time = t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close 关闭底层数据库
func (j *Journal) Close() error {
	return j.db.Close()
}
