// Package store 提供 (threadId → runId) 的持久化实现:
//
//   - MemoryRunStore:   进程内 (测试 / 无持久化)
//   - PebbleRunStore:   客户端本地 KV (默认)
//   - PostgresRunStore: 共享部署 (thread_runs 表)
package store

import (
	"context"
	"time"
)

// ThreadRun 一条 run 记录。
type ThreadRun struct {
	ThreadID  string    `db:"thread_id" json:"threadId"`
	RunID     string    `db:"run_id" json:"runId"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

// RunStore 会话层所需端口 + 列表查询 (dashboard 使用)。
type RunStore interface {
	Get(ctx context.Context, threadID string) (string, error)
	Put(ctx context.Context, threadID, runID string) error
	Delete(ctx context.Context, threadID string) error
	List(ctx context.Context) ([]ThreadRun, error)
	Close() error
}
