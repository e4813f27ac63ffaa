package store

import (
	"context"
	stderrors "errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pkgerr "github.com/multi-agent/convsync/pkg/errors"
)

// PostgresRunStore thread_runs 表实现, 供多个客户端共享。
type PostgresRunStore struct{ BaseStore }

var _ RunStore = (*PostgresRunStore)(nil)

// NewPostgresRunStore 创建 Postgres run store。
func NewPostgresRunStore(pool *pgxpool.Pool) *PostgresRunStore {
	return &PostgresRunStore{NewBaseStore(pool)}
}

func (s *PostgresRunStore) Get(ctx context.Context, threadID string) (string, error) {
	var runID string
	err := s.pool.QueryRow(ctx, `SELECT run_id FROM thread_runs WHERE thread_id = $1`, threadID).Scan(&runID)
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", pkgerr.Wrap(err, "PostgresRunStore.Get", "query run id")
	}
	return runID, nil
}

func (s *PostgresRunStore) Put(ctx context.Context, threadID, runID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO thread_runs (thread_id, run_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (thread_id) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			updated_at = NOW()
	`, threadID, runID)
	if err != nil {
		return pkgerr.Wrap(err, "PostgresRunStore.Put", "upsert run id")
	}
	return nil
}

func (s *PostgresRunStore) Delete(ctx context.Context, threadID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM thread_runs WHERE thread_id = $1`, threadID); err != nil {
		return pkgerr.Wrap(err, "PostgresRunStore.Delete", "delete run id")
	}
	return nil
}

// List 按 thread id 排序。
func (s *PostgresRunStore) List(ctx context.Context) ([]ThreadRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT thread_id, run_id, updated_at FROM thread_runs ORDER BY thread_id`)
	if err != nil {
		return nil, pkgerr.Wrap(err, "PostgresRunStore.List", "query runs")
	}
	runs, err := collectRows[ThreadRun](rows)
	if err != nil {
		return nil, pkgerr.Wrap(err, "PostgresRunStore.List", "scan runs")
	}
	return runs, nil
}

// Latest 最近更新的一条记录, 无记录返回 nil。
func (s *PostgresRunStore) Latest(ctx context.Context) (*ThreadRun, error) {
	rows, err := s.pool.Query(ctx, `SELECT thread_id, run_id, updated_at FROM thread_runs ORDER BY updated_at DESC LIMIT 1`)
	if err != nil {
		return nil, pkgerr.Wrap(err, "PostgresRunStore.Latest", "query run")
	}
	return collectOne[ThreadRun](rows)
}

// Close 连接池由调用方管理。
func (s *PostgresRunStore) Close() error { return nil }
