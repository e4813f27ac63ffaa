// Package session 为每个 thread 持久化活跃 run id, 并在重启后重新接入进行中的 run。
//
// 恢复走与实时流相同的解析/折叠管线, 这里只负责决定是否 join 以及 join 的参数。
package session

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/multi-agent/convsync/internal/transport"
	pkgerr "github.com/multi-agent/convsync/pkg/errors"
	"github.com/multi-agent/convsync/pkg/logger"
)

// RunStore (threadId → runId) 持久化端口。Get 在没有记录时返回 ("", nil)。
type RunStore interface {
	Get(ctx context.Context, threadID string) (string, error)
	Put(ctx context.Context, threadID, runID string) error
	Delete(ctx context.Context, threadID string) error
}

// Backend 恢复所需的传输子集。
type Backend interface {
	RunStatus(ctx context.Context, threadID, runID string) (transport.RunStatus, error)
	Join(ctx context.Context, threadID, runID, cursor string) (transport.Stream, error)
}

// ThreadSession 进程内的 thread 会话状态。
type ThreadSession struct {
	ThreadID        string `json:"threadId"`
	RunID           string `json:"runId,omitempty"`
	LastEventCursor string `json:"lastEventCursor,omitempty"`
	ResumeAttempted bool   `json:"resumeAttempted"`
}

// Resumption Reconnect 结果。Stream 为 nil 表示无需恢复。
// Cursor 为空时后端从 run 起点重放。
type Resumption struct {
	RunID  string
	Cursor string
	Stream transport.Stream
}

// Manager 管理所有 thread 会话。
type Manager struct {
	store   RunStore
	backend Backend

	mu       sync.Mutex
	sessions map[string]*ThreadSession

	status singleflight.Group
}

// NewManager 创建会话管理器。
func NewManager(store RunStore, backend Backend) *Manager {
	return &Manager{store: store, backend: backend, sessions: make(map[string]*ThreadSession)}
}

func (m *Manager) sessionLocked(threadID string) *ThreadSession {
	s, ok := m.sessions[threadID]
	if !ok {
		s = &ThreadSession{ThreadID: threadID}
		m.sessions[threadID] = s
	}
	return s
}

// Open 打开 thread 会话, 首次打开时从存储加载 run id。存储读取失败只记录日志。
func (m *Manager) Open(ctx context.Context, threadID string) ThreadSession {
	m.mu.Lock()
	_, existed := m.sessions[threadID]
	s := m.sessionLocked(threadID)
	m.mu.Unlock()
	if existed {
		return m.Session(threadID)
	}

	runID, err := m.store.Get(ctx, threadID)
	if err != nil {
		logger.Warn("session: load run id failed", logger.FieldThreadID, threadID, logger.FieldError, err)
	}
	m.mu.Lock()
	if s.RunID == "" {
		s.RunID = runID
	}
	out := *s
	m.mu.Unlock()
	return out
}

// Session 返回会话快照。
func (m *Manager) Session(threadID string) ThreadSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[threadID]; ok {
		return *s
	}
	return ThreadSession{ThreadID: threadID}
}

// RunStarted run 开始: 记录并持久化 run id, 重置游标。
func (m *Manager) RunStarted(ctx context.Context, threadID, runID string) error {
	m.mu.Lock()
	s := m.sessionLocked(threadID)
	s.RunID = runID
	s.LastEventCursor = ""
	m.mu.Unlock()
	if err := m.store.Put(ctx, threadID, runID); err != nil {
		return pkgerr.Wrap(err, "Session.RunStarted", "persist run id")
	}
	return nil
}

// Advance 记录最后处理的事件游标 (仅内存)。
func (m *Manager) Advance(threadID, cursor string) {
	if cursor == "" {
		return
	}
	m.mu.Lock()
	m.sessionLocked(threadID).LastEventCursor = cursor
	m.mu.Unlock()
}

// RunFinished run 结束或失败: 清除 run id。
func (m *Manager) RunFinished(ctx context.Context, threadID string) error {
	m.mu.Lock()
	s := m.sessionLocked(threadID)
	s.RunID = ""
	s.LastEventCursor = ""
	m.mu.Unlock()
	if err := m.store.Delete(ctx, threadID); err != nil {
		return pkgerr.Wrap(err, "Session.RunFinished", "clear run id")
	}
	return nil
}

// RunStatus 查询后端 run 状态; 同一 run 的并发查询合并为一次调用。
func (m *Manager) RunStatus(ctx context.Context, threadID, runID string) (transport.RunStatus, error) {
	v, err, _ := m.status.Do(threadID+"/"+runID, func() (any, error) {
		return m.backend.RunStatus(ctx, threadID, runID)
	})
	if err != nil {
		return "", err
	}
	return v.(transport.RunStatus), nil
}

// Reconnect 每个 thread 会话只尝试一次恢复。
//
//   - 无持久化 run id: 返回空 Resumption
//   - run 已结束: 清除 run id, 返回空 Resumption
//   - run 进行中: 从最后游标 join, 返回流
//   - 查询或 join 失败: 清除 run id, 返回 ResumeFailedError, 不自动重试
func (m *Manager) Reconnect(ctx context.Context, threadID string) (Resumption, error) {
	m.mu.Lock()
	s := m.sessionLocked(threadID)
	if s.ResumeAttempted {
		m.mu.Unlock()
		return Resumption{}, pkgerr.ErrResumeAttempted
	}
	s.ResumeAttempted = true
	runID, cursor := s.RunID, s.LastEventCursor
	m.mu.Unlock()

	if runID == "" {
		stored, err := m.store.Get(ctx, threadID)
		if err != nil {
			logger.Warn("session: load run id failed", logger.FieldThreadID, threadID, logger.FieldError, err)
		}
		runID = stored
	}
	if runID == "" {
		return Resumption{}, nil
	}

	status, err := m.RunStatus(ctx, threadID, runID)
	if err != nil {
		return Resumption{}, m.fail(ctx, threadID, runID, err)
	}
	if !status.Active() {
		logger.Info("session: stored run already finished",
			logger.FieldThreadID, threadID, logger.FieldRunID, runID, logger.FieldStatus, status)
		if err := m.RunFinished(ctx, threadID); err != nil {
			logger.Warn("session: clear run id failed", logger.FieldThreadID, threadID, logger.FieldError, err)
		}
		return Resumption{}, nil
	}

	st, err := m.backend.Join(ctx, threadID, runID, cursor)
	if err != nil {
		return Resumption{}, m.fail(ctx, threadID, runID, err)
	}
	m.mu.Lock()
	s.RunID = runID
	m.mu.Unlock()
	logger.Info("session: rejoined run",
		logger.FieldThreadID, threadID, logger.FieldRunID, runID, logger.FieldCursor, cursor)
	return Resumption{RunID: runID, Cursor: cursor, Stream: st}, nil
}

func (m *Manager) fail(ctx context.Context, threadID, runID string, cause error) error {
	if err := m.RunFinished(ctx, threadID); err != nil {
		logger.Warn("session: clear run id failed", logger.FieldThreadID, threadID, logger.FieldError, err)
	}
	logger.Warn("session: resume failed",
		logger.FieldThreadID, threadID, logger.FieldRunID, runID, logger.FieldError, cause)
	return &pkgerr.ResumeFailedError{ThreadID: threadID, RunID: runID, Err: cause}
}
