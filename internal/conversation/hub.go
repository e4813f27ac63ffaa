package conversation

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/multi-agent/convsync/internal/session"
	"github.com/multi-agent/convsync/internal/transport"
	"github.com/multi-agent/convsync/pkg/logger"
)

// Hub 每个 thread id 一个 Thread, 共享传输与会话管理。
type Hub struct {
	tr       transport.Transport
	sessions *session.Manager
	opts     Options

	mu      sync.RWMutex
	threads map[string]*Thread
}

// NewHub 创建 Hub。store 保存 (threadId → runId)。
func NewHub(tr transport.Transport, store session.RunStore, opts Options) *Hub {
	return &Hub{
		tr:       tr,
		sessions: session.NewManager(store, tr),
		opts:     opts,
		threads:  make(map[string]*Thread),
	}
}

// Open 打开 (或创建) 线程; threadID 为空时生成新 id。
// 首次打开时从后端加载已持久化的历史, 并从存储加载 run id 供 Resume 使用。
// 加载失败只记录日志, 线程仍可使用。
func (h *Hub) Open(ctx context.Context, threadID string) *Thread {
	if threadID == "" {
		threadID = uuid.NewString()
	}
	h.mu.Lock()
	th, ok := h.threads[threadID]
	if !ok {
		th = newThread(threadID, h.tr, h.sessions, h.opts)
		h.threads[threadID] = th
	}
	h.mu.Unlock()
	if !ok {
		s := h.sessions.Open(ctx, threadID)
		if err := th.Hydrate(ctx); err != nil {
			logger.Warn("conversation: load thread state failed", logger.FieldThreadID, threadID, logger.FieldError, err)
		}
		logger.Info("conversation: thread opened", logger.FieldThreadID, threadID, logger.FieldRunID, s.RunID)
	}
	return th
}

// Get 获取已打开的线程。
func (h *Hub) Get(threadID string) (*Thread, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	th, ok := h.threads[threadID]
	return th, ok
}

// IDs 已打开线程 id (排序)。
func (h *Hub) IDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.threads))
	for id := range h.threads {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Sessions 会话管理器。
func (h *Hub) Sessions() *session.Manager { return h.sessions }

// Close 分离所有活跃 run (后端继续运行, 下次启动可恢复)。
func (h *Hub) Close(ctx context.Context) {
	h.mu.RLock()
	threads := make([]*Thread, 0, len(h.threads))
	for _, th := range h.threads {
		threads = append(threads, th)
	}
	h.mu.RUnlock()
	for _, th := range threads {
		th.Detach(ctx)
	}
}
