// sse.go: SSE 事件总线 + handler。
package dashboard

import (
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/multi-agent/convsync/pkg/logger"
)

// EventBus 事件总线 (SSE 推送)。
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
}

// Event SSE 事件。
type Event struct {
	Type     string
	ThreadID string
	Data     any
}

// NewEventBus 创建事件总线。
func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string]chan Event)}
}

// Publish 广播事件。订阅者缓冲满时丢弃 (状态事件是全量快照, 后续事件覆盖)。
func (b *EventBus) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe 订阅。
func (b *EventBus) Subscribe(id string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 32)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe 取消订阅。
//
// 不关闭 ch: sseHandler 通过 ctx.Done() 退出, GC 回收未引用的 channel。
func (b *EventBus) Unsubscribe(id string) {
	b.mu.Lock()
	delete(b.subscribers, id)
	b.mu.Unlock()
}

// sseHandler 推送单个线程的状态快照: 连接时先发当前快照, 之后每次变化推送一次。
func (s *Server) sseHandler(c *gin.Context) {
	th, ok := s.hub.Get(c.Param("id"))
	if !ok {
		notFound(c, "thread not open")
		return
	}
	s.Watch(th)

	clientID := "sse-" + uuid.NewString()
	ch := s.bus.Subscribe(clientID)
	defer func() {
		s.bus.Unsubscribe(clientID)
		logger.Info("dashboard: SSE client disconnected", "client_id", clientID, logger.FieldThreadID, th.ID())
	}()
	logger.Info("dashboard: SSE client connected", "client_id", clientID, logger.FieldThreadID, th.ID())

	ping := s.opts.SSEPing
	first := true
	c.Stream(func(w io.Writer) bool {
		if first {
			first = false
			c.SSEvent("state", th.Snapshot())
			return true
		}

		// 复用 timer 避免每次循环创建新定时器
		keepalive := time.NewTimer(ping)
		defer keepalive.Stop()

		for {
			select {
			case evt := <-ch:
				if evt.ThreadID != th.ID() {
					continue
				}
				c.SSEvent(evt.Type, evt.Data)
				return true
			case <-keepalive.C:
				c.SSEvent("ping", "keepalive")
				return true
			case <-c.Request.Context().Done():
				return false
			}
		}
	})
}
