// Package dashboard 观察/驱动会话的 HTTP 服务: REST + SSE + /metrics。
package dashboard

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/multi-agent/convsync/internal/conversation"
	"github.com/multi-agent/convsync/internal/store"
)

// RunLister 持久化 run 列表 (store.RunStore 的子集)。
type RunLister interface {
	List(ctx context.Context) ([]store.ThreadRun, error)
}

// Options 服务配置。
type Options struct {
	SSEPing  time.Duration       // keepalive 间隔, 0 使用 30s
	Gatherer prometheus.Gatherer // nil 使用默认 registry
	Runs     RunLister           // nil 时 /api/runs 返回空列表
}

// Server Dashboard HTTP 服务。
type Server struct {
	router *gin.Engine
	hub    *conversation.Hub
	bus    *EventBus
	opts   Options

	mu      sync.Mutex
	watched map[string]func()
}

// NewServer 创建 Dashboard 服务。
func NewServer(hub *conversation.Hub, opts Options) *Server {
	if opts.SSEPing <= 0 {
		opts.SSEPing = 30 * time.Second
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	r := gin.Default()
	s := &Server{router: r, hub: hub, bus: NewEventBus(), opts: opts, watched: make(map[string]func())}
	s.registerRoutes()
	return s
}

// Engine 返回 Gin 引擎。
func (s *Server) Engine() *gin.Engine { return s.router }

// Bus 返回事件总线。
func (s *Server) Bus() *EventBus { return s.bus }

// Watch 把线程的状态变化转发到事件总线 (每个线程只订阅一次)。
func (s *Server) Watch(th *conversation.Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.watched[th.ID()]; ok {
		return
	}
	id := th.ID()
	s.watched[id] = th.Subscribe(func(st conversation.State) {
		s.bus.Publish(Event{Type: "state", ThreadID: id, Data: st})
	})
}

// Close 取消所有线程订阅。
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.watched {
		cancel()
		delete(s.watched, id)
	}
}

func (s *Server) metricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
}
