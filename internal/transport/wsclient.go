// wsclient.go: JSON-RPC 2.0 over WebSocket 传输实现。
//
//   - Client → Server: {jsonrpc,id,method,params} 请求
//   - Server → Client: {jsonrpc,id,result|error} 响应, {jsonrpc,method,params} 通知
//
// 流由客户端分配 streamId 并在请求前注册, chunk 通知先于响应到达也不会丢失。
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	pkgerr "github.com/multi-agent/convsync/pkg/errors"
	"github.com/multi-agent/convsync/pkg/logger"
	"github.com/multi-agent/convsync/pkg/util"
)

// Options WebSocket 客户端配置。
type Options struct {
	URL             string
	Header          http.Header
	CallTimeout     time.Duration
	ReadIdleTimeout time.Duration
	PingInterval    time.Duration
	WriteTimeout    time.Duration
	StreamBuffer    int
}

func (o *Options) defaults() {
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.ReadIdleTimeout <= 0 {
		o.ReadIdleTimeout = 75 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.StreamBuffer <= 0 {
		o.StreamBuffer = 256
	}
}

// WSClient 后端 JSON-RPC 客户端。
type WSClient struct {
	opts Options

	// ========================================
	// 锁职责说明
	// ========================================
	// wsMu:      保护 ws (写序列化 + 连接替换)
	// streamsMu: 保护 streams
	// 两者独立, 不存在嵌套获取关系。
	// ========================================

	ws      *websocket.Conn
	wsMu    sync.Mutex
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc

	nextID  atomic.Int64
	pending sync.Map // id → *pendingCall

	streams   map[string]*wsStream
	streamsMu sync.Mutex
}

var _ Transport = (*WSClient)(nil)

// Dial 创建客户端并建立连接。
func Dial(ctx context.Context, opts Options) (*WSClient, error) {
	opts.defaults()
	cctx, cancel := context.WithCancel(context.Background())
	c := &WSClient{
		opts:    opts,
		ctx:     cctx,
		cancel:  cancel,
		streams: make(map[string]*wsStream),
	}
	if _, err := c.connect(ctx); err != nil {
		cancel()
		return nil, err
	}
	return c, nil
}

// ========================================
// 连接管理
// ========================================

func (c *WSClient) dialWS(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		NetDialContext:   (&net.Dialer{Timeout: 5 * time.Second}).DialContext,
	}
	conn, _, err := dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadIdleTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadIdleTimeout))
		return nil
	})
	return conn, nil
}

// connect 返回当前连接; 断开后惰性重拨。
func (c *WSClient) connect(ctx context.Context) (*websocket.Conn, error) {
	if c.stopped.Load() {
		return nil, &pkgerr.TransportError{Op: "connect", Err: pkgerr.ErrClosed}
	}
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		return c.ws, nil
	}
	conn, err := c.dialWS(ctx)
	if err != nil {
		return nil, &pkgerr.TransportError{Op: "connect", Err: err}
	}
	c.ws = conn
	logger.Info("transport: connected", logger.FieldURL, c.opts.URL)
	util.SafeGo(func() { c.readLoop(conn) })
	util.SafeGo(func() { c.pingLoop(conn) })
	return conn, nil
}

// dropConn 连接失效: 清理 pending 调用与所有活跃流。
func (c *WSClient) dropConn(conn *websocket.Conn, cause error) {
	c.wsMu.Lock()
	if c.ws == conn {
		c.ws = nil
	}
	c.wsMu.Unlock()
	_ = conn.Close()

	terr := &pkgerr.TransportError{Op: "read", Err: cause}
	c.failPendingCalls(terr)

	c.streamsMu.Lock()
	streams := make([]*wsStream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streamsMu.Unlock()
	for _, s := range streams {
		s.finish(terr)
	}
}

func (c *WSClient) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if c.stopped.Load() {
				logger.Debug("transport: readLoop stopped", logger.FieldError, err)
			} else {
				logger.Warn("transport: readLoop read failed", logger.FieldURL, c.opts.URL, logger.FieldError, err)
			}
			c.dropConn(conn, err)
			return
		}
		// 收到有效消息 = 连接活跃, 重置 idle deadline
		_ = conn.SetReadDeadline(time.Now().Add(c.opts.ReadIdleTimeout))

		var msg rpcMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("transport: unparseable JSON-RPC message",
				logger.FieldError, err,
				logger.FieldRaw, util.Truncate(string(data), 200),
			)
			continue
		}
		if c.handleResponse(msg) {
			continue
		}
		c.handleNotification(msg)
	}
}

func (c *WSClient) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.wsMu.Lock()
			if c.ws != conn {
				c.wsMu.Unlock()
				return
			}
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.opts.WriteTimeout))
			c.wsMu.Unlock()
			if err != nil {
				// readLoop 会在读失败时完成清理
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *WSClient) handleResponse(msg rpcMessage) bool {
	if msg.ID == nil || msg.Method != "" {
		return false
	}
	value, ok := c.pending.Load(*msg.ID)
	if !ok {
		logger.Warn("transport: orphan RPC response", logger.FieldID, *msg.ID)
		return true
	}
	pc := value.(*pendingCall)
	if msg.Error != nil {
		pc.resolve(nil, msg.Error)
		return true
	}
	pc.resolve(msg.Result, nil)
	return true
}

func (c *WSClient) handleNotification(msg rpcMessage) {
	switch msg.Method {
	case NotifyChunk:
		var p chunkParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			logger.Warn("transport: bad stream/chunk params", logger.FieldError, err)
			return
		}
		if s := c.stream(p.StreamID); s != nil {
			s.push([]byte(p.Data))
		} else {
			logger.Debug("transport: chunk for unknown stream", logger.FieldStreamID, p.StreamID)
		}
	case NotifyStreamEnd:
		var p endParams
		if err := json.Unmarshal(msg.Params, &p); err != nil {
			logger.Warn("transport: bad stream/end params", logger.FieldError, err)
			return
		}
		if s := c.stream(p.StreamID); s != nil {
			var err error = io.EOF
			if p.Error != "" {
				err = &pkgerr.TransportError{Op: "stream", Err: errors.New(p.Error)}
			}
			s.finish(err)
		}
	default:
		logger.Debug("transport: ignored notification", logger.FieldMethod, msg.Method)
	}
}

// ========================================
// JSON-RPC 请求/响应
// ========================================

func (c *WSClient) writeJSON(conn *websocket.Conn, v any) error {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != conn {
		return pkgerr.ErrClosed
	}
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	return conn.WriteJSON(v)
}

// call 发送 JSON-RPC 请求并等待响应, out 非 nil 时解码 result。
func (c *WSClient) call(ctx context.Context, method string, params, out any) error {
	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	id := c.nextID.Add(1)
	pc := newPendingCall()
	c.pending.Store(id, pc)
	defer c.pending.Delete(id)

	if err := c.writeJSON(conn, rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		c.dropConn(conn, err)
		return &pkgerr.TransportError{Op: method, Err: err}
	}

	timer := time.NewTimer(c.opts.CallTimeout)
	defer timer.Stop()
	select {
	case <-pc.done:
	case <-timer.C:
		return &pkgerr.TransportError{Op: method, Err: pkgerr.ErrTimeout}
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return &pkgerr.TransportError{Op: method, Err: pkgerr.ErrClosed}
	}
	if pc.err != nil {
		var rpcErr *RPCError
		if errors.As(pc.err, &rpcErr) && rpcErr.Code == CodeRunNotFound {
			return pkgerr.Wrap(pkgerr.ErrNotFound, method, rpcErr.Message)
		}
		if rpcErr != nil {
			return pkgerr.Wrap(rpcErr, "WSClient.call", method)
		}
		return &pkgerr.TransportError{Op: method, Err: pc.err}
	}
	if out != nil && len(pc.result) > 0 {
		if err := json.Unmarshal(pc.result, out); err != nil {
			return pkgerr.Wrapf(err, "WSClient.call", "decode %s result", method)
		}
	}
	return nil
}

func (c *WSClient) failPendingCalls(err error) {
	c.pending.Range(func(_, value any) bool {
		value.(*pendingCall).resolve(nil, err)
		return true
	})
}

// ========================================
// Transport 实现
// ========================================

type submitParams struct {
	SubmitRequest
	StreamID string `json:"streamId"`
}

// Submit 提交 run, 返回 run id 与 chunk 流。
// 响应超时 (或 ctx 取消) 时后端可能已启动 run, 按 streamId 尽力取消。
func (c *WSClient) Submit(ctx context.Context, req SubmitRequest) (Run, error) {
	s := c.openStream(uuid.NewString())
	var res submitResult
	if err := c.call(ctx, MethodSubmit, submitParams{SubmitRequest: req, StreamID: s.id}, &res); err != nil {
		_ = s.Close()
		if errors.Is(err, pkgerr.ErrTimeout) || ctx.Err() != nil {
			c.abandon(req.ThreadID, s.id)
		}
		return Run{}, err
	}
	logger.Info("transport: run submitted",
		logger.FieldThreadID, req.ThreadID,
		logger.FieldRunID, res.RunID,
		logger.FieldStreamID, s.id,
	)
	return Run{RunID: res.RunID, Stream: s}, nil
}

type joinRequest struct {
	joinParams
	StreamID string `json:"streamId"`
}

// Join 重新接入进行中的 run, 从 cursor 之后开始回放。
func (c *WSClient) Join(ctx context.Context, threadID, runID, cursor string) (Stream, error) {
	s := c.openStream(uuid.NewString())
	req := joinRequest{joinParams: joinParams{ThreadID: threadID, RunID: runID, Cursor: cursor}, StreamID: s.id}
	if err := c.call(ctx, MethodJoin, req, &joinResult{}); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// abandon 后台发送 run/cancel (以 streamId 定位 run)。
func (c *WSClient) abandon(threadID, streamID string) {
	util.SafeGo(func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.opts.CallTimeout)
		defer cancel()
		if err := c.call(ctx, MethodCancel, runRef{ThreadID: threadID, StreamID: streamID}, nil); err != nil {
			logger.Warn("transport: cancel of unacknowledged submit failed",
				logger.FieldThreadID, threadID, logger.FieldStreamID, streamID, logger.FieldError, err)
			return
		}
		logger.Info("transport: unacknowledged submit cancelled",
			logger.FieldThreadID, threadID, logger.FieldStreamID, streamID)
	})
}

// State 拉取线程已持久化的 checkpoint 历史与待决中断。
func (c *WSClient) State(ctx context.Context, threadID string) (ThreadState, error) {
	var res ThreadState
	if err := c.call(ctx, MethodState, threadRef{ThreadID: threadID}, &res); err != nil {
		return ThreadState{}, err
	}
	return res, nil
}

// RunStatus 查询 run 状态。
func (c *WSClient) RunStatus(ctx context.Context, threadID, runID string) (RunStatus, error) {
	var res getResult
	if err := c.call(ctx, MethodGet, runRef{ThreadID: threadID, RunID: runID}, &res); err != nil {
		return "", err
	}
	return res.Status, nil
}

// Cancel 取消 run。
func (c *WSClient) Cancel(ctx context.Context, threadID, runID string) error {
	return c.call(ctx, MethodCancel, runRef{ThreadID: threadID, RunID: runID}, nil)
}

// Close 优雅关闭连接, 结束所有流。
func (c *WSClient) Close() error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.cancel()
	c.wsMu.Lock()
	conn := c.ws
	if conn != nil {
		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown")
		_ = conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
	}
	c.wsMu.Unlock()
	if conn != nil {
		c.dropConn(conn, pkgerr.ErrClosed)
	}
	return nil
}

// ========================================
// 流
// ========================================

func (c *WSClient) openStream(id string) *wsStream {
	s := &wsStream{
		id:     id,
		client: c,
		queue:  make([][]byte, 0, c.opts.StreamBuffer),
		ready:  make(chan struct{}, 1),
		ended:  make(chan struct{}),
		closed: make(chan struct{}),
	}
	c.streamsMu.Lock()
	c.streams[id] = s
	c.streamsMu.Unlock()
	return s
}

func (c *WSClient) stream(id string) *wsStream {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return c.streams[id]
}

func (c *WSClient) removeStream(id string) {
	c.streamsMu.Lock()
	delete(c.streams, id)
	c.streamsMu.Unlock()
}

// wsStream 单个 run 的 chunk 流。
//
// readLoop 追加到无界队列, 永不阻塞; 多个流共享同一读循环,
// 一个慢消费者不能拖住其他流和 RPC 响应。StreamBuffer 只是初始容量。
type wsStream struct {
	id     string
	client *WSClient

	mu    sync.Mutex
	queue [][]byte
	ready chan struct{} // cap 1: 有新数据

	endOnce sync.Once
	ended   chan struct{}
	endErr  error

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *wsStream) push(data []byte) {
	select {
	case <-s.ended:
		return
	case <-s.closed:
		return
	default:
	}
	s.mu.Lock()
	s.queue = append(s.queue, data)
	s.mu.Unlock()
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *wsStream) pop() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	b := s.queue[0]
	s.queue[0] = nil
	s.queue = s.queue[1:]
	return b, true
}

// pending 队列中尚未交付的 chunk 数。
func (s *wsStream) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *wsStream) finish(err error) {
	s.endOnce.Do(func() {
		s.endErr = err
		close(s.ended)
	})
}

// Next 返回下一个 chunk; 流结束时返回 io.EOF 或结束原因。
func (s *wsStream) Next(ctx context.Context) ([]byte, error) {
	for {
		if b, ok := s.pop(); ok {
			return b, nil
		}
		select {
		case <-s.ready:
		case <-s.ended:
			// 结束前已入队的 chunk 先交付
			if b, ok := s.pop(); ok {
				return b, nil
			}
			return nil, s.endErr
		case <-s.closed:
			return nil, pkgerr.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close 注销流并唤醒等待中的消费者。
func (s *wsStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.client.removeStream(s.id)
	})
	return nil
}
