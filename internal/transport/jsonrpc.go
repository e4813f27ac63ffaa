package transport

import (
	"encoding/json"
	"fmt"
	"sync"
)

// ========================================
// JSON-RPC 2.0 信封
// ========================================

// 方法名。
const (
	MethodSubmit    = "run/submit"
	MethodJoin      = "run/join"
	MethodGet       = "run/get"
	MethodCancel    = "run/cancel"
	MethodState     = "thread/state"
	NotifyChunk     = "stream/chunk"
	NotifyStreamEnd = "stream/end"
)

// 错误码 (JSON-RPC 预留段之外)。
const (
	CodeRunNotFound = -32004
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// rpcMessage 通用消息 (用于读取解析)。
type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"` // nil = 通知
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError JSON-RPC 错误对象。
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type submitResult struct {
	RunID    string `json:"runId"`
	StreamID string `json:"streamId"`
}

type joinParams struct {
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId"`
	Cursor   string `json:"cursor,omitempty"`
}

type joinResult struct {
	StreamID string `json:"streamId"`
}

// runRef 定位 run; 提交未确认时 RunID 为空, 用 StreamID 定位。
type runRef struct {
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId,omitempty"`
	StreamID string `json:"streamId,omitempty"`
}

type threadRef struct {
	ThreadID string `json:"threadId"`
}

type getResult struct {
	RunID  string    `json:"runId"`
	Status RunStatus `json:"status"`
}

type chunkParams struct {
	StreamID string `json:"streamId"`
	Data     string `json:"data"`
}

type endParams struct {
	StreamID string `json:"streamId"`
	Error    string `json:"error,omitempty"`
}

// pendingCall 等待响应的 JSON-RPC 调用。
type pendingCall struct {
	once   sync.Once
	result json.RawMessage
	err    error
	done   chan struct{}
}

func newPendingCall() *pendingCall { return &pendingCall{done: make(chan struct{})} }

// resolve 只生效一次 (响应与连接失败可能并发到达)。
func (pc *pendingCall) resolve(result json.RawMessage, err error) {
	pc.once.Do(func() {
		pc.result, pc.err = result, err
		close(pc.done)
	})
}
