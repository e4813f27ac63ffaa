// Package transport 定义后端传输端口, 并提供 JSON-RPC 2.0 over WebSocket 的实现。
//
// 会话层只依赖 Transport 接口: submit/join/status/cancel/state + 拉取式 chunk 流。
package transport

import (
	"context"
	"encoding/json"
)

// RunStatus 后端 run 状态。
type RunStatus string

const (
	RunPending     RunStatus = "pending"
	RunRunning     RunStatus = "running"
	RunSuccess     RunStatus = "success"
	RunError       RunStatus = "error"
	RunInterrupted RunStatus = "interrupted"
	RunTimeout     RunStatus = "timeout"
)

// Active run 是否仍在进行 (可 join)。
func (s RunStatus) Active() bool { return s == RunPending || s == RunRunning }

// InputMessage 提交的输入消息。
type InputMessage struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Input run 输入。
type Input struct {
	Messages []InputMessage `json:"messages"`
}

// CheckpointRef 从指定 checkpoint 分叉。CheckpointID 为空表示从根开始。
type CheckpointRef struct {
	CheckpointID string `json:"checkpoint_id"`
}

// ResumeCommand 中断恢复命令。
type ResumeCommand struct {
	Decisions json.RawMessage `json:"decisions"`
}

// Command 控制命令。
type Command struct {
	Resume *ResumeCommand `json:"resume,omitempty"`
}

// SubmitRequest run/submit 参数。
type SubmitRequest struct {
	ThreadID        string         `json:"threadId"`
	AssistantID     string         `json:"assistantId"`
	Input           *Input         `json:"input,omitempty"`
	Checkpoint      *CheckpointRef `json:"checkpoint,omitempty"`
	Command         *Command       `json:"command,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	StreamSubgraphs bool           `json:"streamSubgraphs,omitempty"`
}

// Stream 拉取式 chunk 流。Next 在流正常结束时返回 io.EOF。
type Stream interface {
	Next(ctx context.Context) ([]byte, error)
	Close() error
}

// Run 提交结果。
type Run struct {
	RunID  string
	Stream Stream
}

// ThreadState thread/state 结果: 线程已持久化的 checkpoint (按创建顺序, 原始记录)
// 与未决中断 (无则为空)。
type ThreadState struct {
	Checkpoints []json.RawMessage `json:"checkpoints"`
	Interrupt   json.RawMessage   `json:"interrupt,omitempty"`
}

// Transport 后端端口。
type Transport interface {
	Submit(ctx context.Context, req SubmitRequest) (Run, error)
	Join(ctx context.Context, threadID, runID, cursor string) (Stream, error)
	RunStatus(ctx context.Context, threadID, runID string) (RunStatus, error)
	Cancel(ctx context.Context, threadID, runID string) error
	State(ctx context.Context, threadID string) (ThreadState, error)
	Close() error
}
