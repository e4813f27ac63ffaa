// Package stream 将传输层原始分块解码为类型化事件。
//
// 支持两种分帧:
//   - NDJSON: 每行一个 JSON 对象
//   - SSE: event:/data:/id: 行, 空行分隔
//
// JSON 判别字段为 "type"。事件集合是封闭的, 未知类型返回 MalformedEventError。
package stream

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Kind 事件类型判别值。
type Kind string

const (
	KindMetadata      Kind = "metadata"
	KindMessageDelta  Kind = "message-delta"
	KindCheckpoint    Kind = "checkpoint"
	KindCustom        Kind = "custom"
	KindSubagentDelta Kind = "subagent-delta"
	KindInterrupt     Kind = "interrupt"
	KindDone          Kind = "done"
	KindError         Kind = "error"
)

// Event 封闭的事件联合, 仅本包类型实现。
type Event interface {
	Kind() Kind
	Cursor() string
	sealed()
}

// Header 所有事件共享的信封字段。
type Header struct {
	Seq string `json:"-"`
}

// Cursor 返回事件游标 (记录 seq 或 SSE id:)。
func (h Header) Cursor() string { return h.Seq }
func (Header) sealed()          {}

// SeqNumber 将游标解析为整数; 非数字游标返回 false。
func SeqNumber(cursor string) (int64, bool) {
	if cursor == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(cursor, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ========================================
// 消息
// ========================================

// Role 消息角色。
type Role string

const (
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleTool   Role = "tool"
	RoleSystem Role = "system"
)

// ParseRole 规范化角色名, 接受 user/assistant 别名。
func ParseRole(raw string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "human", "user":
		return RoleHuman, true
	case "ai", "assistant":
		return RoleAI, true
	case "tool":
		return RoleTool, true
	case "system":
		return RoleSystem, true
	}
	return "", false
}

// BlockDelta 结构化内容块, 按 Index 整块替换。
type BlockDelta struct {
	Index int
	Type  string
	Text  string
	Data  json.RawMessage
}

// ToolCallDelta 工具调用增量。ArgsDelta 追加, Args 非 nil 时整体替换并视为完整。
type ToolCallDelta struct {
	ID        string
	Name      string
	ArgsDelta string
	Args      *string
}

// MessageDelta 消息增量。
//
// Content 非 nil 表示文本整体替换; ReplaceBlocks 表示 Blocks 为完整内容。
// Final 表示这是该 id 的最终状态。
type MessageDelta struct {
	Header
	ID            string
	Role          Role
	ContentDelta  string
	Content       *string
	Blocks        []BlockDelta
	ReplaceBlocks bool
	ToolCalls     []ToolCallDelta
	ToolCallID    string
	Name          string
	Final         bool
}

func (MessageDelta) Kind() Kind { return KindMessageDelta }

// ========================================
// 其他事件
// ========================================

// Metadata run 开始。
type Metadata struct {
	Header
	RunID    string
	ThreadID string
}

func (Metadata) Kind() Kind { return KindMetadata }

// Checkpoint 状态快照。MessageIDs 为该 checkpoint 处可见的完整消息序列。
type Checkpoint struct {
	Header
	ID         string
	ParentID   string
	MessageIDs []string
	Messages   []MessageDelta
}

func (Checkpoint) Kind() Kind { return KindCheckpoint }

// Custom 带外自定义载荷。Payload 保留原始 JSON。
type Custom struct {
	Header
	ID            string
	Label         string // 显式 kind 字段 (可选)
	Progress      *float64
	Status        string
	FileOperation string
	File          string
	Message       string
	ToolCallRef   string
	Timestamp     int64 // unix 毫秒, 0 表示未提供
	Payload       json.RawMessage
}

func (Custom) Kind() Kind { return KindCustom }

// SubagentStatus 子代理状态。
type SubagentStatus string

const (
	SubagentPending  SubagentStatus = "pending"
	SubagentRunning  SubagentStatus = "running"
	SubagentComplete SubagentStatus = "complete"
	SubagentError    SubagentStatus = "error"
)

// ParseSubagentStatus 规范化状态, 接受 completed/success/failed 别名。
func ParseSubagentStatus(raw string) (SubagentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return SubagentPending, true
	case "running", "in_progress":
		return SubagentRunning, true
	case "complete", "completed", "success":
		return SubagentComplete, true
	case "error", "failed":
		return SubagentError, true
	}
	return "", false
}

// Terminal 是否为终态。
func (s SubagentStatus) Terminal() bool {
	return s == SubagentComplete || s == SubagentError
}

// SubagentDelta 子代理增量。
type SubagentDelta struct {
	Header
	SubagentID   string
	Name         string
	Status       SubagentStatus
	ContentDelta string
	MessageID    string
	Error        string
}

func (SubagentDelta) Kind() Kind { return KindSubagentDelta }

// ActionRequest 中断中等待决策的动作。
type ActionRequest struct {
	Name        string          `json:"name"`
	Args        json.RawMessage `json:"args,omitempty"`
	Description string          `json:"description,omitempty"`
}

// Interrupt 后端发起的暂停。
type Interrupt struct {
	Header
	Value          json.RawMessage
	ActionRequests []ActionRequest
}

func (Interrupt) Kind() Kind { return KindInterrupt }

// Done run 正常结束。
type Done struct{ Header }

func (Done) Kind() Kind { return KindDone }

// RunError 后端报告的 run 错误。
type RunError struct {
	Header
	Message string
}

func (RunError) Kind() Kind { return KindError }
