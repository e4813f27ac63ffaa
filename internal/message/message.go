// Package message 将 message-delta 事件折叠为有序、身份稳定的消息列表。
package message

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/multi-agent/convsync/internal/stream"
)

// Block 结构化内容块。
type Block struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ToolResult 工具执行结果 (来自 role=tool 消息)。
type ToolResult struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// ToolCall ai 消息中的工具调用。Result 设置后不可变。
type ToolCall struct {
	ID           string      `json:"id"`
	Name         string      `json:"name"`
	ArgsText     string      `json:"args"`
	ArgsComplete bool        `json:"argsComplete"`
	Result       *ToolResult `json:"result,omitempty"`
}

// ParsedArgs 尽力解码参数; 流式中的半截 JSON 先经 jsonrepair 修复。
func (tc ToolCall) ParsedArgs() (map[string]any, error) {
	text := strings.TrimSpace(tc.ArgsText)
	if text == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text), &out); err == nil {
		return out, nil
	}
	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Message 单条消息。内容为 Text 或 Blocks 之一。
type Message struct {
	ID         string      `json:"id"`
	Role       stream.Role `json:"role"`
	Text       string      `json:"text,omitempty"`
	Blocks     []Block     `json:"blocks,omitempty"`
	ToolCalls  []ToolCall  `json:"toolCalls,omitempty"`
	ToolCallID string      `json:"toolCallId,omitempty"`
	Name       string      `json:"name,omitempty"`
	Final      bool        `json:"final,omitempty"`
}

// Content 返回纯文本视图 (块内容按顺序拼接 text 块)。
func (m Message) Content() string {
	if len(m.Blocks) == 0 {
		return m.Text
	}
	var b strings.Builder
	for _, blk := range m.Blocks {
		if blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String()
}

// Clone 深拷贝。
func (m Message) Clone() Message {
	out := m
	out.Blocks = append([]Block(nil), m.Blocks...)
	out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
	for i, tc := range m.ToolCalls {
		out.ToolCalls[i] = tc
		if tc.Result != nil {
			r := *tc.Result
			out.ToolCalls[i].Result = &r
		}
	}
	if len(m.ToolCalls) == 0 {
		out.ToolCalls = nil
	}
	return out
}
