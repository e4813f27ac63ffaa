package conversation

import (
	"encoding/json"

	"github.com/multi-agent/convsync/internal/branch"
	"github.com/multi-agent/convsync/internal/message"
	"github.com/multi-agent/convsync/internal/stream"
	"github.com/multi-agent/convsync/internal/subagent"
)

// Status 线程状态。
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRunning     Status = "running"
	StatusInterrupted Status = "interrupted"
	StatusError       Status = "error"
)

// MessageView 可见消息 + 分支元数据。
type MessageView struct {
	message.Message
	branch.Metadata
}

// InterruptView 待决中断。
type InterruptView struct {
	Value          json.RawMessage        `json:"value,omitempty"`
	ActionRequests []stream.ActionRequest `json:"actionRequests,omitempty"`
}

// State 某一时刻的完整线程快照, 每次事件整体应用后生成。
type State struct {
	ThreadID  string              `json:"threadId"`
	RunID     string              `json:"runId,omitempty"`
	Status    Status              `json:"status"`
	Error     string              `json:"error,omitempty"`
	Messages  []MessageView       `json:"messages"`
	Interrupt *InterruptView      `json:"interrupt,omitempty"`
	Subagents []subagent.Subagent `json:"subagents,omitempty"`
	Version   uint64              `json:"version"`
}

// Message 按 id 查找可见消息。
func (s State) Message(id string) (MessageView, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return MessageView{}, false
}
