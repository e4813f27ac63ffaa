// Package subagent 按子代理 id 聚合增量, 跟踪单调的生命周期状态,
// 并把子代理关联到触发它的 ai 消息。
package subagent

import (
	"slices"

	"github.com/multi-agent/convsync/internal/message"
	"github.com/multi-agent/convsync/internal/stream"
)

// Subagent 单个子代理。
type Subagent struct {
	ID                  string                `json:"id"`
	Name                string                `json:"name,omitempty"`
	Status              stream.SubagentStatus `json:"status"`
	TriggeringMessageID string                `json:"triggeringMessageId"`
	OutputMessageIDs    []string              `json:"outputMessageIds,omitempty"`
	Output              string                `json:"output,omitempty"`
	Error               string                `json:"error,omitempty"`
}

func (s Subagent) clone() Subagent {
	s.OutputMessageIDs = slices.Clone(s.OutputMessageIDs)
	return s
}

// Set 子代理 arena, 首见顺序单独保存。
type Set struct {
	byID  map[string]*Subagent
	order []string
}

// NewSet 创建空集合。
func NewSet() *Set { return &Set{byID: make(map[string]*Subagent)} }

// Get 返回副本。
func (s *Set) Get(id string) (Subagent, bool) {
	sa, ok := s.byID[id]
	if !ok {
		return Subagent{}, false
	}
	return sa.clone(), true
}

// List 首见顺序的副本。
func (s *Set) List() []Subagent {
	out := make([]Subagent, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].clone())
	}
	return out
}

// Change 一次 Apply 的结果。
type Change struct {
	ID      string
	Created bool
	From    stream.SubagentStatus
	To      stream.SubagentStatus
	Ignored bool // 终态之后的增量
}

var rank = map[stream.SubagentStatus]int{
	stream.SubagentPending:  0,
	stream.SubagentRunning:  1,
	stream.SubagentComplete: 2,
	stream.SubagentError:    2,
}

// advance 只允许向前迁移, 终态不可再变。
func advance(sa *Subagent, to stream.SubagentStatus) {
	if sa.Status.Terminal() || rank[to] <= rank[sa.Status] {
		return
	}
	sa.Status = to
}

// Apply 折叠一个子代理增量。
//
// 新 id 以 pending 创建并记录 trigger; 首个内容增量迁移到 running;
// 显式 complete/error 进入终态。终态后的增量被忽略。
func Apply(s *Set, d stream.SubagentDelta, triggeringMessageID string) Change {
	sa, ok := s.byID[d.SubagentID]
	ch := Change{ID: d.SubagentID}
	if !ok {
		sa = &Subagent{ID: d.SubagentID, Status: stream.SubagentPending, TriggeringMessageID: triggeringMessageID}
		s.byID[d.SubagentID] = sa
		s.order = append(s.order, d.SubagentID)
		ch.Created = true
	}
	ch.From = sa.Status
	if sa.Status.Terminal() {
		ch.To = sa.Status
		ch.Ignored = true
		return ch
	}

	if d.Name != "" {
		sa.Name = d.Name
	}
	if d.ContentDelta != "" {
		sa.Output += d.ContentDelta
		advance(sa, stream.SubagentRunning)
	}
	if d.MessageID != "" && !slices.Contains(sa.OutputMessageIDs, d.MessageID) {
		sa.OutputMessageIDs = append(sa.OutputMessageIDs, d.MessageID)
	}
	switch {
	case d.Status == stream.SubagentError || (d.Error != "" && d.Status == ""):
		sa.Error = d.Error
		advance(sa, stream.SubagentError)
	case d.Status != "":
		advance(sa, d.Status)
	}
	ch.To = sa.Status
	return ch
}

// ForceClose run 结束时把所有非终态子代理置为 error, 返回受影响的 id。
func ForceClose(s *Set, reason string) []string {
	var closed []string
	for _, id := range s.order {
		sa := s.byID[id]
		if sa.Status.Terminal() {
			continue
		}
		sa.Status = stream.SubagentError
		if sa.Error == "" {
			sa.Error = reason
		}
		closed = append(closed, id)
	}
	return closed
}

// ForMessage 触发消息为 messageID 的子代理, 首见顺序。
func ForMessage(s *Set, messageID string) []Subagent {
	var out []Subagent
	for _, id := range s.order {
		if sa := s.byID[id]; sa.TriggeringMessageID == messageID {
			out = append(out, sa.clone())
		}
	}
	return out
}

// TriggerFor 最近一对 human→ai 消息中 ai 消息的 id;
// 最后一条 human 之后尚无 ai 消息时返回该 human 消息 id。
func TriggerFor(messages []message.Message) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role != stream.RoleHuman {
			continue
		}
		for _, m := range messages[i+1:] {
			if m.Role == stream.RoleAI {
				return m.ID
			}
		}
		return messages[i].ID
	}
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == stream.RoleAI {
			return messages[i].ID
		}
	}
	return ""
}
