package message

import (
	"github.com/multi-agent/convsync/internal/stream"
)

// Change 一次 Apply 的结果。
type Change struct {
	ID          string
	Created     bool
	ToolResults []string // 本次设置了 Result 的 tool call id
}

// Apply 将一个增量折叠进集合。
//
// 未见过的 id 按到达顺序追加; 已见过的 id 在原位置合并, 顺序永不改变。
func Apply(s *Set, d stream.MessageDelta) Change {
	m, created := s.ensure(d.ID, d.Role)
	ch := Change{ID: d.ID, Created: created}

	if d.Role != "" {
		m.Role = d.Role
	}
	if d.Name != "" {
		m.Name = d.Name
	}
	if d.ToolCallID != "" {
		m.ToolCallID = d.ToolCallID
	}

	switch {
	case d.Content != nil:
		m.Text = *d.Content
		m.Blocks = nil
	case d.ReplaceBlocks:
		m.Text = ""
		m.Blocks = nil
		placeBlocks(m, d.Blocks)
	default:
		if len(d.Blocks) > 0 {
			if len(m.Blocks) == 0 && m.Text != "" {
				m.Blocks = []Block{{Type: "text", Text: m.Text}}
				m.Text = ""
			}
			placeBlocks(m, d.Blocks)
		}
	}
	if d.ContentDelta != "" {
		appendText(m, d.ContentDelta)
	}

	for _, tcd := range d.ToolCalls {
		if tcID, ok := mergeToolCall(s, m, tcd); ok {
			ch.ToolResults = append(ch.ToolResults, tcID)
		}
	}

	if d.Final {
		m.Final = true
	}

	if m.Role == stream.RoleTool && m.ToolCallID != "" && (d.Content != nil || d.ReplaceBlocks || d.Final) {
		if attachResult(s, m.ToolCallID, ToolResult{MessageID: m.ID, Content: m.Content()}) {
			ch.ToolResults = append(ch.ToolResults, m.ToolCallID)
		}
	}
	return ch
}

// Upsert 应用快照中的完整消息, 内容整体替换。
func Upsert(s *Set, d stream.MessageDelta) Change {
	if d.Content == nil && !d.ReplaceBlocks {
		empty := ""
		d.Content = &empty
	}
	d.ContentDelta = ""
	d.Final = true
	return Apply(s, d)
}

// Reset 清空消息内容, 供从头重放的流重新累积; 位置与身份不变,
// 已有结果的工具调用保持不变。
func Reset(s *Set, id string) bool {
	m, ok := s.byID[id]
	if !ok {
		return false
	}
	m.Text = ""
	m.Blocks = nil
	m.Final = false
	for i := range m.ToolCalls {
		if tc := &m.ToolCalls[i]; tc.Result == nil {
			tc.ArgsText = ""
			tc.ArgsComplete = false
		}
	}
	return true
}

func placeBlocks(m *Message, blocks []stream.BlockDelta) {
	for _, b := range blocks {
		for len(m.Blocks) <= b.Index {
			m.Blocks = append(m.Blocks, Block{Type: "text"})
		}
		m.Blocks[b.Index] = Block{Type: b.Type, Text: b.Text, Data: b.Data}
	}
}

func appendText(m *Message, delta string) {
	if len(m.Blocks) == 0 {
		m.Text += delta
		return
	}
	last := &m.Blocks[len(m.Blocks)-1]
	if last.Type == "text" {
		last.Text += delta
		return
	}
	m.Blocks = append(m.Blocks, Block{Type: "text", Text: delta})
}

// mergeToolCall 按 id 合并工具调用; 新调用若已有孤儿结果则立即挂上 (返回 true)。
func mergeToolCall(s *Set, m *Message, d stream.ToolCallDelta) (string, bool) {
	idx := -1
	for i := range m.ToolCalls {
		if m.ToolCalls[i].ID == d.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.ToolCalls = append(m.ToolCalls, ToolCall{ID: d.ID})
		idx = len(m.ToolCalls) - 1
		if _, owned := s.toolOwner[d.ID]; !owned {
			s.toolOwner[d.ID] = m.ID
		}
	}
	tc := &m.ToolCalls[idx]
	if tc.Result != nil {
		return "", false
	}
	if d.Name != "" {
		tc.Name = d.Name
	}
	switch {
	case d.Args != nil:
		tc.ArgsText = *d.Args
		tc.ArgsComplete = true
	case d.ArgsDelta != "" && !tc.ArgsComplete:
		tc.ArgsText += d.ArgsDelta
	}
	if r, ok := s.orphans[d.ID]; ok && s.toolOwner[d.ID] == m.ID {
		delete(s.orphans, d.ID)
		tc.Result = &r
		tc.ArgsComplete = true
		return d.ID, true
	}
	return "", false
}

// attachResult 设置工具调用结果; 所属消息未到达时暂存。
func attachResult(s *Set, toolCallID string, r ToolResult) bool {
	owner, ok := s.toolOwner[toolCallID]
	if !ok {
		if _, exists := s.orphans[toolCallID]; !exists {
			s.orphans[toolCallID] = r
		}
		return false
	}
	m := s.byID[owner]
	for i := range m.ToolCalls {
		tc := &m.ToolCalls[i]
		if tc.ID != toolCallID {
			continue
		}
		if tc.Result != nil {
			return false
		}
		tc.Result = &r
		tc.ArgsComplete = true
		return true
	}
	return false
}
