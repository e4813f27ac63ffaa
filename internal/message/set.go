package message

import (
	"github.com/multi-agent/convsync/internal/stream"
)

// Set 消息 arena: id → 消息, 首见顺序单独保存。
type Set struct {
	byID      map[string]*Message
	order     []string
	toolOwner map[string]string // tool call id → 所属 ai 消息 id
	orphans   map[string]ToolResult
}

// NewSet 创建空集合。
func NewSet() *Set {
	return &Set{
		byID:      make(map[string]*Message),
		toolOwner: make(map[string]string),
		orphans:   make(map[string]ToolResult),
	}
}

// Len 消息数。
func (s *Set) Len() int { return len(s.order) }

// Has 是否已见过 id。
func (s *Set) Has(id string) bool {
	_, ok := s.byID[id]
	return ok
}

// Get 返回消息副本。
func (s *Set) Get(id string) (Message, bool) {
	m, ok := s.byID[id]
	if !ok {
		return Message{}, false
	}
	return m.Clone(), true
}

// IDs 首见顺序的 id 列表副本。
func (s *Set) IDs() []string { return append([]string(nil), s.order...) }

// List 首见顺序的消息副本。
func (s *Set) List() []Message {
	out := make([]Message, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// Select 按给定 id 顺序返回消息副本, 未知 id 跳过。
func (s *Set) Select(ids []string) []Message {
	out := make([]Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := s.byID[id]; ok {
			out = append(out, m.Clone())
		}
	}
	return out
}

// ToolCall 按 id 查找工具调用。
func (s *Set) ToolCall(id string) (ToolCall, bool) {
	owner, ok := s.toolOwner[id]
	if !ok {
		return ToolCall{}, false
	}
	for _, tc := range s.byID[owner].ToolCalls {
		if tc.ID == id {
			return tc, true
		}
	}
	return ToolCall{}, false
}

// Add 追加一条本地消息 (如乐观插入的 human 消息)。id 已存在时不变。
func (s *Set) Add(m Message) bool {
	if s.Has(m.ID) {
		return false
	}
	cp := m.Clone()
	s.byID[m.ID] = &cp
	s.order = append(s.order, m.ID)
	return true
}

func (s *Set) ensure(id string, role stream.Role) (*Message, bool) {
	if m, ok := s.byID[id]; ok {
		return m, false
	}
	if role == "" {
		role = stream.RoleAI
	}
	m := &Message{ID: id, Role: role}
	s.byID[id] = m
	s.order = append(s.order, id)
	return m, true
}
