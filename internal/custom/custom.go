// Package custom 将带外自定义事件按形状分桶, 并按 tool call 交叉索引。
package custom

import (
	"encoding/json"
	"strings"

	"github.com/multi-agent/convsync/internal/stream"
	"github.com/multi-agent/convsync/pkg/logger"
)

// Kind 桶类型。
type Kind string

const (
	KindProgress      Kind = "progress"
	KindStatus        Kind = "status"
	KindFileOperation Kind = "file_operation"
)

// Entry 某个 id 的最新载荷。
type Entry struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	ToolCallRef string          `json:"toolCallRef,omitempty"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	Progress    float64         `json:"progress,omitempty"`
	Status      string          `json:"status,omitempty"`
	Message     string          `json:"message,omitempty"`
	Operation   string          `json:"operation,omitempty"`
	File        string          `json:"file,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Terminal status 是否为终态 (complete/error)。
func (e Entry) Terminal() bool {
	switch strings.ToLower(e.Status) {
	case "complete", "completed", "error", "failed":
		return true
	}
	return false
}

// bucket 按 id 的有序映射。
type bucket struct {
	byID  map[string]Entry
	order []string
}

func (b *bucket) put(e Entry) {
	if _, ok := b.byID[e.ID]; !ok {
		b.order = append(b.order, e.ID)
	}
	b.byID[e.ID] = e
}

func (b *bucket) list(filter func(Entry) bool) []Entry {
	var out []Entry
	for _, id := range b.order {
		if e := b.byID[id]; filter == nil || filter(e) {
			out = append(out, e)
		}
	}
	return out
}

// Buckets progress / status / file_operation 三个桶。
type Buckets struct {
	buckets map[Kind]*bucket
}

// NewBuckets 创建空桶集。
func NewBuckets() *Buckets {
	b := &Buckets{buckets: make(map[Kind]*bucket, 3)}
	for _, k := range []Kind{KindProgress, KindStatus, KindFileOperation} {
		b.buckets[k] = &bucket{byID: make(map[string]Entry)}
	}
	return b
}

// Get 查找某桶中的条目。
func (b *Buckets) Get(kind Kind, id string) (Entry, bool) {
	bk, ok := b.buckets[kind]
	if !ok {
		return Entry{}, false
	}
	e, ok := bk.byID[id]
	return e, ok
}

// List 某桶全部条目, 首见顺序。
func (b *Buckets) List(kind Kind) []Entry {
	if bk, ok := b.buckets[kind]; ok {
		return bk.list(nil)
	}
	return nil
}

// Classify 判别载荷形状。显式 kind 字段优先, 其次 progress → fileOperation → status。
func Classify(ev stream.Custom) (Kind, bool) {
	switch strings.ToLower(strings.TrimSpace(ev.Label)) {
	case "progress":
		return KindProgress, true
	case "status":
		return KindStatus, true
	case "file_operation", "fileoperation", "file":
		return KindFileOperation, true
	}
	switch {
	case ev.Progress != nil:
		return KindProgress, true
	case ev.FileOperation != "":
		return KindFileOperation, true
	case ev.Status != "":
		return KindStatus, true
	}
	return "", false
}

// Route 将事件存入对应桶, 同 id 后写覆盖。
//
// 双方都带时间戳且新事件严格更旧时丢弃 (乱序重放)。无法识别的形状静默丢弃。
func Route(b *Buckets, ev stream.Custom) (Kind, bool) {
	kind, ok := Classify(ev)
	if !ok {
		logger.Debug("custom: unclassified payload dropped", logger.FieldID, ev.ID)
		return "", false
	}
	bk := b.buckets[kind]
	if prev, exists := bk.byID[ev.ID]; exists && prev.Timestamp > 0 && ev.Timestamp > 0 && ev.Timestamp < prev.Timestamp {
		logger.Debug("custom: stale payload dropped", logger.FieldID, ev.ID, "kind", kind)
		return kind, false
	}
	e := Entry{
		ID:          ev.ID,
		Kind:        kind,
		ToolCallRef: ev.ToolCallRef,
		Timestamp:   ev.Timestamp,
		Status:      ev.Status,
		Message:     ev.Message,
		Operation:   ev.FileOperation,
		File:        ev.File,
		Payload:     ev.Payload,
	}
	if ev.Progress != nil {
		e.Progress = *ev.Progress
	}
	bk.put(e)
	return kind, true
}

// ToolCallEvents 某个 tool call 关联的自定义事件。
type ToolCallEvents struct {
	Progress       []Entry `json:"progress"`
	Status         []Entry `json:"status"`
	FileOperations []Entry `json:"fileOperations"`
}

// Empty 是否没有任何条目。
func (t ToolCallEvents) Empty() bool {
	return len(t.Progress) == 0 && len(t.Status) == 0 && len(t.FileOperations) == 0
}

// ForToolCall 返回 tool call 的全部自定义事件 (首见顺序)。
//
// 存在终态 status 时隐藏 progress: 两者是互斥的显示状态, status 优先。
// 过滤发生在查询时, 终态之后到达的 progress 同样保持隐藏。
func ForToolCall(b *Buckets, toolCallID string) ToolCallEvents {
	match := func(e Entry) bool { return e.ToolCallRef == toolCallID }
	out := ToolCallEvents{
		Status:         b.buckets[KindStatus].list(match),
		FileOperations: b.buckets[KindFileOperation].list(match),
	}
	for _, s := range out.Status {
		if s.Terminal() {
			return out
		}
	}
	out.Progress = b.buckets[KindProgress].list(match)
	return out
}
