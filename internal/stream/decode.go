package stream

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	pkgerr "github.com/multi-agent/convsync/pkg/errors"
	"github.com/multi-agent/convsync/pkg/util"
)

// rawPreviewBytes MalformedEventError.Raw 的最大长度。
const rawPreviewBytes = 512

func malformed(reason string, raw []byte, err error) error {
	return &pkgerr.MalformedEventError{
		Reason: reason,
		Raw:    util.Truncate(string(raw), rawPreviewBytes),
		Err:    err,
	}
}

// ========================================
// wire 结构 (camelCase 优先, 兼容 snake_case)
// ========================================

type wireHeader struct {
	Type string          `json:"type"`
	Seq  json.RawMessage `json:"seq"`
}

type wireBlock struct {
	Index *int            `json:"index"`
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Data  json.RawMessage `json:"data"`
}

type wireToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	ArgsDelta string          `json:"argsDelta"`
	Args      json.RawMessage `json:"args"`
}

type wireMessage struct {
	ID            string          `json:"id"`
	Role          string          `json:"role"`
	LegacyType    string          `json:"messageType"`
	ContentDelta  string          `json:"contentDelta"`
	Content       json.RawMessage `json:"content"`
	ContentBlocks []wireBlock     `json:"contentBlocks"`
	ToolCalls     []wireToolCall  `json:"toolCalls"`
	ToolCallID    string          `json:"toolCallId"`
	ToolCallIDAlt string          `json:"tool_call_id"`
	Name          string          `json:"name"`
	Final         bool            `json:"final"`
}

type wireMetadata struct {
	RunID       string `json:"runId"`
	RunIDAlt    string `json:"run_id"`
	ThreadID    string `json:"threadId"`
	ThreadIDAlt string `json:"thread_id"`
}

type wireCheckpoint struct {
	ID          string        `json:"id"`
	ParentID    string        `json:"parentId"`
	ParentIDAlt string        `json:"parent_checkpoint"`
	MessageIDs  []string      `json:"messageIds"`
	Messages    []wireMessage `json:"messages"`
}

type wireToolRef struct {
	ID string `json:"id"`
}

type wireCustom struct {
	ID            string          `json:"id"`
	Kind          string          `json:"kind"`
	Progress      *float64        `json:"progress"`
	Status        string          `json:"status"`
	FileOperation string          `json:"fileOperation"`
	Operation     string          `json:"operation"`
	File          string          `json:"file"`
	FilePath      string          `json:"filePath"`
	Message       string          `json:"message"`
	ToolCallRef   string          `json:"toolCallRef"`
	ToolCall      *wireToolRef    `json:"toolCall"`
	Timestamp     json.RawMessage `json:"timestamp"`
}

type wireSubagent struct {
	SubagentID   string `json:"subagentId"`
	Name         string `json:"name"`
	Status       string `json:"status"`
	ContentDelta string `json:"contentDelta"`
	MessageID    string `json:"messageId"`
	Error        string `json:"error"`
}

type wireInterrupt struct {
	Value             json.RawMessage `json:"value"`
	ActionRequests    []ActionRequest `json:"actionRequests"`
	ActionRequestsAlt []ActionRequest `json:"action_requests"`
}

// ========================================
// 解码
// ========================================

// Decode 解码单条 JSON 记录。kindHint 来自 SSE event: 行, cursorHint 来自 SSE id: 行。
func Decode(raw []byte, kindHint, cursorHint string) (Event, error) {
	raw = bytes.TrimSpace(raw)
	var h wireHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, malformed("invalid json", raw, err)
	}
	kind := Kind(util.FirstNonEmpty(h.Type, kindHint))
	hdr := Header{Seq: util.FirstNonEmpty(cursorText(h.Seq), cursorHint)}

	switch kind {
	case KindMetadata:
		var w wireMetadata
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, malformed("metadata", raw, err)
		}
		return Metadata{
			Header:   hdr,
			RunID:    util.FirstNonEmpty(w.RunID, w.RunIDAlt),
			ThreadID: util.FirstNonEmpty(w.ThreadID, w.ThreadIDAlt),
		}, nil

	case KindMessageDelta:
		var w wireMessage
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, malformed("message-delta", raw, err)
		}
		d, reason := convertMessage(w)
		if reason != "" {
			return nil, malformed(reason, raw, nil)
		}
		d.Header = hdr
		return d, nil

	case KindCheckpoint:
		var w wireCheckpoint
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, malformed("checkpoint", raw, err)
		}
		if w.ID == "" {
			return nil, malformed("checkpoint without id", raw, nil)
		}
		cp := Checkpoint{
			Header:     hdr,
			ID:         w.ID,
			ParentID:   util.FirstNonEmpty(w.ParentID, w.ParentIDAlt),
			MessageIDs: w.MessageIDs,
		}
		for _, wm := range w.Messages {
			m, reason := convertMessage(wm)
			if reason != "" {
				return nil, malformed("checkpoint message: "+reason, raw, nil)
			}
			m.Final = true
			cp.Messages = append(cp.Messages, m)
		}
		if len(cp.MessageIDs) == 0 {
			for _, m := range cp.Messages {
				cp.MessageIDs = append(cp.MessageIDs, m.ID)
			}
		}
		return cp, nil

	case KindCustom:
		var w wireCustom
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, malformed("custom", raw, err)
		}
		if w.ID == "" {
			return nil, malformed("custom without id", raw, nil)
		}
		ts, ok := parseTimestamp(w.Timestamp)
		if !ok {
			return nil, malformed("invalid custom timestamp", raw, nil)
		}
		c := Custom{
			Header:        hdr,
			ID:            w.ID,
			Label:         w.Kind,
			Progress:      w.Progress,
			Status:        w.Status,
			FileOperation: util.FirstNonEmpty(w.FileOperation, w.Operation),
			File:          util.FirstNonEmpty(w.File, w.FilePath),
			Message:       w.Message,
			ToolCallRef:   w.ToolCallRef,
			Timestamp:     ts,
			Payload:       json.RawMessage(append([]byte(nil), raw...)),
		}
		if c.ToolCallRef == "" && w.ToolCall != nil {
			c.ToolCallRef = w.ToolCall.ID
		}
		return c, nil

	case KindSubagentDelta:
		var w wireSubagent
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, malformed("subagent-delta", raw, err)
		}
		if w.SubagentID == "" {
			return nil, malformed("subagent-delta without subagentId", raw, nil)
		}
		d := SubagentDelta{
			Header:       hdr,
			SubagentID:   w.SubagentID,
			Name:         w.Name,
			ContentDelta: w.ContentDelta,
			MessageID:    w.MessageID,
			Error:        w.Error,
		}
		if w.Status != "" {
			st, ok := ParseSubagentStatus(w.Status)
			if !ok {
				return nil, malformed("unknown subagent status "+strconv.Quote(w.Status), raw, nil)
			}
			d.Status = st
		}
		return d, nil

	case KindInterrupt:
		var w wireInterrupt
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, malformed("interrupt", raw, err)
		}
		in := Interrupt{Header: hdr, Value: w.Value}
		in.ActionRequests = w.ActionRequests
		if in.ActionRequests == nil {
			in.ActionRequests = w.ActionRequestsAlt
		}
		if in.ActionRequests == nil && len(w.Value) > 0 {
			// HITL 中间件把 actionRequests 放在 value 里
			var nested wireInterrupt
			if json.Unmarshal(w.Value, &nested) == nil {
				in.ActionRequests = nested.ActionRequests
				if in.ActionRequests == nil {
					in.ActionRequests = nested.ActionRequestsAlt
				}
			}
		}
		return in, nil

	case KindDone:
		return Done{Header: hdr}, nil

	case KindError:
		var w struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, malformed("error", raw, err)
		}
		return RunError{Header: hdr, Message: util.FirstNonEmpty(w.Message, w.Error, "run failed")}, nil

	case "":
		return nil, malformed("missing event type", raw, nil)
	default:
		return nil, malformed("unknown event type "+strconv.Quote(string(kind)), raw, nil)
	}
}

func convertMessage(w wireMessage) (MessageDelta, string) {
	if w.ID == "" {
		return MessageDelta{}, "message without id"
	}
	d := MessageDelta{
		ID:           w.ID,
		ContentDelta: w.ContentDelta,
		ToolCallID:   util.FirstNonEmpty(w.ToolCallID, w.ToolCallIDAlt),
		Name:         w.Name,
		Final:        w.Final,
	}
	if rawRole := util.FirstNonEmpty(w.Role, w.LegacyType); rawRole != "" {
		role, ok := ParseRole(rawRole)
		if !ok {
			return MessageDelta{}, "unknown role " + strconv.Quote(rawRole)
		}
		d.Role = role
	}

	switch content := bytes.TrimSpace(w.Content); {
	case len(content) == 0 || bytes.Equal(content, []byte("null")):
	case content[0] == '"':
		var s string
		if err := json.Unmarshal(content, &s); err != nil {
			return MessageDelta{}, "invalid content"
		}
		d.Content = &s
	case content[0] == '[':
		var blocks []wireBlock
		if err := json.Unmarshal(content, &blocks); err != nil {
			return MessageDelta{}, "invalid content blocks"
		}
		d.Blocks = convertBlocks(blocks)
		d.ReplaceBlocks = true
	default:
		return MessageDelta{}, "content must be string or array"
	}
	if len(w.ContentBlocks) > 0 {
		d.Blocks = append(d.Blocks, convertBlocks(w.ContentBlocks)...)
	}

	for _, tc := range w.ToolCalls {
		if tc.ID == "" {
			return MessageDelta{}, "tool call without id"
		}
		td := ToolCallDelta{ID: tc.ID, Name: tc.Name, ArgsDelta: tc.ArgsDelta}
		if args := bytes.TrimSpace(tc.Args); len(args) > 0 && !bytes.Equal(args, []byte("null")) {
			var text string
			if args[0] == '"' {
				if err := json.Unmarshal(args, &text); err != nil {
					return MessageDelta{}, "invalid tool call args"
				}
			} else {
				text = string(args)
			}
			td.Args = &text
		}
		d.ToolCalls = append(d.ToolCalls, td)
	}
	return d, ""
}

func convertBlocks(in []wireBlock) []BlockDelta {
	out := make([]BlockDelta, 0, len(in))
	for i, b := range in {
		idx := i
		if b.Index != nil && *b.Index >= 0 {
			idx = *b.Index
		}
		out = append(out, BlockDelta{Index: idx, Type: util.FirstNonEmpty(b.Type, "text"), Text: b.Text, Data: b.Data})
	}
	return out
}

func cursorText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return ""
	}
	return string(raw)
}

// parseTimestamp 接受 unix 毫秒数字或 RFC3339 字符串。
func parseTimestamp(raw json.RawMessage) (int64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, true
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
		if strings.TrimSpace(s) == "" {
			return 0, true
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return 0, false
		}
		return t.UnixMilli(), true
	}
	f, err := strconv.ParseFloat(string(raw), 64)
	if err != nil {
		return 0, false
	}
	return int64(f), true
}
