package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/multi-agent/convsync/internal/conversation"
	"github.com/multi-agent/convsync/internal/stream"
	"github.com/multi-agent/convsync/pkg/util"
)

// printer 把线程快照增量渲染为终端文本。
// 快照按版本顺序到达, 只输出相对上次快照新增的部分。
type printer struct {
	w  io.Writer
	mu sync.Mutex

	text      map[string]string // ai message id → 已输出文本
	tools     map[string]bool   // tool call id → 已输出调用
	results   map[string]bool   // tool call id → 已输出结果
	subagents map[string]stream.SubagentStatus
	status    conversation.Status
	current   string // 正在输出的 ai message id
}

func newPrinter(w io.Writer) *printer {
	return &printer{
		w:         w,
		text:      make(map[string]string),
		tools:     make(map[string]bool),
		results:   make(map[string]bool),
		subagents: make(map[string]stream.SubagentStatus),
		status:    conversation.StatusIdle,
	}
}

// OnState Thread.Subscribe 回调。
func (p *printer) OnState(st conversation.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, m := range st.Messages {
		if m.Role != stream.RoleAI {
			continue
		}
		p.renderText(m.ID, m.Content())
		for _, tc := range m.ToolCalls {
			if tc.ArgsComplete && !p.tools[tc.ID] {
				p.tools[tc.ID] = true
				p.line(fmt.Sprintf("[tool] %s %s", tc.Name, util.Truncate(tc.ArgsText, 200)))
			}
			if tc.Result != nil && !p.results[tc.ID] {
				p.results[tc.ID] = true
				p.line(fmt.Sprintf("[tool] %s → %s", tc.Name, util.Truncate(tc.Result.Content, 200)))
			}
		}
	}

	for _, sa := range st.Subagents {
		if p.subagents[sa.ID] == sa.Status {
			continue
		}
		p.subagents[sa.ID] = sa.Status
		label := util.FirstNonEmpty(sa.Name, sa.ID)
		if sa.Status == stream.SubagentError && sa.Error != "" {
			p.line(fmt.Sprintf("[subagent %s] error: %s", label, sa.Error))
			continue
		}
		p.line(fmt.Sprintf("[subagent %s] %s", label, sa.Status))
	}

	if st.Status == p.status {
		return
	}
	p.status = st.Status
	switch st.Status {
	case conversation.StatusError:
		p.line("[error] " + st.Error)
	case conversation.StatusInterrupted:
		p.line("[interrupt] approval required:")
		if st.Interrupt != nil {
			for i, ar := range st.Interrupt.ActionRequests {
				p.line(fmt.Sprintf("  %d. %s %s", i+1, ar.Name, util.Truncate(string(ar.Args), 200)))
			}
		}
		p.line("  reply with /approve or /reject <reason>")
	case conversation.StatusIdle:
		p.endText()
	}
}

// renderText 输出新增文本; 内容被整体替换时换行重新输出。
func (p *printer) renderText(id, content string) {
	prev, seen := p.text[id]
	if seen && prev == content {
		return
	}
	p.text[id] = content
	if content == "" {
		return
	}
	if p.current != id {
		p.endText()
		p.current = id
		fmt.Fprint(p.w, "assistant> ")
		prev = ""
	}
	if strings.HasPrefix(content, prev) {
		fmt.Fprint(p.w, content[len(prev):])
		return
	}
	fmt.Fprint(p.w, "\nassistant> "+content)
}

func (p *printer) endText() {
	if p.current != "" {
		fmt.Fprintln(p.w)
		p.current = ""
	}
}

func (p *printer) line(s string) {
	p.endText()
	fmt.Fprintln(p.w, s)
}
