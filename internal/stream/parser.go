package stream

import (
	"bytes"
	"fmt"
	"iter"
	"strings"

	pkgerr "github.com/multi-agent/convsync/pkg/errors"
)

// DefaultMaxRecordBytes 单条记录默认上限。
const DefaultMaxRecordBytes = 4 << 20

// Parser 增量分帧器。跨 chunk 的半截记录缓存到下一次 Feed。
//
// 非并发安全: 一个 run 的 chunk 由同一个 goroutine 顺序投喂。
type Parser struct {
	maxRecord int

	buf      []byte
	skipping bool // 超长记录丢弃直到下一个换行

	// SSE 帧状态
	sseKind string
	sseID   string
	sseData []string
}

// Option Parser 配置项。
type Option func(*Parser)

// WithMaxRecordBytes 设置单条记录上限 (<=0 使用默认值)。
func WithMaxRecordBytes(n int) Option {
	return func(p *Parser) {
		if n > 0 {
			p.maxRecord = n
		}
	}
}

// NewParser 创建解析器。
func NewParser(opts ...Option) *Parser {
	p := &Parser{maxRecord: DefaultMaxRecordBytes}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Feed 缓存 chunk 并返回惰性事件序列。
//
// 每个完整记录产出 (event, nil); 坏记录产出 (nil, *MalformedEventError) 后继续。
// 提前 break 时未消费的行留在缓冲区, 由下一次 Feed/Flush 继续产出。
func (p *Parser) Feed(chunk []byte) iter.Seq2[Event, error] {
	p.buf = append(p.buf, chunk...)
	return func(yield func(Event, error) bool) {
		for {
			i := bytes.IndexByte(p.buf, '\n')
			if i < 0 {
				if !p.skipping && len(p.buf) > p.maxRecord {
					p.skipping = true
					err := malformed(p.oversize(), preview(p.buf), nil)
					p.buf = p.buf[:0]
					if !yield(nil, err) {
						return
					}
				} else if p.skipping {
					p.buf = p.buf[:0]
				}
				return
			}
			line := p.buf[:i]
			p.buf = p.buf[i+1:]
			if p.skipping {
				p.skipping = false
				continue
			}
			if len(line) > p.maxRecord {
				if !yield(nil, malformed(p.oversize(), preview(line), nil)) {
					return
				}
				continue
			}
			ev, ok, err := p.line(bytes.TrimRight(line, "\r"))
			if ok && !yield(ev, err) {
				return
			}
		}
	}
}

// Flush 流结束时解码缓冲区中剩余的最后一条记录。
func (p *Parser) Flush() iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		for ev, err := range p.Feed(nil) {
			if !yield(ev, err) {
				return
			}
		}
		rest := bytes.TrimRight(p.buf, "\r")
		p.buf = nil
		skipping := p.skipping
		p.skipping = false
		if len(bytes.TrimSpace(rest)) > 0 && !skipping {
			if ev, ok, err := p.line(rest); ok && !yield(ev, err) {
				return
			}
		}
		if ev, ok, err := p.dispatchSSE(); ok {
			yield(ev, err)
		}
	}
}

func preview(b []byte) []byte { return b[:min(len(b), rawPreviewBytes)] }

func (p *Parser) oversize() string {
	return fmt.Sprintf("record exceeds %d bytes", p.maxRecord)
}

// line 处理一行。ok=false 表示该行不产出任何东西。
func (p *Parser) line(line []byte) (Event, bool, error) {
	if len(bytes.TrimSpace(line)) == 0 {
		return p.dispatchSSE()
	}
	if line[0] == ':' {
		return nil, false, nil // SSE 注释 / keepalive
	}
	if field, value, isField := sseField(line); isField {
		switch field {
		case "event":
			p.sseKind = value
		case "data":
			p.sseData = append(p.sseData, value)
		case "id":
			p.sseID = value
		}
		// retry: 及其他字段忽略
		return nil, false, nil
	}
	ev, err := Decode(line, "", "")
	return ev, true, err
}

// dispatchSSE 空行 (或流结束) 时派发累积的 data: 行。
func (p *Parser) dispatchSSE() (Event, bool, error) {
	if len(p.sseData) == 0 {
		p.sseKind = ""
		return nil, false, nil
	}
	data := strings.Join(p.sseData, "\n")
	kind, id := p.sseKind, p.sseID
	p.sseData = p.sseData[:0]
	p.sseKind = ""
	// id: 在 SSE 中跨事件保持, 这里沿用 (Last-Event-ID 语义)
	if len(data) > p.maxRecord {
		return nil, true, malformed(p.oversize(), preview([]byte(data)), nil)
	}
	ev, err := Decode([]byte(data), kind, id)
	return ev, true, err
}

var sseFields = []string{"event", "data", "id", "retry"}

func sseField(line []byte) (string, string, bool) {
	for _, f := range sseFields {
		if !bytes.HasPrefix(line, []byte(f)) {
			continue
		}
		rest := line[len(f):]
		if len(rest) == 0 {
			return f, "", true
		}
		if rest[0] != ':' {
			continue
		}
		return f, strings.TrimPrefix(string(rest[1:]), " "), true
	}
	return "", "", false
}

// IsMalformed 判断错误是否为可跳过的坏记录。
func IsMalformed(err error) bool {
	var me *pkgerr.MalformedEventError
	return pkgerr.As(err, &me)
}
