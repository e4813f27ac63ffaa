package conversation

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/multi-agent/convsync/internal/custom"
	"github.com/multi-agent/convsync/internal/message"
	"github.com/multi-agent/convsync/internal/stream"
	"github.com/multi-agent/convsync/internal/subagent"
	"github.com/multi-agent/convsync/internal/transport"
	"github.com/multi-agent/convsync/pkg/logger"
	"github.com/multi-agent/convsync/pkg/util"
)

// run 结果 (metrics outcome 标签)。
const (
	outcomeSuccess     = "success"
	outcomeInterrupted = "interrupted"
	outcomeCancelled   = "cancelled"
	outcomeError       = "error"
)

// storeTimeout RunStore 读写上限。
const storeTimeout = 5 * time.Second

// activeRun 一个正在消费的流。runID 由 Thread.mu 保护。
type activeRun struct {
	runID  string
	stream transport.Stream
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// replay: 从 run 起点重新接入, 已有消息首次出现时清空 (seen 由 Thread.mu 保护)
	replay bool
	seen   map[string]struct{}

	cancelled  atomic.Bool
	detached   atomic.Bool // 本地停止消费, 后端 run 继续, 保留持久化 run id
	finishOnce sync.Once
}

// startRun 注册活跃 run 并启动消费 goroutine。
func (t *Thread) startRun(runID string, st transport.Stream, replay bool) {
	ctx, cancel := context.WithCancel(context.Background())
	ar := &activeRun{runID: runID, stream: st, ctx: ctx, cancel: cancel, done: make(chan struct{}), replay: replay}
	if replay {
		ar.seen = make(map[string]struct{})
	}

	t.mu.Lock()
	t.run = ar
	if runID != "" {
		t.runID = runID
	}
	t.mu.Unlock()

	t.opts.Metrics.RunStarted()
	if runID != "" {
		t.persistRun(runID)
	}
	util.SafeGo(func() { t.runLoop(ar) })
}

// stopRun 中止活跃 run: 先关流 (解除传输层背压), 等待 goroutine 退出, 再通知后端取消。
// 无活跃 run 时返回 false。
func (t *Thread) stopRun(ctx context.Context) bool {
	return t.haltRun(ctx, false)
}

// haltRun detach 为 true 时只停止本地消费, 不取消后端 run。
func (t *Thread) haltRun(ctx context.Context, detach bool) bool {
	t.mu.RLock()
	ar := t.run
	t.mu.RUnlock()
	if ar == nil {
		return false
	}

	ar.detached.Store(detach)
	ar.cancelled.Store(true)
	ar.cancel()
	_ = ar.stream.Close()

	waitCtx, cancel := context.WithTimeout(ctx, t.opts.CancelTimeout)
	defer cancel()
	select {
	case <-ar.done:
	case <-waitCtx.Done():
		t.log.Warn("conversation: run loop did not exit in time, detaching")
		t.finish(ar, outcomeCancelled, "")
	}

	t.mu.RLock()
	runID := ar.runID
	t.mu.RUnlock()
	if detach {
		t.log.Info("conversation: run detached", logger.FieldRunID, runID)
		return true
	}
	if runID != "" {
		if err := t.tr.Cancel(ctx, t.id, runID); err != nil {
			t.log.Warn("conversation: backend cancel failed", logger.FieldRunID, runID, logger.FieldError, err)
		}
	}
	t.log.Info("conversation: run cancelled", logger.FieldRunID, runID)
	return true
}

// runLoop 顺序消费一个 run 的 chunk, 每个事件整体应用后再处理下一个。
func (t *Thread) runLoop(ar *activeRun) {
	defer close(ar.done)
	defer ar.stream.Close()
	// 兜底: 任何未经 finish 的退出 (含 panic) 都把 run 标记为失败
	defer t.finish(ar, outcomeError, "run loop exited unexpectedly")

	p := stream.NewParser(stream.WithMaxRecordBytes(t.opts.MaxRecordBytes))
	for {
		chunk, err := ar.stream.Next(ar.ctx)
		if len(chunk) > 0 {
			t.raw.Write(chunk)
			if t.consume(ar, p.Feed(chunk)) {
				return
			}
		}
		if err == nil {
			continue
		}
		switch {
		case ar.cancelled.Load():
			t.finish(ar, outcomeCancelled, "")
		case errors.Is(err, io.EOF):
			if t.consume(ar, p.Flush()) {
				return
			}
			// 流结束但没有 done 事件: 视为正常结束
			t.finish(ar, outcomeSuccess, "")
		default:
			terr := asTransportError("stream", err)
			t.log.Warn("conversation: stream failed", logger.FieldError, terr)
			t.finish(ar, outcomeError, terr.Error())
		}
		return
	}
}

// consume 应用序列中的事件; run 结束 (终止事件、被取消或被取代) 时返回 true。
func (t *Thread) consume(ar *activeRun, events iter.Seq2[stream.Event, error]) bool {
	for ev, err := range events {
		if ar.cancelled.Load() {
			t.finish(ar, outcomeCancelled, "")
			return true
		}
		if err != nil {
			t.opts.Metrics.IncMalformed()
			t.log.Warn("conversation: skip malformed record", logger.FieldError, err)
			continue
		}
		if t.handle(ar, ev) {
			return true
		}
	}
	return false
}

// handle 在写锁内应用单个事件。
func (t *Thread) handle(ar *activeRun, ev stream.Event) bool {
	start := time.Now()

	t.mu.Lock()
	if t.run != ar {
		t.mu.Unlock()
		return true
	}
	if n, ok := stream.SeqNumber(ev.Cursor()); ok {
		if t.hasSeq && n <= t.lastSeq {
			// 重新接入时后端重放的重复事件
			t.mu.Unlock()
			return false
		}
		t.lastSeq, t.hasSeq = n, true
	}

	var started string
	switch e := ev.(type) {
	case stream.Metadata:
		if e.RunID != "" && e.RunID != ar.runID {
			ar.runID = e.RunID
			t.runID = e.RunID
			started = e.RunID
		}
	case stream.MessageDelta:
		if ar.replay {
			if _, ok := ar.seen[e.ID]; !ok {
				ar.seen[e.ID] = struct{}{}
				message.Reset(t.messages, e.ID)
			}
		}
		if ch := message.Apply(t.messages, e); ch.Created {
			t.tree.Observe(e.ID)
		}
	case stream.Checkpoint:
		for _, m := range e.Messages {
			message.Upsert(t.messages, m)
		}
		t.tree.ApplyCheckpoint(e)
	case stream.Custom:
		custom.Route(t.customs, e)
	case stream.SubagentDelta:
		trigger := subagent.TriggerFor(t.messages.Select(t.tree.Visible()))
		subagent.Apply(t.subagents, e, trigger)
	case stream.Interrupt:
		intr := e
		t.interrupt = &intr
	case stream.Done, stream.RunError:
	}
	t.version++
	t.mu.Unlock()

	t.opts.Metrics.ObserveEvent(string(ev.Kind()), time.Since(start))
	t.sessions.Advance(t.id, ev.Cursor())
	if started != "" {
		t.persistRun(started)
	}

	switch e := ev.(type) {
	case stream.Done:
		t.finish(ar, outcomeSuccess, "")
		return true
	case stream.RunError:
		t.finish(ar, outcomeError, e.Message)
		return true
	}
	t.notify()
	return false
}

// finish 结束 run (每个 run 只执行一次): 强制关闭非终态子代理, 清除持久化 run id。
// 中断挂起时 success 记为 interrupted。
func (t *Thread) finish(ar *activeRun, outcome, errMsg string) {
	first := false
	ar.finishOnce.Do(func() { first = true })
	if !first {
		return
	}

	t.mu.Lock()
	current := t.run == ar
	if current {
		if outcome == outcomeSuccess && t.interrupt != nil {
			outcome = outcomeInterrupted
		}
		t.run = nil
		t.tree.EndRun()
		reason := "run " + outcome
		if errMsg != "" {
			reason = errMsg
		}
		if closed := subagent.ForceClose(t.subagents, reason); len(closed) > 0 {
			t.log.Debug("conversation: force-closed subagents", logger.FieldCount, len(closed), logger.FieldReason, reason)
		}
		switch outcome {
		case outcomeSuccess, outcomeCancelled:
			t.status = StatusIdle
		case outcomeInterrupted:
			t.status = StatusInterrupted
		default:
			t.status = StatusError
			t.lastErr = errMsg
		}
		t.version++
	}
	runID := ar.runID
	t.mu.Unlock()

	t.opts.Metrics.RunFinished(outcome)
	if !current {
		return
	}
	t.log.Info("conversation: run finished", logger.FieldRunID, runID, logger.FieldStatus, outcome)
	if ar.detached.Load() {
		t.notify()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := t.sessions.RunFinished(ctx, t.id); err != nil {
		t.log.Warn("conversation: clear run id failed", logger.FieldError, err)
	}
	t.notify()
}

// fail 提交失败: 线程进入 error 状态, 已有消息保留。
func (t *Thread) fail(err error) {
	t.mu.Lock()
	t.tree.EndRun()
	subagent.ForceClose(t.subagents, err.Error())
	t.status = StatusError
	t.lastErr = err.Error()
	t.version++
	t.mu.Unlock()
	t.log.Warn("conversation: submit failed", logger.FieldError, err)
	t.notify()
}

func (t *Thread) persistRun(runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := t.sessions.RunStarted(ctx, t.id, runID); err != nil {
		t.log.Warn("conversation: persist run id failed", logger.FieldRunID, runID, logger.FieldError, err)
	}
}
