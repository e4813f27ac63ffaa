// Package conversation 会话状态门面: 组合解析、消息折叠、自定义事件、分支与子代理,
// 形成单一可观察、可驱动的线程对象。
//
// 数据流: transport → stream.Parser → {message, custom, subagent, branch} → Thread → 观察者
// 控制流: 观察者 → Thread → branch (计算分叉参数) → transport
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/multi-agent/convsync/internal/branch"
	"github.com/multi-agent/convsync/internal/custom"
	"github.com/multi-agent/convsync/internal/message"
	"github.com/multi-agent/convsync/internal/metrics"
	"github.com/multi-agent/convsync/internal/session"
	"github.com/multi-agent/convsync/internal/stream"
	"github.com/multi-agent/convsync/internal/subagent"
	"github.com/multi-agent/convsync/internal/transport"
	pkgerr "github.com/multi-agent/convsync/pkg/errors"
	"github.com/multi-agent/convsync/pkg/logger"
)

// Options 线程配置。
type Options struct {
	AssistantID     string
	StreamSubgraphs bool
	MaxRecordBytes  int
	RawTailBytes    int           // 原始流尾部保留字节数, 0 使用默认值
	CancelTimeout   time.Duration // 等待 run goroutine 退出的上限
	Metrics         *metrics.Metrics
}

const (
	defaultCancelTimeout = 10 * time.Second
	defaultRawTailBytes  = 64 << 10
)

// SubmitOptions 提交参数。
//
//   - ParentCheckpoint: 非 nil 时从该 checkpoint 分叉 ("" 为根)
//   - ResumeDecisions:  非 nil 时作为中断恢复命令发送
type SubmitOptions struct {
	ParentCheckpoint *string
	ResumeDecisions  []Decision
	Config           map[string]any
}

// Thread 单个对话线程。
type Thread struct {
	id       string
	tr       transport.Transport
	sessions *session.Manager
	opts     Options
	log      *slog.Logger
	raw      *RawTail

	// ========================================
	// 锁职责:
	//   opMu:     串行化控制操作 (submit/cancel/selectBranch/resume), 可跨网络调用持有
	//   mu:       保护下方全部会话状态; 每个事件在写锁内整体应用
	//   notifyMu: 观察者按版本顺序收到快照
	//   subsMu:   保护 subs
	// 加锁顺序: opMu → notifyMu → mu
	// 观察者回调内不得同步调用控制操作。
	// ========================================
	opMu sync.Mutex
	mu   sync.RWMutex

	messages  *message.Set
	customs   *custom.Buckets
	subagents *subagent.Set
	tree      *branch.Tree
	interrupt *stream.Interrupt
	status    Status
	lastErr   string
	runID     string
	lastSeq   int64
	hasSeq    bool
	version   uint64
	run       *activeRun

	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[uint64]func(State)
	nextSub  uint64
}

func newThread(id string, tr transport.Transport, sessions *session.Manager, opts Options) *Thread {
	if opts.CancelTimeout <= 0 {
		opts.CancelTimeout = defaultCancelTimeout
	}
	if opts.RawTailBytes <= 0 {
		opts.RawTailBytes = defaultRawTailBytes
	}
	return &Thread{
		id:        id,
		tr:        tr,
		sessions:  sessions,
		opts:      opts,
		log:       logger.With(logger.FieldThreadID, id),
		raw:       NewRawTail(opts.RawTailBytes),
		messages:  message.NewSet(),
		customs:   custom.NewBuckets(),
		subagents: subagent.NewSet(),
		tree:      branch.New(),
		status:    StatusIdle,
		subs:      make(map[uint64]func(State)),
	}
}

// ID 线程 id。
func (t *Thread) ID() string { return t.id }

// ========================================
// 控制操作
// ========================================

// Submit 提交新消息 (或中断决策) 并开始新 run。
//
// 活跃 run 先被取消。协议级错误 (决策数量不符、未知 checkpoint、待决中断)
// 在任何网络调用之前同步返回。
func (t *Thread) Submit(ctx context.Context, content string, opts SubmitOptions) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	return t.submitLocked(ctx, content, opts)
}

// submitLocked 调用方持有 opMu。
func (t *Thread) submitLocked(ctx context.Context, content string, opts SubmitOptions) error {
	req := transport.SubmitRequest{
		ThreadID:        t.id,
		AssistantID:     t.opts.AssistantID,
		Config:          opts.Config,
		StreamSubgraphs: t.opts.StreamSubgraphs,
	}

	t.mu.RLock()
	pending := t.interrupt
	parentKnown := opts.ParentCheckpoint == nil || *opts.ParentCheckpoint == branch.Root || t.tree.Known(*opts.ParentCheckpoint)
	t.mu.RUnlock()

	switch {
	case opts.ResumeDecisions != nil:
		if pending == nil {
			return pkgerr.Wrap(pkgerr.ErrNoInterrupt, "Thread.Submit", "no pending interrupt")
		}
		raw, err := encodeDecisions(pending.ActionRequests, opts.ResumeDecisions)
		if err != nil {
			return err
		}
		req.Command = &transport.Command{Resume: &transport.ResumeCommand{Decisions: raw}}
	case pending != nil:
		// 待决中断只能以决策恢复 (或取消), 包括编辑/重新生成在内的分叉提交都被拒绝
		return pkgerr.Wrap(pkgerr.ErrInterruptPending, "Thread.Submit", "respond to the pending interrupt first")
	case content == "" && opts.ParentCheckpoint == nil:
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Thread.Submit", "empty message")
	}
	if !parentKnown {
		return pkgerr.Wrapf(pkgerr.ErrUnknownCheckpoint, "Thread.Submit", "checkpoint %q", *opts.ParentCheckpoint)
	}
	if opts.ParentCheckpoint != nil {
		req.Checkpoint = &transport.CheckpointRef{CheckpointID: *opts.ParentCheckpoint}
	}

	var human *message.Message
	if content != "" {
		id := uuid.NewString()
		req.Input = &transport.Input{Messages: []transport.InputMessage{{ID: id, Type: string(stream.RoleHuman), Content: content}}}
		human = &message.Message{ID: id, Role: stream.RoleHuman, Text: content, Final: true}
	}

	// 同一线程至多一个活跃 run
	t.stopRun(ctx)

	t.mu.Lock()
	if _, err := t.tree.BeginRun(opts.ParentCheckpoint); err != nil {
		t.mu.Unlock()
		return err
	}
	if human != nil {
		t.messages.Add(*human)
		t.tree.Observe(human.ID)
	}
	if opts.ResumeDecisions == nil {
		// 自定义事件按提交划分; 中断恢复延续同一批工具调用
		t.customs = custom.NewBuckets()
	}
	t.interrupt = nil
	t.status = StatusRunning
	t.lastErr = ""
	t.runID = ""
	t.hasSeq = false
	t.version++
	t.mu.Unlock()
	t.notify()

	run, err := t.tr.Submit(ctx, req)
	if err != nil {
		terr := asTransportError("submit", err)
		t.fail(terr)
		return terr
	}
	t.startRun(run.RunID, run.Stream, false)
	return nil
}

// Respond 以决策列表恢复中断的 run (每个 action request 恰好一个决策, 顺序一致)。
func (t *Thread) Respond(ctx context.Context, decisions []Decision) error {
	if decisions == nil {
		decisions = []Decision{}
	}
	return t.Submit(ctx, "", SubmitOptions{ResumeDecisions: decisions})
}

// Edit 编辑 human 消息: 从该消息 checkpoint 的父节点分叉重新提交, 产生兄弟分支。
func (t *Thread) Edit(ctx context.Context, messageID, content string) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.RLock()
	m, ok := t.messages.Get(messageID)
	parent, err := t.tree.ResumeParent(messageID)
	t.mu.RUnlock()
	if !ok {
		return pkgerr.Wrapf(pkgerr.ErrNotFound, "Thread.Edit", "message %s", messageID)
	}
	if m.Role != stream.RoleHuman {
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Thread.Edit", "message %s is %s, not human", messageID, m.Role)
	}
	if err != nil {
		return err
	}
	if content == "" {
		return pkgerr.Wrap(pkgerr.ErrInvalidInput, "Thread.Edit", "empty message")
	}
	return t.submitLocked(ctx, content, SubmitOptions{ParentCheckpoint: &parent})
}

// Regenerate 重新生成 ai 回复: 从该回复 checkpoint 的父节点重新运行, 不附带新输入。
func (t *Thread) Regenerate(ctx context.Context, messageID string) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.RLock()
	m, ok := t.messages.Get(messageID)
	md, hasMD := t.tree.Metadata(messageID)
	t.mu.RUnlock()
	if !ok {
		return pkgerr.Wrapf(pkgerr.ErrNotFound, "Thread.Regenerate", "message %s", messageID)
	}
	if m.Role != stream.RoleAI {
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Thread.Regenerate", "message %s is %s, not ai", messageID, m.Role)
	}
	if !hasMD || md.CheckpointID == "" {
		return pkgerr.Wrapf(pkgerr.ErrUnknownCheckpoint, "Thread.Regenerate", "message %s has no checkpoint yet", messageID)
	}
	parent := md.ParentCheckpointID
	return t.submitLocked(ctx, "", SubmitOptions{ParentCheckpoint: &parent})
}

// Cancel 取消活跃 run, 并放弃待决中断。已流入的部分消息保留。
func (t *Thread) Cancel(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	stopped := t.stopRun(ctx)

	t.mu.Lock()
	dismissed := t.interrupt != nil
	if dismissed {
		t.interrupt = nil
		if t.status == StatusInterrupted {
			t.status = StatusIdle
		}
		t.version++
	}
	t.mu.Unlock()

	if stopped || dismissed {
		t.notify()
	}
	return nil
}

// Detach 停止本地消费但不取消后端 run, 持久化的 run id 保留, 重启后可 Resume。
func (t *Thread) Detach(ctx context.Context) {
	t.opMu.Lock()
	defer t.opMu.Unlock()
	t.haltRun(ctx, true)
}

// SelectBranch 切换到兄弟分支。run 进行中拒绝 (ErrRunActive);
// 未知 id 返回 UnknownBranchError, 选择不变。
func (t *Thread) SelectBranch(checkpointID string) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.Lock()
	if t.run != nil {
		t.mu.Unlock()
		return pkgerr.Wrap(pkgerr.ErrRunActive, "Thread.SelectBranch", "cancel the active run first")
	}
	if err := t.tree.Select(checkpointID); err != nil {
		t.mu.Unlock()
		return err
	}
	t.version++
	t.mu.Unlock()
	t.notify()
	return nil
}

// Hydrate 从后端加载线程已持久化的 checkpoint 历史与待决中断。
// 后端没有该线程时为空操作; 活跃 run 期间返回 ErrRunActive。
func (t *Thread) Hydrate(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	ts, err := t.tr.State(ctx, t.id)
	if err != nil {
		if errors.Is(err, pkgerr.ErrNotFound) {
			return nil
		}
		return asTransportError("state", err)
	}

	cps := make([]stream.Checkpoint, 0, len(ts.Checkpoints))
	for _, raw := range ts.Checkpoints {
		ev, err := stream.Decode(raw, string(stream.KindCheckpoint), "")
		cp, ok := ev.(stream.Checkpoint)
		if err != nil || !ok {
			t.opts.Metrics.IncMalformed()
			t.log.Warn("conversation: skip bad checkpoint in thread state", logger.FieldError, err)
			continue
		}
		cps = append(cps, cp)
	}
	var intr *stream.Interrupt
	if len(ts.Interrupt) > 0 {
		ev, err := stream.Decode(ts.Interrupt, string(stream.KindInterrupt), "")
		if e, ok := ev.(stream.Interrupt); err == nil && ok {
			intr = &e
		} else {
			t.log.Warn("conversation: skip bad interrupt in thread state", logger.FieldError, err)
		}
	}

	t.mu.Lock()
	if t.run != nil {
		t.mu.Unlock()
		return pkgerr.Wrap(pkgerr.ErrRunActive, "Thread.Hydrate", "run already streaming")
	}
	for _, cp := range cps {
		for _, m := range cp.Messages {
			message.Upsert(t.messages, m)
		}
		t.tree.ApplyCheckpoint(cp)
	}
	if intr != nil {
		t.interrupt = intr
		t.status = StatusInterrupted
	}
	t.version++
	t.mu.Unlock()

	t.log.Info("conversation: thread hydrated", logger.FieldCount, len(cps))
	t.notify()
	return nil
}

// Resume 重新接入持久化的进行中 run。每个线程会话只尝试一次;
// 失败返回 ResumeFailedError, 线程仍可继续提交。
func (t *Thread) Resume(ctx context.Context) error {
	t.opMu.Lock()
	defer t.opMu.Unlock()

	t.mu.RLock()
	active := t.run != nil
	t.mu.RUnlock()
	if active {
		return pkgerr.Wrap(pkgerr.ErrRunActive, "Thread.Resume", "run already streaming")
	}

	res, err := t.sessions.Reconnect(ctx, t.id)
	if err != nil {
		if !errors.Is(err, pkgerr.ErrResumeAttempted) {
			t.opts.Metrics.ObserveResume("failed")
		}
		return err
	}
	if res.Stream == nil {
		t.opts.Metrics.ObserveResume("none")
		return nil
	}
	t.opts.Metrics.ObserveResume("joined")

	t.mu.Lock()
	if _, err := t.tree.BeginRun(nil); err != nil {
		t.mu.Unlock()
		_ = res.Stream.Close()
		return err
	}
	t.interrupt = nil
	t.status = StatusRunning
	t.lastErr = ""
	t.hasSeq = false
	t.version++
	t.mu.Unlock()

	t.startRun(res.RunID, res.Stream, res.Cursor == "")
	t.notify()
	return nil
}

// Wait 等待当前 run 结束。
func (t *Thread) Wait(ctx context.Context) error {
	t.mu.RLock()
	ar := t.run
	t.mu.RUnlock()
	if ar == nil {
		return nil
	}
	select {
	case <-ar.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ========================================
// 查询
// ========================================

// Snapshot 当前状态快照。
func (t *Thread) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Thread) snapshotLocked() State {
	ids := t.tree.Visible()
	msgs := t.messages.Select(ids)
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		md, _ := t.tree.Metadata(m.ID)
		views = append(views, MessageView{Message: m, Metadata: md})
	}
	st := State{
		ThreadID:  t.id,
		RunID:     t.runID,
		Status:    t.status,
		Error:     t.lastErr,
		Messages:  views,
		Subagents: t.subagents.List(),
		Version:   t.version,
	}
	if t.interrupt != nil {
		st.Interrupt = &InterruptView{Value: t.interrupt.Value, ActionRequests: t.interrupt.ActionRequests}
	}
	return st
}

// ToolCallEvents tool call 关联的自定义事件 (终态 status 存在时隐藏 progress)。
func (t *Thread) ToolCallEvents(toolCallID string) custom.ToolCallEvents {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return custom.ForToolCall(t.customs, toolCallID)
}

// CustomEvents 某类自定义事件的全部条目。
func (t *Thread) CustomEvents(kind custom.Kind) []custom.Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.customs.List(kind)
}

// SubagentsForMessage 由 messageID 触发的子代理, 首见顺序。
func (t *Thread) SubagentsForMessage(messageID string) []subagent.Subagent {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return subagent.ForMessage(t.subagents, messageID)
}

// RawTail 最近收到的原始流数据, 排查坏记录用。
func (t *Thread) RawTail() []byte { return t.raw.Bytes() }

// ========================================
// 订阅
// ========================================

// Subscribe 注册观察者, 每次状态变化后按顺序收到快照。返回取消函数。
func (t *Thread) Subscribe(fn func(State)) (cancel func()) {
	t.subsMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = fn
	t.subsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.subsMu.Lock()
			delete(t.subs, id)
			t.subsMu.Unlock()
		})
	}
}

func (t *Thread) notify() {
	t.notifyMu.Lock()
	defer t.notifyMu.Unlock()

	t.subsMu.Lock()
	if len(t.subs) == 0 {
		t.subsMu.Unlock()
		return
	}
	fns := make([]func(State), 0, len(t.subs))
	for _, fn := range t.subs {
		fns = append(fns, fn)
	}
	t.subsMu.Unlock()

	st := t.Snapshot()
	for _, fn := range fns {
		fn(st)
	}
}

func asTransportError(op string, err error) error {
	var te *pkgerr.TransportError
	if errors.As(err, &te) {
		return err
	}
	return &pkgerr.TransportError{Op: op, Err: err}
}
