package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/multi-agent/convsync/internal/custom"
	"github.com/multi-agent/convsync/internal/metrics"
	"github.com/multi-agent/convsync/internal/stream"
	"github.com/multi-agent/convsync/internal/transport"
	pkgerr "github.com/multi-agent/convsync/pkg/errors"
)

var ctx = context.Background()

func TestSubmitHelloScenario(t *testing.T) {
	f := newFixture(t)
	if err := f.th.Submit(ctx, "hello", SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := f.storedRun(t); got != "run-1" {
		t.Fatalf("stored run = %q, want run-1", got)
	}
	s := f.tr.stream(0)
	s.send(`{"type":"metadata","runId":"run-1","threadId":"t1","seq":1}`)
	// 记录跨 chunk 切断
	s.chunk(`{"type":"message-delta","id":"m1","conte`)
	s.chunk(`ntDelta":"Hi","seq":2}` + "\n")
	s.send(`{"type":"message-delta","id":"m1","contentDelta":" there","seq":3}`, `{"type":"done","seq":4}`)
	wait(t, f.th)

	st := f.th.Snapshot()
	if len(st.Messages) != 2 {
		t.Fatalf("messages = %+v", st.Messages)
	}
	if m := st.Messages[0]; m.Role != stream.RoleHuman || m.Content() != "hello" {
		t.Fatalf("first = %+v, want human hello", m.Message)
	}
	if m := st.Messages[1]; m.ID != "m1" || m.Role != stream.RoleAI || m.Content() != "Hi there" {
		t.Fatalf("second = %+v, want ai 'Hi there'", m.Message)
	}
	if st.Status != StatusIdle {
		t.Fatalf("status = %s, want idle", st.Status)
	}
	if got := f.storedRun(t); got != "" {
		t.Fatalf("run id not cleared after done: %q", got)
	}
	if req := f.tr.submit(0); req.AssistantID != "agent" || req.ThreadID != "t1" || req.Checkpoint != nil {
		t.Fatalf("request = %+v", req)
	}
}

func TestEditDuringRunForksSibling(t *testing.T) {
	f := newFixture(t)
	if err := f.th.Submit(ctx, "hello", SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h1 := f.humanID(t, 0)
	s1 := f.tr.stream(0)
	s1.send(
		`{"type":"checkpoint","id":"c1","parentId":"","messageIds":["`+h1+`"],"seq":1}`,
		`{"type":"message-delta","id":"a1","contentDelta":"Hel","seq":2}`,
	)
	eventually(t, "partial ai message", func() bool {
		_, ok := f.th.Snapshot().Message("a1")
		return ok
	})

	if err := f.th.Edit(ctx, h1, "hello again"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if !s1.isClosed() {
		t.Fatal("in-flight stream not closed")
	}
	if got := f.tr.cancelled(); !slices.Equal(got, []string{"run-1"}) {
		t.Fatalf("cancelled = %v, want [run-1]", got)
	}
	req := f.tr.submit(1)
	if req.Checkpoint == nil || req.Checkpoint.CheckpointID != "" {
		t.Fatalf("edit must fork from the original parent (root), got %+v", req.Checkpoint)
	}
	h2 := f.humanID(t, 1)

	s2 := f.tr.stream(1)
	s2.send(
		`{"type":"checkpoint","id":"c1b","parentId":"","messageIds":["`+h2+`"],"seq":1}`,
		`{"type":"message-delta","id":"a2","contentDelta":"Hi again","seq":2}`,
		`{"type":"done","seq":3}`,
	)
	wait(t, f.th)

	st := f.th.Snapshot()
	v, ok := st.Message(h2)
	if !ok {
		t.Fatalf("edited message not visible: %+v", st.Messages)
	}
	if !slices.Equal(v.BranchOptions, []string{"c1", "c1b"}) || v.Branch != "c1b" {
		t.Fatalf("branch = %q options = %v", v.Branch, v.BranchOptions)
	}
	if _, ok := st.Message(h1); ok {
		t.Fatal("original human message should not be on the selected branch")
	}
	if a, ok := st.Message("a2"); !ok || a.Content() != "Hi again" {
		t.Fatalf("a2 = %+v", a)
	}

	// 切回原分支
	if err := f.th.SelectBranch("c1"); err != nil {
		t.Fatalf("SelectBranch: %v", err)
	}
	st = f.th.Snapshot()
	v, ok = st.Message(h1)
	if !ok || v.Branch != "c1" || len(v.BranchOptions) != 2 {
		t.Fatalf("after select: %+v", st.Messages)
	}
}

// run1: c1[h] → c2[h,a1]; 重新生成 a1 → c2b[h,a1b]
func regenerated(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	if err := f.th.Submit(ctx, "question", SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	h := f.humanID(t, 0)
	f.tr.stream(0).send(
		`{"type":"checkpoint","id":"c1","messageIds":["`+h+`"],"seq":1}`,
		`{"type":"message-delta","id":"a1","role":"ai","contentDelta":"first answer","seq":2}`,
		`{"type":"checkpoint","id":"c2","parentId":"c1","messageIds":["`+h+`","a1"],"seq":3}`,
		`{"type":"done","seq":4}`,
	)
	wait(t, f.th)

	if err := f.th.Regenerate(ctx, "a1"); err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	req := f.tr.submit(1)
	if req.Input != nil || req.Checkpoint == nil || req.Checkpoint.CheckpointID != "c1" {
		t.Fatalf("regenerate request = %+v", req)
	}
	f.tr.stream(1).send(
		`{"type":"checkpoint","id":"c2b","parentId":"c1","messages":[{"id":"`+h+`","role":"human","content":"question"},{"id":"a1b","role":"ai","content":"second answer"}],"seq":1}`,
		`{"type":"done","seq":2}`,
	)
	wait(t, f.th)
	return f
}

func TestRegenerateAddsBranchAtAIPosition(t *testing.T) {
	f := regenerated(t)
	st := f.th.Snapshot()
	if len(st.Messages) != 2 || st.Messages[1].ID != "a1b" || st.Messages[1].Content() != "second answer" {
		t.Fatalf("messages = %+v", st.Messages)
	}
	md := st.Messages[1].Metadata
	if !slices.Equal(md.BranchOptions, []string{"c2", "c2b"}) || md.Branch != "c2b" || md.ParentCheckpointID != "c1" {
		t.Fatalf("metadata = %+v", md)
	}
	// human 位置的分支选项不变
	if opts := st.Messages[0].BranchOptions; !slices.Equal(opts, []string{"c1"}) {
		t.Fatalf("human options = %v", opts)
	}

	if err := f.th.SelectBranch("c2"); err != nil {
		t.Fatalf("SelectBranch: %v", err)
	}
	if st := f.th.Snapshot(); st.Messages[1].ID != "a1" || st.Messages[1].Content() != "first answer" {
		t.Fatalf("after select = %+v", st.Messages)
	}
}

func TestSelectBranchUnknownLeavesSelection(t *testing.T) {
	f := regenerated(t)
	before := f.th.Snapshot()
	var ub *pkgerr.UnknownBranchError
	if err := f.th.SelectBranch("nope"); !errors.As(err, &ub) {
		t.Fatalf("err = %v, want UnknownBranchError", err)
	}
	after := f.th.Snapshot()
	if after.Version != before.Version || after.Messages[1].Branch != before.Messages[1].Branch {
		t.Fatal("invalid select changed state")
	}
	for _, m := range after.Messages {
		if m.Branch != "" && !slices.Contains(m.BranchOptions, m.Branch) {
			t.Fatalf("branch %q not in options %v", m.Branch, m.BranchOptions)
		}
	}
}

func TestSelectBranchDuringRun(t *testing.T) {
	f := regenerated(t)
	if err := f.th.Submit(ctx, "more", SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := f.th.SelectBranch("c2"); !errors.Is(err, pkgerr.ErrRunActive) {
		t.Fatalf("err = %v, want ErrRunActive", err)
	}
}

func TestRegenerateRequiresCheckpoint(t *testing.T) {
	f := newFixture(t)
	_ = f.th.Submit(ctx, "hi", SubmitOptions{})
	f.tr.stream(0).send(`{"type":"message-delta","id":"a1","contentDelta":"x"}`, `{"type":"done"}`)
	wait(t, f.th)
	if err := f.th.Regenerate(ctx, "a1"); !errors.Is(err, pkgerr.ErrUnknownCheckpoint) {
		t.Fatalf("err = %v, want ErrUnknownCheckpoint", err)
	}
	if err := f.th.Regenerate(ctx, "missing"); !errors.Is(err, pkgerr.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if f.tr.submitCount() != 1 {
		t.Fatal("rejected regenerate must not reach the transport")
	}
}

func TestSubmitUnknownCheckpointRejected(t *testing.T) {
	f := newFixture(t)
	parent := "ghost"
	err := f.th.Submit(ctx, "x", SubmitOptions{ParentCheckpoint: &parent})
	if !errors.Is(err, pkgerr.ErrUnknownCheckpoint) {
		t.Fatalf("err = %v, want ErrUnknownCheckpoint", err)
	}
	if f.tr.submitCount() != 0 {
		t.Fatal("transport called for invalid submit")
	}
	if err := f.th.Submit(ctx, "", SubmitOptions{}); !errors.Is(err, pkgerr.ErrInvalidInput) {
		t.Fatalf("empty submit err = %v", err)
	}
}

func TestInterruptProtocol(t *testing.T) {
	f := newFixture(t)
	_ = f.th.Submit(ctx, "delete files", SubmitOptions{})
	f.tr.stream(0).send(
		`{"type":"interrupt","value":{"actionRequests":[{"name":"rm","args":{"path":"/a"}},{"name":"rm","args":{"path":"/b"}}]},"seq":1}`,
		`{"type":"done","seq":2}`,
	)
	wait(t, f.th)

	st := f.th.Snapshot()
	if st.Status != StatusInterrupted || st.Interrupt == nil || len(st.Interrupt.ActionRequests) != 2 {
		t.Fatalf("state = %+v", st)
	}
	if err := f.th.Submit(ctx, "something else", SubmitOptions{}); !errors.Is(err, pkgerr.ErrInterruptPending) {
		t.Fatalf("submit during interrupt = %v", err)
	}
	if err := f.th.Respond(ctx, []Decision{Approve()}); !errors.Is(err, pkgerr.ErrDecisionMismatch) {
		t.Fatalf("short decisions = %v", err)
	}
	if err := f.th.Respond(ctx, []Decision{Approve(), {Type: "maybe"}}); !errors.Is(err, pkgerr.ErrDecisionMismatch) {
		t.Fatalf("unknown decision = %v", err)
	}
	if f.tr.submitCount() != 1 {
		t.Fatal("invalid decisions reached the transport")
	}

	if err := f.th.Respond(ctx, []Decision{Approve(), Edit(json.RawMessage(`{"path":"/c"}`))}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	req := f.tr.submit(1)
	if req.Command == nil || req.Command.Resume == nil || req.Input != nil {
		t.Fatalf("resume request = %+v", req)
	}
	want := `[{"type":"approve"},{"type":"edit","editedAction":{"name":"rm","args":{"path":"/c"}}}]`
	if got := string(req.Command.Resume.Decisions); got != want {
		t.Fatalf("decisions = %s\nwant %s", got, want)
	}
	if f.th.Snapshot().Interrupt != nil {
		t.Fatal("interrupt not cleared by resume")
	}
	f.tr.stream(1).send(`{"type":"done"}`)
	wait(t, f.th)
	if err := f.th.Respond(ctx, []Decision{Approve()}); !errors.Is(err, pkgerr.ErrNoInterrupt) {
		t.Fatalf("respond without interrupt = %v", err)
	}
}

// c1[h] → c2[h,a1], 随后中断
func interrupted(t *testing.T) (*fixture, string) {
	t.Helper()
	f := newFixture(t)
	_ = f.th.Submit(ctx, "clean up", SubmitOptions{})
	h := f.humanID(t, 0)
	f.tr.stream(0).send(
		`{"type":"checkpoint","id":"c1","messageIds":["`+h+`"],"seq":1}`,
		`{"type":"message-delta","id":"a1","role":"ai","contentDelta":"about to delete","seq":2}`,
		`{"type":"checkpoint","id":"c2","parentId":"c1","messageIds":["`+h+`","a1"],"seq":3}`,
		`{"type":"custom","id":"p1","progress":0.5,"toolCallRef":"tc1","seq":4}`,
		`{"type":"interrupt","value":{"actionRequests":[{"name":"rm","args":{"path":"/a"}}]},"seq":5}`,
		`{"type":"done","seq":6}`,
	)
	wait(t, f.th)
	if st := f.th.Snapshot(); st.Status != StatusInterrupted {
		t.Fatalf("status = %s, want interrupted", st.Status)
	}
	return f, h
}

func TestInterruptBlocksForks(t *testing.T) {
	f, h := interrupted(t)
	parent := "c1"
	cases := []struct {
		name string
		op   func() error
	}{
		{"edit", func() error { return f.th.Edit(ctx, h, "clean up less") }},
		{"regenerate", func() error { return f.th.Regenerate(ctx, "a1") }},
		{"forked submit", func() error { return f.th.Submit(ctx, "other", SubmitOptions{ParentCheckpoint: &parent}) }},
		{"regenerate-style submit", func() error { return f.th.Submit(ctx, "", SubmitOptions{ParentCheckpoint: &parent}) }},
	}
	for _, tc := range cases {
		if err := tc.op(); !errors.Is(err, pkgerr.ErrInterruptPending) {
			t.Fatalf("%s: err = %v, want ErrInterruptPending", tc.name, err)
		}
	}
	if n := f.tr.submitCount(); n != 1 {
		t.Fatalf("submits = %d, rejected forks reached the transport", n)
	}
	if st := f.th.Snapshot(); st.Interrupt == nil || st.Status != StatusInterrupted {
		t.Fatalf("interrupt lost: %+v", st)
	}
}

func TestCancelDismissesInterrupt(t *testing.T) {
	f, h := interrupted(t)
	before := f.th.Snapshot().Version
	if err := f.th.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	st := f.th.Snapshot()
	if st.Interrupt != nil || st.Status != StatusIdle || st.Version <= before {
		t.Fatalf("state = %+v", st)
	}
	if len(f.tr.cancelled()) != 0 {
		t.Fatalf("no run was active, cancelled = %v", f.tr.cancelled())
	}
	if err := f.th.Respond(ctx, []Decision{Approve()}); !errors.Is(err, pkgerr.ErrNoInterrupt) {
		t.Fatalf("respond after dismiss = %v", err)
	}
	if err := f.th.Edit(ctx, h, "clean up less"); err != nil {
		t.Fatalf("Edit after dismiss: %v", err)
	}
}

func TestCustomEventsScopedToSubmission(t *testing.T) {
	f, _ := interrupted(t)
	if got := f.th.CustomEvents(custom.KindProgress); len(got) != 1 {
		t.Fatalf("progress = %+v", got)
	}
	// 中断恢复延续同一批
	if err := f.th.Respond(ctx, []Decision{Approve()}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if got := f.th.CustomEvents(custom.KindProgress); len(got) != 1 {
		t.Fatalf("progress after resume = %+v", got)
	}
	f.tr.stream(1).send(`{"type":"done"}`)
	wait(t, f.th)

	if err := f.th.Submit(ctx, "next", SubmitOptions{}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if got := f.th.CustomEvents(custom.KindProgress); len(got) != 0 {
		t.Fatalf("previous submission's events leaked: %+v", got)
	}
	if ev := f.th.ToolCallEvents("tc1"); len(ev.Progress) != 0 {
		t.Fatalf("tool call events leaked: %+v", ev)
	}
}

func TestSubagentsClosedWhenRunEnds(t *testing.T) {
	f := newFixture(t)
	_ = f.th.Submit(ctx, "research", SubmitOptions{})
	f.tr.stream(0).send(
		`{"type":"message-delta","id":"a1","contentDelta":"delegating"}`,
		`{"type":"subagent-delta","subagentId":"s1","name":"search","contentDelta":"looking"}`,
		`{"type":"subagent-delta","subagentId":"s2","name":"summarize","status":"complete"}`,
		`{"type":"subagent-delta","subagentId":"s3","name":"idle"}`,
		`{"type":"done"}`,
	)
	wait(t, f.th)

	subs := f.th.SubagentsForMessage("a1")
	if len(subs) != 3 {
		t.Fatalf("subagents for a1 = %+v", subs)
	}
	want := []stream.SubagentStatus{stream.SubagentError, stream.SubagentComplete, stream.SubagentError}
	for i, sa := range subs {
		if sa.Status != want[i] {
			t.Fatalf("%s status = %s, want %s", sa.ID, sa.Status, want[i])
		}
	}
}

func TestToolCallEventsStatusWins(t *testing.T) {
	f := newFixture(t)
	_ = f.th.Submit(ctx, "build", SubmitOptions{})
	f.tr.stream(0).send(
		`{"type":"message-delta","id":"a1","toolCalls":[{"id":"tc1","name":"make","args":"{}"}]}`,
		`{"type":"custom","id":"p1","progress":0.4,"toolCallRef":"tc1"}`,
		`{"type":"custom","id":"p1","progress":0.9,"toolCallRef":"tc1"}`,
	)
	eventually(t, "progress", func() bool {
		ev := f.th.ToolCallEvents("tc1")
		return len(ev.Progress) == 1 && ev.Progress[0].Progress == 0.9
	})
	f.tr.stream(0).send(
		`{"type":"custom","id":"st1","status":"complete","toolCallRef":"tc1"}`,
		`{"type":"done"}`,
	)
	wait(t, f.th)

	ev := f.th.ToolCallEvents("tc1")
	if len(ev.Progress) != 0 || len(ev.Status) != 1 {
		t.Fatalf("events = %+v", ev)
	}
	if got := f.th.CustomEvents(custom.KindProgress); len(got) != 1 {
		t.Fatalf("progress bucket = %+v", got)
	}
}

func TestTransportErrorKeepsPartialMessages(t *testing.T) {
	f := newFixture(t)
	_ = f.th.Submit(ctx, "hi", SubmitOptions{})
	s := f.tr.stream(0)
	s.send(`{"type":"message-delta","id":"a1","contentDelta":"partial"}`)
	s.end(errors.New("connection reset"))
	wait(t, f.th)

	st := f.th.Snapshot()
	if st.Status != StatusError || !strings.Contains(st.Error, "connection reset") {
		t.Fatalf("status = %s error = %q", st.Status, st.Error)
	}
	if m, ok := st.Message("a1"); !ok || m.Content() != "partial" {
		t.Fatalf("partial message lost: %+v", st.Messages)
	}
	if got := f.storedRun(t); got != "" {
		t.Fatalf("run id kept after failure: %q", got)
	}
	// 线程仍可提交
	if err := f.th.Submit(ctx, "again", SubmitOptions{}); err != nil {
		t.Fatalf("Submit after error: %v", err)
	}
}

func TestSubmitTransportFailure(t *testing.T) {
	f := newFixture(t)
	f.tr.submitErr = errors.New("dial refused")
	err := f.th.Submit(ctx, "hi", SubmitOptions{})
	var te *pkgerr.TransportError
	if !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	st := f.th.Snapshot()
	if st.Status != StatusError || len(st.Messages) != 1 {
		t.Fatalf("state = %+v", st)
	}
}

func TestRunErrorEvent(t *testing.T) {
	f := newFixture(t)
	_ = f.th.Submit(ctx, "hi", SubmitOptions{})
	f.tr.stream(0).send(`{"type":"error","message":"model overloaded"}`)
	wait(t, f.th)
	if st := f.th.Snapshot(); st.Status != StatusError || st.Error != "model overloaded" {
		t.Fatalf("state = %s %q", st.Status, st.Error)
	}
}

func TestEOFWithoutDoneEndsRun(t *testing.T) {
	f := newFixture(t)
	_ = f.th.Submit(ctx, "hi", SubmitOptions{})
	s := f.tr.stream(0)
	// 最后一条记录没有换行, 由 Flush 解码
	s.chunk(`{"type":"message-delta","id":"a1","contentDelta":"tail"}`)
	s.end(io.EOF)
	wait(t, f.th)
	st := f.th.Snapshot()
	if st.Status != StatusIdle {
		t.Fatalf("status = %s", st.Status)
	}
	if m, ok := st.Message("a1"); !ok || m.Content() != "tail" {
		t.Fatalf("flushed record missing: %+v", st.Messages)
	}
}

func TestMalformedRecordsSkipped(t *testing.T) {
	f := newFixture(t)
	_ = f.th.Submit(ctx, "hi", SubmitOptions{})
	f.tr.stream(0).send(
		`{"type":"message-delta","id":"a1","contentDelta":"a"}`,
		`not json`,
		`{"type":"telepathy"}`,
		`{"type":"message-delta","id":"a1","contentDelta":"b"}`,
		`{"type":"done"}`,
	)
	wait(t, f.th)
	if m, _ := f.th.Snapshot().Message("a1"); m.Content() != "ab" {
		t.Fatalf("content = %q, want ab", m.Content())
	}
	if raw := string(f.th.RawTail()); !strings.Contains(raw, "not json") {
		t.Fatalf("raw tail = %q", raw)
	}
}

func TestCancelKeepsPartialAndCancelsBackend(t *testing.T) {
	f := newFixture(t)
	_ = f.th.Submit(ctx, "hi", SubmitOptions{})
	f.tr.stream(0).send(`{"type":"message-delta","id":"a1","contentDelta":"par"}`)
	eventually(t, "delta", func() bool { _, ok := f.th.Snapshot().Message("a1"); return ok })

	if err := f.th.Cancel(ctx); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	st := f.th.Snapshot()
	if st.Status != StatusIdle {
		t.Fatalf("status = %s", st.Status)
	}
	if _, ok := st.Message("a1"); !ok {
		t.Fatal("partial message rolled back")
	}
	if got := f.tr.cancelled(); !slices.Equal(got, []string{"run-1"}) {
		t.Fatalf("cancelled = %v", got)
	}
	if got := f.storedRun(t); got != "" {
		t.Fatalf("stored run = %q", got)
	}
	// 无活跃 run 时取消无副作用
	if err := f.th.Cancel(ctx); err != nil || len(f.tr.cancelled()) != 1 {
		t.Fatalf("second cancel: %v %v", err, f.tr.cancelled())
	}
}

func TestSubmitCancelsActiveRun(t *testing.T) {
	f := newFixture(t)
	_ = f.th.Submit(ctx, "one", SubmitOptions{})
	if err := f.th.Submit(ctx, "two", SubmitOptions{}); err != nil {
		t.Fatalf("second Submit: %v", err)
	}
	if !f.tr.stream(0).isClosed() {
		t.Fatal("first stream still open")
	}
	if got := f.tr.cancelled(); !slices.Equal(got, []string{"run-1"}) {
		t.Fatalf("cancelled = %v", got)
	}
	if got := f.storedRun(t); got != "run-2" {
		t.Fatalf("stored run = %q, want run-2", got)
	}
	msgs := f.th.Snapshot().Messages
	if len(msgs) != 2 || msgs[0].Content() != "one" || msgs[1].Content() != "two" {
		t.Fatalf("messages = %+v", msgs)
	}
}

func TestDetachKeepsPersistedRun(t *testing.T) {
	f := newFixture(t)
	_ = f.th.Submit(ctx, "long task", SubmitOptions{})
	f.hub.Close(ctx)
	if len(f.tr.cancelled()) != 0 {
		t.Fatal("detach must not cancel the backend run")
	}
	if got := f.storedRun(t); got != "run-1" {
		t.Fatalf("stored run = %q, want run-1 kept for resume", got)
	}
}

func TestResumeJoinsActiveRun(t *testing.T) {
	f := newFixture(t)
	_ = f.store.Put(ctx, "t2", "run-7")
	f.tr.status = transport.RunRunning
	f.tr.joinStream = newFakeStream()
	th := f.hub.Open(ctx, "t2")

	if err := th.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	f.tr.joinStream.send(
		`{"type":"message-delta","id":"h","role":"human","content":"q","seq":1}`,
		`{"type":"message-delta","id":"a","contentDelta":"x","seq":2}`,
		// 重放的重复事件
		`{"type":"message-delta","id":"a","contentDelta":"x","seq":2}`,
		`{"type":"message-delta","id":"a","contentDelta":"y","seq":3}`,
		`{"type":"done","seq":4}`,
	)
	wait(t, th)

	st := th.Snapshot()
	if len(st.Messages) != 2 || st.Messages[1].Content() != "xy" {
		t.Fatalf("messages = %+v", st.Messages)
	}
	if got, _ := f.store.Get(ctx, "t2"); got != "" {
		t.Fatalf("run id not cleared: %q", got)
	}
	if err := th.Resume(ctx); !errors.Is(err, pkgerr.ErrResumeAttempted) {
		t.Fatalf("second Resume = %v", err)
	}
}

func TestResumeFinishedRunIsEmpty(t *testing.T) {
	f := newFixture(t)
	_ = f.store.Put(ctx, "t3", "run-old")
	f.tr.status = transport.RunSuccess
	th := f.hub.Open(ctx, "t3")
	if err := th.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if st := th.Snapshot(); len(st.Messages) != 0 || st.Status != StatusIdle {
		t.Fatalf("state = %+v", st)
	}
	if got, _ := f.store.Get(ctx, "t3"); got != "" {
		t.Fatalf("stale run id kept: %q", got)
	}
}

// restarted 模拟进程重启: 同一后端与存储上的新 Hub。
func (f *fixture) restarted() *Hub {
	return NewHub(f.tr, f.store, Options{
		AssistantID:   "agent",
		CancelTimeout: 2 * time.Second,
		Metrics:       metrics.MustNewMetrics(prometheus.NewRegistry()),
	})
}

func TestOpenLoadsPersistedHistory(t *testing.T) {
	f := newFixture(t)
	f.tr.states = map[string]transport.ThreadState{"t9": {Checkpoints: []json.RawMessage{
		json.RawMessage(`{"id":"c1","messages":[{"id":"h1","role":"human","content":"question"}]}`),
		json.RawMessage(`{"id":"c2","parentId":"c1","messages":[{"id":"h1","role":"human","content":"question"},{"id":"a1","role":"ai","content":"first answer"}]}`),
		json.RawMessage(`not json`),
	}}}
	th := f.restarted().Open(ctx, "t9")

	st := th.Snapshot()
	if len(st.Messages) != 2 || st.Messages[0].Content() != "question" || st.Messages[1].Content() != "first answer" {
		t.Fatalf("messages = %+v", st.Messages)
	}
	if md := st.Messages[1].Metadata; md.CheckpointID != "c2" || md.ParentCheckpointID != "c1" {
		t.Fatalf("metadata = %+v", md)
	}
	if st.Status != StatusIdle {
		t.Fatalf("status = %s", st.Status)
	}

	if err := th.Regenerate(ctx, "a1"); err != nil {
		t.Fatalf("Regenerate after reopen: %v", err)
	}
	if req := f.tr.submit(0); req.ThreadID != "t9" || req.Checkpoint == nil || req.Checkpoint.CheckpointID != "c1" {
		t.Fatalf("regenerate request = %+v", req)
	}
}

func TestOpenRestoresPendingInterrupt(t *testing.T) {
	f := newFixture(t)
	f.tr.states = map[string]transport.ThreadState{"t9": {
		Checkpoints: []json.RawMessage{json.RawMessage(`{"id":"c1","messages":[{"id":"h1","role":"human","content":"delete"}]}`)},
		Interrupt:   json.RawMessage(`{"value":{"actionRequests":[{"name":"rm","args":{"path":"/a"}}]}}`),
	}}
	th := f.restarted().Open(ctx, "t9")

	st := th.Snapshot()
	if st.Status != StatusInterrupted || st.Interrupt == nil || len(st.Interrupt.ActionRequests) != 1 {
		t.Fatalf("state = %+v", st)
	}
	if err := th.Submit(ctx, "other", SubmitOptions{}); !errors.Is(err, pkgerr.ErrInterruptPending) {
		t.Fatalf("submit = %v", err)
	}
	if err := th.Respond(ctx, []Decision{Approve()}); err != nil {
		t.Fatalf("Respond: %v", err)
	}
}

func TestResumeReplayDoesNotDuplicateHistory(t *testing.T) {
	f := newFixture(t)
	_ = f.store.Put(ctx, "t9", "run-5")
	f.tr.status = transport.RunRunning
	f.tr.joinStream = newFakeStream()
	f.tr.states = map[string]transport.ThreadState{"t9": {Checkpoints: []json.RawMessage{
		json.RawMessage(`{"id":"c1","messages":[{"id":"h1","role":"human","content":"q"},{"id":"a1","role":"ai","content":"xy"}]}`),
	}}}
	th := f.restarted().Open(ctx, "t9")

	if err := th.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if f.tr.joinCursor != "" {
		t.Fatalf("cursor = %q, want replay from start", f.tr.joinCursor)
	}
	f.tr.joinStream.send(
		`{"type":"message-delta","id":"a1","contentDelta":"x","seq":1}`,
		`{"type":"message-delta","id":"a1","contentDelta":"y","seq":2}`,
		`{"type":"message-delta","id":"a1","contentDelta":"z","seq":3}`,
		`{"type":"done","seq":4}`,
	)
	wait(t, th)

	st := th.Snapshot()
	if len(st.Messages) != 2 || st.Messages[0].Content() != "q" || st.Messages[1].Content() != "xyz" {
		t.Fatalf("messages = %+v", st.Messages)
	}
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	f := newFixture(t)
	var mu sync.Mutex
	var versions []uint64
	cancel := f.th.Subscribe(func(st State) {
		mu.Lock()
		versions = append(versions, st.Version)
		mu.Unlock()
	})
	_ = f.th.Submit(ctx, "hi", SubmitOptions{})
	f.tr.stream(0).send(
		`{"type":"message-delta","id":"a","contentDelta":"1"}`,
		`{"type":"message-delta","id":"a","contentDelta":"2"}`,
		`{"type":"done"}`,
	)
	wait(t, f.th)
	cancel()
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if len(versions) < 4 {
		t.Fatalf("notifications = %v", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] < versions[i-1] {
			t.Fatalf("out of order: %v", versions)
		}
	}
	n := len(versions)
	_ = f.th.SelectBranch("x")
	if len(versions) != n {
		t.Fatal("notified after unsubscribe")
	}
}

func TestHubOpen(t *testing.T) {
	f := newFixture(t)
	if again := f.hub.Open(ctx, "t1"); again != f.th {
		t.Fatal("Open returned a different thread for the same id")
	}
	fresh := f.hub.Open(ctx, "")
	if fresh.ID() == "" {
		t.Fatal("generated id empty")
	}
	if _, ok := f.hub.Get(fresh.ID()); !ok {
		t.Fatal("Get after Open failed")
	}
	if ids := f.hub.IDs(); len(ids) != 2 {
		t.Fatalf("IDs = %v", ids)
	}
}
