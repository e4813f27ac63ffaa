package conversation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/multi-agent/convsync/internal/metrics"
	"github.com/multi-agent/convsync/internal/store"
	"github.com/multi-agent/convsync/internal/transport"
	pkgerr "github.com/multi-agent/convsync/pkg/errors"
)

// ========================================
// fake transport
// ========================================

type item struct {
	b   []byte
	err error
}

type fakeStream struct {
	ch     chan item
	closed chan struct{}
	once   sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan item, 256), closed: make(chan struct{})}
}

func (s *fakeStream) Next(ctx context.Context) ([]byte, error) {
	select {
	case it := <-s.ch:
		return it.b, it.err
	case <-s.closed:
		return nil, pkgerr.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// send 每个参数作为一行记录投递。
func (s *fakeStream) send(lines ...string) {
	for _, l := range lines {
		s.ch <- item{b: []byte(l + "\n")}
	}
}

// chunk 原样投递 (可切断记录)。
func (s *fakeStream) chunk(raw string) { s.ch <- item{b: []byte(raw)} }

func (s *fakeStream) end(err error) { s.ch <- item{err: err} }

type fakeTransport struct {
	mu      sync.Mutex
	submits []transport.SubmitRequest
	streams []*fakeStream
	cancels []string
	n       int

	submitErr  error
	status     transport.RunStatus
	joinStream *fakeStream
	joinCursor string
	states     map[string]transport.ThreadState
}

func (f *fakeTransport) Submit(_ context.Context, req transport.SubmitRequest) (transport.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return transport.Run{}, f.submitErr
	}
	f.n++
	s := newFakeStream()
	f.submits = append(f.submits, req)
	f.streams = append(f.streams, s)
	return transport.Run{RunID: fmt.Sprintf("run-%d", f.n), Stream: s}, nil
}

func (f *fakeTransport) Join(_ context.Context, _, _, cursor string) (transport.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joinCursor = cursor
	return f.joinStream, nil
}

func (f *fakeTransport) RunStatus(context.Context, string, string) (transport.RunStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, nil
}

func (f *fakeTransport) Cancel(_ context.Context, _, runID string) error {
	f.mu.Lock()
	f.cancels = append(f.cancels, runID)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) State(_ context.Context, threadID string) (transport.ThreadState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[threadID]
	if !ok {
		return transport.ThreadState{}, pkgerr.ErrNotFound
	}
	return st, nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) submit(i int) transport.SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[i]
}

func (f *fakeTransport) stream(i int) *fakeStream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[i]
}

func (f *fakeTransport) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeTransport) cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancels...)
}

// ========================================
// helpers
// ========================================

type fixture struct {
	tr    *fakeTransport
	store *store.MemoryRunStore
	hub   *Hub
	th    *Thread
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ft := &fakeTransport{}
	rs := store.NewMemoryRunStore()
	hub := NewHub(ft, rs, Options{
		AssistantID:   "agent",
		CancelTimeout: 2 * time.Second,
		Metrics:       metrics.MustNewMetrics(prometheus.NewRegistry()),
	})
	return &fixture{tr: ft, store: rs, hub: hub, th: hub.Open(context.Background(), "t1")}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wait(t *testing.T, th *Thread) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := th.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func (f *fixture) humanID(t *testing.T, i int) string {
	t.Helper()
	req := f.tr.submit(i)
	if req.Input == nil || len(req.Input.Messages) != 1 {
		t.Fatalf("submit %d has no input message: %+v", i, req)
	}
	return req.Input.Messages[0].ID
}

func (f *fixture) storedRun(t *testing.T) string {
	t.Helper()
	id, err := f.store.Get(context.Background(), f.th.ID())
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	return id
}
