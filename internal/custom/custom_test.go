package custom

import (
	"testing"

	"github.com/multi-agent/convsync/internal/stream"
)

func pct(v float64) *float64 { return &v }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ev   stream.Custom
		want Kind
		ok   bool
	}{
		{"progress", stream.Custom{ID: "a", Progress: pct(10)}, KindProgress, true},
		{"status", stream.Custom{ID: "a", Status: "running"}, KindStatus, true},
		{"file op with status", stream.Custom{ID: "a", FileOperation: "write", Status: "complete"}, KindFileOperation, true},
		{"explicit kind wins", stream.Custom{ID: "a", Label: "status", Progress: pct(5)}, KindStatus, true},
		{"progress before status", stream.Custom{ID: "a", Progress: pct(5), Status: "running"}, KindProgress, true},
		{"unknown", stream.Custom{ID: "a", Message: "hi"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Classify(tt.ev)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("Classify = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestRouteLastWriteWins(t *testing.T) {
	b := NewBuckets()
	for i, p := range []float64{10, 40, 75} {
		Route(b, stream.Custom{ID: "p1", Progress: pct(p), Timestamp: int64(100 + i)})
	}
	list := b.List(KindProgress)
	if len(list) != 1 {
		t.Fatalf("entries = %d, want 1", len(list))
	}
	if list[0].Progress != 75 {
		t.Fatalf("progress = %v, want 75 (the n-th payload)", list[0].Progress)
	}
}

func TestRouteDropsStaleTimestamp(t *testing.T) {
	b := NewBuckets()
	Route(b, stream.Custom{ID: "s1", Status: "running", Timestamp: 200})
	if _, ok := Route(b, stream.Custom{ID: "s1", Status: "pending", Timestamp: 100}); ok {
		t.Fatal("stale payload should be dropped")
	}
	// 无时间戳的事件按到达顺序覆盖
	Route(b, stream.Custom{ID: "s1", Status: "complete"})
	if e, _ := b.Get(KindStatus, "s1"); e.Status != "complete" {
		t.Fatalf("status = %q, want complete", e.Status)
	}
}

func TestRouteUnknownDropped(t *testing.T) {
	b := NewBuckets()
	if _, ok := Route(b, stream.Custom{ID: "x", Message: "??"}); ok {
		t.Fatal("unknown payload should not route")
	}
	for _, k := range []Kind{KindProgress, KindStatus, KindFileOperation} {
		if n := len(b.List(k)); n != 0 {
			t.Fatalf("bucket %s has %d entries", k, n)
		}
	}
}

func TestForToolCallSuppressesProgressAfterTerminalStatus(t *testing.T) {
	b := NewBuckets()
	Route(b, stream.Custom{ID: "p1", Progress: pct(50), ToolCallRef: "tc1"})
	Route(b, stream.Custom{ID: "f1", FileOperation: "read", File: "a.csv", ToolCallRef: "tc1"})
	Route(b, stream.Custom{ID: "p2", Progress: pct(10), ToolCallRef: "tc2"})

	got := ForToolCall(b, "tc1")
	if len(got.Progress) != 1 || len(got.FileOperations) != 1 || len(got.Status) != 0 {
		t.Fatalf("before status: %+v", got)
	}

	Route(b, stream.Custom{ID: "s1", Status: "running", ToolCallRef: "tc1"})
	if got := ForToolCall(b, "tc1"); len(got.Progress) != 1 {
		t.Fatalf("non-terminal status must not hide progress: %+v", got)
	}

	Route(b, stream.Custom{ID: "s1", Status: "complete", ToolCallRef: "tc1"})
	got = ForToolCall(b, "tc1")
	if len(got.Progress) != 0 || len(got.Status) != 1 {
		t.Fatalf("after complete: %+v", got)
	}

	// 终态之后到达的 progress 仍被隐藏
	Route(b, stream.Custom{ID: "p3", Progress: pct(99), ToolCallRef: "tc1"})
	if got := ForToolCall(b, "tc1"); len(got.Progress) != 0 {
		t.Fatalf("late progress leaked: %+v", got.Progress)
	}

	if other := ForToolCall(b, "tc2"); len(other.Progress) != 1 {
		t.Fatalf("tc2 = %+v", other)
	}
}

func TestForToolCallFirstSeenOrder(t *testing.T) {
	b := NewBuckets()
	Route(b, stream.Custom{ID: "b", Status: "running", ToolCallRef: "tc"})
	Route(b, stream.Custom{ID: "a", Status: "running", ToolCallRef: "tc"})
	Route(b, stream.Custom{ID: "b", Status: "running", Message: "again", ToolCallRef: "tc"})
	got := ForToolCall(b, "tc").Status
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" || got[0].Message != "again" {
		t.Fatalf("status = %+v", got)
	}
}
