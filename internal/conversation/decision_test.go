package conversation

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/multi-agent/convsync/internal/stream"
	pkgerr "github.com/multi-agent/convsync/pkg/errors"
)

func TestEncodeDecisions(t *testing.T) {
	reqs := []stream.ActionRequest{{Name: "send_email"}, {Name: "rm"}, {Name: "deploy"}}
	tests := []struct {
		name    string
		ds      []Decision
		want    string
		wantErr bool
	}{
		{
			name: "mixed",
			ds:   []Decision{Approve(), Reject("not now"), Edit(json.RawMessage(`{"env":"staging"}`))},
			want: `[{"type":"approve"},{"type":"reject","message":"not now"},{"type":"edit","editedAction":{"name":"deploy","args":{"env":"staging"}}}]`,
		},
		{name: "too few", ds: []Decision{Approve()}, wantErr: true},
		{name: "edit without args", ds: []Decision{Approve(), Approve(), Edit(nil)}, wantErr: true},
		{name: "edit invalid json", ds: []Decision{Approve(), Approve(), Edit(json.RawMessage(`{oops`))}, wantErr: true},
		{name: "unknown type", ds: []Decision{Approve(), {Type: "defer"}, Approve()}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := encodeDecisions(reqs, tt.ds)
			if tt.wantErr {
				if !errors.Is(err, pkgerr.ErrDecisionMismatch) {
					t.Fatalf("err = %v, want ErrDecisionMismatch", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("encodeDecisions: %v", err)
			}
			if string(raw) != tt.want {
				t.Fatalf("got  %s\nwant %s", raw, tt.want)
			}
		})
	}
}

func TestRawTail(t *testing.T) {
	rb := NewRawTail(10)
	rb.Write([]byte("12345678"))
	rb.Write([]byte("ABCDE"))
	if got := string(rb.Bytes()); got != "45678ABCDE" {
		t.Fatalf("got %q", got)
	}
	rb.Write([]byte("0123456789XYZ"))
	if got := string(rb.Bytes()); got != "3456789XYZ" {
		t.Fatalf("oversized write: got %q", got)
	}
}
