package conversation

import (
	"encoding/json"

	"github.com/multi-agent/convsync/internal/stream"
	pkgerr "github.com/multi-agent/convsync/pkg/errors"
)

// DecisionType 中断决策类型 (封闭集合)。
type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionReject  DecisionType = "reject"
	DecisionEdit    DecisionType = "edit"
)

// Decision 对单个 action request 的决策。
//
//	Approve()            → {"type":"approve"}
//	Reject("too risky")  → {"type":"reject","message":"too risky"}
//	Edit(args)           → {"type":"edit","editedAction":{"name":..,"args":..}}
type Decision struct {
	Type   DecisionType    `json:"type"`
	Reason string          `json:"reason,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
}

// Approve 批准。
func Approve() Decision { return Decision{Type: DecisionApprove} }

// Reject 拒绝, reason 回传给 agent。
func Reject(reason string) Decision { return Decision{Type: DecisionReject, Reason: reason} }

// Edit 以新参数执行原动作。
func Edit(args json.RawMessage) Decision { return Decision{Type: DecisionEdit, Args: args} }

type editedAction struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

type wireDecision struct {
	Type         DecisionType  `json:"type"`
	Message      string        `json:"message,omitempty"`
	EditedAction *editedAction `json:"editedAction,omitempty"`
}

// encodeDecisions 校验并编码决策列表: 每个 action request 恰好一个决策, 顺序一致。
// 任何不合法输入都在网络调用之前返回 ErrDecisionMismatch。
func encodeDecisions(reqs []stream.ActionRequest, ds []Decision) (json.RawMessage, error) {
	if len(ds) != len(reqs) {
		return nil, pkgerr.Wrapf(pkgerr.ErrDecisionMismatch, "Thread.Respond",
			"got %d decisions for %d action requests", len(ds), len(reqs))
	}
	out := make([]wireDecision, len(ds))
	for i, d := range ds {
		switch d.Type {
		case DecisionApprove:
			out[i] = wireDecision{Type: d.Type}
		case DecisionReject:
			out[i] = wireDecision{Type: d.Type, Message: d.Reason}
		case DecisionEdit:
			if len(d.Args) == 0 || !json.Valid(d.Args) {
				return nil, pkgerr.Wrapf(pkgerr.ErrDecisionMismatch, "Thread.Respond",
					"decision %d: edit requires JSON args", i)
			}
			out[i] = wireDecision{Type: d.Type, EditedAction: &editedAction{Name: reqs[i].Name, Args: d.Args}}
		default:
			return nil, pkgerr.Wrapf(pkgerr.ErrDecisionMismatch, "Thread.Respond",
				"decision %d: unknown type %q", i, d.Type)
		}
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, pkgerr.Wrap(err, "Thread.Respond", "encode decisions")
	}
	return raw, nil
}
