// domain.go: 会话同步层的领域错误类型。
package errors

import "fmt"

// MalformedEventError 单条流记录无法解码 (非致命, 记录日志后跳过)。
type MalformedEventError struct {
	Reason string
	Raw    string
	Err    error
}

func (e *MalformedEventError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed event: %s: %v", e.Reason, e.Err)
	}
	return "malformed event: " + e.Reason
}

func (e *MalformedEventError) Unwrap() error { return e.Err }

// UnknownBranchError 选择的 checkpoint 不在任何 branchOptions 中, 选择不变。
type UnknownBranchError struct {
	CheckpointID string
}

func (e *UnknownBranchError) Error() string {
	return fmt.Sprintf("unknown branch %q", e.CheckpointID)
}

// TransportError 传输层失败: 线程进入 error 状态, 活跃 run 标记失败, 不自动重试。
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ResumeFailedError 恢复 run 失败: 清除已持久化的 run id, 会话仍可继续提交。
type ResumeFailedError struct {
	ThreadID string
	RunID    string
	Err      error
}

func (e *ResumeFailedError) Error() string {
	return fmt.Sprintf("resume thread %s run %s: %v", e.ThreadID, e.RunID, e.Err)
}

func (e *ResumeFailedError) Unwrap() error { return e.Err }
