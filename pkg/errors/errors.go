// Package errors 提供统一错误类型与哨兵错误。
//
// 三层错误体系:
//   - L1 哨兵错误: ErrNotFound / ErrInvalidInput / ErrRunActive 等
//   - L2 AppError: 带 Op + Code + Message 的应用级错误
//   - L3 领域错误: MalformedEventError / UnknownBranchError / TransportError / ResumeFailedError
package errors

import (
	"errors"
	"fmt"
)

// ========================================
// L1 哨兵错误 (Sentinel Errors)
// ========================================

var (
	// ErrNotFound 资源不存在
	ErrNotFound = errors.New("not found")

	// ErrInvalidInput 输入参数无效
	ErrInvalidInput = errors.New("invalid input")

	// ErrInternal 内部错误
	ErrInternal = errors.New("internal error")

	// ErrTimeout 操作超时
	ErrTimeout = errors.New("timeout")

	// ErrRunActive 线程已有活跃 run, 操作被拒绝
	ErrRunActive = errors.New("run active")

	// ErrInterruptPending 存在未决 interrupt, 只能提交 decisions
	ErrInterruptPending = errors.New("interrupt pending")

	// ErrNoInterrupt 没有待处理的 interrupt
	ErrNoInterrupt = errors.New("no pending interrupt")

	// ErrDecisionMismatch decisions 数量与 action requests 不一致
	ErrDecisionMismatch = errors.New("interrupt decision count mismatch")

	// ErrResumeAttempted 本 thread session 已尝试过 resume
	ErrResumeAttempted = errors.New("resume already attempted")

	// ErrUnknownCheckpoint 消息尚未锚定到 checkpoint
	ErrUnknownCheckpoint = errors.New("unknown checkpoint")

	// ErrClosed 连接或流已关闭
	ErrClosed = errors.New("closed")
)

// ========================================
// L2 AppError (应用级错误)
// ========================================

// AppError 应用级错误，带操作上下文。
type AppError struct {
	Op      string // 操作名，如 "Thread.Submit"
	Code    string // 错误码，如 "VALIDATION"
	Message string // 人类可读消息
	Err     error  // 原始错误
}

// Error 实现 error 接口。
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap 支持 errors.Is / errors.As 链式查找。
func (e *AppError) Unwrap() error {
	return e.Err
}

// ========================================
// 工厂函数
// ========================================

// New 创建无原因链的应用错误。
func New(op, message string) error {
	return &AppError{Op: op, Message: message}
}

// Newf 创建带格式化消息的应用错误。
func Newf(op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap 包装错误并附加操作上下文。
func Wrap(err error, op string, message string) error {
	return &AppError{Op: op, Message: message, Err: err}
}

// Wrapf 用格式化消息包装错误。
func Wrapf(err error, op, format string, args ...any) error {
	return &AppError{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is / As 转发标准库, 调用方无需同时 import 两个 errors 包。
func Is(err, target error) bool { return errors.Is(err, target) }

// As 转发 errors.As。
func As(err error, target any) bool { return errors.As(err, target) }
