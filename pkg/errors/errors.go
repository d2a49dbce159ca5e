package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"

	// Agent-core error taxonomy. These are recoverable-by-default; only
	// exhaustion or repeated failure makes them user-visible.
	CodeSignalFiltered      ErrorCode = "SIGNAL_FILTERED"
	CodeProviderUnavailable ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeToolExecutionFailed ErrorCode = "TOOL_EXECUTION_FAILED"
	CodeToolBlockedByHook   ErrorCode = "TOOL_BLOCKED_BY_HOOK"
	CodeContextOverflow     ErrorCode = "CONTEXT_OVERFLOW"
	CodeShellPolicyViolation ErrorCode = "SHELL_POLICY_VIOLATION"
	CodeSchedulerJobFailed  ErrorCode = "SCHEDULER_JOB_FAILED"
	CodeInvalidConfig       ErrorCode = "INVALID_CONFIG"
	CodeCancelled           ErrorCode = "CANCELLED"
	CodeDoomLoopHalt        ErrorCode = "DOOM_LOOP_HALT"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: message,
	}
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: message,
	}
}

// NewAlreadyExistsError 创建已存在错误
func NewAlreadyExistsError(message string) *AppError {
	return &AppError{
		Code:    CodeAlreadyExists,
		Message: message,
	}
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
	}
}

// NewInternalErrorWithCause 创建带原因的内部错误
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: message,
		Err:     cause,
	}
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsInvalidInput 判断是否为无效输入错误
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeInvalidInput
	}
	return false
}

// Is reports whether err is an *AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// NewSignalFilteredError marks a message as dropped by the noise filter.
func NewSignalFilteredError(reason string) *AppError {
	return &AppError{Code: CodeSignalFiltered, Message: reason}
}

// NewProviderUnavailableError marks a fully-exhausted provider fallback chain.
func NewProviderUnavailableError(message string, cause error) *AppError {
	return &AppError{Code: CodeProviderUnavailable, Message: message, Err: cause}
}

// NewToolExecutionFailedError wraps a tool's own failure.
func NewToolExecutionFailedError(toolName string, cause error) *AppError {
	return &AppError{Code: CodeToolExecutionFailed, Message: "tool execution failed: " + toolName, Err: cause}
}

// NewToolBlockedByHookError wraps a hook veto; reason becomes the tool's result output.
func NewToolBlockedByHookError(toolName, reason string) *AppError {
	return &AppError{Code: CodeToolBlockedByHook, Message: "tool blocked by hook: " + toolName + ": " + reason}
}

// NewContextOverflowError marks a compaction failure.
func NewContextOverflowError(cause error) *AppError {
	return &AppError{Code: CodeContextOverflow, Message: "context window overflow", Err: cause}
}

// NewShellPolicyViolationError marks a rejected destructive command line.
func NewShellPolicyViolationError(reason string) *AppError {
	return &AppError{Code: CodeShellPolicyViolation, Message: "blocked: " + reason}
}

// NewSchedulerJobFailedError wraps a failed cron/trigger job run.
func NewSchedulerJobFailedError(jobID string, cause error) *AppError {
	return &AppError{Code: CodeSchedulerJobFailed, Message: "scheduler job failed: " + jobID, Err: cause}
}

// NewInvalidConfigError marks a fatal boot-time configuration error (exit code 2).
func NewInvalidConfigError(message string, cause error) *AppError {
	return &AppError{Code: CodeInvalidConfig, Message: message, Err: cause}
}

// NewCancelledError marks a user- or system-initiated cancellation.
func NewCancelledError(message string) *AppError {
	return &AppError{Code: CodeCancelled, Message: message}
}

// NewDoomLoopHaltError marks a terminal repeated-failure halt.
func NewDoomLoopHaltError(toolNames []string) *AppError {
	return &AppError{
		Code:    CodeDoomLoopHalt,
		Message: "repeated-failure halt: " + joinToolNames(toolNames),
	}
}

func joinToolNames(names []string) string {
	if len(names) == 0 {
		return "(unknown)"
	}
	out := names[0]
	for _, n := range names[1:] {
		out += ", " + n
	}
	return out
}
