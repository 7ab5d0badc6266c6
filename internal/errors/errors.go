package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于日志分级与审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message    string
	Severity   Severity
	Retryable  bool
	HTTPStatus int
}

const (
	CodeUnknown          Code = "UNKNOWN"
	CodeInternal         Code = "INTERNAL"
	CodeInvalidArgument  Code = "INVALID_ARGUMENT"
	CodeNotFound         Code = "NOT_FOUND"
	CodeUnknownTool      Code = "UNKNOWN_TOOL"
	CodeToolExecution    Code = "TOOL_EXECUTION_FAILED"
	CodeToolTimeout      Code = "TOOL_TIMEOUT"
	CodeModelStream      Code = "MODEL_STREAM_FAILURE"
	CodeUpstream         Code = "UPSTREAM_FAILURE"
	CodeRateLimited      Code = "RATE_LIMITED"
	CodeTurnTimeout      Code = "TURN_TIMEOUT"
	CodeMalformedMessage Code = "MALFORMED_MESSAGE"
	CodeTransportClosed  Code = "TRANSPORT_CLOSED"
	CodeStorageFailure   Code = "STORAGE_FAILURE"
	CodeConfigInvalid    Code = "CONFIG_INVALID"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:          {Message: "unknown error", Severity: SeverityCritical, HTTPStatus: http.StatusInternalServerError},
		CodeInternal:         {Message: "internal error", Severity: SeverityCritical, HTTPStatus: http.StatusInternalServerError},
		CodeInvalidArgument:  {Message: "invalid argument", Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeNotFound:         {Message: "resource not found", Severity: SeverityInfo, HTTPStatus: http.StatusNotFound},
		CodeUnknownTool:      {Message: "unknown tool", Severity: SeverityWarning, HTTPStatus: http.StatusBadRequest},
		CodeToolExecution:    {Message: "tool execution failed", Severity: SeverityWarning, HTTPStatus: http.StatusBadGateway},
		CodeToolTimeout:      {Message: "tool call timed out", Severity: SeverityWarning, Retryable: true, HTTPStatus: http.StatusGatewayTimeout},
		CodeModelStream:      {Message: "model stream failed", Severity: SeverityWarning, HTTPStatus: http.StatusBadGateway},
		CodeUpstream:         {Message: "upstream request failed", Severity: SeverityWarning, Retryable: true, HTTPStatus: http.StatusBadGateway},
		CodeRateLimited:      {Message: "rate limit exceeded", Severity: SeverityInfo, HTTPStatus: http.StatusTooManyRequests},
		CodeTurnTimeout:      {Message: "turn timed out", Severity: SeverityWarning, HTTPStatus: http.StatusGatewayTimeout},
		CodeMalformedMessage: {Message: "malformed message", Severity: SeverityInfo, HTTPStatus: http.StatusBadRequest},
		CodeTransportClosed:  {Message: "connection closed", Severity: SeverityInfo, HTTPStatus: http.StatusGone},
		CodeStorageFailure:   {Message: "storage failure", Severity: SeverityCritical, Retryable: true, HTTPStatus: http.StatusServiceUnavailable},
		CodeConfigInvalid:    {Message: "invalid configuration", Severity: SeverityCritical, HTTPStatus: http.StatusInternalServerError},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	retryable *bool
}

// Option 定义可选配置。
type Option func(*Error)

// WithRetryable 覆盖错误码默认的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// New 创建一个新的错误实例，message 为空时使用错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Newf 以格式化字符串创建错误。
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含底层原因的错误描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链上是否存在指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// RetryableError 判断任意 error 是否被标记为可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// HTTPStatusOf 返回错误应映射的 HTTP 状态码。
func HTTPStatusOf(err error) int {
	return AttributesOf(CodeOf(err)).HTTPStatus
}

// Is 与 As 透传标准库，方便调用方只引入本包。
func Is(err, target error) bool { return stdErrors.Is(err, target) }

func As(err error, target any) bool { return stdErrors.As(err, target) }

// Join 透传标准库的 errors.Join。
func Join(errs ...error) error { return stdErrors.Join(errs...) }
