package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
)

// 业务错误码
const (
	CodeInvalidRequest      = 1400
	CodeNotFound            = 1404
	CodeVersionConflict     = 1409
	CodeTransientTransport  = 2001 // 短信发送失败，可重试
	CodeNoResponders        = 2002 // 支持网络未配置任何可用联系人
	CodeTierUnreachable     = 2003 // 当前梯队所有联系人均发送失败
	CodeInvalidResponse     = 2004 // 回复格式错误或顺序不合法
	CodeAlreadyHandled      = 2005 // 重复的确认回复，不是错误
	CodeEscalationExhausted = 2006 // 梯队耗尽，需要人工跟进
)

// Error represents a custom error with stack trace
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Err     error      `json:"-"` // 原始错误，不序列化
	Stack   string     `json:"stack,omitempty"`
	Context []KeyValue `json:"context,omitempty"`
}

// KeyValue represents a key-value pair for context
type KeyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		return e.Err.Error()
	}
	if msg == "" {
		return "unknown error"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements the errors.Wrapper interface
func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同码即同类错误，便于 errors.Is 与哨兵错误比较
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Code != 0 && t.Code != 0 {
		return e.Code == t.Code
	}
	return e == t
}

// WithCode creates a new error with code
func WithCode(code int, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Stack:   captureStack(),
	}
}

// WithCodef creates a new error with code and formatted message
func WithCodef(code int, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(),
	}
}

// Wrap wraps an error with message, the code of a wrapped *Error is kept.
// nil in, nil out (as a plain error, never a typed nil)
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    GetCode(err),
		Message: message,
		Err:     err,
		Stack:   captureStack(),
	}
}

// Wrapf wraps an error with formatted message
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	return &Error{
		Code:    GetCode(err),
		Message: fmt.Sprintf(format, args...),
		Err:     err,
		Stack:   captureStack(),
	}
}

// WrapCode wraps an error and overrides its code
func WrapCode(err error, code int, message string) error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
		Stack:   captureStack(),
	}
}

// New creates a new error
func New(message string) *Error {
	return &Error{
		Message: message,
		Stack:   captureStack(),
	}
}

// Errorf creates a new formatted error
func Errorf(format string, args ...interface{}) *Error {
	return &Error{
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(),
	}
}

// WithContext adds context to an error
func (e *Error) WithContext(key, value string) *Error {
	if e == nil {
		return nil
	}

	// 创建新的错误实例以避免修改原始错误（哨兵错误会被多处共享）
	newErr := &Error{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Stack:   e.Stack,
		Context: make([]KeyValue, len(e.Context), len(e.Context)+1),
	}
	copy(newErr.Context, e.Context)
	newErr.Context = append(newErr.Context, KeyValue{Key: key, Value: value})

	return newErr
}

// captureStack captures the current stack trace
func captureStack() string {
	buf := make([]byte, 1024)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// 移除顶部几行（通常是 captureStack 和 Error 相关的调用）
	lines := strings.Split(stack, "\n")
	if len(lines) > 6 {
		stack = strings.Join(lines[6:], "\n")
	}

	return strings.TrimSpace(stack)
}

// GetCode returns the first non-zero code in the error chain
func GetCode(err error) int {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code != 0 {
			return e.Code
		}
		err = stderrors.Unwrap(err)
	}
	return 0
}

// HasCode 判断错误链中是否包含指定错误码
func HasCode(err error, code int) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		err = stderrors.Unwrap(err)
	}
	return false
}

// GetMessage returns the error message
func GetMessage(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Message
	}
	if err != nil {
		return err.Error()
	}
	return ""
}

// GetStack returns the error stack trace
func GetStack(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Stack
	}
	return ""
}

// Is checks if the error chain contains the target error
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As 透传标准库 errors.As
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}

// Cause returns the underlying error
func Cause(err error) error {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Err != nil {
			err = e.Err
		} else {
			return err
		}
	}
	return err
}

// HTTPStatus 错误码到 HTTP 状态码的映射
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case 0:
		return http.StatusInternalServerError
	case CodeInvalidRequest, CodeInvalidResponse:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeVersionConflict:
		return http.StatusConflict
	case CodeAlreadyHandled:
		return http.StatusOK
	case CodeNoResponders, CodeEscalationExhausted:
		return http.StatusUnprocessableEntity
	case CodeTierUnreachable, CodeTransientTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Format implements fmt.Formatter
func (e *Error) Format(s fmt.State, verb rune) {
	switch verb {
	case 'v':
		if s.Flag('+') {
			fmt.Fprintf(s, "%s", e.Error())
			if e.Stack != "" {
				fmt.Fprintf(s, "\n%s", e.Stack)
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprintf(s, "%s", e.Error())
	case 'q':
		fmt.Fprintf(s, "%q", e.Error())
	}
}

// 哨兵错误，调用方用 errors.Is / HasCode 判断
var (
	ErrNotFound            = WithCode(CodeNotFound, "not found")
	ErrInvalidRequest      = WithCode(CodeInvalidRequest, "invalid request")
	ErrVersionConflict     = WithCode(CodeVersionConflict, "version conflict")
	ErrTransientTransport  = WithCode(CodeTransientTransport, "sms transport failure")
	ErrNoResponders        = WithCode(CodeNoResponders, "no active responders configured")
	ErrTierUnreachable     = WithCode(CodeTierUnreachable, "no responder in tier could be reached")
	ErrInvalidResponse     = WithCode(CodeInvalidResponse, "invalid response")
	ErrAlreadyHandled      = WithCode(CodeAlreadyHandled, "already handled")
	ErrEscalationExhausted = WithCode(CodeEscalationExhausted, "escalation tiers exhausted")
)
