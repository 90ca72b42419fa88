// Package errors 定义带错误码的错误类型。
//
// 调用生命周期中的取消原因（validation_error、user_denied 等）与执行失败
// 都映射到这里的错误码；码的默认文案、严重程度与是否告警登记在注册表中，
// 结果载荷和告警事件都从注册表取值，而不是各自硬编码。
package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
	"sync"
)

// Code 是错误码，同时出现在 API 响应与结果载荷中。
type Code string

// Severity 决定告警事件的级别。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 是错误码的登记信息。
type Attributes struct {
	Message  string
	Severity Severity
	Alert    bool
}

var (
	registryMu sync.RWMutex
	registry   = make(map[Code]Attributes)
)

// Register 登记错误码，重复登记以最后一次为准。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	registry[code] = attr
	registryMu.Unlock()
}

// AttributesOf 查询登记信息，未登记的码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 携带错误码、描述、底层原因与少量键值信息。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 修改新建的 Error。
type Option func(*Error)

// WithMetadata 附加一个键值，例如出错的工具名或迁移文件名。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string, 1)
		}
		e.metadata[key] = value
	}
}

// New 创建错误；message 为空时使用登记的默认文案。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Wrap 与 New 相同，但记录底层原因。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause == nil {
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	}
	return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 按错误码比较，哨兵错误 ErrNotFound 等据此与携带原因的副本相等。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e != nil && t != nil && e.code == t.code
}

// Code 返回错误码，nil 视为 UNKNOWN。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含原因的描述，用于结果载荷。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// WithCause 基于哨兵错误派生一个带原因的副本，原错误不变。
func (e *Error) WithCause(cause error) *Error {
	if e == nil {
		return nil
	}
	return &Error{code: e.code, message: e.message, cause: cause, metadata: e.Metadata()}
}

// Metadata 返回键值信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链中最外层 *Error 的码，找不到时为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.code
	}
	return CodeUnknown
}

// HasCode 判断错误链中任意一层是否带有 code。
func HasCode(err error, code Code) bool {
	for ; err != nil; err = stdErrors.Unwrap(err) {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
	}
	return false
}

// ShouldAlert 判断 err 的错误码是否登记为需要告警；普通 error 不告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.code).Alert
	}
	return false
}

// SeverityOf 返回 err 的错误码登记的严重程度。
func SeverityOf(err error) Severity {
	return AttributesOf(CodeOf(err)).Severity
}
