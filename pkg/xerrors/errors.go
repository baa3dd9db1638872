// Package xerrors 定义业务错误分类。调用方按 Kind 判断处理方式，HTTP 层按 Kind 映射状态码。
package xerrors

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind string

const (
	// Validation 输入非法，不重试
	Validation Kind = "ValidationError"
	// NotFound 实体不存在
	NotFound Kind = "NotFound"
	// InvalidTransition 订单状态流转不被允许
	InvalidTransition Kind = "InvalidTransition"
	// InvalidOperation 当前状态下不允许的操作
	InvalidOperation Kind = "InvalidOperation"
	// InsufficientStock 库存不足
	InsufficientStock Kind = "InsufficientStock"
	// BrokerUnavailable 消息代理暂不可用
	BrokerUnavailable Kind = "BrokerUnavailable"
	// HandlerFailure 消息处理失败，需要否定确认
	HandlerFailure Kind = "HandlerFailure"
	// Internal 未分类的内部错误
	Internal Kind = "Internal"
)

// Error 带类别的错误
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New 创建错误
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf 创建带格式化消息的错误
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap 给底层错误附加类别
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf 返回错误链上第一个带类别错误的 Kind，没有时返回 Internal
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is 判断错误链上是否存在指定类别
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// MessageOf 返回适合展示给调用方的消息
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
