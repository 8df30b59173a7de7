// Package apperr 定义控制面统一使用的错误类型。
// 每个错误带有一个 Kind，由 HTTP 层映射为状态码，其余层只负责包装。
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 是错误的分类。
type Kind int

const (
	// Inner 未分类的内部错误，也是零值。
	Inner Kind = iota
	NotFound
	Content
	Network
	IO
	ConfigFormat
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Content:
		return "content"
	case Network:
		return "network"
	case IO:
		return "io"
	case ConfigFormat:
		return "config_format"
	default:
		return "inner"
	}
}

// Error 是带分类的错误。Cause 可为空。
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error { return e.Cause }

// New 创建一个没有底层原因的错误。
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap 用 kind 包装 cause。cause 为 nil 时返回 nil。
func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf 返回错误链上第一个 *Error 的分类，找不到时返回 Inner。
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Inner
}

// Is 判断 err 是否属于 kind。nil 永远返回 false。
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus 把分类映射为 HTTP 状态码。
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return http.StatusNotFound
	case Content:
		return http.StatusBadRequest
	case Network:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
