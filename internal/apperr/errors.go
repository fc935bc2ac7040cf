// Package apperr 定义私信子系统的错误分类。
// 存储、路由与门面之间只传递这几类错误，HTTP/WS 层据此映射状态码与错误事件。
package apperr

import (
	"errors"
	"fmt"
)

type Code string

const (
	CodeValidation      Code = "VALIDATION"
	CodeNotFound        Code = "NOT_FOUND"
	CodeTransient       Code = "TRANSIENT"
	CodeConflict        Code = "CONFLICT"
	CodeUnauthenticated Code = "UNAUTHENTICATED"
	CodeForbidden       Code = "FORBIDDEN"
	CodeRateLimited     Code = "RATE_LIMITED"
	CodeInternal        Code = "INTERNAL"
)

type AppError struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Cause   error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func Validation(format string, args ...any) error {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

func NotFound(format string, args ...any) error {
	return New(CodeNotFound, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) error {
	return New(CodeConflict, fmt.Sprintf(format, args...))
}

// Transient 包装底层驱动/网络错误，调用方可重试（但追加消息不重试）。
func Transient(message string, cause error) error {
	return Wrap(CodeTransient, message, cause)
}

// CodeOf 返回错误链上第一个 AppError 的分类；非 AppError 视为 INTERNAL。
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var ae *AppError
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

func Is(err error, code Code) bool { return err != nil && CodeOf(err) == code }

func IsValidation(err error) bool { return Is(err, CodeValidation) }
func IsNotFound(err error) bool   { return Is(err, CodeNotFound) }
func IsTransient(err error) bool  { return Is(err, CodeTransient) }
func IsConflict(err error) bool   { return Is(err, CodeConflict) }
