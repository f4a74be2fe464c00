package ledger

import (
	"errors"
	"fmt"
)

// Code 账本错误分类，调用方按分类决定提示文案和是否可以重试
type Code string

const (
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodePermissionDenied   Code = "PERMISSION_DENIED"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidArgument    Code = "INVALID_ARGUMENT"
	CodeFailedPrecondition Code = "FAILED_PRECONDITION"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeInternal           Code = "INTERNAL"
)

// Error 带分类的账本错误
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrUnauthenticated  = newError(CodeUnauthenticated, "未登录或登录已失效")
	ErrPermissionDenied = newError(CodePermissionDenied, "没有操作权限")

	ErrAccountNotFound     = newError(CodeNotFound, "账户不存在")
	ErrEntitlementNotFound = newError(CodeNotFound, "尚未拥有该内容")
	ErrReferrerNotFound    = newError(CodeNotFound, "推荐码不存在")
	ErrContentNotFound     = newError(CodeNotFound, "内容不存在")

	ErrInvalidAmount    = newError(CodeInvalidArgument, "金额不合法")
	ErrInvalidCost      = newError(CodeInvalidArgument, "价格不合法")
	ErrInvalidContentID = newError(CodeInvalidArgument, "内容ID不能为空")
	ErrInvalidCode      = newError(CodeInvalidArgument, "推荐码不能为空")
	ErrSelfReferral     = newError(CodeInvalidArgument, "不能使用自己的推荐码")

	ErrInsufficientFunds   = newError(CodeFailedPrecondition, "硬币余额不足")
	ErrReferralNotEligible = newError(CodeFailedPrecondition, "已有学习记录的账户不能再使用推荐码")

	ErrReferralUsed = newError(CodeAlreadyExists, "已经使用过推荐码")

	ErrTxConflict = newError(CodeInternal, "并发冲突重试次数已用完")
)

// Wrap 给底层错误加上分类
func Wrap(code Code, message string, err error) error {
	return &Error{Code: code, Message: message, Err: err}
}

// Internal 把存储层错误包装成 Internal
func Internal(err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return Wrap(CodeInternal, "账本存储异常", err)
}

// CodeOf 返回错误分类，未分类的错误一律视为 Internal
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var le *Error
	if errors.As(err, &le) {
		return le.Code
	}
	return CodeInternal
}

// IsRetryable 调用方是否可以安全重试
func IsRetryable(err error) bool {
	return CodeOf(err) == CodeInternal
}
