package attempt

import (
	"context"
	"errors"

	apperrors "style-studio-api/pkg/errors"
)

// Kind 失败分类
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAuth
	KindOverloaded
	KindCancelled
)

// String 返回分类名
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindOverloaded:
		return "overloaded"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Retryable 只有过载可以重试
func (k Kind) Retryable() bool {
	return k == KindOverloaded
}

// Classify 将单次尝试的错误映射为分类
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case apperrors.HasCode(err, apperrors.CodeModelOverloaded):
		return KindOverloaded
	case apperrors.HasCode(err, apperrors.CodeValidationFailed, apperrors.CodeInvalidParam, apperrors.CodeUploadRejected):
		return KindValidation
	case apperrors.HasCode(err,
		apperrors.CodeUnauthorized,
		apperrors.CodeTokenExpired,
		apperrors.CodeTokenInvalid,
		apperrors.CodeTokenMissing,
		apperrors.CodeInvalidCredentials,
	):
		return KindAuth
	default:
		return KindUnknown
	}
}

// messageOf 取出面向用户的错误文案
func messageOf(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) && appErr.Message != "" {
		return appErr.Message
	}
	return err.Error()
}
