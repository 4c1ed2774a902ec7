// Package dto 提供 HTTP 层数据传输对象
package dto

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "style-studio-api/pkg/errors"
)

// Response 统一响应结构
type Response[T any] struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    T      `json:"data"`
	TraceID string `json:"trace_id,omitempty"`
}

// FieldError 单个字段的校验失败
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ErrorDetail 错误详情，error_code 为 pkg/errors 中的业务错误码
type ErrorDetail struct {
	ErrorCode string       `json:"error_code,omitempty"`
	Details   string       `json:"details,omitempty"`
	Fields    []FieldError `json:"fields,omitempty"`
}

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Error   *ErrorDetail `json:"error,omitempty"`
	TraceID string       `json:"trace_id,omitempty"`
}

// Success 返回成功响应
func Success[T any](c *gin.Context, data T) {
	c.JSON(http.StatusOK, Response[T]{
		Code:    http.StatusOK,
		Message: "success",
		Data:    data,
		TraceID: c.GetString("trace_id"),
	})
}

// Created 返回创建成功响应 (201)
func Created[T any](c *gin.Context, data T) {
	c.JSON(http.StatusCreated, Response[T]{
		Code:    http.StatusCreated,
		Message: "created",
		Data:    data,
		TraceID: c.GetString("trace_id"),
	})
}

// Error 返回错误响应
func Error(c *gin.Context, httpCode int, message string) {
	c.JSON(httpCode, ErrorResponse{
		Code:    httpCode,
		Message: message,
		TraceID: c.GetString("trace_id"),
	})
}

// ErrorWithDetail 返回带详情的错误响应
func ErrorWithDetail(c *gin.Context, httpCode int, message string, detail *ErrorDetail) {
	c.JSON(httpCode, ErrorResponse{
		Code:    httpCode,
		Message: message,
		Error:   detail,
		TraceID: c.GetString("trace_id"),
	})
}

// AbortWithAppError 终止请求并按 AppError 写出错误响应
func AbortWithAppError(c *gin.Context, err error) {
	AppError(c, err)
	c.Abort()
}

// AppError 按 AppError 的状态码与错误码写出错误响应，非 AppError 视为 500
func AppError(c *gin.Context, err error, fields ...FieldError) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.ErrInternalError.WithError(err)
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	detail := &ErrorDetail{
		ErrorCode: string(appErr.Code),
		Details:   appErr.Detail,
		Fields:    fields,
	}

	ErrorWithDetail(c, status, appErr.Message, detail)
}

// BadRequest 返回 400 错误
func BadRequest(c *gin.Context, message string) {
	AppError(c, apperrors.Validation(message))
}

// Unauthorized 返回 401 错误
func Unauthorized(c *gin.Context, message string) {
	AppError(c, apperrors.New(apperrors.CodeUnauthorized, message))
}

// InternalError 返回 500 错误
func InternalError(c *gin.Context, message string) {
	Error(c, http.StatusInternalServerError, message)
}
