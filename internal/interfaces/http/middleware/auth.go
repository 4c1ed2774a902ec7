// Package middleware 提供 HTTP 中间件
package middleware

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"style-studio-api/internal/interfaces/http/dto"
	apperrors "style-studio-api/pkg/errors"
	"style-studio-api/pkg/logger"
	"style-studio-api/pkg/utils"
)

// ContextUserID gin.Context 中保存当前用户 ID 的键
const ContextUserID = "user_id"

// TokenParser 访问令牌解析
type TokenParser interface {
	ParseToken(token string) (*utils.Claims, error)
}

// Auth 认证中间件，校验 Bearer Token 并注入用户 ID
func Auth(parser TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			dto.AbortWithAppError(c, apperrors.ErrUnauthorized)
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			dto.AbortWithAppError(c, apperrors.ErrUnauthorized)
			return
		}

		claims, err := parser.ParseToken(strings.TrimSpace(token))
		if err != nil {
			if errors.Is(err, utils.ErrExpiredToken) {
				logger.Debug(c.Request.Context(), "expired token rejected")
			}
			dto.AbortWithAppError(c, apperrors.ErrTokenInvalid)
			return
		}

		if claims.Type != utils.TokenTypeAccess || claims.UserID == "" {
			dto.AbortWithAppError(c, apperrors.ErrTokenInvalid)
			return
		}

		c.Set(ContextUserID, claims.UserID)
		ctx := logger.WithContext(c.Request.Context(), logger.UserIDKey, claims.UserID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// UserID 返回认证中间件注入的用户 ID
func UserID(c *gin.Context) string {
	return c.GetString(ContextUserID)
}
