// Package handler 提供 HTTP 请求处理器
package handler

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"style-studio-api/internal/domain/entity"
	"style-studio-api/internal/domain/repository"
	"style-studio-api/internal/interfaces/http/dto"
	apperrors "style-studio-api/pkg/errors"
	"style-studio-api/pkg/logger"
	"style-studio-api/pkg/utils"
)

// 认证校验失败时返回给调用方的原文
const (
	MsgInvalidEmail     = "Invalid email address"
	MsgPasswordRequired = "Password is required"
	MsgPasswordTooShort = "Password must be at least 6 characters"
	MsgPasswordTooLong  = "Password too long"
	MsgInvalidBody      = "Invalid request body"
)

// AuthHandler 认证处理器
type AuthHandler struct {
	users  repository.UserRepository
	tokens *utils.JWTManager
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(users repository.UserRepository, tokens *utils.JWTManager) *AuthHandler {
	return &AuthHandler{users: users, tokens: tokens}
}

// Signup 注册
// @Summary 用户注册
// @Tags Auth
// @Accept json
// @Produce json
// @Param body body dto.SignupRequest true "注册信息"
// @Success 201 {object} dto.Response[dto.AuthResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse
// @Router /v1/auth/signup [post]
func (h *AuthHandler) Signup(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.SignupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	user := entity.NewUser(req.Email)
	if err := user.SetPassword(req.Password); err != nil {
		logger.Error(ctx, "failed to hash password", err)
		dto.AppError(c, apperrors.ErrInternalError)
		return
	}

	if err := h.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			dto.AppError(c, apperrors.ErrEmailTaken)
			return
		}
		logger.Error(ctx, "failed to create user", err)
		dto.AppError(c, apperrors.ErrInternalError)
		return
	}

	resp, err := h.issue(user)
	if err != nil {
		logger.Error(ctx, "user created but failed to generate token", err, "user_id", user.ID)
		dto.AppError(c, apperrors.ErrInternalError)
		return
	}

	logger.Info(ctx, "user signed up", "user_id", user.ID)
	dto.Created(c, resp)
}

// Login 登录
// @Summary 用户登录
// @Tags Auth
// @Accept json
// @Produce json
// @Param body body dto.LoginRequest true "登录信息"
// @Success 200 {object} dto.Response[dto.AuthResponse]
// @Failure 401 {object} dto.ErrorResponse
// @Router /v1/auth/login [post]
func (h *AuthHandler) Login(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}

	user, err := h.users.GetByEmail(ctx, entity.NormalizeEmail(req.Email))
	if err != nil {
		logger.Error(ctx, "failed to get user", err)
		dto.AppError(c, apperrors.ErrInternalError)
		return
	}

	if user == nil || !user.CheckPassword(req.Password) {
		dto.AppError(c, apperrors.ErrInvalidCredentials)
		return
	}

	resp, err := h.issue(user)
	if err != nil {
		logger.Error(ctx, "failed to generate token", err, "user_id", user.ID)
		dto.AppError(c, apperrors.ErrInternalError)
		return
	}

	dto.Success(c, resp)
}

func (h *AuthHandler) issue(user *entity.User) (*dto.AuthResponse, error) {
	token, err := h.tokens.GenerateToken(user.ID, user.Email)
	if err != nil {
		return nil, err
	}
	return &dto.AuthResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(h.tokens.TTL().Seconds()),
		User:        dto.ToAuthUserDTO(user),
	}, nil
}

// writeBindError 将绑定校验错误转换为字段错误，消息取第一个字段
func writeBindError(c *gin.Context, err error) {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		dto.AppError(c, apperrors.Validation(MsgInvalidBody).WithError(err))
		return
	}

	fields := make([]dto.FieldError, 0, len(ve))
	for _, fe := range ve {
		name := strings.ToLower(fe.Field())
		fields = append(fields, dto.FieldError{Field: name, Message: fieldMessage(name, fe.Tag())})
	}
	dto.AppError(c, apperrors.Validation(fields[0].Message), fields...)
}

func fieldMessage(field, tag string) string {
	switch field {
	case "email":
		return MsgInvalidEmail
	case "password":
		switch tag {
		case "required":
			return MsgPasswordRequired
		case "min":
			return MsgPasswordTooShort
		case "max":
			return MsgPasswordTooLong
		}
	}
	return field + " is invalid"
}
