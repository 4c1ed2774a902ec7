package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"style-studio-api/internal/application/generation"
	"style-studio-api/internal/domain/entity"
	"style-studio-api/internal/interfaces/http/dto"
	"style-studio-api/internal/interfaces/http/middleware"
	apperrors "style-studio-api/pkg/errors"
	"style-studio-api/pkg/logger"
)

// StatusClientClosedRequest 客户端在响应前断开
const StatusClientClosedRequest = 499

// GenerationService 生成网关端口
type GenerationService interface {
	Create(ctx context.Context, in generation.CreateInput) (*entity.Generation, error)
	ListRecent(ctx context.Context, ownerID string, limit int) ([]*entity.Generation, error)
}

// ImageStore 上传图片存储端口
type ImageStore interface {
	Save(ctx context.Context, r io.Reader) (string, error)
	Remove(ctx context.Context, url string) error
	MaxSize() int64
}

// GenerationHandler 生成处理器
type GenerationHandler struct {
	svc    GenerationService
	images ImageStore
}

// NewGenerationHandler 创建生成处理器
func NewGenerationHandler(svc GenerationService, images ImageStore) *GenerationHandler {
	return &GenerationHandler{svc: svc, images: images}
}

// Create 创建生成
// @Summary 提交一次生成
// @Tags Generations
// @Accept multipart/form-data
// @Produce json
// @Param image formData file true "参考图片 (JPEG/PNG)"
// @Param prompt formData string true "提示词"
// @Param style formData string true "风格"
// @Success 201 {object} dto.Response[dto.GenerationResponse]
// @Failure 400 {object} dto.ErrorResponse
// @Failure 401 {object} dto.ErrorResponse
// @Failure 503 {object} dto.ErrorResponse
// @Router /v1/generations [post]
func (h *GenerationHandler) Create(c *gin.Context) {
	ctx := c.Request.Context()

	userID := middleware.UserID(c)
	if userID == "" {
		dto.AppError(c, apperrors.ErrUnauthorized)
		return
	}

	imageURL, err := h.saveImage(c)
	if err != nil {
		h.writeError(c, err)
		return
	}

	gen, err := h.svc.Create(ctx, generation.CreateInput{
		OwnerID:  userID,
		Prompt:   c.PostForm("prompt"),
		Style:    c.PostForm("style"),
		ImageURL: imageURL,
	})
	if err != nil {
		if imageURL != "" {
			_ = h.images.Remove(context.WithoutCancel(ctx), imageURL)
		}
		h.writeError(c, err)
		return
	}

	dto.Created(c, dto.ToGenerationResponse(gen))
}

// List 最近的生成记录
// @Summary 最近的生成记录
// @Tags Generations
// @Produce json
// @Param limit query int false "条数"
// @Success 200 {object} dto.Response[[]dto.GenerationResponse]
// @Router /v1/generations [get]
func (h *GenerationHandler) List(c *gin.Context) {
	userID := middleware.UserID(c)
	if userID == "" {
		dto.AppError(c, apperrors.ErrUnauthorized)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			dto.BadRequest(c, "Invalid limit")
			return
		}
		limit = n
	}

	items, err := h.svc.ListRecent(c.Request.Context(), userID, limit)
	if err != nil {
		h.writeError(c, err)
		return
	}

	dto.Success(c, dto.ToGenerationList(items))
}

// saveImage 保存 image 字段；未上传时返回空 URL，由网关校验报告
func (h *GenerationHandler) saveImage(c *gin.Context) (string, error) {
	fh, err := c.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return "", nil
	}
	if err != nil {
		return "", apperrors.Validation(generation.MsgImageRequired).WithError(err)
	}

	if fh.Size > h.images.MaxSize() {
		return "", apperrors.New(apperrors.CodeUploadRejected, "Image file too large")
	}

	f, err := fh.Open()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeStorageError, "failed to read upload")
	}
	defer f.Close()

	return h.images.Save(c.Request.Context(), f)
}

func (h *GenerationHandler) writeError(c *gin.Context, err error) {
	ctx := c.Request.Context()

	if errors.Is(err, context.Canceled) {
		logger.Info(ctx, "generation request cancelled by client")
		c.AbortWithStatus(StatusClientClosedRequest)
		return
	}

	if !apperrors.IsAppError(err) || apperrors.HasCode(err, apperrors.CodeDatabaseError, apperrors.CodeStorageError) {
		logger.Error(ctx, "generation request failed", err)
	}

	var fields generation.FieldErrors
	if errors.As(err, &fields) {
		out := make([]dto.FieldError, len(fields))
		for i, f := range fields {
			out[i] = dto.FieldError{Field: f.Field, Message: f.Message}
		}
		dto.AppError(c, err, out...)
		return
	}
	dto.AppError(c, err)
}
