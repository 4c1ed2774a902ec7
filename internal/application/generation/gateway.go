// Package generation 实现生成网关：校验、过载闸门与单次落库
package generation

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"style-studio-api/internal/domain/entity"
	"style-studio-api/internal/domain/repository"
	apperrors "style-studio-api/pkg/errors"
	"style-studio-api/pkg/logger"
	"style-studio-api/pkg/metrics"
	"style-studio-api/pkg/tracer"
)

// 校验失败时返回给调用方的原文
const (
	MsgPromptRequired = "Prompt is required"
	MsgPromptTooLong  = "Prompt too long"
	MsgInvalidStyle   = "Invalid style selected"
	MsgImageRequired  = "Image file is required"
)

// RecentCache 最近列表缓存
type RecentCache interface {
	RecentGenerations(ctx context.Context, userID string, limit int, ttl time.Duration, load func() ([]*entity.Generation, error)) ([]*entity.Generation, error)
	InvalidateRecent(ctx context.Context, userID string) error
}

// EventPublisher 产物完成事件发布
type EventPublisher interface {
	PublishGenerationCompleted(ctx context.Context, g *entity.Generation) error
}

// CreateInput 创建请求
type CreateInput struct {
	OwnerID  string
	Prompt   string
	Style    string
	ImageURL string
}

// Options 网关可选项
type Options struct {
	LatencyMin time.Duration
	LatencyMax time.Duration
	Recent     repository.Limit
	RecentTTL  time.Duration
	Cache      RecentCache
	Publisher  EventPublisher
}

// Gateway 生成网关
type Gateway struct {
	repo   repository.GenerationRepository
	policy FailurePolicy
	opts   Options
}

// NewGateway 创建生成网关，policy 为 nil 时使用默认概率策略
func NewGateway(repo repository.GenerationRepository, policy FailurePolicy, opts Options) *Gateway {
	if policy == nil {
		policy = NewProbabilisticPolicy(DefaultOverloadProbability, 0)
	}
	if opts.Recent.Default <= 0 {
		opts.Recent.Default = 5
	}
	if opts.Recent.Max <= 0 {
		opts.Recent.Max = 50
	}
	if opts.RecentTTL <= 0 {
		opts.RecentTTL = 30 * time.Second
	}
	return &Gateway{repo: repo, policy: policy, opts: opts}
}

// Create 依次执行 校验 -> 过载闸门 -> 模拟处理 -> 单次写入
// 闸门拒绝、校验失败或取消时不会产生任何写入
func (g *Gateway) Create(ctx context.Context, in CreateInput) (*entity.Generation, error) {
	ctx, span := tracer.Start(ctx, "generation.Gateway.Create",
		trace.WithAttributes(attribute.String("generation.style", in.Style)))
	defer span.End()

	start := time.Now()

	if strings.TrimSpace(in.OwnerID) == "" {
		g.observe("unauthenticated", start)
		return nil, apperrors.ErrUnauthorized
	}

	if err := Validate(in); err != nil {
		g.observe("invalid", start)
		logger.Debug(ctx, "generation input rejected", "reason", err.Message)
		return nil, err
	}

	if g.policy.ShouldOverload(ctx) {
		g.observe("overloaded", start)
		metrics.GenerationOverloadRejections.Inc()
		span.SetAttributes(attribute.Bool("generation.overloaded", true))
		logger.Info(ctx, "generation rejected by overload gate", "owner_id", in.OwnerID)
		return nil, apperrors.ErrModelOverloaded
	}

	if err := g.simulateProcessing(ctx); err != nil {
		g.observe("cancelled", start)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		g.observe("cancelled", start)
		return nil, err
	}

	gen := entity.NewGeneration(in.OwnerID, in.Prompt, entity.Style(in.Style), in.ImageURL)
	if err := g.repo.Create(ctx, gen); err != nil {
		g.observe("failed", start)
		tracer.Fail(span, err)
		logger.Error(ctx, "failed to persist generation", err, "owner_id", in.OwnerID)
		return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to save generation")
	}

	g.observe("completed", start)
	span.SetAttributes(attribute.String("generation.id", gen.ID))
	logger.Info(ctx, "generation created", "generation_id", gen.ID, "owner_id", gen.UserID, "style", gen.Style)

	g.afterCommit(context.WithoutCancel(ctx), gen)
	return gen, nil
}

// afterCommit 写入已提交，这里的失败只记录日志
func (g *Gateway) afterCommit(ctx context.Context, gen *entity.Generation) {
	if g.opts.Cache != nil {
		if err := g.opts.Cache.InvalidateRecent(ctx, gen.UserID); err != nil {
			logger.Warn(ctx, "failed to invalidate recent cache", "owner_id", gen.UserID, "error", err.Error())
		}
	}
	if g.opts.Publisher != nil {
		if err := g.opts.Publisher.PublishGenerationCompleted(ctx, gen); err != nil {
			logger.Warn(ctx, "failed to publish generation event", "generation_id", gen.ID, "error", err.Error())
		}
	}
}

// ListRecent 返回用户最近的产物，最新在前
func (g *Gateway) ListRecent(ctx context.Context, ownerID string, limit int) ([]*entity.Generation, error) {
	ctx, span := tracer.Start(ctx, "generation.Gateway.ListRecent")
	defer span.End()

	if strings.TrimSpace(ownerID) == "" {
		return nil, apperrors.ErrUnauthorized
	}
	limit = g.opts.Recent.Clamp(limit)

	// 存储错误带 CodeDatabaseError，与缓存后端自身的错误区分开
	load := func() ([]*entity.Generation, error) {
		items, err := g.repo.ListRecentByUser(ctx, ownerID, limit)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeDatabaseError, "failed to list generations")
		}
		return items, nil
	}

	var (
		items []*entity.Generation
		err   error
	)
	if g.opts.Cache != nil {
		items, err = g.opts.Cache.RecentGenerations(ctx, ownerID, limit, g.opts.RecentTTL, load)
		if err != nil && !apperrors.HasCode(err, apperrors.CodeDatabaseError) {
			logger.Warn(ctx, "recent cache unavailable, reading store", "error", err.Error())
			items, err = load()
		}
	} else {
		items, err = load()
	}
	if err != nil {
		tracer.Fail(span, err)
		return nil, err
	}

	if items == nil {
		items = []*entity.Generation{}
	}
	return items, nil
}

// simulateProcessing 模拟模型耗时，可被取消
func (g *Gateway) simulateProcessing(ctx context.Context) error {
	d := g.opts.LatencyMin
	if spread := g.opts.LatencyMax - g.opts.LatencyMin; spread > 0 {
		d += rand.N(spread)
	}
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (g *Gateway) observe(status string, start time.Time) {
	metrics.GenerationTotal.WithLabelValues(status).Inc()
	metrics.GenerationDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

// FieldError 单个字段的校验错误
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// FieldErrors 校验错误集合
type FieldErrors []FieldError

// Error 实现 error 接口
func (fe FieldErrors) Error() string {
	parts := make([]string, len(fe))
	for i, e := range fe {
		parts[i] = e.Field + ": " + e.Message
	}
	return strings.Join(parts, "; ")
}

// Validate 校验创建请求，消息取第一个失败字段的原文
func Validate(in CreateInput) *apperrors.AppError {
	var errs FieldErrors

	switch n := utf8.RuneCountInString(in.Prompt); {
	case n == 0:
		errs = append(errs, FieldError{Field: "prompt", Message: MsgPromptRequired})
	case n > entity.MaxPromptLength:
		errs = append(errs, FieldError{Field: "prompt", Message: MsgPromptTooLong})
	}

	if !entity.Style(in.Style).IsValid() {
		errs = append(errs, FieldError{Field: "style", Message: MsgInvalidStyle})
	}

	if strings.TrimSpace(in.ImageURL) == "" {
		errs = append(errs, FieldError{Field: "image", Message: MsgImageRequired})
	}

	if len(errs) == 0 {
		return nil
	}
	return apperrors.Validation(errs[0].Message).WithError(errs)
}
