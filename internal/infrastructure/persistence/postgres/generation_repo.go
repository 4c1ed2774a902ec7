// Package postgres 提供 PostgreSQL Repository 实现
package postgres

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"style-studio-api/internal/domain/entity"
	"style-studio-api/pkg/tracer"
)

// GenerationRepository 生成产物仓储实现
type GenerationRepository struct {
	client *Client
}

// NewGenerationRepository 创建生成产物仓储
func NewGenerationRepository(client *Client) *GenerationRepository {
	return &GenerationRepository{client: client}
}

// Create 单条 INSERT，ID 由数据库生成并通过 RETURNING 回填
func (r *GenerationRepository) Create(ctx context.Context, g *entity.Generation) error {
	ctx, span := tracer.Start(ctx, "postgres.GenerationRepository.Create")
	defer span.End()

	db := getDB(ctx, r.client.db)
	if err := db.Create(g).Error; err != nil {
		tracer.Fail(span, err)
		return fmt.Errorf("failed to create generation: %w", err)
	}
	return nil
}

// ListRecentByUser 获取用户最近的产物
func (r *GenerationRepository) ListRecentByUser(ctx context.Context, userID string, limit int) ([]*entity.Generation, error) {
	ctx, span := tracer.Start(ctx, "postgres.GenerationRepository.ListRecentByUser")
	defer span.End()

	var items []*entity.Generation
	if err := recentByUser(getDB(ctx, r.client.db), userID, limit).Find(&items).Error; err != nil {
		tracer.Fail(span, err)
		return nil, fmt.Errorf("failed to list generations: %w", err)
	}
	return items, nil
}

// CountByUser 统计用户产物数量
func (r *GenerationRepository) CountByUser(ctx context.Context, userID string) (int64, error) {
	ctx, span := tracer.Start(ctx, "postgres.GenerationRepository.CountByUser")
	defer span.End()

	db := getDB(ctx, r.client.db)
	var total int64
	if err := db.Model(&entity.Generation{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		tracer.Fail(span, err)
		return 0, fmt.Errorf("failed to count generations: %w", err)
	}
	return total, nil
}

// recentByUser 构造按用户隔离、时间倒序的查询，id 作为同一时间戳下的稳定次序
func recentByUser(db *gorm.DB, userID string, limit int) *gorm.DB {
	return db.Model(&entity.Generation{}).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit)
}
