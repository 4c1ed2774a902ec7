// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"style-studio-api/internal/domain/entity"
)

// GenerationRepository 生成产物仓储接口
type GenerationRepository interface {
	// Create 单行写入，成功后回填 ID 与 CreatedAt
	Create(ctx context.Context, g *entity.Generation) error

	// ListRecentByUser 按 created_at DESC, id DESC 返回用户最近的产物
	ListRecentByUser(ctx context.Context, userID string, limit int) ([]*entity.Generation, error)

	// CountByUser 统计用户产物数量
	CountByUser(ctx context.Context, userID string) (int64, error)
}
