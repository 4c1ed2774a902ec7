// Package repository 定义数据访问层接口
package repository

import (
	"context"

	"style-studio-api/internal/domain/entity"
)

// UserRepository 用户仓储接口
type UserRepository interface {
	// Create 创建用户，邮箱重复时返回 ErrDuplicate
	Create(ctx context.Context, user *entity.User) error

	// GetByID 根据 ID 获取用户，不存在时返回 nil, nil
	GetByID(ctx context.Context, id string) (*entity.User, error)

	// GetByEmail 根据邮箱获取用户，不存在时返回 nil, nil
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
}
