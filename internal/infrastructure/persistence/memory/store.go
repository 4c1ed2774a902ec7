// Package memory 提供进程内的仓储实现，用于 storage.driver=memory 与测试
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"style-studio-api/internal/domain/entity"
	"style-studio-api/internal/domain/repository"
)

// Store 内存存储，同时实现 GenerationRepository 与 UserRepository
type Store struct {
	mu          sync.RWMutex
	generations map[string][]entity.Generation
	users       map[string]entity.User
	emails      map[string]string
	now         func() time.Time
}

// NewStore 创建内存存储
func NewStore() *Store {
	return &Store{
		generations: make(map[string][]entity.Generation),
		users:       make(map[string]entity.User),
		emails:      make(map[string]string),
		now:         time.Now,
	}
}

// WithClock 替换时间源
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Generations 以生成产物仓储视图暴露
func (s *Store) Generations() repository.GenerationRepository {
	return generationRepo{s}
}

// Users 以用户仓储视图暴露
func (s *Store) Users() repository.UserRepository {
	return userRepo{s}
}

type generationRepo struct{ s *Store }

// Create 原子写入一条产物并回填 ID 与 CreatedAt
func (r generationRepo) Create(ctx context.Context, g *entity.Generation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	row := *g
	row.ID = uuid.NewString()
	row.CreatedAt = r.s.now().UTC()
	if row.Status == "" {
		row.Status = entity.GenerationStatusCompleted
	}
	r.s.generations[row.UserID] = append(r.s.generations[row.UserID], row)

	g.ID = row.ID
	g.CreatedAt = row.CreatedAt
	g.Status = row.Status
	return nil
}

// ListRecentByUser 按 created_at DESC, id DESC 返回拷贝
func (r generationRepo) ListRecentByUser(ctx context.Context, userID string, limit int) ([]*entity.Generation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.s.mu.RLock()
	rows := make([]entity.Generation, len(r.s.generations[userID]))
	copy(rows, r.s.generations[userID])
	r.s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		}
		return rows[i].ID > rows[j].ID
	})

	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	out := make([]*entity.Generation, len(rows))
	for i := range rows {
		out[i] = &rows[i]
	}
	return out, nil
}

// CountByUser 统计用户产物数量
func (r generationRepo) CountByUser(ctx context.Context, userID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	return int64(len(r.s.generations[userID])), nil
}

type userRepo struct{ s *Store }

// Create 创建用户，邮箱唯一
func (r userRepo) Create(ctx context.Context, user *entity.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	email := entity.NormalizeEmail(user.Email)

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.emails[email]; ok {
		return fmt.Errorf("email %s: %w", email, repository.ErrDuplicate)
	}

	row := *user
	row.ID = uuid.NewString()
	row.Email = email
	row.CreatedAt = r.s.now().UTC()
	r.s.users[row.ID] = row
	r.s.emails[email] = row.ID

	user.ID = row.ID
	user.Email = row.Email
	user.CreatedAt = row.CreatedAt
	return nil
}

// GetByID 根据 ID 获取用户
func (r userRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// GetByEmail 根据邮箱获取用户
func (r userRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.emails[entity.NormalizeEmail(email)]
	if !ok {
		return nil, nil
	}
	u := r.s.users[id]
	return &u, nil
}
