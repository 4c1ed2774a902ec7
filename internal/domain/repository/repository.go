// Package repository 定义数据访问层接口
package repository

import (
	"context"
	"errors"
)

// ErrDuplicate 唯一约束冲突
var ErrDuplicate = errors.New("duplicate record")

// TxKey 事务上下文键类型
type TxKey struct{}

// Transactor 事务管理接口
type Transactor interface {
	// WithTransaction 在事务中执行操作
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Limit 列表条数约束
type Limit struct {
	Default int
	Max     int
}

// Clamp 将请求的条数规范到 [1, Max]，非正数取 Default
func (l Limit) Clamp(n int) int {
	if n <= 0 {
		n = l.Default
	}
	if l.Max > 0 && n > l.Max {
		n = l.Max
	}
	if n < 1 {
		n = 1
	}
	return n
}
