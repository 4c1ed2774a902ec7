package attempt

import (
	"context"
	"time"
)

// Clock 退避等待，等待期间必须响应取消
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock 基于 time.Timer 的实现
type RealClock struct{}

// Sleep 等待 d 或直到 ctx 结束
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
