package generation

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// DefaultOverloadProbability 默认模拟过载概率
const DefaultOverloadProbability = 0.2

// FailurePolicy 决定一次请求是否被模拟为过载
type FailurePolicy interface {
	ShouldOverload(ctx context.Context) bool
}

// PolicyFunc 函数形式的 FailurePolicy
type PolicyFunc func(ctx context.Context) bool

// ShouldOverload 实现 FailurePolicy
func (f PolicyFunc) ShouldOverload(ctx context.Context) bool {
	return f(ctx)
}

// NeverOverload 从不拒绝
var NeverOverload = PolicyFunc(func(context.Context) bool { return false })

// AlwaysOverload 总是拒绝
var AlwaysOverload = PolicyFunc(func(context.Context) bool { return true })

// ProbabilisticPolicy 以固定概率拒绝，随机源可指定种子复现
type ProbabilisticPolicy struct {
	mu  sync.Mutex
	p   float64
	rng *rand.Rand
}

// NewProbabilisticPolicy 创建概率策略，seed 为 0 时按当前时间取种
func NewProbabilisticPolicy(p float64, seed uint64) *ProbabilisticPolicy {
	if p < 0 {
		p = 0
	}
	if p > 1 {
		p = 1
	}
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &ProbabilisticPolicy{
		p:   p,
		rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// Probability 返回配置的概率
func (pp *ProbabilisticPolicy) Probability() float64 {
	return pp.p
}

// ShouldOverload 实现 FailurePolicy
func (pp *ProbabilisticPolicy) ShouldOverload(context.Context) bool {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.rng.Float64() < pp.p
}

// Sequence 按给定顺序返回结果，用尽后重复最后一个，便于构造确定性场景
func Sequence(outcomes ...bool) FailurePolicy {
	var (
		mu sync.Mutex
		i  int
	)
	return PolicyFunc(func(context.Context) bool {
		mu.Lock()
		defer mu.Unlock()
		if len(outcomes) == 0 {
			return false
		}
		if i >= len(outcomes) {
			return outcomes[len(outcomes)-1]
		}
		v := outcomes[i]
		i++
		return v
	})
}
