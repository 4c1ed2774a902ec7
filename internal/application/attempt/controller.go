package attempt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"style-studio-api/internal/domain/entity"
	"style-studio-api/pkg/logger"
	"style-studio-api/pkg/metrics"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

var (
	// ErrSubmissionInProgress 同一控制器上已有未结束的提交
	ErrSubmissionInProgress = errors.New("submission in progress")
	// ErrAborted 提交被调用方取消，不视为失败
	ErrAborted = errors.New("generation aborted")
	// ErrExhausted 过载重试次数用尽
	ErrExhausted = errors.New("model is currently overloaded")
)

// Request 一次生成提交的输入，ImageRef 由具体 Gateway 解释
type Request struct {
	ImageRef string
	Prompt   string
	Style    string
}

// Gateway 单次尝试的调用端口
type Gateway interface {
	Create(ctx context.Context, req Request) (*entity.Generation, error)
}

// GatewayFunc 函数形式的 Gateway
type GatewayFunc func(ctx context.Context, req Request) (*entity.Generation, error)

// Create 实现 Gateway
func (f GatewayFunc) Create(ctx context.Context, req Request) (*entity.Generation, error) {
	return f(ctx, req)
}

// Option 控制器选项
type Option func(*Controller)

// WithClock 替换退避时钟
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithBaseDelay 设置退避基数，第 n 次重试前等待 base*n
func WithBaseDelay(d time.Duration) Option {
	return func(c *Controller) { c.baseDelay = d }
}

// Controller 驱动 尝试 -> 重试 -> 终态 的提交控制器
// 同一时刻只接受一个提交
type Controller struct {
	gw        Gateway
	clock     Clock
	baseDelay time.Duration

	mu     sync.Mutex
	busy   bool
	cancel context.CancelFunc
}

// NewController 创建控制器
func NewController(gw Gateway, opts ...Option) *Controller {
	c := &Controller{
		gw:        gw,
		clock:     RealClock{},
		baseDelay: DefaultBaseDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Cancel 取消当前提交，没有进行中的提交时返回 false
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// Busy 是否有进行中的提交
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Submit 提交一次生成，maxRetries <= 0 时使用 DefaultMaxRetries
// onState 在每次状态变化后收到快照，可为 nil
//
// 返回值：成功时为产物；取消为 ErrAborted；过载用尽为 ErrExhausted；
// 其它不可重试错误原样返回
func (c *Controller) Submit(ctx context.Context, req Request, maxRetries int, onState func(State)) (*entity.Generation, error) {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	subCtx, cancel, err := c.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer c.end(cancel)

	subCtx = logger.WithContext(subCtx, logger.SubmissionIDKey, uuid.NewString())

	s := State{Phase: PhaseIdle, MaxRetries: maxRetries}
	emit := func(e Event) {
		s = Transition(s, e)
		if onState != nil {
			onState(s)
		}
	}
	abort := func() (*entity.Generation, error) {
		emit(Event{Kind: EventCancelled})
		metrics.AttemptTotal.WithLabelValues("aborted").Inc()
		logger.Info(subCtx, "generation submission aborted", "retry_count", s.RetryCount)
		return nil, ErrAborted
	}

	for {
		if subCtx.Err() != nil {
			return abort()
		}

		emit(Event{Kind: EventStart})
		gen, err := c.attempt(subCtx, req)
		if err == nil {
			emit(Event{Kind: EventSucceeded})
			metrics.AttemptTotal.WithLabelValues("succeeded").Inc()
			logger.Info(subCtx, "generation submission succeeded", "generation_id", gen.ID, "retry_count", s.RetryCount)
			return gen, nil
		}

		// 提交已被取消时，无论底层返回什么都按取消处理
		if subCtx.Err() != nil {
			return abort()
		}

		switch kind := Classify(err); kind {
		case KindCancelled:
			return abort()

		case KindOverloaded:
			emit(Event{Kind: EventOverloaded})
			if s.Phase == PhaseExhausted {
				metrics.AttemptTotal.WithLabelValues("exhausted").Inc()
				logger.Warn(subCtx, "generation retries exhausted", "retry_count", s.RetryCount)
				return nil, ErrExhausted
			}
			metrics.AttemptTotal.WithLabelValues("retried").Inc()
			delay := c.baseDelay * time.Duration(s.RetryCount)
			logger.Info(subCtx, "model overloaded, backing off", "retry_count", s.RetryCount, "delay", delay.String())
			if err := c.clock.Sleep(subCtx, delay); err != nil {
				return abort()
			}

		default:
			emit(Event{Kind: EventFailed, Message: messageOf(err)})
			metrics.AttemptTotal.WithLabelValues("failed").Inc()
			logger.Warn(subCtx, "generation submission failed", "kind", kind.String(), "error", err.Error())
			return nil, err
		}
	}
}

// attempt 在独立的子 context 中执行一次调用，返回前释放
func (c *Controller) attempt(ctx context.Context, req Request) (*entity.Generation, error) {
	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	return c.gw.Create(attemptCtx, req)
}

func (c *Controller) begin(ctx context.Context) (context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return nil, nil, ErrSubmissionInProgress
	}
	subCtx, cancel := context.WithCancel(ctx)
	c.busy = true
	c.cancel = cancel
	return subCtx, cancel, nil
}

// end 终态时丢弃取消令牌
func (c *Controller) end(cancel context.CancelFunc) {
	cancel()
	c.mu.Lock()
	c.busy = false
	c.cancel = nil
	c.mu.Unlock()
}
