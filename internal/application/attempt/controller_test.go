package attempt

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"style-studio-api/internal/application/generation"
	"style-studio-api/internal/domain/entity"
	"style-studio-api/internal/infrastructure/persistence/memory"
	apperrors "style-studio-api/pkg/errors"
)

// fakeClock 记录每次退避时长，onSleep 可在等待期间注入动作（如取消）
type fakeClock struct {
	mu      sync.Mutex
	delays  []time.Duration
	onSleep func()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	return ctx.Err()
}

func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

// recorder 收集状态快照
type recorder struct {
	mu     sync.Mutex
	states []State
}

func (r *recorder) On(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *recorder) Last() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.states[len(r.states)-1]
}

func (r *recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, s := range r.states {
		if s.Message != "" {
			out = append(out, s.Message)
		}
	}
	return out
}

// storeGateway 以进程内网关 + 内存存储作为调用端
type storeGateway struct {
	calls atomic.Int32
	gw    *generation.Gateway
	repo  interface {
		CountByUser(ctx context.Context, userID string) (int64, error)
	}
}

func newStoreGateway(policy generation.FailurePolicy) *storeGateway {
	repo := memory.NewStore().Generations()
	return &storeGateway{gw: generation.NewGateway(repo, policy, generation.Options{}), repo: repo}
}

func (g *storeGateway) Create(ctx context.Context, req Request) (*entity.Generation, error) {
	g.calls.Add(1)
	return g.gw.Create(ctx, generation.CreateInput{
		OwnerID:  "owner-1",
		Prompt:   req.Prompt,
		Style:    req.Style,
		ImageURL: req.ImageRef,
	})
}

func (g *storeGateway) Stored(t *testing.T) int64 {
	t.Helper()
	n, err := g.repo.CountByUser(context.Background(), "owner-1")
	require.NoError(t, err)
	return n
}

func validRequest() Request {
	return Request{ImageRef: "/uploads/a.png", Prompt: "linen suit", Style: "formal"}
}

func TestScenarioAExhaustsAfterMaxRetries(t *testing.T) {
	gw := newStoreGateway(generation.AlwaysOverload)
	clock := &fakeClock{}
	rec := &recorder{}
	c := NewController(gw, WithClock(clock), WithBaseDelay(time.Second))

	gen, err := c.Submit(context.Background(), validRequest(), 3, rec.On)

	assert.Nil(t, gen)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.EqualValues(t, 3, gw.calls.Load())
	assert.Zero(t, gw.Stored(t))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, clock.Delays())

	last := rec.Last()
	assert.Equal(t, PhaseExhausted, last.Phase)
	assert.Equal(t, MsgExhausted, last.Message)
	assert.Equal(t, 3, last.RetryCount)
	assert.Equal(t, []string{
		"Model overloaded. Retrying... (1/3)",
		"Model overloaded. Retrying... (1/3)",
		"Model overloaded. Retrying... (2/3)",
		"Model overloaded. Retrying... (2/3)",
		MsgExhausted,
	}, rec.Messages())
}

func TestScenarioBSucceedsOnSecondAttempt(t *testing.T) {
	gw := newStoreGateway(generation.Sequence(true, false))
	clock := &fakeClock{}
	rec := &recorder{}
	c := NewController(gw, WithClock(clock), WithBaseDelay(time.Second))

	gen, err := c.Submit(context.Background(), validRequest(), 3, rec.On)

	require.NoError(t, err)
	require.NotNil(t, gen)
	assert.NotEmpty(t, gen.ID)
	assert.EqualValues(t, 2, gw.calls.Load())
	assert.EqualValues(t, 1, gw.Stored(t))
	assert.Equal(t, []time.Duration{time.Second}, clock.Delays())

	last := rec.Last()
	assert.Equal(t, PhaseSucceeded, last.Phase)
	assert.Equal(t, 1, last.RetryCount)
}

func TestScenarioCCancelDuringBackoff(t *testing.T) {
	gw := newStoreGateway(generation.AlwaysOverload)
	clock := &fakeClock{}
	rec := &recorder{}
	c := NewController(gw, WithClock(clock))
	clock.onSleep = func() { c.Cancel() }

	gen, err := c.Submit(context.Background(), validRequest(), 3, rec.On)

	assert.Nil(t, gen)
	assert.ErrorIs(t, err, ErrAborted)
	assert.EqualValues(t, 1, gw.calls.Load())
	assert.Zero(t, gw.Stored(t))

	last := rec.Last()
	assert.Equal(t, PhaseAborted, last.Phase)
	assert.True(t, last.Cancelled)
	assert.Equal(t, 1, last.RetryCount)
}

func TestScenarioDValidationFailsOnFirstAttempt(t *testing.T) {
	gates := 0
	gw := newStoreGateway(generation.PolicyFunc(func(context.Context) bool {
		gates++
		return false
	}))
	clock := &fakeClock{}
	rec := &recorder{}
	c := NewController(gw, WithClock(clock))

	req := validRequest()
	req.Prompt = strings.Repeat("x", 501)
	_, err := c.Submit(context.Background(), req, 10, rec.On)

	require.Error(t, err)
	assert.Equal(t, KindValidation, Classify(err))
	assert.EqualValues(t, 1, gw.calls.Load())
	assert.Zero(t, gates)
	assert.Zero(t, gw.Stored(t))
	assert.Empty(t, clock.Delays())

	last := rec.Last()
	assert.Equal(t, PhaseFailed, last.Phase)
	assert.Equal(t, "Prompt too long", last.Message)
	assert.Zero(t, last.RetryCount)
}

func TestAuthFailureIsTerminal(t *testing.T) {
	var calls atomic.Int32
	gw := GatewayFunc(func(context.Context, Request) (*entity.Generation, error) {
		calls.Add(1)
		return nil, apperrors.ErrUnauthorized
	})
	rec := &recorder{}
	c := NewController(gw, WithClock(&fakeClock{}))

	_, err := c.Submit(context.Background(), validRequest(), 3, rec.On)

	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, PhaseFailed, rec.Last().Phase)
	assert.Equal(t, "Authentication required", rec.Last().Message)
}

func TestUnknownErrorSurfacesVerbatim(t *testing.T) {
	gw := GatewayFunc(func(context.Context, Request) (*entity.Generation, error) {
		return nil, errors.New("connection reset by peer")
	})
	rec := &recorder{}
	c := NewController(gw, WithClock(&fakeClock{}))

	_, err := c.Submit(context.Background(), validRequest(), 3, rec.On)

	assert.EqualError(t, err, "connection reset by peer")
	assert.Equal(t, PhaseFailed, rec.Last().Phase)
	assert.Equal(t, "connection reset by peer", rec.Last().Message)
}

func TestCancelDuringInFlightAttempt(t *testing.T) {
	entered := make(chan struct{})
	var calls atomic.Int32
	gw := GatewayFunc(func(ctx context.Context, _ Request) (*entity.Generation, error) {
		calls.Add(1)
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	rec := &recorder{}
	c := NewController(gw, WithClock(&fakeClock{}))

	go func() {
		<-entered
		c.Cancel()
	}()

	_, err := c.Submit(context.Background(), validRequest(), 3, rec.On)

	assert.ErrorIs(t, err, ErrAborted)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, PhaseAborted, rec.Last().Phase)
}

func TestCancelledParentNeverCallsGateway(t *testing.T) {
	var calls atomic.Int32
	gw := GatewayFunc(func(context.Context, Request) (*entity.Generation, error) {
		calls.Add(1)
		return &entity.Generation{ID: "x"}, nil
	})
	c := NewController(gw)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Submit(ctx, validRequest(), 3, nil)
	assert.ErrorIs(t, err, ErrAborted)
	assert.Zero(t, calls.Load())
}

func TestStaleAttemptScopeDoesNotLeak(t *testing.T) {
	var (
		mu       sync.Mutex
		contexts []context.Context
	)
	outcomes := []error{apperrors.ErrModelOverloaded, nil}
	gw := GatewayFunc(func(ctx context.Context, _ Request) (*entity.Generation, error) {
		mu.Lock()
		defer mu.Unlock()
		contexts = append(contexts, ctx)
		n := len(contexts)
		if n == 2 {
			// 第二次尝试进行时，第一次尝试的 scope 已释放，而当前 scope 仍然有效
			if contexts[0].Err() == nil || ctx.Err() != nil {
				return nil, errors.New("scope leaked")
			}
		}
		if err := outcomes[n-1]; err != nil {
			return nil, err
		}
		return &entity.Generation{ID: "ok"}, nil
	})
	c := NewController(gw, WithClock(&fakeClock{}))

	gen, err := c.Submit(context.Background(), validRequest(), 3, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", gen.ID)
	assert.Len(t, contexts, 2)
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	gw := GatewayFunc(func(ctx context.Context, _ Request) (*entity.Generation, error) {
		close(entered)
		<-release
		return &entity.Generation{ID: "first"}, nil
	})
	c := NewController(gw)

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), validRequest(), 3, nil)
		done <- err
	}()

	<-entered
	assert.True(t, c.Busy())
	_, err := c.Submit(context.Background(), validRequest(), 3, nil)
	assert.ErrorIs(t, err, ErrSubmissionInProgress)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, c.Busy())
	assert.False(t, c.Cancel())
}

func TestNewSubmissionAfterCancelGetsFreshToken(t *testing.T) {
	var calls atomic.Int32
	gw := GatewayFunc(func(context.Context, Request) (*entity.Generation, error) {
		if calls.Add(1) == 1 {
			return nil, apperrors.ErrModelOverloaded
		}
		return &entity.Generation{ID: "second"}, nil
	})
	clock := &fakeClock{}
	c := NewController(gw, WithClock(clock))
	clock.onSleep = func() { c.Cancel() }

	_, err := c.Submit(context.Background(), validRequest(), 3, nil)
	require.ErrorIs(t, err, ErrAborted)

	clock.onSleep = nil
	gen, err := c.Submit(context.Background(), validRequest(), 3, nil)
	require.NoError(t, err)
	assert.Equal(t, "second", gen.ID)
}

func TestNonPositiveMaxRetriesUsesDefault(t *testing.T) {
	var calls atomic.Int32
	gw := GatewayFunc(func(context.Context, Request) (*entity.Generation, error) {
		calls.Add(1)
		return nil, apperrors.ErrModelOverloaded
	})
	rec := &recorder{}
	c := NewController(gw, WithClock(&fakeClock{}))

	_, err := c.Submit(context.Background(), validRequest(), 0, rec.On)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.EqualValues(t, DefaultMaxRetries, calls.Load())
	assert.Equal(t, DefaultMaxRetries, rec.Last().MaxRetries)
}

func TestRetryCountNeverExceedsMax(t *testing.T) {
	for limit := 1; limit <= 6; limit++ {
		for successAt := 1; successAt <= limit+2; successAt++ {
			var calls atomic.Int32
			gw := GatewayFunc(func(context.Context, Request) (*entity.Generation, error) {
				if int(calls.Add(1)) >= successAt {
					return &entity.Generation{ID: "g"}, nil
				}
				return nil, apperrors.ErrModelOverloaded
			})
			rec := &recorder{}
			c := NewController(gw, WithClock(&fakeClock{}))

			_, _ = c.Submit(context.Background(), validRequest(), limit, rec.On)

			for _, s := range rec.states {
				assert.LessOrEqual(t, s.RetryCount, limit)
			}
			assert.LessOrEqual(t, int(calls.Load()), limit)
		}
	}
}

func TestRealClockSleepIsCancellable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := RealClock{}.Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Minute)

	assert.NoError(t, RealClock{}.Sleep(context.Background(), time.Millisecond))
	assert.NoError(t, RealClock{}.Sleep(context.Background(), 0))
}
