package studioclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"style-studio-api/internal/application/attempt"
	"style-studio-api/internal/application/generation"
	"style-studio-api/internal/config"
	"style-studio-api/internal/domain/entity"
	"style-studio-api/internal/infrastructure/persistence/memory"
	"style-studio-api/internal/infrastructure/storage"
	"style-studio-api/internal/interfaces/http/handler"
	"style-studio-api/internal/interfaces/http/router"
	apperrors "style-studio-api/pkg/errors"
	"style-studio-api/pkg/utils"
)

var pngImage = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

// newStudio 启动使用内存存储的完整 API 服务
func newStudio(t *testing.T, policy generation.FailurePolicy) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.App.Env = "test"
	cfg.Storage.PublicPrefix = "/uploads"

	var (
		mu   sync.Mutex
		tick = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	store := memory.NewStore().WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Millisecond)
		return tick
	})
	images, err := storage.NewUploadStore(&config.StorageConfig{UploadDir: t.TempDir()})
	require.NoError(t, err)
	tokens := utils.NewJWTManager("secret", "style-studio", time.Hour)

	r := router.New(cfg, router.Handlers{
		Auth:       handler.NewAuthHandler(store.Users(), tokens),
		Generation: handler.NewGenerationHandler(generation.NewGateway(store.Generations(), policy, generation.Options{}), images),
		Tokens:     tokens,
		UploadDir:  images.Dir(),
	})

	srv := httptest.NewServer(r.Engine())
	t.Cleanup(srv.Close)
	return srv
}

func imageFile(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "look.png")
	require.NoError(t, os.WriteFile(p, pngImage, 0o644))
	return p
}

func signedIn(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c := NewClientWithHTTP(srv.URL, srv.Client())
	_, err := c.Signup(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	require.NotEmpty(t, c.Token())
	return c
}

func TestSignupLoginAndList(t *testing.T) {
	srv := newStudio(t, generation.NeverOverload)
	c := signedIn(t, srv)

	other := NewClientWithHTTP(srv.URL, srv.Client())
	resp, err := other.Login(context.Background(), "ada@example.com", "secret1")
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", resp.User.Email)

	_, err = other.Login(context.Background(), "ada@example.com", "nope-nope")
	assert.Equal(t, attempt.KindAuth, attempt.Classify(err))
	assert.Equal(t, "Invalid credentials", apperrors.AsAppError(err).Message)

	img := imageFile(t)
	for _, prompt := range []string{"one", "two"} {
		_, err := c.Create(context.Background(), attempt.Request{ImageRef: img, Prompt: prompt, Style: "casual"})
		require.NoError(t, err)
	}

	items, err := c.ListRecent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "two", items[0].Prompt)
	assert.Equal(t, entity.StyleCasual, items[0].Style)
	assert.False(t, items[0].CreatedAt.IsZero())

	items, err = c.ListRecent(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestCreateMapsServerErrors(t *testing.T) {
	srv := newStudio(t, generation.AlwaysOverload)
	c := signedIn(t, srv)
	img := imageFile(t)

	_, err := c.Create(context.Background(), attempt.Request{ImageRef: img, Prompt: "jacket", Style: "casual"})
	require.Error(t, err)
	assert.Equal(t, attempt.KindOverloaded, attempt.Classify(err))
	assert.Equal(t, http.StatusServiceUnavailable, apperrors.AsAppError(err).HTTPStatus)

	_, err = c.Create(context.Background(), attempt.Request{ImageRef: img, Prompt: strings.Repeat("x", 501), Style: "casual"})
	assert.Equal(t, attempt.KindValidation, attempt.Classify(err))
	assert.Equal(t, generation.MsgPromptTooLong, apperrors.AsAppError(err).Message)

	anon := NewClientWithHTTP(srv.URL, srv.Client())
	_, err = anon.Create(context.Background(), attempt.Request{ImageRef: img, Prompt: "jacket", Style: "casual"})
	assert.Equal(t, attempt.KindAuth, attempt.Classify(err))
}

func TestCreateWithMissingLocalImage(t *testing.T) {
	c := NewClientWithHTTP("http://127.0.0.1:1", http.DefaultClient)
	_, err := c.Create(context.Background(), attempt.Request{ImageRef: "/does/not/exist.png", Prompt: "x", Style: "casual"})
	require.Error(t, err)
	assert.Equal(t, attempt.KindUnknown, attempt.Classify(err))
}

func TestDecodeErrorWithoutEnvelope(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusServiceUnavailable)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream busy", int(status.Load()))
	}))
	defer srv.Close()

	c := NewClientWithHTTP(srv.URL, srv.Client())
	_, err := c.ListRecent(context.Background(), 5)
	assert.Equal(t, attempt.KindOverloaded, attempt.Classify(err))

	status.Store(http.StatusInternalServerError)
	_, err = c.ListRecent(context.Background(), 5)
	assert.Equal(t, attempt.KindUnknown, attempt.Classify(err))
	assert.Equal(t, "Internal Server Error", apperrors.AsAppError(err).Message)
}

func TestControllerRetriesThroughHTTP(t *testing.T) {
	srv := newStudio(t, generation.Sequence(true, true, false))
	c := signedIn(t, srv)

	ctrl := attempt.NewController(c, attempt.WithBaseDelay(time.Millisecond))

	var states []attempt.State
	gen, err := ctrl.Submit(context.Background(), attempt.Request{ImageRef: imageFile(t), Prompt: "jacket", Style: "formal"}, 3, func(s attempt.State) {
		states = append(states, s)
	})
	require.NoError(t, err)
	assert.Equal(t, "jacket", gen.Prompt)

	last := states[len(states)-1]
	assert.Equal(t, attempt.PhaseSucceeded, last.Phase)
	assert.Equal(t, 2, last.RetryCount)
}

func TestControllerExhaustsThroughHTTP(t *testing.T) {
	srv := newStudio(t, generation.AlwaysOverload)
	c := signedIn(t, srv)

	ctrl := attempt.NewController(c, attempt.WithBaseDelay(time.Millisecond))
	var last attempt.State
	_, err := ctrl.Submit(context.Background(), attempt.Request{ImageRef: imageFile(t), Prompt: "jacket", Style: "formal"}, 2, func(s attempt.State) {
		last = s
	})
	assert.ErrorIs(t, err, attempt.ErrExhausted)
	assert.Equal(t, attempt.PhaseExhausted, last.Phase)
	assert.Equal(t, attempt.MsgExhausted, last.Message)
}

func TestCancelAbortsInFlightRequest(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 读完请求体，服务端才能感知客户端断开
		_, _ = io.Copy(io.Discard, r.Body)
		once.Do(func() { close(started) })
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClientWithHTTP(srv.URL, srv.Client())
	ctrl := attempt.NewController(c)

	go func() {
		<-started
		ctrl.Cancel()
	}()

	_, err := ctrl.Submit(context.Background(), attempt.Request{Prompt: "jacket", Style: "casual"}, 3, nil)
	assert.True(t, errors.Is(err, attempt.ErrAborted))
	assert.False(t, ctrl.Busy())
}
