package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"style-studio-api/internal/application/generation"
	"style-studio-api/internal/config"
	"style-studio-api/internal/infrastructure/persistence/memory"
	"style-studio-api/internal/infrastructure/storage"
	"style-studio-api/internal/interfaces/http/dto"
	"style-studio-api/internal/interfaces/http/middleware"
	"style-studio-api/pkg/utils"
)

var pngImage = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

type envelope struct {
	Code    int              `json:"code"`
	Message string           `json:"message"`
	Data    json.RawMessage  `json:"data"`
	Error   *dto.ErrorDetail `json:"error"`
}

type testServer struct {
	engine *gin.Engine
	images *storage.UploadStore
	policy *switchPolicy
}

// switchPolicy 可在测试中切换的过载闸门
type switchPolicy struct {
	mu       sync.Mutex
	overload bool
	calls    int
}

func (p *switchPolicy) evaluate(context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.overload
}

func (p *switchPolicy) set(overload bool) {
	p.mu.Lock()
	p.overload = overload
	p.mu.Unlock()
}

func (p *switchPolicy) evaluations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var (
		mu   sync.Mutex
		tick = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	)
	store := memory.NewStore().WithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		tick = tick.Add(time.Second)
		return tick
	})

	images, err := storage.NewUploadStore(&config.StorageConfig{UploadDir: t.TempDir(), MaxUploadSize: 1024})
	require.NoError(t, err)

	policy := &switchPolicy{}
	gw := generation.NewGateway(store.Generations(), generation.PolicyFunc(policy.evaluate), generation.Options{})
	tokens := utils.NewJWTManager("test-secret", "style-studio", time.Hour)

	auth := NewAuthHandler(store.Users(), tokens)
	gen := NewGenerationHandler(gw, images)

	r := gin.New()
	r.POST("/v1/auth/signup", auth.Signup)
	r.POST("/v1/auth/login", auth.Login)
	g := r.Group("/v1/generations", middleware.Auth(tokens))
	g.POST("", gen.Create)
	g.GET("", gen.List)

	return &testServer{engine: r, images: images, policy: policy}
}

func (s *testServer) do(t *testing.T, req *http.Request) (int, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	}
	return w.Code, env
}

func (s *testServer) signup(t *testing.T, email string) string {
	t.Helper()
	code, env := s.do(t, jsonRequest(t, "/v1/auth/signup", map[string]string{"email": email, "password": "secret1"}))
	require.Equal(t, http.StatusCreated, code)

	var auth dto.AuthResponse
	require.NoError(t, json.Unmarshal(env.Data, &auth))
	require.NotEmpty(t, auth.AccessToken)
	return auth.AccessToken
}

func (s *testServer) uploads(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(s.images.Dir())
	require.NoError(t, err)
	return len(entries)
}

func jsonRequest(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func generationRequest(t *testing.T, token, prompt, style string, image []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("prompt", prompt))
	require.NoError(t, mw.WriteField("style", style))
	if image != nil {
		fw, err := mw.CreateFormFile("image", "look.png")
		require.NoError(t, err)
		_, err = fw.Write(image)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/generations", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func listRequest(token, query string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/generations"+query, nil)
	req.Header.Set("Authorization", "Bearer "+token)
	return req
}

func TestSignupAndLogin(t *testing.T) {
	s := newTestServer(t)
	s.signup(t, "Ada@Example.com")

	code, env := s.do(t, jsonRequest(t, "/v1/auth/signup", map[string]string{"email": "ada@example.com", "password": "secret1"}))
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Email already registered", env.Message)

	code, env = s.do(t, jsonRequest(t, "/v1/auth/login", map[string]string{"email": "ADA@example.com", "password": "secret1"}))
	require.Equal(t, http.StatusOK, code)
	var auth dto.AuthResponse
	require.NoError(t, json.Unmarshal(env.Data, &auth))
	assert.Equal(t, "ada@example.com", auth.User.Email)
	assert.Equal(t, "Bearer", auth.TokenType)
	assert.EqualValues(t, 3600, auth.ExpiresIn)

	code, env = s.do(t, jsonRequest(t, "/v1/auth/login", map[string]string{"email": "ada@example.com", "password": "wrong-one"}))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Invalid credentials", env.Message)

	code, env = s.do(t, jsonRequest(t, "/v1/auth/login", map[string]string{"email": "nobody@example.com", "password": "secret1"}))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Invalid credentials", env.Message)
}

func TestSignupValidation(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, jsonRequest(t, "/v1/auth/signup", map[string]string{"email": "nope", "password": "123"}))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, MsgInvalidEmail, env.Message)
	require.NotNil(t, env.Error)
	assert.Equal(t, "4002", env.Error.ErrorCode)
	require.Len(t, env.Error.Fields, 2)
	assert.Equal(t, dto.FieldError{Field: "password", Message: MsgPasswordTooShort}, env.Error.Fields[1])

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/signup", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	code, env = s.do(t, req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, MsgInvalidBody, env.Message)
}

func TestCreateRequiresAuthentication(t *testing.T) {
	s := newTestServer(t)

	code, env := s.do(t, generationRequest(t, "", "a jacket", "casual", pngImage))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Authentication required", env.Message)

	code, env = s.do(t, generationRequest(t, "not-a-jwt", "a jacket", "casual", pngImage))
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, "Invalid or expired token", env.Message)

	assert.Zero(t, s.uploads(t))
}

func TestCreateSucceeds(t *testing.T) {
	s := newTestServer(t)
	token := s.signup(t, "ada@example.com")

	code, env := s.do(t, generationRequest(t, token, "a red jacket", "elegant", pngImage))
	require.Equal(t, http.StatusCreated, code)

	var gen dto.GenerationResponse
	require.NoError(t, json.Unmarshal(env.Data, &gen))
	assert.NotEmpty(t, gen.ID)
	assert.NotEmpty(t, gen.UserID)
	assert.Equal(t, "a red jacket", gen.Prompt)
	assert.Equal(t, "elegant", gen.Style)
	assert.Equal(t, "completed", gen.Status)
	assert.True(t, strings.HasPrefix(gen.ImageURL, "/uploads/"))
	assert.NotEmpty(t, gen.CreatedAt)
	assert.Equal(t, 1, s.uploads(t))
}

func TestCreateOverloadedRemovesUpload(t *testing.T) {
	s := newTestServer(t)
	token := s.signup(t, "ada@example.com")
	s.policy.set(true)

	code, env := s.do(t, generationRequest(t, token, "a red jacket", "casual", pngImage))
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "Model overloaded", env.Message)
	require.NotNil(t, env.Error)
	assert.Equal(t, "4007", env.Error.ErrorCode)
	assert.Zero(t, s.uploads(t))

	code, env = s.do(t, listRequest(token, ""))
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(env.Data))
}

func TestCreateValidation(t *testing.T) {
	s := newTestServer(t)
	token := s.signup(t, "ada@example.com")

	tests := []struct {
		name    string
		prompt  string
		style   string
		image   []byte
		message string
		code    string
	}{
		{"prompt too long", strings.Repeat("x", 501), "casual", pngImage, generation.MsgPromptTooLong, "4002"},
		{"empty prompt", "", "casual", pngImage, generation.MsgPromptRequired, "4002"},
		{"bad style", "a jacket", "gothic", pngImage, generation.MsgInvalidStyle, "4002"},
		{"missing image", "a jacket", "casual", nil, generation.MsgImageRequired, "4002"},
		{"gif upload", "a jacket", "casual", []byte("GIF89a......"), storage.MsgUnsupportedType, "4003"},
		{"oversized upload", "a jacket", "casual", append(append([]byte{}, pngImage...), make([]byte, 2048)...), storage.MsgFileTooLarge, "4003"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, env := s.do(t, generationRequest(t, token, tt.prompt, tt.style, tt.image))
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Equal(t, tt.message, env.Message)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.ErrorCode)
		})
	}

	assert.Zero(t, s.policy.evaluations())
	assert.Zero(t, s.uploads(t))
}

func TestListRecent(t *testing.T) {
	s := newTestServer(t)
	ada := s.signup(t, "ada@example.com")
	bob := s.signup(t, "bob@example.com")

	for _, prompt := range []string{"first", "second", "third"} {
		code, _ := s.do(t, generationRequest(t, ada, prompt, "sporty", pngImage))
		require.Equal(t, http.StatusCreated, code)
	}

	code, env := s.do(t, listRequest(ada, "?limit=2"))
	require.Equal(t, http.StatusOK, code)
	var items []dto.GenerationResponse
	require.NoError(t, json.Unmarshal(env.Data, &items))
	require.Len(t, items, 2)
	assert.Equal(t, "third", items[0].Prompt)
	assert.Equal(t, "second", items[1].Prompt)

	code, env = s.do(t, listRequest(bob, ""))
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(env.Data))

	code, env = s.do(t, listRequest(ada, "?limit=abc"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid limit", env.Message)
}
