// Package studioclient 提供 style-studio HTTP API 的客户端
package studioclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"style-studio-api/internal/application/attempt"
	"style-studio-api/internal/config"
	"style-studio-api/internal/domain/entity"
	"style-studio-api/internal/interfaces/http/dto"
	apperrors "style-studio-api/pkg/errors"
	"style-studio-api/pkg/tracer"
)

// maxErrorBody 读取错误响应体的上限
const maxErrorBody = 64 << 10

// Client API 客户端，Create 实现 attempt.Gateway
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

var _ attempt.Gateway = (*Client)(nil)

// NewClient 创建客户端
func NewClient(cfg *config.ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return NewClientWithHTTP(cfg.BaseURL, &http.Client{Timeout: timeout})
}

// NewClientWithHTTP 使用自定义 http.Client 创建客户端
func NewClientWithHTTP(baseURL string, hc *http.Client) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: hc,
	}
}

// SetToken 设置访问令牌
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Token 返回当前访问令牌
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Signup 注册并保存令牌
func (c *Client) Signup(ctx context.Context, email, password string) (*dto.AuthResponse, error) {
	return c.authenticate(ctx, "/v1/auth/signup", email, password)
}

// Login 登录并保存令牌
func (c *Client) Login(ctx context.Context, email, password string) (*dto.AuthResponse, error) {
	return c.authenticate(ctx, "/v1/auth/login", email, password)
}

func (c *Client) authenticate(ctx context.Context, path, email, password string) (*dto.AuthResponse, error) {
	body, err := json.Marshal(map[string]string{"email": email, "password": password})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal auth request: %w", err)
	}

	var resp dto.AuthResponse
	if err := c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.AccessToken)
	return &resp, nil
}

// Create 上传 ImageRef 指向的本地图片并提交一次生成
func (c *Client) Create(ctx context.Context, req attempt.Request) (*entity.Generation, error) {
	ctx, span := tracer.Start(ctx, "studioclient.Create",
		trace.WithAttributes(attribute.String("generation.style", req.Style)))
	defer span.End()

	body, contentType, err := multipartBody(req)
	if err != nil {
		tracer.Fail(span, err)
		return nil, err
	}

	var resp dto.GenerationResponse
	if err := c.do(ctx, http.MethodPost, "/v1/generations", contentType, body, &resp); err != nil {
		tracer.Fail(span, err)
		return nil, err
	}
	return resp.ToEntity()
}

// ListRecent 获取最近的生成记录，limit <= 0 时使用服务端默认值
func (c *Client) ListRecent(ctx context.Context, limit int) ([]*entity.Generation, error) {
	path := "/v1/generations"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}

	var resp []*dto.GenerationResponse
	if err := c.do(ctx, http.MethodGet, path, "", nil, &resp); err != nil {
		return nil, err
	}

	out := make([]*entity.Generation, 0, len(resp))
	for _, r := range resp {
		g, err := r.ToEntity()
		if err != nil {
			return nil, fmt.Errorf("failed to decode generation: %w", err)
		}
		out = append(out, g)
	}
	return out, nil
}

func multipartBody(req attempt.Request) (io.Reader, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if req.ImageRef != "" {
		f, err := os.Open(req.ImageRef)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open image: %w", err)
		}
		defer f.Close()

		fw, err := mw.CreateFormFile("image", filepath.Base(req.ImageRef))
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(fw, f); err != nil {
			return nil, "", fmt.Errorf("failed to read image: %w", err)
		}
	}

	if err := mw.WriteField("prompt", req.Prompt); err != nil {
		return nil, "", err
	}
	if err := mw.WriteField("style", req.Style); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

// do 发送请求并将信封中的 data 解码到 out；非 2xx 响应转换为 AppError
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	if c.baseURL == "" {
		return fmt.Errorf("studio base url is empty")
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if token := c.Token(); token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("request %s %s failed: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return decodeError(httpResp)
	}

	envelope := dto.Response[json.RawMessage]{}
	if err := json.NewDecoder(httpResp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

// decodeError 按 error.error_code 还原错误码，缺失时按状态码反推
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body dto.ErrorResponse
	_ = json.Unmarshal(raw, &body)

	code := apperrors.CodeFromHTTPStatus(resp.StatusCode)
	if body.Error != nil && body.Error.ErrorCode != "" {
		code = apperrors.ErrorCode(body.Error.ErrorCode)
	}

	message := body.Message
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	appErr := &apperrors.AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: resp.StatusCode,
	}
	if body.Error != nil {
		appErr.Detail = body.Error.Details
	}
	return appErr
}
