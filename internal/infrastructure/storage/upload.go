// Package storage 提供上传图片的本地文件存储
package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"style-studio-api/internal/config"
	apperrors "style-studio-api/pkg/errors"
	"style-studio-api/pkg/logger"
	"style-studio-api/pkg/metrics"
)

// DefaultMaxUploadSize 默认单文件上限 10MiB
const DefaultMaxUploadSize int64 = 10 << 20

// 上传被拒绝时返回给调用方的原文
const (
	MsgUnsupportedType = "Only JPEG and PNG images are allowed"
	MsgFileTooLarge    = "Image file too large"
)

// sniffLen http.DetectContentType 最多读取的字节数
const sniffLen = 512

var allowedTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
}

// UploadStore 将图片写入本地目录并以 URL 前缀对外暴露
type UploadStore struct {
	dir     string
	prefix  string
	maxSize int64
}

// NewUploadStore 创建上传存储，目录不存在时创建
func NewUploadStore(cfg *config.StorageConfig) (*UploadStore, error) {
	dir := cfg.UploadDir
	if dir == "" {
		dir = "uploads"
	}
	prefix := "/" + strings.Trim(cfg.PublicPrefix, "/")
	if prefix == "/" {
		prefix = "/uploads"
	}
	maxSize := cfg.MaxUploadSize
	if maxSize <= 0 {
		maxSize = DefaultMaxUploadSize
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload dir: %w", err)
	}

	return &UploadStore{dir: dir, prefix: prefix, maxSize: maxSize}, nil
}

// Dir 返回存储目录
func (s *UploadStore) Dir() string {
	return s.dir
}

// Prefix 返回对外 URL 前缀
func (s *UploadStore) Prefix() string {
	return s.prefix
}

// MaxSize 返回单文件上限
func (s *UploadStore) MaxSize() int64 {
	return s.maxSize
}

// Save 校验内容类型与大小后落盘，返回可公开访问的 URL
func (s *UploadStore) Save(ctx context.Context, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	br := bufio.NewReaderSize(r, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return "", apperrors.Wrap(err, apperrors.CodeStorageError, "failed to read upload")
	}
	if len(head) == 0 {
		return "", apperrors.New(apperrors.CodeUploadRejected, MsgUnsupportedType)
	}

	ext, ok := allowedTypes[http.DetectContentType(head)]
	if !ok {
		return "", apperrors.New(apperrors.CodeUploadRejected, MsgUnsupportedType)
	}

	name := uuid.NewString() + ext
	tmp, err := os.CreateTemp(s.dir, ".upload-*")
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeStorageError, "failed to store upload")
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, io.LimitReader(br, s.maxSize+1))
	closeErr := tmp.Close()
	if err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeStorageError, "failed to store upload")
	}
	if closeErr != nil {
		return "", apperrors.Wrap(closeErr, apperrors.CodeStorageError, "failed to store upload")
	}
	if n > s.maxSize {
		return "", apperrors.New(apperrors.CodeUploadRejected, MsgFileTooLarge)
	}

	if err := os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return "", apperrors.Wrap(err, apperrors.CodeStorageError, "failed to store upload")
	}

	metrics.UploadBytes.Observe(float64(n))
	logger.Debug(ctx, "upload stored", "file", name, "bytes", n)
	return path.Join(s.prefix, name), nil
}

// Remove 按 URL 删除已保存的文件，文件不存在视为成功
func (s *UploadStore) Remove(ctx context.Context, url string) error {
	name, ok := strings.CutPrefix(url, s.prefix+"/")
	if !ok || name == "" || name != filepath.Base(name) {
		return fmt.Errorf("not an upload url: %q", url)
	}

	err := os.Remove(filepath.Join(s.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Warn(ctx, "failed to remove upload", "file", name, "error", err.Error())
		return err
	}
	return nil
}
