package dto

import (
	"time"

	"style-studio-api/internal/domain/entity"
)

// GenerationResponse 生成产物响应
type GenerationResponse struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Prompt    string `json:"prompt"`
	Style     string `json:"style"`
	ImageURL  string `json:"image_url"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// ToGenerationResponse 转换生成产物实体
func ToGenerationResponse(g *entity.Generation) *GenerationResponse {
	if g == nil {
		return nil
	}
	return &GenerationResponse{
		ID:        g.ID,
		UserID:    g.UserID,
		Prompt:    g.Prompt,
		Style:     string(g.Style),
		ImageURL:  g.ImageURL,
		Status:    string(g.Status),
		CreatedAt: g.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// ToGenerationList 转换列表，空列表输出 []
func ToGenerationList(items []*entity.Generation) []*GenerationResponse {
	out := make([]*GenerationResponse, 0, len(items))
	for _, g := range items {
		out = append(out, ToGenerationResponse(g))
	}
	return out
}

// ToEntity 将响应还原为实体（客户端使用）
func (r *GenerationResponse) ToEntity() (*entity.Generation, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &entity.Generation{
		ID:        r.ID,
		UserID:    r.UserID,
		Prompt:    r.Prompt,
		Style:     entity.Style(r.Style),
		ImageURL:  r.ImageURL,
		Status:    entity.GenerationStatus(r.Status),
		CreatedAt: createdAt,
	}, nil
}
