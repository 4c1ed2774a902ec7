// Package entity 定义领域实体
package entity

import (
	"time"
)

// Style 生成风格
type Style string

const (
	StyleCasual  Style = "casual"
	StyleFormal  Style = "formal"
	StyleSporty  Style = "sporty"
	StyleElegant Style = "elegant"
)

// Styles 支持的全部风格，顺序即展示顺序
var Styles = []Style{StyleCasual, StyleFormal, StyleSporty, StyleElegant}

// IsValid 检查风格是否受支持
func (s Style) IsValid() bool {
	switch s {
	case StyleCasual, StyleFormal, StyleSporty, StyleElegant:
		return true
	default:
		return false
	}
}

// MaxPromptLength 提示词最大长度（按字符计）
const MaxPromptLength = 500

// GenerationStatus 生成产物状态
type GenerationStatus string

// GenerationStatusCompleted 产物只在成功时落库，因此只有一种状态
const GenerationStatusCompleted GenerationStatus = "completed"

// Generation 生成产物，创建后不可变
type Generation struct {
	ID        string           `json:"id" gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID    string           `json:"user_id" gorm:"type:uuid;not null;index:idx_generations_user_created,priority:1"`
	Prompt    string           `json:"prompt" gorm:"type:varchar(500);not null"`
	Style     Style            `json:"style" gorm:"type:varchar(16);not null"`
	ImageURL  string           `json:"image_url" gorm:"type:text;not null"`
	Status    GenerationStatus `json:"status" gorm:"type:varchar(16);not null;default:completed"`
	CreatedAt time.Time        `json:"created_at" gorm:"not null;autoCreateTime;index:idx_generations_user_created,priority:2,sort:desc"`
}

// TableName 指定表名
func (Generation) TableName() string {
	return "generations"
}

// NewGeneration 创建待落库的产物，ID 与创建时间由存储分配
func NewGeneration(userID, prompt string, style Style, imageURL string) *Generation {
	return &Generation{
		UserID:   userID,
		Prompt:   prompt,
		Style:    style,
		ImageURL: imageURL,
		Status:   GenerationStatusCompleted,
	}
}
