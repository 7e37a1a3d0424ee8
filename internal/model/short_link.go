package model

import "time"

// ShortLink 对应 short_links 表，把短链码映射到文件 ID。
type ShortLink struct {
	ID          uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ShortCode   string    `gorm:"type:varchar(16);not null;uniqueIndex" json:"shortCode"`
	FileID      string    `gorm:"type:varchar(64);not null;index" json:"fileId"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"createdAt"`
	AccessCount int64     `gorm:"not null;default:0" json:"accessCount"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ShortLink) TableName() string {
	return "short_links"
}
