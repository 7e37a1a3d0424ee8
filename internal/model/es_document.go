package model

import "time"

// FileDocument 定义了文件记录在 Elasticsearch 中的投影文档结构。
// 文档 ID 即 file_id，重复投递同一事件只会覆盖同一个文档。
type FileDocument struct {
	FileID          string    `json:"file_id"`
	Filename        string    `json:"filename"`
	Size            int64     `json:"size"`
	ContentType     string    `json:"content_type"`
	UserFingerprint string    `json:"user_fingerprint,omitempty"`
	Shared          bool      `json:"shared"`
	Source          string    `json:"source"`
	UploadedAt      time.Time `json:"uploaded_at"`
}

// SearchHit 是一条搜索结果，Score 为 ES 的相关度得分。
type SearchHit struct {
	FileDocument
	Score float64 `json:"score"`
}
