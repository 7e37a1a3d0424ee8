// Package model 定义了与数据库表以及缓存结构对应的 Go 结构体。
package model

import "time"

// 上传会话状态
const (
	SessionStatusOpen    = "open"
	SessionStatusMerging = "merging"
)

// UploadSession 描述一个进行中的分片上传会话，保存在 Redis 中。
// ReceivedChunks 只是视图，权威数据是 Redis 中的分片位图。
type UploadSession struct {
	UploadID        string    `json:"uploadId"`
	FileName        string    `json:"fileName"`
	FileSize        int64     `json:"fileSize"`
	UserFingerprint string    `json:"userFingerprint,omitempty"`
	Status          string    `json:"status"`
	ReceivedChunks  []int     `json:"receivedChunks"`
	ReceivedBytes   int64     `json:"receivedBytes"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivityAt  time.Time `json:"lastActivityAt"`
}

// UploadResult 是合并完成后的终态结果，在保留期内用于幂等地回答重复的合并请求。
type UploadResult struct {
	Record    FileRecord `json:"record"`
	ShortCode string     `json:"shortCode,omitempty"`
}
