package service

import (
	"errors"
	"fmt"

	"tgstate-go/pkg/storage"
)

var (
	// ErrInvalidInput 表示请求参数不合法，不会产生任何状态变更。
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidPagination 表示分页参数越界。
	ErrInvalidPagination = fmt.Errorf("%w: invalid pagination", ErrInvalidInput)
	// ErrSessionNotFound 表示上传会话不存在或已过期。
	ErrSessionNotFound = errors.New("upload session not found")
	// ErrAlreadyMerging 表示另一个请求正在合并同一个会话，且等待超时。
	ErrAlreadyMerging = errors.New("upload is already being merged")
	// ErrAlreadyMerged 表示会话已经合并完成，且终态结果已超过保留期。
	ErrAlreadyMerged = errors.New("upload already merged")
	// ErrFileTooLarge 表示文件或分片超过大小上限。
	ErrFileTooLarge = errors.New("file too large")
	// ErrFileNotFound 表示文件记录或短链不存在。
	ErrFileNotFound = errors.New("file not found")
	// ErrDurableStore 表示持久存储暂时不可用，客户端可以重试。
	ErrDurableStore = errors.New("durable store unavailable")
	// ErrSearchDisabled 表示未启用 Elasticsearch。
	ErrSearchDisabled = errors.New("search is disabled")

	// ErrStorageFull 与存储层共用同一个哨兵错误。
	ErrStorageFull = storage.ErrStorageFull
	// ErrChunkMissing 表示合并过程中分片意外丢失。
	ErrChunkMissing = storage.ErrChunkMissing
)

// IncompleteUploadError 表示分片不完整，Missing 为缺失的序号，Unexpected 为超出总数的序号。
type IncompleteUploadError struct {
	Missing    []int
	Unexpected []int
}

func (e *IncompleteUploadError) Error() string {
	if len(e.Unexpected) > 0 {
		return fmt.Sprintf("upload incomplete: missing chunks %v, unexpected chunks %v", e.Missing, e.Unexpected)
	}
	return fmt.Sprintf("upload incomplete: missing chunks %v", e.Missing)
}

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
