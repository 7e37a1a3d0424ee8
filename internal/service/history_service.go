package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tgstate-go/internal/model"
	"tgstate-go/internal/repository"
)

// Pagination 是分页信息，HasMore == page*pageSize < total。
type Pagination struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
	HasMore  bool  `json:"hasMore"`
}

// FileView 是列表接口中的一条文件记录。
type FileView struct {
	FileID          string          `json:"fileId"`
	Filename        string          `json:"filename"`
	IP              string          `json:"ip"`
	Time            model.LocalTime `json:"time"`
	UserFingerprint *string         `json:"userFingerprint,omitempty"`
	Shared          bool            `json:"shared"`
	Size            int64           `json:"size"`
	ContentType     string          `json:"contentType,omitempty"`
	URL             string          `json:"url"`
}

// FilePage 是一页文件记录。
type FilePage struct {
	Files      []FileView `json:"files"`
	Pagination Pagination `json:"pagination"`
}

// HistoryService 提供上传历史与广场的分页查询。
type HistoryService interface {
	History(ctx context.Context, fingerprint string, page, pageSize int) (*FilePage, error)
	Plaza(ctx context.Context, page, pageSize int) (*FilePage, error)
}

type historyService struct {
	records     repository.RecordRepository
	maxPageSize int
}

// NewHistoryService 创建一个新的 HistoryService 实例。
func NewHistoryService(records repository.RecordRepository, maxPageSize int) HistoryService {
	return &historyService{records: records, maxPageSize: maxPageSize}
}

// validatePage 校验 page >= 1 且 1 <= pageSize <= maxPageSize。
func validatePage(page, pageSize, maxPageSize int) error {
	if page < 1 {
		return fmt.Errorf("%w: page 必须大于等于 1", ErrInvalidPagination)
	}
	if pageSize < 1 || (maxPageSize > 0 && pageSize > maxPageSize) {
		return fmt.Errorf("%w: pageSize 必须在 1 到 %d 之间", ErrInvalidPagination, maxPageSize)
	}
	return nil
}

func newPagination(page, pageSize int, total int64) Pagination {
	return Pagination{
		Page:     page,
		PageSize: pageSize,
		Total:    total,
		HasMore:  int64(page)*int64(pageSize) < total,
	}
}

func toFileView(r model.FileRecord) FileView {
	return FileView{
		FileID:          r.FileID,
		Filename:        r.Filename,
		IP:              r.IP,
		Time:            model.LocalTime(r.Time.In(time.Local)),
		UserFingerprint: r.UserFingerprint,
		Shared:          r.Shared,
		Size:            r.Size,
		ContentType:     r.ContentType,
		URL:             DownloadPath(r.FileID),
	}
}

func toFilePage(records []model.FileRecord, page, pageSize int, total int64) *FilePage {
	files := make([]FileView, 0, len(records))
	for _, r := range records {
		files = append(files, toFileView(r))
	}
	return &FilePage{Files: files, Pagination: newPagination(page, pageSize, total)}
}

// History 返回某个指纹的上传历史。
func (s *historyService) History(ctx context.Context, fingerprint string, page, pageSize int) (*FilePage, error) {
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return nil, invalidf("缺少 fingerprint 参数")
	}
	if err := validatePage(page, pageSize, s.maxPageSize); err != nil {
		return nil, err
	}
	records, total, err := s.records.QueryByFingerprint(ctx, fingerprint, page, pageSize)
	if err != nil {
		return nil, err
	}
	return toFilePage(records, page, pageSize, total), nil
}

// Plaza 返回所有公开分享的文件。
func (s *historyService) Plaza(ctx context.Context, page, pageSize int) (*FilePage, error) {
	if err := validatePage(page, pageSize, s.maxPageSize); err != nil {
		return nil, err
	}
	records, total, err := s.records.QueryShared(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	return toFilePage(records, page, pageSize, total), nil
}
