package service

import (
	"context"
	"errors"
	"time"

	"tgstate-go/internal/model"
	"tgstate-go/internal/repository"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/storage"
)

// ShortLinkPage 是一页短链记录，管理接口使用。
type ShortLinkPage struct {
	Links      []model.ShortLink `json:"links"`
	Pagination Pagination        `json:"pagination"`
}

// FileService 提供下载跳转、短链解析与管理列表。
type FileService interface {
	// DownloadURL 按 fileId 或文件名找到文件，返回带有效期的下载链接。
	DownloadURL(ctx context.Context, idOrName string) (string, error)
	// ResolveShortLink 解析短链码并累计访问次数，返回 fileId。
	ResolveShortLink(ctx context.Context, code string) (string, error)
	ListFiles(ctx context.Context, page, pageSize int) (*FilePage, error)
	ListShortLinks(ctx context.Context, page, pageSize int) (*ShortLinkPage, error)
}

type fileService struct {
	records       repository.RecordRepository
	shortLinks    repository.ShortLinkRepository
	objects       storage.ObjectStore
	presignExpiry time.Duration
	maxPageSize   int
}

// NewFileService 创建一个新的 FileService 实例。
func NewFileService(records repository.RecordRepository, shortLinks repository.ShortLinkRepository, objects storage.ObjectStore, presignExpiry time.Duration, maxPageSize int) FileService {
	if presignExpiry <= 0 {
		presignExpiry = time.Hour
	}
	return &fileService{
		records:       records,
		shortLinks:    shortLinks,
		objects:       objects,
		presignExpiry: presignExpiry,
		maxPageSize:   maxPageSize,
	}
}

func (s *fileService) DownloadURL(ctx context.Context, idOrName string) (string, error) {
	if idOrName == "" {
		return "", invalidf("缺少文件 ID")
	}
	record, err := s.records.FindByIDOrName(ctx, idOrName)
	if err != nil {
		if errors.Is(err, repository.ErrRecordNotFound) {
			return "", ErrFileNotFound
		}
		return "", err
	}
	url, err := s.objects.PresignedGetURL(ctx, record.ObjectKey, record.Filename, s.presignExpiry)
	if err != nil {
		log.Errorf("[DownloadURL] 生成下载链接失败, fileID: %s, error: %v", record.FileID, err)
		return "", mapStoreErr(err)
	}
	return url, nil
}

func (s *fileService) ResolveShortLink(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", invalidf("缺少短链码")
	}
	link, err := s.shortLinks.Resolve(ctx, code)
	if err != nil {
		if errors.Is(err, repository.ErrShortLinkNotFound) {
			return "", ErrFileNotFound
		}
		return "", err
	}
	return link.FileID, nil
}

func (s *fileService) ListFiles(ctx context.Context, page, pageSize int) (*FilePage, error) {
	if err := validatePage(page, pageSize, s.maxPageSize); err != nil {
		return nil, err
	}
	records, total, err := s.records.List(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	return toFilePage(records, page, pageSize, total), nil
}

func (s *fileService) ListShortLinks(ctx context.Context, page, pageSize int) (*ShortLinkPage, error) {
	if err := validatePage(page, pageSize, s.maxPageSize); err != nil {
		return nil, err
	}
	links, total, err := s.shortLinks.List(ctx, page, pageSize)
	if err != nil {
		return nil, err
	}
	if links == nil {
		links = []model.ShortLink{}
	}
	return &ShortLinkPage{Links: links, Pagination: newPagination(page, pageSize, total)}, nil
}
