package service

import (
	"context"
	"regexp"
	"strings"

	"tgstate-go/internal/model"
	"tgstate-go/internal/repository"
	"tgstate-go/pkg/es"
	"tgstate-go/pkg/log"
)

// FileSearcher 是文件名检索的后端，实现见 pkg/es。
type FileSearcher interface {
	SearchFiles(ctx context.Context, q es.FileQuery) ([]model.SearchHit, int64, error)
}

// SearchService 接口定义了文件名搜索操作。
type SearchService interface {
	Search(ctx context.Context, query, fingerprint string, page, pageSize int) (*FilePage, error)
}

type searchService struct {
	searcher    FileSearcher
	records     repository.RecordRepository
	maxPageSize int
}

// NewSearchService 创建一个新的 SearchService 实例。searcher 为 nil 时搜索不可用。
func NewSearchService(searcher FileSearcher, records repository.RecordRepository, maxPageSize int) SearchService {
	return &searchService{searcher: searcher, records: records, maxPageSize: maxPageSize}
}

// Search 按文件名搜索。未提供指纹时只搜索公开分享的文件。
// 先做分词匹配，没有命中时再用通配符兜底一次。
func (s *searchService) Search(ctx context.Context, query, fingerprint string, page, pageSize int) (*FilePage, error) {
	if s.searcher == nil {
		return nil, ErrSearchDisabled
	}
	normalized := normalizeQuery(query)
	if normalized == "" {
		return nil, invalidf("缺少搜索关键词")
	}
	if err := validatePage(page, pageSize, s.maxPageSize); err != nil {
		return nil, err
	}

	q := es.FileQuery{
		Text:        normalized,
		Fingerprint: strings.TrimSpace(fingerprint),
		From:        (page - 1) * pageSize,
		Size:        pageSize,
	}
	hits, total, err := s.searcher.SearchFiles(ctx, q)
	if err != nil {
		log.Errorf("[SearchService] 搜索失败, query: '%s', error: %v", normalized, err)
		return nil, err
	}
	if total == 0 {
		q.Wildcard = true
		log.Debugf("[SearchService] 分词匹配无结果，使用通配符重试: '%s'", normalized)
		if hits, total, err = s.searcher.SearchFiles(ctx, q); err != nil {
			return nil, err
		}
	}

	return s.assemble(ctx, hits, page, pageSize, total)
}

// assemble 以数据库中的记录为准组装结果，索引中存在但数据库中没有的文档会被跳过。
func (s *searchService) assemble(ctx context.Context, hits []model.SearchHit, page, pageSize int, total int64) (*FilePage, error) {
	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.FileID)
	}
	records, err := s.records.FindByFileIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]model.FileRecord, len(records))
	for _, r := range records {
		byID[r.FileID] = r
	}

	files := make([]FileView, 0, len(hits))
	for _, hit := range hits {
		r, ok := byID[hit.FileID]
		if !ok {
			log.Warnf("[SearchService] 索引中的文件在数据库中不存在, fileID: %s", hit.FileID)
			continue
		}
		files = append(files, toFileView(r))
	}
	return &FilePage{Files: files, Pagination: newPagination(page, pageSize, total)}, nil
}

var (
	queryStrip = regexp.MustCompile(`[^\p{Han}\p{L}\p{N}._\-\s]+`)
	querySpace = regexp.MustCompile(`\s+`)
)

// normalizeQuery 去掉文件名中不会出现的符号并归一空白。
func normalizeQuery(q string) string {
	kept := queryStrip.ReplaceAllString(strings.ToLower(q), " ")
	return strings.TrimSpace(querySpace.ReplaceAllString(kept, " "))
}
