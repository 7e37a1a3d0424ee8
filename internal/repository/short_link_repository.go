package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"tgstate-go/internal/model"
)

// ErrShortLinkNotFound 表示短链码不存在。
var ErrShortLinkNotFound = errors.New("short link not found")

// ShortLinkRepository 定义了短链的持久化操作。
type ShortLinkRepository interface {
	Create(ctx context.Context, link *model.ShortLink) error
	Exists(ctx context.Context, code string) (bool, error)
	FindByFileID(ctx context.Context, fileID string) (*model.ShortLink, error)
	// Resolve 查找短链并把访问次数加一。
	Resolve(ctx context.Context, code string) (*model.ShortLink, error)
	List(ctx context.Context, page, pageSize int) ([]model.ShortLink, int64, error)
}

type shortLinkRepository struct {
	db *gorm.DB
}

// NewShortLinkRepository 创建一个新的 ShortLinkRepository 实例。
func NewShortLinkRepository(db *gorm.DB) ShortLinkRepository {
	return &shortLinkRepository{db: db}
}

func (r *shortLinkRepository) Create(ctx context.Context, link *model.ShortLink) error {
	return r.db.WithContext(ctx).Create(link).Error
}

func (r *shortLinkRepository) Exists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.ShortLink{}).Where("short_code = ?", code).Count(&count).Error
	return count > 0, err
}

func (r *shortLinkRepository) FindByFileID(ctx context.Context, fileID string) (*model.ShortLink, error) {
	var link model.ShortLink
	err := r.db.WithContext(ctx).Where("file_id = ?", fileID).First(&link).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrShortLinkNotFound
		}
		return nil, err
	}
	return &link, nil
}

// Resolve 在事务中自增访问次数并读回最新的短链记录。
func (r *shortLinkRepository) Resolve(ctx context.Context, code string) (*model.ShortLink, error) {
	var link model.ShortLink
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.ShortLink{}).Where("short_code = ?", code).
			UpdateColumn("access_count", gorm.Expr("access_count + ?", 1))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrShortLinkNotFound
		}
		return tx.Where("short_code = ?", code).First(&link).Error
	})
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *shortLinkRepository) List(ctx context.Context, page, pageSize int) ([]model.ShortLink, int64, error) {
	var (
		links []model.ShortLink
		total int64
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&model.ShortLink{}).Count(&total).Error; err != nil {
			return err
		}
		return tx.Order("created_at DESC").Order("id DESC").
			Offset((page - 1) * pageSize).Limit(pageSize).
			Find(&links).Error
	})
	if err != nil {
		return nil, 0, err
	}
	return links, total, nil
}
