package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"tgstate-go/internal/model"
)

var (
	// ErrRecordNotFound 表示文件记录不存在。
	ErrRecordNotFound = errors.New("file record not found")
	// ErrDuplicateUpload 表示同一个上传会话已经有一条记录。
	ErrDuplicateUpload = errors.New("file record already exists for upload")
)

// RecordRepository 是已完成上传的只追加目录。
type RecordRepository interface {
	// Append 追加一条记录。带 UploadID 的记录每个会话只能追加一次，重复时返回 ErrDuplicateUpload。
	Append(ctx context.Context, record *model.FileRecord) error
	// FindByUploadID 查找某个上传会话合并产生的记录。
	FindByUploadID(ctx context.Context, uploadID string) (*model.FileRecord, error)
	// QueryByFingerprint 按时间倒序返回某个指纹的记录和总数。
	QueryByFingerprint(ctx context.Context, fingerprint string, page, pageSize int) ([]model.FileRecord, int64, error)
	// QueryShared 按时间倒序返回所有 shared 的记录（包含匿名上传）和总数。
	QueryShared(ctx context.Context, page, pageSize int) ([]model.FileRecord, int64, error)
	// List 返回全部记录，管理接口使用。
	List(ctx context.Context, page, pageSize int) ([]model.FileRecord, int64, error)
	// FindByIDOrName 按 fileId 查找，找不到时按文件名取最新的一条。
	FindByIDOrName(ctx context.Context, idOrName string) (*model.FileRecord, error)
	// FindByFileIDs 批量查找，搜索结果回查使用。
	FindByFileIDs(ctx context.Context, fileIDs []string) ([]model.FileRecord, error)
}

type recordRepository struct {
	db *gorm.DB
}

// NewRecordRepository 创建一个新的 RecordRepository 实例。
func NewRecordRepository(db *gorm.DB) RecordRepository {
	return &recordRepository{db: db}
}

// Append 在数据库中追加一条文件记录。
func (r *recordRepository) Append(ctx context.Context, record *model.FileRecord) error {
	err := r.db.WithContext(ctx).Create(record).Error
	if err == nil || record.UploadID == nil {
		return err
	}
	// 唯一索引冲突的错误因驱动而异，回查一次确认
	if _, findErr := r.FindByUploadID(ctx, *record.UploadID); findErr == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateUpload, *record.UploadID)
	}
	return err
}

// FindByUploadID 按上传会话查找记录。
func (r *recordRepository) FindByUploadID(ctx context.Context, uploadID string) (*model.FileRecord, error) {
	var record model.FileRecord
	err := r.db.WithContext(ctx).Where("upload_id = ?", uploadID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// page 在同一个事务里读取总数和当前页，保证两者来自同一快照。
// 排序为 time DESC, file_id DESC，同一时刻写入的记录也有确定的顺序。
func (r *recordRepository) page(ctx context.Context, scope func(*gorm.DB) *gorm.DB, page, pageSize int) ([]model.FileRecord, int64, error) {
	var (
		records []model.FileRecord
		total   int64
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := scope(tx.Model(&model.FileRecord{})).Count(&total).Error; err != nil {
			return err
		}
		if total == 0 {
			return nil
		}
		return scope(tx).
			Order("time DESC").Order("file_id DESC").
			Offset((page - 1) * pageSize).Limit(pageSize).
			Find(&records).Error
	})
	if err != nil {
		return nil, 0, err
	}
	if records == nil {
		records = []model.FileRecord{}
	}
	return records, total, nil
}

// QueryByFingerprint 查询某个用户指纹的上传历史。
func (r *recordRepository) QueryByFingerprint(ctx context.Context, fingerprint string, page, pageSize int) ([]model.FileRecord, int64, error) {
	return r.page(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("user_fingerprint = ?", fingerprint)
	}, page, pageSize)
}

// QueryShared 查询广场（所有公开分享的文件）。
func (r *recordRepository) QueryShared(ctx context.Context, page, pageSize int) ([]model.FileRecord, int64, error) {
	return r.page(ctx, func(db *gorm.DB) *gorm.DB {
		return db.Where("shared = ?", true)
	}, page, pageSize)
}

// List 分页列出全部记录。
func (r *recordRepository) List(ctx context.Context, page, pageSize int) ([]model.FileRecord, int64, error) {
	return r.page(ctx, func(db *gorm.DB) *gorm.DB { return db }, page, pageSize)
}

// FindByIDOrName 优先按 fileId 精确匹配，其次按文件名匹配最新的记录。
func (r *recordRepository) FindByIDOrName(ctx context.Context, idOrName string) (*model.FileRecord, error) {
	var record model.FileRecord
	db := r.db.WithContext(ctx)
	err := db.Where("file_id = ?", idOrName).First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = db.Where("filename = ?", idOrName).
			Order("time DESC").Order("file_id DESC").
			First(&record).Error
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRecordNotFound
		}
		return nil, err
	}
	return &record, nil
}

// FindByFileIDs 批量按 fileId 查找记录。
func (r *recordRepository) FindByFileIDs(ctx context.Context, fileIDs []string) ([]model.FileRecord, error) {
	var records []model.FileRecord
	if len(fileIDs) == 0 {
		return records, nil
	}
	err := r.db.WithContext(ctx).Where("file_id IN ?", fileIDs).Find(&records).Error
	return records, err
}
