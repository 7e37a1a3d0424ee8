package model

import "time"

// 文件记录来源
const (
	SourceSingle = "single"
	SourceMerge  = "merge"
)

// FileRecord 定义了 file_records 表的 ORM 模型。
// 每条记录对应一次完成的上传（单次上传或分片合并），创建后不再修改。
type FileRecord struct {
	ID              uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	FileID          string    `gorm:"type:varchar(64);not null;uniqueIndex" json:"fileId"`
	Filename        string    `gorm:"type:varchar(255);not null;index" json:"filename"`
	ObjectKey       string    `gorm:"type:varchar(512);not null" json:"-"`
	Size            int64     `gorm:"not null" json:"size"`
	ContentType     string    `gorm:"type:varchar(128)" json:"contentType"`
	IP              string    `gorm:"type:varchar(64);not null" json:"ip"`
	UserFingerprint *string   `gorm:"type:varchar(128);index:idx_fingerprint_time,priority:1" json:"userFingerprint,omitempty"`
	Shared          bool      `gorm:"not null;default:false;index:idx_shared_time,priority:1" json:"shared"`
	Source          string    `gorm:"type:varchar(16);not null" json:"source"`
	// UploadID 是分片合并产生的记录对应的会话，单次上传为空。一个会话最多对应一条记录。
	UploadID *string `gorm:"type:varchar(128);uniqueIndex" json:"-"`
	Time            time.Time `gorm:"column:time;not null;index:idx_fingerprint_time,priority:2;index:idx_shared_time,priority:2" json:"time"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (FileRecord) TableName() string {
	return "file_records"
}

// Fingerprint 返回指纹，匿名上传返回空字符串。
func (r *FileRecord) Fingerprint() string {
	if r.UserFingerprint == nil {
		return ""
	}
	return *r.UserFingerprint
}
