package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"tgstate-go/internal/config"
	"tgstate-go/pkg/log"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// NewMinIOClient 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOClient(ctx context.Context, cfg config.MinIOConfig) (*minio.Client, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("MinIO 客户端初始化成功")

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("存储桶 '%s' 创建成功", cfg.BucketName)
	} else {
		log.Infof("存储桶 '%s' 已存在", cfg.BucketName)
	}
	return client, nil
}

// MinIOObjectStore 是基于 MinIO 的持久对象存储。
type MinIOObjectStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOObjectStore 创建一个 MinIOObjectStore。
func NewMinIOObjectStore(client *minio.Client, bucket string) *MinIOObjectStore {
	return &MinIOObjectStore{client: client, bucket: bucket}
}

// PutObject 以流的方式写入对象。
func (s *MinIOObjectStore) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	info, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return 0, mapMinIOErr(err)
	}
	return info.Size, nil
}

// PresignedGetURL 生成预签名下载链接，附带原始文件名。
func (s *MinIOObjectStore) PresignedGetURL(ctx context.Context, key, fileName string, expiry time.Duration) (string, error) {
	params := url.Values{}
	if fileName != "" {
		params.Set("response-content-disposition",
			fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", fileName, url.PathEscape(fileName)))
	}
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, params)
	if err != nil {
		log.Errorf("Error generating presigned URL: %s", err)
		return "", err
	}
	return u.String(), nil
}

// RemoveObject 删除对象。
func (s *MinIOObjectStore) RemoveObject(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}

func mapMinIOErr(err error) error {
	if minio.ToErrorResponse(err).Code == "XMinioStorageFull" {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return err
}
