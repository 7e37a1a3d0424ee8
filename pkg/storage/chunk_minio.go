package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"tgstate-go/pkg/log"

	"github.com/minio/minio-go/v7"
)

// MinIOChunkStore 把分片存放在 MinIO 的 chunks/<uploadID>/<index> 下，适合多实例部署。
type MinIOChunkStore struct {
	client *minio.Client
	bucket string
}

// NewMinIOChunkStore 创建一个 MinIOChunkStore。
func NewMinIOChunkStore(client *minio.Client, bucket string) *MinIOChunkStore {
	return &MinIOChunkStore{client: client, bucket: bucket}
}

func chunkPrefix(uploadID string) string {
	return fmt.Sprintf("chunks/%s/", uploadID)
}

func chunkObjectName(uploadID string, index int) string {
	return fmt.Sprintf("chunks/%s/%d", uploadID, index)
}

// Put 写入（覆盖）一个分片对象。
func (s *MinIOChunkStore) Put(ctx context.Context, uploadID string, index int, r io.Reader) (int64, error) {
	if index < 0 {
		return 0, fmt.Errorf("invalid chunk index %d", index)
	}
	objectName := chunkObjectName(uploadID, index)
	info, err := s.client.PutObject(ctx, s.bucket, objectName, r, -1, minio.PutObjectOptions{})
	if err != nil {
		log.Errorf("上传分片到MinIO失败, objectName: %s, error: %v", objectName, err)
		return 0, mapMinIOErr(err)
	}
	return info.Size, nil
}

// Open 打开一个分片对象；GetObject 是惰性的，这里用 Stat 提前发现不存在的分片。
func (s *MinIOChunkStore) Open(ctx context.Context, uploadID string, index int) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, chunkObjectName(uploadID, index), minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%s/%d: %w", uploadID, index, ErrChunkMissing)
		}
		return nil, err
	}
	return obj, nil
}

// Purge 列出并删除会话的全部分片对象。
func (s *MinIOChunkStore) Purge(ctx context.Context, uploadID string) error {
	if uploadID == "" {
		return nil
	}
	objectsCh := make(chan minio.ObjectInfo)
	var listErr error
	go func() {
		defer close(objectsCh)
		for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: chunkPrefix(uploadID), Recursive: true}) {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			objectsCh <- obj
		}
	}()

	var errs []error
	for rErr := range s.client.RemoveObjects(ctx, s.bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("删除分片 %s 失败: %w", rErr.ObjectName, rErr.Err))
	}
	if listErr != nil {
		errs = append(errs, listErr)
	}
	return errors.Join(errs...)
}
