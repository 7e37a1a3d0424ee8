// Package storage 提供分片暂存（Chunk Store）与持久对象存储（MinIO）的实现。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrChunkMissing 表示请求的分片不存在。
	ErrChunkMissing = errors.New("chunk missing")
	// ErrStorageFull 表示底层存储空间不足。
	ErrStorageFull = errors.New("storage full")
	// ErrSequenceClosed 表示分片序列已关闭，不能再读取。
	ErrSequenceClosed = errors.New("chunk sequence closed")
	// ErrTooLarge 表示写入的内容超过了上限，写入被放弃。
	ErrTooLarge = errors.New("content too large")
)

// ChunkStore 暂存上传中的分片，key 为 (uploadID, index)。
// 同一个 key 的重复写入是整体覆盖，最后一次写入生效。
type ChunkStore interface {
	// Put 写入（覆盖）一个分片，返回实际写入的字节数。
	Put(ctx context.Context, uploadID string, index int, r io.Reader) (int64, error)
	// Open 打开一个分片，分片不存在时返回 ErrChunkMissing。
	Open(ctx context.Context, uploadID string, index int) (io.ReadCloser, error)
	// Purge 释放某个会话的全部分片，对不存在或已清理的会话是空操作。
	Purge(ctx context.Context, uploadID string) error
}

// ObjectStore 是持久对象存储：写入字节并可生成可访问的链接。
type ObjectStore interface {
	// PutObject 写入对象，size 未知时传 -1，返回写入的字节数。
	PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error)
	// PresignedGetURL 生成带有效期的下载链接，fileName 用于 Content-Disposition。
	PresignedGetURL(ctx context.Context, key, fileName string, expiry time.Duration) (string, error)
	RemoveObject(ctx context.Context, key string) error
}

// LimitReader 最多读出 n 个字节，内容超过 n 时返回 ErrTooLarge 而不是 EOF。
// Put 与 PutObject 遇到读错误会放弃本次写入，同一个 key 上已有的内容不受影响。
func LimitReader(r io.Reader, n int64) io.Reader {
	return &limitedReader{r: r, remaining: n}
}

type limitedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.exceeded {
		return 0, ErrTooLarge
	}
	// 多读一个字节用于发现超出上限的内容
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	if int64(n) > l.remaining {
		n = int(l.remaining)
		l.remaining = 0
		l.exceeded = true
		return n, ErrTooLarge
	}
	l.remaining -= int64(n)
	return n, err
}

// ReadChunk 读取一个分片的全部字节。
func ReadChunk(ctx context.Context, store ChunkStore, uploadID string, index int) ([]byte, error) {
	rc, err := store.Open(ctx, uploadID, index)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ChunkSequence 按序号 0..total-1 依次读取分片，实现 io.Reader。
// 分片在读到时才打开；遇到第一个缺失的分片即返回 ErrChunkMissing。
// 序列只能消费一次，重新读取需要调用 InOrder 获取新的序列。
type ChunkSequence struct {
	ctx      context.Context
	store    ChunkStore
	uploadID string
	total    int

	next   int
	cur    io.ReadCloser
	n      int64
	err    error
	closed bool
}

// InOrder 返回会话 uploadID 的有序分片序列。
func InOrder(ctx context.Context, store ChunkStore, uploadID string, total int) *ChunkSequence {
	return &ChunkSequence{ctx: ctx, store: store, uploadID: uploadID, total: total}
}

// Read 实现 io.Reader。
func (s *ChunkSequence) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrSequenceClosed
	}
	if s.err != nil {
		return 0, s.err
	}
	for {
		if s.cur == nil {
			if s.next >= s.total {
				return 0, io.EOF
			}
			if err := s.ctx.Err(); err != nil {
				s.err = err
				return 0, err
			}
			rc, err := s.store.Open(s.ctx, s.uploadID, s.next)
			if err != nil {
				s.err = fmt.Errorf("打开分片 %d 失败: %w", s.next, err)
				return 0, s.err
			}
			s.cur = rc
			s.next++
		}

		n, err := s.cur.Read(p)
		s.n += int64(n)
		if err == io.EOF {
			_ = s.cur.Close()
			s.cur = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			s.err = err
		}
		return n, err
	}
}

// BytesRead 返回目前为止读出的字节数；读到 EOF 后即为合并后文件的实际大小。
func (s *ChunkSequence) BytesRead() int64 {
	return s.n
}

// Close 释放当前打开的分片。
func (s *ChunkSequence) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cur != nil {
		err := s.cur.Close()
		s.cur = nil
		return err
	}
	return nil
}
