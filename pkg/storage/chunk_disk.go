package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/spf13/afero"
)

// DiskChunkStore 把分片保存在文件系统上：<root>/<uploadID>/<index>。
// 写入先落到临时文件再 rename，保证同一序号的并发写入是整体覆盖。
type DiskChunkStore struct {
	fs   afero.Fs
	root string
}

// NewDiskChunkStore 创建基于 afero 文件系统的分片存储。
func NewDiskChunkStore(fsys afero.Fs, root string) (*DiskChunkStore, error) {
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("创建分片目录失败: %w", err)
	}
	return &DiskChunkStore{fs: fsys, root: root}, nil
}

func (s *DiskChunkStore) dir(uploadID string) string {
	return filepath.Join(s.root, uploadID)
}

func (s *DiskChunkStore) path(uploadID string, index int) string {
	return filepath.Join(s.dir(uploadID), strconv.Itoa(index))
}

// Put 写入（覆盖）一个分片。
func (s *DiskChunkStore) Put(ctx context.Context, uploadID string, index int, r io.Reader) (int64, error) {
	if index < 0 {
		return 0, fmt.Errorf("invalid chunk index %d", index)
	}
	dir := s.dir(uploadID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return 0, mapDiskErr(err)
	}

	tmp, err := afero.TempFile(s.fs, dir, strconv.Itoa(index)+".*.tmp")
	if err != nil {
		return 0, mapDiskErr(err)
	}
	tmpName := tmp.Name()

	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: r})
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = s.fs.Remove(tmpName)
		return 0, mapDiskErr(err)
	}

	if err := s.fs.Rename(tmpName, s.path(uploadID, index)); err != nil {
		_ = s.fs.Remove(tmpName)
		return 0, mapDiskErr(err)
	}
	return n, nil
}

// Open 打开一个分片。
func (s *DiskChunkStore) Open(_ context.Context, uploadID string, index int) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.path(uploadID, index))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s/%d: %w", uploadID, index, ErrChunkMissing)
		}
		return nil, err
	}
	return f, nil
}

// Purge 删除会话目录及其中所有分片（含未完成的临时文件）。
func (s *DiskChunkStore) Purge(_ context.Context, uploadID string) error {
	if uploadID == "" {
		return nil
	}
	return s.fs.RemoveAll(s.dir(uploadID))
}

func mapDiskErr(err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %v", ErrStorageFull, err)
	}
	return err
}

// ctxReader 在每次 Read 前检查 ctx，客户端断开时尽快停止写盘。
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
