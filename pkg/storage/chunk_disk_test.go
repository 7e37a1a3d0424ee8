package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiskStore(t *testing.T) *DiskChunkStore {
	t.Helper()
	s, err := NewDiskChunkStore(afero.NewMemMapFs(), "/data/chunks")
	require.NoError(t, err)
	return s
}

func TestDiskChunkStore_PutAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	n, err := s.Put(ctx, "upload-aaaa", 0, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	got, err := ReadChunk(ctx, s, "upload-aaaa", 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

func TestDiskChunkStore_OverwriteSameIndex(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	_, err := s.Put(ctx, "upload-aaaa", 1, strings.NewReader("first version"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "upload-aaaa", 1, strings.NewReader("second"))
	require.NoError(t, err)

	got, err := ReadChunk(ctx, s, "upload-aaaa", 1)
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestDiskChunkStore_OversizedOverwriteKeepsPrevious(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	_, err := s.Put(ctx, "upload-aaaa", 1, strings.NewReader("BBBB"))
	require.NoError(t, err)

	big := bytes.Repeat([]byte("x"), 5000)
	_, err = s.Put(ctx, "upload-aaaa", 1, LimitReader(bytes.NewReader(big), 1024))
	assert.ErrorIs(t, err, ErrTooLarge)

	got, err := ReadChunk(ctx, s, "upload-aaaa", 1)
	require.NoError(t, err)
	assert.Equal(t, "BBBB", string(got))

	// 临时文件已被删除
	entries, err := afero.ReadDir(s.fs, s.dir("upload-aaaa"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLimitReader(t *testing.T) {
	got, err := io.ReadAll(LimitReader(strings.NewReader("abcd"), 4))
	require.NoError(t, err)
	assert.Equal(t, "abcd", string(got))

	got, err = io.ReadAll(LimitReader(strings.NewReader("abcde"), 4))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Equal(t, "abcd", string(got))

	got, err = io.ReadAll(LimitReader(strings.NewReader(""), 0))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestDiskChunkStore_ConcurrentWritesLastWins(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	payloads := []string{"aaaa", "bbbbbb", "cc", "ddddddddd"}
	var wg sync.WaitGroup
	for _, p := range payloads {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			_, err := s.Put(ctx, "upload-race", 0, strings.NewReader(p))
			assert.NoError(t, err)
		}(p)
	}
	wg.Wait()

	got, err := ReadChunk(ctx, s, "upload-race", 0)
	require.NoError(t, err)
	assert.Contains(t, payloads, string(got), "chunk must be exactly one of the written payloads")
}

func TestDiskChunkStore_MissingChunk(t *testing.T) {
	s := newTestDiskStore(t)

	_, err := s.Open(context.Background(), "upload-none", 3)
	assert.ErrorIs(t, err, ErrChunkMissing)
}

func TestDiskChunkStore_PurgeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	_, err := s.Put(ctx, "upload-purge", 0, strings.NewReader("x"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "upload-purge", 2, strings.NewReader("z"))
	require.NoError(t, err)

	require.NoError(t, s.Purge(ctx, "upload-purge"))
	_, err = s.Open(ctx, "upload-purge", 0)
	assert.ErrorIs(t, err, ErrChunkMissing)

	assert.NoError(t, s.Purge(ctx, "upload-purge"))
	assert.NoError(t, s.Purge(ctx, "never-existed"))
}

func TestDiskChunkStore_NegativeIndex(t *testing.T) {
	s := newTestDiskStore(t)
	_, err := s.Put(context.Background(), "upload-aaaa", -1, strings.NewReader("x"))
	assert.Error(t, err)
}

func TestChunkSequence_ReadsInIndexOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	chunks := []string{"alpha-", "beta-", "", "gamma"}
	// 乱序写入
	for _, i := range []int{3, 0, 2, 1} {
		_, err := s.Put(ctx, "upload-seq", i, strings.NewReader(chunks[i]))
		require.NoError(t, err)
	}

	seq := InOrder(ctx, s, "upload-seq", len(chunks))
	defer seq.Close()
	got, err := io.ReadAll(seq)
	require.NoError(t, err)

	assert.Equal(t, "alpha-beta-gamma", string(got))
	assert.Equal(t, int64(len("alpha-beta-gamma")), seq.BytesRead())
}

func TestChunkSequence_FailsAtFirstGap(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)

	_, err := s.Put(ctx, "upload-gap", 0, strings.NewReader("zero"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "upload-gap", 2, strings.NewReader("two"))
	require.NoError(t, err)

	seq := InOrder(ctx, s, "upload-gap", 3)
	defer seq.Close()
	var buf bytes.Buffer
	_, err = io.Copy(&buf, seq)

	assert.ErrorIs(t, err, ErrChunkMissing)
	assert.Equal(t, "zero", buf.String())
}

func TestChunkSequence_NotRestartable(t *testing.T) {
	ctx := context.Background()
	s := newTestDiskStore(t)
	_, err := s.Put(ctx, "upload-once", 0, strings.NewReader("data"))
	require.NoError(t, err)

	seq := InOrder(ctx, s, "upload-once", 1)
	got, err := io.ReadAll(seq)
	require.NoError(t, err)
	assert.Equal(t, "data", string(got))

	// 读完之后继续读只会得到 EOF
	n, err := seq.Read(make([]byte, 4))
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)

	require.NoError(t, seq.Close())
	_, err = seq.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrSequenceClosed)

	// 新的序列可以重新读取
	again, err := io.ReadAll(InOrder(ctx, s, "upload-once", 1))
	require.NoError(t, err)
	assert.Equal(t, "data", string(again))
}

func TestChunkSequence_StopsOnCancelledContext(t *testing.T) {
	s := newTestDiskStore(t)
	_, err := s.Put(context.Background(), "upload-ctx", 0, strings.NewReader("data"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = io.ReadAll(InOrder(ctx, s, "upload-ctx", 1))
	assert.ErrorIs(t, err, context.Canceled)
}
