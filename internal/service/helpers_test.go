package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tgstate-go/internal/config"
	"tgstate-go/internal/model"
	"tgstate-go/internal/repository"
	"tgstate-go/pkg/storage"
	"tgstate-go/pkg/tasks"
)

// memObjectStore 是内存中的持久存储，可以注入失败。
type memObjectStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	types    map[string]string
	puts     int
	failNext int
	full     bool
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte), types: make(map[string]string)}
}

func (m *memObjectStore) PutObject(_ context.Context, key string, r io.Reader, _ int64, contentType string) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.full {
		return 0, storage.ErrStorageFull
	}
	if m.failNext > 0 {
		m.failNext--
		return 0, errors.New("connection reset by peer")
	}
	m.objects[key] = data
	m.types[key] = contentType
	return int64(len(data)), nil
}

func (m *memObjectStore) PresignedGetURL(_ context.Context, key, fileName string, _ time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[key]; !ok {
		return "", errors.New("no such key")
	}
	return "https://objects.test/" + key + "?name=" + fileName, nil
}

func (m *memObjectStore) RemoveObject(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memObjectStore) get(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key]
}

func (m *memObjectStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

// gatedObjectStore 让第一次 PutObject 停住，直到 release 被关闭或 ctx 结束。
type gatedObjectStore struct {
	*memObjectStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedObjectStore(inner *memObjectStore) *gatedObjectStore {
	return &gatedObjectStore{memObjectStore: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedObjectStore) PutObject(ctx context.Context, key string, r io.Reader, size int64, contentType string) (int64, error) {
	first := false
	g.once.Do(func() {
		first = true
		close(g.entered)
	})
	if first {
		select {
		case <-g.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return g.memObjectStore.PutObject(ctx, key, r, size, contentType)
}

func (g *gatedObjectStore) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("PutObject was never called")
	}
}

// failingComplete 在 fail 为 true 时让 Complete 返回错误。
type failingComplete struct {
	repository.SessionRepository
	mu   sync.Mutex
	fail bool
}

func (f *failingComplete) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *failingComplete) Complete(ctx context.Context, uploadID string, result *model.UploadResult) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("redis: connection pool timeout")
	}
	return f.SessionRepository.Complete(ctx, uploadID, result)
}

type memPublisher struct {
	mu     sync.Mutex
	events []tasks.FileUploadedEvent
}

func (p *memPublisher) PublishFileUploaded(_ context.Context, evt tasks.FileUploadedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *memPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.events)
}

type testEnv struct {
	mr        *miniredis.Miniredis
	db        *gorm.DB
	sessions  repository.SessionRepository
	records   repository.RecordRepository
	links     repository.ShortLinkRepository
	chunks    *storage.DiskChunkStore
	fs        afero.Fs
	objects   *memObjectStore
	publisher *memPublisher
	cfg       config.UploadConfig
	uploads   UploadService
}

func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		SingleMaxSize:   1024,
		MaxChunkSize:    1024,
		MaxChunks:       100,
		SessionTTL:      time.Minute,
		SweepInterval:   time.Second,
		MergeLockTTL:    time.Minute,
		MergeWait:       5 * time.Second,
		ResultRetention: time.Hour,
		MaxPageSize:     100,
		Retry: config.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: time.Millisecond,
			MaxDelay:     5 * time.Millisecond,
		},
	}
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:svc_%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.FileRecord{}, &model.ShortLink{}))
	return db
}

func newTestEnv(t *testing.T, mutate ...func(*config.UploadConfig)) *testEnv {
	t.Helper()
	cfg := testUploadConfig()
	for _, m := range mutate {
		m(&cfg)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	db := newTestDB(t)
	fs := afero.NewMemMapFs()
	chunks, err := storage.NewDiskChunkStore(fs, "/chunks")
	require.NoError(t, err)

	env := &testEnv{
		mr:        mr,
		db:        db,
		sessions:  repository.NewSessionRepository(rdb, "test", cfg.ResultRetention),
		records:   repository.NewRecordRepository(db),
		links:     repository.NewShortLinkRepository(db),
		chunks:    chunks,
		fs:        fs,
		objects:   newMemObjectStore(),
		publisher: &memPublisher{},
		cfg:       cfg,
	}
	env.uploads = NewUploadService(env.sessions, env.records, env.links, env.chunks, env.objects, env.publisher, cfg)
	return env
}

// service 用替换过的会话注册表或持久存储构造一个共享其余依赖的 UploadService。
func (e *testEnv) service(sessions repository.SessionRepository, objects storage.ObjectStore) UploadService {
	return NewUploadService(sessions, e.records, e.links, e.chunks, objects, e.publisher, e.cfg)
}

func (e *testEnv) lockKey(uploadID string) string {
	return "test:upload:lock:" + uploadID
}

// uploadChunks 按给定顺序上传分片，返回会话 ID。
func (e *testEnv) uploadChunks(t *testing.T, uploadID string, chunks [][]byte, order []int) string {
	t.Helper()
	for _, idx := range order {
		res, err := e.uploads.UploadChunk(context.Background(), ChunkUploadInput{
			UploadID:        uploadID,
			FileName:        "data.bin",
			ChunkIndex:      idx,
			Body:            bytes.NewReader(chunks[idx]),
			UserFingerprint: "fp-1",
		})
		require.NoError(t, err)
		uploadID = res.UploadID
	}
	return uploadID
}

func (e *testEnv) recordCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, e.db.Model(&model.FileRecord{}).Count(&n).Error)
	return n
}
