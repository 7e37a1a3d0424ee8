package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tgstate-go/internal/config"
	"tgstate-go/internal/model"
	"tgstate-go/internal/repository"
	"tgstate-go/internal/service"
	"tgstate-go/pkg/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeObjects) PutObject(_ context.Context, key string, r io.Reader, _ int64, _ string) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	return int64(len(data)), nil
}

func (f *fakeObjects) PresignedGetURL(_ context.Context, key, _ string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		return "", errors.New("no such key")
	}
	return "https://objects.test/" + key, nil
}

func (f *fakeObjects) RemoveObject(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, key)
	return nil
}

func (f *fakeObjects) get(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

type testServer struct {
	router  *gin.Engine
	objects *fakeObjects
	records repository.RecordRepository
}

type serverOption func(*RouterDeps)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:http_%s?mode=memory&cache=shared", name)),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&model.FileRecord{}, &model.ShortLink{}))

	chunks, err := storage.NewDiskChunkStore(afero.NewMemMapFs(), "/chunks")
	require.NoError(t, err)

	cfg := config.UploadConfig{
		SingleMaxSize:   1 << 20,
		MaxChunkSize:    1 << 20,
		MaxChunks:       100,
		SessionTTL:      time.Minute,
		MergeLockTTL:    time.Minute,
		MergeWait:       time.Second,
		ResultRetention: time.Hour,
		MaxPageSize:     50,
		Retry:           config.RetryConfig{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}
	sessions := repository.NewSessionRepository(rdb, "http", cfg.ResultRetention)
	records := repository.NewRecordRepository(db)
	links := repository.NewShortLinkRepository(db)
	objects := &fakeObjects{objects: make(map[string][]byte)}

	deps := RouterDeps{
		Uploads: service.NewUploadService(sessions, records, links, chunks, objects, nil, cfg),
		History: service.NewHistoryService(records, cfg.MaxPageSize),
		Files:   service.NewFileService(records, links, objects, time.Minute, cfg.MaxPageSize),
		URLs:    service.NewURLBuilder(config.SiteConfig{BaseURL: "https://tg.example.com", ProxyURL: "https://proxy.example.com"}),
		Health: map[string]HealthCheck{
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	}
	for _, opt := range opts {
		opt(&deps)
	}
	return &testServer{router: NewRouter(deps), objects: objects, records: records}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) get(target string) *httptest.ResponseRecorder {
	return s.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (s *testServer) postJSON(t *testing.T, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

func (s *testServer) postForm(t *testing.T, target string, fields map[string]string, fileName string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if fileName != "" {
		part, err := mw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.do(req)
}

// envelope 是通用响应的解码结构。
type envelope struct {
	Code         int             `json:"code"`
	Message      string          `json:"message"`
	ImgURL       string          `json:"imgUrl"`
	ProxyURL     string          `json:"proxyUrl"`
	ShortURL     string          `json:"shortUrl"`
	ShortFileURL string          `json:"shortFileUrl"`
	Name         string          `json:"name"`
	ChunkID      string          `json:"chunkId"`
	UploadID     string          `json:"uploadId"`
	Uploaded     []int           `json:"uploaded"`
	Data         json.RawMessage `json:"data"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}
