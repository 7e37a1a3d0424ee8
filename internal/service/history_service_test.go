package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgstate-go/internal/model"
)

func seedRecords(t *testing.T, env *testEnv, n int, fingerprint *string, shared bool, prefix string) {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		require.NoError(t, env.records.Append(context.Background(), &model.FileRecord{
			FileID:          fmt.Sprintf("%s%03d", prefix, i),
			Filename:        fmt.Sprintf("%s-%d.txt", prefix, i),
			ObjectKey:       "files/" + prefix,
			Size:            int64(i),
			IP:              "127.0.0.1",
			UserFingerprint: fingerprint,
			Shared:          shared,
			Source:          model.SourceSingle,
			Time:            base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func TestHistory_Pagination(t *testing.T) {
	env := newTestEnv(t)
	fp := "fp-history"
	seedRecords(t, env, 25, &fp, false, "h")
	other := "someone-else"
	seedRecords(t, env, 3, &other, true, "o")
	svc := NewHistoryService(env.records, 100)

	page1, err := svc.History(context.Background(), fp, 1, 10)
	require.NoError(t, err)
	assert.Len(t, page1.Files, 10)
	assert.Equal(t, Pagination{Page: 1, PageSize: 10, Total: 25, HasMore: true}, page1.Pagination)
	assert.Equal(t, "h024", page1.Files[0].FileID)
	assert.Equal(t, "/d/h024", page1.Files[0].URL)

	page3, err := svc.History(context.Background(), fp, 3, 10)
	require.NoError(t, err)
	assert.Len(t, page3.Files, 5)
	assert.Equal(t, Pagination{Page: 3, PageSize: 10, Total: 25, HasMore: false}, page3.Pagination)
	assert.Equal(t, "h004", page3.Files[0].FileID)

	beyond, err := svc.History(context.Background(), fp, 4, 10)
	require.NoError(t, err)
	assert.Empty(t, beyond.Files)
	assert.False(t, beyond.Pagination.HasMore)
}

func TestHistory_InvalidInput(t *testing.T) {
	env := newTestEnv(t)
	svc := NewHistoryService(env.records, 50)
	ctx := context.Background()

	_, err := svc.History(ctx, "", 1, 10)
	assert.ErrorIs(t, err, ErrInvalidInput)
	for _, tc := range []struct{ page, size int }{{0, 10}, {1, 0}, {1, 51}, {-1, 10}} {
		_, err = svc.History(ctx, "fp", tc.page, tc.size)
		assert.ErrorIs(t, err, ErrInvalidPagination, "page=%d size=%d", tc.page, tc.size)
		_, err = svc.Plaza(ctx, tc.page, tc.size)
		assert.ErrorIs(t, err, ErrInvalidPagination)
	}
}

func TestPlaza_OnlyShared(t *testing.T) {
	env := newTestEnv(t)
	fp := "fp-plaza"
	seedRecords(t, env, 4, &fp, false, "p")
	seedRecords(t, env, 3, &fp, true, "s")
	seedRecords(t, env, 2, nil, true, "a")
	svc := NewHistoryService(env.records, 100)

	page, err := svc.Plaza(context.Background(), 1, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Pagination.Total)
	anonymous := 0
	for _, f := range page.Files {
		assert.True(t, f.Shared)
		if f.UserFingerprint == nil {
			anonymous++
		}
	}
	assert.Equal(t, 2, anonymous)
}

func TestURLBuilder_Links(t *testing.T) {
	b := NewURLBuilder(configSite("https://files.example.com/", "https://proxy.example.com"))
	links := b.Links(&model.UploadResult{Record: model.FileRecord{FileID: "abc"}, ShortCode: "Xy12Z9"})

	assert.Equal(t, "/d/abc", links.Path)
	assert.Equal(t, "https://files.example.com/d/abc", links.ImgURL)
	assert.Equal(t, "https://proxy.example.com/https%3A%2F%2Ffiles.example.com%2Fd%2Fabc", links.ProxyURL)
	assert.Equal(t, "/s/Xy12Z9", links.ShortURL)
	assert.Equal(t, "https://files.example.com/s/Xy12Z9", links.ShortFileURL)

	bare := NewURLBuilder(configSite("", "")).Links(&model.UploadResult{Record: model.FileRecord{FileID: "abc"}})
	assert.Equal(t, "/d/abc", bare.ImgURL)
	assert.Empty(t, bare.ProxyURL)
	assert.Empty(t, bare.ShortURL)
}
