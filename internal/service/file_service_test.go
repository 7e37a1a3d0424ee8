package service

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgstate-go/internal/config"
)

func configSite(base, proxy string) config.SiteConfig {
	return config.SiteConfig{BaseURL: base, ProxyURL: proxy}
}

func TestFileService_DownloadAndShortLink(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res, err := env.uploads.UploadSingle(ctx, SingleUploadInput{
		FileName: "notes.txt", Size: 5, Body: bytes.NewReader([]byte("hello")), IP: "1.2.3.4",
	})
	require.NoError(t, err)

	files := NewFileService(env.records, env.links, env.objects, 0, 100)

	url, err := files.DownloadURL(ctx, res.Record.FileID)
	require.NoError(t, err)
	assert.Contains(t, url, res.Record.FileID+"/notes.txt")

	url, err = files.DownloadURL(ctx, "notes.txt")
	require.NoError(t, err)
	assert.Contains(t, url, res.Record.FileID)

	_, err = files.DownloadURL(ctx, "nope")
	assert.ErrorIs(t, err, ErrFileNotFound)

	fileID, err := files.ResolveShortLink(ctx, res.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, res.Record.FileID, fileID)

	_, err = files.ResolveShortLink(ctx, "000000")
	assert.ErrorIs(t, err, ErrFileNotFound)

	links, err := files.ListShortLinks(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, links.Links, 1)
	assert.Equal(t, int64(1), links.Links[0].AccessCount)

	page, err := files.ListFiles(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Pagination.Total)

	_, err = files.ListFiles(ctx, 0, 10)
	assert.ErrorIs(t, err, ErrInvalidPagination)
}
