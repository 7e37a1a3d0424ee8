package service

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tgstate-go/internal/config"
)

func TestSweeper_ExpiresIdleSessions(t *testing.T) {
	env := newTestEnv(t, func(c *config.UploadConfig) { c.SessionTTL = 20 * time.Millisecond })
	id := env.uploadChunks(t, "", testChunks(), []int{0})

	sweeper := NewSweeper(env.uploads, 10*time.Millisecond)
	sweeper.Start(context.Background())
	defer sweeper.Stop()

	assert.Eventually(t, func() bool {
		exists, err := afero.Exists(env.fs, "/chunks/"+id)
		return err == nil && !exists
	}, 2*time.Second, 10*time.Millisecond)

	_, err := env.uploads.GetUploadStatus(context.Background(), id)
	require.ErrorIs(t, err, ErrSessionNotFound)
}
