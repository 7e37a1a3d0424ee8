package service

import (
	"context"
	"sync"
	"time"

	"tgstate-go/pkg/log"
)

// Sweeper 定期清理过期的上传会话。
type Sweeper struct {
	uploads  UploadService
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper 创建 Sweeper，interval 为扫描间隔。
func NewSweeper(uploads UploadService, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{uploads: uploads, interval: interval}
}

// Start 在后台开始扫描，直到 Stop 被调用或 ctx 结束。
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		log.Infof("过期会话清理任务已启动, 间隔: %s", s.interval)
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.sweep(ctx, now)
			}
		}
	}()
}

func (s *Sweeper) sweep(ctx context.Context, now time.Time) {
	if _, err := s.uploads.ExpireStale(ctx, now); err != nil {
		log.Error("清理过期会话失败", err)
	}
}

// Stop 停止扫描并等待正在进行的一轮结束。
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}
