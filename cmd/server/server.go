package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"

	"tgstate-go/internal/config"
	"tgstate-go/internal/handler"
	"tgstate-go/internal/pipeline"
	"tgstate-go/internal/repository"
	"tgstate-go/internal/service"
	"tgstate-go/pkg/database"
	"tgstate-go/pkg/es"
	"tgstate-go/pkg/kafka"
	"tgstate-go/pkg/log"
	"tgstate-go/pkg/storage"
)

const shutdownTimeout = 10 * time.Second

// run 组装全部依赖并启动 HTTP 服务，收到 SIGINT/SIGTERM 后优雅停机。
func run(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 1. 数据库和 Redis
	db, err := database.OpenDB(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)
	if err := database.Migrate(db); err != nil {
		return err
	}
	rdb, err := database.NewRedis(ctx, cfg.Database.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// 2. 存储：MinIO 作为持久存储，分片存本地磁盘或 MinIO
	minioClient, err := storage.NewMinIOClient(ctx, cfg.MinIO)
	if err != nil {
		return err
	}
	objects := storage.NewMinIOObjectStore(minioClient, cfg.MinIO.BucketName)
	var chunks storage.ChunkStore
	switch cfg.Upload.ChunkStore {
	case "minio":
		chunks = storage.NewMinIOChunkStore(minioClient, cfg.MinIO.BucketName)
	case "", "disk":
		disk, err := storage.NewDiskChunkStore(afero.NewOsFs(), cfg.Upload.ChunkDir)
		if err != nil {
			return err
		}
		chunks = disk
	default:
		return fmt.Errorf("未知的 chunk_store: %s", cfg.Upload.ChunkStore)
	}
	log.Infof("分片存储: %s", cfg.Upload.ChunkStore)

	// 3. Repository
	sessions := repository.NewSessionRepository(rdb, cfg.Database.Redis.KeyPrefix, cfg.Upload.ResultRetention)
	records := repository.NewRecordRepository(db)
	shortLinks := repository.NewShortLinkRepository(db)

	// 4. Elasticsearch 与 Kafka，均为可选
	var searcher service.FileSearcher
	var esClient *es.Client
	if cfg.Elasticsearch.Enabled {
		if esClient, err = es.NewClient(cfg.Elasticsearch); err != nil {
			return err
		}
		if err := esClient.EnsureIndex(ctx); err != nil {
			return err
		}
		searcher = esClient
	}

	var (
		publisher service.EventPublisher
		consumers sync.WaitGroup
	)
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		defer func() {
			if err := producer.Close(); err != nil {
				log.Errorf("关闭 Kafka 生产者失败: %v", err)
			}
		}()
		publisher = producer

		// 事件只用于维护搜索索引，未启用 Elasticsearch 时不启动消费者
		if esClient != nil {
			consumer := kafka.NewConsumer(cfg.Kafka, rdb, cfg.Database.Redis.KeyPrefix, pipeline.NewProcessor(esClient))
			consumers.Add(1)
			go func() {
				defer consumers.Done()
				consumer.Run(ctx)
			}()
		}
	}

	// 5. Service
	uploads := service.NewUploadService(sessions, records, shortLinks, chunks, objects, publisher, cfg.Upload)
	deps := handler.RouterDeps{
		Uploads: uploads,
		History: service.NewHistoryService(records, cfg.Upload.MaxPageSize),
		Files:   service.NewFileService(records, shortLinks, objects, cfg.MinIO.PresignExpiry, cfg.Upload.MaxPageSize),
		URLs:    service.NewURLBuilder(cfg.Site),
		APIPass: cfg.Auth.APIPass,
		Health: map[string]handler.HealthCheck{
			"database": func(ctx context.Context) error {
				sqlDB, err := db.DB()
				if err != nil {
					return err
				}
				return sqlDB.PingContext(ctx)
			},
			"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	}
	if searcher != nil {
		deps.Search = service.NewSearchService(searcher, records, cfg.Upload.MaxPageSize)
		deps.Health["elasticsearch"] = esClient.Ping
	}

	sweeper := service.NewSweeper(uploads, cfg.Upload.SweepInterval)
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// 6. 路由与 HTTP 服务
	gin.SetMode(cfg.Server.Mode)
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: handler.NewRouter(deps),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP 服务监听失败: %w", err)
		}
	case <-ctx.Done():
		log.Info("接收到停机信号，正在关闭服务...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	stop()
	consumers.Wait()
	log.Info("服务已优雅关闭")
	return nil
}
