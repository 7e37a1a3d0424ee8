package handler

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"tgstate-go/internal/middleware"
	"tgstate-go/internal/service"
)

// RouterDeps 是注册路由所需的服务。Search 为 nil 时不注册搜索接口。
type RouterDeps struct {
	Uploads service.UploadService
	History service.HistoryService
	Files   service.FileService
	Search  service.SearchService
	URLs    service.URLBuilder
	APIPass string
	Health  map[string]HealthCheck
}

// NewRouter 创建 Gin 引擎并注册全部路由。
func NewRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(middleware.RequestID(), middleware.RequestLogger(), gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowAllOrigins: true,
		AllowMethods:    []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:    []string{"Origin", "Content-Type", middleware.APIPassHeader, middleware.RequestIDHeader},
		ExposeHeaders:   []string{middleware.RequestIDHeader},
		MaxAge:          12 * time.Hour,
	}))

	uploads := NewUploadHandler(deps.Uploads, deps.URLs)
	history := NewHistoryHandler(deps.History)
	files := NewFileHandler(deps.Files)

	api := r.Group("/api")
	{
		api.POST("", uploads.Upload)
		api.POST("/chunk", uploads.UploadChunk)
		api.POST("/upload/init", uploads.InitUpload)
		api.GET("/upload/status", uploads.GetUploadStatus)
		api.POST("/merge", uploads.Merge)

		api.GET("/history", history.History)
		api.GET("/plaza", history.Plaza)

		if deps.Search != nil {
			api.GET("/search", NewSearchHandler(deps.Search).Search)
		}

		// 管理接口，配置了 api_pass 时需要密码
		admin := api.Group("")
		admin.Use(middleware.APIPass(deps.APIPass))
		{
			admin.GET("/files", files.ListFiles)
			admin.GET("/shortlinks", files.ListShortLinks)
		}
	}

	r.GET("/d/:fileId", files.Download)
	r.GET("/s/:code", files.ShortLink)
	r.GET("/healthz", Healthz(deps.Health))
	return r
}
