// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tgstate-go/internal/service"
	"tgstate-go/pkg/log"
)

const (
	defaultPage     = 1
	defaultPageSize = 20
)

// UploadResponse 是上传类接口的统一响应。成功时 message 为相对下载路径。
type UploadResponse struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	ImgURL       string `json:"imgUrl,omitempty"`
	ProxyURL     string `json:"proxyUrl,omitempty"`
	ShortURL     string `json:"shortUrl,omitempty"`
	ShortFileURL string `json:"shortFileUrl,omitempty"`
	Name         string `json:"name,omitempty"`
	ChunkID      string `json:"chunkId,omitempty"`
	UploadID     string `json:"uploadId,omitempty"`
	Uploaded     []int  `json:"uploaded,omitempty"`
}

// statusOf 把业务错误映射为 HTTP 状态码，同时也是响应中的 code。
func statusOf(err error) int {
	var incomplete *service.IncompleteUploadError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrSessionNotFound), errors.Is(err, service.ErrFileNotFound),
		errors.Is(err, service.ErrSearchDisabled):
		return http.StatusNotFound
	case errors.As(err, &incomplete), errors.Is(err, service.ErrAlreadyMerging),
		errors.Is(err, service.ErrAlreadyMerged), errors.Is(err, service.ErrChunkMissing):
		return http.StatusConflict
	case errors.Is(err, service.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, service.ErrStorageFull):
		return http.StatusInsufficientStorage
	case errors.Is(err, service.ErrDurableStore):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError 写出错误响应。分片不完整时附带缺失的序号。
func writeError(c *gin.Context, op string, err error) {
	status := statusOf(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		log.Errorw("请求处理失败", "op", op, "path", c.Request.URL.Path, "error", err)
		message = "服务器内部错误"
	} else {
		log.Warnw("请求被拒绝", "op", op, "status", status, "error", err)
	}
	_ = c.Error(err)

	body := gin.H{"code": status, "message": message}
	var incomplete *service.IncompleteUploadError
	if errors.As(err, &incomplete) {
		data := gin.H{"missing": nonNil(incomplete.Missing)}
		if len(incomplete.Unexpected) > 0 {
			data["unexpected"] = incomplete.Unexpected
		}
		body["data"] = data
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": message})
}

func writeData(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

// pageParams 解析 page 与 pageSize，缺省时使用默认值，越界由服务层校验。
func pageParams(c *gin.Context) (int, int, bool) {
	page, err := intQuery(c, "page", defaultPage)
	if err != nil {
		badRequest(c, "无效的 page 参数")
		return 0, 0, false
	}
	pageSize, err := intQuery(c, "pageSize", defaultPageSize)
	if err != nil {
		badRequest(c, "无效的 pageSize 参数")
		return 0, 0, false
	}
	return page, pageSize, true
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func nonNil(xs []int) []int {
	if xs == nil {
		return []int{}
	}
	return xs
}
