package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"tgstate-go/internal/model"
	"tgstate-go/internal/service"
	"tgstate-go/pkg/log"
)

// UploadHandler 负责处理所有与文件上传相关的 API 请求。
type UploadHandler struct {
	uploads service.UploadService
	urls    service.URLBuilder
}

// NewUploadHandler 创建一个新的 UploadHandler 实例。
func NewUploadHandler(uploads service.UploadService, urls service.URLBuilder) *UploadHandler {
	return &UploadHandler{uploads: uploads, urls: urls}
}

func (h *UploadHandler) resultResponse(result *model.UploadResult) UploadResponse {
	links := h.urls.Links(result)
	return UploadResponse{
		Code:         http.StatusOK,
		Message:      links.Path,
		ImgURL:       links.ImgURL,
		ProxyURL:     links.ProxyURL,
		ShortURL:     links.ShortURL,
		ShortFileURL: links.ShortFileURL,
		Name:         result.Record.Filename,
	}
}

func formBool(c *gin.Context, key string) bool {
	v, _ := strconv.ParseBool(c.PostForm(key))
	return v
}

// Upload 处理 POST /api。表单同时带有 uploadId 和 chunkIndex 时按分片上传处理。
func (h *UploadHandler) Upload(c *gin.Context) {
	if c.PostForm("uploadId") != "" && c.PostForm("chunkIndex") != "" {
		h.UploadChunk(c)
		return
	}

	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "未能获取上传的文件")
		return
	}
	file, err := fh.Open()
	if err != nil {
		writeError(c, "Upload", err)
		return
	}
	defer file.Close()

	result, err := h.uploads.UploadSingle(c.Request.Context(), service.SingleUploadInput{
		FileName:        fh.Filename,
		Size:            fh.Size,
		Body:            file,
		IP:              c.ClientIP(),
		UserFingerprint: c.PostForm("userFingerprint"),
		Shared:          formBool(c, "shared"),
	})
	if err != nil {
		writeError(c, "Upload", err)
		return
	}
	log.Infof("[UploadHandler] 上传成功, fileID: %s, name: %s", result.Record.FileID, result.Record.Filename)
	c.JSON(http.StatusOK, h.resultResponse(result))
}

// UploadChunk 处理分片上传的请求。
func (h *UploadHandler) UploadChunk(c *gin.Context) {
	chunkIndex, err := strconv.Atoi(c.PostForm("chunkIndex"))
	if err != nil {
		badRequest(c, "无效的分片索引")
		return
	}
	var fileSize int64
	if raw := c.PostForm("fileSize"); raw != "" {
		if fileSize, err = strconv.ParseInt(raw, 10, 64); err != nil {
			badRequest(c, "无效的文件大小")
			return
		}
	}

	fh, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "未能获取上传的分片")
		return
	}
	file, err := fh.Open()
	if err != nil {
		writeError(c, "UploadChunk", err)
		return
	}
	defer file.Close()

	res, err := h.uploads.UploadChunk(c.Request.Context(), service.ChunkUploadInput{
		UploadID:        c.PostForm("uploadId"),
		FileName:        c.PostForm("fileName"),
		FileSize:        fileSize,
		ChunkIndex:      chunkIndex,
		Body:            file,
		UserFingerprint: c.PostForm("userFingerprint"),
	})
	if err != nil {
		writeError(c, "UploadChunk", err)
		return
	}
	if res.Result != nil {
		// 会话已合并，分片被忽略，返回合并的结果
		resp := h.resultResponse(res.Result)
		resp.ChunkID, resp.UploadID = res.ChunkID, res.UploadID
		c.JSON(http.StatusOK, resp)
		return
	}

	c.JSON(http.StatusOK, UploadResponse{
		Code:     http.StatusOK,
		Message:  "分片上传成功",
		ChunkID:  res.ChunkID,
		UploadID: res.UploadID,
		Uploaded: res.Uploaded,
	})
}

// InitUploadRequest 定义了创建上传会话 API 的请求体结构。
type InitUploadRequest struct {
	FileName        string `json:"fileName"`
	FileSize        int64  `json:"fileSize"`
	UserFingerprint string `json:"userFingerprint"`
}

// InitUpload 显式创建一个上传会话。
func (h *UploadHandler) InitUpload(c *gin.Context) {
	var req InitUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	uploadID, err := h.uploads.InitUpload(c.Request.Context(), service.InitUploadInput{
		FileName:        req.FileName,
		FileSize:        req.FileSize,
		UserFingerprint: req.UserFingerprint,
	})
	if err != nil {
		writeError(c, "InitUpload", err)
		return
	}
	c.JSON(http.StatusOK, UploadResponse{Code: http.StatusOK, Message: "上传会话已创建", UploadID: uploadID})
}

// GetUploadStatus 处理获取上传进度的请求。已合并的会话返回合并结果。
func (h *UploadHandler) GetUploadStatus(c *gin.Context) {
	uploadID := c.Query("uploadId")
	if uploadID == "" {
		badRequest(c, "缺少 uploadId 参数")
		return
	}
	status, err := h.uploads.GetUploadStatus(c.Request.Context(), uploadID)
	if err != nil {
		writeError(c, "GetUploadStatus", err)
		return
	}

	if status.Result != nil {
		writeData(c, gin.H{
			"uploadId": uploadID,
			"status":   "merged",
			"result":   h.resultResponse(status.Result),
		})
		return
	}
	s := status.Session
	writeData(c, gin.H{
		"uploadId":      s.UploadID,
		"status":        s.Status,
		"fileName":      s.FileName,
		"fileSize":      s.FileSize,
		"uploaded":      nonNil(s.ReceivedChunks),
		"receivedBytes": s.ReceivedBytes,
	})
}

// MergeRequest 定义了分片合并 API 的请求体结构。chunkIds 的个数即分片总数。
type MergeRequest struct {
	UploadID        string   `json:"uploadId"`
	FileName        string   `json:"fileName"`
	ChunkIDs        []string `json:"chunkIds"`
	FileSize        int64    `json:"fileSize"`
	UserFingerprint string   `json:"userFingerprint"`
	Shared          bool     `json:"shared"`
}

// Merge 处理分片合并的请求。
func (h *UploadHandler) Merge(c *gin.Context) {
	var req MergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "无效的请求负载")
		return
	}
	result, err := h.uploads.Merge(c.Request.Context(), service.MergeInput{
		UploadID:        req.UploadID,
		FileName:        req.FileName,
		TotalChunks:     len(req.ChunkIDs),
		FileSize:        req.FileSize,
		UserFingerprint: req.UserFingerprint,
		Shared:          req.Shared,
		IP:              c.ClientIP(),
	})
	if err != nil {
		writeError(c, "Merge", err)
		return
	}
	log.Infof("[UploadHandler] 合并成功, uploadId: %s, fileID: %s, size: %d", req.UploadID, result.Record.FileID, result.Record.Size)
	c.JSON(http.StatusOK, h.resultResponse(result))
}
