package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"tgstate-go/internal/service"
)

// FileHandler 处理下载跳转、短链与管理列表。
type FileHandler struct {
	files service.FileService
}

// NewFileHandler 创建一个新的 FileHandler 实例。
func NewFileHandler(files service.FileService) *FileHandler {
	return &FileHandler{files: files}
}

// Download 按 fileId（或文件名）重定向到带有效期的下载链接。
func (h *FileHandler) Download(c *gin.Context) {
	url, err := h.files.DownloadURL(c.Request.Context(), c.Param("fileId"))
	if err != nil {
		writeError(c, "Download", err)
		return
	}
	c.Redirect(http.StatusFound, url)
}

// ShortLink 把短链重定向到 /d/<fileId>。
func (h *FileHandler) ShortLink(c *gin.Context) {
	fileID, err := h.files.ResolveShortLink(c.Request.Context(), c.Param("code"))
	if err != nil {
		writeError(c, "ShortLink", err)
		return
	}
	c.Redirect(http.StatusFound, service.DownloadPath(fileID))
}

// ListFiles 分页列出全部文件记录。
func (h *FileHandler) ListFiles(c *gin.Context) {
	page, pageSize, valid := pageParams(c)
	if !valid {
		return
	}
	result, err := h.files.ListFiles(c.Request.Context(), page, pageSize)
	if err != nil {
		writeError(c, "ListFiles", err)
		return
	}
	writeData(c, result)
}

// ListShortLinks 分页列出全部短链及访问次数。
func (h *FileHandler) ListShortLinks(c *gin.Context) {
	page, pageSize, valid := pageParams(c)
	if !valid {
		return
	}
	result, err := h.files.ListShortLinks(c.Request.Context(), page, pageSize)
	if err != nil {
		writeError(c, "ListShortLinks", err)
		return
	}
	writeData(c, result)
}
