package handler

import (
	"github.com/gin-gonic/gin"

	"tgstate-go/internal/service"
	"tgstate-go/pkg/log"
)

// SearchHandler 结构体定义了搜索相关的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// Search 按文件名搜索，未提供 fingerprint 时只搜索公开分享的文件。
func (h *SearchHandler) Search(c *gin.Context) {
	query := c.Query("q")
	log.Infof("[SearchHandler] 收到搜索请求, query: %s", query)

	page, pageSize, valid := pageParams(c)
	if !valid {
		return
	}
	result, err := h.searchService.Search(c.Request.Context(), query, c.Query("fingerprint"), page, pageSize)
	if err != nil {
		writeError(c, "Search", err)
		return
	}

	log.Infof("[SearchHandler] 搜索成功, query: '%s', 返回 %d 条结果", query, len(result.Files))
	writeData(c, result)
}
