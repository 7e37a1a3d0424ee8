package handler

import (
	"github.com/gin-gonic/gin"

	"tgstate-go/internal/service"
)

// HistoryHandler 处理上传历史与广场的分页查询。
type HistoryHandler struct {
	history service.HistoryService
}

// NewHistoryHandler 创建一个新的 HistoryHandler 实例。
func NewHistoryHandler(history service.HistoryService) *HistoryHandler {
	return &HistoryHandler{history: history}
}

// History 返回某个指纹的上传历史。
func (h *HistoryHandler) History(c *gin.Context) {
	page, pageSize, valid := pageParams(c)
	if !valid {
		return
	}
	result, err := h.history.History(c.Request.Context(), c.Query("fingerprint"), page, pageSize)
	if err != nil {
		writeError(c, "History", err)
		return
	}
	writeData(c, result)
}

// Plaza 返回所有公开分享的文件。
func (h *HistoryHandler) Plaza(c *gin.Context) {
	page, pageSize, valid := pageParams(c)
	if !valid {
		return
	}
	result, err := h.history.Plaza(c.Request.Context(), page, pageSize)
	if err != nil {
		writeError(c, "Plaza", err)
		return
	}
	writeData(c, result)
}
