package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"tgstate-go/pkg/token"
)

const (
	// RequestIDHeader 是请求 ID 的请求头/响应头。
	RequestIDHeader = "X-Request-Id"
	// RequestIDKey 是请求 ID 在 gin.Context 中的键。
	RequestIDKey = "requestId"
)

// RequestID 为每个请求分配一个 ID，客户端传入的合法 ID 会被沿用。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = token.NewRequestID()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}
