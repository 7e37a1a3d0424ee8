package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"tgstate-go/pkg/log"
)

// APIPassHeader 是管理接口密码的请求头，也可以用 query 参数 password 传入。
const APIPassHeader = "X-Api-Pass"

// APIPass 用配置的密码保护管理接口，密码为空时不做校验。
func APIPass(pass string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if pass == "" {
			c.Next()
			return
		}
		given := c.GetHeader(APIPassHeader)
		if given == "" {
			given = c.Query("password")
		}
		if subtle.ConstantTimeCompare([]byte(given), []byte(pass)) != 1 {
			log.Warnf("管理接口密码校验失败, path: %s, clientIP: %s", c.Request.URL.Path, c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    http.StatusUnauthorized,
				"message": "密码错误",
			})
			return
		}
		c.Next()
	}
}
