package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/user/poplens/internal/logging"
)

// Logger 请求日志中间件
func Logger() gin.HandlerFunc {
	log := logging.Component("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		// 处理请求
		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// Recovery panic 时记录日志并返回 500
func Recovery() gin.HandlerFunc {
	log := logging.Component("http")
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("请求处理 panic")
		c.AbortWithStatusJSON(500, gin.H{"code": 500, "message": "服务器内部错误", "success": false})
	})
}
