package middleware

import (
	"net/http"
	"strings"
	"time"

	"admitflow/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CORSMiddleware CORS 中间件，按配置放行来源
func CORSMiddleware(cc config.CORSConfig) gin.HandlerFunc {
	if !cc.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	methods := strings.Join(append(append([]string{}, cc.AllowedMethods...), http.MethodOptions), ", ")
	headers := strings.Join(cc.AllowedHeaders, ", ")
	if headers == "" || headers == "*" {
		headers = "Origin, Content-Type, Content-Length, Accept-Encoding, X-Request-ID, Authorization"
	}
	allowAll := false
	allowed := make(map[string]bool, len(cc.AllowedOrigins))
	for _, o := range cc.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		allowed[o] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "" && allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestLogger 请求日志
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
		switch {
		case c.Writer.Status() >= 500:
			entry.Error("request failed")
		case c.Writer.Status() >= 400:
			entry.Warn("request rejected")
		default:
			entry.Debug("request served")
		}
	}
}
