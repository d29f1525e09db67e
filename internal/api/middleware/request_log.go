package middleware

import (
	"time"

	"log/slog"

	"github.com/gin-gonic/gin"
)

// RequestLogger logs HTTP request/response metadata.
//
// /healthz 和 /metrics 的成功请求只在 debug 级别记录，避免探针刷屏。
func RequestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		if logger == nil {
			return
		}

		status := c.Writer.Status()
		path := c.Request.URL.Path
		level := slog.LevelInfo
		switch {
		case status >= 500:
			level = slog.LevelError
		case status >= 400:
			level = slog.LevelWarn
		case path == "/healthz" || path == "/metrics":
			level = slog.LevelDebug
		}

		attrs := []slog.Attr{
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.String("client_ip", c.ClientIP()),
			slog.String("latency", time.Since(start).String()),
		}
		if id := c.GetString(JobIDKey); id != "" {
			attrs = append(attrs, slog.String("job_id", id))
		}
		logger.LogAttrs(c.Request.Context(), level, "http request", attrs...)
	}
}

// JobIDKey 处理器把相关任务 ID 写入 gin.Context 的键，供访问日志输出。
const JobIDKey = "jobID"
