package router

import (
	"fmt"
	"strings"
	"time"

	"github.com/dujiao-next/transaction/internal/cache"
	"github.com/dujiao-next/transaction/internal/http/response"
	"github.com/dujiao-next/transaction/internal/logger"

	"github.com/gin-gonic/gin"
)

// RateLimitKeyFunc 生成限流 key 的函数
type RateLimitKeyFunc func(*gin.Context) string

// RateLimitRule 限流规则
type RateLimitRule struct {
	Prefix        string
	WindowSeconds int
	MaxRequests   int
}

// RateLimitMiddleware Redis 频率限制中间件，缓存不可用时放行
func RateLimitMiddleware(rule RateLimitRule, keyFunc RateLimitKeyFunc) gin.HandlerFunc {
	window := time.Duration(rule.WindowSeconds) * time.Second
	return func(c *gin.Context) {
		if rule.WindowSeconds <= 0 || rule.MaxRequests <= 0 {
			c.Next()
			return
		}

		key := ""
		if keyFunc != nil {
			key = strings.TrimSpace(keyFunc(c))
		}
		if key == "" {
			key = c.ClientIP()
		}
		if rule.Prefix != "" {
			key = fmt.Sprintf("%s:%s", rule.Prefix, key)
		}

		allowed, retryAfter, err := cache.AllowRequest(c.Request.Context(), key, rule.MaxRequests, window)
		if err != nil {
			logger.SW("request_id", getRequestID(c)).Warnw("rate_limit_unavailable", "key", key, "error", err)
			c.Next()
			return
		}
		if !allowed {
			waitSeconds := int(retryAfter.Round(time.Second) / time.Second)
			if waitSeconds < 1 {
				waitSeconds = 1
			}
			response.Error(c, response.CodeTooManyRequests, fmt.Sprintf("请求过于频繁，请 %d 秒后重试", waitSeconds))
			c.Abort()
			return
		}

		c.Next()
	}
}

// KeyByIP 使用 IP 作为限流 key
func KeyByIP(c *gin.Context) string {
	return c.ClientIP()
}

// KeyByIPAndParam 使用 IP + 路径参数作为限流 key
func KeyByIPAndParam(param string) RateLimitKeyFunc {
	return func(c *gin.Context) string {
		value := strings.TrimSpace(c.Param(param))
		if value == "" {
			return c.ClientIP()
		}
		return fmt.Sprintf("%s|%s", value, c.ClientIP())
	}
}
