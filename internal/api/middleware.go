// internal/api/middleware.go
package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Corphon/huaxu/internal/utils"
)

const requestIDKey = "request_id"

// RateLimiter 固定窗口限流，按 key 计数
type RateLimiter struct {
	visitors  map[string]*Visitor
	mu        sync.Mutex
	lastSweep time.Time
}

// Visitor 一个 key 在当前窗口内的额度
type Visitor struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{visitors: make(map[string]*Visitor), lastSweep: time.Now()}
}

// sweep 调用方需持有锁，每小时最多清理一次过期记录
func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < time.Hour {
		return
	}
	for key, visitor := range rl.visitors {
		if now.After(visitor.Reset) {
			delete(rl.visitors, key)
		}
	}
	rl.lastSweep = now
}

// Allow 返回是否放行以及剩余额度与重置时间
func (rl *RateLimiter) Allow(key string, limit int, window time.Duration) (bool, int, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	rl.sweep(now)

	visitor, exists := rl.visitors[key]
	if !exists || now.After(visitor.Reset) {
		visitor = &Visitor{Limit: limit, Remaining: limit, Reset: now.Add(window)}
		rl.visitors[key] = visitor
	}
	if visitor.Remaining <= 0 {
		return false, 0, visitor.Reset
	}
	visitor.Remaining--
	return true, visitor.Remaining, visitor.Reset
}

// RateLimitMiddleware creates a rate limiting middleware
func RateLimitMiddleware(rl *RateLimiter, limit int, window time.Duration, keyFunc func(*gin.Context) string) gin.HandlerFunc {
	response := NewResponseHelper()
	return func(c *gin.Context) {
		ok, remaining, reset := rl.Allow(keyFunc(c), limit, window)
		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", reset.Unix()))

		if !ok {
			response.Error(c, http.StatusTooManyRequests, ErrorRateLimited, "请求过于频繁，请稍后再试")
			c.Abort()
			return
		}
		c.Next()
	}
}

// AnalysisRateLimit 分析与图像生成接口较重，按 IP 每分钟 20 次
func AnalysisRateLimit(rl *RateLimiter) gin.HandlerFunc {
	return RateLimitMiddleware(rl, 20, time.Minute, func(c *gin.Context) string {
		return "analysis:" + c.ClientIP()
	})
}

// DefaultRateLimit 100 requests per minute by IP
func DefaultRateLimit(rl *RateLimiter) gin.HandlerFunc {
	return RateLimitMiddleware(rl, 100, time.Minute, func(c *gin.Context) string {
		return c.ClientIP()
	})
}

// requestIDMiddleware 沿用客户端传入的 X-Request-ID，否则生成一个
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// requestLogger 记录请求日志与接口指标
func requestLogger(logger *utils.Logger, metrics *utils.StudioMetrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()
		metrics.RecordAPIRequest(route, c.Request.Method, status, time.Since(start))

		fields := map[string]interface{}{
			"method":      c.Request.Method,
			"route":       route,
			"status":      status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  c.GetString(requestIDKey),
		}
		if status >= http.StatusInternalServerError {
			logger.Warn("请求失败", fields)
		} else {
			logger.Debug("请求完成", fields)
		}
	}
}

// corsMiddleware 实现跨域资源共享
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, PATCH, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
