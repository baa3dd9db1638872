package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wyfcoding/fulfillment/pkg/logger"
	"github.com/wyfcoding/fulfillment/pkg/metrics"
	"github.com/wyfcoding/fulfillment/pkg/ratelimit"
)

// RateLimitMiddleware 按策略对写请求限流，计数键为规则 + 客户端 IP。限流器故障时放行。
func RateLimitMiddleware(limiter ratelimit.RateLimiter, policy *ratelimit.Policy, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		rule, limited := policy.Match(c.Request.Method, c.FullPath(), c.ClientIP())
		if !limited {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		res, err := limiter.Allow(ctx, rule.Key, rule.Limit)
		if err != nil {
			logger.Warn(ctx, "rate limiter unavailable", "rule", rule.Name, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rule.Limit.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))

		if !res.Allowed {
			m.RecordRateLimited(rule.Name)
			logger.Warn(ctx, "request rate limited", "rule", rule.Name, "client_ip", c.ClientIP())
			c.Header("Retry-After", strconv.Itoa(int(res.RetryAfter.Seconds())+1))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "RateLimited",
				"message": "too many requests",
			})
			return
		}
		c.Next()
	}
}
