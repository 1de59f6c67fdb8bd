// Package middleware adapts the guard engine to the HTTP transport: request
// attribute extraction, verdict translation, and the operator admin API.
package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vortexpay/velocityguard/internal/guard"
)

// Request attribute headers populated by upstream auth and edge layers.
const (
	headerIdentity  = "X-User-ID"
	headerDevice    = "X-Device-Fingerprint"
	headerGeography = "X-Geo-Country"
)

// RateLimit returns a gin middleware that runs every request through the
// guard engine and translates a non-admitted verdict into a 429 response.
func RateLimit(engine *guard.Engine, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
			c.Header("X-Trace-ID", traceID)
		}

		req := requestFromContext(c)
		verdict := engine.Check(c.Request.Context(), req)

		if verdict.Limit > 0 {
			c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", verdict.Limit))
			c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", verdict.Remaining))
		}
		if verdict.Suspicious {
			c.Header("X-Risk-Score", fmt.Sprintf("%d", verdict.RiskScore))
		}

		if !verdict.Admitted {
			logger.Warn("request rate limited",
				zap.String("trace_id", traceID),
				zap.String("path", req.Path),
				zap.String("violating_scope", verdict.ViolatingScopeKey),
				zap.Int("retry_after_seconds", verdict.RetryAfterSeconds),
			)
			c.Header("Retry-After", fmt.Sprintf("%d", verdict.RetryAfterSeconds))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":               "RATE_LIMIT_EXCEEDED",
				"message":             "Too many requests",
				"retry_after_seconds": verdict.RetryAfterSeconds,
				"trace_id":            traceID,
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// requestFromContext extracts the guard request attributes from the inbound
// HTTP request. Missing attributes stay empty; the engine degrades to the
// dimensions it knows.
func requestFromContext(c *gin.Context) guard.Request {
	return guard.Request{
		Address:           c.ClientIP(),
		IdentityID:        c.GetHeader(headerIdentity),
		DeviceFingerprint: c.GetHeader(headerDevice),
		Geography:         c.GetHeader(headerGeography),
		Path:              c.Request.URL.Path,
		Method:            c.Request.Method,
		UserAgent:         c.GetHeader("User-Agent"),
	}
}
