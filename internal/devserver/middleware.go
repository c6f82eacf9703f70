package devserver

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RateLimitMessage is the error body of a 429 response.
const RateLimitMessage = "Too many requests. Please try again later."

// NewRateLimiter creates a Gin middleware that limits each client IP to
// requests per period. period is a duration string (e.g. "1m", "1h").
// Rejected requests get a 429 with a Retry-After header and a JSON body
// carrying retry_after in seconds.
func NewRateLimiter(requests int64, period string) (gin.HandlerFunc, error) {
	duration, err := time.ParseDuration(period)
	if err != nil {
		return nil, fmt.Errorf("invalid rate limit period %q: %w", period, err)
	}
	if requests <= 0 {
		return nil, fmt.Errorf("invalid rate limit %d: must be positive", requests)
	}

	rate := limiter.Rate{
		Period: duration,
		Limit:  requests,
	}

	instance := limiter.New(memory.NewStore(), rate)
	return mgin.NewMiddleware(instance, mgin.WithLimitReachedHandler(limitReached)), nil
}

// limitReached runs after the limiter has set its X-RateLimit-* headers.
func limitReached(c *gin.Context) {
	retryAfter := 1
	if reset, err := strconv.ParseInt(c.Writer.Header().Get("X-RateLimit-Reset"), 10, 64); err == nil {
		if secs := int(time.Until(time.Unix(reset, 0)).Seconds()); secs > retryAfter {
			retryAfter = secs
		}
	}

	c.Header("Retry-After", strconv.Itoa(retryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       RateLimitMessage,
		"retry_after": retryAfter,
	})
}

// sensitiveParams lists query parameter names whose values must be redacted from logs.
var sensitiveParams = map[string]bool{
	"token": true,
	"sig":   true,
}

// redactQueryString replaces values of known sensitive query parameters with [REDACTED].
func redactQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}

	params, err := url.ParseQuery(rawQuery)
	if err != nil {
		return rawQuery
	}

	redacted := false
	for name, values := range params {
		if sensitiveParams[strings.ToLower(name)] {
			for i := range values {
				values[i] = "[REDACTED]"
			}
			redacted = true
		}
	}
	if !redacted {
		return rawQuery
	}
	return params.Encode()
}

// requestLogger logs each request at a level matching its status.
func requestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()

	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := redactQueryString(c.Request.URL.RawQuery)

		c.Next()

		status := c.Writer.Status()
		event := log.Debug()
		switch {
		case status >= 500:
			event = log.Error()
		case status >= 400:
			event = log.Warn()
		}

		event.
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", query).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

// bodyLimit caps request bodies at maxBytes.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
