package middleware

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yelon-L/chrome-ext-devtools-mcp-sub001/internal/ratelimit"
)

const (
	scopeGlobal = "global"
	scopeUser   = "user"
)

// GlobalRateLimit takes one token per request from the shared bucket.
func GlobalRateLimit(bucket *ratelimit.TokenBucket, recorder Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		if bucket == nil {
			c.Next()
			return
		}
		if err := bucket.Acquire(c.Request.Context(), 1); err != nil {
			rejectRateLimited(c, err, scopeGlobal, recorder, CodeRateLimitExceeded,
				"Global rate limit exceeded. Please try again later.")
			return
		}
		c.Next()
	}
}

// UserRateLimit applies the per-user limiter to the authenticated identity.
// It must run after TokenAuth.
func UserRateLimit(limiter *ratelimit.PerUser, recorder Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString(userIDKey)
		if limiter == nil || userID == "" {
			c.Next()
			return
		}
		if err := limiter.Wait(c.Request.Context(), userID); err != nil {
			rejectRateLimited(c, err, scopeUser, recorder, CodeUserRateLimitExceeded,
				"User rate limit exceeded. Please try again later.")
			return
		}
		c.Next()
	}
}

func rejectRateLimited(c *gin.Context, err error, scope string, recorder Recorder, code, message string) {
	if recorder != nil {
		recorder.RateLimited(scope)
	}
	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		setRetryAfter(c, exceeded.RetryAfter)
	} else {
		setRetryAfter(c, time.Second)
	}
	Abort(c, http.StatusTooManyRequests, code, message)
}

// setRetryAfter writes whole seconds, rounding up and never below one.
func setRetryAfter(c *gin.Context, d time.Duration) {
	seconds := int(math.Ceil(d.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	c.Header("Retry-After", strconv.Itoa(seconds))
}
