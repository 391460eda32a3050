package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/metrics"
)

// KeyFunc derives the counting key for a request. An empty key skips the
// profile for that request.
type KeyFunc func(c *gin.Context) string

// Profile is a fixed-window limit applied to a group of routes.
type Profile struct {
	Name    string
	Max     int64
	Window  time.Duration
	Key     KeyFunc
	Error   string
	Message string
}

// TrustList reports addresses exempt from rate limiting.
type TrustList interface {
	IsTrusted(ip string) bool
}

// ByIP keys requests by client IP under prefix.
func ByIP(prefix string) KeyFunc {
	return func(c *gin.Context) string {
		return prefix + c.ClientIP()
	}
}

// ByIdentity keys requests by the authenticated identity, falling back to
// the client IP. When required is set, anonymous requests are not counted.
func ByIdentity(prefix string, identityOf func(*gin.Context) string, required bool) KeyFunc {
	return func(c *gin.Context) string {
		if id := identityOf(c); id != "" {
			return prefix + id
		}
		if required {
			return ""
		}
		return prefix + c.ClientIP()
	}
}

// General allows 100 requests per 15 minutes per IP.
func General() Profile {
	return Profile{
		Name:    "general",
		Max:     100,
		Window:  15 * time.Minute,
		Key:     ByIP(""),
		Error:   "Too many requests",
		Message: "Rate limit exceeded. Please try again later.",
	}
}

// Auth allows 5 authentication attempts per 15 minutes per IP.
func Auth() Profile {
	return Profile{
		Name:    "auth",
		Max:     5,
		Window:  15 * time.Minute,
		Key:     ByIP("auth:"),
		Error:   "Too many authentication attempts",
		Message: "Please try again in 15 minutes.",
	}
}

// Transfer allows 10 transfers per hour per authenticated identity.
func Transfer(identityOf func(*gin.Context) string) Profile {
	return Profile{
		Name:    "transfer",
		Max:     10,
		Window:  time.Hour,
		Key:     ByIdentity("transfer:", identityOf, true),
		Error:   "Transfer limit exceeded",
		Message: "Maximum 10 transfers per hour allowed.",
	}
}

// AccountCreation allows 3 new accounts per day per identity.
func AccountCreation(identityOf func(*gin.Context) string) Profile {
	return Profile{
		Name:    "account",
		Max:     3,
		Window:  24 * time.Hour,
		Key:     ByIdentity("account:", identityOf, false),
		Error:   "Account creation limit exceeded",
		Message: "Maximum 3 accounts per day allowed.",
	}
}

// Middleware enforces p using counter. Trusted addresses bypass the profile.
// Counter failures let the request through.
func Middleware(counter Counter, p Profile, trusted TrustList) gin.HandlerFunc {
	return func(c *gin.Context) {
		if trusted != nil && trusted.IsTrusted(c.ClientIP()) {
			c.Next()
			return
		}
		key := p.Key(c)
		if key == "" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		hit, err := counter.Increment(ctx, p.Name+":"+key, p.Window)
		if err != nil {
			logging.L(ctx).Error("rate limit counter failed", "profile", p.Name, "error", err)
			c.Next()
			return
		}

		remaining := p.Max - hit.Count
		if remaining < 0 {
			remaining = 0
		}
		resetIn := int(math.Ceil(time.Until(hit.ResetAt).Seconds()))
		if resetIn < 0 {
			resetIn = 0
		}
		c.Header("RateLimit-Limit", strconv.FormatInt(p.Max, 10))
		c.Header("RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		c.Header("RateLimit-Reset", strconv.Itoa(resetIn))

		if hit.Count > p.Max {
			metrics.RateLimitRejectionsTotal.WithLabelValues(p.Name).Inc()
			c.Header("Retry-After", strconv.Itoa(resetIn))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      p.Error,
				"message":    p.Message,
				"retryAfter": int(p.Window.Seconds()),
			})
			return
		}
		c.Next()
	}
}
