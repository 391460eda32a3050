package bruteforce

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/riskgate/internal/logging"
)

// TrustList reports addresses exempt from lockout.
type TrustList interface {
	IsTrusted(ip string) bool
}

// Middleware rejects blocked attempts with 429 and holds the rest for the
// progressive delay. identifierOf may return "" to key by IP only. Guard
// failures let the request through.
func Middleware(g *Guard, identifierOf func(*gin.Context) string, trusted TrustList) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if trusted != nil && trusted.IsTrusted(ip) {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		attempt := Attempt{IP: ip, UserAgent: c.GetHeader("User-Agent")}
		if identifierOf != nil {
			attempt.Identifier = identifierOf(c)
		}

		v, err := g.Check(ctx, attempt)
		if err != nil {
			logging.L(ctx).Error("bruteforce check failed", "ip", ip, "error", err)
			c.Next()
			return
		}
		if v.Blocked {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":      "Account temporarily locked",
				"message":    v.Message,
				"retryAfter": int(v.RetryAfter.Seconds()),
			})
			return
		}

		if v.Delay > 0 {
			t := time.NewTimer(v.Delay)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				c.Abort()
				return
			}
		}
		c.Next()
	}
}
