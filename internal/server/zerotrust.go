package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/auth"
	"github.com/mbd888/riskgate/internal/gate"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/risk"
)

// contextKeyDecision stores the allowing gate.Decision in the gin context.
const contextKeyDecision = "gateDecision"

// zeroTrust gates a route that carries no transaction amount.
func (s *Server) zeroTrust(defaults gate.Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, ok := s.evaluate(c, defaults, decimal.NullDecimal{})
		if !ok {
			return
		}
		c.Set(contextKeyDecision, d)
		c.Next()
	}
}

// evaluate runs the gate for the current request under the route's
// effective policy. On false the response has been written.
func (s *Server) evaluate(c *gin.Context, defaults gate.Options, amount decimal.NullDecimal) (*gate.Decision, bool) {
	ctx := c.Request.Context()
	p, ok := auth.GetPrincipal(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
		return nil, false
	}

	route := c.Request.Method + " " + c.FullPath()
	eff, err := s.resolver.Resolve(ctx, route, defaults)
	if err != nil {
		logging.L(ctx).Error("policy resolution failed", "route", route, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return nil, false
	}

	d, err := s.gate.Evaluate(ctx, gate.Request{
		Identity: p.Identity,
		Session:  p.Session,
		IP:       c.ClientIP(),
		Headers:  c.Request.Header,
		Method:   c.Request.Method,
		Path:     c.Request.URL.Path,
		Amount:   amount,
	}, eff.Options)
	if err != nil {
		logging.L(ctx).Error("zero-trust evaluation failed", "route", route, "error", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return nil, false
	}
	if !d.Blocked {
		return d, true
	}

	if eff.Shadow && policyDriven(d) {
		logging.L(ctx).Warn("shadow policy would block",
			"route", route, "step", string(d.Step), "reason", d.Message)
		return d, true
	}

	status := http.StatusForbidden
	if d.Unauthenticated() {
		status = http.StatusUnauthorized
	}
	c.AbortWithStatusJSON(status, decisionBody(d))
	return nil, false
}

// policyDriven reports whether a denial came from a per-route option rather
// than from the IP lists, a blocking risk score or session expiry. Only those
// denials are waived for shadow policies.
func policyDriven(d *gate.Decision) bool {
	switch d.Step {
	case gate.StepMFA, gate.StepRole:
		return true
	case gate.StepRisk:
		return d.Risk != nil && d.Risk.Recommendation == risk.Review
	}
	return false
}

func decisionBody(d *gate.Decision) gin.H {
	body := gin.H{"error": d.Error}
	if d.Message != "" {
		body["message"] = d.Message
	}
	for k, v := range d.Details {
		body[k] = v
	}
	return body
}

func decision(c *gin.Context) *gate.Decision {
	if v, ok := c.Get(contextKeyDecision); ok {
		if d, ok := v.(*gate.Decision); ok {
			return d
		}
	}
	return nil
}
