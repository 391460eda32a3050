package gate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/fingerprint"
	"github.com/mbd888/riskgate/internal/ipcheck"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/risk"
	"github.com/mbd888/riskgate/internal/traces"
)

// Scorer computes risk for a request.
type Scorer interface {
	Score(ctx context.Context, rc risk.Context) (*risk.Score, error)
}

// SessionToucher refreshes a session's last activity.
type SessionToucher interface {
	Touch(ctx context.Context, id string, at time.Time) error
}

// Gate evaluates requests. It holds no per-request state.
type Gate struct {
	ips      *ipcheck.Checker
	scorer   Scorer
	sessions SessionToucher
	recorder *audit.Recorder
	now      func() time.Time
}

// New creates a gate.
func New(ips *ipcheck.Checker, scorer Scorer, sessions SessionToucher, recorder *audit.Recorder) *Gate {
	return &Gate{ips: ips, scorer: scorer, sessions: sessions, recorder: recorder, now: time.Now}
}

// WithClock overrides the time source.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Evaluate runs the checks in order: IP, MFA (if required), role (if
// restricted), risk, session. The first failing step denies. Infrastructure
// failures are returned as errors, never as allow.
func (g *Gate) Evaluate(ctx context.Context, req Request, opts Options) (*Decision, error) {
	if req.Identity == nil {
		return nil, fmt.Errorf("gate: request has no identity")
	}
	ctx, span := traces.StartSpan(ctx, "gate.Evaluate",
		traces.IdentityID(req.Identity.ID), traces.Action(req.Method+" "+req.Path))
	defer span.End()

	userID := req.Identity.ID
	origin := audit.Origin{IP: req.IP}
	fp := ""
	if req.Headers != nil {
		fp = fingerprint.Generate(req.Headers)
		origin.UserAgent = req.Headers.Get("User-Agent")
		origin.DeviceInfo = fingerprint.DeviceInfo(req.Headers)
	}

	deny := func(step Step, entry audit.Entry, errText, message string, details map[string]any) *Decision {
		g.recorder.Record(ctx, entry)
		metrics.GateDecisionsTotal.WithLabelValues(string(step), "denied").Inc()
		span.SetAttributes(traces.Step(string(step)))
		logging.L(ctx).Info("gate denied request", "step", string(step), "path", req.Path, "reason", message)
		return &Decision{Blocked: true, Step: step, Error: errText, Message: message, Details: details, Fingerprint: fp}
	}

	// IP reputation.
	if res := g.ips.Check(ctx, req.IP, userID); !res.Allowed {
		return deny(StepIP,
			audit.ZeroTrustBlock(userID, req.Path, origin, audit.BlockMetadata{Reason: res.Reason, Type: audit.BlockIPRestriction}),
			"Access denied", res.Reason, nil), nil
	}

	// MFA enrolment.
	if opts.RequireMFA && !req.Identity.MFAEnabled {
		const msg = "This action requires MFA to be enabled"
		return deny(StepMFA,
			audit.Denial(userID, audit.ActionMFARequired, req.Path, origin, audit.BlockMetadata{Reason: msg, Type: audit.BlockMFA}),
			"MFA required", msg, nil), nil
	}

	// Role membership.
	if len(opts.AllowedRoles) > 0 && !req.Identity.HasAnyRole(opts.AllowedRoles...) {
		const msg = "Insufficient role privileges"
		return deny(StepRole,
			audit.PermissionDenied(userID, strings.Join(opts.AllowedRoles, ","), origin,
				audit.BlockMetadata{Reason: msg, RequiredRoles: opts.AllowedRoles}),
			"Access denied", msg, nil), nil
	}

	// Behavioural risk. The scorer records the assessment itself.
	score, err := g.scorer.Score(ctx, risk.Context{
		IdentityID:  userID,
		Action:      req.Method + " " + req.Path,
		Resource:    req.resource(),
		IP:          req.IP,
		Fingerprint: fp,
		Hour:        risk.HourOf(g.now()),
		Amount:      req.Amount,
		Origin:      origin,
		Path:        req.Path,
	})
	if err != nil {
		metrics.GateDecisionsTotal.WithLabelValues(string(StepRisk), "error").Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("gate: risk check: %w", err)
	}
	if score.Recommendation == risk.Block {
		const msg = "High risk activity detected"
		d := deny(StepRisk,
			audit.ZeroTrustBlock(userID, req.Path, origin, audit.BlockMetadata{
				Reason: msg, Type: audit.BlockRisk, RiskScore: score.Score, Factors: score.Factors,
			}),
			"Access denied", msg, map[string]any{"riskScore": score.Score, "factors": score.Factors})
		d.Risk = score
		return d, nil
	}
	if score.Recommendation == risk.Review && opts.MinRiskScore > 0 && score.Score >= opts.MinRiskScore {
		const msg = "This action requires additional verification"
		d := deny(StepRisk,
			audit.ZeroTrustBlock(userID, req.Path, origin, audit.BlockMetadata{
				Reason: msg, Type: audit.BlockRisk, RiskScore: score.Score, Factors: score.Factors,
			}),
			"Additional verification required", msg, map[string]any{"riskScore": score.Score})
		d.Risk = score
		return d, nil
	}

	// Session validity.
	if s := req.Session; s != nil {
		now := g.now()
		if s.Expired(now) {
			const msg = "Please login again"
			d := deny(StepSession,
				audit.Denial(userID, audit.ActionSessionExpired, req.Path, origin,
					audit.BlockMetadata{Reason: "Session expired", Type: audit.BlockSession}),
				"Session expired", msg, nil)
			d.Risk = score
			return d, nil
		}
		if err := g.sessions.Touch(ctx, s.ID, now); err != nil {
			metrics.GateDecisionsTotal.WithLabelValues(string(StepSession), "error").Inc()
			return nil, fmt.Errorf("gate: session touch: %w", err)
		}
	}

	metrics.GateDecisionsTotal.WithLabelValues(string(StepAllowed), "allowed").Inc()
	span.SetAttributes(traces.Step(string(StepAllowed)), traces.Score(score.Score))
	return &Decision{Step: StepAllowed, Risk: score, Fingerprint: fp}, nil
}
