package risk

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/metrics"
	"github.com/mbd888/riskgate/internal/session"
	"github.com/mbd888/riskgate/internal/traces"
)

const (
	pointsOffHours      = 15
	pointsNewDevice     = 25
	pointsPerFailure    = 10
	pointsHighValue     = 20
	pointsNewIP         = 15
	pointsRapidActivity = 20
	pointsSensitive     = 10

	failedLoginWindow  = time.Hour
	activityWindow     = 5 * time.Minute
	rapidActivityCount = 10
	sensitiveResource  = "customer"
	dayStartHour       = 6
	dayEndHour         = 22
)

var (
	highValueAmount = decimal.NewFromInt(100_000)
	sensitiveAmount = decimal.NewFromInt(50_000)
)

// Scorer computes risk scores and records every assessment.
type Scorer struct {
	signals         Signals
	history         History
	recorder        *audit.Recorder
	blockThreshold  int
	reviewThreshold int
}

// NewScorer creates a scorer. recorder may be nil, in which case assessments
// are not audited.
func NewScorer(signals Signals, history History, recorder *audit.Recorder) *Scorer {
	return &Scorer{
		signals:         signals,
		history:         history,
		recorder:        recorder,
		blockThreshold:  DefaultBlockThreshold,
		reviewThreshold: DefaultReviewThreshold,
	}
}

// WithBlockThreshold overrides the default block threshold.
func (s *Scorer) WithBlockThreshold(t int) *Scorer {
	s.blockThreshold = t
	return s
}

// WithReviewThreshold overrides the default review threshold.
func (s *Scorer) WithReviewThreshold(t int) *Scorer {
	s.reviewThreshold = t
	return s
}

// Score evaluates rc and appends a RISK_ASSESSMENT record. A failed history
// read returns an error and no score.
func (s *Scorer) Score(ctx context.Context, rc Context) (*Score, error) {
	ctx, span := traces.StartSpan(ctx, "risk.Score", traces.IdentityID(rc.IdentityID), traces.Action(rc.Action))
	defer span.End()

	score, factors, err := s.evaluate(ctx, rc)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	rec := s.recommend(score)
	if score > MaxScore {
		score = MaxScore
	}
	result := &Score{Score: score, Factors: factors, Recommendation: rec}

	span.SetAttributes(traces.Score(score))
	metrics.RiskScores.Observe(float64(score))
	metrics.RiskRecommendationsTotal.WithLabelValues(string(rec)).Inc()

	if s.recorder != nil {
		resource := rc.Path
		if resource == "" {
			resource = rc.Resource
		}
		s.recorder.Record(ctx, audit.RiskAssessment(rc.IdentityID, resource, rc.Origin, audit.RiskMetadata{
			RiskScore:      result.Score,
			Factors:        result.Factors,
			Recommendation: string(rec),
			RequestAction:  rc.Action,
		}))
	}
	return result, nil
}

// evaluate sums the triggered factors. The returned score is not clamped.
func (s *Scorer) evaluate(ctx context.Context, rc Context) (int, []string, error) {
	score := 0
	factors := []string{}
	add := func(points int, factor string) {
		score += points
		factors = append(factors, factor)
	}

	if rc.Hour < dayStartHour || rc.Hour > dayEndHour {
		add(pointsOffHours, FactorOffHours)
	}

	devices, err := s.history.RecentDevices(ctx, rc.IdentityID, session.DeviceHistory)
	if err != nil {
		return 0, nil, fmt.Errorf("risk: device history: %w", err)
	}
	if len(devices) > 0 && !slices.Contains(devices, rc.Fingerprint) {
		add(pointsNewDevice, FactorNewDevice)
	}

	failures, err := s.signals.FailedLogins(ctx, rc.IdentityID, failedLoginWindow)
	if err != nil {
		return 0, nil, fmt.Errorf("risk: failed logins: %w", err)
	}
	if failures > 0 {
		add(failures*pointsPerFailure, strconv.Itoa(failures)+" recent failed login attempts")
	}

	if rc.Amount.Valid && rc.Amount.Decimal.GreaterThan(highValueAmount) {
		add(pointsHighValue, FactorHighValue)
	}

	ips, err := s.history.RecentIPs(ctx, rc.IdentityID, session.IPHistory)
	if err != nil {
		return 0, nil, fmt.Errorf("risk: ip history: %w", err)
	}
	if len(ips) > 0 && !slices.Contains(ips, rc.IP) {
		add(pointsNewIP, FactorNewIP)
	}

	recent, err := s.signals.RecentActivity(ctx, rc.IdentityID, activityWindow)
	if err != nil {
		return 0, nil, fmt.Errorf("risk: recent activity: %w", err)
	}
	if recent > rapidActivityCount {
		add(pointsRapidActivity, FactorRapidActivity)
	}

	if rc.Resource == sensitiveResource || (rc.Amount.Valid && rc.Amount.Decimal.GreaterThan(sensitiveAmount)) {
		add(pointsSensitive, FactorSensitive)
	}

	return score, factors, nil
}

func (s *Scorer) recommend(score int) Recommendation {
	switch {
	case score >= s.blockThreshold:
		return Block
	case score >= s.reviewThreshold:
		return Review
	default:
		return Allow
	}
}
