// Package bruteforce locks out IPs and login identifiers after repeated
// failed logins. Attempts and blocks are read from and written to the audit
// log, so the lockout holds across replicas sharing an audit store.
package bruteforce

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/mbd888/riskgate/internal/audit"
	"github.com/mbd888/riskgate/internal/logging"
	"github.com/mbd888/riskgate/internal/metrics"
)

// Resource tags block records.
const Resource = "authentication"

// MaxDelay caps the progressive delay.
const MaxDelay = 16 * time.Second

// Config tunes the guard.
type Config struct {
	MaxAttempts   int
	Window        time.Duration
	BlockDuration time.Duration
}

// DefaultConfig allows 5 failures per 15 minutes and blocks for 15 minutes.
func DefaultConfig() Config {
	return Config{MaxAttempts: 5, Window: 15 * time.Minute, BlockDuration: 15 * time.Minute}
}

// Attempt identifies who is trying to authenticate.
type Attempt struct {
	IP         string
	Identifier string // email or identity id; the IP when unknown
	UserAgent  string
}

func (a Attempt) subject() audit.Subject {
	id := a.Identifier
	if id == "" {
		id = a.IP
	}
	return audit.Subject{IdentityID: id, IP: a.IP}
}

// Verdict is the outcome of a check.
type Verdict struct {
	Blocked        bool
	FailedAttempts int
	RetryAfter     time.Duration
	Message        string
	// Delay is how long the caller should hold the request when not blocked.
	Delay time.Duration
}

// Guard evaluates attempts against the audit log.
type Guard struct {
	signals  *audit.SignalView
	recorder *audit.Recorder
	cfg      Config
	now      func() time.Time
}

// NewGuard creates a guard reading signals and writing blocks to recorder.
func NewGuard(signals *audit.SignalView, recorder *audit.Recorder, cfg Config) *Guard {
	return &Guard{signals: signals, recorder: recorder, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source. The signal view keeps its own clock.
func (g *Guard) WithClock(now func() time.Time) *Guard {
	g.now = now
	return g
}

// Check decides whether an attempt may proceed. A live block rejects it; a
// failure count at the limit starts a new block.
func (g *Guard) Check(ctx context.Context, a Attempt) (Verdict, error) {
	subject := a.subject()
	origin := audit.Origin{IP: a.IP, UserAgent: a.UserAgent}
	now := g.now()

	lookback := g.cfg.Window
	if g.cfg.BlockDuration > lookback {
		lookback = g.cfg.BlockDuration
	}
	latest, err := g.signals.LatestBySubject(ctx, subject, audit.ActionBruteforceBlock, audit.StatusBlocked, lookback)
	if err != nil {
		return Verdict{}, fmt.Errorf("bruteforce: latest block: %w", err)
	}
	if latest != nil {
		until := g.blockUntil(latest)
		if now.Before(until) {
			minutes := int(math.Ceil(until.Sub(now).Minutes()))
			g.recorder.Record(ctx, audit.Entry{
				IdentityID: subject.IdentityID,
				Action:     audit.ActionBruteforceBlock,
				Resource:   Resource,
				Status:     audit.StatusBlocked,
				Origin:     origin,
				Metadata: audit.BlockMetadata{
					Reason:     "Already blocked",
					Type:       audit.BlockBruteforce,
					Identifier: subject.IdentityID,
					BlockUntil: &until,
				},
			})
			return Verdict{
				Blocked:    true,
				RetryAfter: time.Duration(minutes) * time.Minute,
				Message:    fmt.Sprintf("Too many failed attempts. Please try again in %d minutes.", minutes),
			}, nil
		}
	}

	failed, err := g.signals.FailedLoginsBySubject(ctx, subject, g.cfg.Window)
	if err != nil {
		return Verdict{}, fmt.Errorf("bruteforce: failed logins: %w", err)
	}
	if failed >= g.cfg.MaxAttempts {
		until := now.Add(g.cfg.BlockDuration).UTC()
		g.recorder.Record(ctx, audit.Entry{
			IdentityID: subject.IdentityID,
			Action:     audit.ActionBruteforceBlock,
			Resource:   Resource,
			Status:     audit.StatusBlocked,
			Origin:     origin,
			Metadata: audit.BlockMetadata{
				Reason:         "Max attempts exceeded",
				Type:           audit.BlockBruteforce,
				Identifier:     subject.IdentityID,
				FailedAttempts: failed,
				BlockUntil:     &until,
			},
		})
		metrics.BruteforceBlocksTotal.Inc()
		logging.L(ctx).Warn("bruteforce block",
			"ip", a.IP,
			"identifier", subject.IdentityID,
			"failed_attempts", failed,
		)
		return Verdict{
			Blocked:        true,
			FailedAttempts: failed,
			RetryAfter:     g.cfg.BlockDuration,
			Message: fmt.Sprintf("Too many failed login attempts. Please try again in %d minutes.",
				int(g.cfg.BlockDuration.Minutes())),
		}, nil
	}

	return Verdict{FailedAttempts: failed, Delay: Delay(failed)}, nil
}

func (g *Guard) blockUntil(rec *audit.Record) time.Time {
	if md, ok := rec.Metadata.(audit.BlockMetadata); ok && md.BlockUntil != nil {
		return *md.BlockUntil
	}
	return rec.CreatedAt.Add(g.cfg.BlockDuration)
}

// Delay is the progressive slowdown after failed attempts:
// 0, 1s, 2s, 4s, 8s, then 16s.
func Delay(failedAttempts int) time.Duration {
	if failedAttempts <= 0 {
		return 0
	}
	if failedAttempts > 5 {
		return MaxDelay
	}
	return time.Duration(1<<(failedAttempts-1)) * time.Second
}
