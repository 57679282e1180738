// Package loginguard tracks failed authentication attempts in two scopes at
// once, source IP and target username, and locks either scope out when it
// crosses the attempt budget. A successful login clears both of its scopes
// immediately.
package loginguard

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"security-core/internal/alert"
	"security-core/internal/config"
	"security-core/internal/event"
	"security-core/internal/models"
	"security-core/internal/security"
	"security-core/internal/util"
)

const (
	ipKeyPrefix   = "login_ip:"
	userKeyPrefix = "login_user:"
)

// CounterStore is the slice of the counter store the guard needs.
type CounterStore interface {
	Add(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	Count(ctx context.Context, key string, now time.Time, window time.Duration) (int, error)
	SetBlock(ctx context.Context, key string, now time.Time, until time.Time) error
	BlockedUntil(ctx context.Context, key string, now time.Time) (time.Time, bool, error)
	Clear(ctx context.Context, keys ...string) error
}

// Decision is the outcome of a lockout check.
type Decision struct {
	Allowed    bool
	Reason     security.Reason
	RetryAfter time.Duration
}

type Guard struct {
	store   CounterStore
	cfg     config.LoginConfig
	events  *event.Logger
	reader  *event.Reader
	alerter alert.Sink
	now     func() time.Time
}

func NewGuard(store CounterStore, cfg config.LoginConfig, events *event.Logger, reader *event.Reader, alerter alert.Sink) *Guard {
	return &Guard{
		store:   store,
		cfg:     cfg,
		events:  events,
		reader:  reader,
		alerter: alerter,
		now:     time.Now,
	}
}

// Check decides whether a login attempt from ip against username may proceed.
// Fail closed: if neither store backend can answer, attempts are refused
// rather than letting a brute force ride out an outage.
func (g *Guard) Check(ctx context.Context, ip, username string) Decision {
	now := g.now()

	if d, blocked := g.checkScope(ctx, ipKeyPrefix+ip, now, security.ReasonIPBlocked); blocked {
		return d
	}
	if d, blocked := g.checkScope(ctx, userKeyPrefix+username, now, security.ReasonUsernameBlocked); blocked {
		return d
	}
	return Decision{Allowed: true, Reason: security.ReasonAllowed}
}

func (g *Guard) checkScope(ctx context.Context, key string, now time.Time, reason security.Reason) (Decision, bool) {
	until, blocked, err := g.store.BlockedUntil(ctx, key, now)
	if err != nil {
		util.Error("Login guard store failure, refusing attempt",
			zap.String("key", key),
			zap.Error(err),
		)
		return Decision{Allowed: false, Reason: security.ReasonStoreUnavailable}, true
	}
	if blocked {
		return Decision{
			Allowed:    false,
			Reason:     reason,
			RetryAfter: until.Sub(now),
		}, true
	}

	count, err := g.store.Count(ctx, key, now, g.cfg.ResetAttemptsAfter)
	if err != nil {
		util.Error("Login guard store failure, refusing attempt",
			zap.String("key", key),
			zap.Error(err),
		)
		return Decision{Allowed: false, Reason: security.ReasonStoreUnavailable}, true
	}
	if count >= g.cfg.MaxAttempts {
		// The window still holds a full budget of failures; place the block
		// lazily here so the lockout outlives the sliding window.
		if err := g.store.SetBlock(ctx, key, now, now.Add(g.cfg.LockoutDuration)); err != nil {
			util.Warn("Failed to place login block", zap.String("key", key), zap.Error(err))
		}
		return Decision{
			Allowed:    false,
			Reason:     reason,
			RetryAfter: g.cfg.LockoutDuration,
		}, true
	}

	return Decision{}, false
}

// RecordFailure counts one failed attempt against both scopes and locks any
// scope that just exhausted its budget.
func (g *Guard) RecordFailure(ctx context.Context, ip, username, userAgent string) error {
	now := g.now()

	g.appendEvent(ctx, models.SecurityEvent{
		Type:      models.EventLoginFailed,
		IP:        ip,
		Username:  username,
		UserAgent: userAgent,
	})

	ipCount, err := g.store.Add(ctx, ipKeyPrefix+ip, now, g.cfg.ResetAttemptsAfter)
	if err != nil {
		return err
	}
	userCount, err := g.store.Add(ctx, userKeyPrefix+username, now, g.cfg.ResetAttemptsAfter)
	if err != nil {
		return err
	}

	if ipCount >= g.cfg.MaxAttempts {
		g.lock(ctx, ipKeyPrefix+ip, now, "ip", ip, username)
	}
	if userCount >= g.cfg.MaxAttempts {
		g.lock(ctx, userKeyPrefix+username, now, "username", ip, username)
	}
	return nil
}

// RecordSuccess clears both scopes so earlier failures stop counting.
func (g *Guard) RecordSuccess(ctx context.Context, ip, username string) error {
	g.appendEvent(ctx, models.SecurityEvent{
		Type:     models.EventLoginSuccess,
		IP:       ip,
		Username: username,
	})
	return g.store.Clear(ctx, ipKeyPrefix+ip, userKeyPrefix+username)
}

func (g *Guard) lock(ctx context.Context, key string, now time.Time, scope, ip, username string) {
	if err := g.store.SetBlock(ctx, key, now, now.Add(g.cfg.LockoutDuration)); err != nil {
		util.Warn("Failed to place login block", zap.String("key", key), zap.Error(err))
		return
	}

	g.appendEvent(ctx, models.SecurityEvent{
		Type:     models.EventLoginBlocked,
		IP:       ip,
		Username: username,
		Details:  "scope=" + scope,
	})

	util.Warn("Login scope locked out",
		zap.String("scope", scope),
		zap.String("key", key),
		zap.Duration("lockout", g.cfg.LockoutDuration),
	)

	if g.cfg.AdminNotification && g.alerter != nil {
		_ = g.alerter.Send(ctx, alert.Alert{
			Severity: alert.SeverityWarning,
			Title:    "Login lockout placed",
			Body:     "Repeated failed login attempts exhausted the attempt budget.",
			Details: map[string]string{
				"scope":    scope,
				"ip":       ip,
				"username": username,
				"lockout":  g.cfg.LockoutDuration.String(),
			},
		})
	}
}

// UnblockIP lifts the lockout and forgets accumulated failures for an IP.
func (g *Guard) UnblockIP(ctx context.Context, ip string) error {
	return g.store.Clear(ctx, ipKeyPrefix+ip)
}

// UnblockUsername lifts the lockout and forgets accumulated failures for a
// username.
func (g *Guard) UnblockUsername(ctx context.Context, username string) error {
	return g.store.Clear(ctx, userKeyPrefix+username)
}

// Stats aggregates login activity from the event log over the window.
func (g *Guard) Stats(ctx context.Context, window time.Duration) (models.LoginStats, error) {
	events, err := g.reader.Since(ctx, g.now().Add(-window))
	if err != nil {
		return models.LoginStats{}, err
	}

	stats := models.LoginStats{}
	ipCounts := make(map[string]int)
	userCounts := make(map[string]int)

	for _, ev := range events {
		switch ev.Type {
		case models.EventLoginFailed, models.EventLoginBlocked:
			stats.TotalAttempts++
			stats.FailedAttempts++
			if ev.IP != "" {
				ipCounts[ev.IP]++
			}
			if ev.Username != "" {
				userCounts[ev.Username]++
			}
		case models.EventLoginSuccess:
			stats.TotalAttempts++
			stats.SuccessfulAttempts++
		}
	}

	stats.TopAttackIPs = topOffenders(ipCounts, 10)
	stats.TopAttackUsernames = topOffenders(userCounts, 10)
	return stats, nil
}

func topOffenders(counts map[string]int, limit int) []models.OffenderCount {
	out := make([]models.OffenderCount, 0, len(counts))
	for subject, count := range counts {
		out = append(out, models.OffenderCount{Subject: subject, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Subject < out[j].Subject
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (g *Guard) appendEvent(ctx context.Context, ev models.SecurityEvent) {
	if g.events == nil {
		return
	}
	if err := g.events.Append(ctx, ev); err != nil {
		util.Warn("Failed to record login event", zap.Error(err))
	}
}
