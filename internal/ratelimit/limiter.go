// Package ratelimit enforces the two-tier per-category request budget: a
// short burst window that absorbs spikes and a sustained window whose
// exhaustion places a block marker. Unknown categories are unlimited.
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"security-core/internal/config"
	"security-core/internal/event"
	"security-core/internal/models"
	"security-core/internal/security"
	"security-core/internal/store"
	"security-core/internal/util"
)

const burstSuffix = ":burst"

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Reason     security.Reason
	Category   string
	Remaining  int
	RetryAfter time.Duration
}

// Info is the read-only view of a subject's current budget.
type Info struct {
	Category     string        `json:"category"`
	Limit        int           `json:"limit"`
	Window       time.Duration `json:"window"`
	Used         int           `json:"used"`
	Remaining    int           `json:"remaining"`
	BurstLimit   int           `json:"burst_limit"`
	BurstUsed    int           `json:"burst_used"`
	BlockedUntil *time.Time    `json:"blocked_until,omitempty"`
}

type Limiter struct {
	store      store.CounterStore
	categories map[string]config.CategoryConfig
	events     *event.Logger
	now        func() time.Time
}

func NewLimiter(counterStore store.CounterStore, categories map[string]config.CategoryConfig, events *event.Logger) *Limiter {
	return &Limiter{
		store:      counterStore,
		categories: categories,
		events:     events,
		now:        time.Now,
	}
}

// Check records one request attempt for the identity under the category and
// decides whether it may proceed. Store failures fail open: throttling is a
// protection layer, not an availability dependency.
func (l *Limiter) Check(ctx context.Context, identity models.Identity, category string) Decision {
	cfg, ok := l.categories[category]
	if !ok {
		return Decision{Allowed: true, Reason: security.ReasonAllowed, Category: category}
	}

	now := l.now()
	key := category + ":" + identity.Key()

	until, blocked, err := l.store.BlockedUntil(ctx, key, now)
	if err != nil {
		return l.failOpen(category, "block lookup", err)
	}
	if blocked {
		l.logExceeded(ctx, identity, category, "blocked")
		return Decision{
			Allowed:    false,
			Reason:     security.ReasonRateLimited,
			Category:   category,
			RetryAfter: until.Sub(now),
		}
	}

	// Burst tier: denies without placing a block so a short spike clears on
	// its own once the burst window slides past.
	_, admitted, err := l.store.AddUnderLimit(ctx, key+burstSuffix, now, cfg.BurstWindow, cfg.BurstLimit)
	if err != nil {
		return l.failOpen(category, "burst check", err)
	}
	if !admitted {
		l.logExceeded(ctx, identity, category, "burst")
		return Decision{
			Allowed:    false,
			Reason:     security.ReasonRateLimited,
			Category:   category,
			RetryAfter: cfg.BurstWindow,
		}
	}

	count, admitted, err := l.store.AddUnderLimit(ctx, key, now, cfg.Window, cfg.Limit)
	if err != nil {
		return l.failOpen(category, "sustained check", err)
	}
	if !admitted {
		// Sustained exhaustion escalates to a block for the category's
		// configured duration.
		if blockErr := l.store.SetBlock(ctx, key, now, now.Add(cfg.BlockDuration)); blockErr != nil {
			util.Warn("Failed to place rate limit block",
				zap.String("category", category),
				zap.Error(blockErr),
			)
		}
		l.logExceeded(ctx, identity, category, "sustained")
		return Decision{
			Allowed:    false,
			Reason:     security.ReasonRateLimited,
			Category:   category,
			RetryAfter: cfg.BlockDuration,
		}
	}

	return Decision{
		Allowed:   true,
		Reason:    security.ReasonAllowed,
		Category:  category,
		Remaining: cfg.Limit - count,
	}
}

// Info reports current usage without consuming budget.
func (l *Limiter) Info(ctx context.Context, identity models.Identity, category string) (Info, error) {
	cfg, ok := l.categories[category]
	if !ok {
		return Info{Category: category}, nil
	}

	now := l.now()
	key := category + ":" + identity.Key()

	used, err := l.store.Count(ctx, key, now, cfg.Window)
	if err != nil {
		return Info{}, err
	}
	burstUsed, err := l.store.Count(ctx, key+burstSuffix, now, cfg.BurstWindow)
	if err != nil {
		return Info{}, err
	}

	info := Info{
		Category:   category,
		Limit:      cfg.Limit,
		Window:     cfg.Window,
		Used:       used,
		Remaining:  max(cfg.Limit-used, 0),
		BurstLimit: cfg.BurstLimit,
		BurstUsed:  burstUsed,
	}

	until, blocked, err := l.store.BlockedUntil(ctx, key, now)
	if err != nil {
		return Info{}, err
	}
	if blocked {
		info.BlockedUntil = &until
	}
	return info, nil
}

// Unblock lifts the block and drops the accumulated windows for the subject.
func (l *Limiter) Unblock(ctx context.Context, identity models.Identity, category string) error {
	key := category + ":" + identity.Key()
	return l.store.Clear(ctx, key, key+burstSuffix)
}

// Categories exposes the configured table for introspection endpoints.
func (l *Limiter) Categories() map[string]config.CategoryConfig {
	return l.categories
}

func (l *Limiter) failOpen(category, op string, err error) Decision {
	util.Warn("Rate limit store failure, allowing request",
		zap.String("category", category),
		zap.String("operation", op),
		zap.Error(err),
	)
	return Decision{Allowed: true, Reason: security.ReasonAllowed, Category: category}
}

func (l *Limiter) logExceeded(ctx context.Context, identity models.Identity, category, tier string) {
	if l.events == nil {
		return
	}
	ev := models.SecurityEvent{
		Type:    models.EventRateLimitExceeded,
		Details: "category=" + category + " tier=" + tier,
	}
	switch identity.Category {
	case models.IdentityIP:
		ev.IP = identity.Subject
	case models.IdentityUsername:
		ev.Username = identity.Subject
	default:
		ev.Details += " subject=" + identity.Key()
	}
	if err := l.events.Append(ctx, ev); err != nil {
		util.Warn("Failed to record rate limit event", zap.Error(err))
	}
}
