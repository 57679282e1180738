// Package netblock keeps the durable schedule of network-level blocks the
// monitor has ordered. The schedule is a JSON-lines file so an external
// enforcement agent (firewall updater, edge proxy) can consume it without
// talking to this process.
package netblock

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"security-core/internal/models"
	"security-core/internal/util"
)

type Schedule struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

func NewSchedule(path string) (*Schedule, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create netblock directory: %w", err)
	}
	return &Schedule{path: path, now: time.Now}, nil
}

// Add appends a block directive. Re-blocking an already listed subject
// appends a new directive; readers take the latest entry per subject.
func (s *Schedule) Add(ctx context.Context, subject, source string, duration time.Duration) (models.BlockDirective, error) {
	if err := ctx.Err(); err != nil {
		return models.BlockDirective{}, err
	}

	now := s.now().UTC()
	directive := models.BlockDirective{
		Subject:   subject,
		BlockedAt: now,
		UnblockAt: now.Add(duration),
		Source:    source,
	}

	line, err := json.Marshal(directive)
	if err != nil {
		return models.BlockDirective{}, fmt.Errorf("failed to encode block directive: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return models.BlockDirective{}, fmt.Errorf("failed to open netblock schedule: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return models.BlockDirective{}, fmt.Errorf("failed to append block directive: %w", err)
	}

	util.Warn("Network block scheduled",
		zap.String("subject", subject),
		zap.String("source", source),
		zap.Time("unblock_at", directive.UnblockAt),
	)
	return directive, nil
}

// Pending returns the directives still in force, latest entry per subject.
func (s *Schedule) Pending(ctx context.Context, now time.Time) ([]models.BlockDirective, error) {
	latest, order, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var pending []models.BlockDirective
	for _, subject := range order {
		d := latest[subject]
		if d.UnblockAt.After(now) {
			pending = append(pending, d)
		}
	}
	return pending, nil
}

// Expired returns subjects whose latest directive has lapsed, for the
// enforcement agent to unblock.
func (s *Schedule) Expired(ctx context.Context, now time.Time) ([]models.BlockDirective, error) {
	latest, order, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}

	var expired []models.BlockDirective
	for _, subject := range order {
		d := latest[subject]
		if !d.UnblockAt.After(now) {
			expired = append(expired, d)
		}
	}
	return expired, nil
}

// IsBlocked reports whether the subject currently has a directive in force.
func (s *Schedule) IsBlocked(ctx context.Context, subject string, now time.Time) (bool, error) {
	latest, _, err := s.scan(ctx)
	if err != nil {
		return false, err
	}
	d, ok := latest[subject]
	return ok && d.UnblockAt.After(now), nil
}

func (s *Schedule) scan(ctx context.Context) (map[string]models.BlockDirective, []string, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]models.BlockDirective{}, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to open netblock schedule: %w", err)
	}
	defer f.Close()

	latest := make(map[string]models.BlockDirective)
	var order []string

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var d models.BlockDirective
		if err := json.Unmarshal(line, &d); err != nil {
			util.Warn("Skipping malformed netblock line", zap.Error(err))
			continue
		}
		if _, seen := latest[d.Subject]; !seen {
			order = append(order, d.Subject)
		}
		latest[d.Subject] = d
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to read netblock schedule: %w", err)
	}
	return latest, order, nil
}
