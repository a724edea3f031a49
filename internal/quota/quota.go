// Package quota enforces per-user daily request limits per model.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Store counts requests per (user, model, day). Day is a "2006-01-02" UTC
// date string.
type Store interface {
	Usage(ctx context.Context, userID, model, day string) (int, error)
	Increment(ctx context.Context, userID, model, day string) (int, error)
}

// ExceededError reports a user over their daily limit for a model.
type ExceededError struct {
	UserID string
	Model  string
	Limit  int
	Used   int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("daily quota exceeded for %s on %s: %d/%d", e.UserID, e.Model, e.Used, e.Limit)
}

// Day returns the current UTC quota day.
func Day() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Gate checks usage before each model call and records it after the call
// succeeds, so failed calls do not consume quota.
type Gate struct {
	store       Store
	dailyLimit  int
	modelLimits map[string]int
	logger      *slog.Logger
}

// NewGate builds a gate. modelLimits overrides dailyLimit per model; a
// limit of zero or below means unlimited.
func NewGate(store Store, dailyLimit int, modelLimits map[string]int) *Gate {
	return &Gate{
		store:       store,
		dailyLimit:  dailyLimit,
		modelLimits: modelLimits,
		logger:      slog.Default().With("component", "quota"),
	}
}

// Limit returns the effective daily limit for a model.
func (g *Gate) Limit(model string) int {
	if limit, ok := g.modelLimits[model]; ok {
		return limit
	}
	return g.dailyLimit
}

// Check returns ExceededError when the day's limit is already spent. It
// does not count the request; callers Record after the call succeeds.
func (g *Gate) Check(ctx context.Context, userID, model string) error {
	limit := g.Limit(model)
	if limit <= 0 {
		return nil
	}
	used, err := g.store.Usage(ctx, userID, model, Day())
	if err != nil {
		return fmt.Errorf("quota usage: %w", err)
	}
	if used >= limit {
		g.logger.Warn("quota exceeded", "user", userID, "model", model, "used", used, "limit", limit)
		return &ExceededError{UserID: userID, Model: model, Limit: limit, Used: used}
	}
	return nil
}

// Record counts one successful request against the user's daily quota.
func (g *Gate) Record(ctx context.Context, userID, model string) error {
	if g.Limit(model) <= 0 {
		return nil
	}
	if _, err := g.store.Increment(ctx, userID, model, Day()); err != nil {
		return fmt.Errorf("quota increment: %w", err)
	}
	return nil
}

// Usage reads the user's counter for today without incrementing.
func (g *Gate) Usage(ctx context.Context, userID, model string) (int, error) {
	return g.store.Usage(ctx, userID, model, Day())
}
