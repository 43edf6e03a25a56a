// Package throttle deduplicates repeated actions: at most once per key per window.
package throttle

import (
	"context"
	"log/slog"
	"time"

	"analytify/internal/logging"
	"analytify/internal/store"
)

// Limiter keeps its flags in the persisted store so they survive process restarts
type Limiter struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a limiter over s
func New(s store.Store, logger *slog.Logger) *Limiter {
	return &Limiter{store: s, logger: logging.OrDefault(logger)}
}

// Allow reports whether the action named key may run now and, if so, marks
// it as done for window. A zero window keeps the mark until Reset. Store
// failures allow the action.
func (l *Limiter) Allow(ctx context.Context, key string, window time.Duration) bool {
	var marked bool
	found, err := l.store.Get(ctx, key, &marked)
	if err != nil {
		l.logger.Debug("throttle lookup failed", "key", key, "error", err)
		return true
	}
	if found && marked {
		return false
	}

	if err := l.store.Set(ctx, key, true, window); err != nil {
		l.logger.Debug("throttle mark failed", "key", key, "error", err)
	}
	return true
}

// Marked reports whether key is currently marked
func (l *Limiter) Marked(ctx context.Context, key string) bool {
	var marked bool
	found, err := l.store.Get(ctx, key, &marked)
	return err == nil && found && marked
}

// Reset clears the mark for key
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.store.Delete(ctx, key)
}
