// Package store persists options and transients: JSON values under string
// keys, optionally expiring. Options have no expiry; transients do.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is the persisted key-value contract shared by every backend.
// A ttl of zero stores a persistent option.
type Store interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Entries(ctx context.Context) ([]Entry, error)
	PurgeExpired(ctx context.Context) (int, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}

// Entry describes a stored key without exposing its value
type Entry struct {
	Key       string     `json:"key"`
	Kind      string     `json:"kind"` // option or transient
	Size      int        `json:"size"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Stats reports store lookups since creation
type Stats struct {
	TotalHits   int64      `json:"total_hits"`
	TotalMisses int64      `json:"total_misses"`
	HitRate     float64    `json:"hit_rate"`
	Entries     int        `json:"entries"`
	LastCleanup *time.Time `json:"last_cleanup,omitempty"`
}

const (
	KindOption    = "option"
	KindTransient = "transient"
)

func kindOf(expiresAt *time.Time) string {
	if expiresAt == nil {
		return KindOption
	}
	return KindTransient
}

func hitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total) * 100
}

func clock(now func() time.Time) func() time.Time {
	if now == nil {
		return time.Now
	}
	return now
}
