package journal

import (
	"context"
	"errors"
	"time"
)

// Recent limits.
const (
	DefaultLimit = 50
	MaxLimit     = 1000
)

// ErrInvalidRetention is returned by Prune for a non-positive duration.
var ErrInvalidRetention = errors.New("journal: retention must be positive")

// Entry is one tick of the publish schedule.
type Entry struct {
	ID         int64     `json:"id"`
	MeterID    string    `json:"meter_id"`
	Value      uint64    `json:"value"`
	Frozen     bool      `json:"frozen"`
	Published  bool      `json:"published"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Repository stores and retrieves journal entries.
//
// Implementations must be safe for concurrent use and store UTC timestamps.
type Repository interface {
	// Record appends an entry. ID is assigned by the store.
	Record(ctx context.Context, e Entry) error

	// Recent returns up to limit entries, newest first. Out-of-range
	// limits are clamped to 1..MaxLimit, with zero meaning DefaultLimit.
	Recent(ctx context.Context, limit int) ([]Entry, error)

	// Prune deletes entries recorded more than olderThan ago and reports
	// how many were removed.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// clampLimit applies the Recent bounds.
func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	default:
		return limit
	}
}
