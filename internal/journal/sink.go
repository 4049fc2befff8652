package journal

import (
	"context"
	"time"

	"github.com/nerrad567/meter-sim/internal/infrastructure/logging"
	"github.com/nerrad567/meter-sim/internal/meter"
)

// DefaultPruneInterval is how often RunPruner deletes expired entries.
const DefaultPruneInterval = time.Hour

// Sink records every meter publication in a Repository.
type Sink struct {
	repo    Repository
	meterID string
	logger  *logging.Logger
}

// NewSink returns a meter.ReadingSink writing entries for meterID.
func NewSink(repo Repository, meterID string, logger *logging.Logger) *Sink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Sink{repo: repo, meterID: meterID, logger: logger.Component("journal")}
}

// RecordReading implements meter.ReadingSink.
func (s *Sink) RecordReading(ctx context.Context, p meter.Publication) error {
	return s.repo.Record(ctx, Entry{
		MeterID:    s.meterID,
		Value:      p.Value,
		Frozen:     p.Frozen,
		Published:  p.Published,
		Error:      p.ErrorText(),
		RecordedAt: p.At,
	})
}

// RunPruner deletes entries older than retention every interval until ctx
// is cancelled. The first prune happens immediately.
func (s *Sink) RunPruner(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultPruneInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := s.repo.Prune(ctx, retention)
		switch {
		case err != nil && ctx.Err() == nil:
			s.logger.Warn("journal prune failed", "error", err)
		case n > 0:
			s.logger.Debug("journal pruned", "deleted", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
