package audit

import (
	"context"
	"time"

	"github.com/nerrad567/meter-sim/internal/infrastructure/logging"
	"github.com/nerrad567/meter-sim/internal/meter"
)

// recordTimeout bounds a single audit insert. Observers run on the MQTT
// delivery goroutine, so a locked database must not stall it for long.
const recordTimeout = 2 * time.Second

// Recorder turns meter command events into audit log entries.
type Recorder struct {
	repo    Repository
	meterID string
	logger  *logging.Logger
}

// NewRecorder returns a recorder writing entries for meterID.
func NewRecorder(repo Repository, meterID string, logger *logging.Logger) *Recorder {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Recorder{repo: repo, meterID: meterID, logger: logger.Component("audit")}
}

// Observe is a meter.CommandObserver. Failures are logged; the command has
// already been applied.
func (r *Recorder) Observe(ev meter.CommandEvent) {
	action := ActionConnect
	if ev.Command == meter.CommandDisconnect {
		action = ActionDisconnect
	}

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	err := r.repo.Create(ctx, &AuditLog{
		Action:  action,
		MeterID: r.meterID,
		Subject: ev.Subject,
		Source:  ev.Source,
		Details: map[string]any{
			"last_reading":                   ev.State.LastReading,
			"last_reading_before_disconnect": ev.State.LastReadingBeforeDisconnect,
			"freeze_cause":                   ev.State.FreezeCause.String(),
		},
		CreatedAt: ev.At.UTC(),
	})
	if err != nil {
		r.logger.Error("recording control command failed", "action", action, "source", ev.Source, "error", err)
	}
}
