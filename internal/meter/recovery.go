package meter

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/meter-sim/internal/infrastructure/logging"
)

// DefaultReconnectBackoff is the fixed wait between failed reconnect attempts.
const DefaultReconnectBackoff = 5000 * time.Millisecond

// RecoveryState is the transport recovery state.
type RecoveryState uint8

const (
	// StateConnected means the transport is believed to be up.
	StateConnected RecoveryState = iota

	// StateReconnecting means the loop is retrying the connection.
	StateReconnecting
)

// String returns a human-readable state name.
func (s RecoveryState) String() string {
	switch s {
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	default:
		return "UNKNOWN"
	}
}

// Reconnector makes one attempt to re-establish the transport.
// *mqtt.Client satisfies it.
type Reconnector interface {
	Reconnect(ctx context.Context) error
}

// RecoveryLoop retries the transport connection after it is lost. Attempts
// are unlimited and spaced by a fixed backoff; the first one is immediate.
type RecoveryLoop struct {
	reconnector Reconnector
	clock       Clock
	backoff     time.Duration
	logger      *logging.Logger

	// lostCh holds at most one pending connection-lost signal.
	lostCh chan struct{}

	mu            sync.RWMutex
	state         RecoveryState
	lossSeq       uint64 // bumped by every OnConnectionLost
	attempts      int
	totalOutages  int
	lastErr       error
	onReconnected func()
}

// NewRecoveryLoop returns a loop in StateConnected. A non-positive backoff
// selects DefaultReconnectBackoff.
func NewRecoveryLoop(reconnector Reconnector, backoff time.Duration, clock Clock, logger *logging.Logger) *RecoveryLoop {
	if backoff <= 0 {
		backoff = DefaultReconnectBackoff
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &RecoveryLoop{
		reconnector: reconnector,
		clock:       clock,
		backoff:     backoff,
		logger:      logger,
		lostCh:      make(chan struct{}, 1),
		state:       StateConnected,
	}
}

// SetOnReconnected sets a hook run after each successful recovery.
func (l *RecoveryLoop) SetOnReconnected(fn func()) {
	l.mu.Lock()
	l.onReconnected = fn
	l.mu.Unlock()
}

// OnConnectionLost records the loss and wakes the loop. It never blocks, so
// it is safe to call from the transport's callback goroutine.
func (l *RecoveryLoop) OnConnectionLost(err error) {
	l.mu.Lock()
	l.lossSeq++
	if l.state == StateConnected {
		l.state = StateReconnecting
		l.attempts = 0
		l.totalOutages++
	}
	l.lastErr = err
	l.mu.Unlock()

	l.logger.Warn("connection lost, recovery scheduled", "error", err)

	select {
	case l.lostCh <- struct{}{}:
	default:
		// Already pending
	}
}

// Run processes connection-lost signals until ctx is cancelled.
func (l *RecoveryLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.lostCh:
			l.recover(ctx)
		}
	}
}

// recover retries until the transport is back or ctx is cancelled.
func (l *RecoveryLoop) recover(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		if l.state == StateConnected {
			l.mu.Unlock()
			return
		}
		l.attempts++
		attempt := l.attempts
		seq := l.lossSeq
		l.mu.Unlock()

		err := l.reconnector.Reconnect(ctx)
		if err == nil {
			l.mu.Lock()
			if l.lossSeq == seq {
				l.state = StateConnected
				l.lastErr = nil
				hook := l.onReconnected
				l.mu.Unlock()

				l.logger.Info("connection recovered", "attempts", attempt)
				if hook != nil {
					hook()
				}
				return
			}
			// Lost again while the attempt was in flight.
			err = l.lastErr
			l.mu.Unlock()
			l.logger.Warn("connection lost again during reconnect", "attempt", attempt)
		}
		if ctx.Err() != nil {
			return
		}

		l.mu.Lock()
		l.lastErr = err
		l.mu.Unlock()
		l.logger.Warn("reconnect attempt failed",
			"attempt", attempt,
			"retry_in", l.backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-l.clock.After(l.backoff):
		}
	}
}

// State returns the current recovery state.
func (l *RecoveryLoop) State() RecoveryState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Attempts returns the number of attempts made during the current (or most
// recent) outage.
func (l *RecoveryLoop) Attempts() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.attempts
}

// Outages returns how many connection losses have been observed.
func (l *RecoveryLoop) Outages() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.totalOutages
}

// LastError returns the most recent connection-loss or reconnect error.
func (l *RecoveryLoop) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}
