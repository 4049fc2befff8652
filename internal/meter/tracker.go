package meter

import "sync"

// FreezeCause records why the meter is frozen.
type FreezeCause int

const (
	// FreezeNone means the meter is not frozen.
	FreezeNone FreezeCause = iota

	// FreezeOperator is a freeze requested with a "Disconnect" command.
	FreezeOperator

	// FreezePublishFailure is a freeze entered after a failed publish.
	FreezePublishFailure
)

// String returns the cause as used in logs and API responses.
func (c FreezeCause) String() string {
	switch c {
	case FreezeNone:
		return "none"
	case FreezeOperator:
		return "operator"
	case FreezePublishFailure:
		return "publish_failure"
	default:
		return "unknown"
	}
}

// MeterState is a consistent copy of the tracker's state.
type MeterState struct {
	// LastReading is the most recently generated reading.
	LastReading uint64

	// LastReadingBeforeDisconnect is the value republished while frozen.
	LastReadingBeforeDisconnect uint64

	// SimulatedDisconnect is true while the meter is frozen.
	SimulatedDisconnect bool

	// FreezeCause is FreezeNone unless SimulatedDisconnect is set.
	FreezeCause FreezeCause
}

// Tracker owns the meter state. Every read-modify-write happens under one
// mutex, so ticks, control messages and reconnect notifications may arrive
// on any goroutine.
type Tracker struct {
	gen Generator

	mu    sync.Mutex
	state MeterState
}

// NewTracker returns a tracker in normal mode with both readings at zero.
func NewTracker(gen Generator) *Tracker {
	if gen == nil {
		gen = NewRandomGenerator(nil)
	}
	return &Tracker{gen: gen}
}

// ValueToPublish returns the reading for the current tick. In normal mode it
// advances LastReading first; while frozen it returns the frozen value and
// leaves LastReading untouched.
func (t *Tracker) ValueToPublish() uint64 {
	v, _ := t.next()
	return v
}

// next is ValueToPublish that also reports whether the value was frozen.
func (t *Tracker) next() (uint64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.SimulatedDisconnect {
		return t.state.LastReadingBeforeDisconnect, true
	}
	t.state.LastReading = t.gen.Next(t.state.LastReading)
	return t.state.LastReading, false
}

// EnterDisconnectMode freezes the meter at its current reading.
// Calling it while already frozen changes nothing but the cause.
func (t *Tracker) EnterDisconnectMode() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.freezeLocked(FreezeOperator)
}

// ExitDisconnectMode resumes normal operation. The next reading continues
// from LastReading.
func (t *Tracker) ExitDisconnectMode() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state.SimulatedDisconnect = false
	t.state.FreezeCause = FreezeNone
}

// FreezeAfterPublishFailure freezes the meter so the value that failed to
// publish is offered again on the next tick. An operator freeze keeps its
// cause.
func (t *Tracker) FreezeAfterPublishFailure() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.FreezeCause == FreezeOperator {
		return
	}
	t.freezeLocked(FreezePublishFailure)
}

// ResumeAfterReconnect ends a freeze caused by a failed publish and reports
// whether it did. Operator freezes are left alone.
func (t *Tracker) ResumeAfterReconnect() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.SimulatedDisconnect || t.state.FreezeCause != FreezePublishFailure {
		return false
	}
	t.state.SimulatedDisconnect = false
	t.state.FreezeCause = FreezeNone
	return true
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() MeterState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) freezeLocked(cause FreezeCause) {
	// LastReading does not move while frozen, so re-snapshotting is a no-op
	// for a meter that is already frozen.
	t.state.SimulatedDisconnect = true
	t.state.LastReadingBeforeDisconnect = t.state.LastReading
	t.state.FreezeCause = cause
}
