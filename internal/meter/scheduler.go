package meter

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/meter-sim/internal/infrastructure/logging"
)

// Reading delivery settings. Readings are state, so they are retained and
// sent with exactly-once delivery.
const (
	ReadingQoS      byte = 2
	ReadingRetained      = true

	// DefaultInterval is the publish cadence when none is configured.
	DefaultInterval = 5000 * time.Millisecond
)

// Publisher sends a payload to a topic. *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Publication describes the outcome of one tick.
type Publication struct {
	Value     uint64    `json:"value"`
	Frozen    bool      `json:"frozen"`
	Published bool      `json:"published"`
	Err       error     `json:"-"`
	At        time.Time `json:"at"`
}

// ErrorText returns the publish error text, or "" on success.
func (p Publication) ErrorText() string {
	if p.Err == nil {
		return ""
	}
	return p.Err.Error()
}

// ReadingSink receives every Publication. Sink failures are logged and never
// affect the meter.
type ReadingSink interface {
	RecordReading(ctx context.Context, p Publication) error
}

// Scheduler publishes the tracker's value on a fixed cadence.
type Scheduler struct {
	topic     string
	interval  time.Duration
	tracker   *Tracker
	publisher Publisher
	clock     Clock
	logger    *logging.Logger
	resume    bool
	initial   bool

	mu    sync.RWMutex
	sinks []ReadingSink
	last  Publication
	ticks uint64
}

// SchedulerConfig holds the Scheduler's dependencies.
type SchedulerConfig struct {
	Topic     string
	Interval  time.Duration
	Tracker   *Tracker
	Publisher Publisher
	Clock     Clock
	Logger    *logging.Logger
	Sinks     []ReadingSink

	// ResumeOnSuccess clears a publish-failure freeze once the frozen value
	// has been published. Operator freezes are unaffected.
	ResumeOnSuccess bool

	// PublishInitial makes Run publish the tracker's current reading,
	// without generating a new one, before the first tick.
	PublishInitial bool
}

// NewScheduler builds a scheduler. A zero Interval selects DefaultInterval.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Scheduler{
		topic:     cfg.Topic,
		interval:  cfg.Interval,
		tracker:   cfg.Tracker,
		publisher: cfg.Publisher,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		resume:    cfg.ResumeOnSuccess,
		initial:   cfg.PublishInitial,
		sinks:     append([]ReadingSink(nil), cfg.Sinks...),
	}
}

// AddSink registers an additional sink.
func (s *Scheduler) AddSink(sink ReadingSink) {
	s.mu.Lock()
	s.sinks = append(s.sinks, sink)
	s.mu.Unlock()
}

// Run ticks immediately and then once per interval until ctx is cancelled.
// With PublishInitial the current reading goes out first.
func (s *Scheduler) Run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.initial {
		s.PublishCurrent(ctx)
	}
	s.Tick(ctx)

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.Tick(ctx)
		}
	}
}

// Tick publishes one reading. A failed publish freezes the tracker so the
// same value is offered again next time; the error is absorbed.
func (s *Scheduler) Tick(ctx context.Context) Publication {
	value, frozen := s.tracker.next()
	return s.publish(ctx, value, frozen)
}

// PublishCurrent publishes the reading the tracker holds now without
// advancing it. Failure freezes exactly as in Tick.
func (s *Scheduler) PublishCurrent(ctx context.Context) Publication {
	state := s.tracker.Snapshot()
	if state.SimulatedDisconnect {
		return s.publish(ctx, state.LastReadingBeforeDisconnect, true)
	}
	return s.publish(ctx, state.LastReading, false)
}

func (s *Scheduler) publish(ctx context.Context, value uint64, frozen bool) Publication {
	p := Publication{
		Value:  value,
		Frozen: frozen,
		At:     s.clock.Now(),
	}

	payload := []byte(strconv.FormatUint(value, 10))
	if err := s.publisher.Publish(s.topic, payload, ReadingQoS, ReadingRetained); err != nil {
		p.Err = err
		s.tracker.FreezeAfterPublishFailure()
		s.logger.Warn("reading publish failed, value frozen for retry",
			"value", value,
			"topic", s.topic,
			"error", err,
		)
	} else {
		p.Published = true
		s.logger.Debug("reading published", "value", value, "frozen", frozen, "topic", s.topic)
		if frozen && s.resume && s.tracker.ResumeAfterReconnect() {
			s.logger.Info("publish-failure freeze cleared after successful retry", "value", value)
		}
	}

	s.mu.Lock()
	s.last = p
	s.ticks++
	sinks := append([]ReadingSink(nil), s.sinks...)
	s.mu.Unlock()

	for _, sink := range sinks {
		if err := sink.RecordReading(ctx, p); err != nil {
			s.logger.Warn("reading sink failed", "error", err)
		}
	}
	return p
}

// Last returns the most recent publication and the number of ticks so far.
func (s *Scheduler) Last() (Publication, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last, s.ticks
}

// Interval returns the publish cadence.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}
