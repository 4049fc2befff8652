package meter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/meter-sim/internal/infrastructure/config"
	"github.com/nerrad567/meter-sim/internal/infrastructure/logging"
	"github.com/nerrad567/meter-sim/internal/infrastructure/mqtt"
)

// controlQoS is the QoS requested for the control subscription.
const controlQoS byte = 2

// Transport is what the service needs from the MQTT client.
type Transport interface {
	Publisher
	Reconnector
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	SetOnDisconnect(callback func(err error))
}

// Deps holds the Service's collaborators. Clock, Generator and Logger are
// optional.
type Deps struct {
	Config    config.MeterConfig
	Backoff   time.Duration
	Transport Transport
	Clock     Clock
	Generator Generator
	Logger    *logging.Logger
	Sinks     []ReadingSink
}

// Status is the combined view served by the HTTP API.
type Status struct {
	MeterID       string
	State         MeterState
	Recovery      RecoveryState
	Attempts      int
	Outages       int
	LastPublished Publication
	Ticks         uint64
}

// Service wires the tracker, control handler, scheduler and recovery loop.
type Service struct {
	cfg       config.MeterConfig
	transport Transport
	logger    *logging.Logger

	tracker   *Tracker
	control   *ControlHandler
	scheduler *Scheduler
	recovery  *RecoveryLoop

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewService builds a service from deps. Nothing runs until Start.
func NewService(deps Deps) (*Service, error) {
	if deps.Transport == nil {
		return nil, ErrMissingTransport
	}
	if deps.Config.DataTopic == "" || deps.Config.ControlTopic == "" {
		return nil, ErrMissingTopic
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	logger := deps.Logger.Component("meter").With("meter_id", deps.Config.ID)

	tracker := NewTracker(deps.Generator)
	s := &Service{
		cfg:       deps.Config,
		transport: deps.Transport,
		logger:    logger,
		tracker:   tracker,
		control:   NewControlHandler(deps.Config.ControlTopic, tracker, logger),
		scheduler: NewScheduler(SchedulerConfig{
			Topic:     deps.Config.DataTopic,
			Interval:  time.Duration(deps.Config.PublishIntervalMs) * time.Millisecond,
			Tracker:   tracker,
			Publisher: deps.Transport,
			Clock:     deps.Clock,
			Logger:    logger,
			Sinks:     deps.Sinks,

			ResumeOnSuccess: deps.Config.ResumeOnReconnect,
			PublishInitial:  deps.Config.PublishInitialReading,
		}),
		recovery: NewRecoveryLoop(deps.Transport, deps.Backoff, deps.Clock, logger),
	}

	if deps.Config.ResumeOnReconnect {
		s.recovery.SetOnReconnected(func() {
			if tracker.ResumeAfterReconnect() {
				logger.Info("publish-failure freeze cleared after reconnect")
			}
		})
	}

	return s, nil
}

// Start subscribes to the control topic and launches the scheduler and
// recovery loop. They run until ctx is cancelled or Close is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	if err := s.transport.Subscribe(s.cfg.ControlTopic, controlQoS, s.control.HandleMessage); err != nil {
		return fmt.Errorf("subscribing to control topic %q: %w", s.cfg.ControlTopic, err)
	}
	s.transport.SetOnDisconnect(s.recovery.OnConnectionLost)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.started = true

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.recovery.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		s.scheduler.Run(runCtx)
	}()

	s.logger.Info("meter started",
		"data_topic", s.cfg.DataTopic,
		"control_topic", s.cfg.ControlTopic,
		"interval", s.scheduler.Interval(),
	)
	return nil
}

// Close stops the scheduler and recovery loop and waits for them to exit.
func (s *Service) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("meter stopped")
}

// AddSink registers a reading sink. Sinks added after Start receive
// publications from the next tick onwards.
func (s *Service) AddSink(sink ReadingSink) {
	s.scheduler.AddSink(sink)
}

// Snapshot returns the tracker state.
func (s *Service) Snapshot() MeterState {
	return s.tracker.Snapshot()
}

// RecoveryState returns the transport recovery state.
func (s *Service) RecoveryState() RecoveryState {
	return s.recovery.State()
}

// Control applies a command on behalf of an API caller. subject is the
// authenticated caller, or empty when authentication is off.
func (s *Service) Control(cmd Command, subject string) bool {
	return s.control.Apply(cmd, SourceAPI, subject)
}

// OnCommand registers fn to observe every applied command, from either the
// control topic or the API.
func (s *Service) OnCommand(fn CommandObserver) {
	s.control.Observe(fn)
}

// Status returns a combined view of meter and recovery state.
func (s *Service) Status() Status {
	last, ticks := s.scheduler.Last()
	return Status{
		MeterID:       s.cfg.ID,
		State:         s.tracker.Snapshot(),
		Recovery:      s.recovery.State(),
		Attempts:      s.recovery.Attempts(),
		Outages:       s.recovery.Outages(),
		LastPublished: last,
		Ticks:         ticks,
	}
}
