package meter

import (
	"sync"
	"time"

	"github.com/nerrad567/meter-sim/internal/infrastructure/logging"
)

// Control payloads, matched exactly and case-sensitively.
const (
	PayloadConnect    = "Connect"
	PayloadDisconnect = "Disconnect"
)

// Command is a parsed control payload.
type Command int

const (
	// CommandUnrecognized is any payload other than the two known ones.
	CommandUnrecognized Command = iota

	// CommandConnect leaves simulated-disconnect mode.
	CommandConnect

	// CommandDisconnect enters simulated-disconnect mode.
	CommandDisconnect
)

// String returns the wire form of the command.
func (c Command) String() string {
	switch c {
	case CommandConnect:
		return PayloadConnect
	case CommandDisconnect:
		return PayloadDisconnect
	default:
		return "unrecognized"
	}
}

// ParseCommand maps a control payload to a Command. No trimming or case
// folding is applied.
func ParseCommand(payload []byte) Command {
	switch string(payload) {
	case PayloadConnect:
		return CommandConnect
	case PayloadDisconnect:
		return CommandDisconnect
	default:
		return CommandUnrecognized
	}
}

// Command sources recorded in CommandEvent.
const (
	SourceMQTT = "mqtt"
	SourceAPI  = "api"
)

// CommandEvent describes a recognised command after it has been applied.
type CommandEvent struct {
	Command Command
	Source  string
	// Subject is the authenticated API caller; empty for MQTT.
	Subject string
	// State is the tracker state immediately after the command.
	State MeterState
	At    time.Time
}

// CommandObserver is called synchronously for every applied command.
type CommandObserver func(CommandEvent)

// ControlHandler applies control commands to the tracker.
type ControlHandler struct {
	topic   string
	tracker *Tracker
	logger  *logging.Logger

	mu        sync.RWMutex
	observers []CommandObserver
}

// NewControlHandler returns a handler accepting commands on topic.
func NewControlHandler(topic string, tracker *Tracker, logger *logging.Logger) *ControlHandler {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ControlHandler{topic: topic, tracker: tracker, logger: logger}
}

// Observe registers fn to be told about every applied command.
func (h *ControlHandler) Observe(fn CommandObserver) {
	h.mu.Lock()
	h.observers = append(h.observers, fn)
	h.mu.Unlock()
}

// HandleMessage is the MQTT message callback for the control topic. Messages
// on other topics are ignored. It never returns an error: unrecognised
// payloads are logged and dropped.
func (h *ControlHandler) HandleMessage(topic string, payload []byte) error {
	h.logger.Info("control message received", "topic", topic, "payload", string(payload))

	if topic != h.topic {
		h.logger.Debug("ignoring message on foreign topic", "topic", topic, "control_topic", h.topic)
		return nil
	}

	cmd := ParseCommand(payload)
	if !h.Apply(cmd, SourceMQTT, "") {
		h.logger.Warn("unrecognized control payload ignored", "payload", string(payload))
	}
	return nil
}

// Apply executes cmd and reports whether it was recognised. The HTTP control
// endpoint shares this path with the MQTT handler; source and subject are
// passed through to observers.
func (h *ControlHandler) Apply(cmd Command, source, subject string) bool {
	switch cmd {
	case CommandConnect:
		h.tracker.ExitDisconnectMode()
	case CommandDisconnect:
		h.tracker.EnterDisconnectMode()
	default:
		return false
	}

	state := h.tracker.Snapshot()
	if cmd == CommandConnect {
		h.logger.Info("simulated disconnect ended", "last_reading", state.LastReading, "source", source)
	} else {
		h.logger.Info("simulated disconnect started", "frozen_reading", state.LastReadingBeforeDisconnect, "source", source)
	}

	h.notify(CommandEvent{Command: cmd, Source: source, Subject: subject, State: state, At: time.Now()})
	return true
}

func (h *ControlHandler) notify(ev CommandEvent) {
	h.mu.RLock()
	observers := h.observers
	h.mu.RUnlock()

	for _, fn := range observers {
		fn(ev)
	}
}
