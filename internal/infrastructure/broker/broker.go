package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/nerrad567/meter-sim/internal/infrastructure/config"
	"github.com/nerrad567/meter-sim/internal/infrastructure/logging"
)

var (
	// ErrAlreadyRunning is returned by Start on a running broker.
	ErrAlreadyRunning = errors.New("broker: already running")

	// ErrNotRunning is returned by operations that need a running broker.
	ErrNotRunning = errors.New("broker: not running")

	// ErrClientNotFound is returned by DisconnectClient for unknown client IDs.
	ErrClientNotFound = errors.New("broker: client not found")
)

// errKicked is the reason recorded when a client is dropped on request.
var errKicked = errors.New("disconnected by embedded broker")

// Handler observes messages published by clients.
type Handler func(topic string, payload []byte, retained bool)

// Broker is an in-process MQTT broker for local development and tests.
//
// It accepts every client without authentication and listens on a single
// plain TCP port.
type Broker struct {
	cfg    config.EmbeddedBrokerConfig
	server *mochi.Server
	logger *logging.Logger

	mu       sync.RWMutex
	running  bool
	watchers []watcher
}

type watcher struct {
	filter  string
	handler Handler
}

// New creates a broker. It does not listen until Start is called.
func New(cfg config.EmbeddedBrokerConfig, logger *logging.Logger) (*Broker, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.Component("broker")

	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       logger.Logger,
	})

	b := &Broker{
		cfg:    cfg,
		server: server,
		logger: logger,
	}

	// mochi rejects every client unless an auth hook is registered.
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("adding allow hook: %w", err)
	}
	if err := server.AddHook(&eventHook{broker: b}, nil); err != nil {
		return nil, fmt.Errorf("adding event hook: %w", err)
	}

	return b, nil
}

// Start binds the listener and begins serving clients.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return ErrAlreadyRunning
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	listener := listeners.NewTCP(listeners.Config{
		ID:      "metersim-tcp",
		Address: b.Addr(),
	})
	if err := b.server.AddListener(listener); err != nil {
		return fmt.Errorf("adding listener on %s: %w", b.Addr(), err)
	}

	go func() {
		if err := b.server.Serve(); err != nil {
			b.logger.Error("embedded broker stopped", "error", err)
		}
	}()

	b.running = true
	b.logger.Info("embedded broker listening", "address", b.Addr())
	return nil
}

// Addr returns the host:port the broker listens on.
func (b *Broker) Addr() string {
	return net.JoinHostPort(b.cfg.Host, strconv.Itoa(b.cfg.Port))
}

// Publish injects a message as if a client had published it.
func (b *Broker) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if !b.IsRunning() {
		return ErrNotRunning
	}
	return b.server.Publish(topic, payload, retained, qos)
}

// Watch registers a handler for client publications matching filter.
// Handlers run on the broker's packet goroutine and must not block.
func (b *Broker) Watch(filter string, handler Handler) {
	b.mu.Lock()
	b.watchers = append(b.watchers, watcher{filter: filter, handler: handler})
	b.mu.Unlock()
}

// DisconnectClient drops the network connection of a connected client
// without a DISCONNECT packet, so the broker fires its Last Will.
func (b *Broker) DisconnectClient(clientID string) error {
	cl, ok := b.server.Clients.Get(clientID)
	if !ok || cl.Closed() {
		return fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}
	cl.Stop(errKicked)
	return nil
}

// ClientCount returns the number of known client sessions.
func (b *Broker) ClientCount() int {
	return b.server.Clients.Len()
}

// IsRunning reports whether Start has succeeded and Close has not been called.
func (b *Broker) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Close stops the broker and disconnects all clients.
func (b *Broker) Close() error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.mu.Unlock()

	if err := b.server.Close(); err != nil {
		return fmt.Errorf("closing embedded broker: %w", err)
	}
	b.logger.Info("embedded broker stopped")
	return nil
}

// notify dispatches a client publication to matching watchers.
func (b *Broker) notify(topic string, payload []byte, retained bool) {
	b.mu.RLock()
	matched := make([]Handler, 0, len(b.watchers))
	for _, w := range b.watchers {
		if matchTopic(w.filter, topic) {
			matched = append(matched, w.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(topic, payload, retained)
	}
}
