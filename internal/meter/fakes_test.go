package meter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/meter-sim/internal/infrastructure/mqtt"
)

const waitTimeout = 2 * time.Second

var errBrokerDown = errors.New("broker down")

// stepGenerator adds a fixed step, making readings predictable.
type stepGenerator struct{ step uint64 }

func (g stepGenerator) Next(previous uint64) uint64 { return previous + g.step }

// fakeClock hands out manually driven tickers and After channels.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []chan time.Time

	tickers chan *fakeTicker
	afters  chan time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{
		now:     time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC),
		tickers: make(chan *fakeTicker, 8),
		afters:  make(chan time.Duration, 64),
	}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	t := &fakeTicker{period: d, ch: make(chan time.Time)}
	c.tickers <- t
	return t
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.mu.Lock()
	c.pending = append(c.pending, ch)
	c.mu.Unlock()
	c.afters <- d
	return ch
}

// fireAfters releases every goroutine waiting in After.
func (c *fakeClock) fireAfters() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	now := c.now
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- now
	}
}

// nextTicker waits for the code under test to create a ticker.
func (c *fakeClock) nextTicker(t *testing.T) *fakeTicker {
	t.Helper()
	select {
	case tk := <-c.tickers:
		return tk
	case <-time.After(waitTimeout):
		t.Fatal("ticker was never created")
		return nil
	}
}

// nextAfter waits for the code under test to call After and returns the duration.
func (c *fakeClock) nextAfter(t *testing.T) time.Duration {
	t.Helper()
	select {
	case d := <-c.afters:
		return d
	case <-time.After(waitTimeout):
		t.Fatal("After was never called")
		return 0
	}
}

type fakeTicker struct {
	period time.Duration
	ch     chan time.Time

	mu      sync.Mutex
	stopped bool
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

// tick delivers one tick; it blocks until the receiver takes it.
func (t *fakeTicker) tick(tb testing.TB) {
	tb.Helper()
	select {
	case t.ch <- time.Time{}:
	case <-time.After(waitTimeout):
		tb.Fatal("tick was not consumed")
	}
}

type publishCall struct {
	topic    string
	payload  string
	qos      byte
	retained bool
}

// fakeTransport records publishes and subscriptions and scripts failures.
type fakeTransport struct {
	mu           sync.Mutex
	calls        []publishCall
	failNext     int
	failAll      bool
	published    chan publishCall
	subTopic     string
	subQoS       byte
	handler      mqtt.MessageHandler
	subscribeErr error
	onDisconnect func(error)

	reconnectErrs  []error
	reconnectHooks []func() // run inside Reconnect, one per call
	reconnects     chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		published:  make(chan publishCall, 64),
		reconnects: make(chan struct{}, 64),
	}
}

func (f *fakeTransport) Publish(topic string, payload []byte, qos byte, retained bool) error {
	f.mu.Lock()
	call := publishCall{topic: topic, payload: string(payload), qos: qos, retained: retained}
	f.calls = append(f.calls, call)
	fail := f.failAll || f.failNext > 0
	if f.failNext > 0 {
		f.failNext--
	}
	f.mu.Unlock()

	f.published <- call
	if fail {
		return mqtt.ErrNotConnected
	}
	return nil
}

func (f *fakeTransport) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subTopic, f.subQoS, f.handler = topic, qos, handler
	return nil
}

func (f *fakeTransport) SetOnDisconnect(callback func(err error)) {
	f.mu.Lock()
	f.onDisconnect = callback
	f.mu.Unlock()
}

// Reconnect pops the next scripted error and hook; an empty script means
// success.
func (f *fakeTransport) Reconnect(ctx context.Context) error {
	f.mu.Lock()
	var err error
	if len(f.reconnectErrs) > 0 {
		err = f.reconnectErrs[0]
		f.reconnectErrs = f.reconnectErrs[1:]
	}
	var hook func()
	if len(f.reconnectHooks) > 0 {
		hook = f.reconnectHooks[0]
		f.reconnectHooks = f.reconnectHooks[1:]
	}
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	f.reconnects <- struct{}{}
	return err
}

func (f *fakeTransport) setFailAll(v bool) {
	f.mu.Lock()
	f.failAll = v
	f.mu.Unlock()
}

func (f *fakeTransport) deliver(topic, payload string) error {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	return h(topic, []byte(payload))
}

func (f *fakeTransport) loseConnection(err error) {
	f.mu.Lock()
	cb := f.onDisconnect
	f.mu.Unlock()
	cb(err)
}

func (f *fakeTransport) nextPublish(t *testing.T) publishCall {
	t.Helper()
	select {
	case call := <-f.published:
		return call
	case <-time.After(waitTimeout):
		t.Fatal("no publish observed")
		return publishCall{}
	}
}

func (f *fakeTransport) nextReconnect(t *testing.T) {
	t.Helper()
	select {
	case <-f.reconnects:
	case <-time.After(waitTimeout):
		t.Fatal("no reconnect attempt observed")
	}
}

// recordingSink collects publications.
type recordingSink struct {
	mu  sync.Mutex
	got []Publication
	err error
}

func (s *recordingSink) RecordReading(_ context.Context, p Publication) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, p)
	return s.err
}

func (s *recordingSink) publications() []Publication {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Publication(nil), s.got...)
}
