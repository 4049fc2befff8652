package broker

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/meter-sim/internal/infrastructure/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func startBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(config.EmbeddedBrokerConfig{Enabled: true, Host: "127.0.0.1", Port: freePort(t)}, nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func connectClient(t *testing.T, b *Broker, clientID string) pahomqtt.Client {
	t.Helper()
	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", b.Addr())).
		SetClientID(clientID).
		SetAutoReconnect(false).
		SetConnectTimeout(5 * time.Second)

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second), "connect timeout")
	require.NoError(t, token.Error())
	t.Cleanup(func() { client.Disconnect(100) })
	return client
}

func TestBroker_StartTwice(t *testing.T) {
	b := startBroker(t)
	assert.True(t, b.IsRunning())
	assert.ErrorIs(t, b.Start(context.Background()), ErrAlreadyRunning)
}

func TestBroker_StartCancelledContext(t *testing.T) {
	b, err := New(config.EmbeddedBrokerConfig{Host: "127.0.0.1", Port: freePort(t)}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, b.Start(ctx), context.Canceled)
	assert.False(t, b.IsRunning())
}

func TestBroker_PublishNotRunning(t *testing.T) {
	b, err := New(config.EmbeddedBrokerConfig{Host: "127.0.0.1", Port: 1}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, b.Publish("a/b", []byte("x"), 0, false), ErrNotRunning)
}

func TestBroker_WatchReceivesClientPublish(t *testing.T) {
	b := startBroker(t)

	received := make(chan string, 1)
	b.Watch("meters/+/reading", func(topic string, payload []byte, retained bool) {
		assert.True(t, retained)
		received <- topic + "=" + string(payload)
	})

	client := connectClient(t, b, "publisher")
	token := client.Publish("meters/1/reading", 2, true, []byte("17"))
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	select {
	case got := <-received:
		assert.Equal(t, "meters/1/reading=17", got)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not receive publication")
	}
}

func TestBroker_PublishReachesSubscriber(t *testing.T) {
	b := startBroker(t)
	client := connectClient(t, b, "subscriber")

	received := make(chan string, 1)
	token := client.Subscribe("meters/1/control", 2, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		received <- string(msg.Payload())
	})
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())

	require.NoError(t, b.Publish("meters/1/control", []byte("Disconnect"), 2, false))

	select {
	case got := <-received:
		assert.Equal(t, "Disconnect", got)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not receive message")
	}
}

func TestBroker_DisconnectClient(t *testing.T) {
	b := startBroker(t)

	lost := make(chan struct{}, 1)
	opts := pahomqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", b.Addr())).
		SetClientID("victim").
		SetAutoReconnect(false).
		SetConnectionLostHandler(func(pahomqtt.Client, error) { lost <- struct{}{} })
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	defer client.Disconnect(0)

	assert.GreaterOrEqual(t, b.ClientCount(), 1)
	require.NoError(t, b.DisconnectClient("victim"))

	select {
	case <-lost:
	case <-time.After(5 * time.Second):
		t.Fatal("client was not disconnected")
	}

	assert.ErrorIs(t, b.DisconnectClient("nobody"), ErrClientNotFound)
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter string
		topic  string
		want   bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/c/d", false},
		{"a/#", "a/b/c", true},
		{"#", "a", true},
		{"a/b", "a", false},
		{"a/+", "a/b/c", false},
	}

	for _, tt := range tests {
		t.Run(tt.filter+"~"+tt.topic, func(t *testing.T) {
			if got := matchTopic(tt.filter, tt.topic); got != tt.want {
				t.Errorf("matchTopic(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
			}
		})
	}
}
