package broker

import (
	"bytes"
	"strings"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// eventHook logs client lifecycle events and feeds publications to watchers.
type eventHook struct {
	mochi.HookBase
	broker *Broker
}

func (h *eventHook) ID() string {
	return "metersim-events"
}

func (h *eventHook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnect,
		mochi.OnDisconnect,
		mochi.OnPublish,
	}, []byte{b})
}

func (h *eventHook) OnConnect(cl *mochi.Client, pk packets.Packet) error {
	h.broker.logger.Debug("client connected",
		"client_id", cl.ID,
		"clean_session", pk.Connect.Clean,
	)
	return nil
}

func (h *eventHook) OnDisconnect(cl *mochi.Client, err error, expire bool) {
	h.broker.logger.Debug("client disconnected",
		"client_id", cl.ID,
		"error", err,
		"session_expired", expire,
	)
}

func (h *eventHook) OnPublish(cl *mochi.Client, pk packets.Packet) (packets.Packet, error) {
	h.broker.notify(pk.TopicName, pk.Payload, pk.FixedHeader.Retain)
	return pk, nil
}

// matchTopic reports whether topic matches the MQTT filter, honouring
// single-level '+' and trailing multi-level '#' wildcards.
func matchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fLevels := strings.Split(filter, "/")
	tLevels := strings.Split(topic, "/")

	for i, f := range fLevels {
		if f == "#" {
			return true
		}
		if i >= len(tLevels) {
			return false
		}
		if f != "+" && f != tLevels[i] {
			return false
		}
	}
	return len(fLevels) == len(tLevels)
}
