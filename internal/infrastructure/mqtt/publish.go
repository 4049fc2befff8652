package mqtt

import (
	"fmt"
)

// Maximum payload size for MQTT messages (1MB).
const maxPayloadSize = 1 << 20 // 1MB

// Publish sends a message to the specified MQTT topic and waits for the
// broker to complete the QoS handshake.
//
// QoS Levels:
//   - 0: At most once (fire and forget)
//   - 1: At least once (may duplicate)
//   - 2: Exactly once
//
// Meter readings are published with QoS 2 and retained, so a subscriber that
// connects late still sees the latest reading.
//
// Returns ErrNotConnected without touching the network when the client is
// disconnected, and an ErrPublishFailed wrap for broker or timeout failures.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if err := ValidatePublishTopic(topic); err != nil {
		return err
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload size %d exceeds maximum %d bytes", ErrPublishFailed, len(payload), maxPayloadSize)
	}

	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(defaultPublishTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	if logger := c.getLogger(); logger != nil {
		logger.Debug("mqtt delivery complete", "topic", topic, "qos", qos, "bytes", len(payload))
	}
	return nil
}

// PublishString publishes a string payload.
func (c *Client) PublishString(topic string, payload string, qos byte, retained bool) error {
	return c.Publish(topic, []byte(payload), qos, retained)
}
