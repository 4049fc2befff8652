package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// Status values published on the meter's status topic.
const (
	statusOnline  = "online"
	statusOffline = "offline"
)

// Reasons attached to offline status messages.
const (
	reasonUnexpected = "unexpected_disconnect"
	reasonGraceful   = "graceful_shutdown"
)

// maxTopicLength is the MQTT limit on topic names (UTF-8 encoded length).
const maxTopicLength = 65535

// StatusMessage is the retained JSON document on the status topic.
type StatusMessage struct {
	Status    string `json:"status"`
	MeterID   string `json:"meter_id,omitempty"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// statusInfo holds what the client needs to announce status.
type statusInfo struct {
	topic    string
	meterID  string
	clientID string
}

// configureWill sets the Last Will so the broker marks the meter offline if
// the connection drops without a graceful Close.
func (s statusInfo) configureWill(opts *pahomqtt.ClientOptions) {
	if s.topic == "" {
		return
	}
	opts.SetBinaryWill(s.topic, s.payload(statusOffline, reasonUnexpected), 1, true)
}

// payload builds the status document. A graceful reason is implied for
// offline messages that do not name one.
func (s statusInfo) payload(status, reason string) []byte {
	if status == statusOffline && reason == "" {
		reason = reasonGraceful
	}
	msg := StatusMessage{
		Status:    status,
		MeterID:   s.meterID,
		ClientID:  s.clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, _ := json.Marshal(msg) // only string fields; cannot fail
	return data
}

// ValidatePublishTopic checks that topic can be published to: non-empty,
// within the length limit, and free of wildcards and NUL characters.
func ValidatePublishTopic(topic string) error {
	if err := validateCommon(topic); err != nil {
		return err
	}
	if strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("%w: wildcards not allowed in publish topic %q", ErrInvalidTopic, topic)
	}
	return nil
}

// ValidateFilter checks a subscription filter. '+' must occupy a whole level
// and '#' must be the last level.
func ValidateFilter(filter string) error {
	if err := validateCommon(filter); err != nil {
		return err
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: '#' must be the final level in %q", ErrInvalidTopic, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: '+' must occupy a whole level in %q", ErrInvalidTopic, filter)
		}
	}
	return nil
}

func validateCommon(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	}
	if len(topic) > maxTopicLength {
		return fmt.Errorf("%w: topic exceeds %d bytes", ErrInvalidTopic, maxTopicLength)
	}
	if strings.ContainsRune(topic, 0) {
		return fmt.Errorf("%w: topic contains NUL", ErrInvalidTopic)
	}
	return nil
}
