package influxdb

import (
	"context"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/meter-sim/internal/meter"
)

// Measurement is the InfluxDB measurement written for every tick.
const Measurement = "meter_reading"

// ReadingSink adapts a Client to meter.ReadingSink for one meter.
type ReadingSink struct {
	client  *Client
	meterID string
}

// Sink returns a meter.ReadingSink that tags every point with meterID.
func (c *Client) Sink(meterID string) *ReadingSink {
	return &ReadingSink{client: c, meterID: meterID}
}

// RecordReading implements meter.ReadingSink. Points are queued, never
// blocking the scheduler; delivery errors surface through SetOnError.
func (s *ReadingSink) RecordReading(_ context.Context, p meter.Publication) error {
	if !s.client.IsConnected() {
		return ErrNotConnected
	}
	s.client.writeAPI.WritePoint(readingPoint(s.meterID, p))
	return nil
}

// readingPoint converts a publication into a line-protocol point.
//
// Tags:   meter_id, frozen
// Fields: value (int), published (bool)
func readingPoint(meterID string, p meter.Publication) *write.Point {
	at := p.At
	if at.IsZero() {
		at = time.Now()
	}

	frozen := "false"
	if p.Frozen {
		frozen = "true"
	}

	return write.NewPoint(
		Measurement,
		map[string]string{
			"meter_id": meterID,
			"frozen":   frozen,
		},
		map[string]interface{}{
			"value":     p.Value,
			"published": p.Published,
		},
		at,
	)
}
