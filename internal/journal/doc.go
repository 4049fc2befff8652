// Package journal keeps a local SQLite record of every publish attempt.
//
// Each scheduler tick produces one Entry whether or not the MQTT publish
// succeeded, so the journal shows frozen periods and delivery failures
// that a broker-side subscriber never sees. Sink plugs the repository into
// the meter as a meter.ReadingSink and prunes entries past the configured
// retention.
package journal
