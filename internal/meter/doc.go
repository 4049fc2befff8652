// Package meter implements the simulated utility meter.
//
// A single meter publishes a monotonically increasing reading on a fixed
// cadence, obeys "Connect" / "Disconnect" commands from a control topic, and
// keeps its reading intact across real transport failures.
//
// # Architecture
//
//	┌───────────────────────────────────────────────────────────────────┐
//	│                              Service                              │
//	│                                                                   │
//	│  ┌──────────────┐   ┌──────────────┐   ┌───────────────────────┐  │
//	│  │  Scheduler   │──▶│   Tracker    │◀──│    ControlHandler     │  │
//	│  │ (ticks, pub) │   │ (one mutex)  │   │ (control topic, API)  │  │
//	│  └──────┬───────┘   └──────▲───────┘   └───────────────────────┘  │
//	│         │                  │                                      │
//	│         ▼                  │ resume (opt-in)                      │
//	│  ┌──────────────┐   ┌──────┴───────┐                              │
//	│  │ ReadingSinks │   │ RecoveryLoop │◀── connection lost           │
//	│  └──────────────┘   └──────────────┘                              │
//	└───────────────────────────────────────────────────────────────────┘
//
// # Freezing
//
// While frozen the meter republishes the reading it held when it froze. It
// freezes on an operator "Disconnect" and when a publish fails; the failed
// value is then offered again on every tick. Only "Connect" unfreezes, unless
// meter.resume_on_reconnect is set, in which case a freeze caused by a failed
// publish also ends once the transport reconnects or the frozen value is
// published successfully, whichever comes first.
//
// # Time
//
// Scheduler and RecoveryLoop take a Clock so tests drive ticks and backoff
// waits by hand instead of sleeping.
package meter
