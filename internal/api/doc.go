// Package api serves the simulator's HTTP API and live WebSocket stream.
//
// Endpoints (all under /api/v1):
//
//	GET  /health          liveness plus MQTT connection state
//	GET  /meter           tracker snapshot and recovery state
//	POST /meter/control   {"command":"Connect"|"Disconnect"}
//	GET  /readings        recent journal entries (?limit=N)
//	GET  /audit           applied control commands (?action=&source=&limit=&offset=)
//	GET  /ws              WebSocket stream of meter.reading and meter.control events
//
// POST /meter/control goes through the same path as the MQTT control
// topic. When api.auth_required is set it needs an HS256 bearer token
// signed with security.jwt.secret and carrying an exp claim.
//
// The Hub is registered as a meter.ReadingSink and a command observer, so
// every scheduler tick reaches meter.reading subscribers and every applied
// command, from MQTT or HTTP, reaches meter.control subscribers.
package api
