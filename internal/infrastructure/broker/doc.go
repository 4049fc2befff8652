// Package broker runs an embedded MQTT broker (mochi-mqtt) so the simulator
// can be exercised without an external broker.
//
// Enable it for local development:
//
//	mqtt:
//	  broker:
//	    host: "127.0.0.1"
//	    port: 1883
//	  embedded:
//	    enabled: true
//	    host: "127.0.0.1"
//	    port: 1883
//
// The meter still connects over TCP like it would to any broker. Tests use
// Watch, Publish and DisconnectClient to observe readings, send control
// commands and force connection loss.
package broker
