// Package mqtt provides the MQTT transport for the meter simulator.
//
// This package manages:
//   - Connection to the broker over tcp:// or ssl://
//   - Persistent sessions (clean_session=false by default)
//   - QoS 2 retained publishing of meter readings
//   - Control topic subscriptions, restored after reconnects
//   - Last Will and online/offline status on an optional status topic
//
// # Reconnection
//
// paho's auto-reconnect is switched off. A lost connection is reported once
// through SetOnDisconnect; the meter's recovery loop then calls Reconnect on
// a fixed backoff until it succeeds.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT, cfg.Meter)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	client.SetOnDisconnect(func(err error) { recovery.OnConnectionLost(err) })
//	err = client.Publish(cfg.Meter.DataTopic, []byte("42"), 2, true)
package mqtt
