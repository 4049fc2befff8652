// Package influxdb streams meter readings to InfluxDB v2.
//
// Every scheduler tick becomes one point in the meter_reading measurement,
// tagged with the meter ID and whether the meter was frozen. Writes go
// through the non-blocking batched WriteAPI so a slow or absent InfluxDB
// never delays the publish schedule.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	switch {
//	case errors.Is(err, influxdb.ErrDisabled):
//	    // telemetry off
//	case err != nil:
//	    return err
//	default:
//	    defer client.Close()
//	    svc.AddSink(client.Sink(cfg.Meter.ID))
//	}
package influxdb
