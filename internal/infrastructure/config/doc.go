// Package config handles loading and validating meter simulator configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields (topics, broker, cadence)
//   - Default value handling
//
// Security Considerations:
//   - Broker passwords and tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Meter.DataTopic)
package config
