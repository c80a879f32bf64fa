// Package config handles loading and validating extdevd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with EXTDEV_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Secrets (MQTT password, InfluxDB token, JWT secret) should be supplied
// through the environment rather than the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	delay := cfg.IdleUnloadDelay()
package config
