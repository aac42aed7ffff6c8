// Package config handles loading and validating Fleet Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with FLEETCORE_* environment variables
//   - Validation of required fields
//
// Sensitive values (MQTT password, InfluxDB token, JWT secret) should be
// supplied through the environment rather than the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Commands.SweepInterval)
package config
