// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and ANALYTICA_ environment variables. It
// covers server transport settings, execution limits, the dataset location
// and logging. Execution limits are layered over the YAML execution policy
// (see package policy): zero values inherit from the policy file.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	p, err := cfg.Policy()
package config
