// Package config provides configuration management for Intrascale.
//
// Configuration is resolved once at startup from defaults, an optional
// YAML file and INTRASCALE_* environment variables, in that order of
// precedence:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("intrascale.yaml").
//	    WithEnvPrefix("INTRASCALE").
//	    Load()
//
// Liveness thresholds, ports and timeouts are validated together
// because the rest of the system assumes their ordering.
package config
