// Package config loads the ChainPulse runtime configuration from JSON or YAML
// files, fills in defaults and applies environment overrides.
package config
