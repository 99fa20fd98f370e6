// Package config loads the statesocket server configuration.
//
// Values are layered: Default, then an optional YAML file (Load), then
// STATESOCKET_* environment variables (ApplyEnv), then command line flags
// applied by the caller. Validate runs last.
package config
