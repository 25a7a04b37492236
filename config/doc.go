// Package config loads process configuration for mmate-redis programs.
//
// Values are resolved in order: built-in defaults, an optional YAML file,
// then MMATE_* environment variables.
package config
