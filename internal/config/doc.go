// Package config provides configuration loading and validation for the dictation engine.
// It handles YAML-based configuration with per-section validation and sensible defaults,
// so a minimal config file only needs to override what differs.
package config
