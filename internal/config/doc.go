// Package config loads, normalizes, and validates retrain configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// RETRAIN_API_TOKEN. The Config type centralizes every knob the daemon and CLI
// need: scheduler limits, storage retention, the periodic training cycle, and
// the per-variant training runtimes.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, millisecond values converted to durations, and clear
// validation errors.
package config
