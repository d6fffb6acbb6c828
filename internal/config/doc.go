// Package config loads, normalizes, and validates Harvest configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// HARVEST_NTFY_TOPIC and HARVEST_AGENT_COMMAND. The Config type centralizes
// every knob the daemon and CLI need: store locations, agent timeouts, import
// seed targets and notification endpoints.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
