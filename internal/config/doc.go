// Package config loads, normalizes, and validates opendrama configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks for secrets
// such as OPENDRAMA_PROVIDER_API_KEY. A .env file sitting next to the config
// file is loaded first so local deployments can keep credentials out of the
// TOML. The Config type centralizes every knob the daemon and CLI need: data
// and log directories, the provider endpoint, frame extraction settings, the
// pricing table, reconciler timing, event publishing, and logging.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
