// Package logging configures slog loggers for the daemon and CLI.
//
// It provides a compact console handler (coloured only when writing to a
// terminal), a JSON handler for machine consumption, size-based rotation of
// the daemon log file, and attribute helpers so call sites use the same field
// names for segment IDs, groups, accounts, and event types.
package logging
