// Package services defines shared utilities consumed by the ledger, the
// segment pipeline, and the provider integrations.
//
// Key responsibilities:
//   - Context helpers that stamp segment IDs, group IDs, account IDs, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper so failures can be
//     classified (provider rejection, timeout, extraction) and rendered into
//     a segment's persisted error message.
//
// Use these helpers when wiring new components so failure handling and
// observability stay uniform across the pipeline.
package services
