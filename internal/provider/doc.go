// Package provider talks to the external video-generation service.
//
// Gateway is the narrow contract the generation pipeline depends on: submit a
// clip request and receive an opaque task handle, then poll that handle until
// the provider reports a terminal state. Client is the HTTP JSON
// implementation; it rate limits outgoing calls, attaches an idempotency key
// to submissions so retried requests never start a second job, and maps
// failures onto the services error markers (rejected, timeout, transient).
package provider
