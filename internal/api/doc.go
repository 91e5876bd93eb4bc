// Package api exposes opendrama over HTTP.
//
// The router is built with chi. Everything under /api requires the configured
// bearer token except the provider callback, which authenticates with an
// HS256 JWT signed by the provider's webhook secret. /health and /metrics are
// open so probes and Prometheus can scrape them.
//
// Handlers are thin: they decode the request, call the ledger, segment store
// or generation controller, and map service error markers onto status codes.
// Insufficient balance is not an error in the service layer; it is surfaced
// here as 402 Payment Required with the shortfall in the body.
package api
