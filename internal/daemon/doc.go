// Package daemon coordinates the long-running opendrama process.
//
// It wires configuration, storage, the ledger, the segment store, the
// provider client and the generation controller into a single lifecycle with
// flock-based locking to prevent multiple instances. On start it binds the
// controller to the daemon lifetime, runs preflight, starts the status
// reconciler (whose first pass resumes groups left idle by a restart) and
// serves the HTTP API.
//
// Keep orchestration logic here: generation rules live in the generation and
// segments packages while the daemon focuses on startup, shutdown, and
// wiring.
package daemon
