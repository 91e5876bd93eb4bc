// Package segments persists generation units and enforces their lifecycle.
//
// A segment is one short clip billed and submitted on its own. Segments are
// created in batches that share a single ledger reservation, then move
// reserved → submitted → generating → done|failed. Every transition that
// ends a hold (done confirms, failed refunds, reset refunds a live segment)
// commits in the same transaction as the matching ledger operation, and every
// transition is conditional on the current status so a repeated or racing
// call reports "not applied" instead of settling twice.
package segments
