// Command opendrama runs the generation daemon and inspects or adjusts the
// local ledger and segment database.
//
// Inspection and maintenance commands open the database directly. Commands
// that create or retry work only reserve coins and reset segment state; the
// daemon's reconciler performs every provider submission so two processes
// never submit the same group.
package main
