// Package ledger is the account of record for user coins.
//
// An account carries a spendable balance, the part of it held against
// in-flight generation jobs (reserved), and two reporting counters. Every
// mutation is one SQLite transaction that updates the account row and appends
// exactly one entry to ledger_entries, so replaying the entries from zero
// reproduces the row. The *Tx variants let the segment store compose a ledger
// operation with a segment status change in the same transaction.
//
// Insufficient funds is a normal result (false), never an error.
package ledger
