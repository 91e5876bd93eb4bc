// Package storage owns the SQLite database shared by the ledger and the
// segment store.
//
// The database runs in WAL mode so status queries never block writers, and
// every write transaction begins IMMEDIATE so two writers on the same account
// serialize on the database lock instead of failing mid-transaction. Busy
// errors that still slip through are retried with a short exponential
// backoff. The schema is embedded and versioned; opening a database created
// by an incompatible release fails fast with ErrSchemaMismatch.
package storage
