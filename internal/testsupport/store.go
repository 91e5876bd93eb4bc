package testsupport

import (
	"context"
	"testing"

	"opendrama/internal/config"
	"opendrama/internal/ledger"
	"opendrama/internal/logging"
	"opendrama/internal/storage"
)

// MustOpenDB opens the configured database for tests and registers cleanup.
func MustOpenDB(t testing.TB, cfg *config.Config) *storage.DB {
	t.Helper()

	db, err := storage.Open(cfg)
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

// FundedAccount creates account with balance coins granted as a bonus.
func FundedAccount(t testing.TB, l *ledger.Ledger, account string, balance int64) {
	t.Helper()

	if balance <= 0 {
		if err := l.EnsureAccount(context.Background(), account); err != nil {
			t.Fatalf("EnsureAccount: %v", err)
		}
		return
	}
	if _, err := l.Credit(context.Background(), account, balance, ledger.KindBonus, ledger.Metadata{"source": "test"}); err != nil {
		t.Fatalf("Credit: %v", err)
	}
}

// NewLedger opens a fresh database and ledger for tests.
func NewLedger(t testing.TB) (*storage.DB, *ledger.Ledger) {
	t.Helper()

	cfg := NewConfig(t)
	db := MustOpenDB(t, cfg)
	return db, ledger.New(db, logging.NewNop())
}
