package storage_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"opendrama/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.OpenPath(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpenCreatesSchemaAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	db, err := storage.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	if _, err := db.Exec(context.Background(), "INSERT INTO accounts (id, created_at, updated_at) VALUES ('a', ?, ?)", storage.Now(), storage.Now()); err != nil {
		t.Fatalf("insert account: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := storage.OpenPath(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()
	var count int
	if err := reopened.SQL().QueryRow("SELECT COUNT(1) FROM accounts").Scan(&count); err != nil {
		t.Fatalf("count accounts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected persisted account, got %d", count)
	}
}

func TestOpenRejectsSchemaMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := storage.OpenPath(path)
	if err != nil {
		t.Fatalf("OpenPath failed: %v", err)
	}
	if _, err := db.Exec(context.Background(), "UPDATE schema_version SET version = 99"); err != nil {
		t.Fatalf("bump version: %v", err)
	}
	_ = db.Close()

	if _, err := storage.OpenPath(path); !errors.Is(err, storage.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	sentinel := errors.New("abort")
	err := db.InTx(context.Background(), func(tx *sql.Tx) error {
		if _, err := tx.Exec("INSERT INTO accounts (id, created_at, updated_at) VALUES ('gone', ?, ?)", storage.Now(), storage.Now()); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	var count int
	if err := db.SQL().QueryRow("SELECT COUNT(1) FROM accounts").Scan(&count); err != nil {
		t.Fatalf("count accounts: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d rows", count)
	}
}

func TestAccountCheckConstraintRejectsOverReserve(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(context.Background(), "INSERT INTO accounts (id, balance, reserved, created_at, updated_at) VALUES ('x', 5, 6, ?, ?)", storage.Now(), storage.Now())
	if err == nil {
		t.Fatal("expected check constraint violation for reserved > balance")
	}
}

func TestConcurrentTransactionsSerialize(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := db.Exec(ctx, "INSERT INTO accounts (id, balance, created_at, updated_at) VALUES ('c', 0, ?, ?)", storage.Now(), storage.Now()); err != nil {
		t.Fatalf("insert account: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- db.InTx(ctx, func(tx *sql.Tx) error {
				var balance int64
				if err := tx.QueryRow("SELECT balance FROM accounts WHERE id = 'c'").Scan(&balance); err != nil {
					return err
				}
				_, err := tx.Exec("UPDATE accounts SET balance = ? WHERE id = 'c'", balance+1)
				return err
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("transaction failed: %v", err)
		}
	}
	var balance int64
	if err := db.SQL().QueryRow("SELECT balance FROM accounts WHERE id = 'c'").Scan(&balance); err != nil {
		t.Fatalf("read balance: %v", err)
	}
	if balance != workers {
		t.Fatalf("expected %d increments, got %d", workers, balance)
	}
}

func TestHelpers(t *testing.T) {
	if got := storage.Placeholders(3); got != "?, ?, ?" {
		t.Fatalf("unexpected placeholders %q", got)
	}
	if storage.NullableString("") != nil {
		t.Fatal("expected nil for empty string")
	}
	now := time.Now()
	formatted := storage.NullableTime(&now)
	parsed := storage.ParseNullTime(sql.NullString{String: formatted.(string), Valid: true})
	if parsed == nil || !parsed.Equal(now) {
		t.Fatalf("time round trip mismatch: %v vs %v", parsed, now)
	}
}
