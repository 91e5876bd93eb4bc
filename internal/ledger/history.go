package ledger

import (
	"context"
	"database/sql"
	"fmt"

	"opendrama/internal/logging"
	"opendrama/internal/metrics"
	"opendrama/internal/services"
	"opendrama/internal/storage"
)

const entryColumns = "id, account_id, kind, amount, balance_after, reserved_after, from_hold, metadata, created_at"

// History returns up to limit entries for account, newest first. A positive
// before restricts the page to entries with a smaller ID.
func (l *Ledger) History(ctx context.Context, account string, limit int, before int64) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + entryColumns + " FROM ledger_entries WHERE account_id = ?"
	args := []any{account}
	if before > 0 {
		query += " AND id < ?"
		args = append(args, before)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)
	return queryEntries(ctx, l.db.SQL(), query, args...)
}

// Entries returns every entry for account in commit order.
func (l *Ledger) Entries(ctx context.Context, account string) ([]Entry, error) {
	return queryEntries(ctx, l.db.SQL(),
		"SELECT "+entryColumns+" FROM ledger_entries WHERE account_id = ? ORDER BY id ASC", account)
}

func queryEntries(ctx context.Context, q storage.Querier, query string, args ...any) ([]Entry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry      Entry
			kind       string
			fromHold   int
			meta       sql.NullString
			createdRaw string
		)
		if err := rows.Scan(&entry.ID, &entry.AccountID, &kind, &entry.Amount, &entry.BalanceAfter,
			&entry.ReservedAfter, &fromHold, &meta, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entry.Kind = Kind(kind)
		entry.FromHold = fromHold != 0
		entry.Metadata = decodeMetadata(meta)
		if t, err := storage.ParseTime(createdRaw); err == nil {
			entry.CreatedAt = t
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Replay folds entries from an empty account. Entries must be in commit order.
func Replay(entries []Entry) Account {
	var acct Account
	for _, entry := range entries {
		if acct.ID == "" {
			acct.ID = entry.AccountID
		}
		switch entry.Kind {
		case KindReserve:
			acct.Reserved -= entry.Amount
		case KindRelease:
			acct.Reserved -= entry.Amount
		case KindConsume:
			acct.Balance += entry.Amount
			acct.TotalConsumed -= entry.Amount
			if entry.FromHold {
				acct.Reserved += entry.Amount
			}
		case KindPurchase:
			acct.Balance += entry.Amount
			acct.TotalPurchased += entry.Amount
		case KindBonus:
			acct.Balance += entry.Amount
		}
	}
	return acct
}

// Verify replays the account's entries and compares them with the stored row.
func (l *Ledger) Verify(ctx context.Context, account string) (Account, error) {
	stored, err := l.Account(ctx, account)
	if err != nil {
		return Account{}, err
	}
	entries, err := l.Entries(ctx, account)
	if err != nil {
		return Account{}, err
	}
	replayed := Replay(entries)
	replayed.ID = stored.ID
	if replayed.Balance != stored.Balance ||
		replayed.Reserved != stored.Reserved ||
		replayed.TotalConsumed != stored.TotalConsumed ||
		replayed.TotalPurchased != stored.TotalPurchased {
		metrics.InvariantViolations.WithLabelValues("replay_mismatch").Inc()
		logging.ErrorWithContext(l.logger, "ledger replay mismatch", "ledger_replay_mismatch",
			logging.String(logging.FieldAccountID, account),
			logging.Int64("stored_balance", stored.Balance),
			logging.Int64("replayed_balance", replayed.Balance),
			logging.Int64("stored_reserved", stored.Reserved),
			logging.Int64("replayed_reserved", replayed.Reserved),
			logging.Alert("ledger_invariant"),
		)
		return replayed, services.Wrap(services.ErrInvariantViolation, "ledger", "verify",
			fmt.Sprintf("account %s: stored balance=%d reserved=%d consumed=%d purchased=%d, replay balance=%d reserved=%d consumed=%d purchased=%d",
				account, stored.Balance, stored.Reserved, stored.TotalConsumed, stored.TotalPurchased,
				replayed.Balance, replayed.Reserved, replayed.TotalConsumed, replayed.TotalPurchased), nil)
	}
	if stored.Reserved < 0 || stored.Reserved > stored.Balance {
		metrics.InvariantViolations.WithLabelValues("reserved_bounds").Inc()
		return replayed, services.Wrap(services.ErrInvariantViolation, "ledger", "verify",
			fmt.Sprintf("account %s: reserved %d outside [0, %d]", account, stored.Reserved, stored.Balance), nil)
	}
	return replayed, nil
}
