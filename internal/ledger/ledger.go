package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"opendrama/internal/logging"
	"opendrama/internal/metrics"
	"opendrama/internal/services"
	"opendrama/internal/storage"
)

// Ledger performs atomic coin operations.
type Ledger struct {
	db     *storage.DB
	logger *slog.Logger
}

// New constructs a ledger over db.
func New(db *storage.DB, logger *slog.Logger) *Ledger {
	return &Ledger{db: db, logger: logging.NewComponentLogger(logger, "ledger")}
}

const accountColumns = "id, balance, reserved, total_purchased, total_consumed, created_at, updated_at"

// EnsureAccount creates an empty account if id is unknown.
func (l *Ledger) EnsureAccount(ctx context.Context, id string) error {
	return l.db.InTx(ctx, func(tx *sql.Tx) error {
		return EnsureAccountTx(ctx, tx, id)
	})
}

// EnsureAccountTx is EnsureAccount inside an open transaction.
func EnsureAccountTx(ctx context.Context, tx *sql.Tx, id string) error {
	if err := validateAccountID(id); err != nil {
		return err
	}
	now := storage.Now()
	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO accounts (id, created_at, updated_at) VALUES (?, ?, ?)",
		id, now, now,
	); err != nil {
		return fmt.Errorf("ensure account: %w", err)
	}
	return nil
}

// Account loads one account.
func (l *Ledger) Account(ctx context.Context, id string) (Account, error) {
	return getAccount(ctx, l.db.SQL(), id)
}

// AccountTx loads one account inside an open transaction.
func AccountTx(ctx context.Context, tx *sql.Tx, id string) (Account, error) {
	return getAccount(ctx, tx, id)
}

func getAccount(ctx context.Context, q storage.Querier, id string) (Account, error) {
	row := q.QueryRowContext(ctx, "SELECT "+accountColumns+" FROM accounts WHERE id = ?", id)
	var (
		acct       Account
		createdRaw string
		updatedRaw string
	)
	if err := row.Scan(&acct.ID, &acct.Balance, &acct.Reserved, &acct.TotalPurchased, &acct.TotalConsumed, &createdRaw, &updatedRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, services.Wrap(services.ErrNotFound, "ledger", "account", id, nil)
		}
		return Account{}, fmt.Errorf("load account: %w", err)
	}
	if t, err := storage.ParseTime(createdRaw); err == nil {
		acct.CreatedAt = t
	}
	if t, err := storage.ParseTime(updatedRaw); err == nil {
		acct.UpdatedAt = t
	}
	return acct, nil
}

// Reserve holds amount against account. It returns false, with no mutation
// and no entry, when the spendable balance is short.
func (l *Ledger) Reserve(ctx context.Context, account string, amount int64, meta Metadata) (bool, error) {
	var ok bool
	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = l.ReserveTx(ctx, tx, account, amount, meta)
		return err
	})
	return ok, err
}

// ReserveTx is Reserve inside an open transaction.
func (l *Ledger) ReserveTx(ctx context.Context, tx *sql.Tx, account string, amount int64, meta Metadata) (bool, error) {
	if err := validateAmount("reserve", amount); err != nil {
		return false, err
	}
	if err := EnsureAccountTx(ctx, tx, account); err != nil {
		return false, err
	}
	balance, reserved, ok, err := updateReturning(ctx, tx,
		"UPDATE accounts SET reserved = reserved + ?, updated_at = ? WHERE id = ? AND balance - reserved >= ? RETURNING balance, reserved",
		amount, storage.Now(), account, amount,
	)
	if err != nil {
		return false, fmt.Errorf("reserve: %w", err)
	}
	if !ok {
		l.refused(ctx, "reserve", account, amount)
		return false, nil
	}
	if err := l.appendEntry(ctx, tx, account, KindReserve, -amount, balance, reserved, false, meta); err != nil {
		return false, err
	}
	return true, nil
}

// Confirm converts a hold into spend. The amount is clamped to the current
// reservation; a clamp is reported as an invariant violation.
func (l *Ledger) Confirm(ctx context.Context, account string, amount int64, meta Metadata) (int64, error) {
	var confirmed int64
	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		confirmed, err = l.ConfirmTx(ctx, tx, account, amount, meta)
		return err
	})
	return confirmed, err
}

// ConfirmTx is Confirm inside an open transaction.
func (l *Ledger) ConfirmTx(ctx context.Context, tx *sql.Tx, account string, amount int64, meta Metadata) (int64, error) {
	if err := validateAmount("confirm", amount); err != nil {
		return 0, err
	}
	current, err := AccountTx(ctx, tx, account)
	if err != nil {
		return 0, err
	}
	confirmed := ClampConfirm(amount, current.Reserved)
	if confirmed < amount {
		metrics.InvariantViolations.WithLabelValues("confirm_clamp").Inc()
		logging.WarnWithContext(logging.WithContext(ctx, l.logger), "confirm exceeded reservation; clamped",
			"ledger_confirm_clamped",
			logging.String(logging.FieldAccountID, account),
			logging.Int64("requested", amount),
			logging.Int64("reserved", current.Reserved),
			logging.Int64("confirmed", confirmed),
			logging.String(logging.FieldErrorKind, services.ErrInvariantViolation.Error()),
			logging.Alert("ledger_invariant"),
			logging.String(logging.FieldImpact, "charged less than the segment price"),
			logging.String(logging.FieldErrorHint, "run 'opendrama account verify' for this account"),
		)
	}
	if confirmed == 0 && amount > 0 {
		return 0, nil
	}
	balance, reserved, _, err := updateReturning(ctx, tx,
		"UPDATE accounts SET balance = balance - ?, reserved = reserved - ?, total_consumed = total_consumed + ?, updated_at = ? WHERE id = ? RETURNING balance, reserved",
		confirmed, confirmed, confirmed, storage.Now(), account,
	)
	if err != nil {
		return 0, fmt.Errorf("confirm: %w", err)
	}
	if err := l.appendEntry(ctx, tx, account, KindConsume, -confirmed, balance, reserved, true, meta); err != nil {
		return 0, err
	}
	return confirmed, nil
}

// Refund releases up to amount of the current hold back to spendable balance
// and returns what was actually released. A second refund for the same hold
// releases nothing and writes no entry.
func (l *Ledger) Refund(ctx context.Context, account string, amount int64, meta Metadata) (int64, error) {
	var released int64
	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		released, err = l.RefundTx(ctx, tx, account, amount, meta)
		return err
	})
	return released, err
}

// RefundTx is Refund inside an open transaction.
func (l *Ledger) RefundTx(ctx context.Context, tx *sql.Tx, account string, amount int64, meta Metadata) (int64, error) {
	if err := validateAmount("refund", amount); err != nil {
		return 0, err
	}
	current, err := AccountTx(ctx, tx, account)
	if err != nil {
		return 0, err
	}
	released := ClampRelease(amount, current.Reserved)
	if released == 0 && amount > 0 {
		l.logger.Debug("refund found nothing held",
			logging.String(logging.FieldAccountID, account),
			logging.Int64("requested", amount),
		)
		return 0, nil
	}
	balance, reserved, _, err := updateReturning(ctx, tx,
		"UPDATE accounts SET reserved = reserved - ?, updated_at = ? WHERE id = ? RETURNING balance, reserved",
		released, storage.Now(), account,
	)
	if err != nil {
		return 0, fmt.Errorf("refund: %w", err)
	}
	if err := l.appendEntry(ctx, tx, account, KindRelease, released, balance, reserved, false, meta); err != nil {
		return 0, err
	}
	return released, nil
}

// DirectDeduct charges amount without a prior hold. It returns false when
// the spendable balance is short.
func (l *Ledger) DirectDeduct(ctx context.Context, account string, amount int64, meta Metadata) (bool, error) {
	var ok bool
	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = l.DirectDeductTx(ctx, tx, account, amount, meta)
		return err
	})
	return ok, err
}

// DirectDeductTx is DirectDeduct inside an open transaction.
func (l *Ledger) DirectDeductTx(ctx context.Context, tx *sql.Tx, account string, amount int64, meta Metadata) (bool, error) {
	if err := validateAmount("direct deduct", amount); err != nil {
		return false, err
	}
	if err := EnsureAccountTx(ctx, tx, account); err != nil {
		return false, err
	}
	balance, reserved, ok, err := updateReturning(ctx, tx,
		"UPDATE accounts SET balance = balance - ?, total_consumed = total_consumed + ?, updated_at = ? WHERE id = ? AND balance - reserved >= ? RETURNING balance, reserved",
		amount, amount, storage.Now(), account, amount,
	)
	if err != nil {
		return false, fmt.Errorf("direct deduct: %w", err)
	}
	if !ok {
		l.refused(ctx, "direct_deduct", account, amount)
		return false, nil
	}
	if err := l.appendEntry(ctx, tx, account, KindConsume, -amount, balance, reserved, false, meta); err != nil {
		return false, err
	}
	return true, nil
}

// Credit adds coins from payment settlement (purchase) or promotions (bonus).
func (l *Ledger) Credit(ctx context.Context, account string, amount int64, kind Kind, meta Metadata) (Account, error) {
	var acct Account
	err := l.db.InTx(ctx, func(tx *sql.Tx) error {
		if err := l.CreditTx(ctx, tx, account, amount, kind, meta); err != nil {
			return err
		}
		var err error
		acct, err = AccountTx(ctx, tx, account)
		return err
	})
	return acct, err
}

// CreditTx is Credit inside an open transaction.
func (l *Ledger) CreditTx(ctx context.Context, tx *sql.Tx, account string, amount int64, kind Kind, meta Metadata) error {
	if kind != KindPurchase && kind != KindBonus {
		return services.Wrap(services.ErrValidation, "ledger", "credit",
			fmt.Sprintf("kind must be purchase or bonus, got %q", kind), nil)
	}
	if amount <= 0 {
		return services.Wrap(services.ErrValidation, "ledger", "credit", "amount must be positive", nil)
	}
	if err := EnsureAccountTx(ctx, tx, account); err != nil {
		return err
	}
	purchased := int64(0)
	if kind == KindPurchase {
		purchased = amount
	}
	balance, reserved, _, err := updateReturning(ctx, tx,
		"UPDATE accounts SET balance = balance + ?, total_purchased = total_purchased + ?, updated_at = ? WHERE id = ? RETURNING balance, reserved",
		amount, purchased, storage.Now(), account,
	)
	if err != nil {
		return fmt.Errorf("credit: %w", err)
	}
	return l.appendEntry(ctx, tx, account, kind, amount, balance, reserved, false, meta)
}

func (l *Ledger) appendEntry(ctx context.Context, tx *sql.Tx, account string, kind Kind, amount, balance, reserved int64, fromHold bool, meta Metadata) error {
	encoded, err := meta.encode()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (account_id, kind, amount, balance_after, reserved_after, from_hold, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		account, string(kind), amount, balance, reserved, storage.BoolToInt(fromHold), encoded, storage.Now(),
	); err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	metrics.LedgerOperations.WithLabelValues(string(kind)).Inc()
	if amount < 0 {
		amount = -amount
	}
	metrics.LedgerCoins.WithLabelValues(string(kind)).Add(float64(amount))
	return nil
}

func (l *Ledger) refused(ctx context.Context, operation, account string, amount int64) {
	metrics.InsufficientBalance.WithLabelValues(operation).Inc()
	logging.WithContext(ctx, l.logger).Info("insufficient balance",
		logging.String(logging.FieldEventType, "ledger_insufficient_balance"),
		logging.String("operation", operation),
		logging.String(logging.FieldAccountID, account),
		logging.Int64("amount", amount),
	)
}

func updateReturning(ctx context.Context, tx *sql.Tx, query string, args ...any) (balance, reserved int64, ok bool, err error) {
	err = tx.QueryRowContext(ctx, query, args...).Scan(&balance, &reserved)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	if err != nil {
		return 0, 0, false, err
	}
	return balance, reserved, true, nil
}

func validateAccountID(id string) error {
	if strings.TrimSpace(id) == "" {
		return services.Wrap(services.ErrValidation, "ledger", "account", "account id is required", nil)
	}
	return nil
}

func validateAmount(operation string, amount int64) error {
	if amount < 0 {
		return services.Wrap(services.ErrValidation, "ledger", operation,
			fmt.Sprintf("amount must not be negative, got %d", amount), nil)
	}
	return nil
}

func decodeMetadata(raw sql.NullString) Metadata {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var meta Metadata
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return Metadata{"raw": raw.String}
	}
	return meta
}
