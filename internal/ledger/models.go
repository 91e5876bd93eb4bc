package ledger

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies a ledger entry.
type Kind string

const (
	KindReserve  Kind = "reserve"
	KindRelease  Kind = "release"
	KindConsume  Kind = "consume"
	KindPurchase Kind = "purchase"
	KindBonus    Kind = "bonus"
)

// ParseKind validates a kind string.
func ParseKind(value string) (Kind, error) {
	switch Kind(value) {
	case KindReserve, KindRelease, KindConsume, KindPurchase, KindBonus:
		return Kind(value), nil
	default:
		return "", fmt.Errorf("unknown ledger kind %q", value)
	}
}

// Account is one user's coin position.
type Account struct {
	ID             string    `json:"id"`
	Balance        int64     `json:"balance"`
	Reserved       int64     `json:"reserved"`
	TotalPurchased int64     `json:"totalPurchased"`
	TotalConsumed  int64     `json:"totalConsumed"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Spendable is the only amount available to new reservations or direct spends.
func (a Account) Spendable() int64 {
	return a.Balance - a.Reserved
}

// Metadata is free-form context stored with an entry.
type Metadata map[string]any

func (m Metadata) encode() (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode ledger metadata: %w", err)
	}
	return string(data), nil
}

// Entry is one append-only ledger row. Amount is signed from the point of
// view of the spendable pool: reserve and consume are negative, release,
// purchase and bonus are positive.
type Entry struct {
	ID            int64     `json:"id"`
	AccountID     string    `json:"accountId"`
	Kind          Kind      `json:"kind"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balanceAfter"`
	ReservedAfter int64     `json:"reservedAfter"`
	FromHold      bool      `json:"fromHold"`
	Metadata      Metadata  `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Shortfall describes a refused reservation or deduction.
type Shortfall struct {
	Required  int64 `json:"required"`
	Available int64 `json:"available"`
	Missing   int64 `json:"missing"`
}

// ShortfallFor computes how far account is from affording required.
func ShortfallFor(account Account, required int64) Shortfall {
	available := account.Spendable()
	missing := required - available
	if missing < 0 {
		missing = 0
	}
	return Shortfall{Required: required, Available: available, Missing: missing}
}

// ClampRelease bounds a refund by what is actually held.
func ClampRelease(requested, currentReserved int64) int64 {
	if requested <= 0 || currentReserved <= 0 {
		return 0
	}
	return min(requested, currentReserved)
}

// ClampConfirm bounds a confirmation by what is actually held.
func ClampConfirm(requested, currentReserved int64) int64 {
	return ClampRelease(requested, currentReserved)
}
