package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"opendrama/internal/ledger"
	"opendrama/internal/services"
	"opendrama/internal/testsupport"
)

func mustAccount(t *testing.T, l *ledger.Ledger, id string) ledger.Account {
	t.Helper()
	acct, err := l.Account(context.Background(), id)
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	return acct
}

func assertBalances(t *testing.T, acct ledger.Account, balance, reserved, consumed int64) {
	t.Helper()
	if acct.Balance != balance || acct.Reserved != reserved || acct.TotalConsumed != consumed {
		t.Fatalf("unexpected account: balance=%d reserved=%d consumed=%d, want %d/%d/%d",
			acct.Balance, acct.Reserved, acct.TotalConsumed, balance, reserved, consumed)
	}
}

func TestBatchConfirmAndRefundScenario(t *testing.T) {
	_, l := testsupport.NewLedger(t)
	ctx := context.Background()
	testsupport.FundedAccount(t, l, "u1", 100)

	ok, err := l.Reserve(ctx, "u1", 30, ledger.Metadata{"group": "ep-1"})
	if err != nil || !ok {
		t.Fatalf("Reserve = %v, %v", ok, err)
	}
	assertBalances(t, mustAccount(t, l, "u1"), 100, 30, 0)

	confirmed, err := l.Confirm(ctx, "u1", 10, nil)
	if err != nil || confirmed != 10 {
		t.Fatalf("Confirm = %d, %v", confirmed, err)
	}
	assertBalances(t, mustAccount(t, l, "u1"), 90, 20, 10)

	released, err := l.Refund(ctx, "u1", 20, nil)
	if err != nil || released != 20 {
		t.Fatalf("Refund = %d, %v", released, err)
	}
	assertBalances(t, mustAccount(t, l, "u1"), 90, 0, 10)

	if _, err := l.Verify(ctx, "u1"); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestReserveInsufficientLeavesNoTrace(t *testing.T) {
	_, l := testsupport.NewLedger(t)
	ctx := context.Background()
	testsupport.FundedAccount(t, l, "poor", 5)

	before, err := l.Entries(ctx, "poor")
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	ok, err := l.Reserve(ctx, "poor", 10, nil)
	if err != nil {
		t.Fatalf("Reserve returned error: %v", err)
	}
	if ok {
		t.Fatal("expected reservation to be refused")
	}
	assertBalances(t, mustAccount(t, l, "poor"), 5, 0, 0)
	after, err := l.Entries(ctx, "poor")
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(after) != len(before) {
		t.Fatalf("expected no new entries, had %d now %d", len(before), len(after))
	}
}

func TestRefundTwiceReleasesOnce(t *testing.T) {
	_, l := testsupport.NewLedger(t)
	ctx := context.Background()
	testsupport.FundedAccount(t, l, "u2", 50)

	if ok, err := l.Reserve(ctx, "u2", 15, nil); err != nil || !ok {
		t.Fatalf("Reserve = %v, %v", ok, err)
	}
	first, err := l.Refund(ctx, "u2", 15, nil)
	if err != nil || first != 15 {
		t.Fatalf("first Refund = %d, %v", first, err)
	}
	second, err := l.Refund(ctx, "u2", 15, nil)
	if err != nil || second != 0 {
		t.Fatalf("second Refund = %d, %v", second, err)
	}
	assertBalances(t, mustAccount(t, l, "u2"), 50, 0, 0)

	entries, err := l.Entries(ctx, "u2")
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	releases := 0
	for _, e := range entries {
		if e.Kind == ledger.KindRelease {
			releases++
		}
	}
	if releases != 1 {
		t.Fatalf("expected one release entry, got %d", releases)
	}
}

func TestConfirmClampsToReserved(t *testing.T) {
	_, l := testsupport.NewLedger(t)
	ctx := context.Background()
	testsupport.FundedAccount(t, l, "u3", 40)

	if ok, err := l.Reserve(ctx, "u3", 10, nil); err != nil || !ok {
		t.Fatalf("Reserve = %v, %v", ok, err)
	}
	confirmed, err := l.Confirm(ctx, "u3", 25, nil)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if confirmed != 10 {
		t.Fatalf("expected clamp to 10, got %d", confirmed)
	}
	assertBalances(t, mustAccount(t, l, "u3"), 30, 0, 10)
}

func TestDirectDeduct(t *testing.T) {
	_, l := testsupport.NewLedger(t)
	ctx := context.Background()
	testsupport.FundedAccount(t, l, "u4", 20)
	if ok, err := l.Reserve(ctx, "u4", 15, nil); err != nil || !ok {
		t.Fatalf("Reserve = %v, %v", ok, err)
	}

	ok, err := l.DirectDeduct(ctx, "u4", 6, nil)
	if err != nil {
		t.Fatalf("DirectDeduct returned error: %v", err)
	}
	if ok {
		t.Fatal("expected deduction beyond spendable balance to be refused")
	}
	ok, err = l.DirectDeduct(ctx, "u4", 5, ledger.Metadata{"feature": "prompt_adapt"})
	if err != nil || !ok {
		t.Fatalf("DirectDeduct = %v, %v", ok, err)
	}
	assertBalances(t, mustAccount(t, l, "u4"), 15, 15, 5)
	if _, err := l.Verify(ctx, "u4"); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestCreditKinds(t *testing.T) {
	_, l := testsupport.NewLedger(t)
	ctx := context.Background()

	acct, err := l.Credit(ctx, "u5", 100, ledger.KindPurchase, ledger.Metadata{"order": "o-1"})
	if err != nil {
		t.Fatalf("Credit purchase failed: %v", err)
	}
	if acct.Balance != 100 || acct.TotalPurchased != 100 {
		t.Fatalf("unexpected after purchase: %+v", acct)
	}
	acct, err = l.Credit(ctx, "u5", 10, ledger.KindBonus, nil)
	if err != nil {
		t.Fatalf("Credit bonus failed: %v", err)
	}
	if acct.Balance != 110 || acct.TotalPurchased != 100 {
		t.Fatalf("bonus must not count as purchase: %+v", acct)
	}
	if _, err := l.Credit(ctx, "u5", 10, ledger.KindConsume, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for consume credit, got %v", err)
	}
	if _, err := l.Credit(ctx, "u5", 0, ledger.KindBonus, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for zero credit, got %v", err)
	}
}

func TestZeroCostReserveIsRecorded(t *testing.T) {
	_, l := testsupport.NewLedger(t)
	ctx := context.Background()
	testsupport.FundedAccount(t, l, "u6", 0)

	ok, err := l.Reserve(ctx, "u6", 0, ledger.Metadata{"free": true})
	if err != nil || !ok {
		t.Fatalf("Reserve(0) = %v, %v", ok, err)
	}
	entries, err := l.Entries(ctx, "u6")
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != ledger.KindReserve || entries[0].Amount != 0 {
		t.Fatalf("expected one zero reserve entry, got %+v", entries)
	}
}

func TestConcurrentReservesNeverOverspend(t *testing.T) {
	_, l := testsupport.NewLedger(t)
	ctx := context.Background()
	testsupport.FundedAccount(t, l, "hot", 100)

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := l.Reserve(ctx, "hot", 30, nil)
			if err != nil {
				t.Errorf("Reserve failed: %v", err)
				return
			}
			if ok {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 3 {
		t.Fatalf("expected exactly 3 reservations of 30 from 100, got %d", successes)
	}
	acct := mustAccount(t, l, "hot")
	if acct.Reserved != 90 || acct.Reserved > acct.Balance {
		t.Fatalf("unexpected reserved %d", acct.Reserved)
	}
	if _, err := l.Verify(ctx, "hot"); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestHistoryPagination(t *testing.T) {
	_, l := testsupport.NewLedger(t)
	ctx := context.Background()
	testsupport.FundedAccount(t, l, "u7", 100)
	for i := 0; i < 4; i++ {
		if ok, err := l.Reserve(ctx, "u7", 1, nil); err != nil || !ok {
			t.Fatalf("Reserve = %v, %v", ok, err)
		}
	}

	page, err := l.History(ctx, "u7", 2, 0)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(page) != 2 || page[0].ID < page[1].ID {
		t.Fatalf("expected two entries newest first, got %+v", page)
	}
	next, err := l.History(ctx, "u7", 10, page[1].ID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(next) != 3 {
		t.Fatalf("expected remaining 3 entries, got %d", len(next))
	}
	if next[len(next)-1].Kind != ledger.KindBonus {
		t.Fatalf("expected oldest entry to be the funding bonus, got %s", next[len(next)-1].Kind)
	}
	if page[0].Metadata != nil {
		t.Fatalf("expected nil metadata, got %v", page[0].Metadata)
	}
}

func TestAccountNotFound(t *testing.T) {
	_, l := testsupport.NewLedger(t)
	if _, err := l.Account(context.Background(), "ghost"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNegativeAmountRejected(t *testing.T) {
	_, l := testsupport.NewLedger(t)
	if _, err := l.Reserve(context.Background(), "u8", -1, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
