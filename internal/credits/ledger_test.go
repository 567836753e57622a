package credits

import (
	"fmt"
	"sync"
	"testing"

	"pocketclaw/pkg/domain"
	"pocketclaw/pkg/store"
)

func TestPricing(t *testing.T) {
	cases := []struct {
		name   string
		input  int
		output int
		want   int
	}{
		{"zero tokens cost nothing", 0, 0, 0},
		{"small message rounds up", 100, 50, 1},
		{"one credit per input thousand", 1000, 0, 1},
		{"three credits per output thousand", 0, 1000, 3},
		{"mixed usage", 2500, 1200, 7},
		{"exact thousands", 3000, 2000, 9},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Pricing(tc.input, tc.output); got != tc.want {
				t.Fatalf("Pricing(%d, %d) = %d, want %d", tc.input, tc.output, got, tc.want)
			}
		})
	}
}

func TestLedgerBalanceMatchesTransactionSum(t *testing.T) {
	ledger := NewLedger(store.NewMemoryStore())

	if _, err := ledger.Credit("user-1", 100, domain.TransactionPurchase, "initial purchase"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	result, err := ledger.Debit("user-1", 30, "usage")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if !result.Success || result.NewBalance != 70 {
		t.Fatalf("debit result = %+v, want success with balance 70", result)
	}
	if _, err := ledger.Credit("user-1", 5, domain.TransactionRefund, "refund"); err != nil {
		t.Fatalf("refund: %v", err)
	}

	account, err := ledger.GetBalance("user-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	txns, err := ledger.History("user-1", 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	sum := 0
	for _, txn := range txns {
		sum += txn.Amount
	}
	if account.Balance != sum {
		t.Fatalf("balance %d != transaction sum %d", account.Balance, sum)
	}
	if account.Balance != 75 {
		t.Fatalf("balance = %d, want 75", account.Balance)
	}
}

func TestLedgerDebitFailsClosedWhenShort(t *testing.T) {
	ledger := NewLedger(store.NewMemoryStore())
	if _, err := ledger.Credit("user-1", 10, domain.TransactionPurchase, "purchase"); err != nil {
		t.Fatalf("credit: %v", err)
	}
	result, err := ledger.Debit("user-1", 11, "too much")
	if err != nil {
		t.Fatalf("debit: %v", err)
	}
	if result.Success {
		t.Fatalf("debit succeeded with insufficient balance")
	}
	account, err := ledger.GetBalance("user-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if account.Balance != 10 {
		t.Fatalf("balance changed on failed debit: %d", account.Balance)
	}
	txns, err := ledger.History("user-1", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("failed debit wrote a transaction row: %d rows", len(txns))
	}
}

func TestLedgerConcurrentDebitsNeverOverspend(t *testing.T) {
	ledger := NewLedger(store.NewMemoryStore())
	if _, err := ledger.Credit("user-1", 50, domain.TransactionPurchase, "purchase"); err != nil {
		t.Fatalf("credit: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	results := make([]DebitResult, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := ledger.Debit("user-1", 10, fmt.Sprintf("worker %d", i))
			if err != nil {
				t.Errorf("debit: %v", err)
				return
			}
			results[i] = result
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, result := range results {
		if result.Success {
			succeeded++
		}
	}
	if succeeded != 5 {
		t.Fatalf("%d debits succeeded, want exactly 5", succeeded)
	}
	account, err := ledger.GetBalance("user-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if account.Balance != 0 {
		t.Fatalf("balance = %d, want 0", account.Balance)
	}
}

func TestLedgerRejectsInvalidAmountsAndTypes(t *testing.T) {
	ledger := NewLedger(store.NewMemoryStore())
	if _, err := ledger.Credit("user-1", 0, domain.TransactionPurchase, ""); err == nil {
		t.Fatalf("zero credit accepted")
	}
	if _, err := ledger.Credit("user-1", 10, domain.TransactionUsage, ""); err == nil {
		t.Fatalf("usage type accepted as credit")
	}
	if _, err := ledger.Debit("user-1", -5, ""); err == nil {
		t.Fatalf("negative debit accepted")
	}
}

func TestEnsureSignupBonusGrantsOnce(t *testing.T) {
	ledger := NewLedger(store.NewMemoryStore())

	account, err := ledger.EnsureSignupBonus("user-1", 100)
	if err != nil {
		t.Fatalf("ensure bonus: %v", err)
	}
	if account.Balance != 100 {
		t.Fatalf("balance after bonus = %d, want 100", account.Balance)
	}

	account, err = ledger.EnsureSignupBonus("user-1", 100)
	if err != nil {
		t.Fatalf("ensure bonus again: %v", err)
	}
	if account.Balance != 100 {
		t.Fatalf("bonus granted twice: balance %d", account.Balance)
	}

	// Draining the balance must not re-arm the bonus.
	if _, err := ledger.Debit("user-1", 100, "drain"); err != nil {
		t.Fatalf("debit: %v", err)
	}
	account, err = ledger.EnsureSignupBonus("user-1", 100)
	if err != nil {
		t.Fatalf("ensure bonus after drain: %v", err)
	}
	if account.Balance != 0 {
		t.Fatalf("bonus re-granted after drain: balance %d", account.Balance)
	}
}
