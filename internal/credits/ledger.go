// Package credits gates message exchanges on a prepaid balance. The account
// balance is a cache over the append-only transaction ledger; every balance
// change writes a transaction row in the same atomic unit.
package credits

import (
	"fmt"
	"math"
	"time"

	"pocketclaw/pkg/domain"
	"pocketclaw/pkg/store"
)

// Credits charged per 1K tokens. Output is priced higher than input to track
// upstream model costs plus margin.
const (
	RateInPer1K  = 1
	RateOutPer1K = 3
)

const defaultUsageWindowDays = 30

// Pricing converts token counts to credits: ceil(in/1000*Rin + out/1000*Rout).
// Deterministic and monotonically non-decreasing in both arguments.
func Pricing(inputTokens, outputTokens int) int {
	return int(math.Ceil(
		float64(inputTokens)/1000*RateInPer1K + float64(outputTokens)/1000*RateOutPer1K,
	))
}

// DebitResult reports a debit attempt. Success false means the balance could
// not cover the amount and nothing changed.
type DebitResult struct {
	Success    bool `json:"success"`
	NewBalance int  `json:"newBalance"`
}

// Ledger exposes balance checks and mutations over the store.
type Ledger struct {
	store store.Store
}

// NewLedger constructs the ledger gate.
func NewLedger(s store.Store) *Ledger {
	return &Ledger{store: s}
}

// GetBalance returns the account, creating a zero-balance one on first access.
func (l *Ledger) GetBalance(userID string) (domain.CreditAccount, error) {
	account, err := l.store.GetOrCreateCreditAccount(userID)
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("load credit account: %w", err)
	}
	return account, nil
}

// EnsureSignupBonus grants the one-time welcome bonus to accounts that have
// never had a transaction. Safe to call on every login.
func (l *Ledger) EnsureSignupBonus(userID string, bonus int) (domain.CreditAccount, error) {
	account, err := l.GetBalance(userID)
	if err != nil {
		return domain.CreditAccount{}, err
	}
	if bonus <= 0 || account.Balance != 0 {
		return account, nil
	}
	txns, err := l.store.ListTransactions(userID, 1)
	if err != nil {
		return domain.CreditAccount{}, fmt.Errorf("list transactions: %w", err)
	}
	if len(txns) > 0 {
		return account, nil
	}
	if _, err := l.store.AddCredits(userID, bonus, domain.TransactionBonus, "Welcome bonus"); err != nil {
		return domain.CreditAccount{}, fmt.Errorf("grant signup bonus: %w", err)
	}
	return l.GetBalance(userID)
}

// HasEnough reports whether the balance covers required credits (min 1).
func (l *Ledger) HasEnough(userID string, required int) (bool, error) {
	if required <= 0 {
		required = 1
	}
	account, err := l.GetBalance(userID)
	if err != nil {
		return false, err
	}
	return account.Balance >= required, nil
}

// Debit removes amount credits, failing closed when the balance is short.
func (l *Ledger) Debit(userID string, amount int, description string) (DebitResult, error) {
	if amount <= 0 {
		return DebitResult{}, fmt.Errorf("debit amount must be positive")
	}
	ok, newBalance, err := l.store.DebitCredits(userID, amount, description)
	if err != nil {
		return DebitResult{}, fmt.Errorf("debit credits: %w", err)
	}
	return DebitResult{Success: ok, NewBalance: newBalance}, nil
}

// Credit adds amount credits of the given type (purchase, bonus, refund).
func (l *Ledger) Credit(userID string, amount int, txType domain.TransactionType, description string) (int, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("credit amount must be positive")
	}
	switch txType {
	case domain.TransactionPurchase, domain.TransactionBonus, domain.TransactionRefund:
	default:
		return 0, fmt.Errorf("invalid credit type %q", txType)
	}
	newBalance, err := l.store.AddCredits(userID, amount, txType, description)
	if err != nil {
		return 0, fmt.Errorf("add credits: %w", err)
	}
	return newBalance, nil
}

// History lists the user's transactions, newest first.
func (l *Ledger) History(userID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := l.store.ListTransactions(userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	return items, nil
}

// UsageStats aggregates usage logs over the trailing window.
func (l *Ledger) UsageStats(userID string, days int) (domain.UsageStats, error) {
	if days <= 0 {
		days = defaultUsageWindowDays
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	stats, err := l.store.UsageStatsSince(userID, since)
	if err != nil {
		return domain.UsageStats{}, fmt.Errorf("usage stats: %w", err)
	}
	return stats, nil
}
