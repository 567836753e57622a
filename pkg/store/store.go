package store

import (
	"errors"
	"time"

	"pocketclaw/pkg/domain"
)

// ErrInsufficientCredits is returned by CommitExchange when the account cannot
// cover the computed usage; the whole commit is rolled back.
var ErrInsufficientCredits = errors.New("insufficient credits")

// ExchangeCommit reports the outcome of a committed exchange.
type ExchangeCommit struct {
	CreditsUsed int
	NewBalance  int
}

// Store defines persistence operations for machine records, messages, the
// credit ledger, and the per-user data synced into machines.
type Store interface {
	// machine records (1:1 per user)
	GetMachine(userID string) (domain.MachineRecord, bool, error)
	SaveMachine(record domain.MachineRecord) error

	// conversation messages
	AppendMessage(msg domain.Message) error
	ListMessages(userID string, limit, offset int) ([]domain.Message, error)
	DeleteMessages(userID string) error

	// credit ledger. GetOrCreateCreditAccount lazily initializes a zero
	// balance account. DebitCredits fails closed (ok=false, balance
	// unchanged) when the balance cannot cover the amount; a successful
	// debit and its transaction row are one atomic unit.
	GetOrCreateCreditAccount(userID string) (domain.CreditAccount, error)
	DebitCredits(userID string, amount int, description string) (ok bool, newBalance int, err error)
	AddCredits(userID string, amount int, txType domain.TransactionType, description string) (newBalance int, err error)
	ListTransactions(userID string, limit int) ([]domain.CreditTransaction, error)
	UsageStatsSince(userID string, since time.Time) (domain.UsageStats, error)

	// CommitExchange persists the assistant message, the usage log, and the
	// ledger debit as a single transaction. On ErrInsufficientCredits or any
	// other failure nothing is persisted.
	CommitExchange(assistant domain.Message, usage domain.UsageLog, debitDescription string) (ExchangeCommit, error)

	// machine-synced user data
	ListMemories(userID string) ([]domain.Memory, error)
	UpsertMemory(memory domain.Memory) error
	ListIntegrations(userID string) ([]domain.Integration, error)
	UpsertIntegration(integration domain.Integration) error
}
