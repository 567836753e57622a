package store

import (
	"sort"
	"sync"
	"time"

	"pocketclaw/internal/util"
	"pocketclaw/pkg/domain"
)

// MemoryStore keeps everything in-process. It backs tests and mirrors the
// transactional semantics of GormStore under a single mutex.
type MemoryStore struct {
	mu           sync.Mutex
	machines     map[string]domain.MachineRecord // key: user ID
	messages     map[string][]domain.Message     // key: user ID, append order
	accounts     map[string]domain.CreditAccount
	transactions map[string][]domain.CreditTransaction
	usage        map[string][]domain.UsageLog
	memories     map[string]map[string]domain.Memory // user ID -> key
	integrations map[string]map[string]domain.Integration
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		machines:     make(map[string]domain.MachineRecord),
		messages:     make(map[string][]domain.Message),
		accounts:     make(map[string]domain.CreditAccount),
		transactions: make(map[string][]domain.CreditTransaction),
		usage:        make(map[string][]domain.UsageLog),
		memories:     make(map[string]map[string]domain.Memory),
		integrations: make(map[string]map[string]domain.Integration),
	}
}

func (m *MemoryStore) GetMachine(userID string) (domain.MachineRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.machines[userID]
	return record, ok, nil
}

func (m *MemoryStore) SaveMachine(record domain.MachineRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.machines[record.UserID] = record
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.UserID] = append(m.messages[msg.UserID], msg)
	return nil
}

// ListMessages returns messages newest-first with limit/offset paging,
// matching the GormStore ordering.
func (m *MemoryStore) ListMessages(userID string, limit, offset int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[userID]
	out := make([]domain.Message, len(all))
	for i, msg := range all {
		out[len(all)-1-i] = msg
	}
	if offset > 0 {
		if offset >= len(out) {
			return nil, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteMessages(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, userID)
	return nil
}

func (m *MemoryStore) GetOrCreateCreditAccount(userID string) (domain.CreditAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accountLocked(userID), nil
}

func (m *MemoryStore) accountLocked(userID string) domain.CreditAccount {
	account, ok := m.accounts[userID]
	if !ok {
		account = domain.CreditAccount{
			ID:        util.NewID(),
			UserID:    userID,
			UpdatedAt: time.Now().UTC(),
		}
		m.accounts[userID] = account
	}
	return account
}

func (m *MemoryStore) DebitCredits(userID string, amount int, description string) (bool, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.accountLocked(userID)
	if account.Balance < amount {
		return false, account.Balance, nil
	}
	m.applyDebitLocked(&account, amount, description)
	return true, account.Balance, nil
}

func (m *MemoryStore) applyDebitLocked(account *domain.CreditAccount, amount int, description string) {
	account.Balance -= amount
	account.TotalUsed += amount
	account.UpdatedAt = time.Now().UTC()
	m.accounts[account.UserID] = *account
	m.transactions[account.UserID] = append(m.transactions[account.UserID], domain.CreditTransaction{
		ID:          util.NewID(),
		UserID:      account.UserID,
		Amount:      -amount,
		Type:        domain.TransactionUsage,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
}

func (m *MemoryStore) AddCredits(userID string, amount int, txType domain.TransactionType, description string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.accountLocked(userID)
	account.Balance += amount
	if txType == domain.TransactionPurchase {
		account.TotalPurchased += amount
	}
	account.UpdatedAt = time.Now().UTC()
	m.accounts[userID] = account
	m.transactions[userID] = append(m.transactions[userID], domain.CreditTransaction{
		ID:          util.NewID(),
		UserID:      userID,
		Amount:      amount,
		Type:        txType,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	})
	return account.Balance, nil
}

func (m *MemoryStore) ListTransactions(userID string, limit int) ([]domain.CreditTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.transactions[userID]
	out := make([]domain.CreditTransaction, len(all))
	for i, tx := range all {
		out[len(all)-1-i] = tx
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UsageStatsSince(userID string, since time.Time) (domain.UsageStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats domain.UsageStats
	for _, entry := range m.usage[userID] {
		if entry.CreatedAt.Before(since) {
			continue
		}
		stats.TotalInputTokens += entry.InputTokens
		stats.TotalOutputTokens += entry.OutputTokens
		stats.TotalCreditsUsed += entry.CreditsUsed
		stats.MessageCount++
	}
	return stats, nil
}

func (m *MemoryStore) CommitExchange(assistant domain.Message, usage domain.UsageLog, debitDescription string) (ExchangeCommit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	account := m.accountLocked(usage.UserID)
	if account.Balance < usage.CreditsUsed {
		return ExchangeCommit{}, ErrInsufficientCredits
	}
	m.messages[assistant.UserID] = append(m.messages[assistant.UserID], assistant)
	usage.MessageID = assistant.ID
	m.usage[usage.UserID] = append(m.usage[usage.UserID], usage)
	m.applyDebitLocked(&account, usage.CreditsUsed, debitDescription)
	return ExchangeCommit{CreditsUsed: usage.CreditsUsed, NewBalance: account.Balance}, nil
}

func (m *MemoryStore) ListMemories(userID string) ([]domain.Memory, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Memory, 0, len(m.memories[userID]))
	for _, memory := range m.memories[userID] {
		out = append(out, memory)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *MemoryStore) UpsertMemory(memory domain.Memory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byKey, ok := m.memories[memory.UserID]
	if !ok {
		byKey = make(map[string]domain.Memory)
		m.memories[memory.UserID] = byKey
	}
	if existing, ok := byKey[memory.Key]; ok {
		existing.Value = memory.Value
		existing.UpdatedAt = memory.UpdatedAt
		byKey[memory.Key] = existing
		return nil
	}
	byKey[memory.Key] = memory
	return nil
}

func (m *MemoryStore) ListIntegrations(userID string) ([]domain.Integration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Integration, 0, len(m.integrations[userID]))
	for _, integration := range m.integrations[userID] {
		out = append(out, integration)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out, nil
}

func (m *MemoryStore) UpsertIntegration(integration domain.Integration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byType, ok := m.integrations[integration.UserID]
	if !ok {
		byType = make(map[string]domain.Integration)
		m.integrations[integration.UserID] = byType
	}
	if existing, ok := byType[integration.Type]; ok {
		existing.Credentials = integration.Credentials
		existing.Enabled = integration.Enabled
		existing.UpdatedAt = integration.UpdatedAt
		byType[integration.Type] = existing
		return nil
	}
	byType[integration.Type] = integration
	return nil
}
