package domain

import "time"

// MachineStatus is the locally persisted lifecycle state of a user's machine.
type MachineStatus string

const (
	MachineStopped  MachineStatus = "stopped"
	MachineStarting MachineStatus = "starting"
	MachineRunning  MachineStatus = "running"
	MachineStopping MachineStatus = "stopping"
	MachineError    MachineStatus = "error"
)

// TransactionType classifies a credit ledger entry.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionUsage    TransactionType = "usage"
	TransactionBonus    TransactionType = "bonus"
	TransactionRefund   TransactionType = "refund"
)

// MachineRecord is the 1:1 per-user machine row. RemoteMachineID is empty
// when no backing VM is provisioned.
type MachineRecord struct {
	ID              string        `json:"id"`
	UserID          string        `json:"userId"`
	RemoteMachineID string        `json:"remoteMachineId,omitempty"`
	Status          MachineStatus `json:"status"`
	Version         string        `json:"version,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// Message is one conversation turn. Immutable once written.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// CreditAccount is the 1:1 per-user balance cache. Balance must always equal
// the sum of the user's transaction amounts.
type CreditAccount struct {
	ID             string    `json:"id"`
	UserID         string    `json:"userId"`
	Balance        int       `json:"balance"`
	TotalPurchased int       `json:"totalPurchased"`
	TotalUsed      int       `json:"totalUsed"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// CreditTransaction is an append-only ledger row; amount is signed.
type CreditTransaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Amount      int             `json:"amount"`
	Type        TransactionType `json:"type"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// UsageLog records token usage and credits billed for one assistant turn.
type UsageLog struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	MessageID    string    `json:"messageId,omitempty"`
	InputTokens  int       `json:"inputTokens"`
	OutputTokens int       `json:"outputTokens"`
	CreditsUsed  int       `json:"creditsUsed"`
	Model        string    `json:"model"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UsageStats aggregates usage logs over a time window.
type UsageStats struct {
	TotalInputTokens  int `json:"totalInputTokens"`
	TotalOutputTokens int `json:"totalOutputTokens"`
	TotalCreditsUsed  int `json:"totalCreditsUsed"`
	MessageCount      int `json:"messageCount"`
}

// Memory is a per-user key/value note synced into the machine agent.
type Memory struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Integration is a per-user third-party connection. Credentials are an opaque
// blob owned by the integration layer; only type and enabled are synced into
// the machine.
type Integration struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Type        string    `json:"type"`
	Credentials []byte    `json:"-"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ChatMessage is a role/content pair sent to the machine's completion endpoint.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
