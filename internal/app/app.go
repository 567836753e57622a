// Package app implements the credit-gated relay between a user's inbound
// message and their machine's completion endpoint.
package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pocketclaw/internal/credits"
	"pocketclaw/internal/util"
	"pocketclaw/pkg/agent"
	"pocketclaw/pkg/domain"
	"pocketclaw/pkg/fly"
	"pocketclaw/pkg/storage"
	"pocketclaw/pkg/store"
)

// Stable error codes surfaced to callers.
const (
	CodeInsufficientCredits = "insufficient-credits"
	CodeMachineError        = "machine-error"
	CodeInternalError       = "internal-error"
)

const (
	defaultHistoryLimit = 20
	defaultReadyRetries = 12
	defaultReadyDelay   = 5 * time.Second
)

// Machines is the slice of the lifecycle controller the relay needs.
type Machines interface {
	Start(ctx context.Context, userID string) (domain.MachineRecord, fly.Machine, error)
}

// Completer is the data-plane client surface.
type Completer interface {
	Complete(ctx context.Context, machineID string, msgs []domain.ChatMessage) (agent.Result, error)
	CompleteStream(ctx context.Context, machineID string, msgs []domain.ChatMessage, onChunk func(content string)) (agent.Result, error)
}

// SendResult is the outcome of one exchange. On failure, ErrorCode is one of
// the Code* constants and Error is safe to show to the user.
type SendResult struct {
	Success      bool   `json:"success"`
	Response     string `json:"response,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	CreditsUsed  int    `json:"creditsUsed,omitempty"`
	InputTokens  int    `json:"inputTokens,omitempty"`
	OutputTokens int    `json:"outputTokens,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
}

// Config holds runtime configuration for the relay core.
type Config struct {
	Store    store.Store
	Machines Machines
	Ledger   *credits.Ledger
	Agent    Completer
	Archive  storage.ObjectStore // optional transcript archive on clear

	HistoryLimit int
	ReadyRetries int
	ReadyDelay   time.Duration

	// Sleep is the delay primitive used between not-ready retries;
	// overridable in tests to avoid real time.
	Sleep func(ctx context.Context, d time.Duration) error
}

// App is the relay core wiring storage, the lifecycle controller, the ledger,
// and the machine endpoint.
type App struct {
	store        store.Store
	machines     Machines
	ledger       *credits.Ledger
	agent        Completer
	archive      storage.ObjectStore
	historyLimit int
	readyRetries int
	readyDelay   time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

// New constructs the relay core.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store required")
	}
	if cfg.Machines == nil {
		return nil, fmt.Errorf("machine controller required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("credit ledger required")
	}
	if cfg.Agent == nil {
		return nil, fmt.Errorf("agent client required")
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = defaultHistoryLimit
	}
	readyRetries := cfg.ReadyRetries
	if readyRetries <= 0 {
		readyRetries = defaultReadyRetries
	}
	readyDelay := cfg.ReadyDelay
	if readyDelay <= 0 {
		readyDelay = defaultReadyDelay
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = defaultSleep
	}
	return &App{
		store:        cfg.Store,
		machines:     cfg.Machines,
		ledger:       cfg.Ledger,
		agent:        cfg.Agent,
		archive:      cfg.Archive,
		historyLimit: historyLimit,
		readyRetries: readyRetries,
		readyDelay:   readyDelay,
		sleep:        sleep,
	}, nil
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// SendMessage runs one exchange and returns the full response as a single
// blob.
func (a *App) SendMessage(ctx context.Context, userID, content string) SendResult {
	return a.send(ctx, userID, content, nil)
}

// SendMessageStream runs one exchange, delivering incremental output through
// onChunk as it arrives. Delivery is best-effort; the exchange completes and
// is billed even if the caller has gone away.
func (a *App) SendMessageStream(ctx context.Context, userID, content string, onChunk func(content string)) SendResult {
	return a.send(ctx, userID, content, onChunk)
}

func (a *App) send(ctx context.Context, userID, content string, onChunk func(string)) SendResult {
	enough, err := a.ledger.HasEnough(userID, 1)
	if err != nil {
		slog.Error("credit check failed", "user_id", userID, "err", err)
		return internalError()
	}
	if !enough {
		return SendResult{
			Error:     "Insufficient credits",
			ErrorCode: CodeInsufficientCredits,
		}
	}

	// The user's message is persisted before anything can fail so history
	// is never lost.
	userMsg := domain.Message{
		ID:        util.NewID(),
		UserID:    userID,
		Role:      "user",
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := a.store.AppendMessage(userMsg); err != nil {
		slog.Error("save user message failed", "user_id", userID, "err", err)
		return internalError()
	}

	_, remote, err := a.machines.Start(ctx, userID)
	if err != nil {
		slog.Error("machine start failed", "user_id", userID, "err", err)
		return machineError()
	}

	chatMsgs, err := a.assembleContext(userID)
	if err != nil {
		slog.Error("load conversation context failed", "user_id", userID, "err", err)
		return internalError()
	}

	result, err := a.completeWithRetry(ctx, remote.ID, chatMsgs, onChunk)
	if err != nil {
		slog.Error("machine completion failed", "user_id", userID, "machine_id", remote.ID, "err", err)
		return machineError()
	}

	creditsUsed := credits.Pricing(result.InputTokens, result.OutputTokens)
	assistant := domain.Message{
		ID:        util.NewID(),
		UserID:    userID,
		Role:      "assistant",
		Content:   result.Content,
		CreatedAt: time.Now().UTC(),
	}
	usage := domain.UsageLog{
		ID:           util.NewID(),
		UserID:       userID,
		MessageID:    assistant.ID,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
		CreditsUsed:  creditsUsed,
		Model:        result.Model,
		CreatedAt:    time.Now().UTC(),
	}
	description := fmt.Sprintf("Usage: %d input + %d output tokens (%s)",
		result.InputTokens, result.OutputTokens, result.Model)
	if _, err := a.store.CommitExchange(assistant, usage, description); err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) {
			return SendResult{
				Error:     "Insufficient credits",
				ErrorCode: CodeInsufficientCredits,
			}
		}
		slog.Error("commit exchange failed", "user_id", userID, "err", err)
		return internalError()
	}

	return SendResult{
		Success:      true,
		Response:     result.Content,
		MessageID:    assistant.ID,
		CreditsUsed:  creditsUsed,
		InputTokens:  result.InputTokens,
		OutputTokens: result.OutputTokens,
	}
}

// assembleContext returns the most recent history (including the just-saved
// user message as the final entry) in oldest-first order.
func (a *App) assembleContext(userID string) ([]domain.ChatMessage, error) {
	recent, err := a.store.ListMessages(userID, a.historyLimit, 0)
	if err != nil {
		return nil, err
	}
	chatMsgs := make([]domain.ChatMessage, len(recent))
	for i, msg := range recent {
		chatMsgs[len(recent)-1-i] = domain.ChatMessage{Role: msg.Role, Content: msg.Content}
	}
	return chatMsgs, nil
}

// completeWithRetry calls the machine endpoint, retrying not-ready failures
// within the configured boot window. Any other failure is fatal immediately.
func (a *App) completeWithRetry(ctx context.Context, machineID string, msgs []domain.ChatMessage, onChunk func(string)) (agent.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= a.readyRetries; attempt++ {
		var (
			result agent.Result
			err    error
		)
		if onChunk != nil {
			result, err = a.agent.CompleteStream(ctx, machineID, msgs, onChunk)
		} else {
			result, err = a.agent.Complete(ctx, machineID, msgs)
		}
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, agent.ErrNotReady) {
			return agent.Result{}, err
		}
		lastErr = err
		if attempt == a.readyRetries {
			break
		}
		slog.Debug("machine not ready, retrying", "machine_id", machineID, "attempt", attempt)
		if err := a.sleep(ctx, a.readyDelay); err != nil {
			return agent.Result{}, err
		}
	}
	return agent.Result{}, fmt.Errorf("machine not ready after %d attempts: %w", a.readyRetries, lastErr)
}

// MessageHistory lists the user's messages newest-first.
func (a *App) MessageHistory(userID string, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	msgs, err := a.store.ListMessages(userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return msgs, nil
}

// ClearHistory deletes the user's conversation. When an archive store is
// configured the transcript is uploaded first, best-effort.
func (a *App) ClearHistory(ctx context.Context, userID string) error {
	if a.archive != nil {
		if _, err := a.archiveTranscript(ctx, userID); err != nil {
			slog.Warn("transcript archive failed", "user_id", userID, "err", err)
		}
	}
	if err := a.store.DeleteMessages(userID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	return nil
}

// ErrNoArchive is returned by ExportTranscript when no archive store is
// configured or there is nothing to export.
var ErrNoArchive = errors.New("transcript archive unavailable")

// ExportTranscript uploads the user's full conversation to the archive and
// returns a time-limited download URL.
func (a *App) ExportTranscript(ctx context.Context, userID string) (string, error) {
	if a.archive == nil {
		return "", ErrNoArchive
	}
	key, err := a.archiveTranscript(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("archive transcript: %w", err)
	}
	if key == "" {
		return "", ErrNoArchive
	}
	url, err := a.archive.PresignGet(ctx, key, 15*time.Minute)
	if err != nil {
		return "", fmt.Errorf("presign transcript: %w", err)
	}
	return url, nil
}

func (a *App) archiveTranscript(ctx context.Context, userID string) (string, error) {
	msgs, err := a.store.ListMessages(userID, 0, 0)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", nil
	}
	// Oldest-first in the archive.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return "", err
	}
	key := fmt.Sprintf("transcripts/%s/%d.json", userID, time.Now().UTC().Unix())
	if err := a.archive.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}

func internalError() SendResult {
	return SendResult{
		Error:     "Failed to process message",
		ErrorCode: CodeInternalError,
	}
}

func machineError() SendResult {
	return SendResult{
		Error:     "Failed to process message",
		ErrorCode: CodeMachineError,
	}
}
