package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pocketclaw/internal/app"
	"pocketclaw/internal/credits"
	"pocketclaw/internal/machine"
	"pocketclaw/internal/ratelimit"
	"pocketclaw/internal/registry"
	"pocketclaw/internal/usertoken"
	"pocketclaw/internal/util"
	"pocketclaw/pkg/domain"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App           *app.App
	Machines      *machine.Controller
	Ledger        *credits.Ledger
	Registry      *registry.Registry
	TokenVerifier *usertoken.Verifier

	MachineSecret string

	RedisAddr                 string
	RedisPassword             string
	MessageRateLimitPerMinute int

	SignupBonusCredits int
}

// Server exposes the relay's HTTP and websocket endpoints.
type Server struct {
	app            *app.App
	machines       *machine.Controller
	ledger         *credits.Ledger
	registry       *registry.Registry
	tokenVerifier  *usertoken.Verifier
	machineSecret  string
	signupBonus    int
	messageLimiter *ratelimit.FixedWindowLimiter
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.MachineSecret == "" {
		return nil, fmt.Errorf("machine secret required")
	}
	var messageLimiter *ratelimit.FixedWindowLimiter
	if cfg.MessageRateLimitPerMinute > 0 {
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(
			cfg.RedisAddr, cfg.RedisPassword,
			"pocketclaw:relay:ratelimit:message",
			cfg.MessageRateLimitPerMinute, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init message limiter: %w", err)
		}
		messageLimiter = limiter
	}
	s := &Server{
		app:            cfg.App,
		machines:       cfg.Machines,
		ledger:         cfg.Ledger,
		registry:       cfg.Registry,
		tokenVerifier:  cfg.TokenVerifier,
		machineSecret:  cfg.MachineSecret,
		signupBonus:    cfg.SignupBonusCredits,
		messageLimiter: messageLimiter,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	s.mux.Handle("/api/user", s.authenticated(s.handleUser))

	// machine lifecycle
	s.mux.Handle("/api/machine/start", s.authenticated(s.handleMachineStart))
	s.mux.Handle("/api/machine/stop", s.authenticated(s.handleMachineStop))
	s.mux.Handle("/api/machine/upgrade", s.authenticated(s.handleMachineUpgrade))
	s.mux.Handle("/api/machine/status", s.authenticated(s.handleMachineStatus))

	// credits
	s.mux.Handle("/api/credits", s.authenticated(s.handleCredits))
	s.mux.Handle("/api/credits/add", s.authenticated(s.handleCreditsAdd))
	s.mux.Handle("/api/credits/history", s.authenticated(s.handleCreditsHistory))
	s.mux.Handle("/api/credits/usage", s.authenticated(s.handleCreditsUsage))

	// conversation
	s.mux.Handle("/api/messages", s.authenticated(s.handleMessages))
	s.mux.Handle("/api/messages/export", s.authenticated(s.handleMessagesExport))

	// machine-synced user data
	s.mux.Handle("/api/memories", s.authenticated(s.handleMemories))
	s.mux.Handle("/api/integrations", s.authenticated(s.handleIntegrations))

	// machine-side sync, guarded by the shared machine secret
	s.mux.HandleFunc("/api/internal/sync", s.handleInternalSync)

	s.mux.HandleFunc("/ws", s.handleWS)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type userHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next userHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authorize(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

func (s *Server) authorize(r *http.Request) (string, bool) {
	token, ok := bearerToken(r)
	if !ok {
		return "", false
	}
	userID, err := s.tokenVerifier.VerifySubject(token)
	if err != nil {
		slog.Warn("token verification failed", "path", r.URL.Path, "err", err)
		return "", false
	}
	return userID, true
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	account, err := s.ledger.EnsureSignupBonus(userID, s.signupBonus)
	if err != nil {
		slog.Error("load user account failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"userId":  userID,
		"balance": account.Balance,
	})
}

// machine handlers

func (s *Server) handleMachineStart(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	record, remote, err := s.machines.Start(r.Context(), userID)
	if err != nil {
		slog.Error("machine start failed", "user_id", userID, "err", err)
		writeError(w, http.StatusBadGateway, "failed to start machine")
		return
	}
	writeJSON(w, http.StatusOK, machine.Status{
		Status:          record.Status,
		RemoteMachineID: record.RemoteMachineID,
		PrivateAddress:  remote.PrivateIP,
	})
}

func (s *Server) handleMachineStop(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.machines.Stop(r.Context(), userID); err != nil {
		slog.Error("machine stop failed", "user_id", userID, "err", err)
		writeError(w, http.StatusBadGateway, "failed to stop machine")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleMachineUpgrade(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if err := s.machines.Upgrade(r.Context(), userID); err != nil {
		slog.Error("machine upgrade failed", "user_id", userID, "err", err)
		writeError(w, http.StatusBadGateway, "failed to upgrade machine")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "upgraded"})
}

func (s *Server) handleMachineStatus(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status, err := s.machines.Status(r.Context(), userID)
	if err != nil {
		slog.Error("machine status failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load machine status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// credit handlers

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	account, err := s.ledger.GetBalance(userID)
	if err != nil {
		slog.Error("load balance failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load balance")
		return
	}
	writeJSON(w, http.StatusOK, account)
}

func (s *Server) handleCreditsAdd(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req addCreditsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Amount <= 0 {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	txType := domain.TransactionPurchase
	if req.Type != "" {
		txType = domain.TransactionType(strings.ToLower(strings.TrimSpace(req.Type)))
	}
	description := req.Description
	if description == "" {
		description = fmt.Sprintf("Added %d credits", req.Amount)
	}
	newBalance, err := s.ledger.Credit(userID, req.Amount, txType, description)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance": newBalance,
		"added":   req.Amount,
	})
}

func (s *Server) handleCreditsHistory(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	items, err := s.ledger.History(userID, queryInt(r, "limit"))
	if err != nil {
		slog.Error("load transactions failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleCreditsUsage(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.ledger.UsageStats(userID, queryInt(r, "days"))
	if err != nil {
		slog.Error("load usage stats failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load usage stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// conversation handlers

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		msgs, err := s.app.MessageHistory(userID, queryInt(r, "limit"), queryInt(r, "offset"))
		if err != nil {
			slog.Error("load messages failed", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to load messages")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": msgs,
			"count": len(msgs),
		})
	case http.MethodPost:
		s.handleSendMessage(w, r, userID)
	case http.MethodDelete:
		if err := s.app.ClearHistory(r.Context(), userID); err != nil {
			slog.Error("clear history failed", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to clear history")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request, userID string) {
	if !s.allowMessage(userID) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "too many messages")
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	content := strings.TrimSpace(req.Message)
	if content == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	result := s.app.SendMessage(r.Context(), userID, content)
	if result.Success {
		s.registry.Broadcast(userID, messageEvent(result))
	}
	writeJSON(w, sendResultStatus(result), result)
}

func (s *Server) handleMessagesExport(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	url, err := s.app.ExportTranscript(r.Context(), userID)
	if err != nil {
		if errors.Is(err, app.ErrNoArchive) {
			writeError(w, http.StatusNotFound, "no transcript available")
			return
		}
		slog.Error("transcript export failed", "user_id", userID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to export transcript")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": url})
}

func sendResultStatus(result app.SendResult) int {
	if result.Success {
		return http.StatusOK
	}
	switch result.ErrorCode {
	case app.CodeInsufficientCredits:
		return http.StatusPaymentRequired
	case app.CodeMachineError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) allowMessage(userID string) bool {
	if s.messageLimiter == nil {
		return true
	}
	return s.messageLimiter.Allow(userID)
}

// memory and integration handlers

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.Memories(userID)
		if err != nil {
			slog.Error("load memories failed", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to load memories")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"count": len(items),
		})
	case http.MethodPost:
		var req memoryRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Key) == "" {
			writeError(w, http.StatusBadRequest, "key is required")
			return
		}
		if err := s.app.SaveMemory(userID, req.Key, req.Value); err != nil {
			slog.Error("save memory failed", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to save memory")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleIntegrations(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		items, err := s.app.Integrations(userID)
		if err != nil {
			slog.Error("load integrations failed", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to load integrations")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": items,
			"count": len(items),
		})
	case http.MethodPost:
		var req integrationRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Type) == "" {
			writeError(w, http.StatusBadRequest, "type is required")
			return
		}
		if err := s.app.SaveIntegration(userID, req.Type, req.Credentials, req.Enabled); err != nil {
			slog.Error("save integration failed", "user_id", userID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to save integration")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
	default:
		methodNotAllowed(w)
	}
}

// handleInternalSync lets the machine agent pull the user's memories and
// enabled integrations, and push memory updates back. Authenticated with the
// shared machine secret, never a user token.
func (s *Server) handleInternalSync(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("X-Machine-Secret") != s.machineSecret {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req syncRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}
	for _, mem := range req.Memories {
		if strings.TrimSpace(mem.Key) == "" {
			continue
		}
		if err := s.app.SaveMemory(req.UserID, mem.Key, mem.Value); err != nil {
			slog.Error("sync memory failed", "user_id", req.UserID, "err", err)
			writeError(w, http.StatusInternalServerError, "failed to sync memories")
			return
		}
	}
	memories, err := s.app.Memories(req.UserID)
	if err != nil {
		slog.Error("load memories failed", "user_id", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load memories")
		return
	}
	integrations, err := s.app.Integrations(req.UserID)
	if err != nil {
		slog.Error("load integrations failed", "user_id", req.UserID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to load integrations")
		return
	}
	writeJSON(w, http.StatusOK, syncResponse{
		Memories:     memories,
		Integrations: integrations,
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

type addCreditsRequest struct {
	Amount      int    `json:"amount"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

type memoryRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type integrationRequest struct {
	Type        string          `json:"type"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	Enabled     bool            `json:"enabled"`
}

type syncRequest struct {
	UserID   string          `json:"userId"`
	Memories []memoryRequest `json:"memories,omitempty"`
}

type syncResponse struct {
	Memories     []domain.Memory      `json:"memories"`
	Integrations []domain.Integration `json:"integrations"`
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func queryInt(r *http.Request, name string) int {
	value := strings.TrimSpace(r.URL.Query().Get(name))
	if value == "" {
		return 0
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
