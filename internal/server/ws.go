package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pocketclaw/internal/app"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsMaxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients authenticate with a bearer token, not cookies, so
	// cross-origin upgrades carry no ambient credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsEvent is the outbound frame for websocket clients.
type wsEvent struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	MessageID    string `json:"messageId,omitempty"`
	CreditsUsed  int    `json:"creditsUsed,omitempty"`
	MachineState string `json:"machineState,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorCode    string `json:"errorCode,omitempty"`
}

// wsInbound is the inbound frame from websocket clients.
type wsInbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

func messageEvent(result app.SendResult) wsEvent {
	return wsEvent{
		Type:        "message",
		Content:     result.Response,
		MessageID:   result.MessageID,
		CreditsUsed: result.CreditsUsed,
	}
}

func errorEvent(result app.SendResult) wsEvent {
	return wsEvent{
		Type:      "error",
		Error:     result.Error,
		ErrorCode: result.ErrorCode,
	}
}

// wsSession serializes writes to one websocket connection.
type wsSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *wsSession) Send(event any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(event)
}

// handleWS upgrades the connection and serves the duplex message protocol.
// The token is taken from the Authorization header or, for browser clients
// that cannot set headers on upgrade, the token query parameter.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID, err := s.tokenVerifier.VerifySubject(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "user_id", userID, "err", err)
		return
	}
	session := &wsSession{conn: conn}
	s.registry.Register(userID, session)
	slog.Info("websocket connected", "user_id", userID, "sessions", s.registry.SessionCount(userID))

	defer func() {
		s.registry.Unregister(userID, session)
		_ = conn.Close()
		slog.Info("websocket disconnected", "user_id", userID)
	}()

	conn.SetReadLimit(wsMaxMessageSize)
	s.sendWSStatus(r, userID, session)
	for {
		var inbound wsInbound
		if err := conn.ReadJSON(&inbound); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "user_id", userID, "err", err)
			}
			return
		}
		switch inbound.Type {
		case "message":
			s.handleWSMessage(r, userID, session, inbound.Content)
		case "ping":
			_ = session.Send(wsEvent{Type: "pong"})
		case "status":
			s.sendWSStatus(r, userID, session)
		default:
			_ = session.Send(wsEvent{Type: "error", Error: "unknown message type"})
		}
	}
}

func (s *Server) handleWSMessage(r *http.Request, userID string, session *wsSession, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		_ = session.Send(wsEvent{Type: "error", Error: "message content is required"})
		return
	}
	if !s.allowMessage(userID) {
		_ = session.Send(wsEvent{Type: "error", Error: "too many messages"})
		return
	}
	// One exchange can outlive the socket that initiated it; chunks go to
	// every session the user has open.
	ctx := context.WithoutCancel(r.Context())
	go func() {
		s.registry.Broadcast(userID, wsEvent{Type: "status", MachineState: "processing"})
		result := s.app.SendMessageStream(ctx, userID, content, func(chunk string) {
			s.registry.Broadcast(userID, wsEvent{Type: "chunk", Content: chunk})
		})
		if !result.Success {
			s.registry.Broadcast(userID, errorEvent(result))
			return
		}
		s.registry.Broadcast(userID, messageEvent(result))
	}()
}

func (s *Server) sendWSStatus(r *http.Request, userID string, session *wsSession) {
	status, err := s.machines.Status(r.Context(), userID)
	if err != nil {
		_ = session.Send(wsEvent{Type: "error", Error: "failed to load machine status"})
		return
	}
	_ = session.Send(wsEvent{Type: "status", MachineState: string(status.Status)})
}
