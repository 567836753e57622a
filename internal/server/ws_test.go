package server

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, tr *testRelay, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) wsEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var event wsEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("read websocket event: %v", err)
	}
	return event
}

func TestWSRejectsBadToken(t *testing.T) {
	tr := newTestRelay(t, relayOptions{})
	url := "ws" + strings.TrimPrefix(tr.srv.URL, "http") + "/ws?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial succeeded with a bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %+v", resp)
	}
}

func TestWSStatusAndPing(t *testing.T) {
	tr := newTestRelay(t, relayOptions{})
	conn := dialWS(t, tr, tr.token(t, "user-1"))

	hello := readEvent(t, conn)
	if hello.Type != "status" || hello.MachineState != "stopped" {
		t.Fatalf("on-connect event = %+v", hello)
	}

	if err := conn.WriteJSON(wsInbound{Type: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	if event := readEvent(t, conn); event.Type != "pong" {
		t.Fatalf("expected pong, got %+v", event)
	}
}

func TestWSMessageExchange(t *testing.T) {
	tr := newTestRelay(t, relayOptions{})
	token := tr.token(t, "user-1")

	resp := tr.do(t, http.MethodPost, "/api/credits/add", token, map[string]any{"amount": 10})
	resp.Body.Close()

	conn := dialWS(t, tr, token)
	readEvent(t, conn) // on-connect status

	if err := conn.WriteJSON(wsInbound{Type: "message", Content: "hello"}); err != nil {
		t.Fatalf("write message: %v", err)
	}

	var chunks []string
	var final wsEvent
	for {
		event := readEvent(t, conn)
		switch event.Type {
		case "status":
			continue
		case "chunk":
			chunks = append(chunks, event.Content)
			continue
		}
		final = event
		break
	}
	if final.Type != "message" {
		t.Fatalf("final event = %+v", final)
	}
	if final.Content != "the answer" || final.CreditsUsed != 5 {
		t.Fatalf("final event = %+v", final)
	}
	if strings.Join(chunks, "") != "the answer" {
		t.Fatalf("chunks = %q", chunks)
	}

	account, err := tr.ledger.GetBalance("user-1")
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if account.Balance != 5 {
		t.Fatalf("balance after exchange = %d, want 5", account.Balance)
	}
}

func TestWSErrorWithoutCredits(t *testing.T) {
	tr := newTestRelay(t, relayOptions{})
	conn := dialWS(t, tr, tr.token(t, "user-1"))
	readEvent(t, conn) // on-connect status

	if err := conn.WriteJSON(wsInbound{Type: "message", Content: "hello"}); err != nil {
		t.Fatalf("write message: %v", err)
	}
	for {
		event := readEvent(t, conn)
		if event.Type == "status" {
			continue
		}
		if event.Type != "error" || event.ErrorCode != "insufficient-credits" {
			t.Fatalf("event = %+v", event)
		}
		break
	}
}
