package server

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	jwt "github.com/golang-jwt/jwt/v5"

	"pocketclaw/internal/app"
	"pocketclaw/internal/credits"
	"pocketclaw/internal/machine"
	"pocketclaw/internal/registry"
	"pocketclaw/internal/usertoken"
	"pocketclaw/pkg/agent"
	"pocketclaw/pkg/fly"
	"pocketclaw/pkg/store"
)

// fakeFlyAPI is a minimal in-memory Machines API for integration tests.
type fakeFlyAPI struct {
	mu       sync.Mutex
	machines map[string]fly.Machine
	nextID   int
}

func (f *fakeFlyAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		path := strings.TrimPrefix(r.URL.Path, "/apps/test-app/machines")
		switch {
		case path == "" && r.Method == http.MethodPost:
			var req fly.CreateMachineRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			for _, m := range f.machines {
				if m.Name == req.Name {
					w.WriteHeader(http.StatusConflict)
					_, _ = w.Write([]byte(`{"error":"already_exists"}`))
					return
				}
			}
			f.nextID++
			m := fly.Machine{
				ID:        fmt.Sprintf("m-%d", f.nextID),
				Name:      req.Name,
				State:     fly.StateStarted,
				PrivateIP: "fdaa::1",
				Config:    req.Config,
			}
			f.machines[m.ID] = m
			_ = json.NewEncoder(w).Encode(m)
		case path == "" && r.Method == http.MethodGet:
			out := make([]fly.Machine, 0, len(f.machines))
			for _, m := range f.machines {
				out = append(out, m)
			}
			_ = json.NewEncoder(w).Encode(out)
		case strings.HasSuffix(path, "/start"):
			id := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/start")
			m := f.machines[id]
			m.State = fly.StateStarted
			f.machines[id] = m
			w.WriteHeader(http.StatusOK)
		case strings.HasSuffix(path, "/stop"):
			id := strings.TrimSuffix(strings.TrimPrefix(path, "/"), "/stop")
			m := f.machines[id]
			m.State = fly.StateStopped
			f.machines[id] = m
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodDelete:
			id := strings.TrimPrefix(path, "/")
			delete(f.machines, id)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet:
			id := strings.TrimPrefix(path, "/")
			m, ok := f.machines[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(m)
		default:
			http.NotFound(w, r)
		}
	})
}

type testRelay struct {
	srv    *httptest.Server
	store  *store.MemoryStore
	ledger *credits.Ledger
	signer *rsa.PrivateKey
}

func (tr *testRelay) token(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "pocketclaw-auth",
		Audience:  jwt.ClaimStrings{"pocketclaw-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(tr.signer)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (tr *testRelay) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, tr.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

type relayOptions struct {
	rateLimitPerMinute int
	signupBonus        int
}

func newTestRelay(t *testing.T, opts relayOptions) *testRelay {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "kid-1",
				"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(jwksServer.Close)
	verifier, err := usertoken.NewVerifier(usertoken.Config{JWKSURL: jwksServer.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	flyAPI := &fakeFlyAPI{machines: make(map[string]fly.Machine)}
	flySrv := httptest.NewServer(flyAPI.handler())
	t.Cleanup(flySrv.Close)
	flyClient, err := fly.NewClient("test-token", "test-app")
	if err != nil {
		t.Fatalf("new fly client: %v", err)
	}
	flyClient.SetBaseURL(flySrv.URL)
	flyClient.PollInterval = time.Millisecond
	flyClient.WaitTimeout = time.Second

	agentSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Stream bool `json:"stream"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Stream {
			w.Header().Set("Content-Type", "text/event-stream")
			_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"the \"}}]}\n\n"))
			_, _ = w.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"answer\"}}],\"usage\":{\"prompt_tokens\":2000,\"completion_tokens\":1000}}\n\n"))
			_, _ = w.Write([]byte("data: [DONE]\n\n"))
			return
		}
		_, _ = w.Write([]byte(`{
			"model": "agent:main",
			"choices": [{"message": {"role": "assistant", "content": "the answer"}}],
			"usage": {"prompt_tokens": 2000, "completion_tokens": 1000}
		}`))
	}))
	t.Cleanup(agentSrv.Close)

	memStore := store.NewMemoryStore()
	ledger := credits.NewLedger(memStore)
	machines, err := machine.NewController(machine.Config{
		Store:      memStore,
		Fly:        flyClient,
		Image:      "registry.fly.io/agent:latest",
		BackendURL: "http://relay.internal:8080",
	})
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	appCore, err := app.New(app.Config{
		Store:        memStore,
		Machines:     machines,
		Ledger:       ledger,
		Agent:        agent.NewClient(agentSrv.URL, "machine-secret", ""),
		ReadyRetries: 2,
		ReadyDelay:   time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}

	redis := miniredis.RunT(t)
	relay, err := New(Config{
		App:                       appCore,
		Machines:                  machines,
		Ledger:                    ledger,
		Registry:                  registry.New(),
		TokenVerifier:             verifier,
		MachineSecret:             "machine-secret",
		RedisAddr:                 redis.Addr(),
		MessageRateLimitPerMinute: opts.rateLimitPerMinute,
		SignupBonusCredits:        opts.signupBonus,
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(relay.Router())
	t.Cleanup(srv.Close)

	return &testRelay{srv: srv, store: memStore, ledger: ledger, signer: key}
}

func TestRoutesRequireValidToken(t *testing.T) {
	tr := newTestRelay(t, relayOptions{})

	resp := tr.do(t, http.MethodGet, "/api/user", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token expected 401, got %d", resp.StatusCode)
	}

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	forged := &testRelay{srv: tr.srv, signer: otherKey}
	resp = tr.do(t, http.MethodGet, "/api/user", forged.token(t, "user-1"), nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token expected 401, got %d", resp.StatusCode)
	}
}

func TestUserEndpointGrantsSignupBonusOnce(t *testing.T) {
	tr := newTestRelay(t, relayOptions{signupBonus: 100})
	token := tr.token(t, "user-1")

	resp := tr.do(t, http.MethodGet, "/api/user", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	first := decodeBody[map[string]any](t, resp)
	if first["balance"].(float64) != 100 {
		t.Fatalf("balance = %v, want 100", first["balance"])
	}

	resp = tr.do(t, http.MethodGet, "/api/user", token, nil)
	second := decodeBody[map[string]any](t, resp)
	if second["balance"].(float64) != 100 {
		t.Fatalf("bonus granted twice: %v", second["balance"])
	}
}

func TestSendMessageEndToEnd(t *testing.T) {
	tr := newTestRelay(t, relayOptions{})
	token := tr.token(t, "user-1")

	resp := tr.do(t, http.MethodPost, "/api/credits/add", token, map[string]any{"amount": 10})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("add credits status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = tr.do(t, http.MethodPost, "/api/messages", token, map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("send status = %d", resp.StatusCode)
	}
	result := decodeBody[app.SendResult](t, resp)
	if !result.Success || result.Response != "the answer" {
		t.Fatalf("result = %+v", result)
	}
	if result.CreditsUsed != 5 {
		t.Fatalf("creditsUsed = %d, want 5", result.CreditsUsed)
	}

	resp = tr.do(t, http.MethodGet, "/api/messages?limit=10", token, nil)
	page := decodeBody[struct {
		Count int `json:"count"`
	}](t, resp)
	if page.Count != 2 {
		t.Fatalf("message count = %d, want 2", page.Count)
	}

	resp = tr.do(t, http.MethodGet, "/api/credits", token, nil)
	account := decodeBody[map[string]any](t, resp)
	if account["balance"].(float64) != 5 {
		t.Fatalf("balance = %v, want 5", account["balance"])
	}

	resp = tr.do(t, http.MethodGet, "/api/credits/usage", token, nil)
	usage := decodeBody[map[string]any](t, resp)
	if usage["totalCreditsUsed"].(float64) != 5 {
		t.Fatalf("usage = %v", usage)
	}
}

func TestSendMessageWithoutCreditsReturns402(t *testing.T) {
	tr := newTestRelay(t, relayOptions{})
	token := tr.token(t, "user-1")

	resp := tr.do(t, http.MethodPost, "/api/messages", token, map[string]string{"message": "hello"})
	if resp.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", resp.StatusCode)
	}
	result := decodeBody[app.SendResult](t, resp)
	if result.ErrorCode != app.CodeInsufficientCredits {
		t.Fatalf("errorCode = %q", result.ErrorCode)
	}
}

func TestSendMessageRateLimit(t *testing.T) {
	tr := newTestRelay(t, relayOptions{rateLimitPerMinute: 1})
	token := tr.token(t, "user-1")

	resp := tr.do(t, http.MethodPost, "/api/credits/add", token, map[string]any{"amount": 100})
	resp.Body.Close()

	resp = tr.do(t, http.MethodPost, "/api/messages", token, map[string]string{"message": "first"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first send status = %d", resp.StatusCode)
	}

	resp = tr.do(t, http.MethodPost, "/api/messages", token, map[string]string{"message": "second"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second send status = %d, want 429", resp.StatusCode)
	}
}

func TestMachineLifecycleEndpoints(t *testing.T) {
	tr := newTestRelay(t, relayOptions{})
	token := tr.token(t, "user-1")

	resp := tr.do(t, http.MethodGet, "/api/machine/status", token, nil)
	status := decodeBody[machine.Status](t, resp)
	if status.Status != "stopped" {
		t.Fatalf("initial status = %s", status.Status)
	}

	resp = tr.do(t, http.MethodPost, "/api/machine/start", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	started := decodeBody[machine.Status](t, resp)
	if started.Status != "running" || started.RemoteMachineID == "" {
		t.Fatalf("after start = %+v", started)
	}

	resp = tr.do(t, http.MethodPost, "/api/machine/stop", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}

	resp = tr.do(t, http.MethodGet, "/api/machine/status", token, nil)
	stopped := decodeBody[machine.Status](t, resp)
	if stopped.Status != "stopped" {
		t.Fatalf("after stop = %+v", stopped)
	}
}

func TestClearHistoryEndpoint(t *testing.T) {
	tr := newTestRelay(t, relayOptions{})
	token := tr.token(t, "user-1")

	resp := tr.do(t, http.MethodPost, "/api/credits/add", token, map[string]any{"amount": 10})
	resp.Body.Close()
	resp = tr.do(t, http.MethodPost, "/api/messages", token, map[string]string{"message": "hello"})
	resp.Body.Close()

	resp = tr.do(t, http.MethodDelete, "/api/messages", token, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("clear status = %d", resp.StatusCode)
	}

	resp = tr.do(t, http.MethodGet, "/api/messages", token, nil)
	page := decodeBody[struct {
		Count int `json:"count"`
	}](t, resp)
	if page.Count != 0 {
		t.Fatalf("messages remain after clear: %d", page.Count)
	}
}

func TestInternalSyncGuardedByMachineSecret(t *testing.T) {
	tr := newTestRelay(t, relayOptions{})

	body, _ := json.Marshal(map[string]any{
		"userId":   "user-1",
		"memories": []map[string]string{{"key": "timezone", "value": "UTC"}},
	})

	req, _ := http.NewRequest(http.MethodPost, tr.srv.URL+"/api/internal/sync", bytes.NewReader(body))
	req.Header.Set("X-Machine-Secret", "wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sync request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("wrong secret status = %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodPost, tr.srv.URL+"/api/internal/sync", bytes.NewReader(body))
	req.Header.Set("X-Machine-Secret", "machine-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("sync request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sync status = %d", resp.StatusCode)
	}
	synced := decodeBody[struct {
		Memories []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"memories"`
	}](t, resp)
	if len(synced.Memories) != 1 || synced.Memories[0].Key != "timezone" {
		t.Fatalf("synced memories = %+v", synced.Memories)
	}
}

func TestMemoriesEndpoint(t *testing.T) {
	tr := newTestRelay(t, relayOptions{})
	token := tr.token(t, "user-1")

	resp := tr.do(t, http.MethodPost, "/api/memories", token, map[string]string{
		"key": "editor", "value": "helix",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("save memory status = %d", resp.StatusCode)
	}

	resp = tr.do(t, http.MethodGet, "/api/memories", token, nil)
	page := decodeBody[struct {
		Items []struct {
			Key   string `json:"key"`
			Value string `json:"value"`
		} `json:"items"`
	}](t, resp)
	if len(page.Items) != 1 || page.Items[0].Value != "helix" {
		t.Fatalf("memories = %+v", page.Items)
	}
}
