package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fearless-family/relay/internal/metrics"
	"github.com/fearless-family/relay/internal/presence"
	"github.com/fearless-family/relay/internal/relay"
	"github.com/fearless-family/relay/internal/ws"
	"github.com/fearless-family/relay/pkg/protocol"
)

type noopEmitter struct{}

func (noopEmitter) Emit(string, protocol.Envelope) bool { return true }

func newTestRouter(t *testing.T) (http.Handler, *presence.Manager) {
	t.Helper()

	logger := zap.NewNop()
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	p := presence.NewManager(logger, m)
	p.SetEmitter(noopEmitter{})

	hub := ws.NewHub(ws.Config{
		Presence: p,
		Messages: relay.NewMessageRelay(p, logger, m),
		Typing:   relay.NewTypingRelay(p, logger, m),
		Logger:   logger,
	})

	return NewRouter(RouterConfig{
		Hub:      hub,
		Presence: p,
		Registry: registry,
		Logger:   logger,
	}), p
}

func TestHealthz(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Data struct {
			Status      string `json:"status"`
			Connections int    `json:"connections"`
		} `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Data.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Data.Status)
	}
	if body.Data.Connections != 0 {
		t.Errorf("connections = %d, want 0", body.Data.Connections)
	}
}

func TestFamilyMembersEndpoint(t *testing.T) {
	router, p := newTestRouter(t)

	p.Register("c1")
	if _, err := p.Join("c1", "FAM1", "u1", "Alice"); err != nil {
		t.Fatalf("seed presence: %v", err)
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/families/FAM1/members", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Data protocol.FamilyMembers `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Data.FamilyID != "FAM1" || body.Data.Count != 1 {
		t.Errorf("payload = %+v, want FAM1 with one member", body.Data)
	}
	if len(body.Data.OnlineUsers) != 1 || body.Data.OnlineUsers[0].Username != "Alice" {
		t.Errorf("online users = %v, want Alice", body.Data.OnlineUsers)
	}
}

func TestFamilyMembersUnknownFamily(t *testing.T) {
	router, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/families/NOPE/members", nil))

	// An unknown family is simply empty, never a 404.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		Data protocol.FamilyMembers `json:"data"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Data.Count != 0 {
		t.Errorf("count = %d, want 0", body.Data.Count)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	router, p := newTestRouter(t)
	p.Register("c1")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "relay_connections 1") {
		t.Errorf("metrics output missing relay_connections gauge:\n%s", rec.Body.String())
	}
}
