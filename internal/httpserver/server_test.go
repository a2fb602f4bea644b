package httpserver

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/kaungkhant-thar/chat-app/internal/config"
	"github.com/kaungkhant-thar/chat-app/internal/metrics"
)

func testServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()

	if cfg.AuthMode == "" {
		cfg.AuthMode = config.AuthModeStatic
		cfg.StaticTokens = map[string]string{"tok-alice": "alice"}
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := New(cfg, logger, Options{
		Build:   BuildInfo{Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z"},
		Metrics: metrics.New(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.ready.Store(true)
	return s
}

func doRequest(t *testing.T, s *Server, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		for _, v := range vs {
			r.Header.Add(k, v)
		}
	}
	rr := httptest.NewRecorder()
	s.mux.ServeHTTP(rr, r)
	return rr
}

func TestServer_HealthAndVersion(t *testing.T) {
	s := testServer(t, config.Config{})

	rr := doRequest(t, s, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status = %d", rr.Code)
	}

	rr = doRequest(t, s, http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status = %d", rr.Code)
	}

	rr = doRequest(t, s, http.MethodGet, "/version", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("version status = %d", rr.Code)
	}
	var build BuildInfo
	if err := json.Unmarshal(rr.Body.Bytes(), &build); err != nil {
		t.Fatalf("decode version: %v", err)
	}
	if build.Commit != "abc123" {
		t.Fatalf("commit = %q", build.Commit)
	}
}

func TestServer_ReadyzBeforeServe(t *testing.T) {
	s := testServer(t, config.Config{})
	s.ready.Store(false)

	rr := doRequest(t, s, http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status = %d, want 503", rr.Code)
	}
}

func TestServer_ICEServersStatic(t *testing.T) {
	s := testServer(t, config.Config{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}},
	})

	rr := doRequest(t, s, http.MethodGet, "/webrtc/ice", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var resp struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.ICEServers) != 1 || resp.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("iceServers = %+v", resp.ICEServers)
	}
}

func TestServer_ICEServersTURNREST(t *testing.T) {
	s := testServer(t, config.Config{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.example.com:3478"}},
			{URLs: []string{"turn:turn.example.com:3478"}},
		},
		TURNRESTSecret:         "shared",
		TURNRESTTTL:            time.Hour,
		TURNRESTUsernamePrefix: "chat",
	})

	// Without a token the endpoint refuses to mint.
	rr := doRequest(t, s, http.MethodGet, "/webrtc/ice", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rr.Code)
	}

	header := http.Header{"Authorization": []string{"Bearer tok-alice"}}
	rr = doRequest(t, s, http.MethodGet, "/webrtc/ice", header)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}

	var resp struct {
		ICEServers []webrtc.ICEServer `json:"iceServers"`
		TTL        int64              `json:"ttl"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TTL != 3600 {
		t.Fatalf("ttl = %d", resp.TTL)
	}
	if len(resp.ICEServers) != 2 {
		t.Fatalf("iceServers = %+v", resp.ICEServers)
	}
	if resp.ICEServers[0].Username != "" {
		t.Fatalf("stun entry should not carry credentials")
	}
	turn := resp.ICEServers[1]
	if turn.Username == "" || turn.Credential == nil {
		t.Fatalf("turn entry missing minted credentials: %+v", turn)
	}
	if !strings.Contains(turn.Username, ":chat:alice") {
		t.Fatalf("username = %q, want expiry:chat:alice", turn.Username)
	}
}

func TestServer_ICEServersOriginPolicy(t *testing.T) {
	s := testServer(t, config.Config{
		AllowedOrigins: []string{"https://app.example.com"},
	})

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	rr := doRequest(t, s, http.MethodGet, "/webrtc/ice", header)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rr.Code)
	}

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	rr = doRequest(t, s, http.MethodGet, "/webrtc/ice", header)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}
}

func TestWithTURNRESTCredentials(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com"}},
		{URLs: []string{"TURNS:turn.example.com"}},
	}
	out := withTURNRESTCredentials(servers, "u", "c")
	if out[0].Username != "" {
		t.Fatalf("stun entry mutated: %+v", out[0])
	}
	if out[1].Username != "u" || out[1].Credential != "c" {
		t.Fatalf("turn entry not filled: %+v", out[1])
	}
	// Input must stay untouched.
	if servers[1].Username != "" {
		t.Fatalf("input slice mutated")
	}
}
