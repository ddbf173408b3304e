package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tickflow/config"
	"tickflow/internal/service"
	"tickflow/internal/source/sim"
)

func TestNormalizeAddress(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "0.0.0.0:8080"},
		{":9090", "0.0.0.0:9090"},
		{"127.0.0.1:8080", "127.0.0.1:8080"},
		{"http://0.0.0.0:8081", "0.0.0.0:8081"},
	}
	for _, tc := range cases {
		if got := normalizeAddress(tc.in); got != tc.want {
			t.Errorf("normalizeAddress(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func testRouter(t *testing.T) (*Server, http.Handler) {
	t.Helper()
	cfg := &config.Config{}
	cfg.Engine.Exchange = "BINANCE"
	cfg.Engine.StartAttempts = 2
	cfg.Engine.StartBackoff = 5 * time.Millisecond
	cfg.Engine.WatchTimeout = 20 * time.Millisecond
	cfg.Engine.PollInterval = time.Millisecond
	cfg.Engine.TeardownGrace = 500 * time.Millisecond
	cfg.Engine.HistoryLimit = 100
	cfg.Channels.QueueBuffer = 16
	cfg.Channels.DrainInterval = 5 * time.Millisecond
	cfg.Server.Enabled = true
	cfg.Server.Address = ":0"

	src := sim.New(config.SimSourceConfig{TickInterval: time.Millisecond, StartPrice: 100})
	svc := service.New(cfg, src)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("service start failed: %v", err)
	}
	t.Cleanup(svc.Stop)

	s := NewServer(cfg.Server, svc)
	if s == nil {
		t.Fatal("expected an enabled server")
	}
	router, err := s.buildRouter(context.Background())
	if err != nil {
		t.Fatalf("buildRouter failed: %v", err)
	}
	return s, router
}

func TestSubscribeEndpoint(t *testing.T) {
	_, router := testRouter(t)

	body := strings.NewReader(`{"session_id":"s1","symbol":"btcusdt"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/subscribe", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var res service.SubscribeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if !res.Accepted || res.Symbol != "BTCUSDT" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestSubscribeEndpointRejectsBadSymbol(t *testing.T) {
	_, router := testRouter(t)

	body := strings.NewReader(`{"session_id":"s1","symbol":"b!"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/subscribe", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}
	var health service.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if !health.Healthy {
		t.Fatalf("fresh engine should report healthy, got %+v", health)
	}
}

func TestSessionIDFallsBackToHeader(t *testing.T) {
	_, router := testRouter(t)

	body := strings.NewReader(`{"symbol":"ethusdt"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/subscribe", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Session-ID", "header-session")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body)
	}

	viewReq := httptest.NewRequest(http.MethodGet, "/api/view?session_id=header-session", nil)
	viewRec := httptest.NewRecorder()
	router.ServeHTTP(viewRec, viewReq)

	var view struct {
		Symbols []string `json:"symbols"`
	}
	if err := json.Unmarshal(viewRec.Body.Bytes(), &view); err != nil {
		t.Fatalf("bad view body: %v", err)
	}
	if len(view.Symbols) != 1 || view.Symbols[0] != "ETHUSDT" {
		t.Fatalf("expected ETHUSDT for header-session, got %v", view.Symbols)
	}
}
