package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"safe-relay-go/internal/client"
	"safe-relay-go/internal/config"
	"safe-relay-go/internal/service"
	"safe-relay-go/internal/target"
)

// newTestRelayHandler builds the full pipeline. allowLoopback lets it reach
// httptest servers on 127.0.0.1.
func newTestRelayHandler(t *testing.T, allowLoopback bool) *RelayHandler {
	t.Helper()
	var allow []netip.Prefix
	if allowLoopback {
		allow = append(allow, netip.MustParsePrefix("127.0.0.1/32"))
	}
	policy := target.NewPolicy(allow)
	cfg := &config.Config{
		Relay: config.RelayConfig{
			TimeoutSeconds:  5,
			MaxRedirects:    5,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := client.NewRelayClient(cfg, policy, logger, nil)
	svc := service.NewRelayService(policy, c, logger, nil)
	return NewRelayHandler(svc, logger)
}

func withQuery(path, key, value string) string {
	return path + "?" + url.Values{key: {value}}.Encode()
}

func TestRelayHandler_Fetch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"value":42}`))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, true)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, withQuery("/proxy", "url", upstream.URL+"/data"), http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Fetch(c); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Body.String(); got != `{"value":42}` {
		t.Errorf("body = %q, want %q", got, `{"value":42}`)
	}
	if ct := rec.Header().Get(echo.HeaderContentType); !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestRelayHandler_Fetch_InvalidJSON(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, true)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, withQuery("/proxy", "url", upstream.URL), http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Fetch(c); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] == "" {
		t.Error("expected non-empty error message in response")
	}
	if len(body) != 1 {
		t.Errorf("body = %v, want only the error key", body)
	}
}

func TestRelayHandler_Probe(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, true)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, withQuery("/", "target", upstream.URL+"/old"), http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Probe(c); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var body struct {
		Status     int    `json:"status"`
		StatusText string `json:"statusText"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Status != http.StatusOK || body.StatusText != "OK" {
		t.Errorf("body = %+v, want terminal status 200 OK", body)
	}
}

func TestRelayHandler_Probe_Unreachable(t *testing.T) {
	// Default policy; 10.0.0.5 is a private address and is refused before dialing.
	h := newTestRelayHandler(t, false)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, withQuery("/", "target", "http://10.0.0.5:9999"), http.NoBody)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Probe(c); err != nil {
		t.Fatalf("Probe() error = %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "Fetch failed" {
		t.Errorf("error = %q, want %q", body["error"], "Fetch failed")
	}
	if body["message"] == "" {
		t.Error("expected non-empty message")
	}
}

func TestRelayHandler_MissingParam(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, true)

	tests := []struct {
		name     string
		path     string
		call     func(echo.Context) error
		wantBody string
	}{
		{"fetch without url", "/proxy", h.Fetch, `{"error":"Missing URL param"}`},
		{"fetch with empty url", "/proxy?url=", h.Fetch, `{"error":"Missing URL param"}`},
		{"fetch with target instead", "/proxy?target=" + url.QueryEscape(upstream.URL), h.Fetch, `{"error":"Missing URL param"}`},
		{"probe without target", "/", h.Probe, `{"error":"Missing target URL"}`},
		{"probe with url instead", "/?url=" + url.QueryEscape(upstream.URL), h.Probe, `{"error":"Missing target URL"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			if err := tt.call(c); err != nil {
				t.Fatalf("handler error = %v", err)
			}
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			if got := strings.TrimSpace(rec.Body.String()); got != tt.wantBody {
				t.Errorf("body = %s, want %s", got, tt.wantBody)
			}
		})
	}

	if hits.Load() != 0 {
		t.Errorf("upstream hits = %d, want 0", hits.Load())
	}
}

func TestRelayHandler_CanceledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	h := newTestRelayHandler(t, true)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, withQuery("/proxy", "url", upstream.URL), http.NoBody)
	// Create a pre-canceled context to simulate client disconnect.
	ctx, cancel := context.WithCancel(req.Context())
	cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := h.Fetch(c); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
