package gateway

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/rjsadow/shellgate/internal/config"
	"github.com/rjsadow/shellgate/internal/cookie"
	"github.com/rjsadow/shellgate/internal/store"
)

func TestRateLimiterAllowsBurstThenBlocks(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 2)
	if !rl.Allow("1.2.3.4") {
		t.Fatal("expected first request allowed")
	}
	if !rl.Allow("1.2.3.4") {
		t.Fatal("expected second request (within burst) allowed")
	}
	if rl.Allow("1.2.3.4") {
		t.Fatal("expected third request to be rate limited")
	}
}

func TestRateLimiterTracksIPsIndependently(t *testing.T) {
	rl := NewRateLimiter(rate.Limit(1), 1)
	if !rl.Allow("1.1.1.1") || !rl.Allow("2.2.2.2") {
		t.Fatal("expected distinct IPs to each get their own burst")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-Forwarded-For", "9.9.9.9, 1.1.1.1")
	if got := clientIP(r); got != "9.9.9.9" {
		t.Fatalf("got %q", got)
	}
}

func TestClientIPFallsBackToRemoteAddr(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "5.5.5.5:1234"
	if got := clientIP(r); got != "5.5.5.5" {
		t.Fatalf("got %q", got)
	}
}

func testHandler(t *testing.T) *Handler {
	t.Helper()
	signer, err := cookie.NewSigner("test-gateway-secret-0123456789", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := &config.Config{}
	cfg.Session.Name = "webssh2.sid"
	return &Handler{
		Config:  cfg,
		Store:   store.New(),
		Cookies: signer,
	}
}

func TestBindSessionRejectsMissingCookie(t *testing.T) {
	h := testHandler(t)
	r := httptest.NewRequest(http.MethodGet, "/ssh/socket.io", nil)
	if _, ok := h.bindSession(r); ok {
		t.Fatal("expected bindSession to reject a request with no cookie")
	}
}

func TestBindSessionAcceptsValidCookie(t *testing.T) {
	h := testHandler(t)
	h.Store.CreateSession("sess-1")
	signed, err := h.Cookies.Sign("sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/ssh/socket.io", nil)
	r.AddCookie(&http.Cookie{Name: "webssh2.sid", Value: signed})

	sid, ok := h.bindSession(r)
	if !ok || sid != "sess-1" {
		t.Fatalf("got (%q, %v)", sid, ok)
	}
}

func TestBindSessionRejectsUnknownSession(t *testing.T) {
	h := testHandler(t)
	signed, err := h.Cookies.Sign("sess-ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/ssh/socket.io", nil)
	r.AddCookie(&http.Cookie{Name: "webssh2.sid", Value: signed})

	if _, ok := h.bindSession(r); ok {
		t.Fatal("expected bindSession to reject a session the store doesn't know about")
	}
}

func TestServeHTTPRejectsRateLimitedUpgrade(t *testing.T) {
	h := testHandler(t)
	h.Limiter = NewRateLimiter(rate.Limit(1), 0)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("got status %d, want 429", resp.StatusCode)
	}
}

func TestServeHTTPRejectsMissingSessionCookie(t *testing.T) {
	h := testHandler(t)

	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", resp.StatusCode)
	}
}

func TestSocketTransportEmitAndClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		tr := newSocketTransport(conn)
		if err := tr.Emit("hello", map[string]string{"a": "b"}); err != nil {
			t.Errorf("emit failed: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
		tr.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if !strings.Contains(string(data), `"event":"hello"`) {
		t.Fatalf("got %q", data)
	}
}

func TestSocketTransportBufferedAmountTracksPendingWrites(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		tr := newSocketTransport(conn)
		before, _ := tr.BufferedAmount()
		if before != 0 {
			t.Errorf("expected 0 buffered before any emit, got %d", before)
		}
		_ = tr.Emit("x", "y")
		time.Sleep(20 * time.Millisecond)
		after, _ := tr.BufferedAmount()
		if after != 0 {
			t.Errorf("expected buffered amount to drain back to 0, got %d", after)
		}
		tr.Close()
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	conn.ReadMessage()
}
