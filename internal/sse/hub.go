// Package sse serves the supplemental operational lifecycle feed: a
// per-session Server-Sent Events stream that lets a browser watch its own
// auth/connection state transitions without polling.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/rjsadow/shellgate/internal/cookie"
	"github.com/rjsadow/shellgate/internal/store"
)

const (
	// clientBufSize is the per-client event channel buffer. If the client
	// falls behind, events are dropped (the next state change catches it up).
	clientBufSize = 32

	// heartbeatInterval keeps the connection alive through proxies.
	heartbeatInterval = 30 * time.Second
)

// Hub serves GET /ssh/events: one SSE stream per session, bound to the same
// webssh2.sid cookie the router/gateway use.
type Hub struct {
	store   *store.Store
	cookies *cookie.Signer
	logger  *slog.Logger

	mu          sync.Mutex
	clientCount int
}

// NewHub creates an SSE hub bound to st for state and cookies for session
// authentication.
func NewHub(st *store.Store, cookies *cookie.Signer, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{store: st, cookies: cookies, logger: logger}
}

type lifecyclePayload struct {
	AuthStatus       string `json:"authStatus"`
	AuthMethod       string `json:"authMethod"`
	AuthError        string `json:"authError,omitempty"`
	ConnectionStatus string `json:"connectionStatus"`
	ConnectionError  string `json:"connectionError,omitempty"`
}

func toPayload(s store.SessionState) lifecyclePayload {
	return lifecyclePayload{
		AuthStatus:       string(s.Auth.Status),
		AuthMethod:       string(s.Auth.Method),
		AuthError:        s.Auth.ErrorMessage,
		ConnectionStatus: string(s.Connection.Status),
		ConnectionError:  s.Connection.ErrorMessage,
	}
}

// ServeHTTP serves the GET /ssh/events endpoint for the caller's own session.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID, ok := h.authenticate(r)
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	state, ok := h.store.GetState(sessionID)
	if !ok {
		http.Error(w, "Unknown session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events := make(chan lifecyclePayload, clientBufSize)
	unsubscribe := h.store.Subscribe(sessionID, func(newState, _ store.SessionState) {
		select {
		case events <- toPayload(newState):
		default:
			h.logger.Warn("sse: client buffer full, dropping event", "session_id", sessionID)
		}
	})
	defer unsubscribe()

	h.mu.Lock()
	h.clientCount++
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.clientCount--
		h.mu.Unlock()
	}()

	writeEvent(w, "session", toPayload(state))
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-events:
			writeEvent(w, "session", payload)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, payload lifecyclePayload) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// authenticate verifies the webssh2.sid cookie and returns the session ID it
// names.
func (h *Hub) authenticate(r *http.Request) (string, bool) {
	c, err := r.Cookie("webssh2.sid")
	if err != nil {
		return "", false
	}
	sessionID, err := h.cookies.Verify(c.Value)
	if err != nil {
		return "", false
	}
	return sessionID, true
}

// ClientCount returns the number of connected SSE clients (for diagnostics/tests).
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clientCount
}
