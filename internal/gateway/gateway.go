// Package gateway implements SocketGateway (spec §4.7): it accepts client
// sockets over WebSocket, binds the HTTP session cookie, constructs one
// ConnectionAdapter per socket, and pumps typed events in both directions.
//
// Grounded on the teacher's internal/gateway/gateway.go (Handler/Config
// dependency shape, CORS/auth/rate-limit-then-delegate flow) and
// internal/websocket/proxy.go's gorilla/websocket Upgrader usage.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/ssh"

	"github.com/rjsadow/shellgate/internal/adapter"
	"github.com/rjsadow/shellgate/internal/authpipeline"
	"github.com/rjsadow/shellgate/internal/config"
	"github.com/rjsadow/shellgate/internal/cookie"
	"github.com/rjsadow/shellgate/internal/sshclient"
	"github.com/rjsadow/shellgate/internal/store"
)

const (
	pingInterval = 25 * time.Second
	pingTimeout  = 60 * time.Second
	socketPath   = "/ssh/socket.io"
)

// Handler is the gateway's HTTP entry point; mount it at socketPath.
type Handler struct {
	Config  *config.Config
	Store   *store.Store
	Cookies *cookie.Signer
	Limiter *RateLimiter
	Logger  *slog.Logger

	// NewPipeline builds a fresh AuthPipeline for one socket's lifetime.
	NewPipeline func() *authpipeline.Pipeline

	// HostKeyCallback verifies the outbound SSH server's host key, per
	// config.SSH.HostKeyVerification (spec §6's optional trust store). Nil
	// falls back to sshclient's own InsecureIgnoreHostKey default.
	HostKeyCallback ssh.HostKeyCallback

	upgrader websocket.Upgrader
	once     sync.Once
}

func (h *Handler) init() {
	h.once.Do(func() {
		origins := map[string]bool{}
		for _, o := range h.Config.HTTP.Origins {
			origins[o] = true
		}
		h.upgrader = websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(origins) == 0 {
					return true
				}
				return origins[r.Header.Get("Origin")]
			},
		}
		if h.Logger == nil {
			h.Logger = slog.Default()
		}
	})
}

// ServeHTTP upgrades one HTTP request to a WebSocket connection and runs its
// ConnectionAdapter for the connection's lifetime.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.init()

	if h.Limiter != nil && !h.Limiter.Allow(clientIP(r)) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	sessionID, ok := h.bindSession(r)
	if !ok {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}

	socketID := clientIP(r) + "-" + sessionID
	transport := newSocketTransport(conn)

	pipeline := h.NewPipeline()
	a := adapter.New(sessionID, socketID, h.Store, transport, pipeline, h.adapterConfig(), h.Logger)

	h.runPingPong(transport, a)
	h.readLoop(r.Context(), transport, a, sessionID)
}

func (h *Handler) adapterConfig() adapter.Config {
	cfg := h.Config
	return adapter.Config{
		SocketHighWaterMark:        cfg.SSH.SocketHighWaterMark,
		MaxExecOutputBytes:         int64(cfg.SSH.MaxExecOutputBytes),
		OutputRateLimitBytesPerSec: cfg.SSH.OutputRateLimitBytesPerSec,
		AllowReplay:                cfg.Options.AllowReplay,
		ReplayCRLF:                 cfg.Options.ReplayCRLF,
		PromptTimeout:              60 * time.Second,
		ConnectOptions: sshclient.Options{
			ReadyTimeout:      cfg.SSH.ReadyTimeout,
			KeepaliveInterval: cfg.SSH.KeepaliveInterval,
			KeepaliveCountMax: cfg.SSH.KeepaliveCountMax,
			HostKeyCallback:   h.HostKeyCallback,
			Algorithms: sshclient.Algorithms{
				Cipher: cfg.SSH.Algorithms.Cipher, KEX: cfg.SSH.Algorithms.KEX,
				HMAC: cfg.SSH.Algorithms.HMAC, Compress: cfg.SSH.Algorithms.Compress,
				ServerHostKey: cfg.SSH.Algorithms.ServerHostKey,
			},
		},
	}
}

// bindSession reads the same cookie the router minted and confirms the
// SessionStore still has an entry for it.
func (h *Handler) bindSession(r *http.Request) (string, bool) {
	name := h.Config.Session.Name
	if name == "" {
		name = "webssh2.sid"
	}
	c, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	sid, err := h.Cookies.Verify(c.Value)
	if err != nil {
		return "", false
	}
	if _, ok := h.Store.GetState(sid); !ok {
		return "", false
	}
	return sid, true
}

func (h *Handler) runPingPong(t *socketTransport, a *adapter.Adapter) {
	t.conn.SetReadDeadline(time.Now().Add(pingTimeout))
	t.conn.SetPongHandler(func(string) error {
		t.conn.SetReadDeadline(time.Now().Add(pingTimeout))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.writeControl(websocket.PingMessage); err != nil {
					return
				}
			case <-a.Done():
				return
			case <-t.closed:
				return
			}
		}
	}()
}

type inboundEnvelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func (h *Handler) readLoop(ctx context.Context, t *socketTransport, a *adapter.Adapter, sessionID string) {
	defer a.Close("socket closed")
	defer t.Close()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}

		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			_ = t.Emit("v1:error", map[string]string{"event": "", "reason": "malformed payload"})
			continue
		}

		if err := h.dispatch(ctx, t, a, sessionID, env); err != nil {
			_ = t.Emit("v1:error", map[string]string{"event": env.Event, "reason": err.Error()})
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, t *socketTransport, a *adapter.Adapter, sessionID string, env inboundEnvelope) error {
	switch env.Event {
	case "authenticate":
		var creds sshclient.Credentials
		if err := json.Unmarshal(env.Payload, &creds); err != nil {
			return err
		}
		return a.HandleAuthenticate(ctx, h.credentialSources(sessionID, creds))

	case "terminal":
		var req adapter.TerminalRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		return a.HandleTerminal(req)

	case "resize":
		var req adapter.ResizeRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		return a.HandleResize(req)

	case "data":
		var raw string
		if err := json.Unmarshal(env.Payload, &raw); err != nil {
			return err
		}
		return a.HandleData([]byte(raw))

	case "exec":
		var req adapter.ExecRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		return a.HandleExec(ctx, req)

	case "control":
		var req struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return err
		}
		return a.HandleControl(ctx, req.Action, h.credentialSources(sessionID, sshclient.Credentials{}))

	case "prompt-response":
		var resp adapter.PromptResponse
		if err := json.Unmarshal(env.Payload, &resp); err != nil {
			return err
		}
		return a.HandlePromptResponse(resp)

	default:
		h.Logger.Debug("gateway: unknown event", "event", env.Event)
		return nil
	}
}

// credentialSources builds the AuthPipeline source list in priority order:
// config-default, then session-attached (the just-decoded authenticate
// payload or the credentials already written into SessionState by the
// router).
func (h *Handler) credentialSources(sessionID string, socketCreds sshclient.Credentials) []authpipeline.CredentialSource {
	sources := []authpipeline.CredentialSource{}

	if h.Config.User.Name != "" {
		sources = append(sources, authpipeline.CredentialSource{
			Method: authpipeline.MethodConfigDefault,
			Get: func() (sshclient.Credentials, bool) {
				return sshclient.Credentials{
					Host: h.Config.SSH.Host, Port: h.Config.SSH.Port, Username: h.Config.User.Name,
					Password: h.Config.User.Password, PrivateKey: h.Config.User.PrivateKey, Passphrase: h.Config.User.Passphrase,
				}, true
			},
		})
	}

	sources = append(sources, authpipeline.CredentialSource{
		Method: authpipeline.MethodSessionAttached,
		Get: func() (sshclient.Credentials, bool) {
			if socketCreds.Host != "" || socketCreds.Username != "" {
				return socketCreds, true
			}
			state, ok := h.Store.GetState(sessionID)
			if !ok || state.SSHCredentials.Host == "" {
				return sshclient.Credentials{}, false
			}
			return sshclient.Credentials{
				Host: state.SSHCredentials.Host, Port: state.SSHCredentials.Port, Username: state.SSHCredentials.Username,
				Password: state.SSHCredentials.Password, PrivateKey: state.SSHCredentials.PrivateKey, Passphrase: state.SSHCredentials.Passphrase,
			}, true
		},
	})

	return sources
}
