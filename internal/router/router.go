// Package router implements the HTTP endpoints bound under /ssh (spec
// §4.6): it seeds SessionState from query/form/basic-auth/SSO credentials,
// runs the pre-flight SSH reachability check, serves the client HTML shell,
// and exposes the small JSON config endpoint the client bootstraps from.
//
// Grounded on the teacher's internal/server/server.go App/Handler
// assembly pattern (dependencies as struct fields, one Handler() method
// building the mux) and internal/server/handlers.go's cookie-setting style.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/rjsadow/shellgate/internal/authpipeline"
	"github.com/rjsadow/shellgate/internal/config"
	"github.com/rjsadow/shellgate/internal/cookie"
	"github.com/rjsadow/shellgate/internal/middleware"
	"github.com/rjsadow/shellgate/internal/sshclient"
	"github.com/rjsadow/shellgate/internal/sso"
	"github.com/rjsadow/shellgate/internal/store"
	"github.com/rjsadow/shellgate/internal/validate"
)

// defaultSessionCookieName is used when config.Session.Name is empty.
const defaultSessionCookieName = "webssh2.sid"

// csrfCookieName and csrfHeaderName implement the double-submit CSRF check
// named in spec §4.6's middleware chain: a non-HttpOnly cookie the client JS
// can read and echo back as a header on state-changing requests.
const (
	csrfCookieName = "webssh2.csrf"
	csrfHeaderName = "X-CSRF-Token"
)

// ClientRenderer renders the browser client's HTML shell. It is supplied by
// the caller since the static asset bundle is out of this core's scope
// (spec.md §1's explicit non-goal).
type ClientRenderer func(w http.ResponseWriter, r *http.Request, sessionID string)

// App bundles everything the router's handlers need, mirroring the
// teacher's server.App dependency-injection shape.
type App struct {
	Config    *config.Config
	Store     *store.Store
	Cookies   *cookie.Signer
	SSO       *sso.Provider
	Render    ClientRenderer
	Logger    *slog.Logger
	ConnectFn func(ctx context.Context, sources []authpipeline.CredentialSource, opts sshclient.Options) error

	// HostKeyCallback verifies the outbound SSH server's host key during
	// the pre-flight check (spec §6's optional trust store).
	HostKeyCallback ssh.HostKeyCallback
}

// Handler builds the complete /ssh HTTP handler tree.
func (a *App) Handler() http.Handler {
	if a.Logger == nil {
		a.Logger = slog.Default()
	}

	mux := http.NewServeMux()
	h := &handlers{app: a}

	mux.HandleFunc("/ssh/config", h.handleConfig)
	mux.HandleFunc("/ssh/clear-credentials", h.withSession(h.handleClearCredentials))
	mux.HandleFunc("/ssh/force-reconnect", h.withSession(h.handleForceReconnect))
	mux.HandleFunc("/ssh/reauth", h.withSession(h.handleReauth))
	mux.HandleFunc("/ssh/host/", h.withSession(h.handleHost))
	mux.HandleFunc("/ssh/host", h.withSession(h.handleHost))
	mux.HandleFunc("/ssh/", h.withSession(h.handleRoot))

	if a.SSO != nil {
		mux.HandleFunc("/ssh/sso/login", h.handleSSOLogin)
		mux.HandleFunc("/ssh/sso/callback", h.handleSSOCallback)
	}

	return middleware.SecurityHeaders(middleware.RequestID(mux))
}

type handlers struct {
	app *App
}

func (h *handlers) sessionCookieName() string {
	if h.app.Config.Session.Name != "" {
		return h.app.Config.Session.Name
	}
	return defaultSessionCookieName
}

// withSession implements the "session" stage of the middleware chain:
// reads or mints the signed session cookie and ensures a SessionStore entry
// exists before the wrapped handler runs.
func (h *handlers) withSession(next func(w http.ResponseWriter, r *http.Request, sessionID string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := h.readOrMintSession(w, r)
		next(w, r, sessionID)
	}
}

func (h *handlers) readOrMintSession(w http.ResponseWriter, r *http.Request) string {
	name := h.sessionCookieName()

	if c, err := r.Cookie(name); err == nil {
		if sid, verr := h.app.Cookies.Verify(c.Value); verr == nil {
			h.app.Store.CreateSession(sid)
			return sid
		}
	}

	sid := newSessionID()
	h.app.Store.CreateSession(sid)

	signed, err := h.app.Cookies.Sign(sid)
	if err == nil {
		maxAge := 0
		if h.app.Config.Session.SessionTimeout > 0 {
			maxAge = int(h.app.Config.Session.SessionTimeout / time.Second)
		}
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    signed,
			Path:     "/",
			HttpOnly: true,
			Secure:   r.TLS != nil,
			SameSite: http.SameSiteLaxMode,
			MaxAge:   maxAge,
		})
		if h.app.Config.SSO.Enabled && h.app.Config.SSO.CSRFProtection {
			http.SetCookie(w, &http.Cookie{
				Name:     csrfCookieName,
				Value:    signed,
				Path:     "/",
				HttpOnly: false,
				Secure:   r.TLS != nil,
				SameSite: http.SameSiteLaxMode,
				MaxAge:   maxAge,
			})
		}
	}
	return sid
}

// ssoHeaderCredentials reads username/password from the reverse-proxy
// headers named by config.SSO.HeaderMapping (spec §4.4 source #2's "SSO
// header extraction"). present is false when SSO is disabled or neither
// header is set.
func (h *handlers) ssoHeaderCredentials(r *http.Request) (username, password string, present bool) {
	if !h.app.Config.SSO.Enabled {
		return "", "", false
	}
	m := h.app.Config.SSO.HeaderMapping
	if m.Username != "" {
		username = r.Header.Get(m.Username)
	}
	if m.Password != "" {
		password = r.Header.Get(m.Password)
	}
	return username, password, username != "" || password != ""
}

// isTrustedProxy reports whether the request's client IP exact-matches one
// of config.SSO.TrustedProxies.
func (h *handlers) isTrustedProxy(r *http.Request) bool {
	ip := clientIP(r)
	for _, trusted := range h.app.Config.SSO.TrustedProxies {
		if trusted == ip {
			return true
		}
	}
	return false
}

// checkCSRF implements spec §4.6's "CSRF if SSO enabled" stage: skipped
// entirely when SSO/CSRF protection is off, when the request comes from a
// trusted proxy (exact IP match), or when SSO headers are already present
// (the upstream proxy is itself the trust boundary in that case). Otherwise
// the X-CSRF-Token header must verify against the session's signed cookie.
func (h *handlers) checkCSRF(r *http.Request, sessionID string) bool {
	if !h.app.Config.SSO.Enabled || !h.app.Config.SSO.CSRFProtection {
		return true
	}
	if h.isTrustedProxy(r) {
		return true
	}
	if _, _, present := h.ssoHeaderCredentials(r); present {
		return true
	}
	token := r.Header.Get(csrfHeaderName)
	if token == "" {
		return false
	}
	sid, err := h.app.Cookies.Verify(token)
	return err == nil && sid == sessionID
}

// clientIP extracts the caller's address, respecting X-Forwarded-For when
// present (common behind load balancers).
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for i := 0; i < len(xff); i++ {
			if xff[i] == ',' {
				return xff[:i]
			}
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

// handleConfig serves GET /ssh/config: {allowedAuthMethods, hostKeyVerification}.
func (h *handlers) handleConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.app.Config
	writeJSON(w, http.StatusOK, map[string]any{
		"allowedAuthMethods": cfg.SSH.AllowedAuthMethods,
		"hostKeyVerification": map[string]any{
			"enabled":          cfg.SSH.HostKeyVerification.Enabled,
			"mode":             cfg.SSH.HostKeyVerification.Mode,
			"unknownKeyAction": cfg.SSH.HostKeyVerification.UnknownKeyAction,
		},
	})
}

// handleRoot serves GET /ssh/: the client shell using the config-default
// host, honoring the env query param (spec §4.6's `GET /`). header* query
// params are not read.
func (h *handlers) handleRoot(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := h.applyQueryOverrides(sessionID, r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.app.Render(w, r, sessionID)
}

// handleHost serves GET/POST /ssh/host[/:host] (spec §4.6).
func (h *handlers) handleHost(w http.ResponseWriter, r *http.Request, sessionID string) {
	host := strings.TrimPrefix(r.URL.Path, "/ssh/host")
	host = strings.TrimPrefix(host, "/")

	switch r.Method {
	case http.MethodGet:
		h.handleHostGet(w, r, sessionID, host)
	case http.MethodPost:
		h.handleHostPost(w, r, sessionID, host)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *handlers) handleHostGet(w http.ResponseWriter, r *http.Request, sessionID, host string) {
	creds, ferr := h.gatherBasicAuthOrDefault(r, host)
	if ferr != nil {
		h.challengeBasicAuth(w)
		return
	}

	if err := h.preflight(r.Context(), creds); err != nil {
		writeSSHError(w, err)
		return
	}

	h.app.Store.Dispatch(sessionID, store.Action{Type: store.ActionSetCredentials, Payload: store.SetCredentialsPayload{Credentials: toStoreCredentials(creds)}})
	h.app.Render(w, r, sessionID)
}

func (h *handlers) handleHostPost(w http.ResponseWriter, r *http.Request, sessionID, host string) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form body", http.StatusBadRequest)
		return
	}

	if !h.checkCSRF(r, sessionID) {
		http.Error(w, "invalid or missing CSRF token", http.StatusForbidden)
		return
	}

	ssoUser, ssoPassword, _ := h.ssoHeaderCredentials(r)
	creds := sshclient.Credentials{
		Host:     firstNonEmpty(host, r.FormValue("host")),
		Port:     validate.ValidatePort(r.FormValue("port")),
		Username: firstNonEmpty(r.FormValue("username"), ssoUser),
		Password: firstNonEmpty(r.FormValue("password"), ssoPassword),
	}
	if sshHost, err := validate.ValidateHost(creds.Host); err == nil {
		creds.Host = sshHost
	} else {
		http.Error(w, "invalid host", http.StatusBadRequest)
		return
	}

	if _, fieldErrs := validate.ValidateCredentialFormat(creds.Username, creds.Host, fmt.Sprint(creds.Port), creds.Password, "", ""); len(fieldErrs) > 0 {
		http.Error(w, "missing or invalid credentials", http.StatusUnauthorized)
		return
	}

	if err := h.preflight(r.Context(), creds); err != nil {
		writeSSHError(w, err)
		return
	}

	h.app.Store.Dispatch(sessionID, store.Action{Type: store.ActionSetCredentials, Payload: store.SetCredentialsPayload{Credentials: toStoreCredentials(creds)}})
	h.app.Render(w, r, sessionID)
}

// handleClearCredentials serves GET /ssh/clear-credentials.
func (h *handlers) handleClearCredentials(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.app.Store.Dispatch(sessionID, store.Action{Type: store.ActionClearCredentials})
	w.WriteHeader(http.StatusOK)
}

// handleForceReconnect serves GET /ssh/force-reconnect: drop credentials and
// respond 401 so the client re-prompts.
func (h *handlers) handleForceReconnect(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.app.Store.Dispatch(sessionID, store.Action{Type: store.ActionClearCredentials})
	h.challengeBasicAuth(w)
}

// handleReauth serves GET /ssh/reauth: clear auth-related session keys and
// redirect to /ssh.
func (h *handlers) handleReauth(w http.ResponseWriter, r *http.Request, sessionID string) {
	h.app.Store.Dispatch(sessionID, store.Action{Type: store.ActionReauth})
	http.Redirect(w, r, "/ssh", http.StatusFound)
}

func (h *handlers) handleSSOLogin(w http.ResponseWriter, r *http.Request) {
	redirectTo := r.URL.Query().Get("redirect")
	if redirectTo == "" {
		redirectTo = "/ssh"
	}
	url, err := h.app.SSO.LoginURL(redirectTo)
	if err != nil {
		http.Error(w, "sso unavailable", http.StatusBadGateway)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (h *handlers) handleSSOCallback(w http.ResponseWriter, r *http.Request) {
	identity, redirectTo, err := h.app.SSO.HandleCallback(r.Context(), r.URL.Query().Get("code"), r.URL.Query().Get("state"))
	if err != nil {
		if errors.Is(err, sso.ErrStateInvalid) {
			http.Error(w, "invalid or expired login attempt", http.StatusBadRequest)
			return
		}
		http.Error(w, "sso login failed", http.StatusBadGateway)
		return
	}

	sessionID := h.readOrMintSession(w, r)
	h.app.Store.Dispatch(sessionID, store.Action{Type: store.ActionSetCredentials, Payload: store.SetCredentialsPayload{
		Credentials: store.SSHCredentials{Username: identity.Username},
	}})

	if redirectTo == "" {
		redirectTo = "/ssh"
	}
	http.Redirect(w, r, redirectTo, http.StatusFound)
}

// preflight runs the router's pre-flight SSH check (spec §4.6): connect,
// then immediately end.
func (h *handlers) preflight(ctx context.Context, creds sshclient.Credentials) error {
	if h.app.ConnectFn == nil {
		return nil
	}
	sources := []authpipeline.CredentialSource{{
		Method: "preflight",
		Get:    func() (sshclient.Credentials, bool) { return creds, true },
	}}
	opts := sshclient.Options{ReadyTimeout: h.app.Config.SSH.ReadyTimeout, HostKeyCallback: h.app.HostKeyCallback}
	return h.app.ConnectFn(ctx, sources, opts)
}

func (h *handlers) gatherBasicAuthOrDefault(r *http.Request, host string) (sshclient.Credentials, error) {
	username, password, ok := r.BasicAuth()
	if ok {
		sshHost, err := validate.ValidateHost(firstNonEmpty(host, h.app.Config.SSH.Host))
		if err != nil {
			return sshclient.Credentials{}, err
		}
		return sshclient.Credentials{
			Host: sshHost, Port: h.app.Config.SSH.Port, Username: username, Password: password,
		}, nil
	}

	if ssoUser, ssoPassword, present := h.ssoHeaderCredentials(r); present {
		sshHost, err := validate.ValidateHost(firstNonEmpty(host, h.app.Config.SSH.Host))
		if err != nil {
			return sshclient.Credentials{}, err
		}
		return sshclient.Credentials{
			Host: sshHost, Port: h.app.Config.SSH.Port, Username: ssoUser, Password: ssoPassword,
		}, nil
	}

	if h.app.Config.User.Name != "" {
		sshHost, err := validate.ValidateHost(firstNonEmpty(host, h.app.Config.SSH.Host))
		if err != nil {
			return sshclient.Credentials{}, err
		}
		return sshclient.Credentials{
			Host: sshHost, Port: h.app.Config.SSH.Port, Username: h.app.Config.User.Name,
			Password: h.app.Config.User.Password, PrivateKey: h.app.Config.User.PrivateKey, Passphrase: h.app.Config.User.Passphrase,
		}, nil
	}

	return sshclient.Credentials{}, errors.New("no credentials supplied")
}

func (h *handlers) challengeBasicAuth(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="WebSSH2"`)
	w.WriteHeader(http.StatusUnauthorized)
}

func (h *handlers) applyQueryOverrides(sessionID string, r *http.Request) error {
	q := r.URL.Query()
	env := q.Get("env")
	var environment map[string]string
	if env != "" {
		parsed := validate.ParseEnvVars(env)
		if parsed == nil {
			return errors.New("invalid env query parameter")
		}
		environment = validate.FilterEnvironmentVariables(parsed, nil)
	}
	if environment != nil {
		h.app.Store.Dispatch(sessionID, store.Action{Type: store.ActionSetTerminal, Payload: store.SetTerminalPayload{Environment: environment}})
	}
	return nil
}

// writeSSHError maps a classified SSH error to the HTTP status spec §4.6
// names: AuthError→401, NetworkError→502, TimeoutError→504, else→502.
func writeSSHError(w http.ResponseWriter, err error) {
	var classified *sshclient.ClassifiedError
	if errors.As(err, &classified) {
		switch classified.Kind {
		case sshclient.ErrAuth:
			w.Header().Set("WWW-Authenticate", `Basic realm="WebSSH2"`)
			http.Error(w, classified.Error(), http.StatusUnauthorized)
			return
		case sshclient.ErrNetwork:
			http.Error(w, classified.Error(), http.StatusBadGateway)
			return
		case sshclient.ErrTimeout:
			http.Error(w, classified.Error(), http.StatusGatewayTimeout)
			return
		}
	}
	http.Error(w, "ssh connection failed", http.StatusBadGateway)
}

func toStoreCredentials(c sshclient.Credentials) store.SSHCredentials {
	return store.SSHCredentials{
		Host: c.Host, Port: c.Port, Username: c.Username, Password: c.Password,
		PrivateKey: c.PrivateKey, Passphrase: c.Passphrase,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func newSessionID() string {
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
