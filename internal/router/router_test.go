package router

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rjsadow/shellgate/internal/config"
	"github.com/rjsadow/shellgate/internal/cookie"
	"github.com/rjsadow/shellgate/internal/sshclient"
	"github.com/rjsadow/shellgate/internal/store"
)

func testApp(t *testing.T) *App {
	t.Helper()
	signer, err := cookie.NewSigner("test-session-secret-0123456789", time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cfg := &config.Config{}
	cfg.SSH.AllowedAuthMethods = []string{"password"}
	cfg.SSH.HostKeyVerification = config.HostKeyVerificationConfig{Enabled: true, Mode: "trust-on-first-use", UnknownKeyAction: "reject"}
	return &App{
		Config: cfg,
		Store:  store.New(),
		Cookies: signer,
		Render: func(w http.ResponseWriter, r *http.Request, sessionID string) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok:" + sessionID))
		},
	}
}

func TestHandleConfigServesJSON(t *testing.T) {
	app := testApp(t)
	req := httptest.NewRequest(http.MethodGet, "/ssh/config", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("got content type %q", ct)
	}
}

func TestRootMintsSessionCookie(t *testing.T) {
	app := testApp(t)
	req := httptest.NewRequest(http.MethodGet, "/ssh/", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d", rec.Code)
	}
	cookies := rec.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != "webssh2.sid" {
		t.Fatalf("expected a webssh2.sid cookie, got %v", cookies)
	}
}

func TestRootReusesExistingValidCookie(t *testing.T) {
	app := testApp(t)
	signed, err := app.Cookies.Sign("sess-existing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	app.Store.CreateSession("sess-existing")

	req := httptest.NewRequest(http.MethodGet, "/ssh/", nil)
	req.AddCookie(&http.Cookie{Name: "webssh2.sid", Value: signed})
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Body.String() != "ok:sess-existing" {
		t.Fatalf("got body %q", rec.Body.String())
	}
}

func TestHandleHostGetRequires401WithoutCredentials(t *testing.T) {
	app := testApp(t)
	req := httptest.NewRequest(http.MethodGet, "/ssh/host/example.com", nil)
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected WWW-Authenticate challenge header")
	}
}

func TestHandleHostPostRejectsMissingCredentials(t *testing.T) {
	app := testApp(t)
	req := httptest.NewRequest(http.MethodPost, "/ssh/host/example.com", nil)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
}

func testSSOApp(t *testing.T) *App {
	t.Helper()
	app := testApp(t)
	app.Config.SSO.Enabled = true
	app.Config.SSO.CSRFProtection = true
	app.Config.SSO.HeaderMapping = config.SSOHeaderMapping{Username: "x-apm-username", Password: "x-apm-password"}
	return app
}

// TestHandleHostPostPrefersFormUsernameOverSSOHeader is spec scenario 2
// verbatim: a POST SSO form carrying the SSO header skips CSRF, and the
// body-supplied username wins over the header value.
func TestHandleHostPostPrefersFormUsernameOverSSOHeader(t *testing.T) {
	app := testSSOApp(t)
	body := strings.NewReader("username=formuser&password=formpass&port=2222")
	req := httptest.NewRequest(http.MethodPost, "/ssh/host/myserver.example.com", body)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("x-apm-username", "headeruser")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var sessionID string
	for _, c := range rec.Result().Cookies() {
		if c.Name == "webssh2.sid" {
			sessionID = mustVerify(t, app, c.Value)
		}
	}
	state, ok := app.Store.GetState(sessionID)
	if !ok {
		t.Fatal("expected session state to exist")
	}
	if state.SSHCredentials.Username != "formuser" {
		t.Errorf("got username %q, want form value to win over SSO header", state.SSHCredentials.Username)
	}
	if state.SSHCredentials.Host != "myserver.example.com" || state.SSHCredentials.Port != 2222 {
		t.Errorf("got host/port %q/%d", state.SSHCredentials.Host, state.SSHCredentials.Port)
	}
}

func TestHandleHostPostRejectsMissingCSRFTokenWhenSSOEnabled(t *testing.T) {
	app := testSSOApp(t)
	body := strings.NewReader("username=formuser&password=formpass")
	req := httptest.NewRequest(http.MethodPost, "/ssh/host/example.com", body)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("got status %d, want 403 for missing CSRF token", rec.Code)
	}
}

func TestHandleHostPostSkipsCSRFForTrustedProxy(t *testing.T) {
	app := testSSOApp(t)
	app.Config.SSO.TrustedProxies = []string{"192.0.2.1"}
	body := strings.NewReader("username=formuser&password=formpass")
	req := httptest.NewRequest(http.MethodPost, "/ssh/host/example.com", body)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "192.0.2.1:1234"
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 from trusted proxy: %s", rec.Code, rec.Body.String())
	}
}

func mustVerify(t *testing.T, app *App, token string) string {
	t.Helper()
	sid, err := app.Cookies.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	return sid
}

func TestHandleClearCredentialsDispatchesAction(t *testing.T) {
	app := testApp(t)
	app.Store.CreateSession("sess-1")
	app.Store.Dispatch("sess-1", store.Action{Type: store.ActionSetCredentials, Payload: store.SetCredentialsPayload{
		Credentials: store.SSHCredentials{Host: "example.com", Port: 22, Username: "root", Password: "hunter2"},
	}})

	signed, _ := app.Cookies.Sign("sess-1")
	req := httptest.NewRequest(http.MethodGet, "/ssh/clear-credentials", nil)
	req.AddCookie(&http.Cookie{Name: "webssh2.sid", Value: signed})
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, req)

	state, _ := app.Store.GetState("sess-1")
	if state.SSHCredentials.Password != "" {
		t.Fatal("expected password cleared")
	}
}

func TestWriteSSHErrorMapsStatusCodes(t *testing.T) {
	cases := map[error]int{
		&sshclient.ClassifiedError{Kind: sshclient.ErrAuth}:    http.StatusUnauthorized,
		&sshclient.ClassifiedError{Kind: sshclient.ErrNetwork}: http.StatusBadGateway,
		&sshclient.ClassifiedError{Kind: sshclient.ErrTimeout}: http.StatusGatewayTimeout,
	}
	for err, want := range cases {
		rec := httptest.NewRecorder()
		writeSSHError(rec, err)
		if rec.Code != want {
			t.Fatalf("got %d, want %d for %v", rec.Code, want, err)
		}
	}
}
