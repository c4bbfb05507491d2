// Command shellgate is the composition root: it loads configuration,
// wires the optional host-key trust store, secrets backend, and SSO
// provider, then mounts SocketGateway, the /ssh HTTP router, the
// operational SSE feed, and the health/diagnostics endpoints onto one
// listener.
package main

import (
	"context"
	"encoding/json"
	"expvar"
	"flag"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/rjsadow/shellgate/internal/authpipeline"
	"github.com/rjsadow/shellgate/internal/config"
	"github.com/rjsadow/shellgate/internal/cookie"
	"github.com/rjsadow/shellgate/internal/db"
	"github.com/rjsadow/shellgate/internal/diagnostics"
	"github.com/rjsadow/shellgate/internal/gateway"
	"github.com/rjsadow/shellgate/internal/plugins"
	_ "github.com/rjsadow/shellgate/internal/plugins/auth"
	"github.com/rjsadow/shellgate/internal/router"
	"github.com/rjsadow/shellgate/internal/secrets"
	"github.com/rjsadow/shellgate/internal/sshclient"
	"github.com/rjsadow/shellgate/internal/sse"
	"github.com/rjsadow/shellgate/internal/sso"
	"github.com/rjsadow/shellgate/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	listenIP := flag.String("listen-ip", "", "IP address to listen on (overrides env/defaults)")
	listenPort := flag.Int("listen-port", 0, "Port to listen on (overrides env/defaults)")
	sshHost := flag.String("ssh-host", "", "Default SSH target host (overrides env/defaults)")
	sshPort := flag.Int("ssh-port", 0, "Default SSH target port (overrides env/defaults)")
	flag.Parse()

	cfg, err := config.LoadWithFlags(config.FlagOverrides{
		ListenIP: *listenIP, ListenPort: *listenPort, SSHHost: *sshHost, SSHPort: *sshPort,
	})
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(1)
	}

	secretsManager, err := secrets.NewManager(secrets.LoadConfig())
	if err != nil {
		logger.Error("failed to initialize secrets manager", "error", err)
		os.Exit(1)
	}
	defer secretsManager.Close()
	resolveConfigSecrets(context.Background(), cfg, secretsManager, logger)

	cookies, err := cookie.NewSigner(cfg.Session.Secret, cfg.Session.SessionTimeout)
	if err != nil {
		logger.Error("failed to initialize session signer", "error", err)
		os.Exit(1)
	}

	var trustStore *db.DB
	if cfg.SSH.HostKeyVerification.Enabled {
		trustStore, err = db.OpenDB(cfg.DB.Type, cfg.DB.DSN)
		if err != nil {
			logger.Error("failed to open host-key trust store", "error", err)
			os.Exit(1)
		}
		defer trustStore.Close()
	}
	hostKeyCallback := trustStore.HostKeyCallback(cfg.SSH.HostKeyVerification.Mode, cfg.SSH.HostKeyVerification.UnknownKeyAction, logger)

	var ssoProvider *sso.Provider
	if cfg.SSO.Enabled {
		ssoProvider, err = sso.New(context.Background(), sso.Config{
			IssuerURL: cfg.SSO.IssuerURL, ClientID: cfg.SSO.ClientID,
			ClientSecret: cfg.SSO.ClientSecret, RedirectURL: cfg.SSO.RedirectURL,
		})
		if err != nil {
			logger.Error("failed to initialize SSO provider", "error", err)
			os.Exit(1)
		}
	}

	registry := plugins.NewRegistry()
	if err := registry.Initialize(context.Background(), plugins.DefaultRegistryConfig()); err != nil {
		logger.Error("failed to initialize plugin registry", "error", err)
		os.Exit(1)
	}
	defer registry.Close()

	sessionStore := store.New()
	started := time.Now()

	connectOptions := func() sshclient.Options {
		return sshclient.Options{
			ReadyTimeout:      cfg.SSH.ReadyTimeout,
			KeepaliveInterval: cfg.SSH.KeepaliveInterval,
			KeepaliveCountMax: cfg.SSH.KeepaliveCountMax,
			HostKeyCallback:   hostKeyCallback,
			Algorithms: sshclient.Algorithms{
				Cipher: cfg.SSH.Algorithms.Cipher, KEX: cfg.SSH.Algorithms.KEX,
				HMAC: cfg.SSH.Algorithms.HMAC, Compress: cfg.SSH.Algorithms.Compress,
				ServerHostKey: cfg.SSH.Algorithms.ServerHostKey,
			},
		}
	}

	newPipeline := func() *authpipeline.Pipeline {
		return authpipeline.New(authpipeline.Config{
			AllowedAuthMethods:     cfg.SSH.AllowedAuthMethods,
			DisableInteractiveAuth: cfg.SSH.DisableInteractiveAuth,
			PromptTimeout:          60 * time.Second,
			ConnectOptions:         connectOptions(),
		})
	}

	preflightConnect := func(ctx context.Context, sources []authpipeline.CredentialSource, opts sshclient.Options) error {
		pipeline := authpipeline.New(authpipeline.Config{
			AllowedAuthMethods:     cfg.SSH.AllowedAuthMethods,
			DisableInteractiveAuth: cfg.SSH.DisableInteractiveAuth,
			ConnectOptions:         opts,
		})
		result, err := pipeline.Authenticate(ctx, sources, nil)
		if err != nil {
			return err
		}
		result.Client.End()
		return nil
	}

	app := &router.App{
		Config:          cfg,
		Store:           sessionStore,
		Cookies:         cookies,
		SSO:             ssoProvider,
		Render:          renderShell,
		Logger:          logger,
		ConnectFn:       preflightConnect,
		HostKeyCallback: hostKeyCallback,
	}

	gatewayHandler := &gateway.Handler{
		Config:          cfg,
		Store:           sessionStore,
		Cookies:         cookies,
		Limiter:         gateway.NewRateLimiter(5, 20),
		Logger:          logger,
		NewPipeline:     newPipeline,
		HostKeyCallback: hostKeyCallback,
	}

	eventsHub := sse.NewHub(sessionStore, cookies, logger)
	collector := diagnostics.NewCollector(trustStore, cfg, registry, sessionStore, started)

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) { handleReadyz(w, r, trustStore) })
	mux.HandleFunc("/ssh/diagnostics", func(w http.ResponseWriter, r *http.Request) { handleDiagnostics(w, r, collector) })
	mux.HandleFunc("/ssh/events", eventsHub.ServeHTTP)
	mux.Handle("/ssh/socket.io", gatewayHandler)
	mux.Handle("/ssh/", app.Handler())

	expvar.NewString("app.name").Set("shellgate")
	expvar.NewString("app.start_time").Set(started.UTC().Format(time.RFC3339))

	addr := fmt.Sprintf("%s:%d", cfg.Listen.IP, cfg.Listen.Port)
	logger.Info("shellgate starting", "addr", addr, "ssh_host", cfg.SSH.Host, "ssh_port", cfg.SSH.Port)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// resolveConfigSecrets pulls the config-default SSH password/private key
// from the configured secrets backend when the env/file-loaded config left
// them empty but named a secret key via SHELLGATE_SSH_PASSWORD_SECRET /
// SHELLGATE_SSH_PRIVATE_KEY_SECRET.
func resolveConfigSecrets(ctx context.Context, cfg *config.Config, mgr *secrets.Manager, logger *slog.Logger) {
	if cfg.User.Password == "" {
		if key := os.Getenv("SHELLGATE_SSH_PASSWORD_SECRET"); key != "" {
			if v, err := mgr.Get(ctx, key); err == nil {
				cfg.User.Password = v
			} else {
				logger.Warn("failed to resolve ssh password secret", "key", key, "error", err)
			}
		}
	}
	if cfg.User.PrivateKey == "" {
		if key := os.Getenv("SHELLGATE_SSH_PRIVATE_KEY_SECRET"); key != "" {
			if v, err := mgr.Get(ctx, key); err == nil {
				cfg.User.PrivateKey = v
			} else {
				logger.Warn("failed to resolve ssh private key secret", "key", key, "error", err)
			}
		}
	}
	if cfg.SSO.ClientSecret == "" {
		if key := os.Getenv("SHELLGATE_SSO_CLIENT_SECRET_SECRET"); key != "" {
			if v, err := mgr.Get(ctx, key); err == nil {
				cfg.SSO.ClientSecret = v
			} else {
				logger.Warn("failed to resolve sso client secret", "key", key, "error", err)
			}
		}
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func handleReadyz(w http.ResponseWriter, r *http.Request, trustStore *db.DB) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ready := true
	checks := map[string]any{}
	if trustStore == nil {
		checks["database"] = map[string]string{"status": "not configured"}
	} else if err := trustStore.Ping(); err != nil {
		ready = false
		checks["database"] = map[string]string{"status": "unhealthy", "error": err.Error()}
	} else {
		checks["database"] = map[string]string{"status": "healthy"}
	}

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{"ready": ready, "checks": checks})
}

func handleDiagnostics(w http.ResponseWriter, r *http.Request, collector *diagnostics.Collector) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", "attachment; filename=shellgate-diagnostics.tar.gz")
	if err := collector.WriteTarGz(r.Context(), w); err != nil {
		http.Error(w, "failed to build diagnostics bundle", http.StatusInternalServerError)
	}
}

var shellTemplate = template.Must(template.New("shell").Parse(`<!DOCTYPE html>
<html>
<head><title>shellgate</title></head>
<body data-session-id="{{.SessionID}}">
<script>window.SHELLGATE_SESSION_ID = {{.SessionID | printf "%q"}};</script>
<p>shellgate terminal client bundle is served externally; this is a bootstrap shell.</p>
</body>
</html>`))

// renderShell is a minimal bootstrap page. The real browser client bundle
// is an external collaborator (spec §1's explicit non-goal) — this stub
// only carries enough markup to bootstrap the session id into the page.
func renderShell(w http.ResponseWriter, r *http.Request, sessionID string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = shellTemplate.Execute(w, struct{ SessionID string }{sessionID})
}
