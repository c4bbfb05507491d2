// Package store holds the process-wide SessionStore: an in-memory map from
// session id to SessionState, mutated only through dispatch, with a bounded
// per-session action log and a subscribe/notify mechanism. Grounded on the
// teacher's session-manager map+mutex shape and its reducer/transition
// discipline.
package store

import "time"

// AuthStatus is the monotonic auth lifecycle within one attempt.
type AuthStatus string

const (
	AuthPending        AuthStatus = "pending"
	AuthAuthenticating AuthStatus = "authenticating"
	AuthAuthenticated  AuthStatus = "authenticated"
	AuthFailed         AuthStatus = "failed"
)

// AuthMethod records which credential source an attempt used.
type AuthMethod string

const (
	AuthMethodNone        AuthMethod = "none"
	AuthMethodBasic       AuthMethod = "basic"
	AuthMethodPost        AuthMethod = "post"
	AuthMethodSSO         AuthMethod = "sso"
	AuthMethodInteractive AuthMethod = "interactive"
)

// ConnectionStatus is the lifecycle of the outbound SSH connection.
type ConnectionStatus string

const (
	ConnIdle       ConnectionStatus = "idle"
	ConnConnecting ConnectionStatus = "connecting"
	ConnConnected  ConnectionStatus = "connected"
	ConnClosed     ConnectionStatus = "closed"
	ConnError      ConnectionStatus = "error"
)

// AuthState is the session's authentication sub-state.
type AuthState struct {
	Status       AuthStatus
	Method       AuthMethod
	Username     string
	ErrorMessage string
	AttemptedAt  time.Time
}

// SSHCredentials is the write-only, intended SSH target and secret material.
// Never echoed back to the client; always masked before logging.
type SSHCredentials struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
	Term       string
}

// ConnectionState is the outbound SSH connection's sub-state.
type ConnectionState struct {
	Status         ConnectionStatus
	Host           string
	Port           int
	ConnectionID   string
	LastActivityAt time.Time
	ErrorMessage   string
}

// TerminalState is the PTY's dimensions and environment.
type TerminalState struct {
	Term        string
	Rows        int
	Cols        int
	Environment map[string]string
	Cwd         string
}

// Overrides carries session-scoped display/behavior overrides from query
// params or POST body (spec §3 SessionState.overrides).
type Overrides struct {
	HeaderText       string
	HeaderBackground string
	HeaderStyle      string
	AllowReplay      *bool
	ReadyTimeout     time.Duration
	EnvVars          map[string]string
}

// Metadata is request/session bookkeeping, never part of the authentication
// decision itself.
type Metadata struct {
	ClientIP  string
	UserAgent string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionState is one session's full state, as described in spec §3. It is
// always accessed through the Store; callers never get a mutable pointer
// into the store's own copy.
type SessionState struct {
	ID             string
	Auth           AuthState
	SSHCredentials SSHCredentials
	Connection     ConnectionState
	Terminal       TerminalState
	Overrides      Overrides
	Metadata       Metadata
}

// clone returns a deep-enough copy for structural-sharing comparisons: map
// fields are copied so a reducer can mutate the clone without touching the
// state the store still holds until the dispatch commits.
func (s SessionState) clone() SessionState {
	next := s
	if s.Terminal.Environment != nil {
		next.Terminal.Environment = make(map[string]string, len(s.Terminal.Environment))
		for k, v := range s.Terminal.Environment {
			next.Terminal.Environment[k] = v
		}
	}
	if s.Overrides.EnvVars != nil {
		next.Overrides.EnvVars = make(map[string]string, len(s.Overrides.EnvVars))
		for k, v := range s.Overrides.EnvVars {
			next.Overrides.EnvVars[k] = v
		}
	}
	return next
}

func newSessionState(id string, now time.Time) SessionState {
	return SessionState{
		ID: id,
		Auth: AuthState{
			Status: AuthPending,
			Method: AuthMethodNone,
		},
		Connection: ConnectionState{
			Status: ConnIdle,
		},
		Terminal: TerminalState{
			Environment: map[string]string{},
		},
		Metadata: Metadata{
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
}
