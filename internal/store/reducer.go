package store

import "time"

// ActionType names the action kinds the reducer understands. Unknown types
// are a no-op, matching spec §4.2's "dispatch to an unknown id is a no-op"
// failure model extended to unknown action types within a known session.
type ActionType string

const (
	ActionAuthStart          ActionType = "AUTH_START"
	ActionAuthSuccess        ActionType = "AUTH_SUCCESS"
	ActionAuthFail           ActionType = "AUTH_FAIL"
	ActionAuthLogout         ActionType = "AUTH_LOGOUT"
	ActionSetCredentials     ActionType = "SET_CREDENTIALS"
	ActionClearCredentials   ActionType = "CLEAR_CREDENTIALS"
	ActionReauth             ActionType = "REAUTH"
	ActionConnConnecting     ActionType = "CONN_CONNECTING"
	ActionConnConnected      ActionType = "CONN_CONNECTED"
	ActionConnClosed         ActionType = "CONN_CLOSED"
	ActionConnError          ActionType = "CONN_ERROR"
	ActionSetTerminal        ActionType = "SET_TERMINAL"
	ActionResize             ActionType = "RESIZE"
	ActionSessionEnd         ActionType = "SESSION_END"
)

// Action is dispatched against one session's state. Payload is a concrete
// per-action-type struct (see below); the reducer type-switches on it.
type Action struct {
	Type    ActionType
	Payload any
}

// AuthStartPayload begins a fresh auth attempt.
type AuthStartPayload struct {
	Method AuthMethod
}

// AuthSuccessPayload records a completed, successful attempt.
type AuthSuccessPayload struct {
	Username string
	Method   AuthMethod
}

// AuthFailPayload records a completed, failed attempt.
type AuthFailPayload struct {
	ErrorMessage string
}

// SetCredentialsPayload writes the intended SSH target/credentials.
type SetCredentialsPayload struct {
	Credentials SSHCredentials
}

// ConnConnectingPayload begins a connection attempt.
type ConnConnectingPayload struct {
	Host string
	Port int
}

// ConnConnectedPayload records a successful connection.
type ConnConnectedPayload struct {
	ConnectionID string
}

// ConnErrorPayload records a connection failure.
type ConnErrorPayload struct {
	ErrorMessage string
}

// SetTerminalPayload sets term/dimensions/environment/cwd; zero-value fields
// (empty string, nil map, zero int) are left unchanged.
type SetTerminalPayload struct {
	Term        string
	Rows        int
	Cols        int
	Environment map[string]string
	Cwd         string
}

// ResizePayload applies bounded window-change dimensions.
type ResizePayload struct {
	Rows int
	Cols int
}

// reduce applies one action to a cloned state via the four sub-reducers in
// order, matching spec §4.2's reducer composition. It returns the clone and
// whether any sub-reducer changed it; Store.Dispatch commits the clone and
// notifies listeners only when that flag is true.
func reduce(state SessionState, action Action) (SessionState, bool) {
	next := state.clone()

	changed := false
	changed = reduceAuth(&next, action) || changed
	changed = reduceCredentials(&next, action) || changed
	changed = reduceConnection(&next, action) || changed
	changed = reduceTerminal(&next, action) || changed

	if action.Type == ActionSessionEnd {
		next.Connection.Status = ConnClosed
		changed = true
	}

	return next, changed
}

func reduceAuth(s *SessionState, action Action) bool {
	switch action.Type {
	case ActionAuthStart:
		p, ok := action.Payload.(AuthStartPayload)
		if !ok {
			return false
		}
		s.Auth = AuthState{
			Status:      AuthAuthenticating,
			Method:      p.Method,
			AttemptedAt: time.Now(),
		}
		return true

	case ActionAuthSuccess:
		p, ok := action.Payload.(AuthSuccessPayload)
		if !ok {
			return false
		}
		s.Auth.Status = AuthAuthenticated
		s.Auth.Method = p.Method
		s.Auth.Username = p.Username
		s.Auth.ErrorMessage = ""
		return true

	case ActionAuthFail:
		p, ok := action.Payload.(AuthFailPayload)
		if !ok {
			return false
		}
		s.Auth.Status = AuthFailed
		s.Auth.ErrorMessage = p.ErrorMessage
		return true

	case ActionAuthLogout, ActionReauth:
		s.Auth = AuthState{Status: AuthPending, Method: AuthMethodNone}
		return true
	}
	return false
}

func reduceCredentials(s *SessionState, action Action) bool {
	switch action.Type {
	case ActionSetCredentials:
		p, ok := action.Payload.(SetCredentialsPayload)
		if !ok {
			return false
		}
		s.SSHCredentials = p.Credentials
		return true

	case ActionAuthLogout:
		host, port := s.SSHCredentials.Host, s.SSHCredentials.Port
		s.SSHCredentials = SSHCredentials{Host: host, Port: port}
		return true

	case ActionReauth:
		// The safer default (DESIGN.md Open Question #1): always clear the
		// retained plaintext password on reauth, regardless of allowReplay.
		s.SSHCredentials.Password = ""
		return true

	case ActionClearCredentials:
		host, port := s.SSHCredentials.Host, s.SSHCredentials.Port
		s.SSHCredentials = SSHCredentials{Host: host, Port: port}
		return true
	}
	return false
}

func reduceConnection(s *SessionState, action Action) bool {
	switch action.Type {
	case ActionConnConnecting:
		p, ok := action.Payload.(ConnConnectingPayload)
		if !ok {
			return false
		}
		s.Connection = ConnectionState{
			Status:         ConnConnecting,
			Host:           p.Host,
			Port:           p.Port,
			LastActivityAt: time.Now(),
		}
		return true

	case ActionConnConnected:
		p, ok := action.Payload.(ConnConnectedPayload)
		if !ok {
			return false
		}
		s.Connection.Status = ConnConnected
		s.Connection.ConnectionID = p.ConnectionID
		s.Connection.LastActivityAt = time.Now()
		s.Connection.ErrorMessage = ""
		return true

	case ActionConnClosed:
		s.Connection.Status = ConnClosed
		s.Connection.ConnectionID = ""
		return true

	case ActionConnError:
		p, ok := action.Payload.(ConnErrorPayload)
		if !ok {
			return false
		}
		s.Connection.Status = ConnError
		s.Connection.ErrorMessage = p.ErrorMessage
		return true
	}
	return false
}

func reduceTerminal(s *SessionState, action Action) bool {
	switch action.Type {
	case ActionSetTerminal:
		p, ok := action.Payload.(SetTerminalPayload)
		if !ok {
			return false
		}
		changed := false
		if p.Term != "" && p.Term != s.Terminal.Term {
			s.Terminal.Term = p.Term
			changed = true
		}
		if p.Rows > 0 && p.Rows != s.Terminal.Rows {
			s.Terminal.Rows = clampDimension(p.Rows)
			changed = true
		}
		if p.Cols > 0 && p.Cols != s.Terminal.Cols {
			s.Terminal.Cols = clampDimension(p.Cols)
			changed = true
		}
		if p.Environment != nil {
			s.Terminal.Environment = p.Environment
			changed = true
		}
		if p.Cwd != "" && p.Cwd != s.Terminal.Cwd {
			s.Terminal.Cwd = p.Cwd
			changed = true
		}
		return changed

	case ActionResize:
		p, ok := action.Payload.(ResizePayload)
		if !ok {
			return false
		}
		rows, cols := clampDimension(p.Rows), clampDimension(p.Cols)
		if rows == s.Terminal.Rows && cols == s.Terminal.Cols {
			return false
		}
		s.Terminal.Rows = rows
		s.Terminal.Cols = cols
		return true
	}
	return false
}

func clampDimension(v int) int {
	if v < 1 {
		return 1
	}
	if v > 1000 {
		return 1000
	}
	return v
}
