package store

import (
	"sync"
	"testing"
	"time"
)

func TestCreateSessionIdempotent(t *testing.T) {
	st := New()
	a := st.CreateSession("s1")
	st.Dispatch("s1", Action{Type: ActionAuthStart, Payload: AuthStartPayload{Method: AuthMethodBasic}})
	b := st.CreateSession("s1")

	if a.ID != b.ID {
		t.Fatalf("expected same session id, got %q and %q", a.ID, b.ID)
	}
	if b.Auth.Status != AuthAuthenticating {
		t.Fatalf("expected CreateSession to return the existing (mutated) state, got %+v", b.Auth)
	}
}

func TestDispatchUnknownSessionIsNoop(t *testing.T) {
	st := New()
	st.Dispatch("missing", Action{Type: ActionAuthStart, Payload: AuthStartPayload{Method: AuthMethodBasic}})
	if _, ok := st.GetState("missing"); ok {
		t.Fatal("expected unknown session to remain absent")
	}
}

func TestAuthMonotonicTransitions(t *testing.T) {
	st := New()
	st.CreateSession("s1")

	st.Dispatch("s1", Action{Type: ActionAuthStart, Payload: AuthStartPayload{Method: AuthMethodBasic}})
	state, _ := st.GetState("s1")
	if state.Auth.Status != AuthAuthenticating {
		t.Fatalf("got %v, want authenticating", state.Auth.Status)
	}

	st.Dispatch("s1", Action{Type: ActionAuthSuccess, Payload: AuthSuccessPayload{Username: "root", Method: AuthMethodBasic}})
	state, _ = st.GetState("s1")
	if state.Auth.Status != AuthAuthenticated || state.Auth.Username != "root" {
		t.Fatalf("got %+v, want authenticated root", state.Auth)
	}
}

func TestConnectionInvariantRequiresAuthenticated(t *testing.T) {
	st := New()
	st.CreateSession("s1")
	st.Dispatch("s1", Action{Type: ActionAuthStart, Payload: AuthStartPayload{Method: AuthMethodBasic}})
	st.Dispatch("s1", Action{Type: ActionAuthSuccess, Payload: AuthSuccessPayload{Username: "root", Method: AuthMethodBasic}})
	st.Dispatch("s1", Action{Type: ActionConnConnected, Payload: ConnConnectedPayload{ConnectionID: "c1"}})

	state, _ := st.GetState("s1")
	if state.Connection.Status == ConnConnected && (state.Auth.Status != AuthAuthenticated || state.Connection.ConnectionID == "") {
		t.Fatalf("invariant violated: %+v", state)
	}
}

func TestReauthClearsPasswordKeepsHostPort(t *testing.T) {
	st := New()
	st.CreateSession("s1")
	allow := true
	st.Dispatch("s1", Action{Type: ActionSetCredentials, Payload: SetCredentialsPayload{
		Credentials: SSHCredentials{Host: "h", Port: 22, Username: "root", Password: "hunter2"},
	}})
	st.Dispatch("s1", Action{Type: "SET_OVERRIDES_NOOP"}) // unknown action type: must be a no-op
	_ = allow

	st.Dispatch("s1", Action{Type: ActionReauth})
	state, _ := st.GetState("s1")
	if state.SSHCredentials.Password != "" {
		t.Fatalf("expected password cleared on reauth, got %q", state.SSHCredentials.Password)
	}
	if state.SSHCredentials.Host != "h" || state.SSHCredentials.Port != 22 {
		t.Fatalf("expected host/port retained, got %+v", state.SSHCredentials)
	}
}

func TestClearCredentialsIdempotent(t *testing.T) {
	st := New()
	st.CreateSession("s1")
	st.Dispatch("s1", Action{Type: ActionSetCredentials, Payload: SetCredentialsPayload{
		Credentials: SSHCredentials{Host: "h", Port: 22, Username: "root", Password: "hunter2"},
	}})

	st.Dispatch("s1", Action{Type: ActionClearCredentials})
	first, _ := st.GetState("s1")
	st.Dispatch("s1", Action{Type: ActionClearCredentials})
	second, _ := st.GetState("s1")

	if first.SSHCredentials != second.SSHCredentials {
		t.Fatalf("expected idempotent clear-credentials, got %+v then %+v", first.SSHCredentials, second.SSHCredentials)
	}
}

func TestResizeClampsDimensions(t *testing.T) {
	st := New()
	st.CreateSession("s1")
	st.Dispatch("s1", Action{Type: ActionResize, Payload: ResizePayload{Rows: 5000, Cols: 0}})
	state, _ := st.GetState("s1")
	if state.Terminal.Rows != 1000 || state.Terminal.Cols != 1 {
		t.Fatalf("expected clamped dimensions, got %+v", state.Terminal)
	}
}

func TestSubscribeReceivesNewAndPrevState(t *testing.T) {
	st := New()
	st.CreateSession("s1")

	var mu sync.Mutex
	var gotPrev, gotNext AuthStatus
	unsub := st.Subscribe("s1", func(next, prev SessionState) {
		mu.Lock()
		defer mu.Unlock()
		gotPrev, gotNext = prev.Auth.Status, next.Auth.Status
	})
	defer unsub()

	st.Dispatch("s1", Action{Type: ActionAuthStart, Payload: AuthStartPayload{Method: AuthMethodBasic}})

	mu.Lock()
	defer mu.Unlock()
	if gotPrev != AuthPending || gotNext != AuthAuthenticating {
		t.Fatalf("got prev=%v next=%v", gotPrev, gotNext)
	}
}

func TestListenerPanicDoesNotAffectOthers(t *testing.T) {
	st := New()
	st.CreateSession("s1")

	var called bool
	st.Subscribe("s1", func(next, prev SessionState) {
		panic("boom")
	})
	st.Subscribe("s1", func(next, prev SessionState) {
		called = true
	})

	st.Dispatch("s1", Action{Type: ActionAuthStart, Payload: AuthStartPayload{Method: AuthMethodBasic}})

	if !called {
		t.Fatal("expected second listener to still run despite first panicking")
	}
}

func TestRemoveSessionEndsThenDrops(t *testing.T) {
	st := New()
	st.CreateSession("s1")
	st.RemoveSession("s1")
	if _, ok := st.GetState("s1"); ok {
		t.Fatal("expected session to be removed")
	}
}

func TestActionHistoryBounded(t *testing.T) {
	st := New()
	st.CreateSession("s1")
	for i := 0; i < DefaultActionHistoryLimit+10; i++ {
		st.Dispatch("s1", Action{Type: ActionResize, Payload: ResizePayload{Rows: 24, Cols: 80}})
	}
	hist := st.GetActionHistory("s1")
	if len(hist) != DefaultActionHistoryLimit {
		t.Fatalf("got %d entries, want %d", len(hist), DefaultActionHistoryLimit)
	}
}

func TestReducerReturnsUnchangedOnNoopAction(t *testing.T) {
	before := newSessionState("s1", time.Now())
	after, changed := reduce(before, Action{Type: "UNKNOWN_ACTION"})
	if changed {
		t.Fatal("expected no change for unknown action type")
	}
	if after.Auth != before.Auth {
		t.Fatalf("expected unchanged auth state, got %+v", after.Auth)
	}
}
