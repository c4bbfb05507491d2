package authpipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rjsadow/shellgate/internal/sshclient"
)

func noSources() []CredentialSource { return nil }

func TestAuthenticateFailsWithoutSourcesOrInteractive(t *testing.T) {
	p := New(Config{DisableInteractiveAuth: true})
	_, err := p.Authenticate(context.Background(), noSources(), nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var classified *sshclient.ClassifiedError
	if !errors.As(err, &classified) || classified.Kind != sshclient.ErrAuth {
		t.Fatalf("expected AuthError, got %v", err)
	}
	if p.State() != StateFailed {
		t.Fatalf("expected state Failed, got %s", p.State())
	}
}

func TestAuthenticateRejectsDisallowedInteractiveMethod(t *testing.T) {
	p := New(Config{AllowedAuthMethods: []string{"password"}})
	respond := func(ctx context.Context, req PromptRequest) ([]string, error) {
		t.Fatal("respond should not be called when interactive isn't an allowed method")
		return nil, nil
	}
	_, err := p.Authenticate(context.Background(), noSources(), respond)
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestAuthenticateStopsOnNetworkErrorWithoutRetry(t *testing.T) {
	calls := 0
	src := CredentialSource{
		Method: MethodConfigDefault,
		Get: func() (sshclient.Credentials, bool) {
			calls++
			return sshclient.Credentials{Host: "203.0.113.5", Port: 22, Username: "root", Password: "x"}, true
		},
	}
	p := New(Config{ConnectOptions: sshclient.Options{ReadyTimeout: 1 * time.Millisecond}})

	respondCalled := false
	respond := func(ctx context.Context, req PromptRequest) ([]string, error) {
		respondCalled = true
		return []string{"x"}, nil
	}

	_, err := p.Authenticate(context.Background(), []CredentialSource{src}, respond)
	if err == nil {
		t.Fatal("expected error connecting to an unreachable test address")
	}
	if calls != 1 {
		t.Fatalf("expected config-default source probed exactly once, got %d", calls)
	}
	if respondCalled {
		t.Fatal("network/timeout errors must not fall through to interactive retry")
	}
}

func TestAuthenticateProbesSourcesInPriorityOrder(t *testing.T) {
	order := []string{}
	configSrc := CredentialSource{
		Method: MethodConfigDefault,
		Get: func() (sshclient.Credentials, bool) {
			order = append(order, "config")
			return sshclient.Credentials{}, false
		},
	}
	sessionSrc := CredentialSource{
		Method: MethodSessionAttached,
		Get: func() (sshclient.Credentials, bool) {
			order = append(order, "session")
			return sshclient.Credentials{}, false
		},
	}

	p := New(Config{DisableInteractiveAuth: true})
	_, err := p.Authenticate(context.Background(), []CredentialSource{configSrc, sessionSrc}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != "config" || order[1] != "session" {
		t.Fatalf("expected sources probed in priority order, got %v", order)
	}
}

func TestKeyboardInteractiveChallengeRequiresResponder(t *testing.T) {
	p := New(Config{})
	challenge := p.KeyboardInteractiveChallenge(nil)
	_, err := challenge("name", "instruction", []string{"Password:"}, []bool{false})
	if err == nil {
		t.Fatal("expected error when no responder is configured")
	}
}

func TestValidateReturnsErrorForEmptySources(t *testing.T) {
	err := Validate(context.Background(), noSources(), sshclient.Options{})
	if err == nil {
		t.Fatal("expected error")
	}
}
