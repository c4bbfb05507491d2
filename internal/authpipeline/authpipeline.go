// Package authpipeline drives credential selection and SSH authentication
// for one ConnectionAdapter. It is the Go-native state machine for spec
// §4.4: Idle → Gathering → Attempting → (AwaitingInteractive)* →
// Authenticated | Failed.
package authpipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rjsadow/shellgate/internal/sshclient"
)

// State is one node of the AuthPipeline state machine.
type State string

const (
	StateIdle               State = "idle"
	StateGathering          State = "gathering"
	StateAttempting         State = "attempting"
	StateAwaitingInteractive State = "awaiting-interactive"
	StateAuthenticated      State = "authenticated"
	StateFailed             State = "failed"
)

// Method identifies which credential source ultimately succeeded.
type Method string

const (
	MethodNone        Method = "none"
	MethodConfigDefault Method = "config-default"
	MethodSessionAttached Method = "session-attached"
	MethodInteractive  Method = "interactive"
)

// MaxInteractiveAttempts bounds retries of AuthError with fresh interactive
// credentials. NetworkError/TimeoutError are never retried (spec §4.4).
const MaxInteractiveAttempts = 3

// PromptRequest is what the pipeline asks the socket layer to show the
// user: a password form or a keyboard-interactive multi-prompt form.
type PromptRequest struct {
	Type        string // "password" | "keyboard-interactive"
	Name        string
	Instruction string
	Prompts     []string
	Echos       []bool
}

// PromptResponder is implemented by the socket layer: it emits a `prompt`
// event and resolves with the client's `prompt-response`.
type PromptResponder func(ctx context.Context, req PromptRequest) ([]string, error)

// Result is handed to the ConnectionAdapter on success.
type Result struct {
	Client   *sshclient.Client
	Username string
	Method   Method
}

// CredentialSource supplies credentials for one of the three priority
// sources spec §4.4 names. A source returns ok=false when it has nothing to
// offer (the pipeline moves on to the next source).
type CredentialSource struct {
	Method Method
	Get    func() (sshclient.Credentials, bool)
}

// Pipeline runs the selection/attempt loop for a single authentication.
type Pipeline struct {
	mu    sync.Mutex
	state State

	allowedAuthMethods     []string
	disableInteractiveAuth bool
	maxAttempts            int
	promptTimeout          time.Duration

	connectOpts sshclient.Options
}

// Config configures a Pipeline from SPEC_FULL.md's SSHConfig fields.
type Config struct {
	AllowedAuthMethods     []string
	DisableInteractiveAuth bool
	MaxInteractiveAttempts int
	PromptTimeout          time.Duration
	ConnectOptions         sshclient.Options
}

// New builds a Pipeline in state Idle.
func New(cfg Config) *Pipeline {
	maxAttempts := cfg.MaxInteractiveAttempts
	if maxAttempts <= 0 {
		maxAttempts = MaxInteractiveAttempts
	}
	promptTimeout := cfg.PromptTimeout
	if promptTimeout <= 0 {
		promptTimeout = 60 * time.Second
	}
	return &Pipeline{
		state:                  StateIdle,
		allowedAuthMethods:     cfg.AllowedAuthMethods,
		disableInteractiveAuth: cfg.DisableInteractiveAuth,
		maxAttempts:            maxAttempts,
		promptTimeout:          promptTimeout,
		connectOpts:            cfg.ConnectOptions,
	}
}

// State returns the pipeline's current node, for diagnostics.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Authenticate probes credential sources in priority order, driving
// sshclient.Connect until it succeeds, exhausts retries, or hits a
// non-retryable failure class.
//
// sources must be supplied in priority order: config-default first,
// session-attached second. A respond function for interactive prompts is
// optional — pass nil to skip that source entirely (e.g. for the router's
// pre-flight validate-only check).
func (p *Pipeline) Authenticate(ctx context.Context, sources []CredentialSource, respond PromptResponder) (*Result, error) {
	p.setState(StateGathering)

	for _, src := range sources {
		creds, ok := src.Get()
		if !ok {
			continue
		}
		result, err := p.attempt(ctx, creds, src.Method, respond)
		if err == nil {
			return result, nil
		}
		var classified *sshclient.ClassifiedError
		if errors.As(err, &classified) && (classified.Kind == sshclient.ErrNetwork || classified.Kind == sshclient.ErrTimeout) {
			p.setState(StateFailed)
			return nil, err
		}
		// AuthError from a non-interactive source: fall through to the next
		// source rather than retrying it blindly.
	}

	if p.disableInteractiveAuth || respond == nil {
		p.setState(StateFailed)
		return nil, sshclient.ClassifyAuthError(errors.New("credentials required"))
	}

	if !p.methodAllowed(string(MethodInteractive)) {
		p.setState(StateFailed)
		return nil, sshclient.ClassifyAuthError(errors.New("interactive auth method not permitted"))
	}

	var lastErr error
	for i := 0; i < p.maxAttempts; i++ {
		p.setState(StateAwaitingInteractive)

		promptCtx, cancel := context.WithTimeout(ctx, p.promptTimeout)
		answers, err := respond(promptCtx, PromptRequest{
			Type:    "password",
			Name:    "SSH Authentication",
			Prompts: []string{"Password"},
			Echos:   []bool{false},
		})
		cancel()
		if err != nil {
			p.setState(StateFailed)
			return nil, fmt.Errorf("authpipeline: interactive prompt failed: %w", err)
		}
		if len(answers) == 0 {
			p.setState(StateFailed)
			return nil, sshclient.ClassifyAuthError(errors.New("no credentials supplied"))
		}

		creds := sshclient.Credentials{Password: answers[0]}
		result, err := p.attempt(ctx, creds, MethodInteractive, respond)
		if err == nil {
			return result, nil
		}

		var classified *sshclient.ClassifiedError
		if errors.As(err, &classified) && classified.Kind != sshclient.ErrAuth {
			p.setState(StateFailed)
			return nil, err
		}
		lastErr = err
	}

	p.setState(StateFailed)
	if lastErr == nil {
		lastErr = sshclient.ClassifyAuthError(errors.New("interactive authentication exhausted"))
	}
	return nil, lastErr
}

// KeyboardInteractiveChallenge returns the callback sshclient invokes during
// Connect for each keyboard-interactive round the SSH server issues. Each
// round is forwarded to respond as a "keyboard-interactive" PromptRequest,
// bounded by the pipeline's prompt timeout.
func (p *Pipeline) KeyboardInteractiveChallenge(respond PromptResponder) func(name, instruction string, questions []string, echos []bool) ([]string, error) {
	return func(name, instruction string, questions []string, echos []bool) ([]string, error) {
		if respond == nil {
			return nil, errors.New("authpipeline: no interactive responder configured")
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.promptTimeout)
		defer cancel()
		return respond(ctx, PromptRequest{
			Type:        "keyboard-interactive",
			Name:        name,
			Instruction: instruction,
			Prompts:     questions,
			Echos:       echos,
		})
	}
}

func (p *Pipeline) attempt(ctx context.Context, creds sshclient.Credentials, method Method, respond PromptResponder) (*Result, error) {
	p.setState(StateAttempting)

	opts := p.connectOpts
	if respond != nil {
		opts.InteractiveChallenge = p.KeyboardInteractiveChallenge(respond)
	}

	client := sshclient.New()
	if err := client.Connect(ctx, creds, opts); err != nil {
		client.End()
		return nil, err
	}

	p.setState(StateAuthenticated)
	return &Result{Client: client, Username: creds.Username, Method: method}, nil
}

func (p *Pipeline) methodAllowed(method string) bool {
	if len(p.allowedAuthMethods) == 0 {
		return true
	}
	for _, m := range p.allowedAuthMethods {
		if m == method {
			return true
		}
	}
	return false
}

// Validate performs the router's pre-flight check (spec §4.6): connect then
// immediately end, without ever opening a shell or touching the session
// store. Only non-interactive sources are probed — a pre-flight check that
// blocked on a browser prompt would defeat the point of a synchronous HTTP
// response.
func Validate(ctx context.Context, sources []CredentialSource, opts sshclient.Options) error {
	p := New(Config{ConnectOptions: opts})
	result, err := p.Authenticate(ctx, sources, nil)
	if err != nil {
		return err
	}
	result.Client.End()
	return nil
}
