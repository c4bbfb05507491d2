// Package adapter implements ConnectionAdapter (spec §4.5): the per-socket
// state machine wiring one client transport to one SSHClient — PTY shell,
// exec, backpressure, resize, credential replay, and teardown.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rjsadow/shellgate/internal/authpipeline"
	"github.com/rjsadow/shellgate/internal/sshclient"
	"github.com/rjsadow/shellgate/internal/store"
)

// State is one node of the adapter's state machine.
type State string

const (
	StateInit           State = "init"
	StateAuthenticating State = "authenticating"
	StateShell          State = "shell"
	StateExec           State = "exec"
	StateClosed         State = "closed"
)

// Transport is the minimal surface ConnectionAdapter needs from whatever
// carries socket events to the browser (gateway's WebSocket connection).
// BufferedAmount reports the transport's outbound buffer size
// in bytes; ok is false when the transport doesn't expose the metric.
type Transport interface {
	Emit(event string, payload any) error
	BufferedAmount() (amount int, ok bool)
	Close() error
}

// Credentials mirrors spec §4.5's `authenticate` event payload.
type Credentials = sshclient.Credentials

// TerminalRequest mirrors the `terminal` event payload.
type TerminalRequest struct {
	Term string
	Rows int
	Cols int
	Env  map[string]string
}

// ResizeRequest mirrors the `resize` event payload.
type ResizeRequest struct {
	Rows int
	Cols int
}

// ExecRequest mirrors the `exec` event payload.
type ExecRequest struct {
	Command   string
	PTY       bool
	Term      string
	Rows      int
	Cols      int
	Env       map[string]string
	TimeoutMs int
}

// Config bundles the parts of SPEC_FULL.md's SSHConfig the adapter needs at
// construction.
type Config struct {
	SocketHighWaterMark       int
	MaxExecOutputBytes        int64
	OutputRateLimitBytesPerSec int
	AllowReplay               bool
	ReplayCRLF                bool
	PromptTimeout             time.Duration
	ConnectOptions            sshclient.Options
}

// Adapter is one socket's ConnectionAdapter.
type Adapter struct {
	mu    sync.Mutex
	state State

	sessionID string
	socketID  string

	store     *store.Store
	transport Transport
	pipeline  *authpipeline.Pipeline
	prompts   *PromptTracker
	logger    *slog.Logger

	cfg Config

	client  *sshclient.Client
	shellIn io.Writer

	paused       bool
	readGate     chan struct{} // non-nil while paused; closed by resumeShellRead to release the reader
	pendingRows  int
	pendingCols  int
	hasPending   bool

	retainedPassword string

	closeOnce sync.Once
	closed    chan struct{}

	resumeTimer *time.Timer
}

// New constructs an Adapter bound to sessionID/socketID. It does not
// contact the SSH server or the client transport; call Run or individual
// Handle* methods to drive it.
func New(sessionID, socketID string, st *store.Store, transport Transport, pipeline *authpipeline.Pipeline, cfg Config, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SocketHighWaterMark <= 0 {
		cfg.SocketHighWaterMark = 16 * 1024
	}
	if cfg.MaxExecOutputBytes <= 0 {
		cfg.MaxExecOutputBytes = 10 * 1024 * 1024
	}
	return &Adapter{
		state:     StateInit,
		sessionID: sessionID,
		socketID:  socketID,
		store:     st,
		transport: transport,
		pipeline:  pipeline,
		prompts:   NewPromptTracker(),
		logger:    logger.With("session_id", sessionID, "socket_id", socketID),
		cfg:       cfg,
		closed:    make(chan struct{}),
	}
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// HandleAuthenticate models the inbound `authenticate` event: it runs
// AuthPipeline over the caller-supplied sources in the order given, and
// supplies this adapter's own prompt responder for the interactive source.
func (a *Adapter) HandleAuthenticate(ctx context.Context, sources []authpipeline.CredentialSource) error {
	a.setState(StateAuthenticating)
	a.store.Dispatch(a.sessionID, store.Action{Type: store.ActionAuthStart, Payload: store.AuthStartPayload{Method: store.AuthMethodInteractive}})

	respond := a.promptResponder()
	result, err := a.pipeline.Authenticate(ctx, sources, respond)
	if err != nil {
		msg := classifyMessage(err)
		a.store.Dispatch(a.sessionID, store.Action{Type: store.ActionAuthFail, Payload: store.AuthFailPayload{ErrorMessage: msg}})
		_ = a.transport.Emit("auth-result", authResultPayload{Success: false, Message: msg})
		return err
	}

	a.mu.Lock()
	a.client = result.Client
	a.mu.Unlock()

	a.store.Dispatch(a.sessionID, store.Action{Type: store.ActionAuthSuccess, Payload: store.AuthSuccessPayload{Username: result.Username, Method: store.AuthMethod(result.Method)}})
	_ = a.transport.Emit("auth-result", authResultPayload{Success: true})

	return a.openShell(result.Client)
}

func (a *Adapter) openShell(client *sshclient.Client) error {
	state, ok := a.store.GetState(a.sessionID)
	if !ok {
		return errors.New("adapter: session vanished before shell open")
	}

	a.mu.Lock()
	rows, cols := state.Terminal.Rows, state.Terminal.Cols
	if a.hasPending {
		rows, cols = a.pendingRows, a.pendingCols
	}
	a.mu.Unlock()

	stdout, stdin, err := client.Shell(sshclient.ShellOptions{Term: state.Terminal.Term, Rows: rows, Cols: cols}, state.Terminal.Environment)
	if err != nil {
		a.store.Dispatch(a.sessionID, store.Action{Type: store.ActionConnError, Payload: store.ConnErrorPayload{ErrorMessage: err.Error()}})
		return err
	}

	a.mu.Lock()
	a.shellIn = stdin
	a.mu.Unlock()

	a.store.Dispatch(a.sessionID, store.Action{Type: store.ActionConnConnected, Payload: store.ConnConnectedPayload{ConnectionID: a.socketID}})
	a.setState(StateShell)

	go a.pumpShellOutput(stdout)
	return nil
}

// pumpShellOutput forwards shell bytes to the transport as ssh-data events,
// applying the backpressure policy after each emission (spec §4.5: data is
// always forwarded first, then the policy is evaluated).
func (a *Adapter) pumpShellOutput(r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		a.waitWhilePaused()
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			_ = a.transport.Emit("ssh-data", chunk)
			a.evaluateBackpressure()
		}
		if err != nil {
			a.teardown("shell closed: " + err.Error())
			return
		}
	}
}

func (a *Adapter) evaluateBackpressure() {
	amount, ok := a.transport.BufferedAmount()
	var amountPtr *int
	if ok {
		amountPtr = &amount
	}

	a.mu.Lock()
	paused := a.paused
	action := computeBackpressureAction(amountPtr, a.cfg.SocketHighWaterMark, paused)
	switch action {
	case BackpressurePause:
		a.paused = true
	case BackpressureResume:
		a.paused = false
	}
	a.mu.Unlock()

	switch action {
	case BackpressurePause:
		a.pauseShellRead()
		a.startResumePoll()
	case BackpressureResume:
		a.resumeShellRead()
	}
}

// waitWhilePaused blocks pumpShellOutput's read loop between reads while the
// adapter is paused, so a slow client actually throttles the upstream SSH
// shell's readable side instead of just flipping a flag.
func (a *Adapter) waitWhilePaused() {
	a.mu.Lock()
	gate := a.readGate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
}

// pauseShellRead arms the gate waitWhilePaused blocks on. resumeShellRead
// closes it, releasing the reader immediately rather than waiting for the
// next 50ms poll.
func (a *Adapter) pauseShellRead() {
	a.mu.Lock()
	if a.readGate == nil {
		a.readGate = make(chan struct{})
	}
	a.mu.Unlock()
}

func (a *Adapter) resumeShellRead() {
	a.mu.Lock()
	gate := a.readGate
	a.readGate = nil
	a.mu.Unlock()
	if gate != nil {
		close(gate)
	}
}

// startResumePoll arms the 50ms poll timer spec §4.5 names for transports
// without a drain event, so a resume is never missed while paused.
func (a *Adapter) startResumePoll() {
	a.mu.Lock()
	if a.resumeTimer != nil {
		a.mu.Unlock()
		return
	}
	a.resumeTimer = time.AfterFunc(50*time.Millisecond, func() {
		a.mu.Lock()
		a.resumeTimer = nil
		stillPaused := a.paused
		a.mu.Unlock()
		if !stillPaused {
			return
		}
		a.evaluateBackpressure()
		select {
		case <-a.closed:
			return
		default:
		}
		a.mu.Lock()
		again := a.paused
		a.mu.Unlock()
		if again {
			a.startResumePoll()
		}
	})
	a.mu.Unlock()
}

func (a *Adapter) stopResumePoll() {
	a.mu.Lock()
	if a.resumeTimer != nil {
		a.resumeTimer.Stop()
		a.resumeTimer = nil
	}
	a.mu.Unlock()
}

// HandleData writes raw bytes to the shell's stdin.
func (a *Adapter) HandleData(data []byte) error {
	a.mu.Lock()
	w := a.shellIn
	a.mu.Unlock()
	if w == nil {
		return errors.New("adapter: no shell open")
	}
	_, err := w.Write(data)
	return err
}

// HandleTerminal applies a `terminal` event: updates session terminal state
// and, if a shell is already open, resizes it.
func (a *Adapter) HandleTerminal(req TerminalRequest) error {
	a.store.Dispatch(a.sessionID, store.Action{Type: store.ActionSetTerminal, Payload: store.SetTerminalPayload{
		Term: req.Term, Rows: req.Rows, Cols: req.Cols, Environment: req.Env,
	}})
	if req.Rows > 0 && req.Cols > 0 {
		return a.HandleResize(ResizeRequest{Rows: req.Rows, Cols: req.Cols})
	}
	return nil
}

// HandleResize applies a `resize` event. If a shell exists, resize it
// immediately; otherwise remember the dimensions and apply them at shell
// open time (spec §4.5's resize-before-shell-exists rule).
func (a *Adapter) HandleResize(req ResizeRequest) error {
	rows, cols := clampDim(req.Rows), clampDim(req.Cols)

	a.mu.Lock()
	client := a.client
	a.pendingRows, a.pendingCols = rows, cols
	a.hasPending = true
	a.mu.Unlock()

	a.store.Dispatch(a.sessionID, store.Action{Type: store.ActionResize, Payload: store.ResizePayload{Rows: rows, Cols: cols}})

	if client != nil {
		return client.ResizeTerminal(rows, cols)
	}
	return nil
}

func clampDim(v int) int {
	if v < 1 {
		return 1
	}
	if v > 1000 {
		return 1000
	}
	return v
}

// HandleExec opens a non-interactive exec channel, enforcing the output cap
// and rate limiter, and emits exec-data/exec-exit events.
func (a *Adapter) HandleExec(ctx context.Context, req ExecRequest) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return errors.New("adapter: not authenticated")
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 || timeout > time.Hour {
		timeout = time.Hour
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)

	handle, err := client.Exec(execCtx, req.Command, req.PTY, sshclient.ShellOptions{Term: req.Term, Rows: req.Rows, Cols: req.Cols}, req.Env)
	if err != nil {
		cancel()
		return err
	}

	a.setState(StateExec)

	var limiter *rate.Limiter
	if a.cfg.OutputRateLimitBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(a.cfg.OutputRateLimitBytesPerSec), a.cfg.OutputRateLimitBytesPerSec)
	}

	var wg sync.WaitGroup
	var total int64
	var totalMu sync.Mutex
	exceeded := make(chan struct{})
	var exceedOnce sync.Once

	pump := func(streamType string, r io.Reader) {
		defer wg.Done()
		buf := make([]byte, 16*1024)
		for {
			n, rerr := r.Read(buf)
			if n > 0 {
				totalMu.Lock()
				total += int64(n)
				over := total > a.cfg.MaxExecOutputBytes
				totalMu.Unlock()
				if over {
					exceedOnce.Do(func() { close(exceeded) })
					return
				}
				if limiter != nil {
					_ = limiter.WaitN(execCtx, n)
				}
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				_ = a.transport.Emit("exec-data", execDataPayload{Type: streamType, Data: chunk})
			}
			if rerr != nil {
				return
			}
		}
	}

	wg.Add(2)
	go pump("stdout", handle.Stdout)
	go pump("stderr", handle.Stderr)

	go func() {
		select {
		case <-exceeded:
			handle.Close()
			_ = a.transport.Emit("exec-exit", execExitPayload{Signal: "OUTPUT_LIMIT_EXCEEDED"})
			_ = a.transport.Emit("exec-data", execDataPayload{Type: "stderr", Data: []byte("output limit exceeded, exec terminated\n")})
		case <-execCtx.Done():
		}
	}()

	go func() {
		wg.Wait()
		result, waitErr := handle.Wait(execCtx)
		cancel()
		a.setState(StateShell)
		select {
		case <-exceeded:
			return
		default:
		}
		if waitErr != nil {
			code := 1
			_ = a.transport.Emit("exec-exit", execExitPayload{Code: &code})
			return
		}
		var code *int
		if result.HasExit {
			c := result.ExitCode
			code = &c
		}
		_ = a.transport.Emit("exec-exit", execExitPayload{Code: code, Signal: result.Signal})
	}()

	return nil
}

// HandleControl dispatches a `control` event.
func (a *Adapter) HandleControl(ctx context.Context, action string, sources []authpipeline.CredentialSource) error {
	switch action {
	case "reauth":
		a.mu.Lock()
		client := a.client
		a.client = nil
		a.shellIn = nil
		a.retainedPassword = ""
		a.mu.Unlock()
		if client != nil {
			client.End()
		}
		a.store.Dispatch(a.sessionID, store.Action{Type: store.ActionReauth})
		return a.HandleAuthenticate(ctx, sources)

	case "clear-credentials":
		a.store.Dispatch(a.sessionID, store.Action{Type: store.ActionClearCredentials})
		return nil

	case "replay-credentials":
		return a.replayCredentials()

	case "disconnect":
		a.teardown("client requested disconnect")
		return nil
	}
	return fmt.Errorf("adapter: unknown control action %q", action)
}

func (a *Adapter) replayCredentials() error {
	if !a.cfg.AllowReplay {
		return errors.New("adapter: credential replay is disabled")
	}
	a.mu.Lock()
	password := a.retainedPassword
	w := a.shellIn
	a.mu.Unlock()
	if password == "" || w == nil {
		return errors.New("adapter: no retained password to replay")
	}

	payload := password
	if a.cfg.ReplayCRLF {
		payload += "\r\n"
	} else {
		payload += "\n"
	}
	_, err := w.Write([]byte(payload))
	return err
}

// HandlePromptResponse resolves a pending prompt.
func (a *Adapter) HandlePromptResponse(resp PromptResponse) error {
	return a.prompts.Resolve(a.socketID, resp)
}

// promptResponder adapts the adapter's transport + prompt tracker into an
// authpipeline.PromptResponder.
func (a *Adapter) promptResponder() authpipeline.PromptResponder {
	return func(ctx context.Context, req authpipeline.PromptRequest) ([]string, error) {
		id, resultCh, err := a.prompts.Register(a.socketID, []string{"submit", "cancel"}, req.Prompts, a.cfg.PromptTimeout)
		if err != nil {
			return nil, err
		}

		if emitErr := a.transport.Emit("prompt", promptPayload{
			ID:      id,
			Type:    req.Type,
			Title:   req.Name,
			Buttons: []string{"submit", "cancel"},
			Inputs:  req.Prompts,
			Timeout: int(a.cfg.PromptTimeout / time.Millisecond),
		}); emitErr != nil {
			return nil, emitErr
		}

		select {
		case resp := <-resultCh:
			if resp.Action == "timeout" || resp.Action == "dismissed" || resp.Action == "cancel" {
				return nil, fmt.Errorf("adapter: prompt %s", resp.Action)
			}
			answers := make([]string, len(req.Prompts))
			for i, q := range req.Prompts {
				answers[i] = resp.Inputs[q]
			}
			if a.cfg.AllowReplay && len(answers) == 1 {
				a.mu.Lock()
				a.retainedPassword = answers[0]
				a.mu.Unlock()
			}
			return answers, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// teardown is the adapter's single close path (spec §4.5): idempotent,
// triggered by socket close, SSH close, or a fatal adapter error.
func (a *Adapter) teardown(reason string) {
	a.closeOnce.Do(func() {
		a.stopResumePoll()
		a.resumeShellRead() // release pumpShellOutput if it's blocked paused
		a.prompts.RemoveAllForSocket(a.socketID)

		a.mu.Lock()
		client := a.client
		a.client = nil
		a.mu.Unlock()
		if client != nil {
			client.End()
		}

		a.store.Dispatch(a.sessionID, store.Action{Type: store.ActionSessionEnd})
		_ = a.transport.Emit("disconnect", disconnectPayload{Reason: reason})
		_ = a.transport.Close()

		a.setState(StateClosed)
		close(a.closed)
	})
}

// Close triggers teardown from outside (e.g. the gateway on socket close).
func (a *Adapter) Close(reason string) {
	a.teardown(reason)
}

// Done reports when teardown has completed.
func (a *Adapter) Done() <-chan struct{} {
	return a.closed
}

func classifyMessage(err error) string {
	var classified *sshclient.ClassifiedError
	if errors.As(err, &classified) {
		return classified.Error()
	}
	return err.Error()
}

type authResultPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type promptPayload struct {
	ID      string   `json:"id"`
	Type    string   `json:"type"`
	Title   string   `json:"title"`
	Buttons []string `json:"buttons"`
	Inputs  []string `json:"inputs,omitempty"`
	Timeout int      `json:"timeout,omitempty"`
}

type execDataPayload struct {
	Type string `json:"type"`
	Data []byte `json:"data"`
}

type execExitPayload struct {
	Code   *int   `json:"code,omitempty"`
	Signal string `json:"signal,omitempty"`
}

type disconnectPayload struct {
	Reason string `json:"reason"`
}
