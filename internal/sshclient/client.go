// Package sshclient wraps an outbound golang.org/x/crypto/ssh transport with
// the connect/shell/exec/resize/end surface spec §4.3 describes, classifying
// every failure into the AuthError/NetworkError/TimeoutError/UnknownError
// taxonomy the rest of the gateway branches on.
package sshclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// Algorithms is the configured transport algorithm allow-list (spec §4.8).
type Algorithms struct {
	Cipher        []string
	KEX           []string
	HMAC          []string
	Compress      []string
	ServerHostKey []string
}

// Credentials is the material SSHClient.Connect authenticates with.
type Credentials struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	Passphrase string
}

// Options configures transport-level behavior.
type Options struct {
	ReadyTimeout      time.Duration
	KeepaliveInterval time.Duration
	KeepaliveCountMax int
	Algorithms        Algorithms
	HostKeyCallback   ssh.HostKeyCallback

	// InteractiveChallenge, when set, is invoked for each keyboard-interactive
	// round the server issues and returns the ordered responses. AuthPipeline
	// supplies this; a nil value means keyboard-interactive is not offered.
	InteractiveChallenge func(name, instruction string, questions []string, echos []bool) ([]string, error)
}

// ShellOptions configures an interactive PTY session.
type ShellOptions struct {
	Term string
	Rows int
	Cols int
}

// ExecResult is the outcome of a completed exec channel.
type ExecResult struct {
	ExitCode int
	Signal   string
	HasExit  bool
}

// ExecHandle exposes a non-interactive channel's streams and outcome.
type ExecHandle struct {
	Stdout io.Reader
	Stderr io.Reader

	session *ssh.Session
	done    chan ExecResult
	once    sync.Once
}

// Wait blocks until the exec channel completes or ctx is canceled.
func (h *ExecHandle) Wait(ctx context.Context) (ExecResult, error) {
	select {
	case res := <-h.done:
		return res, nil
	case <-ctx.Done():
		return ExecResult{}, ctx.Err()
	}
}

// Close ends the exec channel; idempotent.
func (h *ExecHandle) Close() {
	h.once.Do(func() {
		_ = h.session.Close()
	})
}

// Client wraps one outbound SSH connection. It is exclusively owned by the
// ConnectionAdapter that created it (spec §3 Ownership).
type Client struct {
	mu      sync.Mutex
	conn    *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	closeOnce sync.Once
	closed    chan struct{}

	keepaliveCancel context.CancelFunc
}

// New returns an unconnected Client.
func New() *Client {
	return &Client{closed: make(chan struct{})}
}

// Connect opens TCP, performs key exchange against the configured algorithm
// allow-lists, and authenticates. It honors opts.ReadyTimeout and starts a
// keepalive loop on success.
func (c *Client) Connect(ctx context.Context, creds Credentials, opts Options) error {
	readyTimeout := opts.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = 20 * time.Second
	}

	authMethods, err := buildAuthMethods(creds, opts)
	if err != nil {
		return authError(err.Error(), err)
	}

	hostKeyCallback := opts.HostKeyCallback
	if hostKeyCallback == nil {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	config := &ssh.ClientConfig{
		User:            creds.Username,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         readyTimeout,
	}
	if len(opts.Algorithms.Cipher) > 0 {
		config.Config.Ciphers = opts.Algorithms.Cipher
	}
	if len(opts.Algorithms.KEX) > 0 {
		config.Config.KeyExchanges = opts.Algorithms.KEX
	}
	if len(opts.Algorithms.HMAC) > 0 {
		config.Config.MACs = opts.Algorithms.HMAC
	}
	if len(opts.Algorithms.ServerHostKey) > 0 {
		config.HostKeyAlgorithms = opts.Algorithms.ServerHostKey
	}

	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)

	dialCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return classifyDialError(err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		_ = conn.Close()
		return classifyHandshakeError(err)
	}

	c.mu.Lock()
	c.conn = ssh.NewClient(sshConn, chans, reqs)
	c.mu.Unlock()

	if opts.KeepaliveInterval > 0 {
		c.startKeepalive(opts.KeepaliveInterval, opts.KeepaliveCountMax)
	}

	return nil
}

func buildAuthMethods(creds Credentials, opts Options) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if creds.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(creds.PrivateKey), []byte(creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(creds.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if creds.Password != "" {
		methods = append(methods, ssh.Password(creds.Password))
	}

	if opts.InteractiveChallenge != nil {
		methods = append(methods, ssh.KeyboardInteractive(
			func(name, instruction string, questions []string, echos []bool) ([]string, error) {
				return opts.InteractiveChallenge(name, instruction, questions, echos)
			},
		))
	}

	if len(methods) == 0 {
		return nil, errors.New("no usable credentials supplied")
	}
	return methods, nil
}

func (c *Client) startKeepalive(interval time.Duration, maxMiss int) {
	if maxMiss <= 0 {
		maxMiss = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.keepaliveCancel = cancel

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		misses := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				conn := c.conn
				c.mu.Unlock()
				if conn == nil {
					return
				}
				if _, _, err := conn.SendRequest("keepalive@shellgate", true, nil); err != nil {
					misses++
					if misses >= maxMiss {
						slog.Default().Warn("ssh keepalive exceeded max misses, closing", "misses", misses)
						c.End()
						return
					}
				} else {
					misses = 0
				}
			}
		}
	}()
}

// Shell opens an interactive PTY session and returns a duplex stream
// (Write goes to stdin, the returned io.Reader is the combined PTY output).
func (c *Client) Shell(opts ShellOptions, env map[string]string) (io.Reader, io.Writer, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, nil, networkError("not connected", nil)
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, nil, classifyChannelError(err)
	}

	for k, v := range env {
		_ = session.Setenv(k, v)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	term := opts.Term
	if term == "" {
		term = "xterm-color"
	}
	rows, cols := opts.Rows, opts.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	if err := session.RequestPty(term, rows, cols, modes); err != nil {
		_ = session.Close()
		return nil, nil, classifyChannelError(err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, unknownError("stdout pipe failed", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, nil, unknownError("stdin pipe failed", err)
	}

	if err := session.Shell(); err != nil {
		_ = session.Close()
		return nil, nil, classifyChannelError(err)
	}

	c.mu.Lock()
	c.session = session
	c.stdin = stdin
	c.mu.Unlock()

	return stdout, stdin, nil
}

// ResizeTerminal sends a window-change request; a no-op if no shell is open.
func (c *Client) ResizeTerminal(rows, cols int) error {
	c.mu.Lock()
	session := c.session
	c.mu.Unlock()
	if session == nil {
		return nil
	}
	return session.WindowChange(rows, cols)
}

// Exec opens a non-interactive channel with the given PTY option. The
// channel is closed when ctx is done; Exec takes no separate timeout.
func (c *Client) Exec(ctx context.Context, command string, pty bool, opts ShellOptions, env map[string]string) (*ExecHandle, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, networkError("not connected", nil)
	}

	session, err := conn.NewSession()
	if err != nil {
		return nil, classifyChannelError(err)
	}
	for k, v := range env {
		_ = session.Setenv(k, v)
	}
	if pty {
		modes := ssh.TerminalModes{ssh.ECHO: 1}
		term := opts.Term
		if term == "" {
			term = "xterm-color"
		}
		rows, cols := opts.Rows, opts.Cols
		if rows <= 0 {
			rows = 24
		}
		if cols <= 0 {
			cols = 80
		}
		if err := session.RequestPty(term, rows, cols, modes); err != nil {
			_ = session.Close()
			return nil, classifyChannelError(err)
		}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, unknownError("stdout pipe failed", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		_ = session.Close()
		return nil, unknownError("stderr pipe failed", err)
	}

	if err := session.Start(command); err != nil {
		_ = session.Close()
		return nil, classifyChannelError(err)
	}

	handle := &ExecHandle{
		Stdout:  stdout,
		Stderr:  stderr,
		session: session,
		done:    make(chan ExecResult, 1),
	}

	go func() {
		err := session.Wait()
		result := ExecResult{HasExit: true}
		if err == nil {
			result.ExitCode = 0
		} else if exitErr, ok := err.(*ssh.ExitError); ok {
			result.ExitCode = exitErr.ExitStatus()
			result.Signal = string(exitErr.Signal())
		} else {
			result.HasExit = false
		}
		handle.done <- result
	}()

	go func() {
		<-ctx.Done()
		handle.Close()
	}()

	return handle, nil
}

// End gracefully closes the connection; idempotent.
func (c *Client) End() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.keepaliveCancel != nil {
			c.keepaliveCancel()
		}

		c.mu.Lock()
		session := c.session
		conn := c.conn
		c.mu.Unlock()

		if session != nil {
			_ = session.Close()
		}
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// Done reports a channel closed when End() has run.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

func classifyDialError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return timeoutError("connection timed out", err)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "unreachable"),
		strings.Contains(msg, "reset by peer"):
		return networkError(msg, err)
	}
	return unknownError(msg, err)
}

func classifyHandshakeError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "no supported methods remain"),
		strings.Contains(msg, "ssh: handshake failed"):
		return authError(msg, err)
	case strings.Contains(msg, "i/o timeout"):
		return timeoutError(msg, err)
	case strings.Contains(msg, "connection reset"), strings.Contains(msg, "refused"):
		return networkError(msg, err)
	}
	return unknownError(msg, err)
}

func classifyChannelError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "administratively prohibited") || strings.Contains(msg, "open failed") {
		return unknownError(msg, err)
	}
	return unknownError(msg, err)
}
