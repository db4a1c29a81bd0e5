// Package ssh provides a connector for executing commands on remote hosts over SSH.
package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	gossh "golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/lsetup/internal/connector"
	"github.com/eugenetaranov/lsetup/internal/logging"
)

// DefaultTimeout bounds dialing and the SSH handshake.
const DefaultTimeout = 10 * time.Second

// Terminal geometry requested for pseudo-terminals. The width keeps
// package manager output from wrapping.
const (
	ptyTerm   = "xterm"
	ptyHeight = 40
	ptyWidth  = 200
)

// Connector executes commands on a remote host over SSH.
type Connector struct {
	params      Params
	timeout     time.Duration
	keepAlive   time.Duration
	agentSocket string
	keyFiles    []string

	mu        sync.Mutex
	client    *gossh.Client
	agentConn net.Conn
	stop      chan struct{}

	log zerolog.Logger
}

// Option configures the SSH connector.
type Option func(*Connector)

// WithTimeout sets the dial and handshake timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Connector) {
		c.timeout = d
	}
}

// WithKeepAlive sends keepalive requests at the given interval. The
// connection is closed when one fails.
func WithKeepAlive(interval time.Duration) Option {
	return func(c *Connector) {
		c.keepAlive = interval
	}
}

// WithKeyFiles replaces the identity files tried for public key auth.
func WithKeyFiles(paths ...string) Option {
	return func(c *Connector) {
		c.keyFiles = paths
	}
}

// WithAgentSocket sets the agent socket. An empty path disables agent auth.
func WithAgentSocket(path string) Option {
	return func(c *Connector) {
		c.agentSocket = path
	}
}

// New creates a new SSH connector. Params should already be resolved.
func New(p Params, opts ...Option) *Connector {
	c := &Connector{
		params:      p,
		timeout:     DefaultTimeout,
		agentSocket: os.Getenv("SSH_AUTH_SOCK"),
		keyFiles:    DefaultKeyFiles(),
		log:         logging.WithHost("ssh", p.Host),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Connect dials the host and authenticates.
func (c *Connector) Connect(ctx context.Context) error {
	if c.params.Host == "" {
		return ErrMissingHost
	}

	auth, err := c.authMethods()
	if err != nil {
		return err
	}

	cfg := &gossh.ClientConfig{
		User: c.params.User,
		Auth: auth,
		// Unknown host keys are accepted and not persisted.
		HostKeyCallback:   gossh.InsecureIgnoreHostKey(),
		HostKeyAlgorithms: HostKeyAlgorithms,
		Timeout:           c.timeout,
	}

	addr := c.params.Address()
	c.log.Debug().Str("addr", addr).Str("user", c.params.User).Int("auth_methods", len(auth)).Msg("dialing")

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		c.closeAgent()
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	// Bound the handshake; cleared once authenticated.
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	sshConn, chans, reqs, err := gossh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		c.closeAgent()
		return fmt.Errorf("ssh handshake with %s failed: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	client := gossh.NewClient(sshConn, chans, reqs)

	c.mu.Lock()
	c.client = client
	c.stop = make(chan struct{})
	c.mu.Unlock()

	if c.keepAlive > 0 {
		go c.keepAliveLoop(client, c.stop)
	}

	c.log.Debug().Str("server_version", string(sshConn.ServerVersion())).Msg("connected")
	return nil
}

// keepAliveLoop sends keepalive@openssh.com until stop is closed or a request fails.
func (c *Connector) keepAliveLoop(client *gossh.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				c.log.Warn().Err(err).Msg("keepalive failed, closing connection")
				client.Close()
				return
			}
		}
	}
}

func (c *Connector) sshClient() (*gossh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, errors.New("not connected")
	}
	return c.client, nil
}

// Execute runs a command without a terminal and returns the result.
func (c *Connector) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	if err := session.Start(cmd); err != nil {
		return nil, fmt.Errorf("failed to start command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(gossh.SIGKILL)
		session.Close()
		return nil, ctx.Err()
	case err = <-done:
	}

	result := &connector.Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		var exitErr *gossh.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute command: %w", err)
		}
		result.ExitCode = exitErr.ExitStatus()
	}

	return result, nil
}

// OpenPTY starts cmd on a new pseudo-terminal channel.
func (c *Connector) OpenPTY(ctx context.Context, cmd string) (connector.Channel, error) {
	return c.openPTY(ctx, func(s *gossh.Session) error {
		return s.Start(cmd)
	})
}

// OpenShell starts a login shell on a new pseudo-terminal channel.
func (c *Connector) OpenShell(ctx context.Context) (connector.Channel, error) {
	return c.openPTY(ctx, func(s *gossh.Session) error {
		return s.Shell()
	})
}

func (c *Connector) openPTY(ctx context.Context, start func(*gossh.Session) error) (connector.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	client, err := c.sshClient()
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	modes := gossh.TerminalModes{
		gossh.ECHO:          0,
		gossh.TTY_OP_ISPEED: 14400,
		gossh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(ptyTerm, ptyHeight, ptyWidth, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	// A pty merges stderr into stdout.
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}

	if err := start(session); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start: %w", err)
	}

	return newChannel(session, stdin, stdout), nil
}

// Upload copies src to dst on the remote host over SFTP and sets its mode.
func (c *Connector) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := c.sshClient()
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to start sftp: %w", err)
	}
	defer sc.Close()

	f, err := sc.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}

	if err := sc.Chmod(dst, os.FileMode(mode)); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", dst, err)
	}
	return nil
}

// Download copies src from the remote host into dst over SFTP.
func (c *Connector) Download(ctx context.Context, src string, dst io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, err := c.sshClient()
	if err != nil {
		return err
	}

	sc, err := sftp.NewClient(client)
	if err != nil {
		return fmt.Errorf("failed to start sftp: %w", err)
	}
	defer sc.Close()

	f, err := sc.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer f.Close()

	if _, err := io.Copy(dst, f); err != nil {
		return fmt.Errorf("failed to read %s: %w", src, err)
	}
	return nil
}

// Close terminates the connection.
func (c *Connector) Close() error {
	c.mu.Lock()
	client := c.client
	c.client = nil
	if c.stop != nil {
		close(c.stop)
		c.stop = nil
	}
	c.mu.Unlock()

	c.closeAgent()

	if client == nil {
		return nil
	}
	return client.Close()
}

func (c *Connector) closeAgent() {
	if c.agentConn != nil {
		c.agentConn.Close()
		c.agentConn = nil
	}
}

// Host returns the remote host.
func (c *Connector) Host() string {
	return c.params.Host
}

// User returns the login user.
func (c *Connector) User() string {
	return c.params.User
}

// Params returns the parameters the connector dials with.
func (c *Connector) Params() Params {
	return c.params
}

// String returns a human-readable description of the connection.
func (c *Connector) String() string {
	return "ssh://" + c.params.String()
}

// Ensure Connector implements the connector.Session interface.
var _ connector.Session = (*Connector)(nil)
