// Package connectortest provides in-memory sessions and channels for tests.
package connectortest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/eugenetaranov/lsetup/internal/connector"
)

// Channel is a scripted connector.Channel.
type Channel struct {
	// OnWrite, if set, is called after every Write with the written text.
	OnWrite func(c *Channel, input string)

	out  chan []byte
	done chan struct{}

	mu      sync.Mutex
	status  int
	exited  bool
	closed  bool
	writes  []string
	signals []string
}

// NewChannel returns an open channel with no output queued.
func NewChannel() *Channel {
	return &Channel{
		out:  make(chan []byte, 1024),
		done: make(chan struct{}),
	}
}

// Emit queues s as one output chunk. It is a no-op after Exit.
func (c *Channel) Emit(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return
	}
	c.out <- []byte(s)
}

// Exit ends the output stream and publishes status.
func (c *Channel) Exit(status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return
	}
	c.exited = true
	c.status = status
	close(c.out)
	close(c.done)
}

// Output implements connector.Channel.
func (c *Channel) Output() <-chan []byte { return c.out }

// Done implements connector.Channel.
func (c *Channel) Done() <-chan struct{} { return c.done }

// ExitStatus implements connector.Channel.
func (c *Channel) ExitStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Write records p and invokes OnWrite.
func (c *Channel) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	c.writes = append(c.writes, string(p))
	hook := c.OnWrite
	c.mu.Unlock()

	if hook != nil {
		hook(c, string(p))
	}
	return len(p), nil
}

// Signal records sig.
func (c *Channel) Signal(sig string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signals = append(c.signals, sig)
	return nil
}

// Close marks the channel closed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Writes returns everything written so far.
func (c *Channel) Writes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

// Signals returns the signals delivered so far.
func (c *Channel) Signals() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.signals...)
}

// Closed reports whether Close was called.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Session is a scripted connector.Session.
//
// Commands are answered by Run. OpenPTY uses PTY when set and otherwise
// replays Run's answer on a new channel. OpenShell requires Shell.
type Session struct {
	HostName string
	UserName string

	Run   func(cmd string) (string, int)
	PTY   func(cmd string) *Channel
	Shell func() *Channel

	mu       sync.Mutex
	commands []string
	closed   bool
	files    map[string][]byte
}

// Connect implements connector.Connector.
func (s *Session) Connect(ctx context.Context) error { return nil }

// Execute answers cmd through Run.
func (s *Session) Execute(ctx context.Context, cmd string) (*connector.Result, error) {
	s.record(cmd)
	if s.Run == nil {
		return nil, fmt.Errorf("no handler for %q", cmd)
	}
	out, status := s.Run(cmd)
	return &connector.Result{Stdout: out, ExitCode: status}, nil
}

// OpenPTY implements connector.Session.
func (s *Session) OpenPTY(ctx context.Context, cmd string) (connector.Channel, error) {
	s.record(cmd)
	if s.PTY != nil {
		return s.PTY(cmd), nil
	}
	if s.Run == nil {
		return nil, fmt.Errorf("no handler for %q", cmd)
	}
	out, status := s.Run(cmd)
	ch := NewChannel()
	if out != "" {
		ch.Emit(out)
	}
	ch.Exit(status)
	return ch, nil
}

// OpenShell implements connector.Session.
func (s *Session) OpenShell(ctx context.Context) (connector.Channel, error) {
	if s.Shell == nil {
		return nil, fmt.Errorf("no shell configured")
	}
	return s.Shell(), nil
}

// Upload stores the content in memory.
func (s *Session) Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.files == nil {
		s.files = make(map[string][]byte)
	}
	s.files[dst] = data
	return nil
}

// Download returns content previously uploaded.
func (s *Session) Download(ctx context.Context, src string, dst io.Writer) error {
	s.mu.Lock()
	data, ok := s.files[src]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: no such file", src)
	}
	_, err := dst.Write(data)
	return err
}

// Close marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Commands returns every command issued so far.
func (s *Session) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// CommandsContaining returns the issued commands that contain substr.
func (s *Session) CommandsContaining(substr string) []string {
	var matched []string
	for _, cmd := range s.Commands() {
		if strings.Contains(cmd, substr) {
			matched = append(matched, cmd)
		}
	}
	return matched
}

// Host implements connector.Session.
func (s *Session) Host() string { return s.HostName }

// User implements connector.Session.
func (s *Session) User() string { return s.UserName }

// String implements connector.Connector.
func (s *Session) String() string { return "fake://" + s.UserName + "@" + s.HostName }

func (s *Session) record(cmd string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)
}

var (
	_ connector.Session = (*Session)(nil)
	_ connector.Channel = (*Channel)(nil)
)
