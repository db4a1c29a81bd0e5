package ssh

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	gossh "golang.org/x/crypto/ssh"

	"github.com/eugenetaranov/lsetup/internal/connector"
)

// readBufferSize is the largest chunk delivered on Output.
const readBufferSize = 32 * 1024

// channel adapts an SSH session with a pty to connector.Channel.
type channel struct {
	session *gossh.Session
	stdin   io.WriteCloser

	out    chan []byte
	done   chan struct{}
	closed chan struct{}
	status atomic.Int64

	closeOnce sync.Once
}

func newChannel(session *gossh.Session, stdin io.WriteCloser, stdout io.Reader) *channel {
	c := &channel{
		session: session,
		stdin:   stdin,
		out:     make(chan []byte, 16),
		done:    make(chan struct{}),
		closed:  make(chan struct{}),
	}
	go c.read(stdout)
	go c.wait()
	return c
}

// read forwards stdout chunks until EOF or Close.
func (c *channel) read(r io.Reader) {
	defer close(c.out)

	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.out <- chunk:
			case <-c.closed:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// wait records the exit status once the remote process ends.
func (c *channel) wait() {
	defer close(c.done)

	err := c.session.Wait()
	if err == nil {
		return
	}

	var exitErr *gossh.ExitError
	if errors.As(err, &exitErr) {
		c.status.Store(int64(exitErr.ExitStatus()))
		return
	}
	// Closed without an exit status, e.g. killed by signal or disconnect.
	c.status.Store(-1)
}

func (c *channel) Output() <-chan []byte { return c.out }

func (c *channel) Done() <-chan struct{} { return c.done }

func (c *channel) ExitStatus() int { return int(c.status.Load()) }

func (c *channel) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

func (c *channel) Signal(sig string) error {
	return c.session.Signal(gossh.Signal(sig))
}

func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.session.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

var _ connector.Channel = (*channel)(nil)
