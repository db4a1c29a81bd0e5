// Package executor runs commands on pseudo-terminal channels of a remote session.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/briandowns/spinner"
	"github.com/rs/zerolog"

	"github.com/eugenetaranov/lsetup/internal/connector"
	"github.com/eugenetaranov/lsetup/internal/logging"
)

const (
	// DefaultPollInterval is how often channel state and the idle timer are checked.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultRedrawInterval is the progress indicator refresh rate.
	DefaultRedrawInterval = 200 * time.Millisecond

	// DefaultTimeout is the idle timeout used for ordinary commands.
	DefaultTimeout = 30 * time.Second

	// drainGrace bounds how long buffered output is awaited after exit.
	drainGrace = 500 * time.Millisecond
)

// Mode selects how command output is presented on the console.
type Mode int

const (
	// Silent shows nothing; output is only returned.
	Silent Mode = iota
	// Echo writes every chunk to the console as it arrives.
	Echo
	// Progress shows a rotating indicator instead of the output.
	Progress
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Silent:
		return "silent"
	case Echo:
		return "echo"
	case Progress:
		return "progress"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode converts a mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "silent":
		return Silent, nil
	case "echo":
		return Echo, nil
	case "progress":
		return Progress, nil
	default:
		return Silent, fmt.Errorf("invalid mode '%s': must be silent, echo, or progress", s)
	}
}

// Request describes one command execution.
type Request struct {
	Command string
	Mode    Mode

	// Timeout is the maximum time without output. Zero disables it.
	Timeout time.Duration

	// Label is printed in front of the progress indicator.
	Label string
}

// Result holds the outcome of a command. A non-zero ExitStatus is not an error.
type Result struct {
	ExitStatus int
	Output     string
}

// Executor runs commands on a session, one at a time.
type Executor struct {
	// Session is the remote session commands run on.
	Session connector.Session

	// Console receives Echo output and the progress indicator.
	Console io.Writer

	// PollInterval overrides DefaultPollInterval.
	PollInterval time.Duration

	// RedrawInterval overrides DefaultRedrawInterval.
	RedrawInterval time.Duration

	mu  sync.Mutex
	log zerolog.Logger
}

// New creates an executor writing to os.Stdout.
func New(sess connector.Session) *Executor {
	return &Executor{
		Session: sess,
		Console: os.Stdout,
		log:     logging.WithHost("executor", sess.Host()),
	}
}

// Run executes req on a fresh pseudo-terminal channel and waits for it to exit.
//
// When no output arrives for req.Timeout the remote process is sent KILL,
// the channel is closed and a *CommandTimeoutError is returned. Context
// cancellation is handled the same way and returns ctx.Err().
func (e *Executor) Run(ctx context.Context, req Request) (*Result, error) {
	// One in-flight command per session.
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	e.log.Debug().Str("command", req.Command).Stringer("mode", req.Mode).Dur("timeout", req.Timeout).Msg("running command")

	ch, err := e.Session.OpenPTY(ctx, req.Command)
	if err != nil {
		return nil, fmt.Errorf("failed to start %q on %s: %w", req.Command, e.Session.Host(), err)
	}
	defer ch.Close()

	console := &lockedWriter{w: e.console()}
	if req.Mode == Progress {
		indicator := spinner.New(spinner.CharSets[9], e.redrawInterval(), spinner.WithWriter(console))
		indicator.Prefix = req.Label
		indicator.Start()
		defer indicator.Stop()
	}

	var captured bytes.Buffer
	consume := func(chunk []byte) {
		captured.Write(chunk)
		if req.Mode == Echo {
			_, _ = console.Write(chunk)
		}
	}

	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()

	lastActivity := time.Now()
	output := ch.Output()

	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				output = nil
				continue
			}
			consume(chunk)
			lastActivity = time.Now()

		case <-ch.Done():
			drain(output, consume)
			status := ch.ExitStatus()
			e.log.Debug().Str("command", req.Command).Int("exit_status", status).Dur("elapsed", time.Since(start)).Msg("command finished")
			return &Result{ExitStatus: status, Output: captured.String()}, nil

		case <-ctx.Done():
			e.abort(ch, req.Command)
			return nil, ctx.Err()

		case now := <-ticker.C:
			if req.Timeout > 0 && now.Sub(lastActivity) > req.Timeout {
				e.abort(ch, req.Command)
				return nil, &CommandTimeoutError{
					Host:    e.Session.Host(),
					Command: req.Command,
					Timeout: req.Timeout,
				}
			}
		}
	}
}

// abort kills the remote process and closes its channel.
func (e *Executor) abort(ch connector.Channel, command string) {
	if err := ch.Signal("KILL"); err != nil {
		e.log.Warn().Err(err).Str("command", command).Msg("failed to signal remote process")
	}
	if err := ch.Close(); err != nil {
		e.log.Warn().Err(err).Str("command", command).Msg("failed to close channel")
	}
}

// drain consumes output still buffered after exit until the stream ends.
func drain(output <-chan []byte, consume func([]byte)) {
	if output == nil {
		return
	}
	timer := time.NewTimer(drainGrace)
	defer timer.Stop()
	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				return
			}
			consume(chunk)
		case <-timer.C:
			return
		}
	}
}

func (e *Executor) console() io.Writer {
	if e.Console == nil {
		return io.Discard
	}
	return e.Console
}

func (e *Executor) pollInterval() time.Duration {
	if e.PollInterval > 0 {
		return e.PollInterval
	}
	return DefaultPollInterval
}

func (e *Executor) redrawInterval() time.Duration {
	if e.RedrawInterval > 0 {
		return e.RedrawInterval
	}
	return DefaultRedrawInterval
}

// lockedWriter serializes console writes from the run loop and the indicator.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
