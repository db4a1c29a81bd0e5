package server

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotSupported is returned for operations the host's family does not offer.
var ErrNotSupported = errors.New("operation not supported on this OS family")

// CommandError represents a remote command that exited non-zero.
type CommandError struct {
	Host     string
	Cmd      string
	ExitCode int
	Output   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: command failed with exit code %d: %s", e.Host, e.ExitCode, e.Cmd)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += fmt.Sprintf("\noutput: %s", lastLines(out, 5))
	}
	return msg
}

// lastLines returns at most n trailing lines of s.
func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
