package executor

import (
	"fmt"
	"time"
)

// CommandTimeoutError is returned when a command produces no output for
// longer than its idle timeout. The remote process was sent KILL but its
// final state is unknown.
type CommandTimeoutError struct {
	Host    string
	Command string
	Timeout time.Duration
}

func (e *CommandTimeoutError) Error() string {
	return fmt.Sprintf("%s: command %q timed out after %s without output", e.Host, e.Command, e.Timeout)
}
