// Package connector defines the interface for executing commands on target systems.
package connector

import (
	"context"
	"io"
)

// Result holds the output from command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Connector is the interface for connecting to and executing commands on targets.
type Connector interface {
	// Connect establishes a connection to the target.
	Connect(ctx context.Context) error

	// Execute runs a command on the target without a terminal and returns the result.
	Execute(ctx context.Context, cmd string) (*Result, error)

	// Upload copies a file from local source to remote destination.
	Upload(ctx context.Context, src io.Reader, dst string, mode uint32) error

	// Download copies a file from remote source to local destination.
	Download(ctx context.Context, src string, dst io.Writer) error

	// Close terminates the connection.
	Close() error

	// String returns a human-readable description of the connection.
	String() string
}

// Session is a live, authenticated connection to one remote host that can
// also open pseudo-terminal channels. A Session is owned by a single caller
// and runs at most one command at a time.
type Session interface {
	Connector

	// Host returns the remote host name or address.
	Host() string

	// User returns the account the session is authenticated as.
	User() string

	// OpenPTY starts cmd on a new pseudo-terminal channel.
	OpenPTY(ctx context.Context, cmd string) (Channel, error)

	// OpenShell starts an interactive login shell on a new pseudo-terminal channel.
	OpenShell(ctx context.Context) (Channel, error)
}

// Channel is a pseudo-terminal stream attached to one remote process.
//
// Output delivers chunks in arrival order and is closed at end of stream.
// Done is closed once the exit status is known; ExitStatus is only
// meaningful after that.
type Channel interface {
	Output() <-chan []byte
	Done() <-chan struct{}
	ExitStatus() int

	// Write sends input to the remote process.
	Write(p []byte) (int, error)

	// Signal delivers a signal such as "KILL" to the remote process.
	Signal(sig string) error

	// Close releases the channel. It does not wait for the process to exit.
	Close() error
}
