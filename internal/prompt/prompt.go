// Package prompt asks the operator for input on a terminal.
package prompt

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/eugenetaranov/lsetup/internal/connector/ssh"
)

// ErrAborted is returned when the operator declines or input ends.
var ErrAborted = errors.New("aborted by user")

// Prompter reads answers from in and writes questions to out.
type Prompter struct {
	in  *bufio.Reader
	out io.Writer

	// fd is the terminal descriptor behind in, or -1.
	fd int
}

// New creates a prompter. Passwords are read without echo when in is a terminal.
func New(in io.Reader, out io.Writer) *Prompter {
	p := &Prompter{in: bufio.NewReader(in), out: out, fd: -1}
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
	}
	return p
}

// Interactive reports whether stdin is a terminal.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

// Line asks a question and returns the trimmed answer, or def when empty.
func (p *Prompter) Line(label, def string) (string, error) {
	if def != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", label, def)
	} else {
		fmt.Fprintf(p.out, "%s: ", label)
	}

	answer, err := p.readLine()
	if err != nil {
		return "", err
	}
	if answer == "" {
		return def, nil
	}
	return answer, nil
}

// Password asks for a secret.
func (p *Prompter) Password(label string) (string, error) {
	fmt.Fprintf(p.out, "%s: ", label)

	if p.fd < 0 {
		return p.readLine()
	}
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return string(b), nil
}

// Confirm asks a yes/no question.
func (p *Prompter) Confirm(label string, def bool) (bool, error) {
	hint := "y/N"
	if def {
		hint = "Y/n"
	}

	for {
		fmt.Fprintf(p.out, "%s [%s]: ", label, hint)
		answer, err := p.readLine()
		if err != nil {
			return false, err
		}
		switch strings.ToLower(answer) {
		case "":
			return def, nil
		case "y", "yes":
			return true, nil
		case "n", "no":
			return false, nil
		}
		fmt.Fprintln(p.out, "Please answer y or n.")
	}
}

// Recover asks for corrected connection parameters after a failed attempt.
// An empty password answer clears the password so key auth is used.
func (p *Prompter) Recover(ctx context.Context, last ssh.Params, cause error) (ssh.Params, error) {
	if err := ctx.Err(); err != nil {
		return last, err
	}

	retry, err := p.Confirm("Retry with different connection parameters?", true)
	if err != nil {
		return last, err
	}
	if !retry {
		return last, ErrAborted
	}

	next := last
	if next.Host, err = p.Line("Host", last.Host); err != nil {
		return last, err
	}
	if next.User, err = p.Line("User", last.User); err != nil {
		return last, err
	}

	for {
		answer, err := p.Line("Port", strconv.Itoa(last.Port))
		if err != nil {
			return last, err
		}
		port, err := strconv.Atoi(answer)
		if err == nil && port > 0 && port <= 65535 {
			next.Port = port
			break
		}
		fmt.Fprintf(p.out, "Invalid port %q.\n", answer)
	}

	if next.Password, err = p.Password("Password (empty to use SSH key)"); err != nil {
		return last, err
	}
	return next, nil
}

// readLine returns the next line without its terminator. End of input
// before any data is ErrAborted.
func (p *Prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", ErrAborted
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

var _ ssh.Recoverer = (*Prompter)(nil)
