// Package escalate obtains a root shell over an interactive channel and
// provisions passwordless sudo for the session account.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eugenetaranov/lsetup/internal/connector"
	"github.com/eugenetaranov/lsetup/internal/logging"
	"github.com/eugenetaranov/lsetup/internal/output"
)

const (
	// DefaultCommand is sent to the shell to request a root login shell.
	DefaultCommand = "sudo -i"

	// DefaultTimeout bounds the whole exchange.
	DefaultTimeout = 30 * time.Second

	// SudoersDir holds the per-account drop-in rules.
	SudoersDir = "/etc/sudoers.d"
)

// State is the position of the escalation protocol.
type State int

const (
	NonRoot State = iota
	PromptedForPassword
	Root
	SudoersPatched
)

func (s State) String() string {
	switch s {
	case NonRoot:
		return "non-root"
	case PromptedForPassword:
		return "prompted-for-password"
	case Root:
		return "root"
	case SudoersPatched:
		return "sudoers-patched"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Patterns are the output anchors that drive the state machine.
type Patterns struct {
	// PasswordPrompt must appear in the buffer for a password request.
	PasswordPrompt string

	// PromptSuffix must end the buffer for a password request.
	PromptSuffix string

	// RootPrompt ends the buffer once a root shell is ready.
	RootPrompt string
}

// DefaultPatterns matches sudo's "[sudo] password for <user>: " and a "# " root prompt.
func DefaultPatterns() Patterns {
	return Patterns{
		PasswordPrompt: "password for",
		PromptSuffix:   ": ",
		RootPrompt:     "# ",
	}
}

// PasswordFunc supplies the account password when sudo asks for it.
type PasswordFunc func() (string, error)

// StaticPassword returns a PasswordFunc for a known password.
func StaticPassword(password string) PasswordFunc {
	return func() (string, error) { return password, nil }
}

// Result describes a completed escalation.
type Result struct {
	State State

	// PasswordSent is true when sudo asked for and accepted a password.
	PasswordSent bool
}

// Escalator drives the escalation exchange.
type Escalator struct {
	Command  string
	Patterns Patterns
	Timeout  time.Duration

	// Password is consulted only when a password prompt is seen.
	Password PasswordFunc

	Output *output.Output
}

// New creates an escalator with default settings.
func New(password PasswordFunc, out *output.Output) *Escalator {
	if out == nil {
		out = output.Discard()
	}
	return &Escalator{
		Command:  DefaultCommand,
		Patterns: DefaultPatterns(),
		Timeout:  DefaultTimeout,
		Password: password,
		Output:   out,
	}
}

// validUser matches portable account names.
var validUser = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_.-]*\$?$`)

// sudoersLine is the single rule granting user passwordless sudo.
func sudoersLine(user string) string {
	return user + " ALL=(ALL)       NOPASSWD: ALL"
}

// sudoersFile names the drop-in for user. sudo ignores drop-ins whose
// names contain a dot.
func sudoersFile(user string) string {
	return strings.ReplaceAll(user, ".", "_")
}

// sudoersCommand appends the rule for user unless the exact line is already present.
func sudoersCommand(user string) string {
	line := sudoersLine(user)
	file := SudoersDir + "/" + sudoersFile(user)
	return fmt.Sprintf("grep -qsxF '%s' %s || echo '%s' >> %s", line, file, line, file)
}

// Run escalates on sess. Root sessions return immediately in state Root.
func (e *Escalator) Run(ctx context.Context, sess connector.Session) (*Result, error) {
	user := sess.User()
	if user == "root" {
		return &Result{State: Root}, nil
	}
	if !validUser.MatchString(user) {
		return nil, &EscalationError{Host: sess.Host(), User: user, Reason: "invalid account name"}
	}

	log := logging.WithHost("escalate", sess.Host())

	ctx, cancel := context.WithTimeout(ctx, e.timeout())
	defer cancel()

	ch, err := sess.OpenShell(ctx)
	if err != nil {
		return nil, &EscalationError{Host: sess.Host(), User: user, Reason: "failed to open shell", Err: err}
	}
	defer ch.Close()

	m := &machine{
		e:    e,
		ch:   ch,
		host: sess.Host(),
		user: user,
		log:  log,
	}

	if err := m.send(e.command()); err != nil {
		return nil, err
	}
	if err := m.awaitRoot(ctx); err != nil {
		return nil, err
	}
	e.Output.Step("Switching to root user", "done")

	res := &Result{State: Root, PasswordSent: m.passwordSent}

	if m.passwordSent {
		log.Debug().Str("user", user).Msg("writing sudoers rule")
		if err := m.send(sudoersCommand(user)); err != nil {
			return nil, err
		}
		if err := m.awaitRoot(ctx); err != nil {
			return nil, err
		}
		res.State = SudoersPatched
		e.Output.Step("Enabling passwordless sudo", "enabled")
	} else {
		e.Output.Step("Enabling passwordless sudo", "already enabled")
	}

	// Leave the root shell; the channel is closed regardless.
	_ = m.send("exit")

	log.Debug().Stringer("state", res.State).Msg("escalation complete")
	return res, nil
}

// machine holds the per-run protocol state.
type machine struct {
	e    *Escalator
	ch   connector.Channel
	host string
	user string
	log  zerolog.Logger

	buf          strings.Builder
	state        State
	passwordSent bool
}

// send writes a line to the shell.
func (m *machine) send(line string) error {
	if _, err := m.ch.Write([]byte(line + "\n")); err != nil {
		return &EscalationError{Host: m.host, User: m.user, Reason: "failed to write to shell", Err: err}
	}
	return nil
}

// awaitRoot accumulates output until the root prompt appears, answering a
// single password prompt on the way. It is bounded by ctx.
func (m *machine) awaitRoot(ctx context.Context) error {
	m.buf.Reset()

	output := m.ch.Output()
	for {
		select {
		case chunk, ok := <-output:
			if !ok {
				return m.fail("shell closed before a root prompt appeared", nil)
			}
			m.buf.Write(chunk)
			done, err := m.step()
			if err != nil || done {
				return err
			}

		case <-m.ch.Done():
			return m.fail("shell exited before a root prompt appeared", nil)

		case <-ctx.Done():
			return m.fail("unrecognized prompt", ctx.Err())
		}
	}
}

// step inspects the buffer after new output. It reports true once the
// root prompt is seen.
func (m *machine) step() (bool, error) {
	p := m.e.Patterns
	text := m.buf.String()

	switch {
	case strings.HasSuffix(text, p.RootPrompt):
		m.state = Root
		return true, nil

	case strings.HasSuffix(text, p.PromptSuffix) && strings.Contains(text, p.PasswordPrompt):
		if m.passwordSent {
			return false, m.fail("password rejected", ErrWrongPassword)
		}
		password, err := m.password()
		if err != nil {
			return false, err
		}
		m.state = PromptedForPassword
		m.log.Debug().Str("user", m.user).Msg("answering password prompt")
		if err := m.send(password); err != nil {
			return false, err
		}
		m.passwordSent = true
		m.buf.Reset()
	}
	return false, nil
}

func (m *machine) password() (string, error) {
	if m.e.Password == nil {
		return "", m.fail("password prompt received", ErrPasswordRequired)
	}
	password, err := m.e.Password()
	if err != nil {
		return "", m.fail("failed to obtain password", err)
	}
	if password == "" {
		return "", m.fail("password prompt received", ErrPasswordRequired)
	}
	return password, nil
}

func (m *machine) fail(reason string, err error) error {
	m.log.Debug().Stringer("state", m.state).Str("reason", reason).Msg("escalation failed")
	return &EscalationError{
		Host:   m.host,
		User:   m.user,
		State:  m.state,
		Reason: reason,
		Err:    err,
	}
}

func (e *Escalator) command() string {
	if e.Command == "" {
		return DefaultCommand
	}
	return e.Command
}

func (e *Escalator) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return DefaultTimeout
}

var (
	// ErrPasswordRequired means sudo asked for a password and none was available.
	ErrPasswordRequired = errors.New("password required")

	// ErrWrongPassword means sudo asked for the password a second time.
	ErrWrongPassword = errors.New("wrong password")
)

// EscalationError reports a failed escalation.
type EscalationError struct {
	Host   string
	User   string
	State  State
	Reason string
	Err    error
}

func (e *EscalationError) Error() string {
	msg := fmt.Sprintf("%s: escalation for %s failed in state %s: %s", e.Host, e.User, e.State, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *EscalationError) Unwrap() error {
	return e.Err
}
