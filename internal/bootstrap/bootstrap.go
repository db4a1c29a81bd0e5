// Package bootstrap turns connection parameters into a ready-to-use server:
// connect, fingerprint the OS, escalate to root and pick the OS family.
package bootstrap

import (
	"context"
	"time"

	"github.com/eugenetaranov/lsetup/internal/connector"
	"github.com/eugenetaranov/lsetup/internal/connector/ssh"
	"github.com/eugenetaranov/lsetup/internal/escalate"
	"github.com/eugenetaranov/lsetup/internal/logging"
	"github.com/eugenetaranov/lsetup/internal/output"
	"github.com/eugenetaranov/lsetup/internal/server"
	"github.com/eugenetaranov/lsetup/pkg/facts"
)

// Dialer opens sessions. *ssh.Manager satisfies it.
type Dialer interface {
	Connect(ctx context.Context, p ssh.Params) (connector.Session, error)
}

// credentialed is implemented by sessions that know the parameters they
// authenticated with, which differ from the requested ones after recovery.
type credentialed interface {
	Params() ssh.Params
}

// Bootstrapper runs the bootstrap sequence.
type Bootstrapper struct {
	Dialer Dialer

	// AskPassword answers sudo prompts for user when the session
	// authenticated without a password. Otherwise the SSH password is used.
	AskPassword func(user string) (string, error)

	// EscalationTimeout overrides escalate.DefaultTimeout.
	EscalationTimeout time.Duration

	Output        *output.Output
	ServerOptions []server.Option
}

// New creates a Bootstrapper dialing through d.
func New(d Dialer, out *output.Output) *Bootstrapper {
	if out == nil {
		out = output.Discard()
	}
	return &Bootstrapper{Dialer: d, Output: out}
}

// Run connects to p and returns a server for the host. When the OS is not
// supported or escalation fails the session is closed before returning.
func (b *Bootstrapper) Run(ctx context.Context, p ssh.Params) (*server.Server, error) {
	sess, err := b.Dialer.Connect(ctx, p)
	if err != nil {
		return nil, err
	}

	log := logging.WithHost("bootstrap", sess.Host())

	id, err := facts.Fingerprint(ctx, sess)
	if err != nil {
		b.Output.Error("%v", err)
		closeSession(sess)
		return nil, err
	}
	b.Output.Info("Detected OS: %s", id.Pretty)
	log.Debug().Str("family", string(id.Family)).Str("version", id.Version).Msg("os identified")

	if c, ok := sess.(credentialed); ok {
		p = c.Params()
	}
	esc := escalate.New(b.password(sess.User(), p.Password), b.Output)
	if b.EscalationTimeout > 0 {
		esc.Timeout = b.EscalationTimeout
	}
	res, err := esc.Run(ctx, sess)
	if err != nil {
		b.Output.Error("%v", err)
		closeSession(sess)
		return nil, err
	}
	log.Debug().Stringer("state", res.State).Msg("escalated")

	opts := append([]server.Option{server.WithOutput(b.Output)}, b.ServerOptions...)
	srv, err := server.New(sess, *id, opts...)
	if err != nil {
		closeSession(sess)
		return nil, err
	}
	return srv, nil
}

func (b *Bootstrapper) password(user, sshPassword string) escalate.PasswordFunc {
	if sshPassword != "" {
		return escalate.StaticPassword(sshPassword)
	}
	if b.AskPassword != nil {
		return func() (string, error) { return b.AskPassword(user) }
	}
	return nil
}

func closeSession(sess connector.Session) {
	if err := sess.Close(); err != nil {
		log := logging.WithHost("bootstrap", sess.Host())
		log.Warn().Err(err).Msg("failed to close session")
	}
}
