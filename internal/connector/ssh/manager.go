package ssh

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/eugenetaranov/lsetup/internal/connector"
	"github.com/eugenetaranov/lsetup/internal/logging"
	"github.com/eugenetaranov/lsetup/internal/output"
)

const (
	// DefaultMaxAttempts bounds non-interactive connection attempts.
	DefaultMaxAttempts = 3

	// DefaultRetryDelay is the first backoff interval between attempts.
	DefaultRetryDelay = time.Second
)

// Recoverer supplies corrected parameters after a failed attempt. Returning
// an error ends the retry loop.
type Recoverer interface {
	Recover(ctx context.Context, last Params, err error) (Params, error)
}

// Manager establishes sessions with a retry policy.
//
// With a Recoverer, every failure is handed to it for corrected parameters
// and the loop continues until success, a Recoverer error, or ctx ends.
// Without one, up to MaxAttempts attempts are made with exponential
// backoff before a *ConnectionError is returned.
type Manager struct {
	Recoverer   Recoverer
	MaxAttempts int
	RetryDelay  time.Duration

	// Options are applied to every Connector the manager creates.
	Options []Option

	Output *output.Output

	dial func(ctx context.Context, p Params) (connector.Session, error)
}

// NewManager creates a manager using bounded retries.
func NewManager(out *output.Output, opts ...Option) *Manager {
	if out == nil {
		out = output.Discard()
	}
	return &Manager{
		MaxAttempts: DefaultMaxAttempts,
		RetryDelay:  DefaultRetryDelay,
		Options:     opts,
		Output:      out,
	}
}

// Connect returns an authenticated session for p.
func (m *Manager) Connect(ctx context.Context, p Params) (connector.Session, error) {
	if p.Host == "" {
		return nil, ErrMissingHost
	}
	if m.Recoverer != nil {
		return m.connectInteractive(ctx, p)
	}
	return m.connectBounded(ctx, p)
}

func (m *Manager) connectInteractive(ctx context.Context, p Params) (connector.Session, error) {
	for attempt := 1; ; attempt++ {
		sess, err := m.attempt(ctx, p)
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, newConnectionError(p, attempt, ctx.Err())
		}

		m.Output.Error("Failed to connect to %s: %v", p.Host, err)

		next, rerr := m.Recoverer.Recover(ctx, p, err)
		if rerr != nil {
			return nil, newConnectionError(p, attempt, fmt.Errorf("%w (gave up: %w)", err, rerr))
		}
		p = next
	}
}

func (m *Manager) connectBounded(ctx context.Context, p Params) (connector.Session, error) {
	maxAttempts := m.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	if m.RetryDelay > 0 {
		bo.InitialInterval = m.RetryDelay
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(maxAttempts-1)), ctx)

	var (
		sess     connector.Session
		attempts int
	)
	err := backoff.Retry(func() error {
		attempts++
		s, err := m.attempt(ctx, p)
		if err != nil {
			m.Output.Warn("Connection attempt %d/%d to %s failed: %v", attempts, maxAttempts, p.Host, err)
			return err
		}
		sess = s
		return nil
	}, policy)
	if err != nil {
		return nil, newConnectionError(p, attempts, err)
	}
	return sess, nil
}

// attempt makes one connection attempt and reports success.
func (m *Manager) attempt(ctx context.Context, p Params) (connector.Session, error) {
	log := logging.WithHost("ssh", p.Host)
	log.Debug().Str("target", p.String()).Msg("connecting")

	dial := m.dial
	if dial == nil {
		dial = m.dialSSH
	}

	sess, err := dial(ctx, p)
	if err != nil {
		log.Debug().Err(err).Msg("connection failed")
		return nil, err
	}

	m.Output.Connected(p.Host)
	return sess, nil
}

func (m *Manager) dialSSH(ctx context.Context, p Params) (connector.Session, error) {
	c := New(p, m.Options...)
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	return c, nil
}
