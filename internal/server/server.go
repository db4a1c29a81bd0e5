// Package server administers a bootstrapped host: packages, host identity,
// SSH hardening and authorized keys.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/eugenetaranov/lsetup/internal/connector"
	"github.com/eugenetaranov/lsetup/internal/executor"
	"github.com/eugenetaranov/lsetup/internal/logging"
	"github.com/eugenetaranov/lsetup/internal/output"
	"github.com/eugenetaranov/lsetup/pkg/facts"
)

const (
	// PublicIPCommand asks an external echo service for the host's public address.
	PublicIPCommand = "curl -s -m 30 checkip.dyndns.com"

	// DisableDNSCommand turns off reverse DNS lookups in sshd.
	DisableDNSCommand = `sed -i.bak -e 's/^#UseDNS.*/UseDNS no/' -e 's/^UseDNS.*/UseDNS no/' /etc/ssh/sshd_config`

	ensureKeysFileCommand = "mkdir -p ~/.ssh && chmod 700 ~/.ssh && touch ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys"
	readKeysFileCommand   = "cat ~/.ssh/authorized_keys"
)

// NamedKey is a public key to install, labelled for status output.
type NamedKey struct {
	Name string
	Type string
	Key  string
}

// Line returns the authorized_keys representation of the key.
func (k NamedKey) Line() string {
	return k.Type + " " + k.Key
}

// Option configures a Server.
type Option func(*Server)

// WithOutput sets where status lines are printed.
func WithOutput(out *output.Output) Option {
	return func(s *Server) { s.out = out }
}

// WithExecutor replaces the executor commands run through.
func WithExecutor(e *executor.Executor) Option {
	return func(s *Server) { s.exec = e }
}

// Server is a supported, bootstrapped host.
type Server struct {
	sess     connector.Session
	identity facts.Identity
	family   Family
	exec     *executor.Executor
	out      *output.Output
	log      zerolog.Logger
}

// New wraps sess for a host identified as id. The family for id must be registered.
func New(sess connector.Session, id facts.Identity, opts ...Option) (*Server, error) {
	family := Get(id.Family)
	if family == nil {
		return nil, fmt.Errorf("%s: no implementation for OS family %q (available: %s)",
			sess.Host(), id.Family, strings.Join(List(), ", "))
	}

	s := &Server{
		sess:     sess,
		identity: id,
		family:   family,
		out:      output.New(os.Stdout),
		log:      logging.WithHost("server", sess.Host()),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.exec == nil {
		s.exec = executor.New(sess)
		s.exec.Console = s.out.Writer()
	}
	return s, nil
}

// Identity returns the detected OS identity.
func (s *Server) Identity() facts.Identity {
	return s.identity
}

// Session returns the underlying session.
func (s *Server) Session() connector.Session {
	return s.sess
}

// Host returns the remote host name.
func (s *Server) Host() string {
	return s.sess.Host()
}

// Run executes a raw command through the executor. No sudo prefix is added.
func (s *Server) Run(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return s.exec.Run(ctx, req)
}

// Close closes the session.
func (s *Server) Close() error {
	return s.sess.Close()
}

// sudo prefixes cmd unless the session user is root.
func (s *Server) sudo(cmd string) string {
	if s.sess.User() == "root" {
		return cmd
	}
	return "sudo " + cmd
}

// runStep runs a privileged command and prints one status line for it.
func (s *Server) runStep(ctx context.Context, message, cmd string, mode executor.Mode, timeout time.Duration) error {
	cmd = s.sudo(cmd)
	req := executor.Request{Command: cmd, Mode: mode, Timeout: timeout}
	if mode == executor.Progress {
		req.Label = fmt.Sprintf("   - %-40s : ", message)
	}

	res, err := s.exec.Run(ctx, req)
	if err != nil {
		s.out.Step(message, "failed")
		return err
	}
	if res.ExitStatus != 0 {
		s.out.StepDetail(message, "failed", res.Output)
		return &CommandError{Host: s.Host(), Cmd: cmd, ExitCode: res.ExitStatus, Output: res.Output}
	}
	s.out.StepDetail(message, "done", res.Output)
	return nil
}

// IsPackageInstalled reports whether pkg is installed. The exit status of
// the family's query command is authoritative.
func (s *Server) IsPackageInstalled(ctx context.Context, pkg string) (bool, error) {
	res, err := s.exec.Run(ctx, executor.Request{
		Command: s.sudo(s.family.PackageQuery(pkg)),
		Mode:    executor.Silent,
		Timeout: executor.DefaultTimeout,
	})
	if err != nil {
		return false, err
	}
	return res.ExitStatus == 0, nil
}

// InstallPackage installs pkg unless it is already present. It reports
// whether anything was installed.
func (s *Server) InstallPackage(ctx context.Context, pkg string) (bool, error) {
	message := "Installing " + pkg

	installed, err := s.IsPackageInstalled(ctx, pkg)
	if err != nil {
		return false, fmt.Errorf("failed to query package %s: %w", pkg, err)
	}
	if installed {
		s.out.Step(message, "already installed")
		return false, nil
	}

	// Package managers can stay silent for a long time while downloading.
	if err := s.runStep(ctx, message, s.family.PackageInstall(pkg), executor.Progress, 0); err != nil {
		return false, err
	}
	return true, nil
}

// Update brings installed packages up to date.
func (s *Server) Update(ctx context.Context) error {
	for _, cmd := range s.family.SystemUpdate() {
		if err := s.runStep(ctx, "Updating system packages", cmd, executor.Progress, 0); err != nil {
			return err
		}
	}
	return nil
}

// Hostname returns the current host name.
func (s *Server) Hostname(ctx context.Context) (string, error) {
	res, err := s.sess.Execute(ctx, "hostname")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &CommandError{Host: s.Host(), Cmd: "hostname", ExitCode: res.ExitCode, Output: res.Stderr}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// SetHostname sets the static host name. It reports whether it changed.
func (s *Server) SetHostname(ctx context.Context, name string) (bool, error) {
	if !validHostname(name) {
		return false, fmt.Errorf("invalid hostname %q", name)
	}

	current, err := s.Hostname(ctx)
	if err != nil {
		return false, err
	}
	message := "Setting hostname to " + name
	if current == name {
		s.out.Step(message, "ok")
		return false, nil
	}

	if err := s.runStep(ctx, message, "hostnamectl set-hostname "+name, executor.Silent, executor.DefaultTimeout); err != nil {
		return false, err
	}
	return true, nil
}

// SetTimezone sets the system time zone and enables NTP synchronization.
func (s *Server) SetTimezone(ctx context.Context, zone string) error {
	if _, err := time.LoadLocation(zone); err != nil || zone == "" || zone == "Local" {
		return fmt.Errorf("invalid time zone %q", zone)
	}

	if err := s.runStep(ctx, "Setting time zone to "+zone, "timedatectl set-timezone "+zone, executor.Silent, executor.DefaultTimeout); err != nil {
		return err
	}
	return s.runStep(ctx, "Enabling NTP synchronization", "timedatectl set-ntp true", executor.Silent, executor.DefaultTimeout)
}

// DisableSSHDNS sets "UseDNS no" in the sshd configuration.
func (s *Server) DisableSSHDNS(ctx context.Context) error {
	return s.runStep(ctx, "Disabling DNS lookups in sshd", DisableDNSCommand, executor.Silent, executor.DefaultTimeout)
}

// DisableSELinux switches SELinux off now and on the next boot.
func (s *Server) DisableSELinux(ctx context.Context) error {
	se, ok := s.family.(SELinuxFamily)
	if !ok {
		return fmt.Errorf("%s: disable SELinux: %w", s.Host(), ErrNotSupported)
	}
	for _, cmd := range se.DisableSELinux() {
		if err := s.runStep(ctx, "Disabling SELinux", cmd, executor.Silent, executor.DefaultTimeout); err != nil {
			return err
		}
	}
	return nil
}

// PublicIP returns the host's address as seen from the internet.
func (s *Server) PublicIP(ctx context.Context) (net.IP, error) {
	res, err := s.exec.Run(ctx, executor.Request{
		Command: PublicIPCommand,
		Mode:    executor.Silent,
		Timeout: executor.DefaultTimeout,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitStatus != 0 {
		return nil, &CommandError{Host: s.Host(), Cmd: PublicIPCommand, ExitCode: res.ExitStatus, Output: res.Output}
	}
	return parseCheckIP(res.Output)
}

// parseCheckIP extracts the address from a checkip response body such as
// "<body>Current IP Address: 203.0.113.7</body>".
func parseCheckIP(body string) (net.IP, error) {
	_, rest, found := strings.Cut(body, ": ")
	if !found {
		return nil, fmt.Errorf("unexpected public IP response: %q", strings.TrimSpace(body))
	}
	addr, _, _ := strings.Cut(rest, "<")
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return nil, fmt.Errorf("unexpected public IP response: %q", strings.TrimSpace(body))
	}
	return ip, nil
}

// AddAuthorizedKeys appends keys to the session user's authorized_keys,
// skipping any whose payload already appears in the file. It returns the
// names of the keys added.
func (s *Server) AddAuthorizedKeys(ctx context.Context, keys []NamedKey) ([]string, error) {
	if err := s.execute(ctx, ensureKeysFileCommand); err != nil {
		return nil, fmt.Errorf("failed to prepare authorized_keys: %w", err)
	}

	res, err := s.sess.Execute(ctx, readKeysFileCommand)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, &CommandError{Host: s.Host(), Cmd: readKeysFileCommand, ExitCode: res.ExitCode, Output: res.Stderr}
	}
	existing := strings.Split(res.Stdout, "\n")

	var added []string
	for _, k := range keys {
		message := "Adding key " + k.Name
		if hasKey(existing, k.Key) {
			s.out.Step(message, "already present")
			continue
		}

		cmd := fmt.Sprintf("echo '%s' >> ~/.ssh/authorized_keys", k.Line())
		if err := s.execute(ctx, cmd); err != nil {
			s.out.Step(message, "failed")
			return added, err
		}
		existing = append(existing, k.Line())
		added = append(added, k.Name)
		s.out.Step(message, "added")
	}

	s.log.Debug().Strs("keys", added).Msg("authorized keys updated")
	return added, nil
}

// execute runs cmd without a pty and converts a non-zero exit into a CommandError.
func (s *Server) execute(ctx context.Context, cmd string) error {
	res, err := s.sess.Execute(ctx, cmd)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &CommandError{Host: s.Host(), Cmd: cmd, ExitCode: res.ExitCode, Output: res.Stdout + res.Stderr}
	}
	return nil
}

func hasKey(lines []string, payload string) bool {
	if payload == "" {
		return false
	}
	for _, line := range lines {
		if strings.Contains(line, payload) {
			return true
		}
	}
	return false
}

func validHostname(name string) bool {
	if name == "" || len(name) > 253 {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" || len(label) > 63 || label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return true
}
