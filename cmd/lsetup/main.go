// Package main is the entrypoint for the lsetup CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	// Embedded zone database so --timezone validates on hosts without one.
	_ "time/tzdata"

	"github.com/spf13/cobra"

	// Import OS families to register them
	_ "github.com/eugenetaranov/lsetup/internal/server/debian"
	_ "github.com/eugenetaranov/lsetup/internal/server/redhat"

	"github.com/eugenetaranov/lsetup/internal/bootstrap"
	"github.com/eugenetaranov/lsetup/internal/config"
	"github.com/eugenetaranov/lsetup/internal/connector/ssh"
	"github.com/eugenetaranov/lsetup/internal/executor"
	"github.com/eugenetaranov/lsetup/internal/logging"
	"github.com/eugenetaranov/lsetup/internal/output"
	"github.com/eugenetaranov/lsetup/internal/prompt"
	"github.com/eugenetaranov/lsetup/internal/server"
	"github.com/eugenetaranov/lsetup/pkg/facts"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	debug      bool
	verbose    bool
	noColor    bool
	configPath string
	retries    int
)

// Connection flags shared by every command that takes a target.
var (
	port     int
	password string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lsetup",
	Short: "lsetup - Bootstrap and set up Linux servers over SSH",
	Long: `lsetup connects to a Linux server over SSH, checks that the
distribution is supported, switches to root (enabling passwordless sudo
for the login user when needed) and runs setup steps on it.

Supported: CentOS, CentOS Stream, Rocky, AlmaLinux, Oracle Linux,
Ubuntu and Debian.`,
	Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage: true,
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Show command output for every step")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Write a diagnostic log to the configured log directory")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.lsetup/config.yaml)")
	rootCmd.PersistentFlags().IntVar(&retries, "retries", ssh.DefaultMaxAttempts, "Connection attempts; 0 asks for new parameters after each failure")

	// Add subcommands
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(keysCmd)

	for _, cmd := range []*cobra.Command{connectCmd, initCmd, installCmd, runCmd} {
		cmd.Flags().IntVarP(&port, "port", "p", 0, "SSH port (default from ~/.ssh/config, then 22)")
		cmd.Flags().StringVarP(&password, "password", "w", "", "SSH and sudo password")
	}
}

// app carries what every command needs.
type app struct {
	out      *output.Output
	store    *config.Store
	prompter *prompt.Prompter
	logFile  *os.File
}

func newApp() (*app, error) {
	out := output.New(os.Stdout)
	out.SetColor(!noColor)
	out.SetDebug(debug)

	path := configPath
	if path == "" {
		var err error
		if path, err = config.DefaultPath(); err != nil {
			return nil, err
		}
	}
	store := config.NewStore(path)
	if err := store.Load(); err != nil {
		return nil, err
	}

	a := &app{
		out:      out,
		store:    store,
		prompter: prompt.New(os.Stdin, os.Stdout),
	}

	if verbose {
		f, err := logging.OpenFile(store.LogPath())
		if err != nil {
			return nil, err
		}
		a.logFile = f
		logging.Init(logging.Config{Level: "debug", Format: "json", Output: f})
		out.Debug("Diagnostic log: %s", f.Name())
	}
	return a, nil
}

func (a *app) close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// connect runs the bootstrap sequence against target.
func (a *app) connect(ctx context.Context, target string) (*server.Server, error) {
	params, err := ssh.ParseTarget(target)
	if err != nil {
		return nil, err
	}
	if port != 0 {
		params.Port = port
	}
	params.Password = password
	if params, err = params.Resolve(ssh.DefaultConfigPath()); err != nil {
		return nil, err
	}

	manager := ssh.NewManager(a.out, ssh.WithKeepAlive(30*time.Second))
	switch {
	case retries > 0:
		manager.MaxAttempts = retries
	case prompt.Interactive():
		manager.Recoverer = a.prompter
	default:
		manager.MaxAttempts = 1
	}

	b := bootstrap.New(manager, a.out)
	if prompt.Interactive() {
		b.AskPassword = func(user string) (string, error) {
			return a.prompter.Password(fmt.Sprintf("[sudo] password for %s", user))
		}
	}
	return b.Run(ctx, params)
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	// Handle interrupt signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted, cleaning up...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()

	return ctx, cancel
}

// withServer bootstraps args[0] and hands the server to fn.
func withServer(args []string, fn func(ctx context.Context, a *app, srv *server.Server) error) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signalContext()
	defer cancel()

	srv, err := a.connect(ctx, args[0])
	if err != nil {
		return err
	}
	defer srv.Close()

	return fn(ctx, a, srv)
}

// connectCmd bootstraps a host and reports what it found
var connectCmd = &cobra.Command{
	Use:   "connect [user@]host[:port]",
	Short: "Connect to a server and prepare it for setup",
	Long: `Connect over SSH, detect the distribution and switch to root.

When the login user needs a password for sudo, a passwordless sudo rule
is added to /etc/sudoers.d/<user> so later runs do not ask again.

Examples:
  lsetup connect web01
  lsetup connect alice@203.0.113.7 -p 2222
  lsetup connect alice@web01 -w secret`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(args, func(ctx context.Context, a *app, srv *server.Server) error {
			id := srv.Identity()
			a.out.Section("Server " + srv.Host())
			a.out.Step("Operating system", id.Pretty)
			a.out.Step("Family", string(id.Family))

			if host, err := facts.Gather(ctx, srv.Session()); err == nil {
				a.out.Step("Hostname", host.Hostname)
				a.out.Step("Kernel", host.Kernel+" ("+host.Arch+")")
			} else {
				a.out.Debug("gathering facts failed: %v", err)
				a.out.Step("Hostname", "unknown")
			}
			if ip, err := srv.PublicIP(ctx); err == nil {
				a.out.Step("Public IP", ip.String())
			} else {
				a.out.Debug("public IP lookup failed: %v", err)
				a.out.Step("Public IP", "unknown")
			}
			return nil
		})
	},
}

// initCmd runs the initial setup sequence
var initCmd = &cobra.Command{
	Use:   "init [user@]host[:port]",
	Short: "Run the initial setup of a server",
	Long: `Apply the initial setup: optional system update and packages,
hostname, time zone with NTP, "UseDNS no" for sshd, SELinux and
authorized keys from the local key store.

Examples:
  lsetup init web01 --hostname web01.example.com --timezone Europe/Berlin
  lsetup init alice@web01 --key laptop --key ci --disable-selinux --yes`,
	Args: cobra.ExactArgs(1),
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("hostname", "", "Set the host name")
	initCmd.Flags().String("timezone", "", "Set the time zone, e.g. Europe/Berlin")
	initCmd.Flags().StringSlice("key", nil, "Install a stored public key (repeatable)")
	initCmd.Flags().Bool("all-keys", false, "Install every stored public key")
	initCmd.Flags().StringSlice("package", nil, "Install a package (repeatable)")
	initCmd.Flags().Bool("update", false, "Update installed packages first")
	initCmd.Flags().Bool("keep-dns", false, "Leave sshd UseDNS unchanged")
	initCmd.Flags().Bool("disable-selinux", false, "Disable SELinux (RHEL-like hosts)")
	initCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")
}

func runInit(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	hostname, _ := flags.GetString("hostname")
	timezone, _ := flags.GetString("timezone")
	keyNames, _ := flags.GetStringSlice("key")
	allKeys, _ := flags.GetBool("all-keys")
	packages, _ := flags.GetStringSlice("package")
	update, _ := flags.GetBool("update")
	keepDNS, _ := flags.GetBool("keep-dns")
	disableSELinux, _ := flags.GetBool("disable-selinux")
	yes, _ := flags.GetBool("yes")

	return withServer(args, func(ctx context.Context, a *app, srv *server.Server) error {
		if allKeys {
			keyNames = a.store.KeyNames()
		}
		keys, err := namedKeys(a.store, keyNames)
		if err != nil {
			return err
		}

		settings := server.Settings{
			Update:         update,
			Packages:       packages,
			Hostname:       hostname,
			Timezone:       timezone,
			DisableDNS:     !keepDNS,
			DisableSELinux: disableSELinux,
			Keys:           keys,
		}

		if !yes {
			if !prompt.Interactive() {
				return errors.New("refusing to change the server without --yes on a non-interactive terminal")
			}
			ok, err := a.prompter.Confirm(fmt.Sprintf("Apply initial setup to %s?", srv.Host()), false)
			if err != nil {
				return err
			}
			if !ok {
				return prompt.ErrAborted
			}
		}

		report, err := srv.Initialize(ctx, settings)
		a.out.Recap(srv.Host(), report)
		return err
	})
}

// namedKeys looks up stored keys by name.
func namedKeys(store *config.Store, names []string) ([]server.NamedKey, error) {
	keys := make([]server.NamedKey, 0, len(names))
	for _, name := range names {
		k, err := store.Key(name)
		if err != nil {
			return nil, err
		}
		keys = append(keys, server.NamedKey{Name: name, Type: k.Type, Key: k.Key})
	}
	return keys, nil
}

// installCmd installs packages
var installCmd = &cobra.Command{
	Use:   "install [user@]host[:port] <package>...",
	Short: "Install packages on a server",
	Long: `Install packages with the distribution's package manager.
Packages that are already installed are skipped.

Examples:
  lsetup install web01 nginx curl`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withServer(args, func(ctx context.Context, a *app, srv *server.Server) error {
			start := time.Now()
			report := &server.Report{}
			defer func() {
				report.Duration = time.Since(start)
				a.out.Recap(srv.Host(), report)
			}()

			for _, pkg := range args[1:] {
				installed, err := srv.InstallPackage(ctx, pkg)
				switch {
				case err != nil:
					report.Failed++
					return err
				case installed:
					report.Changed++
				default:
					report.OK++
				}
			}
			return nil
		})
	},
}

// runCmd runs an arbitrary command in a pseudo-terminal
var runCmd = &cobra.Command{
	Use:   "run [user@]host[:port] -- <command>...",
	Short: "Run a command on a server",
	Long: `Run a command in a pseudo-terminal on the server. The command is
aborted when it produces no output for --timeout (0 disables this).

Examples:
  lsetup run web01 -- uptime
  lsetup run web01 --mode progress --timeout 0 -- yum -y upgrade`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCommand,
}

func init() {
	runCmd.Flags().String("mode", "echo", "Output mode: silent, echo, or progress")
	runCmd.Flags().Duration("timeout", executor.DefaultTimeout, "Abort after this long without output")
	runCmd.Flags().Bool("sudo", false, "Run the command through sudo")
}

func runCommand(cmd *cobra.Command, args []string) error {
	modeStr, _ := cmd.Flags().GetString("mode")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	useSudo, _ := cmd.Flags().GetBool("sudo")

	mode, err := executor.ParseMode(modeStr)
	if err != nil {
		return err
	}

	command := strings.Join(args[1:], " ")
	return withServer(args, func(ctx context.Context, a *app, srv *server.Server) error {
		if useSudo && srv.Session().User() != "root" {
			command = "sudo " + command
		}

		res, err := srv.Run(ctx, executor.Request{
			Command: command,
			Mode:    mode,
			Timeout: timeout,
			Label:   "Running " + command + " ",
		})
		if err != nil {
			return err
		}
		if mode != executor.Echo {
			fmt.Fprint(a.out.Writer(), res.Output)
		}
		if res.ExitStatus != 0 {
			return &server.CommandError{Host: srv.Host(), Cmd: command, ExitCode: res.ExitStatus}
		}
		return nil
	})
}
