package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kevinburke/ssh_config"
)

const (
	// DefaultPort is used when neither the caller nor the client config sets a port.
	DefaultPort = 22

	// DefaultUser is used when neither the caller nor the client config sets a user.
	DefaultUser = "root"
)

// ErrMissingHost is returned when no target host was given.
var ErrMissingHost = errors.New("missing host")

// Params are the parameters for one connection attempt.
type Params struct {
	Host     string
	Port     int
	User     string
	Password string
}

// Address returns host:port.
func (p Params) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// String returns user@host:port. The password is never included.
func (p Params) String() string {
	s := p.Host
	if p.User != "" {
		s = p.User + "@" + s
	}
	if p.Port != 0 {
		s += ":" + strconv.Itoa(p.Port)
	}
	return s
}

// ParseTarget parses "[user@]host[:port]".
func ParseTarget(target string) (Params, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Params{}, ErrMissingHost
	}

	var p Params
	if at := strings.LastIndex(target, "@"); at >= 0 {
		p.User = target[:at]
		target = target[at+1:]
		if p.User == "" {
			return Params{}, fmt.Errorf("invalid target: empty user")
		}
	}

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// No port given.
		host = strings.Trim(target, "[]")
		portStr = ""
	}
	if host == "" {
		return Params{}, ErrMissingHost
	}
	p.Host = host

	if portStr != "" {
		port, err := parsePort(portStr)
		if err != nil {
			return Params{}, err
		}
		p.Port = port
	}
	return p, nil
}

// DefaultConfigPath returns ~/.ssh/config, or "" if the home directory is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".ssh", "config")
}

// Resolve fills in User and Port from the client config file at path and
// then from the defaults. Values already set are never overridden. A
// missing config file is not an error.
func (p Params) Resolve(path string) (Params, error) {
	if p.Host == "" {
		return p, ErrMissingHost
	}

	if path != "" && (p.User == "" || p.Port == 0) {
		cfg, err := loadClientConfig(path)
		if err != nil {
			return p, err
		}
		if cfg != nil {
			if p.User == "" {
				user, err := cfg.Get(p.Host, "User")
				if err != nil {
					return p, fmt.Errorf("failed to read User for %s from %s: %w", p.Host, path, err)
				}
				p.User = user
			}
			if p.Port == 0 {
				portStr, err := cfg.Get(p.Host, "Port")
				if err != nil {
					return p, fmt.Errorf("failed to read Port for %s from %s: %w", p.Host, path, err)
				}
				if portStr != "" {
					port, err := parsePort(portStr)
					if err != nil {
						return p, fmt.Errorf("%s: %w", path, err)
					}
					p.Port = port
				}
			}
		}
	}

	if p.User == "" {
		p.User = DefaultUser
	}
	if p.Port == 0 {
		p.Port = DefaultPort
	}
	return p, nil
}

// loadClientConfig parses the file at path. It returns nil for a missing file.
func loadClientConfig(path string) (*ssh_config.Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh config: %w", err)
	}
	defer f.Close()

	cfg, err := ssh_config.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh config %s: %w", path, err)
	}
	return cfg, nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
