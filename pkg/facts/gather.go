package facts

import (
	"context"
	"strings"

	"github.com/eugenetaranov/lsetup/internal/connector"
)

// Host holds basic system facts about a target.
type Host struct {
	Hostname string
	User     string
	Home     string
	Kernel   string

	// Architecture is the raw `uname -m` value; Arch is normalized.
	Architecture string
	Arch         string
}

// Gather collects system facts from the target. Facts that cannot be
// read are left empty.
func Gather(ctx context.Context, conn connector.Connector) (*Host, error) {
	h := &Host{}

	var err error
	if h.Hostname, err = gatherString(ctx, conn, "hostname"); err != nil {
		return nil, err
	}
	h.User, _ = gatherString(ctx, conn, "whoami")
	h.Home, _ = gatherString(ctx, conn, "echo $HOME")
	h.Kernel, _ = gatherString(ctx, conn, "uname -r")

	if arch, err := gatherString(ctx, conn, "uname -m"); err == nil {
		h.Architecture = arch
		h.Arch = normalizeArch(arch)
	}

	return h, nil
}

// normalizeArch maps kernel machine names to Go-style names.
func normalizeArch(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "armv7l":
		return "arm"
	default:
		return arch
	}
}

// gatherString runs cmd and returns its trimmed stdout.
func gatherString(ctx context.Context, conn connector.Connector, cmd string) (string, error) {
	result, err := conn.Execute(ctx, cmd)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(result.Stdout), nil
}
