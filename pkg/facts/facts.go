// Package facts identifies the operating system of target hosts and gathers
// basic system information.
package facts

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/eugenetaranov/lsetup/internal/connector"
)

// ProbeCommand extracts and unquotes PRETTY_NAME from /etc/os-release.
// The allow-list below is keyed on what this exact pipeline prints.
const ProbeCommand = `grep '^PRETTY_NAME=' /etc/os-release | cut -d '=' -f 2 | tr -d '"'`

// Family is a group of distributions managed the same way.
type Family string

const (
	// FamilyRHEL covers RHEL rebuilds using rpm and yum.
	FamilyRHEL Family = "rhel"
	// FamilyDebian covers Debian and Ubuntu using dpkg and apt.
	FamilyDebian Family = "debian"
)

// supported is the closed table of recognized normalized OS identities.
var supported = map[Family][]string{
	FamilyRHEL: {
		"CentOS Linux 7",
		"CentOS Linux 8",
		"CentOS Stream 8",
		"CentOS Stream 9",
		"Oracle Linux 8",
		"Oracle Linux 9",
		"Oracle Linux Server 8",
		"Oracle Linux Server 9",
		"Rocky Linux 8",
		"Rocky Linux 9",
		"AlmaLinux 8",
		"AlmaLinux 9",
	},
	FamilyDebian: {
		"Ubuntu 18",
		"Ubuntu 20",
		"Ubuntu 22",
		"Ubuntu 24",
		"Debian GNU/Linux 11",
		"Debian GNU/Linux 12",
	},
}

// Identity is the detected operating system of a host.
type Identity struct {
	// Family selects the server implementation.
	Family Family

	// Version is the normalized name, e.g. "CentOS Linux 7".
	Version string

	// Pretty is the raw probe output, trimmed.
	Pretty string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s (%s)", id.Version, id.Family)
}

// UnsupportedOSError is returned when the detected OS is not in the allow-list.
type UnsupportedOSError struct {
	Host     string
	Detected string
}

func (e *UnsupportedOSError) Error() string {
	detected := e.Detected
	if detected == "" {
		detected = "unknown"
	}
	return fmt.Sprintf("%s: unsupported operating system %q", e.Host, detected)
}

// versionPrefix captures everything up to and including the first integer.
var versionPrefix = regexp.MustCompile(`^[^\d]*\d+`)

// Normalize reduces a pretty name to its leading name plus major version:
// "CentOS Linux 7.9.2009" becomes "CentOS Linux 7". Strings without a
// digit are returned trimmed.
func Normalize(pretty string) string {
	pretty = strings.TrimSpace(pretty)
	if m := versionPrefix.FindString(pretty); m != "" {
		return m
	}
	return pretty
}

// Lookup returns the family for a normalized identity.
func Lookup(version string) (Family, bool) {
	for family, versions := range supported {
		for _, v := range versions {
			if v == version {
				return family, true
			}
		}
	}
	return "", false
}

// Supported returns every recognized identity, sorted.
func Supported() []string {
	var all []string
	for _, versions := range supported {
		all = append(all, versions...)
	}
	sort.Strings(all)
	return all
}

// Identify classifies raw probe output.
func Identify(host, probeOutput string) (*Identity, error) {
	pretty := strings.TrimSpace(probeOutput)
	version := Normalize(pretty)
	family, ok := Lookup(version)
	if !ok {
		return nil, &UnsupportedOSError{Host: host, Detected: version}
	}
	return &Identity{Family: family, Version: version, Pretty: pretty}, nil
}

// Fingerprint runs ProbeCommand on the session and classifies the result.
// A host outside the allow-list yields *UnsupportedOSError.
func Fingerprint(ctx context.Context, sess connector.Session) (*Identity, error) {
	result, err := sess.Execute(ctx, ProbeCommand)
	if err != nil {
		return nil, fmt.Errorf("%s: failed to probe operating system: %w", sess.Host(), err)
	}
	if result.ExitCode != 0 {
		return nil, &UnsupportedOSError{Host: sess.Host()}
	}
	return Identify(sess.Host(), result.Stdout)
}
