// Package debian administers Debian and Ubuntu hosts with dpkg and apt-get.
package debian

import (
	"fmt"
	"strings"

	"github.com/eugenetaranov/lsetup/internal/server"
	"github.com/eugenetaranov/lsetup/pkg/facts"
)

func init() {
	server.Register(&Family{})
}

// Family implements server.Family for Debian-like distributions.
type Family struct{}

// Name returns the family identifier.
func (f *Family) Name() facts.Family {
	return facts.FamilyDebian
}

// PackageQuery exits 0 only when dpkg reports the package fully installed.
// Removed packages with leftover config files do not count.
func (f *Family) PackageQuery(pkg string) string {
	return fmt.Sprintf("dpkg-query -W -f='${Status}' %s 2>/dev/null | grep -q 'install ok installed'", pkg)
}

// PackageInstall installs packages without prompting.
func (f *Family) PackageInstall(pkgs ...string) string {
	return "DEBIAN_FRONTEND=noninteractive apt-get install -y -qq " + strings.Join(pkgs, " ")
}

// SystemUpdate refreshes the package lists and upgrades installed packages.
func (f *Family) SystemUpdate() []string {
	return []string{
		"DEBIAN_FRONTEND=noninteractive apt-get update -qq",
		"DEBIAN_FRONTEND=noninteractive apt-get upgrade -y -qq",
	}
}
