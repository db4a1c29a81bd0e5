// Package redhat administers RHEL-like hosts (CentOS, Rocky, AlmaLinux,
// Oracle Linux) with rpm and yum.
package redhat

import (
	"strings"

	"github.com/eugenetaranov/lsetup/internal/server"
	"github.com/eugenetaranov/lsetup/pkg/facts"
)

func init() {
	server.Register(&Family{})
}

// Family implements server.SELinuxFamily for RHEL-like distributions.
type Family struct{}

// Name returns the family identifier.
func (f *Family) Name() facts.Family {
	return facts.FamilyRHEL
}

// PackageQuery exits 0 iff the package is installed.
func (f *Family) PackageQuery(pkg string) string {
	return "rpm -q " + pkg
}

// PackageInstall installs packages without prompting.
func (f *Family) PackageInstall(pkgs ...string) string {
	return "yum install -y " + strings.Join(pkgs, " ")
}

// SystemUpdate upgrades installed packages.
func (f *Family) SystemUpdate() []string {
	return []string{"yum update -y"}
}

// DisableSELinux sets permissive mode now and disables SELinux on boot.
// setenforce fails when SELinux is already disabled, which is fine.
func (f *Family) DisableSELinux() []string {
	return []string{
		"setenforce 0 || true",
		"sed -i 's/^SELINUX=.*/SELINUX=disabled/' /etc/selinux/config",
	}
}
