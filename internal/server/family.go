package server

import (
	"fmt"
	"sort"
	"sync"

	"github.com/eugenetaranov/lsetup/pkg/facts"
)

// Family describes how a group of distributions is administered. Commands
// are returned without a sudo prefix; the Server adds it when needed.
type Family interface {
	// Name returns the OS family this implementation serves.
	Name() facts.Family

	// PackageQuery returns a command that exits 0 iff pkg is installed.
	PackageQuery(pkg string) string

	// PackageInstall returns a non-interactive install command.
	PackageInstall(pkgs ...string) string

	// SystemUpdate returns the commands that bring installed packages up to date.
	SystemUpdate() []string
}

// SELinuxFamily is implemented by families whose hosts ship SELinux.
type SELinuxFamily interface {
	Family

	// DisableSELinux returns the commands that switch SELinux off now and on boot.
	DisableSELinux() []string
}

// registry holds all registered families.
var (
	registry   = make(map[facts.Family]Family)
	registryMu sync.RWMutex
)

// Register adds a family to the registry.
// It panics if a family with the same name is already registered.
func Register(f Family) {
	registryMu.Lock()
	defer registryMu.Unlock()

	name := f.Name()
	if _, exists := registry[name]; exists {
		panic(fmt.Sprintf("family %q is already registered", name))
	}
	registry[name] = f
}

// Get retrieves a family from the registry by name.
// Returns nil if the family is not found.
func Get(name facts.Family) Family {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

// List returns the names of all registered families, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, string(name))
	}
	sort.Strings(names)
	return names
}
