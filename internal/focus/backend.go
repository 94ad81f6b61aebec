package focus

import (
	"fmt"
	"sort"
	"sync"
)

// BackendGo names the built-in pure Go numerics.
const BackendGo = "go"

// Backend supplies the solver, warper and filter of a numeric library.
// Nil fields keep the built-in implementation.
type Backend func() Capabilities

var (
	backendMu sync.RWMutex
	backends  = map[string]Backend{}
)

// RegisterBackend makes a numeric backend available by name. Build-tagged
// packages call it from init.
func RegisterBackend(name string, b Backend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	backends[name] = b
}

// Backends lists the selectable backend names, sorted.
func Backends() []string {
	backendMu.RLock()
	defer backendMu.RUnlock()
	names := []string{BackendGo}
	for n := range backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// backendCapabilities returns the collaborators of the named backend; the
// built-in backend contributes none.
func backendCapabilities(name string) (Capabilities, error) {
	if name == "" || name == BackendGo {
		return Capabilities{}, nil
	}
	backendMu.RLock()
	b, ok := backends[name]
	backendMu.RUnlock()
	if !ok {
		return Capabilities{}, fmt.Errorf("unknown numeric backend %q (available: %v)", name, Backends())
	}
	return b(), nil
}
