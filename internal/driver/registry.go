package driver

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	registryMu sync.RWMutex
	drivers    = make(map[string]Driver)
)

// Register makes a driver available under its name and aliases. It is called
// from the init function of each driver package and panics on duplicates.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()

	for _, name := range append([]string{d.Name()}, d.Aliases()...) {
		name = strings.ToLower(name)
		if _, exists := drivers[name]; exists {
			panic(fmt.Sprintf("driver %q already registered", name))
		}
		drivers[name] = d
	}
}

// Get looks a driver up by name or alias, ignoring case.
func Get(nameOrAlias string) (Driver, error) {
	registryMu.RLock()
	d, exists := drivers[strings.ToLower(nameOrAlias)]
	registryMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown database driver: %q (available: %v)", nameOrAlias, Available())
	}
	return d, nil
}

// Canonicalize maps an alias such as "sqlserver" to the primary name. Unknown
// names are returned unchanged.
func Canonicalize(nameOrAlias string) string {
	if d, err := Get(nameOrAlias); err == nil {
		return d.Name()
	}
	return nameOrAlias
}

// Available returns the sorted primary names of all registered drivers.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	seen := make(map[string]bool)
	var names []string
	for _, d := range drivers {
		if !seen[d.Name()] {
			seen[d.Name()] = true
			names = append(names, d.Name())
		}
	}
	sort.Strings(names)
	return names
}

// IsRegistered reports whether a driver is known under nameOrAlias.
func IsRegistered(nameOrAlias string) bool {
	_, err := Get(nameOrAlias)
	return err == nil
}
