package store

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory creates a Store from a backend URI.
// The full URI is passed through, scheme included, so factories can
// reuse driver-native connection-string parsing.
type Factory func(uri string) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
	// opened tracks schemes that have produced at least one Store.
	// Registration for an opened scheme is rejected so a scheme cannot
	// change meaning mid-run.
	opened = make(map[string]bool)
)

// Register adds a backend factory for a URI scheme. Schemes are
// case-sensitive. Registering a nil factory or a duplicate scheme
// panics (a programming error, caught at init time). Registering a
// scheme after a backend of that scheme has been opened returns an
// error instead, since instances with divergent behavior could
// otherwise coexist.
//
// Third-party backends register themselves before first use:
//
//	func init() {
//	    store.Register("etcd", func(uri string) (store.Store, error) {
//	        return newEtcdStore(uri)
//	    })
//	}
func Register(scheme string, factory Factory) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic("store: Register factory is nil")
	}
	if _, dup := registry[scheme]; dup {
		panic("store: Register called twice for scheme " + scheme)
	}
	if opened[scheme] {
		return fmt.Errorf("store: scheme %q already instantiated, registration rejected", scheme)
	}
	registry[scheme] = factory
	return nil
}

// Open creates a Store for the given backend URI, e.g.
// "sqlite:///var/data/sessions.db" or "redis://localhost:6379/0".
// Unknown schemes fail with *UnsupportedBackendError.
func Open(uri string) (Store, error) {
	scheme, _, ok := strings.Cut(uri, "://")
	if !ok || scheme == "" {
		return nil, fmt.Errorf("malformed backend URI %q: missing scheme", uri)
	}

	registryMu.Lock()
	factory, found := registry[scheme]
	if found {
		opened[scheme] = true
	}
	registryMu.Unlock()

	if !found {
		return nil, &UnsupportedBackendError{Scheme: scheme, Registered: Schemes()}
	}

	s, err := factory(uri)
	if err != nil {
		return nil, fmt.Errorf("open %s backend: %w", scheme, err)
	}
	return s, nil
}

// Schemes returns the registered backend schemes in sorted order.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	schemes := make([]string, 0, len(registry))
	for s := range registry {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)
	return schemes
}

// IsRegistered checks whether a scheme has a registered factory.
func IsRegistered(scheme string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()

	_, ok := registry[scheme]
	return ok
}

// unregister removes a scheme and its opened mark. Test helper only.
func unregister(scheme string) {
	registryMu.Lock()
	defer registryMu.Unlock()

	delete(registry, scheme)
	delete(opened, scheme)
}
