// Package plugin defines the external scanner interface for Overwatch.
package plugin

import (
	"context"
	"sort"
	"sync"

	"github.com/yairfalse/overwatch/pkg/resource"
)

// Verification is what the provider reports after a successful access check.
type Verification struct {
	AccountID string // the account the role actually lives in
	Challenge string // the challenge the provider accepted
}

// Access is the credential context passed to Scan and DeleteResource.
type Access struct {
	Account   resource.AccountRef
	Challenge string
}

// Plugin is the capability every cloud provider implements.
// Errors must be classified as apperr ExternalUnavailable or ExternalRejected.
type Plugin interface {
	// Name returns the plugin identifier (e.g., "aws", "memory")
	Name() string

	// VerifyAccess proves the account granted access with challenge.
	VerifyAccess(ctx context.Context, ref resource.AccountRef, challenge string) (Verification, error)

	// Scan lists every tagged, active resource in the account.
	Scan(ctx context.Context, access Access) (resource.ScanBatch, error)

	// DeleteResource deletes rec in the external account.
	// A resource that is already gone counts as deleted.
	DeleteResource(ctx context.Context, access Access, rec resource.Record) error
}

// Registry holds registered plugins.
var (
	registry = make(map[string]Plugin)
	mu       sync.RWMutex
)

// Register adds a plugin to the registry.
func Register(p Plugin) {
	mu.Lock()
	defer mu.Unlock()
	registry[p.Name()] = p
}

// Get returns a plugin by name.
func Get(name string) (Plugin, bool) {
	mu.RLock()
	defer mu.RUnlock()
	p, ok := registry[name]
	return p, ok
}

// All returns all registered plugins ordered by name.
func All() []Plugin {
	mu.RLock()
	defer mu.RUnlock()
	plugins := make([]Plugin, 0, len(registry))
	for _, p := range registry {
		plugins = append(plugins, p)
	}
	sort.Slice(plugins, func(i, j int) bool { return plugins[i].Name() < plugins[j].Name() })
	return plugins
}

// Names returns all registered plugin names.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clear removes all plugins from the registry. Used for testing.
func Clear() {
	mu.Lock()
	defer mu.Unlock()
	registry = make(map[string]Plugin)
}
