package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/modelgate/modelgate/pkg/provider"
)

// ErrFactoryNotRegistered is returned by Build when no factory has been
// registered for the entry's kind.
var ErrFactoryNotRegistered = errors.New("config: provider factory not registered")

// Factory builds a provider adapter from its config entry.
type Factory func(ProviderConfig) (provider.Adapter, error)

// Builders maps provider kinds to adapter factories. The application
// registers one factory per kind at startup and constructs every configured
// provider through [Builders.Build]. Safe for concurrent use.
type Builders struct {
	mu        sync.RWMutex
	factories map[ProviderKind]Factory
}

// NewBuilders returns an empty, ready-to-use [Builders].
func NewBuilders() *Builders {
	return &Builders{factories: make(map[ProviderKind]Factory)}
}

// Register installs a factory for kind. Subsequent calls with the same kind
// overwrite the previous registration.
func (b *Builders) Register(kind ProviderKind, f Factory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.factories[kind] = f
}

// Build instantiates the adapter for entry using the factory registered for
// its kind. Returns [ErrFactoryNotRegistered] when the kind has no factory.
func (b *Builders) Build(entry ProviderConfig) (provider.Adapter, error) {
	b.mu.RLock()
	f, ok := b.factories[entry.Kind]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%q", ErrFactoryNotRegistered, entry.Kind, entry.Name)
	}
	return f(entry)
}
