// Package registry maps source types to connector factories. Source
// packages register themselves from init; importing
// pkg/connector/sources pulls in every built-in variant.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/catalogsync/pkg/config"
	"github.com/ajitpratap0/catalogsync/pkg/connector/core"
	"github.com/ajitpratap0/catalogsync/pkg/logger"
	"github.com/ajitpratap0/catalogsync/pkg/models"
	"github.com/ajitpratap0/catalogsync/pkg/syncerrors"
)

// Factory creates a connector from the application configuration.
type Factory func(cfg *config.Config) (core.Connector, error)

// Registry manages connector registration and instantiation
type Registry struct {
	factories map[models.SourceType]Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[models.SourceType]Factory),
		logger:    logger.Get().With(zap.String("component", "connector_registry")),
	}
}

// Register adds a factory for sourceType.
func (r *Registry) Register(sourceType models.SourceType, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[sourceType]; exists {
		return syncerrors.New(syncerrors.ErrorTypeConfig, fmt.Sprintf("connector for %s already registered", sourceType))
	}
	r.factories[sourceType] = factory
	r.logger.Debug("connector registered", zap.String("source_type", string(sourceType)))
	return nil
}

// Create instantiates the connector for sourceType.
func (r *Registry) Create(sourceType models.SourceType, cfg *config.Config) (core.Connector, error) {
	r.mu.RLock()
	factory, exists := r.factories[sourceType]
	r.mu.RUnlock()

	if !exists {
		return nil, syncerrors.New(syncerrors.ErrorTypeConfig, fmt.Sprintf("no connector registered for source type %q", sourceType))
	}
	if cfg == nil {
		cfg = config.Default()
	}

	c, err := factory(cfg)
	if err != nil {
		return nil, syncerrors.Wrap(err, syncerrors.TypeOf(err), fmt.Sprintf("failed to create %s connector", sourceType))
	}
	return c, nil
}

// List returns registered source types in sorted order.
func (r *Registry) List() []models.SourceType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.SourceType, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// Register adds a factory to the global registry. It panics on duplicate
// registration, which only happens through a programming error in init.
func Register(sourceType models.SourceType, factory Factory) {
	if err := globalRegistry.Register(sourceType, factory); err != nil {
		panic(err)
	}
}

// Create instantiates a connector from the global registry.
func Create(sourceType models.SourceType, cfg *config.Config) (core.Connector, error) {
	return globalRegistry.Create(sourceType, cfg)
}

// List returns the source types in the global registry.
func List() []models.SourceType {
	return globalRegistry.List()
}
