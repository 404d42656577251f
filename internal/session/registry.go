package session

import (
	"fmt"

	olcerrors "github.com/google/device-infra-sub011/internal/errors"
	"github.com/google/device-infra-sub011/internal/model"
)

// PluginFactory builds a Plugin from its opaque per-session configuration
// blob (spec §3's PluginConfig). Plugin business logic itself is out of
// scope (Non-goals); the registry only owns name -> instance wiring,
// mirroring internal/driver.Registry's "name -> factory" shape.
type PluginFactory func(cfg []byte) Plugin

// PluginRegistry resolves SessionConfig's plugin names into live Plugin
// instances at session-creation time.
type PluginRegistry struct {
	factories map[string]PluginFactory
}

// NewPluginRegistry constructs an empty PluginRegistry.
func NewPluginRegistry() *PluginRegistry {
	return &PluginRegistry{factories: make(map[string]PluginFactory)}
}

// Register adds a named factory. Panics if name is already registered,
// matching internal/driver.Registry's fail-fast-at-wiring-time behavior.
func (r *PluginRegistry) Register(name string, factory PluginFactory) {
	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("session: plugin %q already registered", name))
	}
	r.factories[name] = factory
}

// Build instantiates one Plugin per entry of cfgs, in order.
func (r *PluginRegistry) Build(cfgs []model.PluginConfig) ([]Plugin, error) {
	plugins := make([]Plugin, 0, len(cfgs))
	for _, c := range cfgs {
		factory, ok := r.factories[c.Name]
		if !ok {
			return nil, olcerrors.Newf(olcerrors.KindInvalidArgument, "session: unregistered plugin %q", c.Name)
		}
		plugins = append(plugins, factory(c.Config))
	}
	return plugins, nil
}
