package platform

import (
	"fmt"

	"github.com/MarkoPoloResearchLab/publisher/pkg/credential"
)

// Registry resolves the adapter for a platform.
type Registry struct {
	adapters map[credential.Platform]Adapter
}

// NewRegistry indexes adapters by platform, rejecting duplicates.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	indexed := make(map[credential.Platform]Adapter, len(adapters))
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		if _, exists := indexed[adapter.Platform()]; exists {
			return nil, fmt.Errorf("duplicate adapter for platform %s", adapter.Platform())
		}
		indexed[adapter.Platform()] = adapter
	}
	return &Registry{adapters: indexed}, nil
}

// Adapter returns the adapter registered for the platform.
func (registry *Registry) Adapter(platform credential.Platform) (Adapter, bool) {
	adapter, ok := registry.adapters[platform]
	return adapter, ok
}

// Platforms lists the registered platforms.
func (registry *Registry) Platforms() []credential.Platform {
	platforms := make([]credential.Platform, 0, len(registry.adapters))
	for platform := range registry.adapters {
		platforms = append(platforms, platform)
	}
	return platforms
}
