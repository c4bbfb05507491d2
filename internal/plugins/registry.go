package plugins

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
)

// Registry manages registered AuthProvider plugins and the active instance.
type Registry struct {
	mu sync.RWMutex

	factories  map[PluginType]map[string]PluginFactory
	activeAuth AuthProvider

	config *RegistryConfig
}

// RegistryConfig holds configuration for the plugin registry.
type RegistryConfig struct {
	// Auth is the name of the auth plugin to use.
	Auth string

	// PluginConfigs holds configuration for individual plugins.
	// Key format: "type.name" (e.g., "auth.sso").
	PluginConfigs map[string]map[string]string
}

// DefaultRegistryConfig returns the default registry configuration.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		Auth:          "noop",
		PluginConfigs: make(map[string]map[string]string),
	}
}

// LoadRegistryConfig loads registry configuration from environment variables.
func LoadRegistryConfig() *RegistryConfig {
	cfg := DefaultRegistryConfig()

	if v := os.Getenv("SHELLGATE_PLUGIN_AUTH"); v != "" {
		cfg.Auth = strings.ToLower(v)
	}

	return cfg
}

// NewRegistry creates a new plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[PluginType]map[string]PluginFactory{
			PluginTypeAuth: make(map[string]PluginFactory),
		},
	}
}

// Register adds a plugin factory to the registry.
// This should be called during init() in plugin packages.
func (r *Registry) Register(pluginType PluginType, name string, factory PluginFactory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[pluginType]; !exists {
		return fmt.Errorf("unknown plugin type: %s", pluginType)
	}

	if _, exists := r.factories[pluginType][name]; exists {
		return fmt.Errorf("plugin already registered: %s.%s", pluginType, name)
	}

	r.factories[pluginType][name] = factory
	log.Printf("Registered plugin: %s.%s", pluginType, name)
	return nil
}

// Initialize initializes the registry with the given configuration.
func (r *Registry) Initialize(ctx context.Context, cfg *RegistryConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.config = cfg

	if err := r.initAuth(ctx, cfg.Auth, cfg.PluginConfigs); err != nil {
		return fmt.Errorf("failed to initialize auth plugin: %w", err)
	}

	return nil
}

func (r *Registry) initAuth(ctx context.Context, name string, configs map[string]map[string]string) error {
	factory, exists := r.factories[PluginTypeAuth][name]
	if !exists {
		return fmt.Errorf("auth plugin not found: %s", name)
	}

	plugin := factory()
	auth, ok := plugin.(AuthProvider)
	if !ok {
		return fmt.Errorf("plugin %s does not implement AuthProvider", name)
	}

	configKey := fmt.Sprintf("%s.%s", PluginTypeAuth, name)
	pluginConfig := configs[configKey]
	if pluginConfig == nil {
		pluginConfig = make(map[string]string)
	}

	if err := auth.Initialize(ctx, pluginConfig); err != nil {
		return fmt.Errorf("failed to initialize %s: %w", name, err)
	}

	r.activeAuth = auth
	log.Printf("Initialized auth plugin: %s", name)
	return nil
}

// Auth returns the active auth plugin.
func (r *Registry) Auth() AuthProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.activeAuth
}

// ListPlugins returns information about all registered plugins.
func (r *Registry) ListPlugins(ctx context.Context) []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []PluginInfo

	for pluginType, factories := range r.factories {
		for name, factory := range factories {
			plugin := factory()
			infos = append(infos, PluginInfo{
				Name:        name,
				Type:        pluginType,
				Version:     plugin.Version(),
				Description: plugin.Description(),
			})
		}
	}

	return infos
}

// ListPluginsByType returns information about plugins of a specific type.
func (r *Registry) ListPluginsByType(pluginType PluginType) []PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var infos []PluginInfo

	if factories, exists := r.factories[pluginType]; exists {
		for name, factory := range factories {
			plugin := factory()
			infos = append(infos, PluginInfo{
				Name:        name,
				Type:        pluginType,
				Version:     plugin.Version(),
				Description: plugin.Description(),
			})
		}
	}

	return infos
}

// HealthCheck performs health checks on all active plugins.
func (r *Registry) HealthCheck(ctx context.Context) []HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var statuses []HealthStatus

	if r.activeAuth != nil {
		statuses = append(statuses, checkHealth(ctx, r.activeAuth))
	}

	return statuses
}

func checkHealth(ctx context.Context, plugin Plugin) HealthStatus {
	healthy := plugin.Healthy(ctx)
	status := HealthStatus{
		PluginName: plugin.Name(),
		PluginType: plugin.Type(),
		Healthy:    healthy,
	}

	if healthy {
		status.Message = "OK"
	} else {
		status.Message = "Unhealthy"
	}

	return status
}

// Close releases resources for all active plugins.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.activeAuth != nil {
		if err := r.activeAuth.Close(); err != nil {
			return fmt.Errorf("auth close: %w", err)
		}
	}

	return nil
}

// Global registry instance
var globalRegistry *Registry
var globalRegistryOnce sync.Once

// Global returns the global plugin registry.
func Global() *Registry {
	globalRegistryOnce.Do(func() {
		globalRegistry = NewRegistry()
	})
	return globalRegistry
}

// RegisterGlobal registers a plugin with the global registry.
// This is a convenience function for use in plugin init() functions.
func RegisterGlobal(pluginType PluginType, name string, factory PluginFactory) {
	if err := Global().Register(pluginType, name, factory); err != nil {
		log.Printf("Warning: failed to register plugin %s.%s: %v", pluginType, name, err)
	}
}
