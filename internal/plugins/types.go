// Package plugins provides a minimal plugin contract for extensible
// authentication providers. shellgate has only one plugin category left:
// AuthProvider. Its one implementation is internal/plugins/auth's noop
// provider, whose health the diagnostics rollup reports; internal/cookie
// and internal/sso do not use this package.
//
// Adding a new provider:
//  1. Implement AuthProvider.
//  2. Register it with a Registry.
//  3. Configure via environment variables (LoadRegistryConfig).
package plugins

import (
	"context"
	"errors"
	"time"
)

// Common errors returned by plugins.
var (
	ErrPluginNotFound   = errors.New("plugin not found")
	ErrPluginNotReady   = errors.New("plugin not ready")
	ErrInvalidConfig    = errors.New("invalid plugin configuration")
	ErrOperationFailed  = errors.New("plugin operation failed")
	ErrNotImplemented   = errors.New("operation not implemented")
	ErrAuthRequired     = errors.New("authentication required")
	ErrPermissionDenied = errors.New("permission denied")
	ErrConnectionFailed = errors.New("connection failed")
	ErrTimeout          = errors.New("operation timed out")
)

// PluginType represents the category of a plugin.
type PluginType string

const (
	PluginTypeAuth PluginType = "auth"
)

// Plugin is the base interface all plugins must implement.
type Plugin interface {
	// Name returns the unique identifier for this plugin.
	Name() string

	// Type returns the plugin type.
	Type() PluginType

	// Version returns the plugin version.
	Version() string

	// Description returns a human-readable description.
	Description() string

	// Initialize sets up the plugin with the given configuration.
	// Called once during application startup.
	Initialize(ctx context.Context, config map[string]string) error

	// Healthy returns true if the plugin is operational.
	Healthy(ctx context.Context) bool

	// Close releases any resources held by the plugin.
	Close() error
}

// PluginInfo contains metadata about a registered plugin.
type PluginInfo struct {
	Name        string            `json:"name"`
	Type        PluginType        `json:"type"`
	Version     string            `json:"version"`
	Description string            `json:"description"`
	Healthy     bool              `json:"healthy"`
	Config      map[string]string `json:"config,omitempty"`
}

// HealthStatus represents the health check result for a plugin.
type HealthStatus struct {
	PluginName string     `json:"plugin_name"`
	PluginType PluginType `json:"plugin_type"`
	Healthy    bool       `json:"healthy"`
	Message    string     `json:"message,omitempty"`
	CheckedAt  time.Time  `json:"checked_at"`
}

// PluginFactory is a function that creates a new instance of a plugin.
type PluginFactory func() Plugin

// User represents an authenticated user identity, independent of which
// AuthProvider produced it (config default, SSO, interactive).
type User struct {
	ID       string            `json:"id"`
	Username string            `json:"username"`
	Email    string            `json:"email,omitempty"`
	Name     string            `json:"name,omitempty"`
	Groups   []string          `json:"groups,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// AuthResult contains the result of an authentication operation.
type AuthResult struct {
	Authenticated bool       `json:"authenticated"`
	User          *User      `json:"user,omitempty"`
	Token         string     `json:"token,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	Message       string     `json:"message,omitempty"`
}

// AuthProvider defines the interface for authentication providers.
type AuthProvider interface {
	Plugin

	// Authenticate validates a token and returns the authenticated user.
	Authenticate(ctx context.Context, token string) (*AuthResult, error)

	// GetLoginURL returns the URL for initiating login (for OAuth/OIDC).
	GetLoginURL(redirectURL string) string

	// HandleCallback processes the OAuth/OIDC callback.
	HandleCallback(ctx context.Context, code, state string) (*AuthResult, error)
}
