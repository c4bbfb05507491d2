// Package diagnostics provides support-bundle generation for collecting
// system health, configuration, and runtime information from a running
// shellgate instance.
package diagnostics

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/rjsadow/shellgate/internal/config"
	"github.com/rjsadow/shellgate/internal/db"
	"github.com/rjsadow/shellgate/internal/plugins"
	"github.com/rjsadow/shellgate/internal/store"
)

// Collector gathers diagnostic information from the system.
type Collector struct {
	db       *db.DB
	config   *config.Config
	registry *plugins.Registry
	store    *store.Store
	started  time.Time
}

// NewCollector creates a new diagnostics collector. db may be nil when the
// deployment runs without a host-key trust store.
func NewCollector(database *db.DB, cfg *config.Config, registry *plugins.Registry, st *store.Store, started time.Time) *Collector {
	return &Collector{
		db:       database,
		config:   cfg,
		registry: registry,
		store:    st,
		started:  started,
	}
}

// Bundle represents a complete diagnostics bundle.
type Bundle struct {
	GeneratedAt time.Time      `json:"generated_at"`
	System      SystemInfo     `json:"system"`
	Config      RedactedConfig `json:"config"`
	Health      HealthSummary  `json:"health"`
	Database    DatabaseStats  `json:"database"`
	Sessions    SessionStats   `json:"sessions"`
	Runtime     RuntimeInfo    `json:"runtime"`
}

// SystemInfo contains basic system information.
type SystemInfo struct {
	GoVersion     string  `json:"go_version"`
	GOOS          string  `json:"goos"`
	GOARCH        string  `json:"goarch"`
	NumCPU        int     `json:"num_cpu"`
	Hostname      string  `json:"hostname"`
	Uptime        string  `json:"uptime"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// RedactedConfig contains configuration with secrets removed.
type RedactedConfig struct {
	ListenAddr             string   `json:"listen_addr"`
	SSHHost                string   `json:"ssh_host"`
	SSHPort                int      `json:"ssh_port"`
	AllowedAuthMethods     []string `json:"allowed_auth_methods"`
	DisableInteractiveAuth bool     `json:"disable_interactive_auth"`
	HostKeyVerification    string   `json:"host_key_verification_mode"`
	SSOEnabled             bool     `json:"sso_enabled"`
	AllowReplay            bool     `json:"allow_replay"`
	AllowReauth            bool     `json:"allow_reauth"`
	SessionTimeout         string   `json:"session_timeout"`
	SocketHighWaterMark    int      `json:"socket_high_water_mark"`
	MaxExecOutputBytes     int      `json:"max_exec_output_bytes"`
}

// HealthSummary contains the overall health status.
type HealthSummary struct {
	Overall  string                 `json:"overall"`
	Database ComponentHealth        `json:"database"`
	Plugins  []plugins.HealthStatus `json:"plugins"`
}

// ComponentHealth represents health of a single component.
type ComponentHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// DatabaseStats contains host-key trust store statistics.
type DatabaseStats struct {
	TrustedHostKeyCount int `json:"trusted_host_key_count"`
}

// SessionStats contains in-memory session store statistics.
type SessionStats struct {
	ActiveSessions int `json:"active_sessions"`
}

// RuntimeInfo contains Go runtime information.
type RuntimeInfo struct {
	NumGoroutine int         `json:"num_goroutine"`
	Memory       MemoryStats `json:"memory"`
}

// MemoryStats contains memory statistics.
type MemoryStats struct {
	AllocMB      float64 `json:"alloc_mb"`
	TotalAllocMB float64 `json:"total_alloc_mb"`
	SysMB        float64 `json:"sys_mb"`
	NumGC        uint32  `json:"num_gc"`
}

// Collect gathers all diagnostic information into a Bundle.
func (c *Collector) Collect(ctx context.Context) (*Bundle, error) {
	bundle := &Bundle{
		GeneratedAt: time.Now().UTC(),
	}

	bundle.System = c.collectSystemInfo()
	bundle.Config = c.collectRedactedConfig()
	bundle.Health = c.collectHealth(ctx)
	bundle.Database = c.collectDatabaseStats()
	bundle.Sessions = c.collectSessionStats()
	bundle.Runtime = c.collectRuntimeInfo()

	return bundle, nil
}

// WriteTarGz writes the diagnostics bundle as a tar.gz archive to the given writer.
func (c *Collector) WriteTarGz(ctx context.Context, w io.Writer) error {
	bundle, err := c.Collect(ctx)
	if err != nil {
		return fmt.Errorf("collecting diagnostics: %w", err)
	}

	gzw := gzip.NewWriter(w)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	bundleJSON, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling bundle: %w", err)
	}

	if err := addFileToTar(tw, "diagnostics/bundle.json", bundleJSON); err != nil {
		return fmt.Errorf("adding bundle.json to archive: %w", err)
	}

	sections := map[string]any{
		"diagnostics/system.json":   bundle.System,
		"diagnostics/config.json":   bundle.Config,
		"diagnostics/health.json":   bundle.Health,
		"diagnostics/database.json": bundle.Database,
		"diagnostics/sessions.json": bundle.Sessions,
		"diagnostics/runtime.json":  bundle.Runtime,
	}

	for name, data := range sections {
		jsonData, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("marshaling %s: %w", name, err)
		}
		if err := addFileToTar(tw, name, jsonData); err != nil {
			return fmt.Errorf("adding %s to archive: %w", name, err)
		}
	}

	return nil
}

func addFileToTar(tw *tar.Writer, name string, data []byte) error {
	header := &tar.Header{
		Name:    name,
		Size:    int64(len(data)),
		Mode:    0644,
		ModTime: time.Now(),
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err := tw.Write(data)
	return err
}

func (c *Collector) collectSystemInfo() SystemInfo {
	hostname, _ := os.Hostname()
	uptime := time.Since(c.started)

	return SystemInfo{
		GoVersion:     runtime.Version(),
		GOOS:          runtime.GOOS,
		GOARCH:        runtime.GOARCH,
		NumCPU:        runtime.NumCPU(),
		Hostname:      hostname,
		Uptime:        uptime.Round(time.Second).String(),
		UptimeSeconds: uptime.Seconds(),
	}
}

func (c *Collector) collectRedactedConfig() RedactedConfig {
	return RedactedConfig{
		ListenAddr:             fmt.Sprintf("%s:%d", c.config.Listen.IP, c.config.Listen.Port),
		SSHHost:                c.config.SSH.Host,
		SSHPort:                c.config.SSH.Port,
		AllowedAuthMethods:     c.config.SSH.AllowedAuthMethods,
		DisableInteractiveAuth: c.config.SSH.DisableInteractiveAuth,
		HostKeyVerification:    c.config.SSH.HostKeyVerification.Mode,
		SSOEnabled:             c.config.SSO.Enabled,
		AllowReplay:            c.config.Options.AllowReplay,
		AllowReauth:            c.config.Options.AllowReauth,
		SessionTimeout:         c.config.Session.SessionTimeout.String(),
		SocketHighWaterMark:    c.config.SSH.SocketHighWaterMark,
		MaxExecOutputBytes:     c.config.SSH.MaxExecOutputBytes,
	}
}

func (c *Collector) collectHealth(ctx context.Context) HealthSummary {
	summary := HealthSummary{
		Overall: "healthy",
	}

	if c.db == nil {
		summary.Database = ComponentHealth{Healthy: true, Message: "no trust store configured"}
	} else if err := c.db.Ping(); err != nil {
		summary.Database = ComponentHealth{Healthy: false, Message: err.Error()}
		summary.Overall = "degraded"
	} else {
		summary.Database = ComponentHealth{Healthy: true, Message: "OK"}
	}

	summary.Plugins = c.registry.HealthCheck(ctx)
	for _, ps := range summary.Plugins {
		if !ps.Healthy {
			summary.Overall = "degraded"
		}
	}

	return summary
}

func (c *Collector) collectDatabaseStats() DatabaseStats {
	if c.db == nil {
		return DatabaseStats{}
	}
	keys, err := c.db.ListTrustedHostKeys()
	if err != nil {
		return DatabaseStats{}
	}
	return DatabaseStats{TrustedHostKeyCount: len(keys)}
}

func (c *Collector) collectSessionStats() SessionStats {
	if c.store == nil {
		return SessionStats{}
	}
	return SessionStats{ActiveSessions: c.store.Count()}
}

func (c *Collector) collectRuntimeInfo() RuntimeInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return RuntimeInfo{
		NumGoroutine: runtime.NumGoroutine(),
		Memory: MemoryStats{
			AllocMB:      float64(memStats.Alloc) / 1024 / 1024,
			TotalAllocMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			SysMB:        float64(memStats.Sys) / 1024 / 1024,
			NumGC:        memStats.NumGC,
		},
	}
}
