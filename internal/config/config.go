// Package config loads the TOML configuration file that wires together a
// running agent: provider credentials, heartbeat cadence, memory indexing,
// tool limits, and the sandbox/security policy applied to every turn.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure, recognized sections named in
// §6 of the runtime spec.
type Config struct {
	Agent     AgentConfig               `toml:"agent"`
	Providers map[string]ProviderConfig `toml:"providers"`
	Heartbeat HeartbeatConfig           `toml:"heartbeat"`
	Memory    MemoryConfig              `toml:"memory"`
	Server    ServerConfig              `toml:"server"`
	Logging   LoggingConfig             `toml:"logging"`
	Tools     ToolsConfig               `toml:"tools"`
	Security  SecurityConfig            `toml:"security"`
	Sandbox   SandboxConfig             `toml:"sandbox"`
}

// AgentConfig bounds the turn loop and session lifecycle.
type AgentConfig struct {
	DefaultModel    string `toml:"default_model"`
	ContextWindow   int    `toml:"context_window"`
	ReserveTokens   int    `toml:"reserve_tokens"`
	MaxTokens       int    `toml:"max_tokens"`
	MaxSpawnDepth   int    `toml:"max_spawn_depth"`
	SessionMaxAge   string `toml:"session_max_age"`
	SessionMaxCount int    `toml:"session_max_count"`
}

// SessionMaxAgeDuration parses SessionMaxAge ("720h", "30m", ...); zero when unset or invalid.
func (a AgentConfig) SessionMaxAgeDuration() time.Duration {
	if a.SessionMaxAge == "" {
		return 0
	}
	d, err := time.ParseDuration(a.SessionMaxAge)
	if err != nil {
		return 0
	}
	return d
}

// OAuthConfig carries a refreshable OAuth credential for a provider that
// supports it instead of (or alongside) a static API key.
type OAuthConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RefreshToken string `toml:"refresh_token"`
	TokenURL     string `toml:"token_url"`
}

// ProviderConfig configures one named model provider.
type ProviderConfig struct {
	APIKey  string       `toml:"api_key"`
	OAuth   *OAuthConfig `toml:"oauth"`
	BaseURL string       `toml:"base_url"`
	Model   string       `toml:"model"`
}

// HeartbeatConfig configures the idle-loop heartbeat runner.
type HeartbeatConfig struct {
	Enabled     bool   `toml:"enabled"`
	Interval    string `toml:"interval"`
	OverdueDelay string `toml:"overdue_delay"`
	ActiveHours string `toml:"active_hours"`
	Timezone    string `toml:"timezone"`
	Timeout     string `toml:"timeout"`
}

// IntervalDuration parses Interval, defaulting to zero (caller applies its own default).
func (h HeartbeatConfig) IntervalDuration() time.Duration {
	return parseDurationOrZero(h.Interval)
}

// TimeoutDuration parses Timeout, defaulting to zero.
func (h HeartbeatConfig) TimeoutDuration() time.Duration {
	return parseDurationOrZero(h.Timeout)
}

// OverdueDelayDuration parses OverdueDelay, defaulting to zero.
func (h HeartbeatConfig) OverdueDelayDuration() time.Duration {
	return parseDurationOrZero(h.OverdueDelay)
}

func parseDurationOrZero(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// MemoryConfig configures the workspace memory index.
type MemoryConfig struct {
	Workspace         string   `toml:"workspace"`
	EmbeddingProvider string   `toml:"embedding_provider"`
	EmbeddingModel    string   `toml:"embedding_model"`
	ChunkSize         int      `toml:"chunk_size"`
	ChunkOverlap      int      `toml:"chunk_overlap"`
	IndexedPaths      []string `toml:"indexed_paths"`
}

// ServerConfig configures the optional local status/metrics surface.
type ServerConfig struct {
	Enabled bool   `toml:"enabled"`
	Port    int    `toml:"port"`
	Bind    string `toml:"bind"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ToolsConfig configures built-in tool behavior.
type ToolsConfig struct {
	BashTimeoutMs        int      `toml:"bash_timeout_ms"`
	WebFetchMaxBytes     int64    `toml:"web_fetch_max_bytes"`
	RequireApproval      []string `toml:"require_approval"`
	ToolOutputMaxChars   int      `toml:"tool_output_max_chars"`
	LogInjectionWarnings bool     `toml:"log_injection_warnings"`
	UseContentDelimiters bool     `toml:"use_content_delimiters"`
	WebSearch            WebSearchConfig `toml:"web_search"`
	Filters              FiltersConfig   `toml:"filters"`
}

// WebSearchConfig configures the web_search tool's backend.
type WebSearchConfig struct {
	Provider string `toml:"provider"`
	APIKey   string `toml:"api_key"`
}

// FiltersConfig is the user-supplied half of the tool call filter, layered
// on top of the hardcoded deny defaults compiled into internal/tools.
type FiltersConfig struct {
	AllowSubstrings []string `toml:"allow_substrings"`
	DenySubstrings  []string `toml:"deny_substrings"`
	DenyPatterns    []string `toml:"deny_patterns"`
}

// SecurityConfig configures the protected-path and policy-violation behavior.
type SecurityConfig struct {
	StrictPolicy      bool     `toml:"strict_policy"`
	DisablePolicy      bool     `toml:"disable_policy"`
	DisableSuffix      bool     `toml:"disable_suffix"`
	AllowedDirectories []string `toml:"allowed_directories"`
}

// SandboxConfig configures OS-level subprocess isolation for the bash tool.
type SandboxConfig struct {
	Enabled          bool     `toml:"enabled"`
	Level            string   `toml:"level"`
	TimeoutSecs      int      `toml:"timeout_secs"`
	MaxOutputBytes   int64    `toml:"max_output_bytes"`
	MaxFileSizeBytes uint64   `toml:"max_file_size_bytes"`
	MaxProcesses     uint64   `toml:"max_processes"`
	AllowPaths       AllowPathsConfig `toml:"allow_paths"`
	Network          NetworkConfig    `toml:"network"`
}

// AllowPathsConfig splits sandbox path allowances into read and write lists.
type AllowPathsConfig struct {
	Read  []string `toml:"read"`
	Write []string `toml:"write"`
}

// NetworkConfig controls the sandbox's outbound network policy.
type NetworkConfig struct {
	Policy   string `toml:"policy"` // "deny" or "proxy"
	ProxyURL string `toml:"proxy_url"`
}

// Load reads a TOML configuration file, expanding ${NAME} environment
// variable references, and validates the result.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{Providers: make(map[string]ProviderConfig)}
	if _, err := toml.Decode(expanded, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error describing every structural problem found, or
// nil if the configuration is usable.
func (c *Config) Validate() error {
	var errs []error

	for name, p := range c.Providers {
		errs = append(errs, validateProvider(name, p)...)
	}

	if c.Sandbox.Network.Policy != "" &&
		c.Sandbox.Network.Policy != "deny" && c.Sandbox.Network.Policy != "proxy" {
		errs = append(errs, fmt.Errorf("sandbox.network.policy=%q must be \"deny\" or \"proxy\"", c.Sandbox.Network.Policy))
	}
	if c.Sandbox.Network.Policy == "proxy" && c.Sandbox.Network.ProxyURL == "" {
		errs = append(errs, errors.New("sandbox.network.proxy_url is required when sandbox.network.policy is \"proxy\""))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateProvider(name string, p ProviderConfig) []error {
	var errs []error
	if p.APIKey == "" && p.OAuth == nil {
		errs = append(errs, fmt.Errorf("providers.%s: either api_key or oauth is required", name))
	}
	if p.BaseURL != "" {
		if u, err := url.Parse(p.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("providers.%s.base_url=%q is invalid", name, p.BaseURL))
		}
	}
	return errs
}

// DefaultStateDir returns the default agentcore state directory.
func DefaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentcore"
	}
	return filepath.Join(home, ".agentcore")
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() string {
	return filepath.Join(DefaultStateDir(), "config.toml")
}
