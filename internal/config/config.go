// Package config handles configuration loading, validation, and management
// for imbrokerd.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Broker holds focus and engine selection settings.
	Broker BrokerConfig `toml:"broker" json:"broker" yaml:"broker"`

	// Components is the static engine catalog.
	Components []ComponentConfig `toml:"components" json:"components,omitempty" yaml:"components"`

	// Bus selects the message bus to serve on.
	Bus BusConfig `toml:"bus" json:"bus" yaml:"bus"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics exposes the Prometheus text endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`
}

// BrokerConfig holds engine selection settings.
type BrokerConfig struct {
	// UseGlobalEngine shares one engine between all input contexts.
	// Changing it requires a restart.
	UseGlobalEngine bool `toml:"use_global_engine" json:"use_global_engine" yaml:"use_global_engine"`

	// UseSysLayout passes keyvals through instead of translating keycodes
	// with the engine's layout.
	UseSysLayout bool `toml:"use_sys_layout" json:"use_sys_layout" yaml:"use_sys_layout"`

	// EmbedPreeditText lets clients draw the preedit inline.
	EmbedPreeditText bool `toml:"embed_preedit_text" json:"embed_preedit_text" yaml:"embed_preedit_text"`

	// DefaultEngine is the engine given to contexts that ask for none.
	// Empty means the first available engine.
	DefaultEngine string `toml:"default_engine" json:"default_engine" yaml:"default_engine"`

	// PreloadEngines are resolved and started at startup and on reload.
	PreloadEngines []string `toml:"preload_engines" json:"preload_engines,omitempty" yaml:"preload_engines"`

	// EngineTimeoutMs bounds how long an engine creation waits for its
	// component to appear.
	EngineTimeoutMs int `toml:"engine_timeout_ms" json:"engine_timeout_ms" yaml:"engine_timeout_ms"`

	// DefaultLayout is the keymap for engines without a layout.
	DefaultLayout string `toml:"default_layout" json:"default_layout" yaml:"default_layout"`
}

// ComponentConfig declares one engine-providing component.
type ComponentConfig struct {
	// Name is the component's well-known bus name.
	Name        string `toml:"name" json:"name" yaml:"name"`
	Description string `toml:"description" json:"description,omitempty" yaml:"description"`

	// Exec is the command line that starts the component. Components
	// without one are expected to be started by someone else.
	Exec       string `toml:"exec" json:"exec,omitempty" yaml:"exec"`
	Version    string `toml:"version" json:"version,omitempty" yaml:"version"`
	Author     string `toml:"author" json:"author,omitempty" yaml:"author"`
	License    string `toml:"license" json:"license,omitempty" yaml:"license"`
	Homepage   string `toml:"homepage" json:"homepage,omitempty" yaml:"homepage"`
	TextDomain string `toml:"textdomain" json:"textdomain,omitempty" yaml:"textdomain"`

	Engines []EngineConfig `toml:"engines" json:"engines" yaml:"engines"`
}

// EngineConfig declares one engine of a component.
type EngineConfig struct {
	Name          string `toml:"name" json:"name" yaml:"name"`
	LongName      string `toml:"longname" json:"longname,omitempty" yaml:"longname"`
	Description   string `toml:"description" json:"description,omitempty" yaml:"description"`
	Language      string `toml:"language" json:"language,omitempty" yaml:"language"`
	License       string `toml:"license" json:"license,omitempty" yaml:"license"`
	Author        string `toml:"author" json:"author,omitempty" yaml:"author"`
	Icon          string `toml:"icon" json:"icon,omitempty" yaml:"icon"`
	Layout        string `toml:"layout" json:"layout,omitempty" yaml:"layout"`
	LayoutVariant string `toml:"layout_variant" json:"layout_variant,omitempty" yaml:"layout_variant"`
	LayoutOption  string `toml:"layout_option" json:"layout_option,omitempty" yaml:"layout_option"`
	Rank          uint32 `toml:"rank" json:"rank,omitempty" yaml:"rank"`
	Hotkeys       string `toml:"hotkeys" json:"hotkeys,omitempty" yaml:"hotkeys"`
	Symbol        string `toml:"symbol" json:"symbol,omitempty" yaml:"symbol"`
	Setup         string `toml:"setup" json:"setup,omitempty" yaml:"setup"`
	Version       string `toml:"version" json:"version,omitempty" yaml:"version"`
	TextDomain    string `toml:"textdomain" json:"textdomain,omitempty" yaml:"textdomain"`
	IconPropKey   string `toml:"icon_prop_key" json:"icon_prop_key,omitempty" yaml:"icon_prop_key"`
}

// BusConfig selects the bus connection.
type BusConfig struct {
	// Address is a D-Bus address. Empty means the session bus.
	Address string `toml:"address" json:"address" yaml:"address"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file when Output includes a file.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	AddSource bool `toml:"add_source" json:"add_source" yaml:"add_source"`

	// CrashDir receives a report for every recovered panic. Empty
	// disables crash reports.
	CrashDir string `toml:"crash_dir" json:"crash_dir" yaml:"crash_dir"`
}

// MetricsConfig holds the metrics endpoint configuration.
type MetricsConfig struct {
	// ListenAddr is the HTTP address serving /metrics. Empty disables it.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	state := StateDir()
	return &Config{
		Version: Version,
		Broker: BrokerConfig{
			UseGlobalEngine:  true,
			UseSysLayout:     true,
			EmbedPreeditText: true,
			EngineTimeoutMs:  5000,
			DefaultLayout:    "us",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(state, "imbrokerd.log"),
			MaxSizeMB:  10,
			MaxBackups: 3,
			CrashDir:   filepath.Join(state, "crashes"),
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
// The format follows the file extension: .toml, .json, .yaml or .yml.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := ValidateSchema(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors. Warnings are not errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EngineTimeout returns the engine creation timeout.
func (c *Config) EngineTimeout() time.Duration {
	return time.Duration(c.Broker.EngineTimeoutMs) * time.Millisecond
}

// EngineNames returns every engine the catalog declares, in order.
func (c *Config) EngineNames() []string {
	var names []string
	for _, comp := range c.Components {
		for _, e := range comp.Engines {
			names = append(names, e.Name)
		}
	}
	return names
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Broker.PreloadEngines = slices.Clone(c.Broker.PreloadEngines)
	clone.Components = slices.Clone(c.Components)
	for i := range clone.Components {
		clone.Components[i].Engines = slices.Clone(clone.Components[i].Engines)
	}
	return &clone
}

// SaveConfig writes cfg to path in the format named by its extension,
// TOML by default.
func SaveConfig(cfg *Config, path string) error {
	data, err := Encode(cfg, filepath.Ext(path))
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func encodeTOML(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
