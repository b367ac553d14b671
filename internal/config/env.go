package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "IMBROKER_"

// envOverrides lists the settings that can be overridden from the
// environment. Unset variables leave the zero value, which means "keep".
type envOverrides struct {
	UseGlobalEngine  *bool    `env:"USE_GLOBAL_ENGINE"`
	UseSysLayout     *bool    `env:"USE_SYS_LAYOUT"`
	EmbedPreeditText *bool    `env:"EMBED_PREEDIT_TEXT"`
	DefaultEngine    string   `env:"DEFAULT_ENGINE"`
	PreloadEngines   []string `env:"PRELOAD_ENGINES" envSeparator:","`
	EngineTimeoutMs  int      `env:"ENGINE_TIMEOUT_MS"`
	DefaultLayout    string   `env:"DEFAULT_LAYOUT"`

	BusAddress string `env:"BUS_ADDRESS"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
	LogOutput string `env:"LOG_OUTPUT"`
	LogPath   string `env:"LOG_PATH"`

	MetricsAddr string `env:"METRICS_ADDR"`
}

// ApplyEnvOverrides applies IMBROKER_* environment variables on top of the
// configuration.
func (c *Config) ApplyEnvOverrides() error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	c.merge(&o)
	return nil
}

func (c *Config) merge(o *envOverrides) {
	if o.UseGlobalEngine != nil {
		c.Broker.UseGlobalEngine = *o.UseGlobalEngine
	}
	if o.UseSysLayout != nil {
		c.Broker.UseSysLayout = *o.UseSysLayout
	}
	if o.EmbedPreeditText != nil {
		c.Broker.EmbedPreeditText = *o.EmbedPreeditText
	}
	if o.DefaultEngine != "" {
		c.Broker.DefaultEngine = o.DefaultEngine
	}
	if len(o.PreloadEngines) > 0 {
		c.Broker.PreloadEngines = o.PreloadEngines
	}
	if o.EngineTimeoutMs > 0 {
		c.Broker.EngineTimeoutMs = o.EngineTimeoutMs
	}
	if o.DefaultLayout != "" {
		c.Broker.DefaultLayout = o.DefaultLayout
	}
	if o.BusAddress != "" {
		c.Bus.Address = o.BusAddress
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		c.Logging.Format = o.LogFormat
	}
	if o.LogOutput != "" {
		c.Logging.Output = o.LogOutput
	}
	if o.LogPath != "" {
		c.Logging.FilePath = o.LogPath
	}
	if o.MetricsAddr != "" {
		c.Metrics.ListenAddr = o.MetricsAddr
	}
}
