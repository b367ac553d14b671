package main

import (
	"fmt"
	"log/slog"
	"slices"

	"imbroker/internal/component"
	"imbroker/internal/config"
	"imbroker/internal/engine"
	"imbroker/internal/ibus"
)

// buildRegistry turns the configured catalog into a component registry.
func buildRegistry(comps []config.ComponentConfig, dialer component.FactoryDialer,
	launcher component.Launcher, logger *slog.Logger) (*component.Registry, error) {
	reg := component.NewRegistry(dialer, logger)
	for _, c := range comps {
		engines := make([]*ibus.EngineDesc, len(c.Engines))
		for i, e := range c.Engines {
			engines[i] = engineDesc(e)
		}
		info := component.Info{
			Name:        c.Name,
			Description: c.Description,
			Exec:        c.Exec,
			Version:     c.Version,
			Author:      c.Author,
			License:     c.License,
			Homepage:    c.Homepage,
			TextDomain:  c.TextDomain,
		}
		if err := reg.Add(component.New(info, engines, launcher, logger)); err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
	}
	return reg, nil
}

// forgetProbes drops the cached capability probes of every engine a removed
// component provided, so a component registering again is probed afresh.
func forgetProbes(reg *component.Registry, cache *engine.CapabilityCache) {
	reg.OnComponentRemoved(func(c *component.Component) {
		for _, d := range c.Engines() {
			cache.Forget(d.Name)
		}
	})
}

func engineDesc(e config.EngineConfig) *ibus.EngineDesc {
	return &ibus.EngineDesc{
		Name:          e.Name,
		LongName:      e.LongName,
		Description:   e.Description,
		Language:      e.Language,
		License:       e.License,
		Author:        e.Author,
		Icon:          e.Icon,
		Layout:        e.Layout,
		LayoutVariant: e.LayoutVariant,
		LayoutOption:  e.LayoutOption,
		Rank:          e.Rank,
		Hotkeys:       e.Hotkeys,
		Symbol:        e.Symbol,
		Setup:         e.Setup,
		Version:       e.Version,
		TextDomain:    e.TextDomain,
		IconPropKey:   e.IconPropKey,
	}
}

// restartRequired lists the settings that changed between old and new but
// only take effect after a restart.
func restartRequired(old, new *config.Config) []string {
	var fields []string
	if old.Broker.UseGlobalEngine != new.Broker.UseGlobalEngine {
		fields = append(fields, "broker.use_global_engine")
	}
	if old.Broker.UseSysLayout != new.Broker.UseSysLayout {
		fields = append(fields, "broker.use_sys_layout")
	}
	if old.Broker.EmbedPreeditText != new.Broker.EmbedPreeditText {
		fields = append(fields, "broker.embed_preedit_text")
	}
	if old.Broker.DefaultLayout != new.Broker.DefaultLayout {
		fields = append(fields, "broker.default_layout")
	}
	if old.Broker.EngineTimeoutMs != new.Broker.EngineTimeoutMs {
		fields = append(fields, "broker.engine_timeout_ms")
	}
	if !slices.EqualFunc(old.Components, new.Components, func(a, b config.ComponentConfig) bool {
		return a.Name == b.Name && a.Exec == b.Exec && slices.Equal(a.Engines, b.Engines)
	}) {
		fields = append(fields, "components")
	}
	if old.Bus != new.Bus {
		fields = append(fields, "bus")
	}
	if old.Metrics != new.Metrics {
		fields = append(fields, "metrics")
	}
	if old.Logging.Output != new.Logging.Output || old.Logging.FilePath != new.Logging.FilePath ||
		old.Logging.Format != new.Logging.Format {
		fields = append(fields, "logging")
	}
	return fields
}
