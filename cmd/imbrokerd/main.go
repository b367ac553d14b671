// imbrokerd is the input method broker daemon.
//
// It owns org.freedesktop.IBus on the session bus, creates input contexts
// for applications, starts engine components on demand and routes key
// events to the engine of the focused context.
//
// Usage:
//
//	imbrokerd                     Run with ~/.config/imbroker/config.toml
//	imbrokerd -config path        Run with another configuration file
//	imbrokerd -init-config        Write the default configuration and exit
//	imbrokerd -print-config       Print the effective configuration and exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"imbroker/internal/broker"
	"imbroker/internal/bus"
	"imbroker/internal/config"
	"imbroker/internal/engine"
	"imbroker/internal/ibus"
	"imbroker/internal/logging"
	"imbroker/internal/loop"
	"imbroker/internal/metrics"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "configuration file")
	initConfig := flag.Bool("init-config", false, "write the default configuration and exit")
	printConfig := flag.Bool("print-config", false, "print the effective configuration and exit")
	address := flag.String("address", "", "bus address, overrides the configuration")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("imbrokerd", Version)
		return
	}

	if *initConfig {
		path := *configPath
		if path == "" {
			path = config.ConfigPath()
		}
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "init config: %v\n", err)
			os.Exit(1)
		}
		if created {
			fmt.Println("Wrote", path)
		} else {
			fmt.Println("Configuration already exists:", path)
		}
		return
	}

	loader := config.NewLoader(*configPath, slog.Default())
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *address != "" {
		cfg.Bus.Address = *address
	}

	if *printConfig {
		data, err := config.Encode(cfg, filepath.Ext(loader.Path()))
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode config: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		return
	}

	if err := run(loader, cfg); err != nil {
		slog.Error("imbrokerd stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(c config.LoggingConfig) (*logging.Logger, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    int64(c.MaxSizeMB),
		MaxBackups: c.MaxBackups,
		AddSource:  c.AddSource,
		Component:  "imbrokerd",
	})
}

func run(loader *config.Loader, cfg *config.Config) error {
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	crash := logging.NewCrashHandler(logging.CrashHandlerConfig{
		Dir:       cfg.Logging.CrashDir,
		Version:   Version,
		Component: "imbrokerd",
		Logger:    logger.Logger,
	})
	if err := crash.Prune(30 * 24 * time.Hour); err != nil {
		logger.Warn("prune crash reports", "error", err)
	}

	reg := metrics.NewRegistry("imbroker")
	m := metrics.NewBrokerMetrics(reg)

	l := loop.New(
		loop.WithLogger(logger.WithComponent("loop").Logger),
		loop.WithPanicHandler(func(v any) {
			crash.HandlePanic(v, map[string]any{"where": "loop"})
		}),
	)

	b, err := bus.Connect(bus.Options{
		Address: cfg.Bus.Address,
		Loop:    l,
		Metrics: m,
		Logger:  logger.WithComponent("bus").Logger,
	})
	if err != nil {
		return err
	}
	defer b.Close()

	registry, err := buildRegistry(cfg.Components, b, b.ExecLauncher(), logger.WithComponent("component").Logger)
	if err != nil {
		return err
	}

	factory := engine.NewFactory(engine.FactoryOptions{
		Loop:          l,
		Resolver:      registry,
		UseSysLayout:  cfg.Broker.UseSysLayout,
		DefaultLayout: cfg.Broker.DefaultLayout,
		Metrics:       m,
		Logger:        logger.WithComponent("engine").Logger,
	})
	forgetProbes(registry, factory.Cache())
	br := broker.New(broker.Options{
		Loop:            l,
		Registry:        registry,
		Factory:         factory,
		UseGlobalEngine: cfg.Broker.UseGlobalEngine,
		DefaultEngine:   cfg.Broker.DefaultEngine,
		Timeout:         cfg.EngineTimeout(),
		Metrics:         m,
		Logger:          logger.WithComponent("broker").Logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc := bus.NewService(bus.ServiceOptions{
		Exporter:        b.Conn(),
		Loop:            l,
		Broker:          br,
		Registry:        registry,
		Timeout:         2 * cfg.EngineTimeout(),
		HidePreeditText: !cfg.Broker.EmbedPreeditText,
		Exit:            stop,
		Logger:          logger.WithComponent("service").Logger,
	})
	if err := svc.Export(); err != nil {
		return fmt.Errorf("export service: %w", err)
	}
	if err := b.RequestName(ibus.Service); err != nil {
		return err
	}
	b.WatchComponents(registry)
	b.WatchPanels(br)
	b.WatchClients(svc)

	preload := cfg.Broker.PreloadEngines
	l.Post(func() {
		if err := br.SetPreloadEngines(preload); err != nil {
			logger.Warn("preload engines", "error", err)
		}
		br.Start()
	})

	loader.OnChange(func(old, new *config.Config) {
		applyReload(logger, l, br, old, new)
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch disabled", "error", err)
	}
	defer loader.Close()

	var srv *http.Server
	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.HTTPHandler())
		srv = &http.Server{Addr: cfg.Metrics.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}

	logger.Info("imbrokerd started", "version", Version, "components", len(cfg.Components),
		"global_engine", cfg.Broker.UseGlobalEngine)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(gctx) })
	g.Go(func() error { return l.Run(gctx) })
	if srv != nil {
		crash.Go("metrics", func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server", "error", err)
			}
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// The loop has stopped; release engines and components directly.
	br.Close()
	registry.StopAll()
	l.RunPending()

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	logger.Info("imbrokerd stopped")
	return err
}

// applyReload applies the settings that can change at runtime and reports
// the rest.
func applyReload(logger *logging.Logger, l *loop.Loop, br *broker.Broker, old, new *config.Config) {
	if old.Logging.Level != new.Logging.Level {
		if level, err := logging.ParseLevel(new.Logging.Level); err == nil {
			logger.SetLevel(level)
			logger.Info("log level changed", "level", logging.LevelString(level))
		}
	}
	if !slices.Equal(old.Broker.PreloadEngines, new.Broker.PreloadEngines) {
		names := slices.Clone(new.Broker.PreloadEngines)
		l.Post(func() {
			if err := br.SetPreloadEngines(names); err != nil {
				logger.Warn("preload engines", "error", err)
			}
		})
	}
	if fields := restartRequired(old, new); len(fields) > 0 {
		logger.Warn("configuration changes need a restart", "fields", fields)
	}
}
