package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"imbroker/internal/component"
	"imbroker/internal/ibus"
	"imbroker/internal/keymap"
	"imbroker/internal/loop"
	"imbroker/internal/metrics"
	"imbroker/internal/rpc"
)

// DefaultTimeout bounds how long a creation waits for a component's
// factory to connect.
const DefaultTimeout = 5000 * time.Millisecond

// Resolver finds the component owning a descriptor.
type Resolver interface {
	ComponentFor(desc *ibus.EngineDesc) (*component.Component, error)
}

// FactoryOptions configure a Factory.
type FactoryOptions struct {
	Loop         *loop.Loop
	Resolver     Resolver
	Cache        *CapabilityCache
	UseSysLayout bool

	// DefaultLayout names the keymap for engines without a layout of
	// their own, or with the "default" layout.
	DefaultLayout string

	Metrics *metrics.BrokerMetrics
	Logger  *slog.Logger
}

// Factory creates engine proxies, starting components on demand.
type Factory struct {
	loop         *loop.Loop
	resolver     Resolver
	cache        *CapabilityCache
	useSysLayout bool
	layout       string
	metrics      *metrics.BrokerMetrics
	logger       *slog.Logger
}

// NewFactory creates a Factory.
func NewFactory(opts FactoryOptions) *Factory {
	if opts.Cache == nil {
		opts.Cache = NewCapabilityCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Factory{
		loop:         opts.Loop,
		resolver:     opts.Resolver,
		cache:        opts.Cache,
		useSysLayout: opts.UseSysLayout,
		layout:       opts.DefaultLayout,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "engine-factory"),
	}
}

// Cache returns the shared capability cache.
func (f *Factory) Cache() *CapabilityCache { return f.cache }

// Create obtains a new engine session for desc and calls done on the loop
// with the resulting proxy or an error. done is called exactly once and
// never from inside Create.
//
// When the owning component has no factory yet, the component is started
// and Create waits for the factory, the timeout or the cancellation of ctx,
// whichever comes first. The other two are torn down before done runs.
func (f *Factory) Create(ctx context.Context, desc *ibus.EngineDesc, timeout time.Duration, done func(*Proxy, error)) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := f.loop.Now()
	log := f.logger.With("request", uuid.NewString())
	if desc != nil {
		log = log.With("engine", desc.Name)
	}

	finish := func(p *Proxy, err error) {
		outcome := metrics.OutcomeOK
		switch {
		case errors.Is(err, ibus.ErrFactoryTimeout):
			outcome = metrics.OutcomeTimeout
		case errors.Is(err, ibus.ErrOperationCancelled):
			outcome = metrics.OutcomeCancelled
		case err != nil:
			outcome = metrics.OutcomeFailed
		}
		f.metrics.EngineCreated(outcome, f.loop.Now().Sub(start))
		if err != nil {
			log.Warn("engine creation failed", "error", err)
		} else {
			log.Debug("engine created", "path", p.session.Path())
		}
		done(p, err)
	}
	fail := func(err error) {
		f.loop.PostHigh(func() { finish(nil, err) })
	}

	if err := ctx.Err(); err != nil {
		fail(cancelled(err))
		return
	}
	comp, err := f.resolver.ComponentFor(desc)
	if err != nil {
		fail(err)
		return
	}
	if fac := comp.Factory(); fac != nil {
		f.createSession(ctx, fac, desc, timeout, finish)
		return
	}

	log.Info("waiting for component factory", "component", comp.Name, "timeout", timeout)

	var (
		settled     bool
		unsubscribe func()
		timer       *loop.Timer
		stopCancel  func() bool
	)
	teardown := func() {
		settled = true
		unsubscribe()
		timer.Stop()
		stopCancel()
	}

	unsubscribe = comp.OnFactoryChanged(func(fac component.Factory) {
		if settled || fac == nil {
			return
		}
		teardown()
		if err := ctx.Err(); err != nil {
			finish(nil, cancelled(err))
			return
		}
		f.createSession(ctx, fac, desc, timeout, finish)
	})
	timer = f.loop.AfterFunc(timeout, func() {
		if settled {
			return
		}
		teardown()
		// A cancel whose post has not reached the loop yet still wins.
		if err := ctx.Err(); err != nil {
			finish(nil, cancelled(err))
			return
		}
		finish(nil, fmt.Errorf("%w: %s after %s", ibus.ErrFactoryTimeout, comp.Name, timeout))
	})
	// The cancel callback runs on its own goroutine and may fire while
	// Create is still on the stack; it only ever posts.
	stopCancel = context.AfterFunc(ctx, func() {
		f.loop.PostHigh(func() {
			if settled {
				return
			}
			teardown()
			finish(nil, cancelled(ctx.Err()))
		})
	})

	if err := comp.Start(); err != nil {
		teardown()
		fail(err)
	}
}

func (f *Factory) createSession(ctx context.Context, fac component.Factory, desc *ibus.EngineDesc, timeout time.Duration, finish func(*Proxy, error)) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	fac.CreateEngine(callCtx, desc.Name, func(s rpc.Session, err error) {
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				err = cancelled(ctx.Err())
			} else {
				err = fmt.Errorf("%w: %s: %v", ibus.ErrRemoteCreateFailed, desc.Name, err)
			}
			finish(nil, err)
			return
		}
		finish(f.NewProxy(desc, s), nil)
	})
}

// NewProxy wraps an existing session with this factory's settings.
func (f *Factory) NewProxy(desc *ibus.EngineDesc, s rpc.Session) *Proxy {
	layout := desc.Layout
	if layout == "" || layout == "default" {
		layout = f.layout
	}
	var km keymap.Keymap
	if layout != "" {
		km, _ = keymap.Get(layout)
	}
	return NewProxy(desc, s, Options{
		Cache:        f.cache,
		Keymap:       km,
		UseSysLayout: f.useSysLayout,
		Metrics:      f.metrics,
		Logger:       f.logger,
	})
}

func cancelled(cause error) error {
	return fmt.Errorf("%w: %v", ibus.ErrOperationCancelled, cause)
}
