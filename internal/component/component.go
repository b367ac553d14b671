// Package component tracks engine-providing processes and the factory
// endpoint each one exposes once connected.
package component

import (
	"context"
	"fmt"
	"log/slog"

	"imbroker/internal/ibus"
	"imbroker/internal/rpc"
)

// Factory is the live endpoint of a connected component. CreateEngine
// replies on the loop.
type Factory interface {
	CreateEngine(ctx context.Context, name string, reply func(rpc.Session, error))
	Close()
}

// Info is the static description of a component.
type Info struct {
	Name        string
	Description string
	Exec        string
	Version     string
	Author      string
	License     string
	Homepage    string
	TextDomain  string
}

// Component is one engine-providing process group.
type Component struct {
	Info

	engines  []*ibus.EngineDesc
	factory  Factory
	launcher Launcher
	proc     Process
	logger   *slog.Logger

	// destroyWithFactory is set for components registered at runtime by
	// the process itself; they vanish when that process disconnects.
	destroyWithFactory bool

	listeners map[int]func(Factory)
	nextID    int
}

// New creates a component owning engines. The launcher may be nil, in
// which case Start fails unless a factory is already connected.
func New(info Info, engines []*ibus.EngineDesc, launcher Launcher, logger *slog.Logger) *Component {
	if logger == nil {
		logger = slog.Default()
	}
	return &Component{
		Info:      info,
		engines:   engines,
		launcher:  launcher,
		logger:    logger.With("component", info.Name),
		listeners: make(map[int]func(Factory)),
	}
}

// Engines returns the descriptors this component provides.
func (c *Component) Engines() []*ibus.EngineDesc {
	return c.engines
}

// Owns reports whether desc belongs to this component.
func (c *Component) Owns(desc *ibus.EngineDesc) bool {
	for _, d := range c.engines {
		if d == desc {
			return true
		}
	}
	return false
}

// Factory returns the connected factory, or nil.
func (c *Component) Factory() Factory {
	return c.factory
}

// SetFactory replaces the factory and notifies subscribers when it changes.
func (c *Component) SetFactory(f Factory) {
	if c.factory == f {
		return
	}
	c.factory = f
	// Listeners may unsubscribe themselves while being notified.
	fns := make([]func(Factory), 0, len(c.listeners))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	for _, fn := range fns {
		fn(f)
	}
}

// OnFactoryChanged subscribes fn to factory changes. The returned function
// unsubscribes and is safe to call more than once.
func (c *Component) OnFactoryChanged(fn func(Factory)) func() {
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() { delete(c.listeners, id) }
}

// Subscribers returns the number of factory listeners.
func (c *Component) Subscribers() int {
	return len(c.listeners)
}

// Running reports whether a launched process is still alive.
func (c *Component) Running() bool {
	return c.proc != nil
}

// Start launches the component's process unless it is already connected
// or running.
func (c *Component) Start() error {
	if c.factory != nil || c.proc != nil {
		return nil
	}
	if c.launcher == nil || c.Exec == "" {
		return fmt.Errorf("%w: %s has no exec line", ibus.ErrComponentStartFailed, c.Name)
	}
	proc, err := c.launcher.Launch(c.Exec, c.processExited)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ibus.ErrComponentStartFailed, c.Name, err)
	}
	c.proc = proc
	c.logger.Info("component started", "exec", c.Exec, "pid", proc.Pid())
	return nil
}

// Stop terminates the launched process, if any.
func (c *Component) Stop() error {
	if c.proc == nil {
		return nil
	}
	proc := c.proc
	c.proc = nil
	c.logger.Info("stopping component", "pid", proc.Pid())
	return proc.Stop()
}

func (c *Component) processExited(err error) {
	if c.proc == nil {
		return
	}
	c.proc = nil
	if err != nil {
		c.logger.Warn("component exited", "error", err)
		return
	}
	c.logger.Info("component exited")
}

// destroy drops the factory and the process. Listeners are told the
// factory is gone.
func (c *Component) destroy() {
	if f := c.factory; f != nil {
		f.Close()
		c.SetFactory(nil)
	}
	if err := c.Stop(); err != nil {
		c.logger.Debug("stop on destroy", "error", err)
	}
}
