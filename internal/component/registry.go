package component

import (
	"errors"
	"fmt"
	"log/slog"

	"imbroker/internal/ibus"
)

// FactoryDialer opens the factory endpoint of a component whose bus name
// just acquired an owner.
type FactoryDialer interface {
	DialFactory(busName string) (Factory, error)
}

// Registry maps component names to components and keeps the list of
// engines available for selection, in registration order.
type Registry struct {
	components map[string]*Component
	order      []*Component
	preload    []string
	dialer     FactoryDialer
	logger     *slog.Logger

	listeners map[int]func()
	nextID    int
	removed   []func(*Component)
}

// NewRegistry creates an empty registry. dialer may be nil when factories
// are attached only through SetFactory.
func NewRegistry(dialer FactoryDialer, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		components: make(map[string]*Component),
		dialer:     dialer,
		logger:     logger.With("component", "registry"),
		listeners:  make(map[int]func()),
	}
}

// Add inserts a component loaded from the catalog.
func (r *Registry) Add(c *Component) error {
	if c.Name == "" {
		return errors.New("component without name")
	}
	if _, ok := r.components[c.Name]; ok {
		return fmt.Errorf("component %s already registered", c.Name)
	}
	for _, d := range c.engines {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("component %s: %w", c.Name, err)
		}
	}
	r.components[c.Name] = c
	r.order = append(r.order, c)
	return nil
}

// Register inserts a component announced at runtime by its own process,
// attaches its factory and notifies engine-set listeners. The component is
// destroyed when that factory disconnects.
func (r *Registry) Register(c *Component, f Factory) error {
	if err := r.Add(c); err != nil {
		return err
	}
	c.destroyWithFactory = true
	c.SetFactory(f)
	r.logger.Info("component registered", "name", c.Name, "engines", len(c.engines))
	r.notify()
	return nil
}

// Unregister destroys the named component and drops its engines from the
// available set.
func (r *Registry) Unregister(name string) error {
	c, ok := r.components[name]
	if !ok {
		return fmt.Errorf("component %s not registered", name)
	}
	delete(r.components, name)
	for i, o := range r.order {
		if o == c {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	c.destroy()
	r.logger.Info("component unregistered", "name", name)
	for _, fn := range r.removed {
		fn(c)
	}
	r.notify()
	return nil
}

// ComponentByName returns the named component.
func (r *Registry) ComponentByName(name string) (*Component, bool) {
	c, ok := r.components[name]
	return c, ok
}

// Components returns every component in registration order.
func (r *Registry) Components() []*Component {
	return append([]*Component(nil), r.order...)
}

// LookupDescriptor finds an engine by name.
func (r *Registry) LookupDescriptor(name string) (*ibus.EngineDesc, error) {
	for _, c := range r.order {
		for _, d := range c.engines {
			if d.Name == name {
				return d, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", ibus.ErrDescriptorNotFound, name)
}

// ComponentFor returns the component owning desc.
func (r *Registry) ComponentFor(desc *ibus.EngineDesc) (*Component, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	for _, c := range r.order {
		if c.Owns(desc) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: no component owns %q", ibus.ErrDescriptorInvalid, desc.Name)
}

// Available returns the engines that may be selected, in registration
// order.
func (r *Registry) Available() []*ibus.EngineDesc {
	var out []*ibus.EngineDesc
	for _, c := range r.order {
		out = append(out, c.engines...)
	}
	return out
}

// IsAvailable reports whether name is an available engine.
func (r *Registry) IsAvailable(name string) bool {
	if name == "" {
		return false
	}
	_, err := r.LookupDescriptor(name)
	return err == nil
}

// SetPreloadEngines records the engines to start eagerly and returns the
// descriptors that resolved. Unknown names are logged and skipped.
func (r *Registry) SetPreloadEngines(names []string) []*ibus.EngineDesc {
	r.preload = append([]string(nil), names...)
	var descs []*ibus.EngineDesc
	for _, n := range names {
		d, err := r.LookupDescriptor(n)
		if err != nil {
			r.logger.Warn("preload engine not found", "engine", n)
			continue
		}
		descs = append(descs, d)
	}
	return descs
}

// PreloadEngines returns the configured preload names.
func (r *Registry) PreloadEngines() []string {
	return append([]string(nil), r.preload...)
}

// NameOwnerChanged attaches or drops the factory of the component owning
// busName. It is driven by bus name ownership notifications.
func (r *Registry) NameOwnerChanged(busName, oldOwner, newOwner string) {
	c, ok := r.components[busName]
	if !ok {
		return
	}

	if oldOwner != "" && c.factory != nil {
		r.logger.Info("factory disconnected", "name", busName, "owner", oldOwner)
		c.factory.Close()
		c.SetFactory(nil)
		if c.destroyWithFactory {
			if err := r.Unregister(busName); err != nil {
				r.logger.Debug("unregister on disconnect", "error", err)
			}
			return
		}
	}

	if newOwner != "" {
		if r.dialer == nil {
			return
		}
		f, err := r.dialer.DialFactory(busName)
		if err != nil {
			r.logger.Warn("dial factory", "name", busName, "error", err)
			return
		}
		r.logger.Info("factory connected", "name", busName, "owner", newOwner)
		c.SetFactory(f)
	}
}

// OnEnginesChanged subscribes fn to changes of the available engine set.
func (r *Registry) OnEnginesChanged(fn func()) func() {
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	return func() { delete(r.listeners, id) }
}

// OnComponentRemoved registers fn to run for every unregistered component,
// before the engine-set listeners.
func (r *Registry) OnComponentRemoved(fn func(*Component)) {
	r.removed = append(r.removed, fn)
}

func (r *Registry) notify() {
	for id := 0; id < r.nextID; id++ {
		if fn, ok := r.listeners[id]; ok {
			fn()
		}
	}
}

// StopAll stops every launched process, for shutdown.
func (r *Registry) StopAll() {
	for _, c := range r.order {
		if err := c.Stop(); err != nil {
			r.logger.Warn("stop component", "name", c.Name, "error", err)
		}
	}
}
