package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"imbroker/internal/broker"
	"imbroker/internal/component"
	"imbroker/internal/engine"
	"imbroker/internal/ibus"
	"imbroker/internal/inputcontext"
	"imbroker/internal/loop"
)

// InputContextInterface is the interface of exported input contexts.
const InputContextInterface = "org.freedesktop.IBus.InputContext"

var (
	errContextDestroyed = errors.New("input context destroyed")
	errTimeout          = errors.New("broker did not answer in time")
)

// Exporter publishes objects and signals; *dbus.Conn implements it.
type Exporter interface {
	Export(v any, path dbus.ObjectPath, iface string) error
	Emit(path dbus.ObjectPath, name string, values ...any) error
}

// ServiceOptions configure a Service.
type ServiceOptions struct {
	Exporter Exporter
	Loop     *loop.Loop
	Broker   *broker.Broker
	Registry *component.Registry

	// Timeout bounds how long a method call waits for the broker.
	Timeout time.Duration

	// HidePreeditText clears CapPreeditText from every client so the
	// panel draws the preedit instead.
	HidePreeditText bool

	// Exit is called when a client asks the broker to quit.
	Exit   func()
	Logger *slog.Logger
}

// Service is the exported org.freedesktop.IBus object together with the
// input contexts it creates. Method handlers run on connection goroutines
// and hand their work to the loop.
type Service struct {
	exp      Exporter
	loop     *loop.Loop
	broker   *broker.Broker
	registry *component.Registry
	timeout  time.Duration
	caps     ibus.Capabilities
	exit     func()
	logger   *slog.Logger

	mu     sync.Mutex
	owners map[dbus.ObjectPath]string
}

// NewService creates the service. Nothing is exported until Export.
func NewService(opts ServiceOptions) *Service {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * engine.DefaultTimeout
	}
	caps := ^ibus.Capabilities(0)
	if opts.HidePreeditText {
		caps &^= ibus.CapPreeditText
	}
	return &Service{
		exp:      opts.Exporter,
		loop:     opts.Loop,
		broker:   opts.Broker,
		registry: opts.Registry,
		timeout:  opts.Timeout,
		caps:     caps,
		exit:     opts.Exit,
		logger:   opts.Logger.With("component", "ibus-service"),
		owners:   make(map[dbus.ObjectPath]string),
	}
}

// Export publishes the IBus object and starts relaying broker events as
// signals. Call it on the loop, or before the loop runs.
func (s *Service) Export() error {
	if err := s.exp.Export(&ibusObject{s: s}, ibus.Path, ibus.Interface); err != nil {
		return fmt.Errorf("export %s: %w", ibus.Path, err)
	}
	s.broker.Subscribe(s.brokerEvent)
	return nil
}

func (s *Service) brokerEvent(ev broker.Event) {
	var args []any
	switch e := ev.(type) {
	case broker.GlobalEngineChanged:
		args = []any{e.Name}
	case broker.GlobalShortcutKeyResponded:
		args = []any{uint32(e.Type), e.Keyval, e.Keycode, e.State, e.Backward}
	case broker.PreloadEnginesChanged:
		args = []any{e.Names}
	}
	s.emit(ibus.Path, ibus.Interface+"."+ev.EventName(), args...)
}

func (s *Service) emit(path dbus.ObjectPath, name string, args ...any) {
	if err := s.exp.Emit(path, name, args...); err != nil {
		s.logger.Debug("emit failed", "signal", name, "error", err)
	}
}

// ClientVanished destroys the contexts created by the peer that left the
// bus. Call it on the loop.
func (s *Service) ClientVanished(name string) {
	s.mu.Lock()
	var paths []dbus.ObjectPath
	for path, owner := range s.owners {
		if owner == name {
			paths = append(paths, path)
		}
	}
	s.mu.Unlock()

	for _, path := range paths {
		if ctx, ok := s.broker.InputContext(string(path)); ok {
			s.logger.Debug("client vanished", "client", name, "path", path)
			ctx.Destroy()
		}
		s.unexport(path)
	}
}

// sync runs fn on the loop and waits for it.
func (s *Service) sync(fn func() error) error {
	errc := make(chan error, 1)
	s.loop.Post(func() {
		var err error
		defer func() { errc <- err }()
		err = fn()
	})
	return s.wait(errc)
}

func (s *Service) wait(errc <-chan error) error {
	select {
	case err := <-errc:
		return err
	case <-time.After(s.timeout):
		return errTimeout
	}
}

func dbusError(err error) *dbus.Error {
	if err == nil {
		return nil
	}
	return dbus.MakeFailedError(err)
}

func (s *Service) createContext(sender, client string) (dbus.ObjectPath, error) {
	var ctx *inputcontext.Context
	err := s.sync(func() error {
		sink := &clientSink{s: s}
		ctx = s.broker.CreateInputContext(client, sink)
		sink.path = dbus.ObjectPath(ctx.Path())
		return nil
	})
	if err != nil {
		return "", err
	}
	path := dbus.ObjectPath(ctx.Path())
	if err := s.exp.Export(&contextObject{s: s, ctx: ctx, path: path}, path, InputContextInterface); err != nil {
		s.loop.Post(ctx.Destroy)
		return "", fmt.Errorf("export %s: %w", path, err)
	}
	s.mu.Lock()
	s.owners[path] = sender
	s.mu.Unlock()
	return path, nil
}

func (s *Service) unexport(path dbus.ObjectPath) {
	s.mu.Lock()
	delete(s.owners, path)
	s.mu.Unlock()
	if err := s.exp.Export(nil, path, InputContextInterface); err != nil {
		s.logger.Debug("unexport", "path", path, "error", err)
	}
}

// ibusObject holds the methods of org.freedesktop.IBus.
type ibusObject struct {
	s *Service
}

func (o *ibusObject) CreateInputContext(sender dbus.Sender, client string) (dbus.ObjectPath, *dbus.Error) {
	path, err := o.s.createContext(string(sender), client)
	return path, dbusError(err)
}

func (o *ibusObject) SetGlobalEngine(name string) *dbus.Error {
	errc := make(chan error, 1)
	o.s.loop.Post(func() {
		if err := o.s.broker.SetGlobalEngineByName(name, func(err error) { errc <- err }); err != nil {
			errc <- err
		}
	})
	return dbusError(o.s.wait(errc))
}

func (o *ibusObject) GetGlobalEngine() (dbus.Variant, *dbus.Error) {
	var desc *ibus.EngineDesc
	err := o.s.sync(func() error {
		var err error
		desc, err = o.s.broker.GlobalEngine()
		return err
	})
	if err != nil {
		return dbus.Variant{}, dbusError(err)
	}
	return EncodeEngineDesc(desc), nil
}

func (o *ibusObject) ListEngines() ([]dbus.Variant, *dbus.Error) {
	var descs []*ibus.EngineDesc
	err := o.s.sync(func() error {
		descs = o.s.registry.Available()
		return nil
	})
	if err != nil {
		return nil, dbusError(err)
	}
	return Encode(descs).([]dbus.Variant), nil
}

func (o *ibusObject) GetEnginesByNames(names []string) ([]dbus.Variant, *dbus.Error) {
	var descs []*ibus.EngineDesc
	err := o.s.sync(func() error {
		for _, name := range names {
			if d, err := o.s.registry.LookupDescriptor(name); err == nil {
				descs = append(descs, d)
			}
		}
		return nil
	})
	if err != nil {
		return nil, dbusError(err)
	}
	return Encode(descs).([]dbus.Variant), nil
}

func (o *ibusObject) SetPreloadEngines(names []string) *dbus.Error {
	return dbusError(o.s.sync(func() error {
		return o.s.broker.SetPreloadEngines(names)
	}))
}

func (o *ibusObject) SetGlobalShortcutKeys(keys []ibus.ProcessKey) *dbus.Error {
	return dbusError(o.s.sync(func() error {
		o.s.broker.SetGlobalShortcutKeys(keys)
		return nil
	}))
}

func (o *ibusObject) GetUseGlobalEngine() (bool, *dbus.Error) {
	return o.s.broker.UseGlobalEngine(), nil
}

func (o *ibusObject) Exit(restart bool) *dbus.Error {
	o.s.logger.Info("exit requested", "restart", restart)
	if o.s.exit != nil {
		o.s.exit()
	}
	return nil
}

// contextObject holds the methods of one exported input context.
//
// godbus runs every incoming call on its own goroutine, so calls a client
// does not wait on may reach the loop out of order.
type contextObject struct {
	s    *Service
	ctx  *inputcontext.Context
	path dbus.ObjectPath
}

func (o *contextObject) do(fn func()) *dbus.Error {
	return dbusError(o.s.sync(func() error {
		if o.ctx.IsDestroyed() {
			return errContextDestroyed
		}
		fn()
		return nil
	}))
}

func (o *contextObject) ProcessKeyEvent(keyval, keycode, state uint32) (bool, *dbus.Error) {
	type result struct {
		handled bool
		err     error
	}
	ch := make(chan result, 1)
	o.s.loop.Post(func() {
		if o.ctx.IsDestroyed() {
			ch <- result{err: errContextDestroyed}
			return
		}
		o.ctx.ProcessKeyEvent(keyval, keycode, state, func(handled bool, err error) {
			ch <- result{handled: handled, err: err}
		})
	})
	select {
	case r := <-ch:
		if errors.Is(r.err, errContextDestroyed) {
			return false, dbusError(r.err)
		}
		if r.err != nil {
			o.s.logger.Debug("key not delivered", "path", o.path, "error", r.err)
		}
		return r.handled, nil
	case <-time.After(o.s.timeout):
		return false, dbusError(errTimeout)
	}
}

func (o *contextObject) SetCursorLocation(x, y, w, h int32) *dbus.Error {
	return o.do(func() { o.ctx.SetCursorLocation(ibus.Rect{X: x, Y: y, Width: w, Height: h}) })
}

func (o *contextObject) FocusIn() *dbus.Error {
	return o.do(o.ctx.FocusIn)
}

func (o *contextObject) FocusOut() *dbus.Error {
	return o.do(o.ctx.FocusOut)
}

func (o *contextObject) Reset() *dbus.Error {
	return o.do(func() {
		if eng := o.ctx.Engine(); eng != nil {
			eng.Reset()
		}
	})
}

func (o *contextObject) SetCapabilities(caps uint32) *dbus.Error {
	return o.do(func() { o.ctx.SetCapabilities(ibus.Capabilities(caps) & o.s.caps) })
}

func (o *contextObject) PropertyActivate(name string, state uint32) *dbus.Error {
	return o.do(func() {
		if eng := o.ctx.Engine(); eng != nil {
			eng.PropertyActivate(name, state)
		}
	})
}

func (o *contextObject) SetSurroundingText(text dbus.Variant, cursor, anchor uint32) *dbus.Error {
	v, err := Decode(text)
	if err != nil {
		return dbusError(err)
	}
	t, ok := v.(*ibus.Text)
	if !ok {
		return dbusError(fmt.Errorf("%w: surrounding text is not IBusText", ibus.ErrProtocolViolation))
	}
	return o.do(func() { o.ctx.SetSurroundingText(t, cursor, anchor) })
}

func (o *contextObject) SetContentType(purpose, hints uint32) *dbus.Error {
	return o.do(func() { o.ctx.SetContentType(ibus.ContentType{Purpose: purpose, Hints: hints}) })
}

func (o *contextObject) SetEngine(name string) *dbus.Error {
	errc := make(chan error, 1)
	o.s.loop.Post(func() {
		if o.ctx.IsDestroyed() {
			errc <- errContextDestroyed
			return
		}
		done := func(err error) { errc <- err }
		var err error
		if o.s.broker.UseGlobalEngine() {
			err = o.s.broker.SetGlobalEngineByName(name, done)
		} else {
			err = o.s.broker.SetContextEngineByName(o.ctx, name, done)
		}
		if err != nil {
			errc <- err
		}
	})
	return dbusError(o.s.wait(errc))
}

func (o *contextObject) GetEngine() (dbus.Variant, *dbus.Error) {
	var desc *ibus.EngineDesc
	derr := o.do(func() {
		if eng := o.ctx.Engine(); eng != nil {
			desc = eng.Desc()
		}
	})
	if derr != nil {
		return dbus.Variant{}, derr
	}
	if desc == nil {
		return dbus.Variant{}, dbusError(errors.New("no engine"))
	}
	return EncodeEngineDesc(desc), nil
}

func (o *contextObject) Destroy() *dbus.Error {
	if derr := o.do(o.ctx.Destroy); derr != nil {
		return derr
	}
	o.s.unexport(o.path)
	return nil
}

// clientSink turns client-bound engine events into input context signals.
type clientSink struct {
	s    *Service
	path dbus.ObjectPath
}

func (c *clientSink) Deliver(ev engine.Event) {
	name, args, ok := clientSignal(ev)
	if !ok {
		return
	}
	c.s.emit(c.path, InputContextInterface+"."+name, args...)
}

// clientSignal maps an event to the input context signal carrying it.
func clientSignal(ev engine.Event) (string, []any, bool) {
	switch e := ev.(type) {
	case engine.CommitText:
		return e.EventName(), []any{Encode(e.Text)}, true
	case engine.ForwardKeyEvent:
		return e.EventName(), []any{e.Keyval, e.Keycode, e.State}, true
	case engine.DeleteSurroundingText:
		return e.EventName(), []any{e.Offset, e.NChars}, true
	case engine.UpdatePreeditText:
		if e.Mode != ibus.PreeditClear {
			return "UpdatePreeditTextWithMode", []any{Encode(e.Text), e.Cursor, e.Visible, e.Mode}, true
		}
		return e.EventName(), []any{Encode(e.Text), e.Cursor, e.Visible}, true
	case engine.UpdateAuxiliaryText:
		return e.EventName(), []any{Encode(e.Text), e.Visible}, true
	case engine.UpdateLookupTable:
		return e.EventName(), []any{Encode(e.Table), e.Visible}, true
	case engine.RegisterProperties:
		return e.EventName(), []any{Encode(e.Props)}, true
	case engine.UpdateProperty:
		return e.EventName(), []any{Encode(e.Prop)}, true
	case engine.ShowPreeditText, engine.HidePreeditText,
		engine.ShowAuxiliaryText, engine.HideAuxiliaryText,
		engine.ShowLookupTable, engine.HideLookupTable,
		engine.PageUpLookupTable, engine.PageDownLookupTable,
		engine.CursorUpLookupTable, engine.CursorDownLookupTable,
		engine.RequireSurroundingText:
		return ev.EventName(), nil, true
	}
	return "", nil, false
}
