// Package bus connects the broker to D-Bus.
//
// It provides the rpc.Session implementation for engine and panel objects,
// the factory dialer the component registry uses once a component's bus
// name gets an owner, name-owner tracking, and the exported
// org.freedesktop.IBus service. Every inbound message is decoded on the
// connection goroutine and posted into the broker loop.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/godbus/dbus/v5"

	"imbroker/internal/component"
	"imbroker/internal/ibus"
	"imbroker/internal/loop"
	"imbroker/internal/metrics"
	"imbroker/internal/rpc"
)

const (
	dbusInterface    = "org.freedesktop.DBus"
	nameOwnerChanged = dbusInterface + ".NameOwnerChanged"
)

type sessionKey struct {
	sender string
	path   dbus.ObjectPath
}

// Bus is a broker-side D-Bus connection.
type Bus struct {
	conn    *dbus.Conn
	loop    *loop.Loop
	metrics *metrics.BrokerMetrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[sessionKey]*Session
	watchers map[string][]func(oldOwner, newOwner string)
	vanished []func(name string)
	signals  chan *dbus.Signal
}

// Options configure Connect.
type Options struct {
	// Address of the bus; empty selects the session bus.
	Address string
	Loop    *loop.Loop
	Metrics *metrics.BrokerMetrics
	Logger  *slog.Logger
}

// Connect opens the connection and subscribes to name ownership changes.
func Connect(opts Options) (*Bus, error) {
	var (
		conn *dbus.Conn
		err  error
	)
	if opts.Address == "" {
		conn, err = dbus.ConnectSessionBus()
	} else {
		conn, err = dbus.Connect(opts.Address)
	}
	if err != nil {
		return nil, fmt.Errorf("connect to bus: %w", err)
	}
	b := newBus(conn, opts)
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(dbusInterface),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("watch name owners: %w", err)
	}
	conn.Signal(b.signals)
	return b, nil
}

func newBus(conn *dbus.Conn, opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		conn:     conn,
		loop:     opts.Loop,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "bus"),
		sessions: make(map[sessionKey]*Session),
		watchers: make(map[string][]func(string, string)),
		signals:  make(chan *dbus.Signal, 64),
	}
}

// Conn returns the underlying connection.
func (b *Bus) Conn() *dbus.Conn { return b.conn }

// RequestName claims name, failing when another process owns it.
func (b *Bus) RequestName(name string) error {
	reply, err := b.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request bus name %s: %w", name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus name %s already taken", name)
	}
	return nil
}

// Run dispatches inbound signals until ctx is done or the connection
// drops.
func (b *Bus) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig, ok := <-b.signals:
			if !ok {
				return errors.New("bus connection closed")
			}
			b.dispatch(sig)
		}
	}
}

// Close drops the connection.
func (b *Bus) Close() error {
	b.conn.RemoveSignal(b.signals)
	return b.conn.Close()
}

func (b *Bus) dispatch(sig *dbus.Signal) {
	if sig.Name == nameOwnerChanged {
		name, ok1 := stringArg(sig.Body, 0)
		oldOwner, ok2 := stringArg(sig.Body, 1)
		newOwner, ok3 := stringArg(sig.Body, 2)
		if ok1 && ok2 && ok3 {
			b.ownerChanged(name, oldOwner, newOwner)
		}
		return
	}

	b.mu.Lock()
	s := b.sessions[sessionKey{sender: sig.Sender, path: sig.Path}]
	b.mu.Unlock()
	if s == nil {
		return
	}
	s.deliver(sig)
}

func stringArg(body []any, i int) (string, bool) {
	if i >= len(body) {
		return "", false
	}
	s, ok := body[i].(string)
	return s, ok
}

// ownerChanged runs on the connection goroutine.
func (b *Bus) ownerChanged(name, oldOwner, newOwner string) {
	b.mu.Lock()
	fns := append([]func(string, string){}, b.watchers[name]...)
	var gone []*Session
	var vanished []func(string)
	if newOwner == "" && len(name) > 0 && name[0] == ':' {
		for k, s := range b.sessions {
			if k.sender == name {
				gone = append(gone, s)
				delete(b.sessions, k)
			}
		}
		vanished = append(vanished, b.vanished...)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		b.loop.Post(func() { fn(oldOwner, newOwner) })
	}
	for _, s := range gone {
		s.vanish()
	}
	for _, fn := range vanished {
		b.loop.Post(func() { fn(name) })
	}
}

// WatchName calls fn on the loop whenever the owner of the well-known
// name changes, and once right away if the name is already owned.
func (b *Bus) WatchName(name string, fn func(oldOwner, newOwner string)) {
	b.mu.Lock()
	b.watchers[name] = append(b.watchers[name], fn)
	b.mu.Unlock()

	go func() {
		owner, err := b.nameOwner(name)
		if err != nil || owner == "" {
			return
		}
		b.loop.Post(func() { fn("", owner) })
	}()
}

// OnNameVanished calls fn on the loop with the unique name of every peer
// that disconnects.
func (b *Bus) OnNameVanished(fn func(name string)) {
	b.mu.Lock()
	b.vanished = append(b.vanished, fn)
	b.mu.Unlock()
}

func (b *Bus) nameOwner(name string) (string, error) {
	var owner string
	err := b.conn.BusObject().Call(dbusInterface+".GetNameOwner", 0, name).Store(&owner)
	if err != nil {
		var derr dbus.Error
		if errors.As(err, &derr) && derr.Name == "org.freedesktop.DBus.Error.NameHasNoOwner" {
			return "", nil
		}
		return "", err
	}
	return owner, nil
}

// NewSession opens a session on the object at path owned by the unique
// name dest. Signals from that object reach the session's handler on the
// loop.
func (b *Bus) NewSession(dest string, path dbus.ObjectPath, iface string) (*Session, error) {
	s := &Session{
		bus:   b,
		key:   sessionKey{sender: dest, path: path},
		iface: iface,
		obj:   b.conn.Object(dest, path),
	}
	if err := b.conn.AddMatchSignal(s.matchOptions()...); err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	b.mu.Lock()
	b.sessions[s.key] = s
	b.mu.Unlock()
	return s, nil
}

func (b *Bus) dropSession(s *Session) {
	b.mu.Lock()
	if b.sessions[s.key] == s {
		delete(b.sessions, s.key)
	}
	b.mu.Unlock()
	if err := b.conn.RemoveMatchSignal(s.matchOptions()...); err != nil {
		b.logger.Debug("remove match", "path", s.key.path, "error", err)
	}
}

// DialFactory implements component.FactoryDialer. The owner of busName is
// resolved per request, so dialing never blocks the loop.
func (b *Bus) DialFactory(busName string) (component.Factory, error) {
	return &remoteFactory{bus: b, name: busName}, nil
}

// ExecLauncher returns a process launcher whose exit notifications are
// posted into the loop.
func (b *Bus) ExecLauncher() *component.ExecLauncher {
	return &component.ExecLauncher{Post: b.loop.Post, Logger: b.logger}
}

type remoteFactory struct {
	bus  *Bus
	name string

	mu     sync.Mutex
	closed bool
}

func (f *remoteFactory) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// CreateEngine asks the component's factory object for a new engine.
func (f *remoteFactory) CreateEngine(ctx context.Context, name string, reply func(rpc.Session, error)) {
	go func() {
		s, err := f.create(ctx, name)
		f.bus.loop.Post(func() {
			if err != nil {
				reply(nil, err)
				return
			}
			reply(s, nil)
		})
	}()
}

func (f *remoteFactory) create(ctx context.Context, name string) (*Session, error) {
	if f.isClosed() {
		return nil, fmt.Errorf("%w: factory %s closed", ibus.ErrRemoteCreateFailed, f.name)
	}
	owner, err := f.bus.nameOwner(f.name)
	if err != nil || owner == "" {
		return nil, fmt.Errorf("%w: %s has no owner", ibus.ErrRemoteCreateFailed, f.name)
	}
	var path dbus.ObjectPath
	call := f.bus.conn.Object(owner, ibus.FactoryPath).
		CallWithContext(ctx, ibus.FactoryInterface+".CreateEngine", 0, name)
	if err := call.Store(&path); err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		return nil, fmt.Errorf("%w: %s: %v", ibus.ErrRemoteCreateFailed, name, err)
	}
	s, err := f.bus.NewSession(owner, path, ibus.EngineInterface)
	if err != nil {
		return nil, err
	}
	if cerr := ctx.Err(); cerr != nil {
		// Created after the caller gave up.
		s.Call("Destroy", nil, nil)
		s.Close()
		return nil, cerr
	}
	return s, nil
}

func (f *remoteFactory) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}
