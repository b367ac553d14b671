// Package rpctest provides in-memory rpc sessions and factories that
// deliver their replies through a loop, for tests.
package rpctest

import (
	"context"
	"errors"
	"sync"

	"imbroker/internal/loop"
	"imbroker/internal/rpc"
)

// ErrClosed is returned by calls on a closed fake session.
var ErrClosed = errors.New("rpctest: session closed")

// Call records one outbound request.
type Call struct {
	Method string
	Args   []any
}

// Responder computes the reply to a call.
type Responder func(args []any) ([]any, error)

// Session is a fake rpc.Session.
type Session struct {
	loop *loop.Loop
	path string

	mu         sync.Mutex
	calls      []Call
	responders map[string]Responder
	props      map[string]any
	propErrs   map[string]error
	handler    rpc.Handler
	closed     bool
}

// NewSession creates a fake session whose replies are posted to l.
func NewSession(l *loop.Loop, path string) *Session {
	return &Session{
		loop:       l,
		path:       path,
		responders: make(map[string]Responder),
		props:      make(map[string]any),
		propErrs:   make(map[string]error),
	}
}

// Path implements rpc.Session.
func (s *Session) Path() string { return s.path }

// Respond installs the reply computation for method.
func (s *Session) Respond(method string, r Responder) {
	s.mu.Lock()
	s.responders[method] = r
	s.mu.Unlock()
}

// SetRemoteProperty sets the value GetProperty returns for name.
func (s *Session) SetRemoteProperty(name string, v any) {
	s.mu.Lock()
	s.props[name] = v
	s.mu.Unlock()
}

// FailProperty makes GetProperty for name fail with err.
func (s *Session) FailProperty(name string, err error) {
	s.mu.Lock()
	s.propErrs[name] = err
	s.mu.Unlock()
}

// Call implements rpc.Session.
func (s *Session) Call(method string, args []any, reply rpc.ReplyFunc) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Args: args})
	r := s.responders[method]
	closed := s.closed
	s.mu.Unlock()

	if reply == nil {
		return
	}
	var body []any
	var err error
	switch {
	case closed:
		err = ErrClosed
	case r != nil:
		body, err = r(args)
	}
	s.loop.Post(func() { reply(body, err) })
}

// GetProperty implements rpc.Session.
func (s *Session) GetProperty(name string, reply rpc.ReplyFunc) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: "Get:" + name})
	v, ok := s.props[name]
	perr := s.propErrs[name]
	s.mu.Unlock()

	s.loop.Post(func() {
		switch {
		case perr != nil:
			reply(nil, perr)
		case !ok:
			reply(nil, errors.New("rpctest: no such property "+name))
		default:
			reply([]any{v}, nil)
		}
	})
}

// SetProperty implements rpc.Session.
func (s *Session) SetProperty(name string, value any, reply rpc.ReplyFunc) {
	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: "Set:" + name, Args: []any{value}})
	s.props[name] = value
	s.mu.Unlock()
	if reply != nil {
		s.loop.Post(func() { reply(nil, nil) })
	}
}

// SetHandler implements rpc.Session.
func (s *Session) SetHandler(h rpc.Handler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Close implements rpc.Session.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Emit delivers a signal synchronously, as the loop would.
func (s *Session) Emit(name string, body ...any) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h.HandleSignal(rpc.Signal{Name: name, Body: body})
	}
}

// Vanish simulates the remote object disappearing.
func (s *Session) Vanish() {
	s.mu.Lock()
	h := s.handler
	s.closed = true
	s.mu.Unlock()
	if h != nil {
		h.HandleClosed()
	}
}

// Calls returns a copy of every recorded request.
func (s *Session) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Methods returns the recorded method names in order.
func (s *Session) Methods() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	for i, c := range s.calls {
		out[i] = c.Method
	}
	return out
}

// Count returns how many times method was called.
func (s *Session) Count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Last returns the most recent call to method.
func (s *Session) Last(method string) (Call, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.calls) - 1; i >= 0; i-- {
		if s.calls[i].Method == method {
			return s.calls[i], true
		}
	}
	return Call{}, false
}

// Reset forgets recorded calls.
func (s *Session) Reset() {
	s.mu.Lock()
	s.calls = nil
	s.mu.Unlock()
}

// Factory is a fake engine factory.
type Factory struct {
	loop *loop.Loop

	mu       sync.Mutex
	sessions map[string]*Session
	created  []string
	err      error
	closed   bool

	// Configure runs on every new session before it is returned.
	Configure func(*Session)
}

// NewFactory creates a fake factory whose replies are posted to l.
func NewFactory(l *loop.Loop) *Factory {
	return &Factory{loop: l, sessions: make(map[string]*Session)}
}

// Fail makes subsequent CreateEngine calls fail with err.
func (f *Factory) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// CreateEngine mirrors component.Factory.
func (f *Factory) CreateEngine(ctx context.Context, name string, reply func(rpc.Session, error)) {
	f.mu.Lock()
	f.created = append(f.created, name)
	err := f.err
	var s *Session
	if err == nil {
		s = NewSession(f.loop, "/org/freedesktop/IBus/Engine/"+name)
		s.SetRemoteProperty("FocusId", true)
		s.SetRemoteProperty("ActiveSurroundingText", false)
		s.Respond("ProcessKeyEvent", func([]any) ([]any, error) { return []any{true}, nil })
		if f.Configure != nil {
			f.Configure(s)
		}
		f.sessions[name] = s
	}
	f.mu.Unlock()

	f.loop.Post(func() {
		if cerr := ctx.Err(); cerr != nil {
			reply(nil, cerr)
			return
		}
		if err != nil {
			reply(nil, err)
			return
		}
		reply(s, nil)
	})
}

// Close mirrors component.Factory.
func (f *Factory) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

// Closed reports whether Close was called.
func (f *Factory) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Created lists requested engine names in order.
func (f *Factory) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

// Session returns the latest session created for name.
func (f *Factory) Session(name string) *Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}
