package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"imbroker/internal/ibus"
	"imbroker/internal/rpc"
)

// Session is an rpc.Session on one remote D-Bus object.
type Session struct {
	bus   *Bus
	key   sessionKey
	iface string
	obj   dbus.BusObject

	mu      sync.Mutex
	handler rpc.Handler
	closed  bool
	// tail is closed once the latest reply has been posted.
	tail chan struct{}
}

var _ rpc.Session = (*Session)(nil)

// replyTimeout bounds how long a reply can hold up the replies queued
// behind it. It matches the usual D-Bus default.
const replyTimeout = 25 * time.Second

const (
	propertiesGet = "org.freedesktop.DBus.Properties.Get"
	propertiesSet = "org.freedesktop.DBus.Properties.Set"
)

func (s *Session) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchSender(s.key.sender),
		dbus.WithMatchObjectPath(s.key.path),
		dbus.WithMatchInterface(s.iface),
	}
}

// Path implements rpc.Session.
func (s *Session) Path() string { return string(s.key.path) }

// Owner returns the unique bus name serving the object.
func (s *Session) Owner() string { return s.key.sender }

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Call implements rpc.Session. Messages go out in call order; replies are
// posted to the loop in the same order.
func (s *Session) Call(method string, args []any, reply rpc.ReplyFunc) {
	s.send(method, s.iface+"."+method, EncodeArgs(args), reply)
}

// send writes the message from the calling goroutine, so the remote object
// sees calls in the order the loop issued them. Only the wait for the
// reply happens elsewhere.
func (s *Session) send(what, member string, wire []any, reply rpc.ReplyFunc) {
	if reply == nil {
		if !s.isClosed() {
			s.obj.Go(member, dbus.FlagNoReplyExpected, nil, wire...)
		}
		return
	}
	if s.isClosed() {
		s.bus.loop.Post(func() {
			reply(nil, fmt.Errorf("%w: %s on closed session", ibus.ErrRemoteCallFailed, what))
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	ch := make(chan *dbus.Call, 1)
	s.obj.GoWithContext(ctx, member, 0, ch, wire...)

	s.mu.Lock()
	prev := s.tail
	done := make(chan struct{})
	s.tail = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		call := <-ch
		cancel()
		body, err := s.result(what, call.Body, call.Err)
		if prev != nil {
			<-prev
		}
		s.bus.loop.Post(func() { reply(body, err) })
	}()
}

func (s *Session) result(what string, body []any, err error) ([]any, error) {
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ibus.ErrRemoteCallFailed, what, err)
	}
	decoded, err := DecodeBody(body)
	if err != nil {
		s.bus.metrics.ProtocolViolation()
		return nil, fmt.Errorf("%s reply: %w", what, err)
	}
	return decoded, nil
}

// GetProperty implements rpc.Session.
func (s *Session) GetProperty(name string, reply rpc.ReplyFunc) {
	s.send("get "+name, propertiesGet, []any{s.iface, name}, reply)
}

// SetProperty implements rpc.Session.
func (s *Session) SetProperty(name string, value any, reply rpc.ReplyFunc) {
	s.send("set "+name, propertiesSet, []any{s.iface, name, dbus.MakeVariant(Encode(value))}, reply)
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
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	go s.bus.dropSession(s)
}

// deliver runs on the connection goroutine.
func (s *Session) deliver(sig *dbus.Signal) {
	iface, member := splitMember(sig.Name)
	if iface != s.iface {
		return
	}
	body, err := DecodeBody(sig.Body)
	if err != nil {
		s.bus.metrics.ProtocolViolation()
		s.bus.logger.Warn("undecodable signal", "path", s.key.path, "signal", member, "error", err)
		return
	}
	s.bus.loop.Post(func() {
		if h := s.currentHandler(); h != nil {
			h.HandleSignal(rpc.Signal{Name: member, Body: body})
		}
	})
}

func (s *Session) vanish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.bus.loop.Post(func() {
		if h := s.currentHandler(); h != nil {
			h.HandleClosed()
		}
	})
}

func (s *Session) currentHandler() rpc.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handler
}

func splitMember(name string) (iface, member string) {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '.' {
			return name[:i], name[i+1:]
		}
	}
	return "", name
}
