// Package rpc is the transport seam between the broker core and the wire.
//
// A Session is one remote object (an engine instance) reached over some
// request/reply transport. Replies, signals and the closed notification are
// always delivered on the broker loop, so implementations running their own
// goroutines must post into the loop before invoking them.
package rpc

// ReplyFunc receives the reply body of a call or its error.
type ReplyFunc func(body []any, err error)

// Signal is a notification emitted by a remote object.
type Signal struct {
	Name string
	Body []any
}

// Handler receives inbound traffic from a Session.
type Handler interface {
	HandleSignal(Signal)
	HandleClosed()
}

// Session is a remote engine instance.
type Session interface {
	// Path identifies the remote object.
	Path() string

	// Call invokes a method. A nil reply makes the call fire-and-forget.
	Call(method string, args []any, reply ReplyFunc)

	// GetProperty reads a property; the value is body[0].
	GetProperty(name string, reply ReplyFunc)

	// SetProperty writes a property. A nil reply ignores the result.
	SetProperty(name string, value any, reply ReplyFunc)

	// SetHandler installs the receiver for signals and disconnection.
	SetHandler(h Handler)

	// Close drops local resources. It does not destroy the remote object.
	Close()
}

// Arg returns body[i] as T, reporting false when it is missing or of a
// different type.
func Arg[T any](body []any, i int) (T, bool) {
	var zero T
	if i < 0 || i >= len(body) {
		return zero, false
	}
	v, ok := body[i].(T)
	return v, ok
}
