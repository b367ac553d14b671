// Package panel bridges the broker and the status panel processes: the
// main panel that renders candidates and properties, and the emoji
// extension.
//
// While a context is focused on a Bridge, the engine UI traffic the context
// does not render itself is relayed to the panel. Signals coming back from
// the panel are decoded into Events for the broker.
package panel

import (
	"log/slog"

	"imbroker/internal/engine"
	"imbroker/internal/ibus"
	"imbroker/internal/metrics"
	"imbroker/internal/rpc"
)

// Kind tells the main panel and the emoji extension apart.
type Kind int

const (
	KindPanel Kind = iota
	KindEmoji
)

func (k Kind) String() string {
	if k == KindEmoji {
		return "emoji"
	}
	return "panel"
}

// BusName returns the well-known name a panel of this kind owns.
func (k Kind) BusName() string {
	if k == KindEmoji {
		return ibus.EmojiPanelService
	}
	return ibus.PanelService
}

// Source is a focusable context as seen by the panel.
type Source interface {
	Path() string
	// Properties returns the property list of the attached engine.
	Properties() ibus.PropList
	// SubscribeUI delivers the engine events the client does not render.
	SubscribeUI(fn func(engine.Event)) func()
}

// Bridge is one connected panel.
type Bridge struct {
	kind    Kind
	session rpc.Session
	metrics *metrics.BrokerMetrics
	logger  *slog.Logger

	focused     Source
	unsubscribe func()
	destroyed   bool

	observers map[int]func(Event)
	nextID    int
}

// New wraps the session to a panel object.
func New(kind Kind, session rpc.Session, m *metrics.BrokerMetrics, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		kind:      kind,
		session:   session,
		metrics:   m,
		logger:    logger.With("component", "panel", "kind", kind.String()),
		observers: make(map[int]func(Event)),
	}
	session.SetHandler(b)
	return b
}

// Kind returns what this bridge talks to.
func (b *Bridge) Kind() Kind { return b.kind }

// Focused returns the source currently focused on the panel, or nil.
func (b *Bridge) Focused() Source { return b.focused }

// IsDestroyed reports whether the panel went away.
func (b *Bridge) IsDestroyed() bool { return b.destroyed }

// Subscribe registers fn for every decoded panel event.
func (b *Bridge) Subscribe(fn func(Event)) func() {
	id := b.nextID
	b.nextID++
	b.observers[id] = fn
	return func() { delete(b.observers, id) }
}

func (b *Bridge) emit(ev Event) {
	fns := make([]func(Event), 0, len(b.observers))
	for id := 0; id < b.nextID; id++ {
		if fn, ok := b.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	for _, fn := range fns {
		fn(ev)
	}
}

func (b *Bridge) call(method string, args ...any) {
	if b.destroyed {
		return
	}
	b.session.Call(method, args, func(_ []any, err error) {
		if err != nil {
			b.logger.Debug("panel call failed", "method", method, "error", err)
		}
	})
}

// HandleSignal implements rpc.Handler.
func (b *Bridge) HandleSignal(sig rpc.Signal) {
	if b.destroyed {
		return
	}
	ev, err := decodeSignal(sig)
	if err != nil {
		b.metrics.ProtocolViolation()
		b.logger.Warn("dropping panel signal", "signal", sig.Name, "error", err)
		return
	}
	b.emit(ev)
}

// HandleClosed implements rpc.Handler.
func (b *Bridge) HandleClosed() {
	if b.destroyed {
		return
	}
	b.release()
	b.logger.Info("panel disconnected")
	b.emit(Destroyed{})
}

// Close drops the connection without telling the panel.
func (b *Bridge) Close() {
	if b.destroyed {
		return
	}
	b.release()
	b.session.Close()
	b.emit(Destroyed{})
}

func (b *Bridge) release() {
	b.destroyed = true
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
	b.focused = nil
}

// FocusIn focuses src on the panel, re-sends the engine's property list
// and starts relaying src's UI traffic. Only the main panel relays.
func (b *Bridge) FocusIn(src Source) {
	if b.destroyed || src == nil || b.focused == src {
		return
	}
	if b.focused != nil {
		b.FocusOut(b.focused)
	}
	b.focused = src
	b.call("FocusIn", src.Path())
	if b.kind != KindPanel {
		return
	}
	b.unsubscribe = src.SubscribeUI(b.Relay)
	if props := src.Properties(); len(props) > 0 {
		b.RegisterProperties(props)
	}
}

// FocusOut is ignored unless src is the focused source.
func (b *Bridge) FocusOut(src Source) {
	if b.destroyed || src == nil || b.focused != src {
		return
	}
	if b.unsubscribe != nil {
		b.unsubscribe()
		b.unsubscribe = nil
	}
	b.focused = nil
	b.call("FocusOut", src.Path())
}

// DestroyContext tells the panel the context at path is gone.
func (b *Bridge) DestroyContext(path string) {
	b.call("DestroyContext", path)
}

func (b *Bridge) RegisterProperties(props ibus.PropList) {
	b.call("RegisterProperties", props)
}

func (b *Bridge) UpdateProperty(prop *ibus.Property) {
	b.call("UpdateProperty", prop)
}

func (b *Bridge) UpdateAuxiliaryText(text *ibus.Text, visible bool) {
	b.call("UpdateAuxiliaryText", text, visible)
}

// PanelExtensionReceived forwards an extension toggle to the panel.
func (b *Bridge) PanelExtensionReceived(ev ibus.ExtensionEvent) {
	b.call("PanelExtensionReceived", ev)
}

// SendMessageReceived relays an opaque message to the panel.
func (b *Bridge) SendMessageReceived(payload []any) {
	b.call("SendMessageReceived", payload)
}

// ProcessKeyEvent offers a key to the emoji extension.
func (b *Bridge) ProcessKeyEvent(keyval, keycode, state uint32, reply func(bool, error)) {
	if b.destroyed {
		reply(false, ibus.ErrRemoteCallFailed)
		return
	}
	b.session.Call("ProcessKeyEvent", []any{keyval, keycode, state}, func(body []any, err error) {
		if err != nil {
			reply(false, err)
			return
		}
		handled, _ := rpc.Arg[bool](body, 0)
		reply(handled, nil)
	})
}

// Relay forwards one engine UI event to the panel.
func (b *Bridge) Relay(ev engine.Event) {
	switch e := ev.(type) {
	case engine.UpdatePreeditText:
		b.call("UpdatePreeditText", e.Text, e.Cursor, e.Visible)
	case engine.UpdateAuxiliaryText:
		b.UpdateAuxiliaryText(e.Text, e.Visible)
	case engine.UpdateLookupTable:
		b.call("UpdateLookupTable", e.Table, e.Visible)
	case engine.RegisterProperties:
		b.RegisterProperties(e.Props)
	case engine.UpdateProperty:
		b.UpdateProperty(e.Prop)
	case engine.SendMessage:
		b.SendMessageReceived(e.Payload)
	case engine.ShowPreeditText, engine.HidePreeditText,
		engine.ShowAuxiliaryText, engine.HideAuxiliaryText,
		engine.ShowLookupTable, engine.HideLookupTable,
		engine.PageUpLookupTable, engine.PageDownLookupTable,
		engine.CursorUpLookupTable, engine.CursorDownLookupTable:
		b.call(ev.EventName())
	default:
		b.logger.Debug("not relayed to panel", "event", ev.EventName())
	}
}
