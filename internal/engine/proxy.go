// Package engine implements the local stand-in for engine sessions and the
// asynchronous protocol that creates them.
//
// A Proxy mirrors the state it has pushed to its engine and drops mutator
// calls that would not change it. Inbound notifications are decoded into
// typed Events and fanned out to subscribers. All methods must be called on
// the broker loop.
package engine

import (
	"fmt"
	"log/slog"

	"imbroker/internal/ibus"
	"imbroker/internal/keymap"
	"imbroker/internal/metrics"
	"imbroker/internal/rpc"
)

type probe uint8

const (
	probePending probe = iota
	probeNo
	probeYes
)

func probeOf(v bool) probe {
	if v {
		return probeYes
	}
	return probeNo
}

// Options configure a Proxy.
type Options struct {
	Cache        *CapabilityCache
	Keymap       keymap.Keymap
	UseSysLayout bool
	Metrics      *metrics.BrokerMetrics
	Logger       *slog.Logger
}

// Proxy is one live engine session.
type Proxy struct {
	desc         *ibus.EngineDesc
	session      rpc.Session
	cache        *CapabilityCache
	keymap       keymap.Keymap
	useSysLayout bool
	metrics      *metrics.BrokerMetrics
	logger       *slog.Logger

	focusID           probe
	activeSurrounding probe

	enabled      bool
	hasFocus     bool
	focusSent    bool
	path         string
	client       string
	capabilities ibus.Capabilities
	cursor       ibus.Rect
	surrounding  *ibus.SurroundingText
	contentType  *ibus.ContentType
	props        ibus.PropList
	destroyed    bool

	observers map[int]func(Event)
	nextID    int
}

// NewProxy wraps session and starts the capability probes that are not
// cached yet.
func NewProxy(desc *ibus.EngineDesc, session rpc.Session, opts Options) *Proxy {
	if opts.Cache == nil {
		opts.Cache = NewCapabilityCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	p := &Proxy{
		desc:         desc,
		session:      session,
		cache:        opts.Cache,
		keymap:       opts.Keymap,
		useSysLayout: opts.UseSysLayout,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("engine", desc.Name, "path", session.Path()),
		observers:    make(map[int]func(Event)),
	}
	session.SetHandler(p)
	p.metrics.EngineAlive(1)

	if v, ok := p.cache.FocusID(desc.Name); ok {
		p.focusID = probeOf(v)
	} else {
		p.session.GetProperty("FocusId", p.focusIDProbed)
	}
	if v, ok := p.cache.ActiveSurroundingText(desc.Name); ok {
		p.activeSurrounding = probeOf(v)
	} else {
		p.session.GetProperty("ActiveSurroundingText", p.activeSurroundingProbed)
	}
	return p
}

// A failed probe counts as unsupported for this proxy and is not cached.
func (p *Proxy) focusIDProbed(body []any, err error) {
	if p.destroyed {
		return
	}
	v, ok := rpc.Arg[bool](body, 0)
	if err != nil || !ok {
		p.logger.Debug("FocusId probe failed", "error", err)
		p.focusID = probeNo
	} else {
		p.focusID = probeOf(v)
		p.cache.SetFocusID(p.desc.Name, v)
	}
	if p.hasFocus && !p.focusSent {
		p.sendFocusIn()
	}
}

func (p *Proxy) activeSurroundingProbed(body []any, err error) {
	if p.destroyed {
		return
	}
	v, ok := rpc.Arg[bool](body, 0)
	if err != nil || !ok {
		p.logger.Debug("ActiveSurroundingText probe failed", "error", err)
		p.activeSurrounding = probeNo
		return
	}
	p.activeSurrounding = probeOf(v)
	p.cache.SetActiveSurroundingText(p.desc.Name, v)
	if v && p.hasFocus {
		p.emit(RequireSurroundingText{})
	}
}

// Desc returns the engine descriptor.
func (p *Proxy) Desc() *ibus.EngineDesc { return p.desc }

// Name returns the engine name.
func (p *Proxy) Name() string { return p.desc.Name }

// Enabled reports the cached enabled state.
func (p *Proxy) Enabled() bool { return p.enabled }

// Focused reports whether the engine holds focus for some context.
func (p *Proxy) Focused() bool { return p.hasFocus }

// FocusPath returns the object path of the context the engine is focused
// on, or "".
func (p *Proxy) FocusPath() string { return p.path }

// Capabilities returns the last capabilities pushed to the engine.
func (p *Proxy) Capabilities() ibus.Capabilities { return p.capabilities }

// Properties returns the last registered property list.
func (p *Proxy) Properties() ibus.PropList { return p.props }

// ContentType returns the last content type pushed, if any.
func (p *Proxy) ContentType() (ibus.ContentType, bool) {
	if p.contentType == nil {
		return ibus.ContentType{}, false
	}
	return *p.contentType, true
}

// IsDestroyed reports whether the session is gone.
func (p *Proxy) IsDestroyed() bool { return p.destroyed }

// Subscribe registers fn for every event the proxy emits. The returned
// function unsubscribes.
func (p *Proxy) Subscribe(fn func(Event)) func() {
	id := p.nextID
	p.nextID++
	p.observers[id] = fn
	return func() { delete(p.observers, id) }
}

func (p *Proxy) emit(ev Event) {
	fns := make([]func(Event), 0, len(p.observers))
	for id := 0; id < p.nextID; id++ {
		if fn, ok := p.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	for _, fn := range fns {
		fn(ev)
	}
}

// call issues a fire-and-forget method; failures are only logged.
func (p *Proxy) call(method string, args ...any) {
	if p.destroyed {
		return
	}
	p.session.Call(method, args, func(_ []any, err error) {
		if err != nil {
			p.logger.Debug("engine call failed", "method", method, "error", err)
		}
	})
}

// HandleSignal implements rpc.Handler.
func (p *Proxy) HandleSignal(sig rpc.Signal) {
	if p.destroyed {
		return
	}
	ev, err := decodeSignal(sig)
	if err != nil {
		p.metrics.ProtocolViolation()
		p.logger.Warn("dropping engine signal", "signal", sig.Name, "error", err)
		return
	}
	switch e := ev.(type) {
	case RegisterProperties:
		p.props = e.Props
	case UpdateProperty:
		p.props.Update(e.Prop)
	}
	p.emit(ev)
}

// HandleClosed implements rpc.Handler.
func (p *Proxy) HandleClosed() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.metrics.EngineAlive(-1)
	p.logger.Info("engine session closed")
	p.emit(Destroyed{})
}

// Destroy asks the engine to drop the session and releases it locally.
func (p *Proxy) Destroy() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.session.Call("Destroy", nil, nil)
	p.session.Close()
	p.metrics.EngineAlive(-1)
	p.emit(Destroyed{})
}

// FocusIn tells the engine it is focused on the context at path. While
// the FocusId probe is pending the call is held back and sent once the
// probe resolves.
func (p *Proxy) FocusIn(path, client string) {
	if p.hasFocus && p.path == path {
		return
	}
	p.hasFocus = true
	p.focusSent = false
	p.path = path
	p.client = client
	if p.activeSurrounding == probeYes {
		p.emit(RequireSurroundingText{})
	}
	if p.focusID == probePending {
		return
	}
	p.sendFocusIn()
}

func (p *Proxy) sendFocusIn() {
	p.focusSent = true
	if p.focusID == probeYes {
		p.call("FocusInId", p.path, p.client)
		return
	}
	p.call("FocusIn")
}

// FocusOut removes focus. Nothing is sent if the matching focus-in was
// never delivered.
func (p *Proxy) FocusOut(path string) {
	if !p.hasFocus {
		return
	}
	sent := p.focusSent
	p.hasFocus = false
	p.focusSent = false
	p.path = ""
	p.client = ""
	if !sent {
		return
	}
	if p.focusID == probeYes {
		p.call("FocusOutId", path)
		return
	}
	p.call("FocusOut")
}

// Enable enables the engine if it is not already enabled.
func (p *Proxy) Enable() {
	if p.enabled {
		return
	}
	p.enabled = true
	if p.activeSurrounding == probeYes {
		p.emit(RequireSurroundingText{})
	}
	p.call("Enable")
}

// Disable disables the engine if it is enabled.
func (p *Proxy) Disable() {
	if !p.enabled {
		return
	}
	p.enabled = false
	p.call("Disable")
}

// SetCapabilities pushes caps when they differ from the cached value.
func (p *Proxy) SetCapabilities(caps ibus.Capabilities) {
	if p.capabilities == caps {
		return
	}
	p.capabilities = caps
	p.call("SetCapabilities", uint32(caps))
}

// SetCursorLocation pushes the cursor rectangle when it moved.
func (p *Proxy) SetCursorLocation(r ibus.Rect) {
	if p.cursor == r {
		return
	}
	p.cursor = r
	p.call("SetCursorLocation", r.X, r.Y, r.Width, r.Height)
}

// SetSurroundingText pushes the surrounding text when text or offsets
// changed.
func (p *Proxy) SetSurroundingText(text *ibus.Text, cursor, anchor uint32) {
	if text == nil {
		text = ibus.NewText("")
	}
	st := ibus.SurroundingText{Text: text, Cursor: cursor, Anchor: anchor}
	if p.surrounding != nil && p.surrounding.Equal(st) {
		return
	}
	p.surrounding = &st
	p.call("SetSurroundingText", text, cursor, anchor)
}

// SetContentType writes the ContentType property when it changed.
func (p *Proxy) SetContentType(ct ibus.ContentType) {
	if p.contentType != nil && *p.contentType == ct {
		return
	}
	p.contentType = &ct
	if p.destroyed {
		return
	}
	p.session.SetProperty("ContentType", ct, func(_ []any, err error) {
		if err != nil {
			p.logger.Debug("set ContentType failed", "error", err)
		}
	})
}

// ProcessKeyEvent forwards a key event. Unless the system layout is used,
// keyval is recomputed from keycode through the engine's keymap.
func (p *Proxy) ProcessKeyEvent(keyval, keycode, state uint32, reply func(handled bool, err error)) {
	if keycode != 0 && !p.useSysLayout {
		km := p.keymap
		if km == nil {
			km = keymap.Default()
		}
		if km != nil {
			if sym := km.Lookup(keycode, state); sym != ibus.KeyVoidSymbol {
				keyval = sym
			}
		}
	}
	if p.destroyed {
		if reply != nil {
			reply(false, fmt.Errorf("%w: engine %s destroyed", ibus.ErrRemoteCallFailed, p.desc.Name))
		}
		return
	}
	p.session.Call("ProcessKeyEvent", []any{keyval, keycode, state}, func(body []any, err error) {
		if reply == nil {
			return
		}
		if err != nil {
			reply(false, fmt.Errorf("%w: ProcessKeyEvent: %v", ibus.ErrRemoteCallFailed, err))
			return
		}
		handled, _ := rpc.Arg[bool](body, 0)
		reply(handled, nil)
	})
}

func (p *Proxy) PropertyActivate(name string, state uint32) {
	p.call("PropertyActivate", name, state)
}

func (p *Proxy) PropertyShow(name string) { p.call("PropertyShow", name) }

func (p *Proxy) PropertyHide(name string) { p.call("PropertyHide", name) }

func (p *Proxy) Reset()      { p.call("Reset") }
func (p *Proxy) PageUp()     { p.call("PageUp") }
func (p *Proxy) PageDown()   { p.call("PageDown") }
func (p *Proxy) CursorUp()   { p.call("CursorUp") }
func (p *Proxy) CursorDown() { p.call("CursorDown") }

// CandidateClicked reports a click on a lookup table candidate.
func (p *Proxy) CandidateClicked(index, button, state uint32) {
	p.call("CandidateClicked", index, button, state)
}

// PanelExtensionReceived tells the engine about a panel extension toggle.
func (p *Proxy) PanelExtensionReceived(ev ibus.ExtensionEvent) {
	p.call("PanelExtensionReceived", ev)
}

// PanelExtensionRegisterKeys replays the extension hotkey registration.
func (p *Proxy) PanelExtensionRegisterKeys(keys map[string]any) {
	p.call("PanelExtensionRegisterKeys", keys)
}
