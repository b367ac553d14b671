// Package inputcontext implements the per-client text input session: the
// owner of at most one engine proxy, the router of engine output to either
// the client or the panel, and the source of focus and engine-change
// events for the broker.
//
// A Context must only be used from the broker loop.
package inputcontext

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"imbroker/internal/engine"
	"imbroker/internal/ibus"
	"imbroker/internal/panel"
)

// Client receives the engine output the client renders itself.
type Client interface {
	Deliver(ev engine.Event)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(engine.Event)

func (f ClientFunc) Deliver(ev engine.Event) { f(ev) }

// Creator creates engine proxies asynchronously. engine.Factory is the
// production implementation.
type Creator interface {
	Create(ctx context.Context, desc *ibus.EngineDesc, timeout time.Duration, done func(*engine.Proxy, error))
}

// KeyFilter sees every key before the engine does. Returning true
// consumes the key.
type KeyFilter func(keyval, keycode, state uint32) bool

// Options configure a Context.
type Options struct {
	Path       string
	ClientName string
	Client     Client
	Creator    Creator

	// RequestEngine resolves an engine name for SetEngineByName. The empty
	// name asks for the default engine.
	RequestEngine func(name string) (*ibus.EngineDesc, error)

	Timeout time.Duration
	Logger  *slog.Logger
}

type preedit struct {
	text    *ibus.Text
	cursor  uint32
	visible bool
	mode    uint32
}

// Context is one client input session.
type Context struct {
	path    string
	client  string
	sink    Client
	creator Creator
	request func(string) (*ibus.EngineDesc, error)
	timeout time.Duration
	logger  *slog.Logger

	caps        ibus.Capabilities
	hasFocus    bool
	enabled     bool
	contentType *ibus.ContentType
	cursor      ibus.Rect
	surrounding *ibus.SurroundingText
	preedit     preedit

	engine      *engine.Proxy
	unsubEngine func()
	emoji       *panel.Bridge
	keyFilter   KeyFilter

	pendingCancel context.CancelFunc
	pendingSeq    uint64

	observers map[int]func(Event)
	nextID    int
	ui        map[int]func(engine.Event)
	nextUIID  int
	destroyed bool
}

// New creates a context. Nothing is sent anywhere until an engine is
// attached.
func New(opts Options) *Context {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Context{
		path:      opts.Path,
		client:    opts.ClientName,
		sink:      opts.Client,
		creator:   opts.Creator,
		request:   opts.RequestEngine,
		timeout:   opts.Timeout,
		logger:    opts.Logger.With("context", opts.Path, "client", opts.ClientName),
		observers: make(map[int]func(Event)),
		ui:        make(map[int]func(engine.Event)),
	}
}

func (c *Context) Path() string                    { return c.path }
func (c *Context) ClientName() string              { return c.client }
func (c *Context) Capabilities() ibus.Capabilities { return c.caps }
func (c *Context) HasFocus() bool                  { return c.hasFocus }
func (c *Context) IsEnabled() bool                 { return c.enabled }
func (c *Context) IsDestroyed() bool               { return c.destroyed }

// Engine returns the attached engine, or nil.
func (c *Context) Engine() *engine.Proxy { return c.engine }

// EmojiExtension returns the linked emoji extension, or nil.
func (c *Context) EmojiExtension() *panel.Bridge { return c.emoji }

// Properties returns the property list of the attached engine.
func (c *Context) Properties() ibus.PropList {
	if c.engine == nil {
		return nil
	}
	return c.engine.Properties()
}

// Subscribe registers fn for lifecycle events.
func (c *Context) Subscribe(fn func(Event)) func() {
	id := c.nextID
	c.nextID++
	c.observers[id] = fn
	return func() { delete(c.observers, id) }
}

func (c *Context) emit(ev Event) {
	fns := make([]func(Event), 0, len(c.observers))
	for id := 0; id < c.nextID; id++ {
		if fn, ok := c.observers[id]; ok {
			fns = append(fns, fn)
		}
	}
	for _, fn := range fns {
		fn(ev)
	}
}

// SubscribeUI registers fn for engine output the client does not render.
func (c *Context) SubscribeUI(fn func(engine.Event)) func() {
	id := c.nextUIID
	c.nextUIID++
	c.ui[id] = fn
	return func() { delete(c.ui, id) }
}

func (c *Context) emitUI(ev engine.Event) {
	fns := make([]func(engine.Event), 0, len(c.ui))
	for id := 0; id < c.nextUIID; id++ {
		if fn, ok := c.ui[id]; ok {
			fns = append(fns, fn)
		}
	}
	for _, fn := range fns {
		fn(ev)
	}
}

func (c *Context) deliver(ev engine.Event) {
	if c.sink != nil {
		c.sink.Deliver(ev)
	}
}

// route sends ev to the client when it advertises capability, else to the
// panel.
func (c *Context) route(ev engine.Event, capability ibus.Capabilities) {
	if c.caps.Has(capability) {
		c.deliver(ev)
		return
	}
	c.emitUI(ev)
}

// SetCapabilities records caps and pushes them to the engine.
func (c *Context) SetCapabilities(caps ibus.Capabilities) {
	c.caps = caps
	if c.engine != nil {
		c.engine.SetCapabilities(caps)
	}
}

// SetKeyFilter installs the filter consulted before the engine.
func (c *Context) SetKeyFilter(f KeyFilter) { c.keyFilter = f }

// FocusIn marks the context focused, announces it and focuses the engine.
func (c *Context) FocusIn() {
	if c.hasFocus || c.destroyed {
		return
	}
	c.hasFocus = true
	c.emit(FocusIn{})
	if c.engine != nil {
		c.engine.FocusIn(c.path, c.client)
	}
}

// FocusOut commits pending preedit when the engine asked for it, unfocuses
// the engine and announces the change.
func (c *Context) FocusOut() {
	if !c.hasFocus {
		return
	}
	c.ClearPreeditText(true)
	if c.engine != nil {
		c.engine.FocusOut(c.path)
	}
	c.hasFocus = false
	c.emit(FocusOut{})
}

// Enable enables the context and its engine.
func (c *Context) Enable() {
	c.enabled = true
	if c.engine != nil {
		c.engine.Enable()
	}
}

// Disable disables the context and its engine.
func (c *Context) Disable() {
	c.enabled = false
	if c.engine != nil {
		c.engine.Disable()
	}
}

// SetEngine attaches p, destroying the engine attached before. A nil p
// only destroys.
func (c *Context) SetEngine(p *engine.Proxy) {
	if p == c.engine {
		return
	}
	if old := c.detach(); old != nil {
		old.Destroy()
	}
	if p != nil {
		c.attach(p)
	}
	c.emit(EngineChanged{})
}

// TakeEngine detaches the engine without destroying it and hands it to
// the caller.
func (c *Context) TakeEngine() *engine.Proxy {
	p := c.detach()
	if p != nil {
		c.emit(EngineChanged{})
	}
	return p
}

func (c *Context) attach(p *engine.Proxy) {
	c.engine = p
	c.unsubEngine = p.Subscribe(func(ev engine.Event) { c.handleEngineEvent(p, ev) })
	p.SetCapabilities(c.caps)
	p.SetCursorLocation(c.cursor)
	if c.contentType != nil {
		p.SetContentType(*c.contentType)
	}
	if c.surrounding != nil {
		p.SetSurroundingText(c.surrounding.Text, c.surrounding.Cursor, c.surrounding.Anchor)
	}
	if c.hasFocus {
		p.FocusIn(c.path, c.client)
	}
}

func (c *Context) detach() *engine.Proxy {
	p := c.engine
	if p == nil {
		return nil
	}
	c.unsubEngine()
	c.unsubEngine = nil
	c.engine = nil
	if p.Focused() {
		p.FocusOut(c.path)
	}
	c.ClearPreeditText(true)
	return p
}

// SetEngineByDesc creates an engine for desc and attaches and enables it
// once ready. A switch still in flight on this context is cancelled. done
// may be nil and is always called on the loop.
func (c *Context) SetEngineByDesc(desc *ibus.EngineDesc, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	c.CancelPendingSwitch()

	ctx, cancel := context.WithCancel(context.Background())
	c.pendingSeq++
	seq := c.pendingSeq
	c.pendingCancel = cancel

	c.creator.Create(ctx, desc, c.timeout, func(p *engine.Proxy, err error) {
		if c.pendingSeq == seq {
			c.pendingCancel = nil
		}
		if err == nil && ctx.Err() != nil {
			// Superseded after the reply was already on its way.
			p.Destroy()
			err = fmt.Errorf("%w: superseded", ibus.ErrOperationCancelled)
		}
		cancel()
		if err == nil && c.destroyed {
			p.Destroy()
			err = fmt.Errorf("%w: context destroyed", ibus.ErrOperationCancelled)
		}
		if err != nil {
			c.logger.Debug("engine switch failed", "engine", desc.Name, "error", err)
			done(err)
			return
		}
		c.SetEngine(p)
		c.Enable()
		done(nil)
	})
}

// SetEngineByName resolves name and switches to it. Resolution errors are
// returned directly and done is not called.
func (c *Context) SetEngineByName(name string, done func(error)) error {
	if c.request == nil {
		return fmt.Errorf("%w: %q", ibus.ErrDescriptorNotFound, name)
	}
	desc, err := c.request(name)
	if err != nil {
		return err
	}
	c.SetEngineByDesc(desc, done)
	return nil
}

// CancelPendingSwitch cancels the engine switch in flight, if any. Its
// completion still runs, with ErrOperationCancelled.
func (c *Context) CancelPendingSwitch() {
	if c.pendingCancel != nil {
		c.pendingCancel()
		c.pendingCancel = nil
	}
}

// SwitchPending reports whether an engine switch is in flight.
func (c *Context) SwitchPending() bool { return c.pendingCancel != nil }

// SetCursorLocation records r and pushes it to the engine.
func (c *Context) SetCursorLocation(r ibus.Rect) {
	c.cursor = r
	if c.engine != nil {
		c.engine.SetCursorLocation(r)
	}
}

// SetSurroundingText records the client text around the cursor.
func (c *Context) SetSurroundingText(text *ibus.Text, cursor, anchor uint32) {
	if text == nil {
		text = ibus.NewText("")
	}
	c.surrounding = &ibus.SurroundingText{Text: text, Cursor: cursor, Anchor: anchor}
	if c.engine != nil {
		c.engine.SetSurroundingText(text, cursor, anchor)
	}
}

// SetContentType records the field purpose and hints.
func (c *Context) SetContentType(ct ibus.ContentType) {
	c.contentType = &ct
	if c.engine != nil {
		c.engine.SetContentType(ct)
	}
}

// ContentType returns the recorded content type.
func (c *Context) ContentType() (ibus.ContentType, bool) {
	if c.contentType == nil {
		return ibus.ContentType{}, false
	}
	return *c.contentType, true
}

// Preedit returns the cached preedit text, cursor and visibility.
func (c *Context) Preedit() (*ibus.Text, uint32, bool) {
	return c.preedit.text, c.preedit.cursor, c.preedit.visible
}

// UpdatePreeditText caches the preedit and routes it.
func (c *Context) UpdatePreeditText(text *ibus.Text, cursor uint32, visible bool, mode uint32) {
	c.preedit = preedit{text: text, cursor: cursor, visible: visible, mode: mode}
	c.route(engine.UpdatePreeditText{Text: text, Cursor: cursor, Visible: visible, Mode: mode}, ibus.CapPreeditText)
}

// ClearPreeditText drops the preedit. With commit set, preedit the engine
// marked for commit is delivered to the client first.
func (c *Context) ClearPreeditText(commit bool) {
	if c.preedit.text.String() == "" {
		return
	}
	if commit && c.preedit.mode == ibus.PreeditCommit {
		c.deliver(engine.CommitText{Text: c.preedit.text})
	}
	c.UpdatePreeditText(ibus.NewText(""), 0, false, ibus.PreeditClear)
}

// UpdateLookupTable routes a lookup table, typically one produced by a
// panel extension.
func (c *Context) UpdateLookupTable(table *ibus.LookupTable, visible bool) {
	c.route(engine.UpdateLookupTable{Table: table, Visible: visible}, ibus.CapLookupTable)
}

// CommitText delivers text to the client.
func (c *Context) CommitText(text *ibus.Text) {
	c.deliver(engine.CommitText{Text: text})
}

// ForwardKeyEvent hands a key back to the client.
func (c *Context) ForwardKeyEvent(keyval, keycode, state uint32) {
	c.deliver(engine.ForwardKeyEvent{Keyval: keyval, Keycode: keycode, State: state})
}

// SetEmojiExtension links or unlinks the emoji extension. While linked,
// keys go to the extension instead of the engine.
func (c *Context) SetEmojiExtension(b *panel.Bridge) {
	c.emoji = b
}

// PanelExtensionReceived tells the engine about an extension toggle.
func (c *Context) PanelExtensionReceived(ev ibus.ExtensionEvent) {
	if c.engine != nil {
		c.engine.PanelExtensionReceived(ev)
	}
}

// ProcessKeyEvent runs the key filter, then offers the key to the emoji
// extension when linked, else to the enabled engine. A key nobody
// handles is reported unhandled.
func (c *Context) ProcessKeyEvent(keyval, keycode, state uint32, reply func(bool, error)) {
	if c.keyFilter != nil && c.keyFilter(keyval, keycode, state) {
		reply(true, nil)
		return
	}
	switch {
	case c.emoji != nil && !c.emoji.IsDestroyed():
		c.emoji.ProcessKeyEvent(keyval, keycode, state, reply)
	case c.engine != nil && c.enabled:
		c.engine.ProcessKeyEvent(keyval, keycode, state, reply)
	default:
		reply(false, nil)
	}
}

func (c *Context) handleEngineEvent(p *engine.Proxy, ev engine.Event) {
	if p != c.engine {
		return
	}
	switch e := ev.(type) {
	case engine.Destroyed:
		c.unsubEngine()
		c.unsubEngine = nil
		c.engine = nil
		c.ClearPreeditText(false)
		c.logger.Info("engine destroyed", "engine", p.Name())
		c.emit(EngineChanged{})

	case engine.CommitText, engine.ForwardKeyEvent,
		engine.DeleteSurroundingText, engine.RequireSurroundingText:
		c.deliver(ev)

	case engine.UpdatePreeditText:
		c.UpdatePreeditText(e.Text, e.Cursor, e.Visible, e.Mode)
	case engine.ShowPreeditText:
		c.preedit.visible = true
		c.route(ev, ibus.CapPreeditText)
	case engine.HidePreeditText:
		c.preedit.visible = false
		c.route(ev, ibus.CapPreeditText)

	case engine.UpdateAuxiliaryText, engine.ShowAuxiliaryText, engine.HideAuxiliaryText:
		c.route(ev, ibus.CapAuxiliaryText)

	case engine.UpdateLookupTable, engine.ShowLookupTable, engine.HideLookupTable,
		engine.PageUpLookupTable, engine.PageDownLookupTable,
		engine.CursorUpLookupTable, engine.CursorDownLookupTable:
		c.route(ev, ibus.CapLookupTable)

	case engine.RegisterProperties, engine.UpdateProperty:
		c.route(ev, ibus.CapProperty)

	case engine.PanelExtension:
		c.emit(PanelExtension{Event: e.Event})
	case engine.SendMessage:
		c.emit(SendMessage{Payload: e.Payload})
	}
}

// Destroy announces the context's end, cancels any pending switch and
// destroys the engine still attached afterwards.
func (c *Context) Destroy() {
	if c.destroyed {
		return
	}
	c.destroyed = true
	c.CancelPendingSwitch()
	c.emit(Destroyed{})
	c.SetEngine(nil)
	c.observers = make(map[int]func(Event))
	c.ui = make(map[int]func(engine.Event))
}
