// Package broker owns focus and the global engine policy.
//
// The Broker keeps track of the focused input context, moves the shared
// engine between contexts as focus changes when the global engine mode is
// on, and keeps the global engine name consistent with whatever engine the
// focused context ends up with, including when an asynchronous switch
// completes after focus has already moved on.
//
// All methods must be called on the broker loop.
package broker

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"imbroker/internal/component"
	"imbroker/internal/engine"
	"imbroker/internal/ibus"
	"imbroker/internal/inputcontext"
	"imbroker/internal/loop"
	"imbroker/internal/metrics"
	"imbroker/internal/panel"
)

// FakeClientName is the client name of the placeholder context.
const FakeClientName = "fake"

// Options configure a Broker.
type Options struct {
	Loop     *loop.Loop
	Registry *component.Registry
	Factory  *engine.Factory

	// UseGlobalEngine shares one engine between all contexts. It cannot
	// change after construction.
	UseGlobalEngine bool

	// DefaultEngine is used when a context asks for an engine without
	// naming one. Empty means the first available engine.
	DefaultEngine string

	Timeout time.Duration
	Metrics *metrics.BrokerMetrics
	Logger  *slog.Logger
}

// Broker is the focus and global engine authority.
type Broker struct {
	loop          *loop.Loop
	registry      *component.Registry
	factory       *engine.Factory
	useGlobal     bool
	defaultEngine string
	timeout       time.Duration
	metrics       *metrics.BrokerMetrics
	logger        *slog.Logger

	contexts map[string]*inputcontext.Context
	order    []*inputcontext.Context
	ctxSubs  map[*inputcontext.Context]func()

	focused      *inputcontext.Context
	focusedUnsub func()
	fake         *inputcontext.Context

	globalName   string
	previousName string

	panel         *panel.Bridge
	emoji         *panel.Bridge
	panelSubs     map[*panel.Bridge]func()
	enableEmoji   bool
	extensionKeys map[string]any

	switcherKeys []ibus.ProcessKey
	bindingState uint32

	unsubRegistry func()
	observers     map[int]func(Event)
	nextID        int
}

// New creates the broker. With UseGlobalEngine the placeholder context is
// created and focused right away.
func New(opts Options) *Broker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = engine.DefaultTimeout
	}
	b := &Broker{
		loop:          opts.Loop,
		registry:      opts.Registry,
		factory:       opts.Factory,
		useGlobal:     opts.UseGlobalEngine,
		defaultEngine: opts.DefaultEngine,
		timeout:       opts.Timeout,
		metrics:       opts.Metrics,
		logger:        opts.Logger.With("component", "broker"),
		contexts:      make(map[string]*inputcontext.Context),
		ctxSubs:       make(map[*inputcontext.Context]func()),
		panelSubs:     make(map[*panel.Bridge]func()),
		observers:     make(map[int]func(Event)),
	}

	if b.useGlobal {
		b.fake = b.newContext(FakeClientName, nil)
		b.fake.SetCapabilities(ibus.CapPreeditText | ibus.CapFocus | ibus.CapSurroundingText)
		b.fake.Subscribe(func(ev inputcontext.Event) {
			if _, ok := ev.(inputcontext.EngineChanged); ok {
				b.EngineChanged(b.fake)
			}
		})
		b.fake.FocusIn()
		b.FocusIn(b.fake)
	}

	b.unsubRegistry = b.registry.OnEnginesChanged(func() {
		b.CheckGlobalEngine()
		b.emit(RegistryChanged{})
	})
	return b
}

func (b *Broker) newContext(client string, sink inputcontext.Client) *inputcontext.Context {
	path := ibus.InputContextPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
	return inputcontext.New(inputcontext.Options{
		Path:          path,
		ClientName:    client,
		Client:        sink,
		Creator:       b.factory,
		RequestEngine: b.requestEngine,
		Timeout:       b.timeout,
		Logger:        b.logger,
	})
}

// requestEngine resolves a name a context asked for; "" means the default
// engine.
func (b *Broker) requestEngine(name string) (*ibus.EngineDesc, error) {
	if name == "" {
		name = b.defaultEngine
	}
	if name == "" {
		available := b.registry.Available()
		if len(available) == 0 {
			return nil, fmt.Errorf("%w: no engine available", ibus.ErrDescriptorNotFound)
		}
		return available[0], nil
	}
	return b.registry.LookupDescriptor(name)
}

// Start selects the initial global engine: the default engine when it is
// available, else whatever CheckGlobalEngine picks.
func (b *Broker) Start() {
	if !b.useGlobal {
		return
	}
	if b.defaultEngine != "" && b.registry.IsAvailable(b.defaultEngine) {
		if err := b.SetGlobalEngineByName(b.defaultEngine, nil); err != nil {
			b.logger.Warn("default engine", "engine", b.defaultEngine, "error", err)
		}
		return
	}
	b.CheckGlobalEngine()
}

// Subscribe registers fn for broker events.
func (b *Broker) Subscribe(fn func(Event)) func() {
	id := b.nextID
	b.nextID++
	b.observers[id] = fn
	return func() { delete(b.observers, id) }
}

func (b *Broker) emit(ev Event) {
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

// UseGlobalEngine reports the engine sharing mode.
func (b *Broker) UseGlobalEngine() bool { return b.useGlobal }

// FocusedContext returns the focused context. Under the global engine
// mode this is the placeholder context when no client holds focus.
func (b *Broker) FocusedContext() *inputcontext.Context { return b.focused }

// FakeContext returns the placeholder context, nil in per-context mode.
func (b *Broker) FakeContext() *inputcontext.Context { return b.fake }

func (b *Broker) currentContext() *inputcontext.Context {
	if b.focused != nil {
		return b.focused
	}
	return b.fake
}

// =============================================================================
// Context lifecycle
// =============================================================================

// CreateInputContext creates and enables a context for client.
func (b *Broker) CreateInputContext(client string, sink inputcontext.Client) *inputcontext.Context {
	ctx := b.newContext(client, sink)
	ctx.SetKeyFilter(b.ProcessKeyEvent)
	b.contexts[ctx.Path()] = ctx
	b.order = append(b.order, ctx)
	b.ctxSubs[ctx] = ctx.Subscribe(func(ev inputcontext.Event) {
		switch ev.(type) {
		case inputcontext.FocusIn:
			b.contextFocusIn(ctx)
		case inputcontext.FocusOut:
			b.contextFocusOut(ctx)
		case inputcontext.EngineChanged:
			b.EngineChanged(ctx)
		case inputcontext.Destroyed:
			b.contextDestroyed(ctx)
		}
	})
	ctx.Enable()
	b.metrics.ContextAlive(1)
	b.logger.Debug("input context created", "path", ctx.Path(), "client", client)
	return ctx
}

// InputContext returns the context at path.
func (b *Broker) InputContext(path string) (*inputcontext.Context, bool) {
	ctx, ok := b.contexts[path]
	return ctx, ok
}

// InputContexts returns the live contexts in creation order.
func (b *Broker) InputContexts() []*inputcontext.Context {
	return append([]*inputcontext.Context(nil), b.order...)
}

func (b *Broker) contextFocusIn(ctx *inputcontext.Context) {
	if !ctx.Capabilities().Has(ibus.CapFocus) {
		return
	}
	b.FocusIn(ctx)
}

func (b *Broker) contextFocusOut(ctx *inputcontext.Context) {
	if !ctx.Capabilities().Has(ibus.CapFocus) {
		return
	}
	if b.focused != ctx {
		return
	}
	b.FocusIn(nil)
}

func (b *Broker) contextDestroyed(ctx *inputcontext.Context) {
	if ctx == b.focused {
		b.FocusIn(nil)
	}
	if ctx.Capabilities().Has(ibus.CapFocus) {
		if b.panel != nil {
			b.panel.DestroyContext(ctx.Path())
		}
		if b.emoji != nil {
			b.emoji.DestroyContext(ctx.Path())
		}
	}
	if unsub, ok := b.ctxSubs[ctx]; ok {
		unsub()
		delete(b.ctxSubs, ctx)
	}
	delete(b.contexts, ctx.Path())
	for i, c := range b.order {
		if c == ctx {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	b.metrics.ContextAlive(-1)
}

// =============================================================================
// Focus
// =============================================================================

// FocusIn makes ctx the focused context. A nil ctx removes focus; under
// the global engine mode the placeholder context takes it instead. The
// shared engine follows focus.
func (b *Broker) FocusIn(ctx *inputcontext.Context) {
	if b.focused == ctx {
		return
	}

	var (
		eng    *engine.Proxy
		ct     ibus.ContentType
		hadOld bool
	)
	if old := b.focused; old != nil {
		hadOld = true
		if b.useGlobal && old.Engine() != nil {
			// The client commits its own preedit on focus out; a second
			// focus in can arrive first.
			old.ClearPreeditText(false)
			eng = old.TakeEngine()
			old.SetEmojiExtension(nil)
		}
		if b.panel != nil {
			b.panel.FocusOut(old)
		}
		if b.emoji != nil {
			b.emoji.FocusOut(old)
		}
		old.SetEmojiExtension(nil)
		ct, _ = old.ContentType()
		b.disconnectFocused()
		b.focused = nil
	}

	if ctx == nil && b.useGlobal {
		ctx = b.fake
		if hadOld {
			ctx.SetContentType(ct)
		}
	}

	if ctx != nil {
		b.focused = ctx
		if eng != nil {
			ctx.SetEngine(eng)
			ctx.Enable()
			b.applyEmojiExtension(ctx)
		}
		b.connectFocused(ctx)
		if b.panel != nil {
			b.panel.FocusIn(ctx)
		}
		if b.emoji != nil {
			b.emoji.FocusIn(ctx)
		}
	}
	b.metrics.FocusChanged()
	b.logger.Debug("focus changed", "context", pathOf(b.focused))
}

func pathOf(ctx *inputcontext.Context) string {
	if ctx == nil {
		return ""
	}
	return ctx.Path()
}

// connectFocused listens to the traffic only the focused context may
// send to the panel.
func (b *Broker) connectFocused(ctx *inputcontext.Context) {
	b.focusedUnsub = ctx.Subscribe(func(ev inputcontext.Event) {
		switch e := ev.(type) {
		case inputcontext.PanelExtension:
			b.SetPanelExtensionMode(e.Event)
		case inputcontext.SendMessage:
			b.sendMessage(e.Payload)
		}
	})
}

func (b *Broker) disconnectFocused() {
	if b.focusedUnsub != nil {
		b.focusedUnsub()
		b.focusedUnsub = nil
	}
}

func (b *Broker) applyEmojiExtension(ctx *inputcontext.Context) {
	if b.enableEmoji {
		ctx.SetEmojiExtension(b.emoji)
		return
	}
	ctx.SetEmojiExtension(nil)
}

// =============================================================================
// Global engine
// =============================================================================

// EngineChanged updates the global engine name after the engine of ctx
// changed. Only the focused context, or the placeholder while nothing is
// focused, can change it, and only to a non-nil engine.
func (b *Broker) EngineChanged(ctx *inputcontext.Context) {
	if !b.useGlobal {
		return
	}
	if ctx != b.focused && (b.focused != nil || ctx != b.fake) {
		return
	}
	eng := ctx.Engine()
	if eng == nil {
		return
	}
	name := eng.Name()
	if name == b.globalName {
		return
	}
	b.previousName = b.globalName
	b.globalName = name
	b.metrics.GlobalEngineChanged()
	b.logger.Info("global engine changed", "engine", name, "previous", b.previousName)
	b.emit(GlobalEngineChanged{Name: name})
}

// GlobalEngineName returns the current global engine name.
func (b *Broker) GlobalEngineName() string { return b.globalName }

// PreviousGlobalEngineName returns the global engine used before the
// current one.
func (b *Broker) PreviousGlobalEngineName() string { return b.previousName }

// GlobalEngineEnabled reports whether a global engine can be in use.
func (b *Broker) GlobalEngineEnabled() bool {
	return b.useGlobal && b.currentContext() != nil
}

// GlobalEngine returns the descriptor of the engine attached to the
// focused or placeholder context.
func (b *Broker) GlobalEngine() (*ibus.EngineDesc, error) {
	if !b.useGlobal {
		return nil, ibus.ErrGlobalEngineDisabled
	}
	ctx := b.currentContext()
	if ctx == nil || ctx.Engine() == nil {
		return nil, ibus.ErrNoGlobalEngine
	}
	return ctx.Engine().Desc(), nil
}

// SetGlobalEngineByName switches the global engine. Requesting the
// current engine only re-enables it. Errors found before switching are
// returned and done is not called; otherwise done runs once on the loop.
// done may be nil.
//
// If focus moves while the engine is being created, the new engine ends
// up on the context focused at completion time.
func (b *Broker) SetGlobalEngineByName(name string, done func(error)) error {
	if done == nil {
		done = func(error) {}
	}
	if !b.useGlobal {
		return ibus.ErrGlobalEngineDisabled
	}
	ctx := b.currentContext()
	if ctx == nil {
		return ibus.ErrNoGlobalEngine
	}
	if name != "" && name == b.globalName && ctx.Engine() != nil {
		ctx.Enable()
		b.loop.Post(func() { done(nil) })
		return nil
	}
	desc, err := b.registry.LookupDescriptor(name)
	if err != nil {
		return err
	}
	ctx.SetEngineByDesc(desc, func(err error) {
		if err == nil {
			b.globalEngineReady(ctx)
		} else {
			b.logger.Warn("set global engine failed", "engine", name, "error", err)
		}
		done(err)
	})
	return nil
}

func (b *Broker) globalEngineReady(ctx *inputcontext.Context) {
	eng := ctx.Engine()
	if b.useGlobal && ctx != b.focused && eng != nil && b.focused != nil {
		// Focus moved while the engine was being created.
		b.logger.Debug("moving new engine to focused context",
			"engine", eng.Name(), "from", ctx.Path(), "to", b.focused.Path())
		eng = ctx.TakeEngine()
		ctx.SetEmojiExtension(nil)
		b.focused.SetEngine(eng)
		b.applyEmojiExtension(b.focused)
	}
	if eng != nil && b.extensionKeys != nil {
		eng.PanelExtensionRegisterKeys(b.extensionKeys)
	}
}

// CheckGlobalEngine makes sure the global engine is still available after
// the engine set changed: keep it, else fall back to the previous one,
// else to the first available engine, else clear it.
func (b *Broker) CheckGlobalEngine() {
	if !b.useGlobal {
		return
	}
	if b.globalName != "" && b.registry.IsAvailable(b.globalName) {
		return
	}
	if b.previousName != "" && b.registry.IsAvailable(b.previousName) {
		b.switchGlobal(b.previousName)
		return
	}
	if available := b.registry.Available(); len(available) > 0 {
		b.switchGlobal(available[0].Name)
		return
	}
	b.clearGlobalEngine()
}

func (b *Broker) switchGlobal(name string) {
	if err := b.SetGlobalEngineByName(name, nil); err != nil {
		b.logger.Warn("switch global engine", "engine", name, "error", err)
	}
}

func (b *Broker) clearGlobalEngine() {
	if ctx := b.currentContext(); ctx != nil {
		ctx.CancelPendingSwitch()
		ctx.SetEngine(nil)
		if ctx == b.focused {
			b.applyEmojiExtension(ctx)
		}
	}
	if b.globalName == "" {
		return
	}
	b.previousName = b.globalName
	b.globalName = ""
	b.metrics.GlobalEngineChanged()
	b.logger.Info("global engine cleared", "previous", b.previousName)
	b.emit(GlobalEngineChanged{})
}

// SetContextEngineByName switches the engine of one context. The empty
// name selects the default engine.
func (b *Broker) SetContextEngineByName(ctx *inputcontext.Context, name string, done func(error)) error {
	return ctx.SetEngineByName(name, done)
}

// =============================================================================
// Preload
// =============================================================================

// SetPreloadEngines starts the components providing names that are not
// connected yet. Every name must resolve.
func (b *Broker) SetPreloadEngines(names []string) error {
	var start []*component.Component
	seen := make(map[*component.Component]bool)
	for _, name := range names {
		desc, err := b.registry.LookupDescriptor(name)
		if err != nil {
			return err
		}
		comp, err := b.registry.ComponentFor(desc)
		if err != nil {
			return err
		}
		if comp.Factory() != nil || seen[comp] {
			continue
		}
		seen[comp] = true
		start = append(start, comp)
	}
	for _, comp := range start {
		if err := comp.Start(); err != nil {
			b.logger.Warn("preload component", "component", comp.Name, "error", err)
		}
	}
	b.registry.SetPreloadEngines(names)
	b.emit(PreloadEnginesChanged{Names: append([]string(nil), names...)})
	return nil
}

// Close destroys every context and detaches the panels.
func (b *Broker) Close() {
	for _, ctx := range b.InputContexts() {
		ctx.Destroy()
	}
	b.DetachPanel(panel.KindPanel)
	b.DetachPanel(panel.KindEmoji)
	if b.fake != nil {
		b.fake.Destroy()
	}
	if b.unsubRegistry != nil {
		b.unsubRegistry()
	}
}
