package broker

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imbroker/internal/component"
	"imbroker/internal/engine"
	"imbroker/internal/ibus"
	"imbroker/internal/inputcontext"
	"imbroker/internal/loop"
	"imbroker/internal/metrics"
	"imbroker/internal/panel"
	"imbroker/internal/rpc/rpctest"
)

type stubProcess struct{}

func (stubProcess) Pid() int    { return 100 }
func (stubProcess) Stop() error { return nil }

type stubLauncher struct {
	launched []string
}

func (l *stubLauncher) Launch(exec string, _ func(error)) (component.Process, error) {
	l.launched = append(l.launched, exec)
	return stubProcess{}, nil
}

type brokerFixture struct {
	loop     *loop.Loop
	registry *component.Registry
	launcher *stubLauncher
	comps    map[string]*component.Component
	remotes  map[string]*rpctest.Factory
	metrics  *metrics.BrokerMetrics
	broker   *Broker
	events   []Event
}

func componentName(engine string) string { return "org.freedesktop.IBus." + engine }

// newBrokerFixture registers one connected component per engine name.
func newBrokerFixture(t *testing.T, global bool, engines ...string) *brokerFixture {
	t.Helper()
	f := &brokerFixture{
		loop:     loop.New(),
		launcher: &stubLauncher{},
		comps:    make(map[string]*component.Component),
		remotes:  make(map[string]*rpctest.Factory),
		metrics:  metrics.NewBrokerMetrics(metrics.NewRegistry("test")),
	}
	f.registry = component.NewRegistry(nil, nil)
	for _, name := range engines {
		comp := component.New(component.Info{Name: componentName(name), Exec: "/usr/libexec/ibus-engine-" + name},
			[]*ibus.EngineDesc{{Name: name}}, f.launcher, nil)
		require.NoError(t, f.registry.Add(comp))
		remote := rpctest.NewFactory(f.loop)
		comp.SetFactory(remote)
		f.comps[name] = comp
		f.remotes[name] = remote
	}
	factory := engine.NewFactory(engine.FactoryOptions{Loop: f.loop, Resolver: f.registry, Metrics: f.metrics})
	f.broker = New(Options{
		Loop:            f.loop,
		Registry:        f.registry,
		Factory:         factory,
		UseGlobalEngine: global,
		Metrics:         f.metrics,
	})
	f.broker.Subscribe(func(ev Event) { f.events = append(f.events, ev) })
	return f
}

func (f *brokerFixture) run() { f.loop.RunPending() }

func (f *brokerFixture) context(caps ibus.Capabilities) *inputcontext.Context {
	ctx := f.broker.CreateInputContext("gtk-im", nil)
	ctx.SetCapabilities(caps)
	return ctx
}

func (f *brokerFixture) switchGlobal(t *testing.T, name string) {
	t.Helper()
	var errs []error
	require.NoError(t, f.broker.SetGlobalEngineByName(name, func(err error) { errs = append(errs, err) }))
	f.run()
	require.Equal(t, []error{nil}, errs)
}

func (f *brokerFixture) globalChanges() []string {
	var out []string
	for _, ev := range f.events {
		if e, ok := ev.(GlobalEngineChanged); ok {
			out = append(out, e.Name)
		}
	}
	return out
}

func engineName(ctx *inputcontext.Context) string {
	if ctx.Engine() == nil {
		return ""
	}
	return ctx.Engine().Name()
}

// =============================================================================
// Focus
// =============================================================================

func TestFakeContextFocusedAtStart(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	require.NotNil(t, f.broker.FakeContext())
	assert.Same(t, f.broker.FakeContext(), f.broker.FocusedContext())
	assert.True(t, f.broker.FakeContext().Capabilities().Has(ibus.CapFocus))

	_, err := f.broker.GlobalEngine()
	assert.True(t, errors.Is(err, ibus.ErrNoGlobalEngine))

	f.broker.Start()
	f.run()
	desc, err := f.broker.GlobalEngine()
	require.NoError(t, err)
	assert.Equal(t, "A", desc.Name)
	assert.Equal(t, "A", engineName(f.broker.FakeContext()))
	assert.True(t, f.broker.GlobalEngineEnabled())
}

func TestEngineFollowsFocus(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	f.broker.Start()
	f.run()
	fake := f.broker.FakeContext()
	x := f.context(ibus.CapFocus | ibus.CapPreeditText)

	x.FocusIn()
	f.run()
	assert.Same(t, x, f.broker.FocusedContext())
	assert.Equal(t, "A", engineName(x))
	assert.Nil(t, fake.Engine())
	assert.True(t, x.Engine().Enabled())
	assert.Equal(t, x.Path(), x.Engine().FocusPath())

	x.SetContentType(ibus.ContentType{Purpose: 8})
	x.FocusOut()
	assert.Same(t, fake, f.broker.FocusedContext())
	assert.Equal(t, "A", engineName(fake))
	assert.Nil(t, x.Engine())
	ct, ok := fake.ContentType()
	assert.True(t, ok)
	assert.Equal(t, uint32(8), ct.Purpose, "content type carries over to the placeholder")
	assert.Equal(t, []string{"A"}, f.globalChanges(), "moving the engine does not change the global name")
}

func TestContextsWithoutFocusCapabilityAreIgnored(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	x := f.context(ibus.CapPreeditText)
	x.FocusIn()
	assert.Same(t, f.broker.FakeContext(), f.broker.FocusedContext())
}

func TestFocusOutOfUnfocusedContextIsIgnored(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	x := f.context(ibus.CapFocus)
	y := f.context(ibus.CapFocus)
	x.FocusIn()
	y.FocusIn()
	x.FocusOut()
	assert.Same(t, y, f.broker.FocusedContext())
}

func TestAtMostOneContextHoldsTheEngine(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	f.broker.Start()
	f.run()
	contexts := []*inputcontext.Context{
		f.context(ibus.CapFocus),
		f.context(ibus.CapFocus | ibus.CapPreeditText),
		f.context(ibus.CapFocus),
	}
	all := append([]*inputcontext.Context{f.broker.FakeContext()}, contexts...)

	rng := rand.New(rand.NewSource(1))
	for step := 0; step < 200; step++ {
		ctx := contexts[rng.Intn(len(contexts))]
		if rng.Intn(2) == 0 {
			ctx.FocusIn()
		} else {
			ctx.FocusOut()
		}
		f.run()

		focused := f.broker.FocusedContext()
		require.NotNil(t, focused)
		holders := 0
		for _, c := range all {
			if c.Engine() != nil {
				holders++
				assert.Same(t, focused, c, "step %d: engine is on the focused context", step)
			}
		}
		require.Equal(t, 1, holders, "step %d", step)
	}
}

func TestPerContextModeKeepsEnginesApart(t *testing.T) {
	f := newBrokerFixture(t, false, "A", "B")
	assert.Nil(t, f.broker.FakeContext())
	x := f.context(ibus.CapFocus)
	y := f.context(ibus.CapFocus)

	require.NoError(t, f.broker.SetContextEngineByName(x, "A", nil))
	require.NoError(t, f.broker.SetContextEngineByName(y, "", nil))
	f.run()
	assert.Equal(t, "A", engineName(x))
	assert.Equal(t, "A", engineName(y), "the empty name picks the first available engine")
	assert.NotSame(t, x.Engine(), y.Engine())

	x.FocusIn()
	y.FocusIn()
	x.FocusOut()
	y.FocusOut()
	assert.Nil(t, f.broker.FocusedContext())
	assert.Equal(t, "A", engineName(x))

	err := f.broker.SetGlobalEngineByName("B", nil)
	assert.True(t, errors.Is(err, ibus.ErrGlobalEngineDisabled))
	_, err = f.broker.GlobalEngine()
	assert.True(t, errors.Is(err, ibus.ErrGlobalEngineDisabled))
	assert.False(t, f.broker.GlobalEngineEnabled())
}

func TestDestroyingFocusedContextUnfocuses(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	f.broker.Start()
	f.run()
	x := f.context(ibus.CapFocus)
	x.FocusIn()

	x.Destroy()
	assert.Same(t, f.broker.FakeContext(), f.broker.FocusedContext())
	assert.Equal(t, "A", engineName(f.broker.FakeContext()), "the engine survives its context")
	_, ok := f.broker.InputContext(x.Path())
	assert.False(t, ok)
	assert.Empty(t, f.broker.InputContexts())
	assert.Equal(t, int64(0), f.metrics.InputContexts.Value())
}

// =============================================================================
// Global engine
// =============================================================================

func TestEngineChangedOnUnfocusedContextKeepsGlobalName(t *testing.T) {
	f := newBrokerFixture(t, true, "A", "B")
	f.switchGlobal(t, "A")
	x := f.context(ibus.CapFocus)
	y := f.context(ibus.CapFocus)
	y.FocusIn()

	require.NoError(t, f.broker.SetContextEngineByName(x, "B", nil))
	f.run()

	assert.Equal(t, "B", engineName(x))
	assert.Equal(t, "A", f.broker.GlobalEngineName())
	assert.Equal(t, []string{"A"}, f.globalChanges())

	f.broker.EngineChanged(x)
	assert.Equal(t, "A", f.broker.GlobalEngineName())
}

func TestGlobalEngineRotation(t *testing.T) {
	f := newBrokerFixture(t, true, "A", "B")
	f.switchGlobal(t, "A")
	f.switchGlobal(t, "B")

	assert.Equal(t, "B", f.broker.GlobalEngineName())
	assert.Equal(t, "A", f.broker.PreviousGlobalEngineName())
	assert.Equal(t, []string{"A", "B"}, f.globalChanges())
	assert.Equal(t, uint64(2), f.metrics.GlobalEngineSwitch.Value())
}

func TestSameGlobalEngineOnlyReenables(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	f.switchGlobal(t, "A")
	eng := f.broker.FakeContext().Engine()
	f.broker.FakeContext().Disable()
	require.False(t, eng.Enabled())

	f.switchGlobal(t, "A")

	assert.Same(t, eng, f.broker.FakeContext().Engine())
	assert.True(t, eng.Enabled())
	assert.Equal(t, []string{"A"}, f.remotes["A"].Created(), "no second engine was created")
}

func TestSetGlobalEngineUnknownName(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	err := f.broker.SetGlobalEngineByName("missing", func(error) { t.Fatal("done must not run") })
	assert.True(t, errors.Is(err, ibus.ErrDescriptorNotFound))
}

func TestSwitchCompletesOnContextFocusedAtCompletion(t *testing.T) {
	f := newBrokerFixture(t, true, "A", "B")
	f.switchGlobal(t, "A")
	x := f.context(ibus.CapFocus)
	y := f.context(ibus.CapFocus)
	x.FocusIn()
	require.Equal(t, "A", engineName(x))

	var errs []error
	require.NoError(t, f.broker.SetGlobalEngineByName("B", func(err error) { errs = append(errs, err) }))
	y.FocusIn()
	require.Equal(t, "A", engineName(y))

	f.run()

	require.Equal(t, []error{nil}, errs)
	assert.Equal(t, "B", engineName(y))
	assert.Nil(t, x.Engine())
	assert.Equal(t, "B", f.broker.GlobalEngineName())
	assert.Equal(t, "A", f.broker.PreviousGlobalEngineName())
	assert.True(t, y.Engine().Enabled())
	assert.Equal(t, y.Path(), y.Engine().FocusPath())
}

func TestCheckGlobalEngineFallsBack(t *testing.T) {
	f := newBrokerFixture(t, true, "A", "B")
	f.switchGlobal(t, "B")
	f.switchGlobal(t, "A")
	require.Equal(t, "A", f.broker.GlobalEngineName())
	require.Equal(t, "B", f.broker.PreviousGlobalEngineName())

	require.NoError(t, f.registry.Unregister(componentName("A")))
	f.run()
	assert.Equal(t, "B", f.broker.GlobalEngineName())
	assert.Equal(t, "B", engineName(f.broker.FakeContext()))

	require.NoError(t, f.registry.Unregister(componentName("B")))
	f.run()
	assert.Equal(t, "", f.broker.GlobalEngineName())
	assert.Nil(t, f.broker.FakeContext().Engine())
	assert.Equal(t, []string{"B", "A", "B", ""}, f.globalChanges())

	var registryChanges int
	for _, ev := range f.events {
		if _, ok := ev.(RegistryChanged); ok {
			registryChanges++
		}
	}
	assert.Equal(t, 2, registryChanges)
}

func TestCheckGlobalEngineFirstAvailable(t *testing.T) {
	f := newBrokerFixture(t, true, "A", "B")
	f.broker.CheckGlobalEngine()
	f.run()
	assert.Equal(t, "A", f.broker.GlobalEngineName())

	f.broker.CheckGlobalEngine()
	f.run()
	assert.Equal(t, []string{"A"}, f.remotes["A"].Created(), "an available global engine is kept")
}

// =============================================================================
// Preload
// =============================================================================

func TestSetPreloadEnginesStartsEachComponentOnce(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	launcher := &stubLauncher{}
	idle := component.New(component.Info{Name: "org.freedesktop.IBus.Kkc", Exec: "/usr/libexec/ibus-engine-kkc"},
		[]*ibus.EngineDesc{{Name: "kkc"}, {Name: "kkc-alt"}}, launcher, nil)
	require.NoError(t, f.registry.Add(idle))

	require.NoError(t, f.broker.SetPreloadEngines([]string{"kkc", "A", "kkc-alt"}))

	assert.Equal(t, []string{"/usr/libexec/ibus-engine-kkc"}, launcher.launched)
	assert.Empty(t, f.launcher.launched, "connected components are not started")
	assert.Equal(t, []string{"kkc", "A", "kkc-alt"}, f.registry.PreloadEngines())
	require.NotEmpty(t, f.events)
	assert.Equal(t, PreloadEnginesChanged{Names: []string{"kkc", "A", "kkc-alt"}}, f.events[len(f.events)-1])

	err := f.broker.SetPreloadEngines([]string{"kkc", "missing"})
	assert.True(t, errors.Is(err, ibus.ErrDescriptorNotFound))
	assert.Len(t, launcher.launched, 1)
}

// =============================================================================
// Global shortcut keys
// =============================================================================

func TestIMESwitcherBindings(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	f.broker.SetGlobalShortcutKeys([]ibus.ProcessKey{
		{Keyval: ibus.KeySpace, State: ibus.Mod4Mask},
		{Keyval: ibus.KeySpace, Keycode: 1, State: ibus.Mod4Mask | ibus.ShiftMask},
	})

	steps := []struct {
		name     string
		keyval   uint32
		state    uint32
		hit      bool
		backward bool
	}{
		{"super+space press", ibus.KeySpace, ibus.Mod4Mask, true, false},
		{"space release with super held", ibus.KeySpace, ibus.Mod4Mask | ibus.ReleaseMask, false, false},
		{"super release", ibus.KeySuperL, ibus.Mod4Mask | ibus.ReleaseMask, true, false},
		{"unbound key", 'a', 0, false, false},
		{"gtk4 super mask", ibus.KeySpace, ibus.SuperMask, true, false},
		{"release after gtk4 press", ibus.KeySuperL, ibus.SuperMask | ibus.ReleaseMask, true, false},
		{"backward binding", ibus.KeySpace, ibus.Mod4Mask | ibus.ShiftMask, true, true},
	}
	for _, s := range steps {
		f.events = nil
		hit := f.broker.ProcessKeyEvent(s.keyval, 0, s.state)
		require.Equal(t, s.hit, hit, s.name)
		if !s.hit {
			assert.Empty(t, f.events, s.name)
			continue
		}
		require.Len(t, f.events, 1, s.name)
		ev := f.events[0].(GlobalShortcutKeyResponded)
		assert.Equal(t, BindingIMESwitcher, ev.Type, s.name)
		assert.Equal(t, s.backward, ev.Backward, s.name)
		assert.Equal(t, s.keyval, ev.Keyval, s.name)
	}
}

func TestSwitcherKeysNeverReachTheEngine(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	f.switchGlobal(t, "A")
	x := f.context(ibus.CapFocus)
	x.FocusIn()
	session := f.remotes["A"].Session("A")
	f.broker.SetGlobalShortcutKeys([]ibus.ProcessKey{{Keyval: ibus.KeySpace, State: ibus.Mod4Mask}})

	var handled []bool
	x.ProcessKeyEvent(ibus.KeySpace, 57, ibus.Mod4Mask, func(h bool, _ error) { handled = append(handled, h) })
	x.ProcessKeyEvent('a', 30, 0, func(h bool, _ error) { handled = append(handled, h) })
	f.run()

	assert.Equal(t, []bool{true, true}, handled)
	assert.Equal(t, 1, session.Count("ProcessKeyEvent"))

	f.broker.SetGlobalShortcutKeys(nil)
	assert.False(t, f.broker.ProcessKeyEvent(ibus.KeySpace, 57, ibus.Mod4Mask))
}

// =============================================================================
// Panel
// =============================================================================

func attachPanel(f *brokerFixture, kind panel.Kind) (*panel.Bridge, *rpctest.Session) {
	s := rpctest.NewSession(f.loop, ibus.PanelPath)
	s.Respond("ProcessKeyEvent", func([]any) ([]any, error) { return []any{true}, nil })
	br := panel.New(kind, s, f.metrics, nil)
	f.broker.AttachPanel(br)
	return br, s
}

func TestPanelFollowsFocus(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	f.switchGlobal(t, "A")
	fake := f.broker.FakeContext()
	fakeSession := f.remotes["A"].Session("A")
	fakeSession.Emit("RegisterProperties", ibus.PropList{{Key: "InputMode"}})

	br, s := attachPanel(f, panel.KindPanel)
	assert.Same(t, br, f.broker.Panel(panel.KindPanel))
	assert.Equal(t, []string{"FocusIn", "RegisterProperties"}, s.Methods())
	call, _ := s.Last("FocusIn")
	assert.Equal(t, []any{fake.Path()}, call.Args)

	x := f.context(ibus.CapFocus)
	s.Reset()
	x.FocusIn()
	assert.Equal(t, []string{"FocusOut", "FocusIn", "RegisterProperties"}, s.Methods())

	s.Reset()
	x.Destroy()
	assert.Contains(t, s.Methods(), "DestroyContext")
	last, _ := s.Last("DestroyContext")
	assert.Equal(t, []any{x.Path()}, last.Args)
}

func TestPanelVanishingDetaches(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	_, s := attachPanel(f, panel.KindPanel)
	s.Vanish()
	assert.Nil(t, f.broker.Panel(panel.KindPanel))
}

func TestAttachReplacesPanel(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	first, s1 := attachPanel(f, panel.KindPanel)
	second, _ := attachPanel(f, panel.KindPanel)
	assert.True(t, first.IsDestroyed())
	assert.True(t, s1.Closed())
	assert.Same(t, second, f.broker.Panel(panel.KindPanel))
}

func TestPanelEventsReachFocusedContext(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	f.switchGlobal(t, "A")
	var delivered []engine.Event
	x := f.broker.CreateInputContext("gtk-im", inputcontext.ClientFunc(func(ev engine.Event) {
		delivered = append(delivered, ev)
	}))
	x.SetCapabilities(ibus.CapFocus | ibus.CapPreeditText)
	x.FocusIn()
	_, ps := attachPanel(f, panel.KindPanel)
	session := f.remotes["A"].Session("A")
	session.Reset()

	ps.Emit("PageDown")
	ps.Emit("CandidateClicked", uint32(1), uint32(1), uint32(0))
	ps.Emit("PropertyActivate", "InputMode", uint32(1))
	assert.Equal(t, []string{"PageDown", "CandidateClicked", "PropertyActivate"}, session.Methods())

	ps.Emit("UpdatePreeditTextReceived", ibus.NewText("😀"), uint32(1), true)
	text, _, visible := x.Preedit()
	assert.Equal(t, "😀", text.String())
	assert.True(t, visible)

	ps.Emit("ForwardProcessKeyEvent", uint32('a'), uint32(30), uint32(0))
	ps.Emit("CommitText", ibus.NewText("😀"))
	require.Len(t, delivered, 3)
	assert.Equal(t, engine.ForwardKeyEvent{Keyval: 'a', Keycode: 30}, delivered[1])
	assert.Equal(t, engine.CommitText{Text: ibus.NewText("😀")}, delivered[2])

	ps.Reset()
	ps.Emit("UpdateAuxiliaryTextReceived", ibus.NewText("aux"), true)
	ps.Emit("SendMessage", "ping")
	assert.Equal(t, []string{"UpdateAuxiliaryText", "SendMessageReceived"}, ps.Methods())
}

func TestPanelExtensionMode(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	f.switchGlobal(t, "A")
	x := f.context(ibus.CapFocus)
	x.FocusIn()

	f.broker.SetPanelExtensionMode(ibus.ExtensionEvent{Name: "emoji", IsEnabled: true})
	assert.False(t, f.broker.EmojiExtensionEnabled(), "ignored without an extension")

	emoji, es := attachPanel(f, panel.KindEmoji)
	es.Reset()
	f.broker.SetPanelExtensionMode(ibus.ExtensionEvent{Name: "emoji", IsEnabled: true})
	assert.True(t, f.broker.EmojiExtensionEnabled())
	assert.Same(t, emoji, x.EmojiExtension())
	assert.Equal(t, []string{"PanelExtensionReceived"}, es.Methods())

	session := f.remotes["A"].Session("A")
	session.Reset()
	es.Reset()
	f.broker.SetPanelExtensionMode(ibus.ExtensionEvent{Name: "emoji", IsEnabled: false, IsExtension: true})
	assert.Nil(t, x.EmojiExtension())
	assert.Equal(t, 1, session.Count("PanelExtensionReceived"), "extension replies go to the engine")
	assert.Empty(t, es.Calls())

	f.broker.SetPanelExtensionMode(ibus.ExtensionEvent{Name: "emoji", IsEnabled: true})
	y := f.context(ibus.CapFocus)
	y.FocusIn()
	assert.Nil(t, x.EmojiExtension())
	assert.Same(t, emoji, y.EmojiExtension(), "the toggle follows focus")
}

func TestEngineRequestsExtensionThroughFocusedContext(t *testing.T) {
	f := newBrokerFixture(t, true, "A")
	f.switchGlobal(t, "A")
	_, es := attachPanel(f, panel.KindEmoji)
	es.Reset()

	f.remotes["A"].Session("A").Emit("PanelExtension", ibus.ExtensionEvent{Name: "emoji", IsEnabled: true})

	assert.True(t, f.broker.EmojiExtensionEnabled())
	assert.Equal(t, []string{"PanelExtensionReceived"}, es.Methods())
}

func TestExtensionKeysReplayedAfterSwitch(t *testing.T) {
	f := newBrokerFixture(t, true, "A", "B")
	f.switchGlobal(t, "A")
	keys := map[string]any{"emoji": []string{"<Super>period"}}

	f.broker.SetPanelExtensionKeys(keys)
	assert.Zero(t, f.remotes["A"].Session("A").Count("PanelExtensionRegisterKeys"), "ignored without an extension")

	_, es := attachPanel(f, panel.KindEmoji)
	es.Emit("PanelExtensionRegisterKeys", keys)
	assert.Equal(t, 1, f.remotes["A"].Session("A").Count("PanelExtensionRegisterKeys"))

	f.switchGlobal(t, "B")
	call, ok := f.remotes["B"].Session("B").Last("PanelExtensionRegisterKeys")
	require.True(t, ok)
	assert.Equal(t, []any{keys}, call.Args)
}
