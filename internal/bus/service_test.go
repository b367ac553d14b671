package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imbroker/internal/broker"
	"imbroker/internal/component"
	"imbroker/internal/engine"
	"imbroker/internal/ibus"
	"imbroker/internal/loop"
	"imbroker/internal/rpc/rpctest"
)

type emitted struct {
	path dbus.ObjectPath
	name string
	args []any
}

type fakeExporter struct {
	mu       sync.Mutex
	exported map[dbus.ObjectPath]any
	signals  []emitted
}

func newFakeExporter() *fakeExporter {
	return &fakeExporter{exported: make(map[dbus.ObjectPath]any)}
}

func (e *fakeExporter) Export(v any, path dbus.ObjectPath, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if v == nil {
		delete(e.exported, path)
		return nil
	}
	e.exported[path] = v
	return nil
}

func (e *fakeExporter) Emit(path dbus.ObjectPath, name string, values ...any) error {
	e.mu.Lock()
	e.signals = append(e.signals, emitted{path: path, name: name, args: values})
	e.mu.Unlock()
	return nil
}

func (e *fakeExporter) object(path dbus.ObjectPath) any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exported[path]
}

func (e *fakeExporter) find(name string) (emitted, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.signals) - 1; i >= 0; i-- {
		if e.signals[i].name == name {
			return e.signals[i], true
		}
	}
	return emitted{}, false
}

type serviceFixture struct {
	loop    *loop.Loop
	exp     *fakeExporter
	remote  *rpctest.Factory
	broker  *broker.Broker
	service *Service
	ibus    *ibusObject
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{loop: loop.New(), exp: newFakeExporter()}
	reg := component.NewRegistry(nil, nil)
	comp := component.New(component.Info{Name: "org.freedesktop.IBus.Anthy"},
		[]*ibus.EngineDesc{{Name: "anthy", Language: "ja"}, {Name: "anthy-kana", Language: "ja"}}, nil, nil)
	require.NoError(t, reg.Add(comp))
	f.remote = rpctest.NewFactory(f.loop)
	comp.SetFactory(f.remote)

	f.broker = broker.New(broker.Options{
		Loop:            f.loop,
		Registry:        reg,
		Factory:         engine.NewFactory(engine.FactoryOptions{Loop: f.loop, Resolver: reg}),
		UseGlobalEngine: true,
	})
	f.service = NewService(ServiceOptions{
		Exporter: f.exp,
		Loop:     f.loop,
		Broker:   f.broker,
		Registry: reg,
		Timeout:  2 * time.Second,
	})
	require.NoError(t, f.service.Export())
	f.ibus = f.exp.object(ibus.Path).(*ibusObject)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.loop.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *serviceFixture) createContext(t *testing.T, sender string) *contextObject {
	t.Helper()
	path, derr := f.ibus.CreateInputContext(dbus.Sender(sender), "gtk-im")
	require.Nil(t, derr)
	obj, ok := f.exp.object(path).(*contextObject)
	require.True(t, ok)
	return obj
}

func TestCreateInputContextExportsObject(t *testing.T) {
	f := newServiceFixture(t)
	obj := f.createContext(t, ":1.5")

	assert.Contains(t, string(obj.path), ibus.InputContextPrefix)
	require.Nil(t, obj.SetCapabilities(uint32(ibus.CapFocus|ibus.CapPreeditText)))
	require.Nil(t, obj.FocusIn())
	require.NoError(t, f.service.sync(func() error {
		assert.Same(t, obj.ctx, f.broker.FocusedContext())
		return nil
	}))
}

func TestGlobalEngineMethods(t *testing.T) {
	f := newServiceFixture(t)

	_, derr := f.ibus.GetGlobalEngine()
	require.NotNil(t, derr, "no engine yet")

	require.Nil(t, f.ibus.SetGlobalEngine("anthy"))
	v, derr := f.ibus.GetGlobalEngine()
	require.Nil(t, derr)
	assert.Equal(t, "anthy", v.Value().(wireEngineDesc).EngineName)

	sig, ok := f.exp.find(ibus.Interface + ".GlobalEngineChanged")
	require.True(t, ok)
	assert.Equal(t, dbus.ObjectPath(ibus.Path), sig.path)
	assert.Equal(t, []any{"anthy"}, sig.args)

	assert.NotNil(t, f.ibus.SetGlobalEngine("missing"))

	engines, derr := f.ibus.ListEngines()
	require.Nil(t, derr)
	assert.Len(t, engines, 2)

	engines, derr = f.ibus.GetEnginesByNames([]string{"anthy-kana", "missing"})
	require.Nil(t, derr)
	require.Len(t, engines, 1)
	assert.Equal(t, "anthy-kana", engines[0].Value().(wireEngineDesc).EngineName)

	global, _ := f.ibus.GetUseGlobalEngine()
	assert.True(t, global)
}

func TestProcessKeyEventThroughContext(t *testing.T) {
	f := newServiceFixture(t)
	require.Nil(t, f.ibus.SetGlobalEngine("anthy"))
	obj := f.createContext(t, ":1.5")
	require.Nil(t, obj.SetCapabilities(uint32(ibus.CapFocus)))
	require.Nil(t, obj.FocusIn())

	handled, derr := obj.ProcessKeyEvent('a', 30, 0)
	require.Nil(t, derr)
	assert.True(t, handled)

	require.Nil(t, f.ibus.SetGlobalShortcutKeys([]ibus.ProcessKey{{Keyval: ibus.KeySpace, State: ibus.Mod4Mask}}))
	handled, derr = obj.ProcessKeyEvent(ibus.KeySpace, 57, ibus.Mod4Mask)
	require.Nil(t, derr)
	assert.True(t, handled)
	_, ok := f.exp.find(ibus.Interface + ".GlobalShortcutKeyResponded")
	assert.True(t, ok)
}

func TestEngineOutputBecomesContextSignals(t *testing.T) {
	f := newServiceFixture(t)
	require.Nil(t, f.ibus.SetGlobalEngine("anthy"))
	obj := f.createContext(t, ":1.5")
	require.Nil(t, obj.SetCapabilities(uint32(ibus.CapFocus)))
	require.Nil(t, obj.FocusIn())

	require.NoError(t, f.service.sync(func() error {
		f.remote.Session("anthy").Emit("CommitText", ibus.NewText("日本"))
		return nil
	}))

	sig, ok := f.exp.find(InputContextInterface + ".CommitText")
	require.True(t, ok)
	assert.Equal(t, obj.path, sig.path)
	require.Len(t, sig.args, 1)
	assert.Equal(t, "日本", sig.args[0].(dbus.Variant).Value().(wireText).Text)
}

func TestDestroyUnexports(t *testing.T) {
	f := newServiceFixture(t)
	obj := f.createContext(t, ":1.5")

	require.Nil(t, obj.Destroy())
	assert.Nil(t, f.exp.object(obj.path))
	assert.NotNil(t, obj.FocusIn(), "calls on a destroyed context fail")
	_, derr := obj.ProcessKeyEvent('a', 30, 0)
	assert.NotNil(t, derr)
}

func TestClientVanishedDestroysItsContexts(t *testing.T) {
	f := newServiceFixture(t)
	mine := f.createContext(t, ":1.5")
	theirs := f.createContext(t, ":1.6")

	require.NoError(t, f.service.sync(func() error {
		f.service.ClientVanished(":1.5")
		return nil
	}))

	assert.Nil(t, f.exp.object(mine.path))
	assert.NotNil(t, f.exp.object(theirs.path))
	require.NoError(t, f.service.sync(func() error {
		assert.True(t, mine.ctx.IsDestroyed())
		assert.False(t, theirs.ctx.IsDestroyed())
		return nil
	}))
}

func TestSetPreloadEnginesMethod(t *testing.T) {
	f := newServiceFixture(t)
	require.Nil(t, f.ibus.SetPreloadEngines([]string{"anthy"}))
	sig, ok := f.exp.find(ibus.Interface + ".PreloadEnginesChanged")
	require.True(t, ok)
	assert.Equal(t, []any{[]string{"anthy"}}, sig.args)

	assert.NotNil(t, f.ibus.SetPreloadEngines([]string{"missing"}))
}

func TestClientSignal(t *testing.T) {
	tests := []struct {
		name    string
		ev      engine.Event
		signal  string
		nargs   int
		relayed bool
	}{
		{"commit", engine.CommitText{Text: ibus.NewText("a")}, "CommitText", 1, true},
		{"forward", engine.ForwardKeyEvent{Keyval: 1}, "ForwardKeyEvent", 3, true},
		{"delete surrounding", engine.DeleteSurroundingText{Offset: -1, NChars: 1}, "DeleteSurroundingText", 2, true},
		{"preedit", engine.UpdatePreeditText{Text: ibus.NewText("a")}, "UpdatePreeditText", 3, true},
		{"preedit commit mode", engine.UpdatePreeditText{Text: ibus.NewText("a"), Mode: ibus.PreeditCommit}, "UpdatePreeditTextWithMode", 4, true},
		{"lookup table", engine.UpdateLookupTable{Table: &ibus.LookupTable{}}, "UpdateLookupTable", 2, true},
		{"properties", engine.RegisterProperties{}, "RegisterProperties", 1, true},
		{"show aux", engine.ShowAuxiliaryText{}, "ShowAuxiliaryText", 0, true},
		{"page down", engine.PageDownLookupTable{}, "PageDownLookupTable", 0, true},
		{"panel only", engine.PanelExtension{}, "", 0, false},
		{"destroyed", engine.Destroyed{}, "", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, args, ok := clientSignal(tt.ev)
			assert.Equal(t, tt.relayed, ok)
			assert.Equal(t, tt.signal, name)
			assert.Len(t, args, tt.nargs)
		})
	}
}

func TestHidePreeditTextMasksCapability(t *testing.T) {
	s := NewService(ServiceOptions{HidePreeditText: true})
	assert.Zero(t, s.caps&ibus.CapPreeditText)
	assert.NotZero(t, s.caps&ibus.CapFocus)

	s = NewService(ServiceOptions{})
	assert.NotZero(t, s.caps&ibus.CapPreeditText)
}
