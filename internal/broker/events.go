package broker

// Event is a broker-wide notification, exported on the bus as a signal of
// the same name.
type Event interface {
	EventName() string
}

// GlobalEngineChanged carries the new global engine name, "" when cleared.
type GlobalEngineChanged struct {
	Name string
}

func (GlobalEngineChanged) EventName() string { return "GlobalEngineChanged" }

// Binding types reported with GlobalShortcutKeyResponded.
const (
	BindingAny         uint8 = 0
	BindingIMESwitcher uint8 = 1
)

// GlobalShortcutKeyResponded reports a hit on an IME switcher binding.
type GlobalShortcutKeyResponded struct {
	Type     uint8
	Keyval   uint32
	Keycode  uint32
	State    uint32
	Backward bool
}

func (GlobalShortcutKeyResponded) EventName() string { return "GlobalShortcutKeyResponded" }

// PreloadEnginesChanged carries the accepted preload list.
type PreloadEnginesChanged struct {
	Names []string
}

func (PreloadEnginesChanged) EventName() string { return "PreloadEnginesChanged" }

// RegistryChanged is emitted after the set of available engines changed.
type RegistryChanged struct{}

func (RegistryChanged) EventName() string { return "RegistryChanged" }
