// Package ibus holds the value types shared by every part of the broker:
// engine descriptors, the serializable objects exchanged with engines and
// the panel, capability and content-type flags, and the error taxonomy.
//
// Nothing in this package talks to the bus. The D-Bus encoding of these
// values lives in internal/bus.
package ibus

// IBus D-Bus constants
const (
	Service            = "org.freedesktop.IBus"
	Path               = "/org/freedesktop/IBus"
	Interface          = "org.freedesktop.IBus"
	FactoryInterface   = "org.freedesktop.IBus.Factory"
	FactoryPath        = "/org/freedesktop/IBus/Factory"
	EngineInterface    = "org.freedesktop.IBus.Engine"
	ServiceInterface   = "org.freedesktop.IBus.Service"
	PanelService       = "org.freedesktop.IBus.Panel"
	PanelInterface     = "org.freedesktop.IBus.Panel"
	PanelPath          = "/org/freedesktop/IBus/Panel"
	EmojiPanelService  = "org.freedesktop.IBus.Panel.Extension.Emoji"
	InputContextPrefix = "/org/freedesktop/IBus/InputContext_"
)

// Key event state masks
const (
	ShiftMask   uint32 = 1 << 0
	LockMask    uint32 = 1 << 1
	ControlMask uint32 = 1 << 2
	Mod1Mask    uint32 = 1 << 3 // Alt
	Mod4Mask    uint32 = 1 << 6 // Super
	SuperMask   uint32 = 1 << 26
	HyperMask   uint32 = 1 << 27
	MetaMask    uint32 = 1 << 28
	ReleaseMask uint32 = 1 << 30

	// ModifierMask covers the bits that take part in hotkey matching.
	ModifierMask = ShiftMask | ControlMask | Mod1Mask | Mod4Mask | SuperMask | HyperMask | ReleaseMask

	// ModifierFilter is what the IME switcher compares against a binding.
	ModifierFilter = ModifierMask | LockMask | MetaMask
)

// Common key symbols
const (
	KeySpace      uint32 = 0x0020
	KeyReturn     uint32 = 0xff0d
	KeyEscape     uint32 = 0xff1b
	KeyShiftL     uint32 = 0xffe1
	KeyShiftR     uint32 = 0xffe2
	KeyControlL   uint32 = 0xffe3
	KeyControlR   uint32 = 0xffe4
	KeyCapsLock   uint32 = 0xffe5
	KeyMetaL      uint32 = 0xffe7
	KeyMetaR      uint32 = 0xffe8
	KeyAltL       uint32 = 0xffe9
	KeyAltR       uint32 = 0xffea
	KeySuperL     uint32 = 0xffeb
	KeySuperR     uint32 = 0xffec
	KeyHyperL     uint32 = 0xffed
	KeyHyperR     uint32 = 0xffee
	KeyVoidSymbol uint32 = 0xffffff
)

// Capabilities is the bitmask a client advertises for its input context.
type Capabilities uint32

const (
	CapPreeditText Capabilities = 1 << iota
	CapAuxiliaryText
	CapLookupTable
	CapFocus
	CapProperty
	CapSurroundingText
	CapOSKFocus
	CapSync
)

// Has reports whether every bit of flag is set.
func (c Capabilities) Has(flag Capabilities) bool {
	return c&flag == flag
}

// ContentType is the purpose/hints pair a client attaches to a text field.
type ContentType struct {
	Purpose uint32
	Hints   uint32
}

// Rect is a cursor rectangle in client coordinates.
type Rect struct {
	X, Y, Width, Height int32
}

// SurroundingText is the text around the cursor together with the cursor
// and selection anchor offsets in characters.
type SurroundingText struct {
	Text   *Text
	Cursor uint32
	Anchor uint32
}

// Equal compares two snapshots by content.
func (s SurroundingText) Equal(o SurroundingText) bool {
	return s.Cursor == o.Cursor && s.Anchor == o.Anchor && s.Text.String() == o.Text.String()
}
