package ibus

// Attribute decorates a range of a Text (underline, colors).
type Attribute struct {
	Type       uint32
	Value      uint32
	StartIndex uint32
	EndIndex   uint32
}

// Text is an attributed string produced by engines.
type Text struct {
	Text       string
	Attributes []Attribute
}

// NewText returns a Text without attributes.
func NewText(s string) *Text {
	return &Text{Text: s}
}

// String returns the plain text, or "" for a nil Text.
func (t *Text) String() string {
	if t == nil {
		return ""
	}
	return t.Text
}

// Preedit modes for UpdatePreeditText.
const (
	PreeditClear uint32 = iota
	PreeditCommit
)

// Lookup table orientations.
const (
	OrientationHorizontal int32 = iota
	OrientationVertical
	OrientationSystem
)

// LookupTable is a page of conversion candidates.
type LookupTable struct {
	PageSize      uint32
	CursorPos     uint32
	CursorVisible bool
	Round         bool
	Orientation   int32
	Candidates    []*Text
	Labels        []*Text
}

// Property states.
const (
	PropStateUnchecked uint32 = iota
	PropStateChecked
	PropStateInconsistent
)

// Property types.
const (
	PropTypeNormal uint32 = iota
	PropTypeToggle
	PropTypeRadio
	PropTypeMenu
	PropTypeSeparator
)

// Property is one item of an engine's status menu.
type Property struct {
	Key       string
	Type      uint32
	Label     *Text
	Icon      string
	Tooltip   *Text
	Sensitive bool
	Visible   bool
	State     uint32
	Symbol    *Text
	SubProps  PropList
}

// PropList is an ordered list of properties.
type PropList []*Property

// Update replaces the property with the same key, searching sub-menus too.
// It reports whether a property was replaced.
func (l PropList) Update(p *Property) bool {
	for i, old := range l {
		if old.Key == p.Key {
			l[i] = p
			return true
		}
		if old.SubProps.Update(p) {
			return true
		}
	}
	return false
}

// ExtensionEvent toggles or configures a panel extension such as the emoji
// picker.
type ExtensionEvent struct {
	Name        string
	IsEnabled   bool
	IsExtension bool
	Params      string
}

// ProcessKey is one key binding: keyval plus modifier state.
type ProcessKey struct {
	Keyval  uint32
	Keycode uint32
	State   uint32
}

// Matches compares keyval and the modifier bits that take part in hotkeys.
func (k ProcessKey) Matches(keyval, state uint32) bool {
	return k.Keyval == keyval && k.State&ModifierMask == state&ModifierMask
}
