package engine

import (
	"fmt"

	"imbroker/internal/ibus"
	"imbroker/internal/rpc"
)

// Event is a typed notification emitted by an engine proxy.
type Event interface {
	EventName() string
}

type (
	ShowPreeditText        struct{}
	HidePreeditText        struct{}
	ShowAuxiliaryText      struct{}
	HideAuxiliaryText      struct{}
	ShowLookupTable        struct{}
	HideLookupTable        struct{}
	PageUpLookupTable      struct{}
	PageDownLookupTable    struct{}
	CursorUpLookupTable    struct{}
	CursorDownLookupTable  struct{}
	RequireSurroundingText struct{}
)

func (ShowPreeditText) EventName() string        { return "ShowPreeditText" }
func (HidePreeditText) EventName() string        { return "HidePreeditText" }
func (ShowAuxiliaryText) EventName() string      { return "ShowAuxiliaryText" }
func (HideAuxiliaryText) EventName() string      { return "HideAuxiliaryText" }
func (ShowLookupTable) EventName() string        { return "ShowLookupTable" }
func (HideLookupTable) EventName() string        { return "HideLookupTable" }
func (PageUpLookupTable) EventName() string      { return "PageUpLookupTable" }
func (PageDownLookupTable) EventName() string    { return "PageDownLookupTable" }
func (CursorUpLookupTable) EventName() string    { return "CursorUpLookupTable" }
func (CursorDownLookupTable) EventName() string  { return "CursorDownLookupTable" }
func (RequireSurroundingText) EventName() string { return "RequireSurroundingText" }

// CommitText delivers final text to the client.
type CommitText struct {
	Text *ibus.Text
}

func (CommitText) EventName() string { return "CommitText" }

// ForwardKeyEvent asks the client to process a key the engine did not
// consume.
type ForwardKeyEvent struct {
	Keyval  uint32
	Keycode uint32
	State   uint32
}

func (ForwardKeyEvent) EventName() string { return "ForwardKeyEvent" }

// DeleteSurroundingText removes NChars characters starting Offset
// characters from the cursor.
type DeleteSurroundingText struct {
	Offset int32
	NChars uint32
}

func (DeleteSurroundingText) EventName() string { return "DeleteSurroundingText" }

type UpdatePreeditText struct {
	Text    *ibus.Text
	Cursor  uint32
	Visible bool
	Mode    uint32
}

func (UpdatePreeditText) EventName() string { return "UpdatePreeditText" }

type UpdateAuxiliaryText struct {
	Text    *ibus.Text
	Visible bool
}

func (UpdateAuxiliaryText) EventName() string { return "UpdateAuxiliaryText" }

type UpdateLookupTable struct {
	Table   *ibus.LookupTable
	Visible bool
}

func (UpdateLookupTable) EventName() string { return "UpdateLookupTable" }

type RegisterProperties struct {
	Props ibus.PropList
}

func (RegisterProperties) EventName() string { return "RegisterProperties" }

type UpdateProperty struct {
	Prop *ibus.Property
}

func (UpdateProperty) EventName() string { return "UpdateProperty" }

// PanelExtension asks the panel to toggle an extension.
type PanelExtension struct {
	Event ibus.ExtensionEvent
}

func (PanelExtension) EventName() string { return "PanelExtension" }

// SendMessage carries an opaque engine message for the panel.
type SendMessage struct {
	Payload []any
}

func (SendMessage) EventName() string { return "SendMessage" }

// Destroyed is emitted once when the engine session goes away. Holders
// must detach the proxy when they see it.
type Destroyed struct{}

func (Destroyed) EventName() string { return "Destroyed" }

var nullary = map[string]Event{
	"ShowPreeditText":        ShowPreeditText{},
	"HidePreeditText":        HidePreeditText{},
	"ShowAuxiliaryText":      ShowAuxiliaryText{},
	"HideAuxiliaryText":      HideAuxiliaryText{},
	"ShowLookupTable":        ShowLookupTable{},
	"HideLookupTable":        HideLookupTable{},
	"PageUpLookupTable":      PageUpLookupTable{},
	"PageDownLookupTable":    PageDownLookupTable{},
	"CursorUpLookupTable":    CursorUpLookupTable{},
	"CursorDownLookupTable":  CursorDownLookupTable{},
	"RequireSurroundingText": RequireSurroundingText{},
}

func malformed(name string) error {
	return fmt.Errorf("%w: malformed %s payload", ibus.ErrProtocolViolation, name)
}

// decodeSignal turns one generic engine notification into a typed event.
func decodeSignal(sig rpc.Signal) (Event, error) {
	if ev, ok := nullary[sig.Name]; ok {
		return ev, nil
	}

	b := sig.Body
	switch sig.Name {
	case "CommitText":
		text, ok := rpc.Arg[*ibus.Text](b, 0)
		if !ok || text == nil {
			return nil, malformed(sig.Name)
		}
		return CommitText{Text: text}, nil

	case "ForwardKeyEvent":
		keyval, ok1 := rpc.Arg[uint32](b, 0)
		keycode, ok2 := rpc.Arg[uint32](b, 1)
		state, ok3 := rpc.Arg[uint32](b, 2)
		if !ok1 || !ok2 || !ok3 {
			return nil, malformed(sig.Name)
		}
		return ForwardKeyEvent{Keyval: keyval, Keycode: keycode, State: state}, nil

	case "DeleteSurroundingText":
		offset, ok1 := rpc.Arg[int32](b, 0)
		nchars, ok2 := rpc.Arg[uint32](b, 1)
		if !ok1 || !ok2 {
			return nil, malformed(sig.Name)
		}
		return DeleteSurroundingText{Offset: offset, NChars: nchars}, nil

	case "UpdatePreeditText":
		text, ok1 := rpc.Arg[*ibus.Text](b, 0)
		cursor, ok2 := rpc.Arg[uint32](b, 1)
		visible, ok3 := rpc.Arg[bool](b, 2)
		mode, ok4 := rpc.Arg[uint32](b, 3)
		if !ok1 || !ok2 || !ok3 || !ok4 || text == nil {
			return nil, malformed(sig.Name)
		}
		return UpdatePreeditText{Text: text, Cursor: cursor, Visible: visible, Mode: mode}, nil

	case "UpdateAuxiliaryText":
		text, ok1 := rpc.Arg[*ibus.Text](b, 0)
		visible, ok2 := rpc.Arg[bool](b, 1)
		if !ok1 || !ok2 || text == nil {
			return nil, malformed(sig.Name)
		}
		return UpdateAuxiliaryText{Text: text, Visible: visible}, nil

	case "UpdateLookupTable":
		table, ok1 := rpc.Arg[*ibus.LookupTable](b, 0)
		visible, ok2 := rpc.Arg[bool](b, 1)
		if !ok1 || !ok2 || table == nil {
			return nil, malformed(sig.Name)
		}
		return UpdateLookupTable{Table: table, Visible: visible}, nil

	case "RegisterProperties":
		props, ok := rpc.Arg[ibus.PropList](b, 0)
		if !ok {
			return nil, malformed(sig.Name)
		}
		return RegisterProperties{Props: props}, nil

	case "UpdateProperty":
		prop, ok := rpc.Arg[*ibus.Property](b, 0)
		if !ok || prop == nil {
			return nil, malformed(sig.Name)
		}
		return UpdateProperty{Prop: prop}, nil

	case "PanelExtension":
		ev, ok := rpc.Arg[ibus.ExtensionEvent](b, 0)
		if !ok {
			return nil, malformed(sig.Name)
		}
		return PanelExtension{Event: ev}, nil

	case "SendMessage":
		return SendMessage{Payload: b}, nil
	}

	return nil, fmt.Errorf("%w: unknown engine signal %q", ibus.ErrProtocolViolation, sig.Name)
}
