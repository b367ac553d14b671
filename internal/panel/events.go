package panel

import (
	"fmt"

	"imbroker/internal/ibus"
	"imbroker/internal/rpc"
)

// Event is a typed notification sent by a panel process.
type Event interface {
	EventName() string
}

type (
	PageUp     struct{}
	PageDown   struct{}
	CursorUp   struct{}
	CursorDown struct{}
)

func (PageUp) EventName() string     { return "PageUp" }
func (PageDown) EventName() string   { return "PageDown" }
func (CursorUp) EventName() string   { return "CursorUp" }
func (CursorDown) EventName() string { return "CursorDown" }

type CandidateClicked struct {
	Index  uint32
	Button uint32
	State  uint32
}

func (CandidateClicked) EventName() string { return "CandidateClicked" }

type PropertyActivate struct {
	Name  string
	State uint32
}

func (PropertyActivate) EventName() string { return "PropertyActivate" }

type PropertyShow struct{ Name string }

func (PropertyShow) EventName() string { return "PropertyShow" }

type PropertyHide struct{ Name string }

func (PropertyHide) EventName() string { return "PropertyHide" }

// CommitText is text the panel (usually the emoji picker) wants committed
// into the focused client.
type CommitText struct{ Text *ibus.Text }

func (CommitText) EventName() string { return "CommitText" }

// Extension toggles a panel extension.
type Extension struct{ Event ibus.ExtensionEvent }

func (Extension) EventName() string { return "PanelExtension" }

// ExtensionRegisterKeys carries the hotkeys an extension wants engines to
// watch for.
type ExtensionRegisterKeys struct{ Keys map[string]any }

func (ExtensionRegisterKeys) EventName() string { return "PanelExtensionRegisterKeys" }

type UpdatePreeditTextReceived struct {
	Text    *ibus.Text
	Cursor  uint32
	Visible bool
}

func (UpdatePreeditTextReceived) EventName() string { return "UpdatePreeditTextReceived" }

type UpdateLookupTableReceived struct {
	Table   *ibus.LookupTable
	Visible bool
}

func (UpdateLookupTableReceived) EventName() string { return "UpdateLookupTableReceived" }

type UpdateAuxiliaryTextReceived struct {
	Text    *ibus.Text
	Visible bool
}

func (UpdateAuxiliaryTextReceived) EventName() string { return "UpdateAuxiliaryTextReceived" }

// ForwardProcessKeyEvent is a key the extension wants the client to see.
type ForwardProcessKeyEvent struct {
	Keyval  uint32
	Keycode uint32
	State   uint32
}

func (ForwardProcessKeyEvent) EventName() string { return "ForwardProcessKeyEvent" }

type SendMessage struct{ Payload []any }

func (SendMessage) EventName() string { return "SendMessage" }

// Destroyed is emitted once when the panel connection goes away.
type Destroyed struct{}

func (Destroyed) EventName() string { return "Destroyed" }

func malformed(name string) error {
	return fmt.Errorf("%w: malformed panel %s payload", ibus.ErrProtocolViolation, name)
}

func decodeSignal(sig rpc.Signal) (Event, error) {
	b := sig.Body
	switch sig.Name {
	case "PageUp":
		return PageUp{}, nil
	case "PageDown":
		return PageDown{}, nil
	case "CursorUp":
		return CursorUp{}, nil
	case "CursorDown":
		return CursorDown{}, nil

	case "CandidateClicked":
		index, ok1 := rpc.Arg[uint32](b, 0)
		button, ok2 := rpc.Arg[uint32](b, 1)
		state, ok3 := rpc.Arg[uint32](b, 2)
		if !ok1 || !ok2 || !ok3 {
			return nil, malformed(sig.Name)
		}
		return CandidateClicked{Index: index, Button: button, State: state}, nil

	case "PropertyActivate":
		name, ok1 := rpc.Arg[string](b, 0)
		state, ok2 := rpc.Arg[uint32](b, 1)
		if !ok1 || !ok2 {
			return nil, malformed(sig.Name)
		}
		return PropertyActivate{Name: name, State: state}, nil

	case "PropertyShow", "PropertyHide":
		name, ok := rpc.Arg[string](b, 0)
		if !ok {
			return nil, malformed(sig.Name)
		}
		if sig.Name == "PropertyShow" {
			return PropertyShow{Name: name}, nil
		}
		return PropertyHide{Name: name}, nil

	case "CommitText":
		text, ok := rpc.Arg[*ibus.Text](b, 0)
		if !ok || text == nil {
			return nil, malformed(sig.Name)
		}
		return CommitText{Text: text}, nil

	case "PanelExtension":
		ev, ok := rpc.Arg[ibus.ExtensionEvent](b, 0)
		if !ok {
			return nil, malformed(sig.Name)
		}
		return Extension{Event: ev}, nil

	case "PanelExtensionRegisterKeys":
		keys, ok := rpc.Arg[map[string]any](b, 0)
		if !ok {
			return nil, malformed(sig.Name)
		}
		return ExtensionRegisterKeys{Keys: keys}, nil

	case "UpdatePreeditTextReceived":
		text, ok1 := rpc.Arg[*ibus.Text](b, 0)
		cursor, ok2 := rpc.Arg[uint32](b, 1)
		visible, ok3 := rpc.Arg[bool](b, 2)
		if !ok1 || !ok2 || !ok3 || text == nil {
			return nil, malformed(sig.Name)
		}
		return UpdatePreeditTextReceived{Text: text, Cursor: cursor, Visible: visible}, nil

	case "UpdateLookupTableReceived":
		table, ok1 := rpc.Arg[*ibus.LookupTable](b, 0)
		visible, ok2 := rpc.Arg[bool](b, 1)
		if !ok1 || !ok2 || table == nil {
			return nil, malformed(sig.Name)
		}
		return UpdateLookupTableReceived{Table: table, Visible: visible}, nil

	case "UpdateAuxiliaryTextReceived":
		text, ok1 := rpc.Arg[*ibus.Text](b, 0)
		visible, ok2 := rpc.Arg[bool](b, 1)
		if !ok1 || !ok2 || text == nil {
			return nil, malformed(sig.Name)
		}
		return UpdateAuxiliaryTextReceived{Text: text, Visible: visible}, nil

	case "ForwardProcessKeyEvent":
		keyval, ok1 := rpc.Arg[uint32](b, 0)
		keycode, ok2 := rpc.Arg[uint32](b, 1)
		state, ok3 := rpc.Arg[uint32](b, 2)
		if !ok1 || !ok2 || !ok3 {
			return nil, malformed(sig.Name)
		}
		return ForwardProcessKeyEvent{Keyval: keyval, Keycode: keycode, State: state}, nil

	case "SendMessage":
		return SendMessage{Payload: b}, nil
	}
	return nil, fmt.Errorf("%w: unknown panel signal %q", ibus.ErrProtocolViolation, sig.Name)
}
