package inputcontext

import "imbroker/internal/ibus"

// Event is a lifecycle or routing notification emitted by a Context.
type Event interface {
	EventName() string
}

type (
	// FocusIn is emitted after the client focused the context.
	FocusIn struct{}
	// FocusOut is emitted after the client removed focus.
	FocusOut struct{}
	// EngineChanged is emitted whenever the attached engine changes,
	// including detachment.
	EngineChanged struct{}
	// Destroyed is emitted once, before the engine is released.
	Destroyed struct{}
)

func (FocusIn) EventName() string       { return "FocusIn" }
func (FocusOut) EventName() string      { return "FocusOut" }
func (EngineChanged) EventName() string { return "EngineChanged" }
func (Destroyed) EventName() string     { return "Destroyed" }

// PanelExtension is an extension toggle requested by the attached engine.
type PanelExtension struct {
	Event ibus.ExtensionEvent
}

func (PanelExtension) EventName() string { return "PanelExtension" }

// SendMessage is an opaque engine message meant for the panel.
type SendMessage struct {
	Payload []any
}

func (SendMessage) EventName() string { return "SendMessage" }
