package ibus

import "fmt"

// EngineDesc describes one installed engine. Values are immutable once
// loaded and are shared by pointer.
type EngineDesc struct {
	Name          string
	LongName      string
	Description   string
	Language      string
	License       string
	Author        string
	Icon          string
	Layout        string
	LayoutVariant string
	LayoutOption  string
	Rank          uint32
	Hotkeys       string
	Symbol        string
	Setup         string
	Version       string
	TextDomain    string
	IconPropKey   string
}

// Validate checks the fields every engine needs.
func (d *EngineDesc) Validate() error {
	if d == nil {
		return fmt.Errorf("%w: nil descriptor", ErrDescriptorInvalid)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: empty engine name", ErrDescriptorInvalid)
	}
	return nil
}

// LayoutOrDefault returns the descriptor's keyboard layout, or fallback
// when the engine follows the system layout.
func (d *EngineDesc) LayoutOrDefault(fallback string) string {
	if d == nil || d.Layout == "" || d.Layout == "default" {
		return fallback
	}
	return d.Layout
}
