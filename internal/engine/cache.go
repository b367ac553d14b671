package engine

import "github.com/alphadose/haxmap"

// CapabilityCache remembers, per engine name, whether the engine supports
// the identity-aware focus calls and whether it consumes surrounding text
// actively. Entries are written by the first successful probe and kept
// until Forget.
type CapabilityCache struct {
	focusID           *haxmap.Map[string, bool]
	activeSurrounding *haxmap.Map[string, bool]
}

// NewCapabilityCache returns an empty cache.
func NewCapabilityCache() *CapabilityCache {
	return &CapabilityCache{
		focusID:           haxmap.New[string, bool](),
		activeSurrounding: haxmap.New[string, bool](),
	}
}

// FocusID returns the cached FocusId probe for engine.
func (c *CapabilityCache) FocusID(engine string) (supported, known bool) {
	return c.focusID.Get(engine)
}

// SetFocusID records the FocusId probe result for engine.
func (c *CapabilityCache) SetFocusID(engine string, supported bool) {
	c.focusID.Set(engine, supported)
}

// ActiveSurroundingText returns the cached ActiveSurroundingText probe.
func (c *CapabilityCache) ActiveSurroundingText(engine string) (active, known bool) {
	return c.activeSurrounding.Get(engine)
}

// SetActiveSurroundingText records the ActiveSurroundingText probe result.
func (c *CapabilityCache) SetActiveSurroundingText(engine string, active bool) {
	c.activeSurrounding.Set(engine, active)
}

// Forget drops both entries for engine.
func (c *CapabilityCache) Forget(engine string) {
	c.focusID.Del(engine)
	c.activeSurrounding.Del(engine)
}

// Len returns the number of engines with at least one cached probe.
func (c *CapabilityCache) Len() int {
	seen := make(map[string]struct{})
	c.focusID.ForEach(func(k string, _ bool) bool {
		seen[k] = struct{}{}
		return true
	})
	c.activeSurrounding.ForEach(func(k string, _ bool) bool {
		seen[k] = struct{}{}
		return true
	})
	return len(seen)
}
