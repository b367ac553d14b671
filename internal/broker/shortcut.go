package broker

import "imbroker/internal/ibus"

func keyvalToModifier(keyval uint32) uint32 {
	switch keyval {
	case ibus.KeyControlL, ibus.KeyControlR:
		return ibus.ControlMask
	case ibus.KeyShiftL, ibus.KeyShiftR:
		return ibus.ShiftMask
	case ibus.KeyCapsLock:
		return ibus.LockMask
	case ibus.KeyAltL, ibus.KeyAltR:
		return ibus.Mod1Mask
	case ibus.KeyMetaL, ibus.KeyMetaR:
		return ibus.MetaMask
	case ibus.KeySuperL, ibus.KeySuperR:
		return ibus.Mod4Mask
	case ibus.KeyHyperL, ibus.KeyHyperR:
		return ibus.HyperMask
	}
	return 0
}

// SetGlobalShortcutKeys installs the IME switcher bindings. A binding
// with a non-zero Keycode switches backwards. An empty list turns the
// switcher off.
func (b *Broker) SetGlobalShortcutKeys(keys []ibus.ProcessKey) {
	b.switcherKeys = append([]ibus.ProcessKey(nil), keys...)
	b.bindingState = 0
}

// GlobalShortcutKeys returns the installed bindings.
func (b *Broker) GlobalShortcutKeys() []ibus.ProcessKey {
	return append([]ibus.ProcessKey(nil), b.switcherKeys...)
}

// ProcessKeyEvent checks a key against the IME switcher bindings and
// emits GlobalShortcutKeyResponded on a hit.
//
// A binding with modifiers is reported on press, and once more when the
// last of its modifiers is released, so the panel can close the switcher
// popup. Releasing the main key while the modifiers are still held is not
// a hit and reaches the engine.
func (b *Broker) ProcessKeyEvent(keyval, keycode, state uint32) bool {
	if len(b.switcherKeys) == 0 {
		return false
	}
	pressed := state&ibus.ReleaseMask == 0
	modifiers := state
	if modifiers&ibus.SuperMask != 0 {
		modifiers = modifiers&^ibus.SuperMask | ibus.Mod4Mask
	}
	modifiers &= ibus.ModifierFilter &^ ibus.ReleaseMask

	var (
		hit      bool
		backward bool
	)
	for _, k := range b.switcherKeys {
		backward = k.Keycode != 0
		if keyval == k.Keyval && modifiers == k.State {
			if modifiers != 0 {
				if pressed {
					b.bindingState = k.State
				} else if b.bindingState != 0 {
					break
				}
			}
			hit = true
			break
		}
		if b.bindingState != 0 && !pressed {
			b.bindingState &= modifiers
			b.bindingState &^= keyvalToModifier(keyval)
			hit = b.bindingState == 0
			break
		}
	}
	if !hit {
		return false
	}
	b.emit(GlobalShortcutKeyResponded{
		Type:     BindingIMESwitcher,
		Keyval:   keyval,
		Keycode:  keycode,
		State:    state,
		Backward: backward,
	})
	return true
}
