// Package keymap translates hardware keycodes to keysyms for engines that
// do not rely on the system keyboard layout.
package keymap

import (
	"sync"

	"imbroker/internal/ibus"
)

// Keymap looks up the keysym produced by a keycode under a modifier state.
// It returns ibus.KeyVoidSymbol when the keycode is unmapped.
type Keymap interface {
	Lookup(keycode, state uint32) uint32
}

// Table is a keymap with one plain and one shifted level per keycode.
type Table struct {
	Name   string
	levels map[uint32][2]uint32
}

// Lookup implements Keymap. Lock only shifts letters.
func (t *Table) Lookup(keycode, state uint32) uint32 {
	lv, ok := t.levels[keycode]
	if !ok {
		return ibus.KeyVoidSymbol
	}
	shift := state&ibus.ShiftMask != 0
	if state&ibus.LockMask != 0 && isLetter(lv[0]) {
		shift = !shift
	}
	if shift {
		return lv[1]
	}
	return lv[0]
}

func isLetter(sym uint32) bool {
	return sym >= 'a' && sym <= 'z'
}

var (
	mu     sync.RWMutex
	tables = map[string]*Table{}
)

// Register adds or replaces a named table.
func Register(t *Table) {
	mu.Lock()
	tables[t.Name] = t
	mu.Unlock()
}

// Get returns the table for layout, if one is known.
func Get(layout string) (Keymap, bool) {
	mu.RLock()
	defer mu.RUnlock()
	t, ok := tables[layout]
	if !ok {
		return nil, false
	}
	return t, true
}

// Default is the keymap used when an engine has no layout of its own.
func Default() Keymap {
	k, _ := Get("us")
	return k
}
