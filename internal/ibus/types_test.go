package ibus

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropListUpdate(t *testing.T) {
	sub := &Property{Key: "mode.kana", Label: NewText("Kana")}
	list := PropList{
		{Key: "input-mode", Label: NewText("A"), SubProps: PropList{sub}},
		{Key: "setup", Label: NewText("Setup")},
	}

	require.True(t, list.Update(&Property{Key: "setup", Label: NewText("Preferences")}))
	assert.Equal(t, "Preferences", list[1].Label.String())

	require.True(t, list.Update(&Property{Key: "mode.kana", State: PropStateChecked}))
	assert.Equal(t, PropStateChecked, list[0].SubProps[0].State)

	assert.False(t, list.Update(&Property{Key: "missing"}))
}

func TestProcessKeyMatches(t *testing.T) {
	tests := []struct {
		name   string
		key    ProcessKey
		keyval uint32
		state  uint32
		want   bool
	}{
		{"exact", ProcessKey{Keyval: KeySpace, State: SuperMask}, KeySpace, SuperMask, true},
		{"lock ignored", ProcessKey{Keyval: KeySpace, State: SuperMask}, KeySpace, SuperMask | LockMask, true},
		{"missing modifier", ProcessKey{Keyval: KeySpace, State: SuperMask}, KeySpace, 0, false},
		{"release differs", ProcessKey{Keyval: KeySpace, State: SuperMask}, KeySpace, SuperMask | ReleaseMask, false},
		{"other key", ProcessKey{Keyval: KeySpace}, KeyReturn, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.key.Matches(tt.keyval, tt.state))
		})
	}
}

func TestDescriptorValidate(t *testing.T) {
	var nilDesc *EngineDesc
	assert.True(t, errors.Is(nilDesc.Validate(), ErrDescriptorInvalid))
	assert.True(t, errors.Is((&EngineDesc{}).Validate(), ErrDescriptorInvalid))
	assert.NoError(t, (&EngineDesc{Name: "anthy"}).Validate())

	assert.Equal(t, "us", (&EngineDesc{Name: "x", Layout: "default"}).LayoutOrDefault("us"))
	assert.Equal(t, "jp", (&EngineDesc{Name: "x", Layout: "jp"}).LayoutOrDefault("us"))
}

func TestRemoteCreateFailedWrapsRemoteCall(t *testing.T) {
	assert.ErrorIs(t, ErrRemoteCreateFailed, ErrRemoteCallFailed)
	assert.True(t, (Capabilities(CapFocus | CapPreeditText)).Has(CapFocus))
	assert.False(t, (Capabilities(CapFocus)).Has(CapFocus|CapProperty))
}
