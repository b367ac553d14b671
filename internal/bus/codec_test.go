package bus

import (
	"errors"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imbroker/internal/ibus"
)

func attachments() map[string]dbus.Variant { return map[string]dbus.Variant{} }

// receivedText builds a text the way the connection hands it over.
func receivedText(s string, attrs ...[]any) dbus.Variant {
	list := make([]dbus.Variant, len(attrs))
	for i, a := range attrs {
		list[i] = dbus.MakeVariant(append([]any{"IBusAttribute", attachments()}, a...))
	}
	return dbus.MakeVariant([]any{
		"IBusText", attachments(), s,
		dbus.MakeVariant([]any{"IBusAttrList", attachments(), list}),
	})
}

func receivedProperty(key string, sub ...dbus.Variant) dbus.Variant {
	return dbus.MakeVariant([]any{
		"IBusProperty", attachments(),
		key, ibus.PropTypeMenu, receivedText("Label " + key), "icon.png", receivedText(""),
		true, true, ibus.PropStateUnchecked,
		dbus.MakeVariant([]any{"IBusPropList", attachments(), sub}),
		receivedText(key[:1]),
	})
}

func TestWireSignatures(t *testing.T) {
	tests := []struct {
		name string
		v    any
		want string
	}{
		{"text", wireText{}, "(sa{sv}sv)"},
		{"attribute", wireAttribute{}, "(sa{sv}uuuu)"},
		{"lookup table", wireLookupTable{}, "(sa{sv}uubbiavav)"},
		{"property", wireProperty{}, "(sa{sv}suvsvbbuvv)"},
		{"prop list", wirePropList{}, "(sa{sv}av)"},
		{"extension event", wireExtensionEvent{}, "(sa{sv}usbbs)"},
		{"engine desc", wireEngineDesc{}, "(sa{sv}ssssssssussssssss)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dbus.SignatureOf(tt.v).String())
		})
	}
}

func TestDecodeText(t *testing.T) {
	v, err := Decode(receivedText("かな", []any{uint32(1), uint32(1), uint32(0), uint32(2)}))
	require.NoError(t, err)
	text, ok := v.(*ibus.Text)
	require.True(t, ok)
	assert.Equal(t, "かな", text.Text)
	assert.Equal(t, []ibus.Attribute{{Type: 1, Value: 1, StartIndex: 0, EndIndex: 2}}, text.Attributes)
}

func TestDecodeLookupTable(t *testing.T) {
	v, err := Decode(dbus.MakeVariant([]any{
		"IBusLookupTable", attachments(),
		uint32(5), uint32(1), true, false, ibus.OrientationVertical,
		[]dbus.Variant{receivedText("一"), receivedText("二")},
		[]dbus.Variant{receivedText("1"), receivedText("2")},
	}))
	require.NoError(t, err)
	lt := v.(*ibus.LookupTable)
	assert.Equal(t, uint32(5), lt.PageSize)
	assert.Equal(t, uint32(1), lt.CursorPos)
	assert.True(t, lt.CursorVisible)
	assert.Equal(t, ibus.OrientationVertical, lt.Orientation)
	require.Len(t, lt.Candidates, 2)
	assert.Equal(t, "二", lt.Candidates[1].String())
	assert.Equal(t, "1", lt.Labels[0].String())
}

func TestDecodeNestedPropList(t *testing.T) {
	v, err := Decode(dbus.MakeVariant([]any{
		"IBusPropList", attachments(),
		[]dbus.Variant{receivedProperty("InputMode", receivedProperty("Hiragana"), receivedProperty("Katakana"))},
	}))
	require.NoError(t, err)
	props := v.(ibus.PropList)
	require.Len(t, props, 1)
	assert.Equal(t, "InputMode", props[0].Key)
	assert.Equal(t, "Label InputMode", props[0].Label.String())
	assert.Equal(t, "I", props[0].Symbol.String())
	require.Len(t, props[0].SubProps, 2)
	assert.Equal(t, "Katakana", props[0].SubProps[1].Key)
}

func TestDecodeExtensionEvent(t *testing.T) {
	v, err := Decode(dbus.MakeVariant([]any{
		"IBusExtensionEvent", attachments(), uint32(1), "emoji", true, false, "category=smileys",
	}))
	require.NoError(t, err)
	assert.Equal(t, ibus.ExtensionEvent{Name: "emoji", IsEnabled: true, Params: "category=smileys"}, v)
}

func TestDecodeShortEngineDesc(t *testing.T) {
	v, err := Decode(dbus.MakeVariant([]any{
		"IBusEngineDesc", attachments(),
		"anthy", "Anthy", "Japanese input", "ja", "GPL", "author", "anthy.png", "jp",
		uint32(99), "", "あ",
	}))
	require.NoError(t, err)
	d := v.(*ibus.EngineDesc)
	assert.Equal(t, "anthy", d.Name)
	assert.Equal(t, "jp", d.Layout)
	assert.Equal(t, uint32(99), d.Rank)
	assert.Equal(t, "あ", d.Symbol)
	assert.Empty(t, d.Setup)
}

func TestDecodeUnwrapsDictionaries(t *testing.T) {
	v, err := Decode(map[string]dbus.Variant{
		"emoji":   dbus.MakeVariant([]string{"<Super>period"}),
		"unicode": dbus.MakeVariant(receivedText("u")),
	})
	require.NoError(t, err)
	m := v.(map[string]any)
	assert.Equal(t, []string{"<Super>period"}, m["emoji"])
	assert.Equal(t, "u", m["unicode"].(*ibus.Text).String())
}

func TestDecodeRejectsMalformedObjects(t *testing.T) {
	tests := []struct {
		name string
		v    any
	}{
		{"unknown type", dbus.MakeVariant([]any{"IBusComponent", attachments(), "x"})},
		{"text without string", dbus.MakeVariant([]any{"IBusText", attachments(), uint32(3)})},
		{"table missing labels", dbus.MakeVariant([]any{
			"IBusLookupTable", attachments(), uint32(5), uint32(0), true, false, int32(0), []dbus.Variant{},
		})},
		{"bad attribute", receivedText("x", []any{"nope"})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.v)
			assert.True(t, errors.Is(err, ibus.ErrProtocolViolation), "got %v", err)
		})
	}
}

func TestDecodeLeavesPlainValues(t *testing.T) {
	body, err := DecodeBody([]any{uint32(7), "name", true, []any{"not", "serializable"}})
	require.NoError(t, err)
	assert.Equal(t, []any{uint32(7), "name", true, []any{"not", "serializable"}}, body)
}

func TestEncode(t *testing.T) {
	v := Encode(ibus.NewText("a")).(dbus.Variant)
	wt := v.Value().(wireText)
	assert.Equal(t, "IBusText", wt.Name)
	assert.Equal(t, "a", wt.Text)
	assert.Equal(t, "IBusAttrList", wt.AttrList.Value().(wireAttrList).Name)

	keys := Encode(map[string]any{"emoji": "x"}).(map[string]dbus.Variant)
	assert.Equal(t, "x", keys["emoji"].Value())

	ev := Encode(ibus.ExtensionEvent{Name: "emoji", IsExtension: true}).(dbus.Variant).Value().(wireExtensionEvent)
	assert.Equal(t, uint32(extensionEventVersion), ev.Version)
	assert.True(t, ev.IsExtension)

	ct := ibus.ContentType{Purpose: 2}
	assert.Equal(t, ct, Encode(ct), "plain structs pass through")

	descs := Encode([]*ibus.EngineDesc{{Name: "a"}, {Name: "b"}}).([]dbus.Variant)
	require.Len(t, descs, 2)
	assert.Equal(t, "b", descs[1].Value().(wireEngineDesc).EngineName)
}
