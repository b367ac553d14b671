package bus

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"imbroker/internal/ibus"
)

// IBus serializable objects travel as variants holding a struct whose first
// two members are the type name and an attachment dictionary.

type wireText struct {
	Name        string
	Attachments map[string]dbus.Variant
	Text        string
	AttrList    dbus.Variant
}

type wireAttrList struct {
	Name        string
	Attachments map[string]dbus.Variant
	Attributes  []dbus.Variant
}

type wireAttribute struct {
	Name        string
	Attachments map[string]dbus.Variant
	Type        uint32
	Value       uint32
	StartIndex  uint32
	EndIndex    uint32
}

type wireLookupTable struct {
	Name          string
	Attachments   map[string]dbus.Variant
	PageSize      uint32
	CursorPos     uint32
	CursorVisible bool
	Round         bool
	Orientation   int32
	Candidates    []dbus.Variant
	Labels        []dbus.Variant
}

type wireProperty struct {
	Name        string
	Attachments map[string]dbus.Variant
	Key         string
	Type        uint32
	Label       dbus.Variant
	Icon        string
	Tooltip     dbus.Variant
	Sensitive   bool
	Visible     bool
	State       uint32
	SubProps    dbus.Variant
	Symbol      dbus.Variant
}

type wirePropList struct {
	Name        string
	Attachments map[string]dbus.Variant
	Props       []dbus.Variant
}

type wireExtensionEvent struct {
	Name        string
	Attachments map[string]dbus.Variant
	Version     uint32
	EventName   string
	IsEnabled   bool
	IsExtension bool
	Params      string
}

type wireEngineDesc struct {
	Name          string
	Attachments   map[string]dbus.Variant
	EngineName    string
	LongName      string
	Description   string
	Language      string
	License       string
	Author        string
	Icon          string
	Layout        string
	Rank          uint32
	Hotkeys       string
	Symbol        string
	Setup         string
	LayoutVariant string
	LayoutOption  string
	Version       string
	TextDomain    string
	IconPropKey   string
}

const extensionEventVersion = 1

func noAttachments() map[string]dbus.Variant { return map[string]dbus.Variant{} }

func encodeText(t *ibus.Text) dbus.Variant {
	if t == nil {
		t = ibus.NewText("")
	}
	attrs := make([]dbus.Variant, len(t.Attributes))
	for i, a := range t.Attributes {
		attrs[i] = dbus.MakeVariant(wireAttribute{
			Name:        "IBusAttribute",
			Attachments: noAttachments(),
			Type:        a.Type,
			Value:       a.Value,
			StartIndex:  a.StartIndex,
			EndIndex:    a.EndIndex,
		})
	}
	return dbus.MakeVariant(wireText{
		Name:        "IBusText",
		Attachments: noAttachments(),
		Text:        t.Text,
		AttrList: dbus.MakeVariant(wireAttrList{
			Name:        "IBusAttrList",
			Attachments: noAttachments(),
			Attributes:  attrs,
		}),
	})
}

func encodeTexts(ts []*ibus.Text) []dbus.Variant {
	out := make([]dbus.Variant, len(ts))
	for i, t := range ts {
		out[i] = encodeText(t)
	}
	return out
}

func encodeProperty(p *ibus.Property) dbus.Variant {
	return dbus.MakeVariant(wireProperty{
		Name:        "IBusProperty",
		Attachments: noAttachments(),
		Key:         p.Key,
		Type:        p.Type,
		Label:       encodeText(p.Label),
		Icon:        p.Icon,
		Tooltip:     encodeText(p.Tooltip),
		Sensitive:   p.Sensitive,
		Visible:     p.Visible,
		State:       p.State,
		SubProps:    encodePropList(p.SubProps),
		Symbol:      encodeText(p.Symbol),
	})
}

func encodePropList(l ibus.PropList) dbus.Variant {
	props := make([]dbus.Variant, 0, len(l))
	for _, p := range l {
		if p != nil {
			props = append(props, encodeProperty(p))
		}
	}
	return dbus.MakeVariant(wirePropList{
		Name:        "IBusPropList",
		Attachments: noAttachments(),
		Props:       props,
	})
}

// EncodeEngineDesc returns the wire form of d.
func EncodeEngineDesc(d *ibus.EngineDesc) dbus.Variant {
	return dbus.MakeVariant(wireEngineDesc{
		Name:          "IBusEngineDesc",
		Attachments:   noAttachments(),
		EngineName:    d.Name,
		LongName:      d.LongName,
		Description:   d.Description,
		Language:      d.Language,
		License:       d.License,
		Author:        d.Author,
		Icon:          d.Icon,
		Layout:        d.Layout,
		Rank:          d.Rank,
		Hotkeys:       d.Hotkeys,
		Symbol:        d.Symbol,
		Setup:         d.Setup,
		LayoutVariant: d.LayoutVariant,
		LayoutOption:  d.LayoutOption,
		Version:       d.Version,
		TextDomain:    d.TextDomain,
		IconPropKey:   d.IconPropKey,
	})
}

// Encode converts the broker's value types into their D-Bus form. Values
// without a special encoding are returned unchanged.
func Encode(v any) any {
	switch x := v.(type) {
	case *ibus.Text:
		return encodeText(x)
	case *ibus.LookupTable:
		if x == nil {
			x = &ibus.LookupTable{}
		}
		return dbus.MakeVariant(wireLookupTable{
			Name:          "IBusLookupTable",
			Attachments:   noAttachments(),
			PageSize:      x.PageSize,
			CursorPos:     x.CursorPos,
			CursorVisible: x.CursorVisible,
			Round:         x.Round,
			Orientation:   x.Orientation,
			Candidates:    encodeTexts(x.Candidates),
			Labels:        encodeTexts(x.Labels),
		})
	case *ibus.Property:
		return encodeProperty(x)
	case ibus.PropList:
		return encodePropList(x)
	case ibus.ExtensionEvent:
		return dbus.MakeVariant(wireExtensionEvent{
			Name:        "IBusExtensionEvent",
			Attachments: noAttachments(),
			Version:     extensionEventVersion,
			EventName:   x.Name,
			IsEnabled:   x.IsEnabled,
			IsExtension: x.IsExtension,
			Params:      x.Params,
		})
	case *ibus.EngineDesc:
		return EncodeEngineDesc(x)
	case []*ibus.EngineDesc:
		out := make([]dbus.Variant, len(x))
		for i, d := range x {
			out[i] = EncodeEngineDesc(d)
		}
		return out
	case map[string]any:
		out := make(map[string]dbus.Variant, len(x))
		for k, e := range x {
			out[k] = dbus.MakeVariant(Encode(e))
		}
		return out
	case []any:
		out := make([]dbus.Variant, len(x))
		for i, e := range x {
			out[i] = dbus.MakeVariant(Encode(e))
		}
		return out
	}
	return v
}

// EncodeArgs applies Encode to every element of args.
func EncodeArgs(args []any) []any {
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = Encode(a)
	}
	return out
}

// Decode converts a value received from the bus. Serializable objects
// become the matching broker types, dictionaries and variant arrays are
// unwrapped recursively, and anything else passes through.
func Decode(v any) (any, error) {
	switch x := v.(type) {
	case dbus.Variant:
		return Decode(x.Value())
	case []any:
		if name, ok := serializableName(x); ok {
			return decodeSerializable(name, x)
		}
		return decodeSlice(x)
	case []dbus.Variant:
		out := make([]any, len(x))
		for i, e := range x {
			d, err := Decode(e)
			if err != nil {
				return nil, err
			}
			out[i] = d
		}
		return out, nil
	case map[string]dbus.Variant:
		out := make(map[string]any, len(x))
		for k, e := range x {
			d, err := Decode(e)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", k, err)
			}
			out[k] = d
		}
		return out, nil
	}
	return v, nil
}

// DecodeBody decodes every element of a message body.
func DecodeBody(body []any) ([]any, error) {
	return decodeSlice(body)
}

func decodeSlice(in []any) ([]any, error) {
	out := make([]any, len(in))
	for i, e := range in {
		d, err := Decode(e)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

func serializableName(fields []any) (string, bool) {
	if len(fields) < 2 {
		return "", false
	}
	name, ok := fields[0].(string)
	if !ok || len(name) < 4 || name[:4] != "IBus" {
		return "", false
	}
	_, ok = fields[1].(map[string]dbus.Variant)
	return name, ok
}

func badField(object string, i int) error {
	return fmt.Errorf("%w: %s field %d", ibus.ErrProtocolViolation, object, i)
}

func field[T any](object string, fields []any, i int) (T, error) {
	var zero T
	if i >= len(fields) {
		return zero, badField(object, i)
	}
	v := fields[i]
	if vv, ok := v.(dbus.Variant); ok {
		v = vv.Value()
	}
	t, ok := v.(T)
	if !ok {
		return zero, badField(object, i)
	}
	return t, nil
}

func decodeSerializable(name string, f []any) (any, error) {
	switch name {
	case "IBusText":
		return decodeText(f)
	case "IBusLookupTable":
		return decodeLookupTable(f)
	case "IBusProperty":
		return decodeProperty(f)
	case "IBusPropList":
		return decodePropList(f)
	case "IBusExtensionEvent":
		return decodeExtensionEvent(f)
	case "IBusEngineDesc":
		return decodeEngineDesc(f)
	}
	return nil, fmt.Errorf("%w: unknown serializable %s", ibus.ErrProtocolViolation, name)
}

// nested returns the struct fields of a serializable member.
func nested(object string, fields []any, i int) ([]any, error) {
	return field[[]any](object, fields, i)
}

func decodeText(f []any) (*ibus.Text, error) {
	text, err := field[string]("IBusText", f, 2)
	if err != nil {
		return nil, err
	}
	t := ibus.NewText(text)
	if len(f) < 4 {
		return t, nil
	}
	list, err := nested("IBusText", f, 3)
	if err != nil {
		return nil, err
	}
	attrs, err := field[[]dbus.Variant]("IBusAttrList", list, 2)
	if err != nil {
		return nil, err
	}
	for _, av := range attrs {
		a, ok := av.Value().([]any)
		if !ok {
			return nil, badField("IBusAttribute", 0)
		}
		var attr ibus.Attribute
		for i, dst := range []*uint32{&attr.Type, &attr.Value, &attr.StartIndex, &attr.EndIndex} {
			if *dst, err = field[uint32]("IBusAttribute", a, i+2); err != nil {
				return nil, err
			}
		}
		t.Attributes = append(t.Attributes, attr)
	}
	return t, nil
}

func textAt(object string, f []any, i int) (*ibus.Text, error) {
	inner, err := nested(object, f, i)
	if err != nil {
		return nil, err
	}
	return decodeText(inner)
}

func textsAt(object string, f []any, i int) ([]*ibus.Text, error) {
	vs, err := field[[]dbus.Variant](object, f, i)
	if err != nil {
		return nil, err
	}
	out := make([]*ibus.Text, 0, len(vs))
	for _, v := range vs {
		inner, ok := v.Value().([]any)
		if !ok {
			return nil, badField(object, i)
		}
		t, err := decodeText(inner)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func decodeLookupTable(f []any) (*ibus.LookupTable, error) {
	const obj = "IBusLookupTable"
	var (
		lt  ibus.LookupTable
		err error
	)
	if lt.PageSize, err = field[uint32](obj, f, 2); err != nil {
		return nil, err
	}
	if lt.CursorPos, err = field[uint32](obj, f, 3); err != nil {
		return nil, err
	}
	if lt.CursorVisible, err = field[bool](obj, f, 4); err != nil {
		return nil, err
	}
	if lt.Round, err = field[bool](obj, f, 5); err != nil {
		return nil, err
	}
	if lt.Orientation, err = field[int32](obj, f, 6); err != nil {
		return nil, err
	}
	if lt.Candidates, err = textsAt(obj, f, 7); err != nil {
		return nil, err
	}
	if lt.Labels, err = textsAt(obj, f, 8); err != nil {
		return nil, err
	}
	return &lt, nil
}

func decodeProperty(f []any) (*ibus.Property, error) {
	const obj = "IBusProperty"
	var (
		p   ibus.Property
		err error
	)
	if p.Key, err = field[string](obj, f, 2); err != nil {
		return nil, err
	}
	if p.Type, err = field[uint32](obj, f, 3); err != nil {
		return nil, err
	}
	if p.Label, err = textAt(obj, f, 4); err != nil {
		return nil, err
	}
	if p.Icon, err = field[string](obj, f, 5); err != nil {
		return nil, err
	}
	if p.Tooltip, err = textAt(obj, f, 6); err != nil {
		return nil, err
	}
	if p.Sensitive, err = field[bool](obj, f, 7); err != nil {
		return nil, err
	}
	if p.Visible, err = field[bool](obj, f, 8); err != nil {
		return nil, err
	}
	if p.State, err = field[uint32](obj, f, 9); err != nil {
		return nil, err
	}
	sub, err := nested(obj, f, 10)
	if err != nil {
		return nil, err
	}
	if p.SubProps, err = decodePropList(sub); err != nil {
		return nil, err
	}
	// Older engines omit the symbol.
	if len(f) > 11 {
		if p.Symbol, err = textAt(obj, f, 11); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

func decodePropList(f []any) (ibus.PropList, error) {
	vs, err := field[[]dbus.Variant]("IBusPropList", f, 2)
	if err != nil {
		return nil, err
	}
	out := make(ibus.PropList, 0, len(vs))
	for _, v := range vs {
		inner, ok := v.Value().([]any)
		if !ok {
			return nil, badField("IBusPropList", 2)
		}
		p, err := decodeProperty(inner)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func decodeExtensionEvent(f []any) (ibus.ExtensionEvent, error) {
	const obj = "IBusExtensionEvent"
	var (
		ev  ibus.ExtensionEvent
		err error
	)
	if ev.Name, err = field[string](obj, f, 3); err != nil {
		return ev, err
	}
	if ev.IsEnabled, err = field[bool](obj, f, 4); err != nil {
		return ev, err
	}
	if ev.IsExtension, err = field[bool](obj, f, 5); err != nil {
		return ev, err
	}
	if ev.Params, err = field[string](obj, f, 6); err != nil {
		return ev, err
	}
	return ev, nil
}

func decodeEngineDesc(f []any) (*ibus.EngineDesc, error) {
	const obj = "IBusEngineDesc"
	var d ibus.EngineDesc
	strs := []*string{
		&d.Name, &d.LongName, &d.Description, &d.Language,
		&d.License, &d.Author, &d.Icon, &d.Layout,
	}
	for i, dst := range strs {
		s, err := field[string](obj, f, i+2)
		if err != nil {
			return nil, err
		}
		*dst = s
	}
	rank, err := field[uint32](obj, f, 10)
	if err != nil {
		return nil, err
	}
	d.Rank = rank
	// Trailing members were appended over time; accept short descriptors.
	tail := []*string{
		&d.Hotkeys, &d.Symbol, &d.Setup, &d.LayoutVariant,
		&d.LayoutOption, &d.Version, &d.TextDomain, &d.IconPropKey,
	}
	for i, dst := range tail {
		if 11+i >= len(f) {
			break
		}
		s, err := field[string](obj, f, 11+i)
		if err != nil {
			return nil, err
		}
		*dst = s
	}
	return &d, nil
}
