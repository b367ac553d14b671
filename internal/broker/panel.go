package broker

import (
	"imbroker/internal/ibus"
	"imbroker/internal/panel"
)

// Panel returns the attached bridge of kind, or nil.
func (b *Broker) Panel(kind panel.Kind) *panel.Bridge {
	if kind == panel.KindEmoji {
		return b.emoji
	}
	return b.panel
}

// AttachPanel installs a newly connected panel, replacing the previous one
// of the same kind, and focuses the current context on it.
func (b *Broker) AttachPanel(br *panel.Bridge) {
	kind := br.Kind()
	if old := b.Panel(kind); old != nil && old != br {
		b.DetachPanel(kind)
	}
	if kind == panel.KindEmoji {
		b.emoji = br
		b.enableEmoji = false
	} else {
		b.panel = br
	}
	b.panelSubs[br] = br.Subscribe(func(ev panel.Event) { b.HandlePanelEvent(br, ev) })
	b.logger.Info("panel attached", "kind", kind.String())

	if ctx := b.currentContext(); ctx != nil {
		br.FocusIn(ctx)
	}
}

// DetachPanel drops the panel of kind.
func (b *Broker) DetachPanel(kind panel.Kind) {
	br := b.Panel(kind)
	if br == nil {
		return
	}
	if unsub, ok := b.panelSubs[br]; ok {
		unsub()
		delete(b.panelSubs, br)
	}
	if kind == panel.KindEmoji {
		b.emoji = nil
		b.enableEmoji = false
		for _, ctx := range b.InputContexts() {
			if ctx.EmojiExtension() == br {
				ctx.SetEmojiExtension(nil)
			}
		}
		if b.fake != nil {
			b.fake.SetEmojiExtension(nil)
		}
	} else {
		b.panel = nil
	}
	br.Close()
	b.logger.Info("panel detached", "kind", kind.String())
}

// HandlePanelEvent routes panel-originated traffic to the focused context.
func (b *Broker) HandlePanelEvent(src *panel.Bridge, ev panel.Event) {
	if _, ok := ev.(panel.Destroyed); ok {
		if b.Panel(src.Kind()) == src {
			b.DetachPanel(src.Kind())
		}
		return
	}

	switch e := ev.(type) {
	case panel.Extension:
		b.SetPanelExtensionMode(e.Event)
		return
	case panel.ExtensionRegisterKeys:
		b.SetPanelExtensionKeys(e.Keys)
		return
	case panel.UpdateAuxiliaryTextReceived:
		if b.panel != nil {
			b.panel.UpdateAuxiliaryText(e.Text, e.Visible)
		}
		return
	case panel.SendMessage:
		b.sendMessage(e.Payload)
		return
	}

	ctx := b.focused
	if ctx == nil {
		return
	}
	switch e := ev.(type) {
	case panel.UpdatePreeditTextReceived:
		ctx.UpdatePreeditText(e.Text, e.Cursor, e.Visible, ibus.PreeditClear)
	case panel.UpdateLookupTableReceived:
		ctx.UpdateLookupTable(e.Table, e.Visible)
	case panel.ForwardProcessKeyEvent:
		ctx.ForwardKeyEvent(e.Keyval, e.Keycode, e.State)
	case panel.CommitText:
		ctx.CommitText(e.Text)
	}

	eng := ctx.Engine()
	if eng == nil {
		return
	}
	switch e := ev.(type) {
	case panel.PageUp:
		eng.PageUp()
	case panel.PageDown:
		eng.PageDown()
	case panel.CursorUp:
		eng.CursorUp()
	case panel.CursorDown:
		eng.CursorDown()
	case panel.CandidateClicked:
		eng.CandidateClicked(e.Index, e.Button, e.State)
	case panel.PropertyActivate:
		eng.PropertyActivate(e.Name, e.State)
	case panel.PropertyShow:
		eng.PropertyShow(e.Name)
	case panel.PropertyHide:
		eng.PropertyHide(e.Name)
	}
}

// SetPanelExtensionMode applies an extension toggle coming from an engine
// or the panel. Requires the emoji extension to be attached.
func (b *Broker) SetPanelExtensionMode(ev ibus.ExtensionEvent) {
	if b.emoji == nil {
		b.logger.Warn("panel extension is not running", "extension", ev.Name)
		return
	}
	b.enableEmoji = ev.IsEnabled
	if b.focused != nil {
		b.applyEmojiExtension(b.focused)
		if ev.IsExtension {
			b.focused.PanelExtensionReceived(ev)
		}
	}
	if ev.IsExtension {
		return
	}
	b.emoji.PanelExtensionReceived(ev)
}

// SetPanelExtensionKeys caches the extension hotkeys and hands them to
// the focused engine. The cache is replayed after global engine switches.
func (b *Broker) SetPanelExtensionKeys(keys map[string]any) {
	if b.emoji == nil {
		b.logger.Warn("panel extension is not running")
		return
	}
	b.extensionKeys = keys
	if b.focused == nil || b.focused.Engine() == nil {
		return
	}
	b.focused.Engine().PanelExtensionRegisterKeys(keys)
}

// EmojiExtensionEnabled reports the last extension toggle.
func (b *Broker) EmojiExtensionEnabled() bool { return b.enableEmoji }

func (b *Broker) sendMessage(payload []any) {
	if b.panel == nil {
		b.logger.Warn("panel is not running")
		return
	}
	b.panel.SendMessageReceived(payload)
}
