package bus

import (
	"imbroker/internal/broker"
	"imbroker/internal/component"
	"imbroker/internal/ibus"
	"imbroker/internal/panel"
)

// WatchComponents forwards ownership changes of every catalog component's
// bus name to the registry.
func (b *Bus) WatchComponents(reg *component.Registry) {
	for _, c := range reg.Components() {
		name := c.Name
		b.WatchName(name, func(oldOwner, newOwner string) {
			reg.NameOwnerChanged(name, oldOwner, newOwner)
		})
	}
}

// WatchPanels attaches the panel and the emoji extension to br whenever
// their services appear. A panel leaving the bus closes its session, which
// detaches it.
func (b *Bus) WatchPanels(br *broker.Broker) {
	for _, kind := range []panel.Kind{panel.KindPanel, panel.KindEmoji} {
		b.WatchName(kind.BusName(), func(_, newOwner string) {
			if newOwner == "" {
				return
			}
			go func() {
				s, err := b.NewSession(newOwner, ibus.PanelPath, ibus.PanelInterface)
				if err != nil {
					b.logger.Warn("panel session", "kind", kind.String(), "error", err)
					return
				}
				b.loop.Post(func() {
					br.AttachPanel(panel.New(kind, s, b.metrics, b.logger))
				})
			}()
		})
	}
}

// WatchClients destroys input contexts whose client left the bus.
func (b *Bus) WatchClients(svc *Service) {
	b.OnNameVanished(svc.ClientVanished)
}
