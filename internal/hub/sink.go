package hub

import (
	"context"

	"github.com/zulandar/switchboard/internal/events"
	"github.com/zulandar/switchboard/internal/models"
)

// Recipients resolves the identities that should see a recorded event.
type Recipients func(ctx context.Context, ev models.TransferEvent) []string

// Sink forwards recorded transfer events to the resolved identities as
// transfer_status messages. Events without a transfer are ignored.
func (h *Hub) Sink(to Recipients) events.Sink {
	return events.SinkFunc(func(ctx context.Context, ev models.TransferEvent) {
		if ev.TransferID == "" {
			return
		}
		ids := to(ctx, ev)
		if len(ids) == 0 {
			return
		}
		h.Send(Event{
			Type:       TypeTransferStatus,
			CallID:     ev.CallID,
			TransferID: ev.TransferID,
			Stage:      ev.Stage,
			Detail: map[string]any{
				"kind":   ev.Kind,
				"event":  events.DecodeDetail(ev),
				"actor":  ev.Actor,
				"seq_id": ev.ID,
			},
		}, ids...)
	})
}
