package agent

import (
	"context"

	"github.com/medvault-app/medsyncgo/internal/store"
	"github.com/medvault-app/medsyncgo/internal/sync"
	"github.com/medvault-app/medsyncgo/internal/websocket"
)

// wsEvent is the envelope pushed to connected UI clients
type wsEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// RunBridge relays engine state transitions and committed record changes to
// websocket clients until ctx is cancelled. Local UIs repaint from these
// events instead of polling the HTTP API.
func RunBridge(ctx context.Context, engine *sync.Engine, st *store.Store, hub *websocket.Hub) {
	states := engine.SubscribeState(ctx)
	changes := st.Changes().Subscribe(ctx)

	for states != nil || changes != nil {
		select {
		case upd, ok := <-states:
			if !ok {
				states = nil
				continue
			}
			hub.Broadcast(wsEvent{Type: "SYNC_STATE", Payload: upd})
		case ev, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			hub.Broadcast(wsEvent{Type: "RECORD_CHANGED", Payload: ev})
		}
	}
}
