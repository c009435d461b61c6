package effects

import (
	"context"
	"encoding/json"
	"fmt"
)

// Broadcaster delivers a message to live subscribers and reports how many received it
type Broadcaster interface {
	Broadcast(msg []byte) int
}

// BroadcastAction pushes events to a Broadcaster such as the websocket hub
type BroadcastAction struct {
	hub Broadcaster
}

// NewBroadcastAction wraps hub
func NewBroadcastAction(hub Broadcaster) *BroadcastAction {
	return &BroadcastAction{hub: hub}
}

func (a *BroadcastAction) Name() string { return "broadcast" }

func (a *BroadcastAction) Handle(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	a.hub.Broadcast(msg)
	return nil
}
