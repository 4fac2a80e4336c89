package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"zen-engine/internal/model"
)

// HubPublisher pushes analysis output to WebSocket clients through a Hub.
// It implements model.SignalPublisher.
type HubPublisher struct {
	hub *Hub
}

// NewHubPublisher creates a publisher that broadcasts on hub.
func NewHubPublisher(hub *Hub) *HubPublisher {
	return &HubPublisher{hub: hub}
}

// PublishSnapshot broadcasts snap on its snapshot channel.
func (p *HubPublisher) PublishSnapshot(_ context.Context, snap model.StreamSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot %s: %w", snap.Key(), err)
	}
	p.hub.Broadcast(SnapshotChannel(snap.Key()), data)
	return nil
}

// PublishDivergence broadcasts d on the stream's divergence channel.
func (p *HubPublisher) PublishDivergence(_ context.Context, key model.StreamKey, d model.DivergenceView) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal divergence %s: %w", key, err)
	}
	p.hub.Broadcast(DivergenceChannel(key), data)
	return nil
}
