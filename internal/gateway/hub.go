package gateway

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zen-engine/internal/model"
)

// Channel kinds pushed to WebSocket clients.
const (
	KindSnapshot   = "snapshot"
	KindDivergence = "divergence"
)

// SnapshotChannel returns the hub channel carrying a stream's snapshots.
func SnapshotChannel(key model.StreamKey) string {
	return KindSnapshot + ":" + key.String()
}

// DivergenceChannel returns the hub channel carrying a stream's divergence records.
func DivergenceChannel(key model.StreamKey) string {
	return KindDivergence + ":" + key.String()
}

// parseChannel splits "snapshot:5m:AAPL" into its kind and stream key.
func parseChannel(channel string) (string, model.StreamKey, bool) {
	kind, rest, ok := strings.Cut(channel, ":")
	if !ok || (kind != KindSnapshot && kind != KindDivergence) {
		return "", model.StreamKey{}, false
	}
	key, err := model.ParseStreamKey(rest)
	if err != nil {
		return "", model.StreamKey{}, false
	}
	return kind, key, true
}

// Hub manages WebSocket clients and in-process fan-out of analysis output.
// Each channel keeps its latest payload, a monotonic sequence number and a
// backlog served by /api/missed.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	// Per-channel monotonic sequence numbers for gap detection
	channelSeqs map[string]int64
	backlogs    map[string]*backlog

	Broadcaster *Broadcaster

	// OnClientsChanged reports the connected client count.
	OnClientsChanged func(n int)
	// OnDrop is called when a slow client misses a message.
	OnDrop func()
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	h := &Hub{
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		backlogs:    make(map[string]*backlog),
	}
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// Broadcast sends data on a channel to every matching client.
func (h *Hub) Broadcast(channel string, data []byte) {
	h.Broadcaster.Broadcast(channel, data)
}

// HandleWSRequest registers an upgraded connection and starts its pumps.
// When lastTS is set, only channels updated after it are replayed.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, lastTS string) {
	client := newClient(h, conn)

	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()
	h.clientsChanged(count)

	log.Printf("[gateway] ws client connected (%d total)", count)

	go client.sendInitialState(lastTS)
	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub and closes its send queue.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if !h.clients[c] {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()
	c.close()
	h.clientsChanged(count)
}

func (h *Hub) clientsChanged(n int) {
	if h.OnClientsChanged != nil {
		h.OnClientsChanged(n)
	}
}

func (h *Hub) dropped() {
	if h.OnDrop != nil {
		h.OnDrop()
	}
}

// Latest returns the most recent payload broadcast on channel.
func (h *Hub) Latest(channel string) (json.RawMessage, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	e, ok := h.latest[channel]
	return e.Data, ok
}

// GetLatestAll returns a copy of every channel's latest payload.
func (h *Hub) GetLatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// Missed returns the retained envelopes of channel with channel_seq in
// [fromSeq, toSeq]. truncated reports that older messages in the range are
// gone and the client should resync from the latest snapshot.
func (h *Hub) Missed(channel string, fromSeq, toSeq int64) (msgs [][]byte, truncated bool) {
	h.mu.RLock()
	bl, exists := h.backlogs[channel]
	h.mu.RUnlock()
	if !exists {
		return nil, fromSeq > 0 && fromSeq <= h.GetChannelSeq(channel)
	}
	return bl.between(fromSeq, toSeq)
}

// GetChannelSeq returns the current sequence number for a channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
