package gateway

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zen-engine/internal/model"
)

// SubscribeMsg selects the streams a client wants pushed.
// Streams use the "freq:symbol" form, e.g. "5m:700.HK".
type SubscribeMsg struct {
	Type    string   `json:"type"`
	ReqID   string   `json:"req_id,omitempty"`
	Streams []string `json:"streams"`
}

// SubscribedResponse acknowledges a SUBSCRIBE or UNSUBSCRIBE.
type SubscribedResponse struct {
	Type    string   `json:"type"`
	ReqID   string   `json:"req_id,omitempty"`
	Streams []string `json:"streams"`
}

// ErrorResponse reports a rejected client message.
type ErrorResponse struct {
	Type  string `json:"type"`
	ReqID string `json:"req_id,omitempty"`
	Error string `json:"error"`
}

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	sendMu sync.Mutex
	closed bool

	// Subscribed streams. Empty means everything.
	subMu sync.RWMutex
	subs  map[model.StreamKey]bool
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, 256),
		hub:  h,
		subs: make(map[model.StreamKey]bool),
	}
}

// trySend queues msg without blocking. It reports false if the queue is
// full or the client is gone.
func (c *Client) trySend(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// sendInitialState pushes the latest payload of every matching channel.
func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = parsed
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for channel, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		if !c.matchesChannel(channel) {
			continue
		}
		c.sendInitial(channel, entry)
	}
}

func (c *Client) sendInitial(channel string, entry latestEntry) {
	envelope, _ := json.Marshal(map[string]interface{}{
		"channel":     channel,
		"data":        entry.Data,
		"ts":          entry.TS.Format(time.RFC3339Nano),
		"channel_seq": entry.Seq,
		"initial":     true,
	})
	c.trySend(envelope)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		log.Println("[gateway] ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleMessage(msg)
	}
}

func (c *Client) handleMessage(msg []byte) {
	var base struct {
		Type string `json:"type"`
		Ping int64  `json:"ping"`
	}
	if json.Unmarshal(msg, &base) != nil {
		return
	}

	switch base.Type {
	case "SUBSCRIBE", "UNSUBSCRIBE":
		var sub SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			SendError(c, "", "invalid "+base.Type+": "+err.Error())
			return
		}
		keys, err := parseStreams(sub.Streams)
		if err != nil {
			SendError(c, sub.ReqID, err.Error())
			return
		}
		if base.Type == "SUBSCRIBE" {
			c.handleSubscribe(sub.ReqID, keys)
		} else {
			c.handleUnsubscribe(sub.ReqID, keys)
		}
	default:
		if base.Ping > 0 {
			pong, _ := json.Marshal(map[string]interface{}{
				"type":      "pong",
				"ping":      base.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			c.trySend(pong)
		}
	}
}

func parseStreams(streams []string) ([]model.StreamKey, error) {
	if len(streams) == 0 {
		return nil, errNoStreams
	}
	keys := make([]model.StreamKey, 0, len(streams))
	for _, s := range streams {
		key, err := model.ParseStreamKey(s)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// handleSubscribe adds streams, acknowledges, then pushes their latest
// snapshots so the client starts from current state.
func (c *Client) handleSubscribe(reqID string, keys []model.StreamKey) {
	c.subMu.Lock()
	for _, k := range keys {
		c.subs[k] = true
	}
	c.subMu.Unlock()

	SendJSON(c, SubscribedResponse{Type: "SUBSCRIBED", ReqID: reqID, Streams: c.Streams()})
	log.Printf("[gateway] client subscribed: %v", keys)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	for _, k := range keys {
		if entry, ok := c.hub.latest[SnapshotChannel(k)]; ok {
			c.sendInitial(SnapshotChannel(k), entry)
		}
	}
}

func (c *Client) handleUnsubscribe(reqID string, keys []model.StreamKey) {
	c.subMu.Lock()
	for _, k := range keys {
		delete(c.subs, k)
	}
	c.subMu.Unlock()

	SendJSON(c, SubscribedResponse{Type: "UNSUBSCRIBED", ReqID: reqID, Streams: c.Streams()})
	log.Printf("[gateway] client unsubscribed: %v", keys)
}

// Streams returns the client's subscriptions in "freq:symbol" form, sorted.
func (c *Client) Streams() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for k := range c.subs {
		out = append(out, k.String())
	}
	sort.Strings(out)
	return out
}

// matchesChannel reports whether the client should receive a channel.
// Clients without subscriptions receive everything; unknown channels are
// always delivered.
func (c *Client) matchesChannel(channel string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	if len(c.subs) == 0 {
		return true
	}
	_, key, ok := parseChannel(channel)
	if !ok {
		return true
	}
	return c.subs[key]
}

// SendJSON marshals and queues a message for the client.
func SendJSON(c *Client, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[gateway] json marshal error: %v", err)
		return
	}
	if !c.trySend(data) {
		log.Println("[gateway] client send buffer full, dropping message")
	}
}

// SendError sends an error response to the client.
func SendError(c *Client, reqID, errMsg string) {
	SendJSON(c, ErrorResponse{Type: "ERROR", ReqID: reqID, Error: errMsg})
}
