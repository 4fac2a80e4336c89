package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"zen-engine/internal/model"
	"zen-engine/internal/stream"
	"zen-engine/internal/zen"
)

var errNoStreams = errors.New("streams are required")

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// Streams is the read side of the stream registry.
type Streams interface {
	Keys() []model.StreamKey
	Get(key model.StreamKey) (*stream.Container, bool)
}

// Resubscriber restarts a stream's feed: reset, backfill, then live.
type Resubscriber interface {
	Resubscribe(ctx context.Context, key model.StreamKey, reason string) error
}

// API bundles what the HTTP routes read from.
type API struct {
	Hub          *Hub
	Streams      Streams
	Divergences  model.DivergenceStore // optional audit trail
	Resubscriber Resubscriber          // optional
	Start        time.Time

	// OnRequest observes handler latency per route.
	OnRequest func(route string, seconds float64)
}

// StreamInfo summarises one stream for /api/streams.
type StreamInfo struct {
	Symbol      string     `json:"symbol"`
	Freq        model.Freq `json:"freq"`
	Bars        int64      `json:"bars"`
	Strokes     int        `json:"strokes"`
	LastBarTS   *time.Time `json:"last_bar_ts,omitempty"`
	Stale       bool       `json:"stale"`
	StaleReason string     `json:"stale_reason,omitempty"`
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func RegisterRoutes(mux *http.ServeMux, api API) {
	if api.Start.IsZero() {
		api.Start = time.Now()
	}

	handle := func(route string, fn http.HandlerFunc) {
		mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			SetCORS(w)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			fn(w, r)
			if api.OnRequest != nil {
				api.OnRequest(route, time.Since(start).Seconds())
			}
		})
	}

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[gateway] ws upgrade error: %v", err)
			return
		}
		api.Hub.HandleWSRequest(conn, r.URL.Query().Get("last_ts"))
	})

	handle("/api/streams", api.handleStreams)
	handle("/api/zen", api.handleZen)
	handle("/api/strokes", api.handleStrokes)
	handle("/api/pivots", api.handlePivots)
	handle("/api/divergence", api.handleDivergence)
	handle("/api/resubscribe", api.handleResubscribe)
	handle("/api/missed", api.handleMissed)
	handle("/health", api.handleHealth)
}

func (api API) handleStreams(w http.ResponseWriter, r *http.Request) {
	keys := api.Streams.Keys()
	out := make([]StreamInfo, 0, len(keys))
	for _, k := range keys {
		c, ok := api.Streams.Get(k)
		if !ok {
			continue
		}
		stale, reason := c.NeedsResubscribe()
		info := StreamInfo{
			Symbol:      k.Symbol,
			Freq:        k.Freq,
			Bars:        c.Ingested(),
			Strokes:     len(c.Strokes()),
			Stale:       stale,
			StaleReason: reason,
		}
		if last, ok := c.LastBar(); ok {
			ts := last.DT
			info.LastBarTS = &ts
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

// container resolves ?symbol=&freq= and writes the error response itself.
func (api API) container(w http.ResponseWriter, r *http.Request) (*stream.Container, bool) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, http.StatusBadRequest, "symbol is required")
		return nil, false
	}
	freq, err := model.ParseFreq(q.Get("freq"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}
	c, ok := api.Streams.Get(model.StreamKey{Symbol: symbol, Freq: freq})
	if !ok {
		writeError(w, http.StatusNotFound, "unknown stream "+string(freq)+":"+symbol)
		return nil, false
	}
	return c, true
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func (api API) handleZen(w http.ResponseWriter, r *http.Request) {
	c, ok := api.container(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (api API) handleStrokes(w http.ResponseWriter, r *http.Request) {
	c, ok := api.container(w, r)
	if !ok {
		return
	}
	strokes := c.Strokes()
	out := make([]model.StrokeView, 0, len(strokes))
	for _, s := range strokes {
		out = append(out, stream.StrokeView(s))
	}
	writeJSON(w, http.StatusOK, out)
}

func (api API) handlePivots(w http.ResponseWriter, r *http.Request) {
	c, ok := api.container(w, r)
	if !ok {
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	windows := c.Pivots(offset)
	out := make([]model.PivotView, 0, len(windows))
	for _, win := range windows {
		out = append(out, stream.PivotView(win.Pivot.Info()))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDivergence serves a fresh scan when offset is given, the stored
// audit trail when source=store, and the in-memory signal log otherwise.
func (api API) handleDivergence(w http.ResponseWriter, r *http.Request) {
	c, ok := api.container(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()

	if q.Has("offset") {
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, divergenceViews(c.Divergences(offset)))
		return
	}

	if q.Get("source") == "store" {
		if api.Divergences == nil {
			writeError(w, http.StatusNotImplemented, "no divergence store configured")
			return
		}
		limit, err := queryInt(r, "limit", 100)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		rows, err := api.Divergences.ReadDivergences(r.Context(), c.Key(), limit)
		if err != nil {
			log.Printf("[gateway] read divergences %s: %v", c.Key(), err)
			writeError(w, http.StatusInternalServerError, "divergence store unavailable")
			return
		}
		if rows == nil {
			rows = []model.DivergenceView{}
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}

	writeJSON(w, http.StatusOK, divergenceViews(c.DivergenceLog()))
}

func divergenceViews(ds []zen.Divergence) []model.DivergenceView {
	out := make([]model.DivergenceView, 0, len(ds))
	for _, d := range ds {
		out = append(out, stream.DivergenceView(d))
	}
	return out
}

// POST /api/resubscribe?symbol=&freq= or a {"streams":[...]} body.
func (api API) handleResubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if api.Resubscriber == nil {
		writeError(w, http.StatusNotImplemented, "resubscription not available")
		return
	}

	var keys []model.StreamKey
	if r.URL.Query().Get("symbol") != "" {
		c, ok := api.container(w, r)
		if !ok {
			return
		}
		keys = append(keys, c.Key())
	} else {
		var body struct {
			Streams []string `json:"streams"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		parsed, err := parseStreams(body.Streams)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		for _, k := range parsed {
			if _, ok := api.Streams.Get(k); !ok {
				writeError(w, http.StatusNotFound, "unknown stream "+k.String())
				return
			}
		}
		keys = parsed
	}

	accepted := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := api.Resubscriber.Resubscribe(r.Context(), k, "api"); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		accepted = append(accepted, k.String())
	}
	log.Printf("[gateway] resubscribe requested: %v", accepted)
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted", "streams": accepted})
}

// GET /api/missed?channel=&from=&to= returns buffered envelopes for gap backfill.
func (api API) handleMissed(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	channel := q.Get("channel")
	if channel == "" {
		writeError(w, http.StatusBadRequest, "channel is required")
		return
	}
	from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
	to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
	if err1 != nil || err2 != nil || from > to {
		writeError(w, http.StatusBadRequest, "from and to must be integers with from <= to")
		return
	}
	raw, truncated := api.Hub.Missed(channel, from, to)
	out := make([]json.RawMessage, len(raw))
	for i, b := range raw {
		out[i] = b
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel":     channel,
		"channel_seq": api.Hub.GetChannelSeq(channel),
		"messages":    out,
		"truncated":   truncated,
	})
}

func (api API) handleHealth(w http.ResponseWriter, r *http.Request) {
	stale := 0
	keys := api.Streams.Keys()
	for _, k := range keys {
		if c, ok := api.Streams.Get(k); ok {
			if s, _ := c.NeedsResubscribe(); s {
				stale++
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"streams":       len(keys),
		"stale_streams": stale,
		"ws_clients":    api.Hub.ClientCount(),
		"uptime_sec":    int64(time.Since(api.Start).Seconds()),
		"ts":            time.Now().UTC().Format(time.RFC3339Nano),
	})
}
