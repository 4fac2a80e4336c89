package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"zen-engine/internal/model"
	"zen-engine/internal/stream"
	"zen-engine/internal/zen"
)

var t0 = time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)

// zigzag produces bars whose legs swing between 100 and 130; legs=4
// yields three confirmed strokes.
func zigzag(key model.StreamKey, legs int) []model.Bar {
	var mids []float64
	for v := 113.0; v >= 101; v -= 4 {
		mids = append(mids, v)
	}
	for l := 0; l < legs; l++ {
		if l%2 == 0 {
			for v := 105.0; v <= 129; v += 4 {
				mids = append(mids, v)
			}
		} else {
			for v := 125.0; v >= 101; v -= 4 {
				mids = append(mids, v)
			}
		}
	}
	out := make([]model.Bar, len(mids))
	for i, m := range mids {
		out[i] = model.Bar{
			Symbol: key.Symbol, Freq: key.Freq, TS: t0.Add(time.Duration(i) * key.Freq.Duration()),
			Open: m - 0.5, High: m + 1, Low: m - 1, Close: m + 0.5, Volume: 10,
		}
	}
	return out
}

type fakeDivergences struct {
	rows []model.DivergenceView
	err  error
}

func (f *fakeDivergences) SaveDivergence(_ context.Context, _ model.StreamKey, d model.DivergenceView) error {
	f.rows = append(f.rows, d)
	return nil
}

func (f *fakeDivergences) ReadDivergences(_ context.Context, _ model.StreamKey, limit int) ([]model.DivergenceView, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.rows) {
		return f.rows[:limit], nil
	}
	return f.rows, nil
}

type fakeResubscriber struct {
	keys []model.StreamKey
	err  error
}

func (f *fakeResubscriber) Resubscribe(_ context.Context, key model.StreamKey, _ string) error {
	f.keys = append(f.keys, key)
	return f.err
}

func newTestAPI(t *testing.T) (API, *stream.Registry) {
	t.Helper()
	reg, err := stream.NewRegistry(stream.Options{Settings: zen.DefaultSettings(), SMAPeriods: []int{3, 5}})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	c, err := reg.GetOrCreate(aapl5m)
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	for _, b := range zigzag(aapl5m, 4) {
		if _, err := c.Ingest(b); err != nil {
			t.Fatalf("Ingest: %v", err)
		}
	}
	if _, err := reg.GetOrCreate(hk1d); err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	return API{Hub: NewHub(), Streams: reg}, reg
}

func serve(api API, method, target, body string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	RegisterRoutes(mux, api)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleStreams(t *testing.T) {
	api, reg := newTestAPI(t)
	c, _ := reg.Get(hk1d)
	c.MarkNeedsResubscribe(errors.New("feed lost"))

	rec := serve(api, http.MethodGet, "/api/streams", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var out []StreamInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("streams=%d, want 2", len(out))
	}
	byKey := map[string]StreamInfo{}
	for _, s := range out {
		byKey[string(s.Freq)+":"+s.Symbol] = s
	}
	a := byKey["5m:AAPL"]
	if a.Strokes != 3 || a.Bars == 0 || a.LastBarTS == nil || a.Stale {
		t.Errorf("AAPL info = %+v", a)
	}
	hk := byKey["1d:700.HK"]
	if !hk.Stale || hk.StaleReason == "" || hk.LastBarTS != nil {
		t.Errorf("700.HK info = %+v", hk)
	}
}

func TestHandleZen(t *testing.T) {
	api, _ := newTestAPI(t)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"ok", "/api/zen?symbol=AAPL&freq=5m", http.StatusOK},
		{"missing_symbol", "/api/zen?freq=5m", http.StatusBadRequest},
		{"bad_freq", "/api/zen?symbol=AAPL&freq=7m", http.StatusBadRequest},
		{"unknown_stream", "/api/zen?symbol=MSFT&freq=5m", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(api, http.MethodGet, tt.target, "")
			if rec.Code != tt.want {
				t.Fatalf("status=%d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	rec := serve(api, http.MethodGet, "/api/zen?symbol=AAPL&freq=5m", "")
	var snap model.StreamSnapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Symbol != "AAPL" || len(snap.Finished) != 3 {
		t.Errorf("snapshot symbol=%s finished=%d", snap.Symbol, len(snap.Finished))
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestHandleStrokes(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := serve(api, http.MethodGet, "/api/strokes?symbol=AAPL&freq=5m", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var strokes []model.StrokeView
	if err := json.Unmarshal(rec.Body.Bytes(), &strokes); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(strokes) != 3 {
		t.Fatalf("strokes=%d, want 3", len(strokes))
	}
	for i := 1; i < len(strokes); i++ {
		if strokes[i].Direction == strokes[i-1].Direction {
			t.Errorf("strokes %d and %d share direction %s", i-1, i, strokes[i].Direction)
		}
		if !strokes[i].StartTS.Equal(strokes[i-1].EndTS) {
			t.Errorf("stroke %d does not start where %d ends", i, i-1)
		}
	}
}

func TestHandlePivots(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := serve(api, http.MethodGet, "/api/pivots?symbol=AAPL&freq=5m&offset=0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var pivots []model.PivotView
	if err := json.Unmarshal(rec.Body.Bytes(), &pivots); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, p := range pivots {
		if p.High < p.Low {
			t.Errorf("pivot high %v < low %v", p.High, p.Low)
		}
	}

	for _, bad := range []string{"-1", "x"} {
		rec := serve(api, http.MethodGet, "/api/pivots?symbol=AAPL&freq=5m&offset="+bad, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("offset=%s: status=%d, want 400", bad, rec.Code)
		}
	}
}

func TestHandleDivergence(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := serve(api, http.MethodGet, "/api/divergence?symbol=AAPL&freq=5m", "")
	if rec.Code != http.StatusOK || strings.TrimSpace(rec.Body.String()) == "null" {
		t.Fatalf("log: status=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = serve(api, http.MethodGet, "/api/divergence?symbol=AAPL&freq=5m&offset=0", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("scan: status=%d", rec.Code)
	}

	rec = serve(api, http.MethodGet, "/api/divergence?symbol=AAPL&freq=5m&source=store", "")
	if rec.Code != http.StatusNotImplemented {
		t.Errorf("store without backend: status=%d, want 501", rec.Code)
	}

	store := &fakeDivergences{}
	store.SaveDivergence(context.Background(), aapl5m, model.DivergenceView{Direction: "down", PointType: "first_buy"})
	store.SaveDivergence(context.Background(), aapl5m, model.DivergenceView{Direction: "up", PointType: "none"})
	api.Divergences = store

	rec = serve(api, http.MethodGet, "/api/divergence?symbol=AAPL&freq=5m&source=store&limit=1", "")
	var rows []model.DivergenceView
	if err := json.Unmarshal(rec.Body.Bytes(), &rows); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(rows) != 1 || rows[0].PointType != "first_buy" {
		t.Errorf("rows = %+v", rows)
	}

	store.err = errors.New("disk gone")
	rec = serve(api, http.MethodGet, "/api/divergence?symbol=AAPL&freq=5m&source=store", "")
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("store error: status=%d, want 500", rec.Code)
	}
}

func TestHandleResubscribe(t *testing.T) {
	api, _ := newTestAPI(t)

	if rec := serve(api, http.MethodPost, "/api/resubscribe?symbol=AAPL&freq=5m", ""); rec.Code != http.StatusNotImplemented {
		t.Errorf("no resubscriber: status=%d, want 501", rec.Code)
	}

	rs := &fakeResubscriber{}
	api.Resubscriber = rs

	tests := []struct {
		name   string
		method string
		target string
		body   string
		want   int
	}{
		{"get_rejected", http.MethodGet, "/api/resubscribe?symbol=AAPL&freq=5m", "", http.StatusMethodNotAllowed},
		{"query", http.MethodPost, "/api/resubscribe?symbol=AAPL&freq=5m", "", http.StatusAccepted},
		{"body", http.MethodPost, "/api/resubscribe", `{"streams":["1d:700.HK","5m:AAPL"]}`, http.StatusAccepted},
		{"bad_body", http.MethodPost, "/api/resubscribe", `{`, http.StatusBadRequest},
		{"empty_streams", http.MethodPost, "/api/resubscribe", `{"streams":[]}`, http.StatusBadRequest},
		{"unknown_stream", http.MethodPost, "/api/resubscribe", `{"streams":["5m:MSFT"]}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(api, tt.method, tt.target, tt.body)
			if rec.Code != tt.want {
				t.Errorf("status=%d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
	if len(rs.keys) != 3 {
		t.Errorf("resubscribed %v, want 3 keys", rs.keys)
	}
}

func TestHandleMissed(t *testing.T) {
	api, _ := newTestAPI(t)
	ch := SnapshotChannel(aapl5m)
	for i := 0; i < 5; i++ {
		api.Hub.Broadcast(ch, []byte(`{}`))
	}

	rec := serve(api, http.MethodGet, "/api/missed?channel="+ch+"&from=2&to=4", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}
	var out struct {
		ChannelSeq int64      `json:"channel_seq"`
		Messages   []envelope `json:"messages"`
		Truncated  bool       `json:"truncated"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ChannelSeq != 5 || len(out.Messages) != 3 || out.Messages[0].ChannelSeq != 2 || out.Truncated {
		t.Errorf("missed = %+v", out)
	}

	if rec := serve(api, http.MethodGet, "/api/missed?channel="+ch+"&from=4&to=2", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("inverted range: status=%d, want 400", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	rec := serve(api, http.MethodGet, "/health", "")
	var out map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out["status"] != "ok" || out["streams"] != float64(2) {
		t.Errorf("health = %v", out)
	}
}

func TestWebSocket_SubscribeAndPush(t *testing.T) {
	api, reg := newTestAPI(t)
	mux := http.NewServeMux()
	RegisterRoutes(mux, api)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(SubscribeMsg{Type: "SUBSCRIBE", ReqID: "1", Streams: []string{"5m:AAPL"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ack SubscribedResponse
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "SUBSCRIBED" {
		t.Fatalf("ack = %+v", ack)
	}

	c, _ := reg.Get(aapl5m)
	pub := NewHubPublisher(api.Hub)
	if err := pub.PublishDivergence(context.Background(), hk1d, model.DivergenceView{}); err != nil {
		t.Fatalf("PublishDivergence: %v", err)
	}
	if err := pub.PublishSnapshot(context.Background(), c.Snapshot()); err != nil {
		t.Fatalf("PublishSnapshot: %v", err)
	}

	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read push: %v", err)
	}
	first := strings.SplitN(string(msg), "\n", 2)[0]
	var env envelope
	if err := json.Unmarshal([]byte(first), &env); err != nil {
		t.Fatalf("unmarshal: %v\n%s", err, msg)
	}
	if env.Channel != "snapshot:5m:AAPL" {
		t.Errorf("channel = %q, want the subscribed snapshot only", env.Channel)
	}
}
