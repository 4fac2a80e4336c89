package gateway

import (
	"strconv"
	"time"
)

// Broadcaster constructs envelope JSON and sends filtered messages to clients.
type Broadcaster struct {
	hub *Hub
	now func() time.Time
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub, now: time.Now}
}

// Broadcast records data as the channel's latest payload and fans the
// envelope out to subscribed clients. A full client queue drops the message.
func (b *Broadcaster) Broadcast(channel string, data []byte) {
	now := b.now().UTC()

	b.hub.mu.Lock()
	b.hub.channelSeqs[channel]++
	channelSeq := b.hub.channelSeqs[channel]
	b.hub.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	b.hub.seq++
	seq := b.hub.seq

	bl, exists := b.hub.backlogs[channel]
	if !exists {
		bl = newBacklog(defaultBacklog)
		b.hub.backlogs[channel] = bl
	}
	b.hub.mu.Unlock()

	buf := buildEnvelope(channel, data, now, seq, channelSeq)
	bl.add(channelSeq, buf)

	drops := 0
	b.hub.mu.RLock()
	for client := range b.hub.clients {
		if !client.matchesChannel(channel) {
			continue
		}
		if !client.trySend(buf) {
			drops++
		}
	}
	b.hub.mu.RUnlock()

	for ; drops > 0; drops-- {
		b.hub.dropped()
	}
}

// buildEnvelope hand-crafts {"channel":...,"data":...,"ts":...,"seq":N,"channel_seq":M}.
// data must already be valid JSON.
func buildEnvelope(channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+160)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}
