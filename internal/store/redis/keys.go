package redis

import "zen-engine/internal/model"

// Key layout. All keys end in the stream key "freq:symbol".
//
//	{prefix}:{freq}:{symbol}      bar stream (XADD, field "data")
//	zen:latest:{freq}:{symbol}    latest snapshot (SET, TTL)
//	zen:signal:{freq}:{symbol}    divergence log (XADD, field "data")
//	pub:zen:{freq}:{symbol}       snapshot pubsub channel
//	pub:signal:{freq}:{symbol}    divergence pubsub channel
const (
	DefaultBarPrefix = "bar"

	latestPrefix       = "zen:latest:"
	signalStreamPrefix = "zen:signal:"
	snapshotChanPrefix = "pub:zen:"
	signalChanPrefix   = "pub:signal:"
)

// BarStream returns the bar stream name for key.
func BarStream(prefix string, key model.StreamKey) string {
	if prefix == "" {
		prefix = DefaultBarPrefix
	}
	return prefix + ":" + key.String()
}

// LatestKey returns the key holding the latest snapshot for key.
func LatestKey(key model.StreamKey) string { return latestPrefix + key.String() }

// SignalStream returns the divergence log stream for key.
func SignalStream(key model.StreamKey) string { return signalStreamPrefix + key.String() }

// SnapshotChannel returns the pubsub channel carrying snapshots for key.
func SnapshotChannel(key model.StreamKey) string { return snapshotChanPrefix + key.String() }

// SignalChannel returns the pubsub channel carrying divergences for key.
func SignalChannel(key model.StreamKey) string { return signalChanPrefix + key.String() }
