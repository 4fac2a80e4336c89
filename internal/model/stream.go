package model

import (
	"fmt"
	"strings"
	"time"
)

// Freq is a bar interval label such as "1m", "5m", "1h" or "1d".
type Freq string

const (
	Freq1m  Freq = "1m"
	Freq5m  Freq = "5m"
	Freq15m Freq = "15m"
	Freq30m Freq = "30m"
	Freq60m Freq = "60m"
	Freq1d  Freq = "1d"
	Freq1w  Freq = "1w"
	Freq1mo Freq = "1mo"
)

var freqDurations = map[Freq]time.Duration{
	Freq1m:  time.Minute,
	Freq5m:  5 * time.Minute,
	Freq15m: 15 * time.Minute,
	Freq30m: 30 * time.Minute,
	Freq60m: time.Hour,
	Freq1d:  24 * time.Hour,
	Freq1w:  7 * 24 * time.Hour,
	Freq1mo: 30 * 24 * time.Hour,
}

// ParseFreq validates a frequency label.
func ParseFreq(s string) (Freq, error) {
	f := Freq(strings.ToLower(strings.TrimSpace(s)))
	if f == "1h" {
		f = Freq60m
	}
	if _, ok := freqDurations[f]; !ok {
		return "", fmt.Errorf("unknown freq %q", s)
	}
	return f, nil
}

// Duration returns the nominal length of one bar. Zero for unknown labels.
func (f Freq) Duration() time.Duration {
	return freqDurations[f]
}

// StreamKey identifies one independent pipeline: (instrument, interval).
type StreamKey struct {
	Symbol string `json:"symbol" yaml:"symbol"`
	Freq   Freq   `json:"freq" yaml:"freq"`
}

// String returns "freq:symbol", the suffix used for Redis keys and channels.
func (k StreamKey) String() string {
	return string(k.Freq) + ":" + k.Symbol
}

// ParseStreamKey parses the "freq:symbol" form produced by String.
func ParseStreamKey(s string) (StreamKey, error) {
	freq, symbol, ok := strings.Cut(s, ":")
	if !ok || symbol == "" {
		return StreamKey{}, fmt.Errorf("malformed stream key %q", s)
	}
	f, err := ParseFreq(freq)
	if err != nil {
		return StreamKey{}, err
	}
	return StreamKey{Symbol: symbol, Freq: f}, nil
}
