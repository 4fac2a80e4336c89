// Package zen implements the incremental structural decomposition of a bar
// stream: inclusion-free merged bars, alternating fractals, confirmed
// strokes, pivot windows and MACD divergence records.
//
// An Engine is single-threaded. Callers that share one across goroutines
// must serialize access (see package stream).
package zen

import (
	"fmt"
	"strings"
)

// Direction of a stroke or a merge run.
type Direction int8

const (
	Up Direction = iota + 1
	Down
)

func (d Direction) String() string {
	switch d {
	case Up:
		return "up"
	case Down:
		return "down"
	}
	return "unknown"
}

// Opposite returns the reverse direction.
func (d Direction) Opposite() Direction {
	if d == Up {
		return Down
	}
	return Up
}

// Mark distinguishes top (G) from bottom (D) fractals.
type Mark int8

const (
	Top Mark = iota + 1
	Bottom
)

func (m Mark) String() string {
	switch m {
	case Top:
		return "G"
	case Bottom:
		return "D"
	}
	return "?"
}

// BiPolicy selects the minimum-length rule for confirming a stroke.
type BiPolicy int

const (
	// PolicyLegacy requires at least 7 merged bars.
	PolicyLegacy BiPolicy = iota
	// PolicyFourK requires at least 6 merged bars.
	PolicyFourK
	// PolicyModern requires 7 merged bars, or exactly 6 when at least 5 raw
	// bars lie between the two fractal extremes (inclusive).
	PolicyModern
)

func (p BiPolicy) String() string {
	switch p {
	case PolicyLegacy:
		return "legacy"
	case PolicyFourK:
		return "four_k"
	case PolicyModern:
		return "modern"
	}
	return "unknown"
}

// ParseBiPolicy parses "legacy", "four_k" or "modern".
func ParseBiPolicy(s string) (BiPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "legacy", "old":
		return PolicyLegacy, nil
	case "four_k", "fourk", "4k":
		return PolicyFourK, nil
	case "modern", "new":
		return PolicyModern, nil
	}
	return 0, fmt.Errorf("%w: unknown bi policy %q", ErrInvalidSettings, s)
}
