package govern

import (
	"sync"
	"time"
)

type Decision int

const (
	Suppress Decision = iota
	Allow
)

func (d Decision) String() string {
	if d == Allow {
		return "ALLOW"
	}
	return "SUPPRESS"
}

// Governor rate-limits outbound alerts per device over a true sliding
// window: admission timestamps are kept and pruned on every call, so
// no fixed-bucket boundary can let a burst through.
type Governor struct {
	window time.Duration
	max    int

	mu       sync.Mutex
	admitted map[string][]time.Time
}

func New(window time.Duration, maxPerWindow int) *Governor {
	return &Governor{
		window:   window,
		max:      maxPerWindow,
		admitted: make(map[string][]time.Time),
	}
}

// Admit decides whether an alert at the given time may be forwarded
// to the notification sink. Suppressed alerts are still recorded by
// the caller for the event timeline; they just are not sent.
func (g *Governor) Admit(deviceID string, at time.Time) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	kept := g.admitted[deviceID][:0]
	for _, t := range g.admitted[deviceID] {
		if at.Sub(t) < g.window {
			kept = append(kept, t)
		}
	}

	if len(kept) >= g.max {
		g.admitted[deviceID] = kept
		return Suppress
	}
	g.admitted[deviceID] = append(kept, at)
	return Allow
}

// Pending reports how many admissions currently count against the
// device's window. Diagnostic only.
func (g *Governor) Pending(deviceID string, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, t := range g.admitted[deviceID] {
		if now.Sub(t) < g.window {
			n++
		}
	}
	return n
}
