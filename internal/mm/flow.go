// Package mm implements the passive market-making engine: an
// Avellaneda-Stoikov style quoting loop with inventory skew, volatility and
// adverse-selection spread control, toxic-flow detection, and markout
// accounting.
package mm

import (
	"sync"
	"time"

	"polymarket-arb/pkg/types"
)

// FlowTracker watches the most recent fills on one market for toxic flow:
// a run of consecutive same-side executions inside a short window, the
// signature of an informed counterparty picking off quotes just before the
// price moves. While toxic (and through a cooldown after), the engine
// raises risk aversion and quotes only the side facing away from the
// pressure.
type FlowTracker struct {
	mu sync.Mutex

	window    time.Duration // how far back consecutive fills count
	runLength int           // same-side fills required to flag toxicity
	cooldown  time.Duration

	fills         []types.Fill // recent fills, oldest first
	toxicSince    time.Time
	pressuredSide types.Side // the side of OUR fills being swept
}

// NewFlowTracker creates a tracker; runLength consecutive fills on one side
// within window trigger the toxic state.
func NewFlowTracker(window time.Duration, runLength int, cooldown time.Duration) *FlowTracker {
	if runLength < 2 {
		runLength = 2
	}
	return &FlowTracker{
		window:    window,
		runLength: runLength,
		cooldown:  cooldown,
		fills:     make([]types.Fill, 0, 16),
	}
}

// Add records a fill and re-evaluates toxicity.
func (ft *FlowTracker) Add(fill types.Fill) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.fills = append(ft.fills, fill)
	ft.evictLocked()

	if len(ft.fills) < ft.runLength {
		return
	}

	recent := ft.fills[len(ft.fills)-ft.runLength:]
	side := recent[0].Side
	for _, f := range recent[1:] {
		if f.Side != side {
			return
		}
	}

	ft.toxicSince = time.Now()
	ft.pressuredSide = side
}

func (ft *FlowTracker) evictLocked() {
	cutoff := time.Now().Add(-ft.window)
	idx := 0
	for idx < len(ft.fills) && ft.fills[idx].At.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		ft.fills = ft.fills[idx:]
	}
}

// Toxic reports whether the market is inside a toxic episode or its
// cooldown, along with the side of our fills under pressure.
func (ft *FlowTracker) Toxic() (bool, types.Side) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	if ft.toxicSince.IsZero() {
		return false, ""
	}
	if time.Since(ft.toxicSince) > ft.cooldown {
		ft.toxicSince = time.Time{}
		ft.pressuredSide = ""
		return false, ""
	}
	return true, ft.pressuredSide
}

// FillCount returns the number of fills inside the rolling window.
func (ft *FlowTracker) FillCount() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.evictLocked()
	return len(ft.fills)
}
