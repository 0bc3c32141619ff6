package fleet_algorithms

import (
	"github.com/renderfleet/renderfleet/backend/services/marketplace"
	"github.com/renderfleet/renderfleet/backend/services/fleet-service/tunnels"
)

// Session is the pairing of one rented instance with at most one live
// tunnel. The session set is recomputed from scratch every cycle; nothing
// in it is trusted across cycles.
type Session struct {
	Instance marketplace.Instance
	Tunnel   *tunnels.Tunnel
}

// UsageHistory is a bounded FIFO of normalized utilization samples for one
// instance. Once full, pushing drops the oldest sample.
type UsageHistory struct {
	samples []float64
}

// Push appends a sample, evicting the oldest one once the window is full.
func (h *UsageHistory) Push(sample float64) {
	h.samples = append(h.samples, sample)
	if len(h.samples) > usageWindowSize {
		h.samples = h.samples[1:]
	}
}

// Len returns the number of retained samples.
func (h *UsageHistory) Len() int {
	return len(h.samples)
}

// Average returns the mean of the retained samples, or 0 when empty.
func (h *UsageHistory) Average() float64 {
	if len(h.samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range h.samples {
		sum += s
	}
	return sum / float64(len(h.samples))
}
