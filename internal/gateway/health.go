package gateway

import (
	"sync"
)

// healthTracker keeps a trailing window of attempt outcomes per provider and
// derives a success-rate score from it. Each provider has its own lock so
// concurrent calls against different providers never contend.
type healthTracker struct {
	window int

	mu        sync.RWMutex // guards the providers map itself
	providers map[string]*providerHealth
}

type providerHealth struct {
	mu       sync.Mutex
	outcomes []bool // ring buffer of the last `window` outcomes
	next     int
	filled   bool
}

func newHealthTracker(window int) *healthTracker {
	if window <= 0 {
		window = 20
	}
	return &healthTracker{
		window:    window,
		providers: make(map[string]*providerHealth),
	}
}

func (h *healthTracker) get(name string) *providerHealth {
	h.mu.RLock()
	ph := h.providers[name]
	h.mu.RUnlock()
	if ph != nil {
		return ph
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if ph = h.providers[name]; ph == nil {
		ph = &providerHealth{outcomes: make([]bool, h.window)}
		h.providers[name] = ph
	}
	return ph
}

// Record appends one attempt outcome to the provider's trailing window.
func (h *healthTracker) Record(name string, success bool) {
	ph := h.get(name)
	ph.mu.Lock()
	ph.outcomes[ph.next] = success
	ph.next++
	if ph.next == len(ph.outcomes) {
		ph.next = 0
		ph.filled = true
	}
	ph.mu.Unlock()
}

// Score returns successes/attempts over the trailing window. A provider with
// no recorded attempts scores 1.0 so fresh providers are tried eagerly.
func (h *healthTracker) Score(name string) float64 {
	ph := h.get(name)
	ph.mu.Lock()
	defer ph.mu.Unlock()
	n := ph.next
	if ph.filled {
		n = len(ph.outcomes)
	}
	if n == 0 {
		return 1.0
	}
	succ := 0
	for i := 0; i < n; i++ {
		if ph.outcomes[i] {
			succ++
		}
	}
	return float64(succ) / float64(n)
}
