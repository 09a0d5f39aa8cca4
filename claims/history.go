package claims

import "sync"

// history is the bounded per-source claim log used by the contradiction
// signal. Oldest claims are evicted first once a source exceeds capacity.
type history struct {
	mu       sync.RWMutex
	capacity int
	bySource map[string][]Claim
	byID     map[string]Claim
}

func newHistory(capacity int) *history {
	if capacity <= 0 {
		capacity = 64
	}
	return &history{
		capacity: capacity,
		bySource: make(map[string][]Claim),
		byID:     make(map[string]Claim),
	}
}

// add records a claim, evicting the oldest claim from the same source when
// the per-source capacity is exceeded.
func (h *history) add(c Claim) {
	h.mu.Lock()
	defer h.mu.Unlock()

	list := h.bySource[c.SourceAgentID]
	if len(list) >= h.capacity {
		evicted := list[0]
		list = list[1:]
		delete(h.byID, evicted.ID)
	}
	h.bySource[c.SourceAgentID] = append(list, c)
	h.byID[c.ID] = c
}

// forSource returns a copy of the retained claims for one source, oldest
// first.
func (h *history) forSource(sourceAgentID string) []Claim {
	h.mu.RLock()
	defer h.mu.RUnlock()
	list := h.bySource[sourceAgentID]
	out := make([]Claim, len(list))
	copy(out, list)
	return out
}

// get looks a retained claim up by id.
func (h *history) get(id string) (Claim, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.byID[id]
	return c, ok
}
