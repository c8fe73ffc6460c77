package sfu

import (
	"sync"
	"time"

	"github.com/gammazero/deque"
)

// DecisionRecord is one entry of the bounded decision history.
type DecisionRecord struct {
	Time          time.Time
	Encoding      int
	SpatialLayer  int
	TemporalLayer int
	Keyframe      bool
	Target        LayerIndex
	Current       LayerIndex
	Accept        bool
	Mark          bool
	Resumption    bool
}

// History keeps the most recent filter decisions for diagnostics. It
// is advisory only and never consulted by the decision path.
type History struct {
	mu      sync.Mutex
	size    int
	records deque.Deque
}

func newHistory(size int) *History {
	return &History{size: size}
}

func (h *History) push(r DecisionRecord) {
	h.mu.Lock()
	h.records.PushBack(r)
	for h.records.Len() > h.size {
		h.records.PopFront()
	}
	h.mu.Unlock()
}

// Len returns the number of retained decisions.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.records.Len()
}

// Records returns the retained decisions, oldest first.
func (h *History) Records() []DecisionRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]DecisionRecord, h.records.Len())
	for i := range out {
		out[i] = h.records.At(i).(DecisionRecord)
	}
	return out
}
