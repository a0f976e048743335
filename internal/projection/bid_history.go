package projection

import "sync"

// BidRecord is one accepted bid, as seen by the projection worker.
type BidRecord struct {
	Pool     string `json:"pool"`
	Bidder   string `json:"bidder"`
	BidBps   int64  `json:"bid_bps"`
	Height   int64  `json:"height"`
	Sequence int64  `json:"sequence"`
}

// BidHistory is a bounded in-memory buffer of recent bids. The read
// side serves it to clients that want fresher data than the projection
// tables, e.g. the websocket backlog on connect.
type BidHistory struct {
	mu      sync.RWMutex
	entries []BidRecord
	next    int
	full    bool
}

func NewBidHistory(capacity int) *BidHistory {
	if capacity <= 0 {
		capacity = 256
	}
	return &BidHistory{entries: make([]BidRecord, capacity)}
}

// Add records a bid, evicting the oldest when full.
func (h *BidHistory) Add(rec BidRecord) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = rec
	h.next = (h.next + 1) % len(h.entries)
	if h.next == 0 {
		h.full = true
	}
}

// RecentByPool returns up to limit bids for a pool, newest first.
func (h *BidHistory) RecentByPool(pool string, limit int) []BidRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	size := h.next
	if h.full {
		size = len(h.entries)
	}

	result := make([]BidRecord, 0, limit)
	for i := 1; i <= size && len(result) < limit; i++ {
		idx := (h.next - i + len(h.entries)) % len(h.entries)
		if h.entries[idx].Pool == pool {
			result = append(result, h.entries[idx])
		}
	}
	return result
}
