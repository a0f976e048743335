package projection

import "testing"

func rec(pool string, seq int64) BidRecord {
	return BidRecord{Pool: pool, Bidder: "0xbidder", BidBps: 5000, Height: seq, Sequence: seq}
}

// ============================================================================
// Test: BidHistory
// ============================================================================

func TestBidHistory_NewestFirst(t *testing.T) {
	h := NewBidHistory(8)
	for seq := int64(1); seq <= 5; seq++ {
		h.Add(rec("pool-a", seq))
	}

	got := h.RecentByPool("pool-a", 3)
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	for i, want := range []int64{5, 4, 3} {
		if got[i].Sequence != want {
			t.Errorf("record %d: got sequence %d, want %d", i, got[i].Sequence, want)
		}
	}
}

func TestBidHistory_FiltersByPool(t *testing.T) {
	h := NewBidHistory(8)
	h.Add(rec("pool-a", 1))
	h.Add(rec("pool-b", 2))
	h.Add(rec("pool-a", 3))

	got := h.RecentByPool("pool-b", 10)
	if len(got) != 1 || got[0].Sequence != 2 {
		t.Fatalf("got %+v, want single pool-b record at sequence 2", got)
	}

	if got := h.RecentByPool("pool-c", 10); len(got) != 0 {
		t.Errorf("unknown pool: got %d records, want 0", len(got))
	}
}

func TestBidHistory_EvictsOldestWhenFull(t *testing.T) {
	h := NewBidHistory(4)
	for seq := int64(1); seq <= 6; seq++ {
		h.Add(rec("pool-a", seq))
	}

	got := h.RecentByPool("pool-a", 10)
	if len(got) != 4 {
		t.Fatalf("got %d records, want 4", len(got))
	}
	if got[0].Sequence != 6 || got[3].Sequence != 3 {
		t.Errorf("got range [%d..%d], want [6..3]", got[0].Sequence, got[3].Sequence)
	}
}
