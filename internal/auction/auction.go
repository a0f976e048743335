package auction

import "math/big"

// Type is the auction pricing mode, fixed at start from the relative
// size of the pool's bad debt and the risk fund backing it.
type Type int32

const (
	// TypeLargePoolDebt: debt outweighs the fund. Bidders compete on how
	// large a fraction of the debt they will repay; the whole seized
	// fund is the prize and bids move up.
	TypeLargePoolDebt Type = iota
	// TypeLargeRiskFund: the fund outweighs the debt. Bidders repay the
	// full debt and compete on how small a fraction of the seized fund
	// they will take; bids move down.
	TypeLargeRiskFund
)

func (t Type) String() string {
	switch t {
	case TypeLargePoolDebt:
		return "large_pool_debt"
	case TypeLargeRiskFund:
		return "large_risk_fund"
	}
	return "unknown"
}

// Status is the auction lifecycle state.
type Status int32

const (
	StatusNotStarted Status = iota
	StatusStarted
	StatusEnded
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusStarted:
		return "started"
	case StatusEnded:
		return "ended"
	}
	return "unknown"
}

// Auction is one auction instance for a pool. Markets and MarketDebt
// are snapshots fixed at start; BidAmount holds the escrow actually
// received from the current highest bidder, per market, delta-measured.
type Auction struct {
	Pool            string
	Type            Type
	Status          Status
	StartBlock      int64
	Markets         []string
	MarketDebt      map[string]*big.Int
	SeizedRiskFund  *big.Int
	HighestBidder   string
	HighestBidBps   int64
	HighestBidBlock int64
	StartBidBps     int64
	BidAmount       map[string]*big.Int
}

// Clone returns a deep copy safe to hand out of the engine.
func (a *Auction) Clone() *Auction {
	out := &Auction{
		Pool:            a.Pool,
		Type:            a.Type,
		Status:          a.Status,
		StartBlock:      a.StartBlock,
		Markets:         append([]string(nil), a.Markets...),
		MarketDebt:      cloneAmounts(a.MarketDebt),
		SeizedRiskFund:  new(big.Int).Set(a.SeizedRiskFund),
		HighestBidder:   a.HighestBidder,
		HighestBidBps:   a.HighestBidBps,
		HighestBidBlock: a.HighestBidBlock,
		StartBidBps:     a.StartBidBps,
		BidAmount:       cloneAmounts(a.BidAmount),
	}
	return out
}

func cloneAmounts(in map[string]*big.Int) map[string]*big.Int {
	out := make(map[string]*big.Int, len(in))
	for k, v := range in {
		out[k] = new(big.Int).Set(v)
	}
	return out
}
