package core

// Notice kinds, the middle element of outbound subjects
// shortfall.events.{kind}.{pool}.
const (
	NoticeAuctionStarted   = "auction.started"
	NoticeAuctionBid       = "auction.bid"
	NoticeAuctionClosed    = "auction.closed"
	NoticeAuctionRestarted = "auction.restarted"
	NoticeReservesUpdated  = "reserves.updated"
	NoticeReservesSwept    = "reserves.swept"
	NoticeFundConverted    = "riskfund.converted"
	NoticeParamUpdated     = "param.updated"
)

// Notice is the outbound notification attached to a core output. The
// publisher serializes the payload to JSON; the projection worker type
// switches on it to maintain the read-side tables. Pool is empty for
// global notices.
type Notice struct {
	Kind    string
	Pool    string
	Payload interface{}
}

// AuctionStartedNotice announces a new auction instance. Amounts are
// base-unit decimal strings.
type AuctionStartedNotice struct {
	Pool           string            `json:"pool"`
	AuctionType    string            `json:"auction_type"`
	StartBlock     int64             `json:"start_block"`
	Markets        []string          `json:"markets"`
	MarketDebt     map[string]string `json:"market_debt"`
	PoolBadDebtUsd string            `json:"pool_bad_debt_usd"`
	SeizedRiskFund string            `json:"seized_risk_fund"`
	StartBidBps    int64             `json:"start_bid_bps"`
	Restarted      bool              `json:"restarted"`
}

// AuctionBidNotice announces a new highest bid.
type AuctionBidNotice struct {
	Pool       string            `json:"pool"`
	Bidder     string            `json:"bidder"`
	BidBps     int64             `json:"bid_bps"`
	Height     int64             `json:"height"`
	PrevBidder string            `json:"prev_bidder,omitempty"`
	BidAmounts map[string]string `json:"bid_amounts"`
}

// AuctionClosedNotice announces a settled auction. DebtRetired is the
// bad debt actually burned per market, clamped to what was outstanding.
type AuctionClosedNotice struct {
	Pool            string            `json:"pool"`
	AuctionType     string            `json:"auction_type"`
	Winner          string            `json:"winner"`
	WinningBidBps   int64             `json:"winning_bid_bps"`
	Height          int64             `json:"height"`
	Recovered       map[string]string `json:"recovered"`
	DebtRetired     map[string]string `json:"debt_retired"`
	PayoutRequested string            `json:"payout_requested"`
	PayoutReceived  string            `json:"payout_received"`
	PayoutForwarded string            `json:"payout_forwarded"`
}

// ReservesUpdatedNotice announces recognized surplus.
type ReservesUpdatedNotice struct {
	Pool        string `json:"pool"`
	Asset       string `json:"asset"`
	Recognized  string `json:"recognized"`
	PoolReserve string `json:"pool_reserve"`
}

// ReservesSweptNotice announces an owner sweep of unrecognized surplus.
type ReservesSweptNotice struct {
	Asset  string `json:"asset"`
	To     string `json:"to"`
	Amount string `json:"amount"`
}

// ConvertedLegNotice is one market's reserve conversion within a batch.
type ConvertedLegNotice struct {
	Market   string `json:"market"`
	Pool     string `json:"pool"`
	Asset    string `json:"asset"`
	AmountIn string `json:"amount_in"`
	BaseOut  string `json:"base_out"`
}

// FundConvertedNotice announces a reserve-to-base conversion batch.
type FundConvertedNotice struct {
	Legs      []ConvertedLegNotice `json:"legs"`
	TotalBase string               `json:"total_base"`
	BaseAsset string               `json:"base_asset"`
}

// ParamUpdatedNotice carries the before/after values of a governed
// parameter change. Values are rendered as decimal strings.
type ParamUpdatedNotice struct {
	Param string `json:"param"`
	Old   string `json:"old"`
	New   string `json:"new"`
}
