package query

// AuctionResponse represents the state of a bad-debt auction for API queries.
type AuctionResponse struct {
	Pool            string `json:"pool"`
	AuctionType     string `json:"auction_type"`
	Status          string `json:"status"`
	StartBlock      int64  `json:"start_block"`
	StartBidBps     int64  `json:"start_bid_bps"`
	PoolBadDebtUsd  string `json:"pool_bad_debt_usd"`
	SeizedRiskFund  string `json:"seized_risk_fund"`
	HighestBidder   string `json:"highest_bidder,omitempty"`
	HighestBidBps   int64  `json:"highest_bid_bps,omitempty"`
	HighestBidBlock int64  `json:"highest_bid_block,omitempty"`
	Winner          string `json:"winner,omitempty"`
	WinningBidBps   int64  `json:"winning_bid_bps,omitempty"`
	ClosedHeight    int64  `json:"closed_height,omitempty"`
	Restarted       bool   `json:"restarted"`
	AsOfSequence    int64  `json:"as_of_sequence"`
}

// BidResponse represents a single recorded bid for API queries.
type BidResponse struct {
	Pool         string `json:"pool"`
	Bidder       string `json:"bidder"`
	BidBps       int64  `json:"bid_bps"`
	Height       int64  `json:"height"`
	Sequence     int64  `json:"sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// ReserveResponse represents a single pool reserve line for API queries.
type ReserveResponse struct {
	Pool         string `json:"pool"`
	Asset        string `json:"asset"`
	Amount       string `json:"amount"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// RiskFundResponse represents the base-token risk fund of a pool.
type RiskFundResponse struct {
	Pool         string `json:"pool"`
	BaseAmount   string `json:"base_amount"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// BalanceResponse represents one ledger balance line for API queries.
// Amounts are decimal strings; token amounts exceed int64 range.
type BalanceResponse struct {
	AccountPath  string `json:"account_path"`
	Asset        string `json:"asset"`
	Balance      string `json:"balance"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	Asset         string `json:"asset"`
	Amount        string `json:"amount"`
	JournalType   string `json:"journal_type"`
	Height        int64  `json:"height"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
	EventCount       int64             `json:"event_count"`
}

// UnbalancedAsset represents an asset whose journal entries do not net to zero.
type UnbalancedAsset struct {
	Asset     string `json:"asset"`
	Imbalance string `json:"imbalance"`
}
