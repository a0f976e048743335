package event

import (
	"math/big"
	"strconv"

	"github.com/google/uuid"
)

// PoolRegistered announces a lending pool to the registry.
type PoolRegistered struct {
	RequestID uuid.UUID
	Pool      string
	Name      string
	Caller    string
	Height    int64
	Sequence  int64
}

func (e *PoolRegistered) IdempotencyKey() string { return e.RequestID.String() }
func (e *PoolRegistered) EventType() EventType   { return EventTypePoolRegistered }
func (e *PoolRegistered) PoolID() *string        { return &e.Pool }
func (e *PoolRegistered) SourceSequence() int64  { return e.Sequence }
func (e *PoolRegistered) BlockHeight() int64     { return e.Height }

// MarketListed lists a market under a pool, naming its underlying asset.
// TransferFeeBps describes the underlying's fee-on-transfer behavior
// (0 for standard tokens); the custody ledger applies it on every move.
type MarketListed struct {
	RequestID      uuid.UUID
	Market         string
	Pool           string
	Underlying     string
	TransferFeeBps int64
	Caller         string
	Height         int64
	Sequence       int64
}

func (e *MarketListed) IdempotencyKey() string { return e.RequestID.String() }
func (e *MarketListed) EventType() EventType   { return EventTypeMarketListed }
func (e *MarketListed) PoolID() *string        { return &e.Pool }
func (e *MarketListed) SourceSequence() int64  { return e.Sequence }
func (e *MarketListed) BlockHeight() int64     { return e.Height }

// PriceUpdate refreshes the oracle price book for one asset.
// Price is 1e18-scaled USD. Ordered per asset; gaps are tolerated.
type PriceUpdate struct {
	Asset         string
	Price         *big.Int
	PriceSequence int64
	Height        int64
}

func (e *PriceUpdate) IdempotencyKey() string {
	return "price:" + e.Asset + ":" + strconv.FormatInt(e.PriceSequence, 10)
}
func (e *PriceUpdate) EventType() EventType   { return EventTypePriceUpdate }
func (e *PriceUpdate) PoolID() *string        { return nil }
func (e *PriceUpdate) SourceSequence() int64  { return e.PriceSequence }
func (e *PriceUpdate) BlockHeight() int64     { return e.Height }

// BadDebtReported books a borrower shortfall against a market.
type BadDebtReported struct {
	RequestID uuid.UUID
	Market    string
	Amount    *big.Int
	Height    int64
	Sequence  int64
}

func (e *BadDebtReported) IdempotencyKey() string { return e.RequestID.String() }
func (e *BadDebtReported) EventType() EventType   { return EventTypeBadDebtReported }
func (e *BadDebtReported) PoolID() *string        { return nil }
func (e *BadDebtReported) SourceSequence() int64  { return e.Sequence }
func (e *BadDebtReported) BlockHeight() int64     { return e.Height }

// TransferReceived credits a custody account with tokens observed
// arriving on chain (bidder funding, reserve income, fund top-ups).
type TransferReceived struct {
	RequestID uuid.UUID
	Account   string
	Asset     string
	Amount    *big.Int
	Height    int64
	Sequence  int64
}

func (e *TransferReceived) IdempotencyKey() string { return e.RequestID.String() }
func (e *TransferReceived) EventType() EventType   { return EventTypeTransferReceived }
func (e *TransferReceived) PoolID() *string        { return nil }
func (e *TransferReceived) SourceSequence() int64  { return e.Sequence }
func (e *TransferReceived) BlockHeight() int64     { return e.Height }

func (e *PoolRegistered) CallerAccount() string { return e.Caller }
func (e *MarketListed) CallerAccount() string   { return e.Caller }
