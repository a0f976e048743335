package event

import (
	"math/big"

	"github.com/google/uuid"
)

// RecognizeSurplus books any un-recognized reserve vault balance of an
// asset to a pool's reserve ledger entry.
type RecognizeSurplus struct {
	RequestID uuid.UUID
	Pool      string
	Asset     string
	Caller    string
	Height    int64
	Sequence  int64
}

func (e *RecognizeSurplus) IdempotencyKey() string { return e.RequestID.String() }
func (e *RecognizeSurplus) EventType() EventType   { return EventTypeRecognizeSurplus }
func (e *RecognizeSurplus) PoolID() *string        { return &e.Pool }
func (e *RecognizeSurplus) SourceSequence() int64  { return e.Sequence }
func (e *RecognizeSurplus) BlockHeight() int64     { return e.Height }

// SweepSurplus recovers vault balance held beyond recognized reserves
// (accidental transfers). Owner-only.
type SweepSurplus struct {
	RequestID uuid.UUID
	Asset     string
	To        string
	Caller    string
	Height    int64
	Sequence  int64
}

func (e *SweepSurplus) IdempotencyKey() string { return e.RequestID.String() }
func (e *SweepSurplus) EventType() EventType   { return EventTypeSweepSurplus }
func (e *SweepSurplus) PoolID() *string        { return nil }
func (e *SweepSurplus) SourceSequence() int64  { return e.Sequence }
func (e *SweepSurplus) BlockHeight() int64     { return e.Height }

// SwapPoolAssets converts recognized pool reserves into the base
// settlement asset and credits the risk fund. Arrays are parallel:
// one minimum-output and one routing path per market.
type SwapPoolAssets struct {
	RequestID      uuid.UUID
	Markets        []string
	AmountsOutMin  []*big.Int
	Paths          [][]string
	DeadlineHeight int64
	Caller         string
	Height         int64
	Sequence       int64
}

func (e *SwapPoolAssets) IdempotencyKey() string { return e.RequestID.String() }
func (e *SwapPoolAssets) EventType() EventType   { return EventTypeSwapPoolAssets }
func (e *SwapPoolAssets) PoolID() *string        { return nil }
func (e *SwapPoolAssets) SourceSequence() int64  { return e.Sequence }
func (e *SwapPoolAssets) BlockHeight() int64     { return e.Height }

func (e *RecognizeSurplus) CallerAccount() string { return e.Caller }
func (e *SweepSurplus) CallerAccount() string     { return e.Caller }
func (e *SwapPoolAssets) CallerAccount() string   { return e.Caller }
