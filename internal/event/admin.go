package event

import (
	"math/big"

	"github.com/google/uuid"
)

// AuctionParamUpdate changes one governed engine parameter.
// Param names are defined by the core dispatch; Value carries the new
// setting (block windows and bps values use the integer part).
type AuctionParamUpdate struct {
	RequestID uuid.UUID
	Param     string
	Value     *big.Int
	Caller    string
	Height    int64
	Sequence  int64
}

func (e *AuctionParamUpdate) IdempotencyKey() string { return e.RequestID.String() }
func (e *AuctionParamUpdate) EventType() EventType   { return EventTypeAuctionParamUpdate }
func (e *AuctionParamUpdate) PoolID() *string        { return nil }
func (e *AuctionParamUpdate) SourceSequence() int64  { return e.Sequence }
func (e *AuctionParamUpdate) BlockHeight() int64     { return e.Height }

// PauseAuctions blocks new auction starts (including restart-triggered
// ones) until resumed. Running auctions keep bidding and closing.
type PauseAuctions struct {
	RequestID uuid.UUID
	Caller    string
	Height    int64
	Sequence  int64
}

func (e *PauseAuctions) IdempotencyKey() string { return e.RequestID.String() }
func (e *PauseAuctions) EventType() EventType   { return EventTypePauseAuctions }
func (e *PauseAuctions) PoolID() *string        { return nil }
func (e *PauseAuctions) SourceSequence() int64  { return e.Sequence }
func (e *PauseAuctions) BlockHeight() int64     { return e.Height }

// ResumeAuctions lifts a pause.
type ResumeAuctions struct {
	RequestID uuid.UUID
	Caller    string
	Height    int64
	Sequence  int64
}

func (e *ResumeAuctions) IdempotencyKey() string { return e.RequestID.String() }
func (e *ResumeAuctions) EventType() EventType   { return EventTypeResumeAuctions }
func (e *ResumeAuctions) PoolID() *string        { return nil }
func (e *ResumeAuctions) SourceSequence() int64  { return e.Sequence }
func (e *ResumeAuctions) BlockHeight() int64     { return e.Height }

// AccessUpdate grants or revokes an account's permission for one action.
type AccessUpdate struct {
	RequestID uuid.UUID
	Account   string
	Action    string
	Allowed   bool
	Caller    string
	Height    int64
	Sequence  int64
}

func (e *AccessUpdate) IdempotencyKey() string { return e.RequestID.String() }
func (e *AccessUpdate) EventType() EventType   { return EventTypeAccessUpdate }
func (e *AccessUpdate) PoolID() *string        { return nil }
func (e *AccessUpdate) SourceSequence() int64  { return e.Sequence }
func (e *AccessUpdate) BlockHeight() int64     { return e.Height }

func (e *AuctionParamUpdate) CallerAccount() string { return e.Caller }
func (e *PauseAuctions) CallerAccount() string      { return e.Caller }
func (e *ResumeAuctions) CallerAccount() string     { return e.Caller }
func (e *AccessUpdate) CallerAccount() string       { return e.Caller }
