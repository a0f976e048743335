package event

import "github.com/google/uuid"

// StartAuction asks the engine to open an auction for a pool's bad debt.
type StartAuction struct {
	RequestID uuid.UUID
	Pool      string
	Caller    string
	Height    int64
	Sequence  int64
}

func (e *StartAuction) IdempotencyKey() string { return e.RequestID.String() }
func (e *StartAuction) EventType() EventType   { return EventTypeStartAuction }
func (e *StartAuction) PoolID() *string        { return &e.Pool }
func (e *StartAuction) SourceSequence() int64  { return e.Sequence }
func (e *StartAuction) BlockHeight() int64     { return e.Height }

// PlaceBid escrows a bid on a running auction. The caller is the bidder.
// ExpectedStartBlock pins the bid to a specific auction instance so a
// bid prepared against a since-restarted auction cannot land.
type PlaceBid struct {
	RequestID          uuid.UUID
	Pool               string
	Caller             string
	BidBps             int64
	ExpectedStartBlock int64
	Height             int64
	Sequence           int64
}

func (e *PlaceBid) IdempotencyKey() string { return e.RequestID.String() }
func (e *PlaceBid) EventType() EventType   { return EventTypePlaceBid }
func (e *PlaceBid) PoolID() *string        { return &e.Pool }
func (e *PlaceBid) SourceSequence() int64  { return e.Sequence }
func (e *PlaceBid) BlockHeight() int64     { return e.Height }

// CloseAuction settles the highest bid once the rival-bid window elapsed.
type CloseAuction struct {
	RequestID uuid.UUID
	Pool      string
	Caller    string
	Height    int64
	Sequence  int64
}

func (e *CloseAuction) IdempotencyKey() string { return e.RequestID.String() }
func (e *CloseAuction) EventType() EventType   { return EventTypeCloseAuction }
func (e *CloseAuction) PoolID() *string        { return &e.Pool }
func (e *CloseAuction) SourceSequence() int64  { return e.Sequence }
func (e *CloseAuction) BlockHeight() int64     { return e.Height }

// RestartAuction re-arms a stale auction that never attracted a bid.
type RestartAuction struct {
	RequestID uuid.UUID
	Pool      string
	Caller    string
	Height    int64
	Sequence  int64
}

func (e *RestartAuction) IdempotencyKey() string { return e.RequestID.String() }
func (e *RestartAuction) EventType() EventType   { return EventTypeRestartAuction }
func (e *RestartAuction) PoolID() *string        { return &e.Pool }
func (e *RestartAuction) SourceSequence() int64  { return e.Sequence }
func (e *RestartAuction) BlockHeight() int64     { return e.Height }

// CallerAccount implementations let the core lift the caller into the
// envelope without per-type switches.
func (e *StartAuction) CallerAccount() string   { return e.Caller }
func (e *PlaceBid) CallerAccount() string       { return e.Caller }
func (e *CloseAuction) CallerAccount() string   { return e.Caller }
func (e *RestartAuction) CallerAccount() string { return e.Caller }
