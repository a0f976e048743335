package event

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota

	// Chain-observed facts
	EventTypePoolRegistered
	EventTypeMarketListed
	EventTypePriceUpdate
	EventTypeBadDebtReported
	EventTypeTransferReceived

	// Auction commands
	EventTypeStartAuction
	EventTypePlaceBid
	EventTypeCloseAuction
	EventTypeRestartAuction

	// Reserve / risk-fund commands
	EventTypeRecognizeSurplus
	EventTypeSweepSurplus
	EventTypeSwapPoolAssets

	// Administration
	EventTypeAuctionParamUpdate
	EventTypePauseAuctions
	EventTypeResumeAuctions
	EventTypeAccessUpdate
)

// Envelope wraps every event in the log.
type Envelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Pool context (nullable for global events)
	PoolID *string

	// Caller account as observed by the relay
	Caller string

	// Block height at which the relay observed the event.
	// This is the core's only clock (versioned input, never wall time).
	Height int64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads must implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// PoolID returns the pool context (nil for global events)
	PoolID() *string

	// SourceSequence returns the upstream ordering key
	SourceSequence() int64

	// BlockHeight returns the observed chain height (the logical clock)
	BlockHeight() int64
}

func (et EventType) String() string {
	switch et {
	case EventTypePoolRegistered:
		return "PoolRegistered"
	case EventTypeMarketListed:
		return "MarketListed"
	case EventTypePriceUpdate:
		return "PriceUpdate"
	case EventTypeBadDebtReported:
		return "BadDebtReported"
	case EventTypeTransferReceived:
		return "TransferReceived"
	case EventTypeStartAuction:
		return "StartAuction"
	case EventTypePlaceBid:
		return "PlaceBid"
	case EventTypeCloseAuction:
		return "CloseAuction"
	case EventTypeRestartAuction:
		return "RestartAuction"
	case EventTypeRecognizeSurplus:
		return "RecognizeSurplus"
	case EventTypeSweepSurplus:
		return "SweepSurplus"
	case EventTypeSwapPoolAssets:
		return "SwapPoolAssets"
	case EventTypeAuctionParamUpdate:
		return "AuctionParamUpdate"
	case EventTypePauseAuctions:
		return "PauseAuctions"
	case EventTypeResumeAuctions:
		return "ResumeAuctions"
	case EventTypeAccessUpdate:
		return "AccessUpdate"
	default:
		return "Unknown"
	}
}

// Partition returns the sequence-validation partition for an event.
// Price updates are ordered per asset and tolerate gaps; everything
// else shares the strict relay partition.
func Partition(e Event) string {
	if p, ok := e.(*PriceUpdate); ok {
		return "price:" + p.Asset
	}
	return "relay"
}
