package event

import (
	"encoding/json"
	"fmt"
)

// EncodePayload serializes an event for the event-log payload column.
// big.Int fields round-trip as arbitrary-precision JSON numbers.
func EncodePayload(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", e.EventType(), err)
	}
	return data, nil
}

// DecodePayload reconstructs a typed event from a stored payload, used
// when replaying the event log forward from a snapshot.
func DecodePayload(et EventType, data []byte) (Event, error) {
	var e Event
	switch et {
	case EventTypePoolRegistered:
		e = &PoolRegistered{}
	case EventTypeMarketListed:
		e = &MarketListed{}
	case EventTypePriceUpdate:
		e = &PriceUpdate{}
	case EventTypeBadDebtReported:
		e = &BadDebtReported{}
	case EventTypeTransferReceived:
		e = &TransferReceived{}
	case EventTypeStartAuction:
		e = &StartAuction{}
	case EventTypePlaceBid:
		e = &PlaceBid{}
	case EventTypeCloseAuction:
		e = &CloseAuction{}
	case EventTypeRestartAuction:
		e = &RestartAuction{}
	case EventTypeRecognizeSurplus:
		e = &RecognizeSurplus{}
	case EventTypeSweepSurplus:
		e = &SweepSurplus{}
	case EventTypeSwapPoolAssets:
		e = &SwapPoolAssets{}
	case EventTypeAuctionParamUpdate:
		e = &AuctionParamUpdate{}
	case EventTypePauseAuctions:
		e = &PauseAuctions{}
	case EventTypeResumeAuctions:
		e = &ResumeAuctions{}
	case EventTypeAccessUpdate:
		e = &AccessUpdate{}
	default:
		return nil, fmt.Errorf("decode payload: unknown event type %d", et)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", et, err)
	}
	return e, nil
}
