package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	"shortfall/internal/event"
)

// ErrMalformed marks an event that can never parse. The subscriber
// terminates these instead of retrying.
var ErrMalformed = errors.New("malformed event")

// ParseRawEvent converts a raw relay message (JSON bytes + event type
// string) into a typed event.Event for the deterministic core.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "PoolRegistered":
		return parsePoolRegistered(raw.Data)
	case "MarketListed":
		return parseMarketListed(raw.Data)
	case "PriceUpdate":
		return parsePriceUpdate(raw.Data)
	case "BadDebtReported":
		return parseBadDebtReported(raw.Data)
	case "TransferReceived":
		return parseTransferReceived(raw.Data)
	case "StartAuction":
		return parseStartAuction(raw.Data)
	case "PlaceBid":
		return parsePlaceBid(raw.Data)
	case "CloseAuction":
		return parseCloseAuction(raw.Data)
	case "RestartAuction":
		return parseRestartAuction(raw.Data)
	case "RecognizeSurplus":
		return parseRecognizeSurplus(raw.Data)
	case "SweepSurplus":
		return parseSweepSurplus(raw.Data)
	case "SwapPoolAssets":
		return parseSwapPoolAssets(raw.Data)
	case "AuctionParamUpdate":
		return parseAuctionParamUpdate(raw.Data)
	case "PauseAuctions":
		return parsePauseAuctions(raw.Data)
	case "ResumeAuctions":
		return parseResumeAuctions(raw.Data)
	case "AccessUpdate":
		return parseAccessUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("%w: unknown event type %s", ErrMalformed, eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match the relay. Token amounts travel
// as decimal strings: they are 1e18-scale integers that overflow int64.

func parseRequestID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: request_id %q: %v", ErrMalformed, s, err)
	}
	return id, nil
}

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fmt.Errorf("%w: %s is empty", ErrMalformed, field)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("%w: %s %q is not a decimal integer", ErrMalformed, field, s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("%w: %s %q is negative", ErrMalformed, field, s)
	}
	return v, nil
}

func unmarshal(eventType string, data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrMalformed, eventType, err)
	}
	return nil
}

type poolRegisteredJSON struct {
	RequestID string `json:"request_id"`
	Pool      string `json:"pool"`
	Name      string `json:"name"`
	Caller    string `json:"caller"`
	Height    int64  `json:"height"`
	Sequence  int64  `json:"sequence"`
}

func parsePoolRegistered(data []byte) (*event.PoolRegistered, error) {
	var j poolRegisteredJSON
	if err := unmarshal("PoolRegistered", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	return &event.PoolRegistered{
		RequestID: id,
		Pool:      j.Pool,
		Name:      j.Name,
		Caller:    j.Caller,
		Height:    j.Height,
		Sequence:  j.Sequence,
	}, nil
}

type marketListedJSON struct {
	RequestID      string `json:"request_id"`
	Market         string `json:"market"`
	Pool           string `json:"pool"`
	Underlying     string `json:"underlying"`
	TransferFeeBps int64  `json:"transfer_fee_bps"`
	Caller         string `json:"caller"`
	Height         int64  `json:"height"`
	Sequence       int64  `json:"sequence"`
}

func parseMarketListed(data []byte) (*event.MarketListed, error) {
	var j marketListedJSON
	if err := unmarshal("MarketListed", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	return &event.MarketListed{
		RequestID:      id,
		Market:         j.Market,
		Pool:           j.Pool,
		Underlying:     j.Underlying,
		TransferFeeBps: j.TransferFeeBps,
		Caller:         j.Caller,
		Height:         j.Height,
		Sequence:       j.Sequence,
	}, nil
}

type priceUpdateJSON struct {
	Asset         string `json:"asset"`
	Price         string `json:"price"`
	PriceSequence int64  `json:"price_sequence"`
	Height        int64  `json:"height"`
}

func parsePriceUpdate(data []byte) (*event.PriceUpdate, error) {
	var j priceUpdateJSON
	if err := unmarshal("PriceUpdate", data, &j); err != nil {
		return nil, err
	}
	price, err := parseAmount("price", j.Price)
	if err != nil {
		return nil, err
	}
	return &event.PriceUpdate{
		Asset:         j.Asset,
		Price:         price,
		PriceSequence: j.PriceSequence,
		Height:        j.Height,
	}, nil
}

type badDebtReportedJSON struct {
	RequestID string `json:"request_id"`
	Market    string `json:"market"`
	Amount    string `json:"amount"`
	Height    int64  `json:"height"`
	Sequence  int64  `json:"sequence"`
}

func parseBadDebtReported(data []byte) (*event.BadDebtReported, error) {
	var j badDebtReportedJSON
	if err := unmarshal("BadDebtReported", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.BadDebtReported{
		RequestID: id,
		Market:    j.Market,
		Amount:    amount,
		Height:    j.Height,
		Sequence:  j.Sequence,
	}, nil
}

type transferReceivedJSON struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
	Height    int64  `json:"height"`
	Sequence  int64  `json:"sequence"`
}

func parseTransferReceived(data []byte) (*event.TransferReceived, error) {
	var j transferReceivedJSON
	if err := unmarshal("TransferReceived", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount("amount", j.Amount)
	if err != nil {
		return nil, err
	}
	return &event.TransferReceived{
		RequestID: id,
		Account:   j.Account,
		Asset:     j.Asset,
		Amount:    amount,
		Height:    j.Height,
		Sequence:  j.Sequence,
	}, nil
}

type auctionCommandJSON struct {
	RequestID string `json:"request_id"`
	Pool      string `json:"pool"`
	Caller    string `json:"caller"`
	Height    int64  `json:"height"`
	Sequence  int64  `json:"sequence"`
}

func parseStartAuction(data []byte) (*event.StartAuction, error) {
	var j auctionCommandJSON
	if err := unmarshal("StartAuction", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	return &event.StartAuction{
		RequestID: id, Pool: j.Pool, Caller: j.Caller,
		Height: j.Height, Sequence: j.Sequence,
	}, nil
}

func parseCloseAuction(data []byte) (*event.CloseAuction, error) {
	var j auctionCommandJSON
	if err := unmarshal("CloseAuction", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	return &event.CloseAuction{
		RequestID: id, Pool: j.Pool, Caller: j.Caller,
		Height: j.Height, Sequence: j.Sequence,
	}, nil
}

func parseRestartAuction(data []byte) (*event.RestartAuction, error) {
	var j auctionCommandJSON
	if err := unmarshal("RestartAuction", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	return &event.RestartAuction{
		RequestID: id, Pool: j.Pool, Caller: j.Caller,
		Height: j.Height, Sequence: j.Sequence,
	}, nil
}

type placeBidJSON struct {
	RequestID          string `json:"request_id"`
	Pool               string `json:"pool"`
	Caller             string `json:"caller"`
	BidBps             int64  `json:"bid_bps"`
	ExpectedStartBlock int64  `json:"expected_start_block"`
	Height             int64  `json:"height"`
	Sequence           int64  `json:"sequence"`
}

func parsePlaceBid(data []byte) (*event.PlaceBid, error) {
	var j placeBidJSON
	if err := unmarshal("PlaceBid", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	return &event.PlaceBid{
		RequestID:          id,
		Pool:               j.Pool,
		Caller:             j.Caller,
		BidBps:             j.BidBps,
		ExpectedStartBlock: j.ExpectedStartBlock,
		Height:             j.Height,
		Sequence:           j.Sequence,
	}, nil
}

type recognizeSurplusJSON struct {
	RequestID string `json:"request_id"`
	Pool      string `json:"pool"`
	Asset     string `json:"asset"`
	Caller    string `json:"caller"`
	Height    int64  `json:"height"`
	Sequence  int64  `json:"sequence"`
}

func parseRecognizeSurplus(data []byte) (*event.RecognizeSurplus, error) {
	var j recognizeSurplusJSON
	if err := unmarshal("RecognizeSurplus", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	return &event.RecognizeSurplus{
		RequestID: id,
		Pool:      j.Pool,
		Asset:     j.Asset,
		Caller:    j.Caller,
		Height:    j.Height,
		Sequence:  j.Sequence,
	}, nil
}

type sweepSurplusJSON struct {
	RequestID string `json:"request_id"`
	Asset     string `json:"asset"`
	To        string `json:"to"`
	Caller    string `json:"caller"`
	Height    int64  `json:"height"`
	Sequence  int64  `json:"sequence"`
}

func parseSweepSurplus(data []byte) (*event.SweepSurplus, error) {
	var j sweepSurplusJSON
	if err := unmarshal("SweepSurplus", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	return &event.SweepSurplus{
		RequestID: id,
		Asset:     j.Asset,
		To:        j.To,
		Caller:    j.Caller,
		Height:    j.Height,
		Sequence:  j.Sequence,
	}, nil
}

type swapPoolAssetsJSON struct {
	RequestID      string     `json:"request_id"`
	Markets        []string   `json:"markets"`
	AmountsOutMin  []string   `json:"amounts_out_min"`
	Paths          [][]string `json:"paths"`
	DeadlineHeight int64      `json:"deadline_height"`
	Caller         string     `json:"caller"`
	Height         int64      `json:"height"`
	Sequence       int64      `json:"sequence"`
}

func parseSwapPoolAssets(data []byte) (*event.SwapPoolAssets, error) {
	var j swapPoolAssetsJSON
	if err := unmarshal("SwapPoolAssets", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	// Base-asset legs carry no minimum; the wire encodes that as "".
	mins := make([]*big.Int, len(j.AmountsOutMin))
	for i, s := range j.AmountsOutMin {
		if s == "" {
			continue
		}
		v, err := parseAmount("amounts_out_min", s)
		if err != nil {
			return nil, err
		}
		mins[i] = v
	}
	return &event.SwapPoolAssets{
		RequestID:      id,
		Markets:        j.Markets,
		AmountsOutMin:  mins,
		Paths:          j.Paths,
		DeadlineHeight: j.DeadlineHeight,
		Caller:         j.Caller,
		Height:         j.Height,
		Sequence:       j.Sequence,
	}, nil
}

type auctionParamUpdateJSON struct {
	RequestID string `json:"request_id"`
	Param     string `json:"param"`
	Value     string `json:"value"`
	Caller    string `json:"caller"`
	Height    int64  `json:"height"`
	Sequence  int64  `json:"sequence"`
}

func parseAuctionParamUpdate(data []byte) (*event.AuctionParamUpdate, error) {
	var j auctionParamUpdateJSON
	if err := unmarshal("AuctionParamUpdate", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	value, err := parseAmount("value", j.Value)
	if err != nil {
		return nil, err
	}
	return &event.AuctionParamUpdate{
		RequestID: id,
		Param:     j.Param,
		Value:     value,
		Caller:    j.Caller,
		Height:    j.Height,
		Sequence:  j.Sequence,
	}, nil
}

type adminCommandJSON struct {
	RequestID string `json:"request_id"`
	Caller    string `json:"caller"`
	Height    int64  `json:"height"`
	Sequence  int64  `json:"sequence"`
}

func parsePauseAuctions(data []byte) (*event.PauseAuctions, error) {
	var j adminCommandJSON
	if err := unmarshal("PauseAuctions", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	return &event.PauseAuctions{
		RequestID: id, Caller: j.Caller, Height: j.Height, Sequence: j.Sequence,
	}, nil
}

func parseResumeAuctions(data []byte) (*event.ResumeAuctions, error) {
	var j adminCommandJSON
	if err := unmarshal("ResumeAuctions", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	return &event.ResumeAuctions{
		RequestID: id, Caller: j.Caller, Height: j.Height, Sequence: j.Sequence,
	}, nil
}

type accessUpdateJSON struct {
	RequestID string `json:"request_id"`
	Account   string `json:"account"`
	Action    string `json:"action"`
	Allowed   bool   `json:"allowed"`
	Caller    string `json:"caller"`
	Height    int64  `json:"height"`
	Sequence  int64  `json:"sequence"`
}

func parseAccessUpdate(data []byte) (*event.AccessUpdate, error) {
	var j accessUpdateJSON
	if err := unmarshal("AccessUpdate", data, &j); err != nil {
		return nil, err
	}
	id, err := parseRequestID(j.RequestID)
	if err != nil {
		return nil, err
	}
	return &event.AccessUpdate{
		RequestID: id,
		Account:   j.Account,
		Action:    j.Action,
		Allowed:   j.Allowed,
		Caller:    j.Caller,
		Height:    j.Height,
		Sequence:  j.Sequence,
	}, nil
}
