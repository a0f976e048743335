// Package core is the single-threaded deterministic event processor.
// Events arrive in relay order, are deduplicated and sequence-checked,
// dispatched against the domain state machines, and leave as hash
// chained envelopes on the persistence and projection channels. The
// core never reads the wall clock: block heights carried on events are
// its only notion of time.
package core

import (
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"

	"shortfall/internal/auction"
	"shortfall/internal/event"
	"shortfall/internal/fund"
	"shortfall/internal/guard"
	"shortfall/internal/ledger"
	bpsmath "shortfall/internal/math"
	"shortfall/internal/observability"
	"shortfall/internal/state"
)

// Governed parameter names accepted by AuctionParamUpdate.
const (
	ParamIncentiveBps         = "incentive_bps"
	ParamMinimumPoolBadDebt   = "minimum_pool_bad_debt"
	ParamWaitForFirstBidder   = "wait_for_first_bidder"
	ParamNextBidderBlockLimit = "next_bidder_block_limit"
	ParamMinAmountToConvert   = "min_amount_to_convert"
	ParamMaxLoopsLimit        = "max_loops_limit"
)

// cborEnc is the canonical encoder shared by state digests and
// snapshots. Canonical map ordering keeps the digest deterministic.
var cborEnc cbor.EncMode

func init() {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("cbor enc mode: %v", err))
	}
	cborEnc = mode
}

// CoreOutput is one applied event leaving the core: the hash-chained
// envelope, the journal batch (nil for state-only events) and the
// outbound notice (nil when nothing is published).
type CoreOutput struct {
	Envelope *event.Envelope
	Batch    *ledger.Batch
	Notice   *Notice
}

// Config fixes the deterministic parameters the core boots with.
// Governed values (auction windows, conversion floor) can change later
// through AuctionParamUpdate events; the rest is deployment-static.
type Config struct {
	// Owner is the account that passes every access check and is the
	// only one allowed to sweep surplus or change grants.
	Owner string

	// BaseAsset is the risk fund's settlement asset.
	BaseAsset string

	// RouterSpreadBps is the oracle router's quote haircut. Ignored
	// when Router is set.
	RouterSpreadBps int64

	// Router overrides the production oracle router, for tests.
	Router fund.Router

	// MinAmountToConvert is the USD floor (1e18) per conversion leg.
	MinAmountToConvert *big.Int

	// MaxLoopsLimit caps markets per conversion batch.
	MaxLoopsLimit int64

	// Auction holds the auction engine parameters.
	Auction auction.Config

	// DedupCapacity sizes the idempotency LRU.
	DedupCapacity int
}

// DefaultConfig mirrors the production deployment parameters.
func DefaultConfig(owner, baseAsset string) Config {
	return Config{
		Owner:              owner,
		BaseAsset:          baseAsset,
		RouterSpreadBps:    30,
		MinAmountToConvert: new(big.Int).Mul(big.NewInt(10), bpsmath.ExpScale),
		MaxLoopsLimit:      8,
		Auction:            auction.DefaultConfig(),
		DedupCapacity:      1_000_000,
	}
}

// DeterministicCore owns all in-memory state and applies events one at
// a time.
type DeterministicCore struct {
	sequence int64
	hasher   *StateHasher

	tracker   *ledger.BalanceTracker
	validator *ledger.InvariantValidator
	registry  *state.Registry
	prices    *state.PriceBook
	access    *state.AccessControl
	reserves  *fund.ReserveLedger
	riskFund  *fund.RiskFund
	auctions  *auction.Engine

	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput
}

// NewDeterministicCore wires the domain state machines and the dedup
// and ordering guards. startSequence is the next global sequence to
// assign (0 on a cold start).
func NewDeterministicCore(
	cfg Config,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	metrics *observability.Metrics,
) (*DeterministicCore, error) {
	if cfg.Owner == "" {
		return nil, fmt.Errorf("core config: owner account required")
	}
	if cfg.DedupCapacity <= 0 {
		cfg.DedupCapacity = 1_000_000
	}

	tracker := ledger.NewBalanceTracker()
	registry := state.NewRegistry()
	prices := state.NewPriceBook()
	g := &guard.Guard{}
	reserves := fund.NewReserveLedger(registry, tracker, g)

	router := cfg.Router
	if router == nil {
		r, err := fund.NewOracleRouter(prices, cfg.RouterSpreadBps)
		if err != nil {
			return nil, err
		}
		router = r
	}
	riskFund, err := fund.NewRiskFund(registry, prices, reserves, router, g,
		cfg.BaseAsset, cfg.MinAmountToConvert, cfg.MaxLoopsLimit)
	if err != nil {
		return nil, err
	}
	auctions, err := auction.NewEngine(registry, prices, riskFund, tracker, g, cfg.Auction)
	if err != nil {
		return nil, err
	}

	return &DeterministicCore{
		sequence:          startSequence,
		hasher:            NewStateHasher(),
		tracker:           tracker,
		validator:         ledger.NewInvariantValidator(tracker),
		registry:          registry,
		prices:            prices,
		access:            state.NewAccessControl(cfg.Owner),
		reserves:          reserves,
		riskFund:          riskFund,
		auctions:          auctions,
		idempotency:       NewIdempotencyChecker(cfg.DedupCapacity, dbChecker),
		sequenceValidator: NewSequenceValidator(),
		metrics:           metrics,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// commitFunc finishes an event after its journal batch applied: the
// infallible book mutation plus the outbound notice. A commit error
// means planned state no longer matches engine state and is fatal.
type commitFunc func() (*Notice, error)

// ProcessEvent runs the full pipeline for one event: dedup, ordering,
// dispatch, batch apply, commit, digest, invariant post-checks, emit.
// A returned error is a deterministic rejection: no state changed, no
// envelope was produced, and the message can be acked away.
func (c *DeterministicCore) ProcessEvent(evt event.Event) error {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	if price, ok := evt.(*event.PriceUpdate); ok {
		c.sequenceValidator.ObservePriceSequence(price.Asset, price.PriceSequence)
	} else {
		err := c.sequenceValidator.ValidateSequence(event.Partition(evt), evt.SourceSequence(), isDuplicate)
		if err != nil {
			c.recordOrderingFailure(err)
			return fmt.Errorf("sequence validation: %w", err)
		}
	}

	if isDuplicate {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return nil
	}

	bb := ledger.NewBatchBuilder(c.tracker, c.registry, idempotencyKey, c.sequence, evt.BlockHeight())
	commit, err := c.dispatch(evt, bb)
	if err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "rejected").Inc()
		}
		return fmt.Errorf("%s: %w", eventType, err)
	}

	var batch *ledger.Batch
	if !bb.Empty() {
		batch = bb.Batch()
		if err := c.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: malformed batch for %s: %v", eventType, err))
		}
		if err := c.tracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: batch apply for %s: %v", eventType, err))
		}
		if c.metrics != nil {
			for _, j := range batch.Journals {
				c.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
			}
		}
	}

	var notice *Notice
	if commit != nil {
		notice, err = commit()
		if err != nil {
			// The plan validated against state the batch has already
			// changed in custody terms; a commit that no longer fits is
			// corrupted state, not a rejectable input.
			panic(fmt.Sprintf("FATAL: commit for %s: %v", eventType, err))
		}
	}

	if err := c.postCheckInvariants(); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated after %s: %v", eventType, err))
	}

	payload, err := event.EncodePayload(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: %v", err))
	}

	hashStart := time.Now()
	digest := c.stateDigest()
	prevHash := c.hasher.GetPrevHash()
	stateHash := c.hasher.ComputeHash(c.sequence, digest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.Envelope{
		Sequence:       c.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		PoolID:         evt.PoolID(),
		Caller:         eventCaller(evt),
		Height:         evt.BlockHeight(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
	c.sequence++

	output := CoreOutput{Envelope: envelope, Batch: batch, Notice: notice}

	// Persistence is a blocking send: the core stalls rather than lose
	// an applied event. Projections are rebuildable and drop on full.
	c.persistChan <- output
	select {
	case c.projectionChan <- output:
	default:
		if c.metrics != nil {
			c.metrics.ProjectionDrops.Inc()
		}
	}

	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		c.metrics.CoreEventDuration.Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
		c.metrics.DedupLRUSize.Set(float64(c.idempotency.LRUSize()))
	}
	return nil
}

func (c *DeterministicCore) recordOrderingFailure(err error) {
	if c.metrics == nil {
		return
	}
	partition, kind := ClassifyOrderingError(err)
	switch kind {
	case orderingGap:
		c.metrics.EventSequenceGap.WithLabelValues(partition).Inc()
	case orderingOutOfOrder:
		c.metrics.EventOutOfOrder.WithLabelValues(partition).Inc()
	}
}

func eventCaller(evt event.Event) string {
	type caller interface{ CallerAccount() string }
	if ce, ok := evt.(caller); ok {
		return ce.CallerAccount()
	}
	return ""
}

// ==== dispatch ====

func (c *DeterministicCore) dispatch(evt event.Event, bb *ledger.BatchBuilder) (commitFunc, error) {
	switch e := evt.(type) {
	case *event.PoolRegistered:
		return nil, c.registry.RegisterPool(e.Pool, e.Name)
	case *event.MarketListed:
		return nil, c.registry.ListMarket(e.Market, e.Pool, e.Underlying, e.TransferFeeBps)
	case *event.PriceUpdate:
		return nil, c.prices.Update(e.Asset, e.Price, e.PriceSequence, e.Height)
	case *event.BadDebtReported:
		return nil, c.registry.ReportBadDebt(e.Market, e.Amount)
	case *event.TransferReceived:
		return c.handleTransferReceived(e, bb)
	case *event.StartAuction:
		return c.handleStartAuction(e)
	case *event.PlaceBid:
		return c.handlePlaceBid(e, bb)
	case *event.CloseAuction:
		return c.handleCloseAuction(e, bb)
	case *event.RestartAuction:
		return c.handleRestartAuction(e)
	case *event.RecognizeSurplus:
		return c.handleRecognizeSurplus(e)
	case *event.SweepSurplus:
		return c.handleSweepSurplus(e, bb)
	case *event.SwapPoolAssets:
		return c.handleSwapPoolAssets(e, bb)
	case *event.AuctionParamUpdate:
		return c.handleParamUpdate(e)
	case *event.PauseAuctions:
		return c.handlePauseAuctions(e)
	case *event.ResumeAuctions:
		return c.handleResumeAuctions(e)
	case *event.AccessUpdate:
		return nil, c.access.Update(e.Caller, e.Account, e.Action, e.Allowed)
	default:
		return nil, fmt.Errorf("unknown event type %T", evt)
	}
}

func (c *DeterministicCore) handleTransferReceived(e *event.TransferReceived, bb *ledger.BatchBuilder) (commitFunc, error) {
	to := ledger.NewAccount(e.Account, e.Asset)
	if ledger.IsSystemEntity(e.Account) {
		to = ledger.NewSystemAccount(e.Account, e.Asset)
	}
	_, err := bb.Transfer(
		ledger.NewBoundaryAccount(ledger.BoundaryDeposits, e.Asset),
		to, e.Amount, ledger.JournalTypeDeposit)
	return nil, err
}

func (c *DeterministicCore) handleStartAuction(e *event.StartAuction) (commitFunc, error) {
	res, err := c.auctions.StartAuction(e.Pool, e.Height)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.AuctionsStarted.WithLabelValues(res.Pool, res.Type.String()).Inc()
	}
	notice := &Notice{Kind: NoticeAuctionStarted, Pool: res.Pool, Payload: startedPayload(res, false)}
	return func() (*Notice, error) { return notice, nil }, nil
}

func (c *DeterministicCore) handleRestartAuction(e *event.RestartAuction) (commitFunc, error) {
	res, err := c.auctions.RestartAuction(e.Pool, e.Height)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.AuctionsRestarted.WithLabelValues(res.Pool).Inc()
	}
	notice := &Notice{Kind: NoticeAuctionRestarted, Pool: res.Pool, Payload: startedPayload(res, true)}
	return func() (*Notice, error) { return notice, nil }, nil
}

func startedPayload(res *auction.StartResult, restarted bool) AuctionStartedNotice {
	return AuctionStartedNotice{
		Pool:           res.Pool,
		AuctionType:    res.Type.String(),
		StartBlock:     res.StartBlock,
		Markets:        res.Markets,
		MarketDebt:     amountStrings(res.MarketDebt),
		PoolBadDebtUsd: res.PoolBadDebtUsd.String(),
		SeizedRiskFund: res.SeizedRiskFund.String(),
		StartBidBps:    res.StartBidBps,
		Restarted:      restarted,
	}
}

func (c *DeterministicCore) handlePlaceBid(e *event.PlaceBid, bb *ledger.BatchBuilder) (commitFunc, error) {
	plan, err := c.auctions.PlanBid(e.Pool, e.Caller, e.BidBps, e.ExpectedStartBlock, e.Height, bb)
	if err != nil {
		return nil, err
	}
	return func() (*Notice, error) {
		if err := c.auctions.CommitBid(plan); err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.BidsPlaced.WithLabelValues(plan.Pool).Inc()
		}
		return &Notice{Kind: NoticeAuctionBid, Pool: plan.Pool, Payload: AuctionBidNotice{
			Pool:       plan.Pool,
			Bidder:     plan.Bidder,
			BidBps:     plan.BidBps,
			Height:     plan.Height,
			PrevBidder: plan.PrevBidder,
			BidAmounts: amountStrings(plan.BidAmounts),
		}}, nil
	}, nil
}

func (c *DeterministicCore) handleCloseAuction(e *event.CloseAuction, bb *ledger.BatchBuilder) (commitFunc, error) {
	plan, err := c.auctions.PlanClose(e.Pool, e.Height, bb)
	if err != nil {
		return nil, err
	}
	return func() (*Notice, error) {
		retired, err := c.auctions.CommitClose(plan)
		if err != nil {
			return nil, err
		}
		if c.metrics != nil {
			c.metrics.AuctionsClosed.WithLabelValues(plan.Pool, plan.Type.String()).Inc()
			c.metrics.FundPayouts.WithLabelValues(plan.Pool).Inc()
			c.metrics.RiskFundBalance.WithLabelValues(plan.Pool).
				Set(observability.UnitsToFloat(c.riskFund.PoolReserve(plan.Pool)))
			for market, amount := range retired {
				c.metrics.BadDebtRecovered.WithLabelValues(market).
					Add(observability.UnitsToFloat(amount))
			}
		}
		return &Notice{Kind: NoticeAuctionClosed, Pool: plan.Pool, Payload: AuctionClosedNotice{
			Pool:            plan.Pool,
			AuctionType:     plan.Type.String(),
			Winner:          plan.Winner,
			WinningBidBps:   plan.WinningBidBps,
			Height:          e.Height,
			Recovered:       amountStrings(plan.Recovered),
			DebtRetired:     amountStrings(retired),
			PayoutRequested: plan.PayoutRequested.String(),
			PayoutReceived:  plan.PayoutReceived.String(),
			PayoutForwarded: plan.PayoutForwarded.String(),
		}}, nil
	}, nil
}

func (c *DeterministicCore) handleRecognizeSurplus(e *event.RecognizeSurplus) (commitFunc, error) {
	delta, err := c.reserves.RecognizeSurplus(e.Pool, e.Asset)
	if err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.SurplusRecognized.WithLabelValues(e.Pool, e.Asset).Inc()
	}
	reserve, err := c.reserves.PoolAssetReserve(e.Pool, e.Asset)
	if err != nil {
		return nil, err
	}
	notice := &Notice{Kind: NoticeReservesUpdated, Pool: e.Pool, Payload: ReservesUpdatedNotice{
		Pool:        e.Pool,
		Asset:       e.Asset,
		Recognized:  delta.String(),
		PoolReserve: reserve.String(),
	}}
	return func() (*Notice, error) { return notice, nil }, nil
}

func (c *DeterministicCore) handleSweepSurplus(e *event.SweepSurplus, bb *ledger.BatchBuilder) (commitFunc, error) {
	if !c.access.IsOwner(e.Caller) {
		return nil, fmt.Errorf("%w: sweep is owner-only, caller %s", state.ErrNotAuthorized, e.Caller)
	}
	amount, err := c.reserves.SweepSurplus(e.Asset, e.To, bb)
	if err != nil {
		return nil, err
	}
	return func() (*Notice, error) {
		if c.metrics != nil {
			c.metrics.SurplusSwept.WithLabelValues(e.Asset).Inc()
		}
		return &Notice{Kind: NoticeReservesSwept, Payload: ReservesSweptNotice{
			Asset:  e.Asset,
			To:     e.To,
			Amount: amount.String(),
		}}, nil
	}, nil
}

func (c *DeterministicCore) handleSwapPoolAssets(e *event.SwapPoolAssets, bb *ledger.BatchBuilder) (commitFunc, error) {
	if !c.access.Allows(e.Caller, state.ActionSwapReserves) {
		return nil, fmt.Errorf("%w: %s cannot swap reserves", state.ErrNotAuthorized, e.Caller)
	}
	plan, err := c.riskFund.PlanConversion(e.Markets, e.AmountsOutMin, e.Paths, e.DeadlineHeight, e.Height, bb)
	if err != nil {
		return nil, err
	}
	return func() (*Notice, error) {
		if err := c.riskFund.CommitConversion(plan); err != nil {
			return nil, err
		}
		legs := make([]ConvertedLegNotice, 0, len(plan.Legs))
		for _, leg := range plan.Legs {
			legs = append(legs, ConvertedLegNotice{
				Market:   leg.Market,
				Pool:     leg.Pool,
				Asset:    leg.Asset,
				AmountIn: leg.AmountIn.String(),
				BaseOut:  leg.BaseOut.String(),
			})
			if c.metrics != nil {
				c.metrics.ReservesSwapped.WithLabelValues(leg.Pool).Inc()
				c.metrics.RiskFundBalance.WithLabelValues(leg.Pool).
					Set(observability.UnitsToFloat(c.riskFund.PoolReserve(leg.Pool)))
			}
		}
		return &Notice{Kind: NoticeFundConverted, Payload: FundConvertedNotice{
			Legs:      legs,
			TotalBase: plan.TotalBase.String(),
			BaseAsset: c.riskFund.BaseAsset(),
		}}, nil
	}, nil
}

func (c *DeterministicCore) handleParamUpdate(e *event.AuctionParamUpdate) (commitFunc, error) {
	if !c.access.Allows(e.Caller, state.ActionSetParams) {
		return nil, fmt.Errorf("%w: %s cannot update params", state.ErrNotAuthorized, e.Caller)
	}
	if e.Value == nil {
		return nil, fmt.Errorf("param update %s with nil value", e.Param)
	}

	var oldStr, newStr string
	switch e.Param {
	case ParamIncentiveBps:
		old, err := c.auctions.SetIncentiveBps(e.Value.Int64())
		if err != nil {
			return nil, err
		}
		oldStr, newStr = strconv.FormatInt(old, 10), e.Value.String()
	case ParamMinimumPoolBadDebt:
		old, err := c.auctions.SetMinimumPoolBadDebt(e.Value)
		if err != nil {
			return nil, err
		}
		oldStr, newStr = old.String(), e.Value.String()
	case ParamWaitForFirstBidder:
		old, err := c.auctions.SetWaitForFirstBidder(e.Value.Int64())
		if err != nil {
			return nil, err
		}
		oldStr, newStr = strconv.FormatInt(old, 10), e.Value.String()
	case ParamNextBidderBlockLimit:
		old, err := c.auctions.SetNextBidderBlockLimit(e.Value.Int64())
		if err != nil {
			return nil, err
		}
		oldStr, newStr = strconv.FormatInt(old, 10), e.Value.String()
	case ParamMinAmountToConvert:
		old, err := c.riskFund.SetMinAmountToConvert(e.Value)
		if err != nil {
			return nil, err
		}
		oldStr, newStr = old.String(), e.Value.String()
	case ParamMaxLoopsLimit:
		old, err := c.riskFund.SetMaxLoopsLimit(e.Value.Int64())
		if err != nil {
			return nil, err
		}
		oldStr, newStr = strconv.FormatInt(old, 10), e.Value.String()
	default:
		return nil, fmt.Errorf("unknown governed parameter %q", e.Param)
	}

	notice := &Notice{Kind: NoticeParamUpdated, Payload: ParamUpdatedNotice{
		Param: e.Param, Old: oldStr, New: newStr,
	}}
	return func() (*Notice, error) { return notice, nil }, nil
}

func (c *DeterministicCore) handlePauseAuctions(e *event.PauseAuctions) (commitFunc, error) {
	if !c.access.Allows(e.Caller, state.ActionPauseAuctions) {
		return nil, fmt.Errorf("%w: %s cannot pause auctions", state.ErrNotAuthorized, e.Caller)
	}
	if err := c.auctions.Pause(); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.AuctionsPaused.Set(1)
	}
	notice := &Notice{Kind: NoticeParamUpdated, Payload: ParamUpdatedNotice{
		Param: "paused", Old: "false", New: "true",
	}}
	return func() (*Notice, error) { return notice, nil }, nil
}

func (c *DeterministicCore) handleResumeAuctions(e *event.ResumeAuctions) (commitFunc, error) {
	if !c.access.Allows(e.Caller, state.ActionResumeAuctions) {
		return nil, fmt.Errorf("%w: %s cannot resume auctions", state.ErrNotAuthorized, e.Caller)
	}
	if err := c.auctions.Resume(); err != nil {
		return nil, err
	}
	if c.metrics != nil {
		c.metrics.AuctionsPaused.Set(0)
	}
	notice := &Notice{Kind: NoticeParamUpdated, Payload: ParamUpdatedNotice{
		Param: "paused", Old: "true", New: "false",
	}}
	return func() (*Notice, error) { return notice, nil }, nil
}

func amountStrings(in map[string]*big.Int) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v.String()
	}
	return out
}

// ==== invariants / digest ====

// postCheckInvariants runs after every applied event. Any violation is
// corrupted state: the process halts rather than persist it.
func (c *DeterministicCore) postCheckInvariants() error {
	if err := c.validator.ValidateGlobalBalance(); err != nil {
		return fmt.Errorf("zero-sum: %w", err)
	}
	if err := c.validator.ValidateCustodyNonNegative(); err != nil {
		return fmt.Errorf("custody: %w", err)
	}
	if err := c.reserves.CheckIdentity(); err != nil {
		return fmt.Errorf("reserve identity: %w", err)
	}
	if err := c.reserves.CheckCustodyCoverage(); err != nil {
		return fmt.Errorf("custody coverage: %w", err)
	}
	if err := c.auctions.CheckEscrowConsistency(); err != nil {
		return fmt.Errorf("escrow: %w", err)
	}
	return nil
}

// CoreState is the full deterministic state in serializable form. The
// canonical CBOR encoding of this struct is both the state digest input
// and the snapshot body.
type CoreState struct {
	Balances       []ledger.BalanceEntry
	Registry       state.RegistrySnapshot
	Prices         map[string]state.PricePoint
	Access         state.AccessSnapshot
	Reserves       []fund.ReserveEntry
	Fund           fund.FundSnapshot
	Auctions       []auction.Auction
	AuctionConfig  auction.Config
	AuctionsPaused bool
}

func (c *DeterministicCore) captureState() CoreState {
	return CoreState{
		Balances:       c.tracker.Export(),
		Registry:       c.registry.Snapshot(),
		Prices:         c.prices.Snapshot(),
		Access:         c.access.Snapshot(),
		Reserves:       c.reserves.Snapshot(),
		Fund:           c.riskFund.Snapshot(),
		Auctions:       c.auctions.Snapshot(),
		AuctionConfig:  c.auctions.Config(),
		AuctionsPaused: c.auctions.Paused(),
	}
}

// stateDigest returns the canonical CBOR encoding of the full state.
func (c *DeterministicCore) stateDigest() []byte {
	digest, err := cborEnc.Marshal(c.captureState())
	if err != nil {
		panic(fmt.Sprintf("FATAL: state digest: %v", err))
	}
	return digest
}

// StateDigest exposes the canonical digest bytes, used by recovery to
// verify a replayed state against the persisted hash chain.
func (c *DeterministicCore) StateDigest() []byte {
	return c.stateDigest()
}

// ==== snapshot / restore ====

// SnapshotState is everything a warm restart needs: the domain state,
// the hash-chain tip, per-partition sequence cursors and the recent
// dedup keys to warm the LRU.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	State           CoreState
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state. Sequence is
// the last applied sequence, not the next to assign.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.hasher.GetPrevHash(),
		State:           c.captureState(),
		SequenceState:   c.sequenceValidator.Partitions(),
		IdempotencyKeys: c.idempotency.lru.Keys(),
	}
}

// RestoreFromSnapshot replaces all in-memory state. Events persisted
// after the snapshot are replayed forward by the caller.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	c.sequence = snap.Sequence + 1
	c.hasher.SetPrevHash(snap.StateHash)

	c.tracker.RestoreEntries(snap.State.Balances)
	c.registry.Restore(snap.State.Registry)
	c.prices.Restore(snap.State.Prices)
	c.access.Restore(snap.State.Access)
	c.reserves.Restore(snap.State.Reserves)
	c.riskFund.Restore(snap.State.Fund)
	c.auctions.Restore(snap.State.Auctions)
	if err := c.auctions.RestoreConfig(snap.State.AuctionConfig, snap.State.AuctionsPaused); err != nil {
		return fmt.Errorf("restore auction config: %w", err)
	}
	for partition, next := range snap.SequenceState {
		c.sequenceValidator.SetExpectedSequence(partition, next)
	}
	c.idempotency.lru.Warm(snap.IdempotencyKeys)
	if c.metrics != nil && snap.State.AuctionsPaused {
		c.metrics.AuctionsPaused.Set(1)
	}
	return nil
}

// GetSequence returns the next sequence the core will assign.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the hash-chain tip.
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.hasher.GetPrevHash()
}
