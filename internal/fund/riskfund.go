package fund

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"shortfall/internal/guard"
	"shortfall/internal/ledger"
	bpsmath "shortfall/internal/math"
	"shortfall/internal/state"
)

var (
	ErrInsufficientPoolReserve = errors.New("insufficient pool reserve")
	ErrBelowConvertThreshold   = errors.New("reserve below minimum convert threshold")
	ErrLengthMismatch          = errors.New("markets, amounts and paths are unequal lengths")
	ErrLoopsLimit              = errors.New("loops limit exceeded")
	ErrDeadlineExceeded        = errors.New("deadline passed")
	ErrZeroAmountOutMin        = errors.New("amountOutMin must be greater than zero")
	ErrInvalidPath             = errors.New("invalid swap path")
)

// RiskFund holds the converted base-asset treasury, tracked per pool.
// Reserves recognized by the ReserveLedger enter through conversion
// (PlanConversion/CommitConversion) and leave only through auction
// payouts (PlanPayout/CommitPayout). The plan step validates everything
// and stages journals; the commit step is the infallible book mutation
// applied once the journal batch has.
type RiskFund struct {
	registry *state.Registry
	prices   *state.PriceBook
	reserves *ReserveLedger
	router   Router
	guard    *guard.Guard

	baseAsset          string
	poolReserves       map[string]*big.Int
	minAmountToConvert *big.Int
	maxLoopsLimit      int64
}

func NewRiskFund(registry *state.Registry, prices *state.PriceBook, reserves *ReserveLedger,
	router Router, g *guard.Guard, baseAsset string, minAmountToConvert *big.Int, maxLoopsLimit int64) (*RiskFund, error) {
	if baseAsset == "" {
		return nil, fmt.Errorf("risk fund needs a base asset")
	}
	if minAmountToConvert == nil || minAmountToConvert.Sign() <= 0 {
		return nil, fmt.Errorf("minAmountToConvert must be positive, got %v", minAmountToConvert)
	}
	if maxLoopsLimit <= 0 {
		return nil, fmt.Errorf("maxLoopsLimit must be positive, got %d", maxLoopsLimit)
	}

	rf := &RiskFund{
		registry:           registry,
		prices:             prices,
		reserves:           reserves,
		router:             router,
		guard:              g,
		baseAsset:          baseAsset,
		poolReserves:       make(map[string]*big.Int),
		minAmountToConvert: new(big.Int).Set(minAmountToConvert),
		maxLoopsLimit:      maxLoopsLimit,
	}
	reserves.treasury = rf
	return rf, nil
}

// BaseAsset returns the convertible base settlement asset
func (rf *RiskFund) BaseAsset() string {
	return rf.baseAsset
}

// PoolReserve returns the converted base amount credited to a pool
func (rf *RiskFund) PoolReserve(pool string) *big.Int {
	if cur, ok := rf.poolReserves[pool]; ok {
		return new(big.Int).Set(cur)
	}
	return new(big.Int)
}

// ConvertedTotal returns the treasury total across pools
func (rf *RiskFund) ConvertedTotal() *big.Int {
	total := new(big.Int)
	for _, amount := range rf.poolReserves {
		total.Add(total, amount)
	}
	return total
}

// MinAmountToConvert returns the USD conversion floor
func (rf *RiskFund) MinAmountToConvert() *big.Int {
	return new(big.Int).Set(rf.minAmountToConvert)
}

// MaxLoopsLimit returns the conversion batch iteration ceiling
func (rf *RiskFund) MaxLoopsLimit() int64 {
	return rf.maxLoopsLimit
}

// SetMinAmountToConvert updates the conversion floor, returning the old value
func (rf *RiskFund) SetMinAmountToConvert(v *big.Int) (*big.Int, error) {
	if v == nil || v.Sign() <= 0 {
		return nil, fmt.Errorf("minAmountToConvert must be positive, got %v", v)
	}
	old := rf.minAmountToConvert
	rf.minAmountToConvert = new(big.Int).Set(v)
	return old, nil
}

// SetMaxLoopsLimit updates the iteration ceiling, returning the old value
func (rf *RiskFund) SetMaxLoopsLimit(v int64) (int64, error) {
	if v <= 0 {
		return 0, fmt.Errorf("maxLoopsLimit must be positive, got %d", v)
	}
	old := rf.maxLoopsLimit
	rf.maxLoopsLimit = v
	return old, nil
}

// ConversionLeg records one market's reserve conversion.
type ConversionLeg struct {
	Market   string
	Pool     string
	Asset    string
	AmountIn *big.Int // recognized reserve consumed
	BaseOut  *big.Int // base asset credited to the pool, net of fees
}

// ConversionPlan is a validated, journal-staged conversion batch
// awaiting commit.
type ConversionPlan struct {
	Legs      []ConversionLeg
	TotalBase *big.Int
}

// PlanConversion validates a conversion batch, quotes swaps through the
// router and stages the custody journals. Nothing in the books changes;
// a failure anywhere discards the whole batch. Reentrancy-guarded: a
// router that calls back into the fund trips the guard.
func (rf *RiskFund) PlanConversion(markets []string, amountsOutMin []*big.Int, paths [][]string,
	deadlineHeight int64, height int64, bb *ledger.BatchBuilder) (*ConversionPlan, error) {
	if err := rf.guard.Enter(); err != nil {
		return nil, err
	}
	defer rf.guard.Exit()

	if deadlineHeight < height {
		return nil, fmt.Errorf("%w: deadline %d, height %d", ErrDeadlineExceeded, deadlineHeight, height)
	}
	if len(markets) != len(amountsOutMin) || len(markets) != len(paths) {
		return nil, fmt.Errorf("%w: %d markets, %d amounts, %d paths",
			ErrLengthMismatch, len(markets), len(amountsOutMin), len(paths))
	}
	if int64(len(markets)) > rf.maxLoopsLimit {
		return nil, fmt.Errorf("%w: %d markets, limit %d", ErrLoopsLimit, len(markets), rf.maxLoopsLimit)
	}

	plan := &ConversionPlan{TotalBase: new(big.Int)}
	// Reserves consumed by earlier legs of this plan; a duplicate market
	// (or a second market on the same underlying) sees what is left.
	consumed := make(map[string]map[string]*big.Int)

	for i, address := range markets {
		info, err := rf.registry.MarketInfo(address)
		if err != nil {
			return nil, err
		}

		reserve, err := rf.reserves.PoolAssetReserve(info.Pool, info.Underlying)
		if err != nil {
			return nil, err
		}
		if used := consumed[info.Pool][info.Underlying]; used != nil {
			reserve.Sub(reserve, used)
		}
		if reserve.Sign() == 0 {
			continue
		}

		price, err := rf.prices.Price(info.Underlying)
		if err != nil {
			return nil, fmt.Errorf("convert %s: %w", address, err)
		}
		usd := bpsmath.UsdValue(price, reserve)
		if usd.Cmp(rf.minAmountToConvert) < 0 {
			return nil, fmt.Errorf("%w: %s worth %s USD, floor %s",
				ErrBelowConvertThreshold, info.Underlying, usd, rf.minAmountToConvert)
		}

		var baseOut *big.Int
		if info.Underlying == rf.baseAsset {
			// Base-asset reserves convert 1:1 with no token movement.
			baseOut = new(big.Int).Set(reserve)
		} else {
			if amountsOutMin[i] == nil || amountsOutMin[i].Sign() <= 0 {
				return nil, fmt.Errorf("%w: market %s", ErrZeroAmountOutMin, address)
			}
			path := paths[i]
			if len(path) < 2 || path[0] != info.Underlying {
				return nil, fmt.Errorf("%w: path must start with the underlying %s", ErrInvalidPath, info.Underlying)
			}
			if path[len(path)-1] != rf.baseAsset {
				return nil, fmt.Errorf("%w: path must end with the base asset %s", ErrInvalidPath, rf.baseAsset)
			}

			netIn, err := bb.Transfer(
				ledger.NewSystemAccount(ledger.SystemRiskFund, info.Underlying),
				ledger.NewBoundaryAccount(ledger.BoundarySwaps, info.Underlying),
				reserve, ledger.JournalTypeSwapOut)
			if err != nil {
				return nil, fmt.Errorf("convert %s: %w", address, err)
			}

			out, err := rf.router.SwapExactTokensForTokens(netIn, amountsOutMin[i], path, deadlineHeight)
			if err != nil {
				return nil, fmt.Errorf("convert %s: %w", address, err)
			}
			if out.Cmp(amountsOutMin[i]) < 0 {
				return nil, fmt.Errorf("%w: market %s out %s, min %s", ErrSwapBelowMinimum, address, out, amountsOutMin[i])
			}

			baseOut, err = bb.Transfer(
				ledger.NewBoundaryAccount(ledger.BoundarySwaps, rf.baseAsset),
				ledger.NewSystemAccount(ledger.SystemRiskFund, rf.baseAsset),
				out, ledger.JournalTypeSwapIn)
			if err != nil {
				return nil, fmt.Errorf("convert %s: %w", address, err)
			}
		}

		if consumed[info.Pool] == nil {
			consumed[info.Pool] = make(map[string]*big.Int)
		}
		if consumed[info.Pool][info.Underlying] == nil {
			consumed[info.Pool][info.Underlying] = new(big.Int)
		}
		consumed[info.Pool][info.Underlying].Add(consumed[info.Pool][info.Underlying], reserve)

		plan.Legs = append(plan.Legs, ConversionLeg{
			Market:   address,
			Pool:     info.Pool,
			Asset:    info.Underlying,
			AmountIn: reserve,
			BaseOut:  baseOut,
		})
		plan.TotalBase.Add(plan.TotalBase, baseOut)
	}

	return plan, nil
}

// CommitConversion applies a planned conversion to the books: reserve
// entries are zeroed and the swapped base is credited to each pool.
// Must only run after the plan's journal batch applied; failure here
// means corrupted state.
func (rf *RiskFund) CommitConversion(plan *ConversionPlan) error {
	for _, leg := range plan.Legs {
		if err := rf.reserves.deductForConversion(leg.Pool, leg.Asset, leg.AmountIn); err != nil {
			return fmt.Errorf("commit conversion of %s: %w", leg.Market, err)
		}
		cur, ok := rf.poolReserves[leg.Pool]
		if !ok {
			cur = new(big.Int)
			rf.poolReserves[leg.Pool] = cur
		}
		cur.Add(cur, leg.BaseOut)
	}
	return nil
}

// PayoutPlan is a validated, journal-staged auction payout awaiting
// commit.
type PayoutPlan struct {
	Pool      string
	Requested *big.Int // debited from the pool's treasury share
	Received  *big.Int // delta-measured amount landed in auction custody
}

// PlanPayout stages the transfer of converted reserves to auction
// custody for a close. Only the auction close step drives this. Fails
// when the request exceeds the pool's treasury share; the Received
// amount, not the request, is what the auction forwards to the winner.
func (rf *RiskFund) PlanPayout(pool string, amount *big.Int, bb *ledger.BatchBuilder) (*PayoutPlan, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, fmt.Errorf("payout amount must be non-negative, got %v", amount)
	}
	if amount.Cmp(rf.PoolReserve(pool)) > 0 {
		return nil, fmt.Errorf("%w: pool %s has %s, requested %s",
			ErrInsufficientPoolReserve, pool, rf.PoolReserve(pool), amount)
	}

	plan := &PayoutPlan{
		Pool:      pool,
		Requested: new(big.Int).Set(amount),
		Received:  new(big.Int),
	}
	if amount.Sign() == 0 {
		return plan, nil
	}

	received, err := bb.Transfer(
		ledger.NewSystemAccount(ledger.SystemRiskFund, rf.baseAsset),
		ledger.NewSystemAccount(ledger.SystemAuction, rf.baseAsset),
		amount, ledger.JournalTypeFundTransfer)
	if err != nil {
		return nil, fmt.Errorf("payout for pool %s: %w", pool, err)
	}
	plan.Received = received
	return plan, nil
}

// CommitPayout debits the pool's treasury share by the requested amount
func (rf *RiskFund) CommitPayout(plan *PayoutPlan) error {
	cur := rf.poolReserves[plan.Pool]
	if cur == nil || cur.Cmp(plan.Requested) < 0 {
		return fmt.Errorf("commit payout for pool %s exceeds treasury share", plan.Pool)
	}
	cur.Sub(cur, plan.Requested)
	return nil
}

// PoolReserveEntry is the serializable form of one pool's treasury share.
type PoolReserveEntry struct {
	Pool   string
	Amount *big.Int
}

// FundSnapshot is the serializable form of the risk fund.
type FundSnapshot struct {
	BaseAsset          string
	PoolReserves       []PoolReserveEntry
	MinAmountToConvert *big.Int
	MaxLoopsLimit      int64
}

// Snapshot exports the treasury books sorted by pool
func (rf *RiskFund) Snapshot() FundSnapshot {
	snap := FundSnapshot{
		BaseAsset:          rf.baseAsset,
		MinAmountToConvert: new(big.Int).Set(rf.minAmountToConvert),
		MaxLoopsLimit:      rf.maxLoopsLimit,
	}
	for pool, amount := range rf.poolReserves {
		if amount.Sign() == 0 {
			continue
		}
		snap.PoolReserves = append(snap.PoolReserves, PoolReserveEntry{
			Pool:   pool,
			Amount: new(big.Int).Set(amount),
		})
	}
	sort.Slice(snap.PoolReserves, func(i, j int) bool {
		return snap.PoolReserves[i].Pool < snap.PoolReserves[j].Pool
	})
	return snap
}

// Restore replaces the treasury books from a snapshot
func (rf *RiskFund) Restore(snap FundSnapshot) {
	rf.baseAsset = snap.BaseAsset
	rf.minAmountToConvert = new(big.Int).Set(snap.MinAmountToConvert)
	rf.maxLoopsLimit = snap.MaxLoopsLimit
	rf.poolReserves = make(map[string]*big.Int, len(snap.PoolReserves))
	for _, e := range snap.PoolReserves {
		rf.poolReserves[e.Pool] = new(big.Int).Set(e.Amount)
	}
}
