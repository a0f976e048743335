// Package fund holds the reserve accounting ledger and the risk fund.
// They share one custody entity: converted treasury, unconverted reserves and
// unrecognized surplus all live behind the risk_fund custody account,
// split only by the books kept here.
package fund

import (
	"errors"
	"fmt"
	"math/big"
	"sort"

	"shortfall/internal/guard"
	"shortfall/internal/ledger"
	"shortfall/internal/state"
)

var (
	ErrZeroSurplus      = errors.New("zero surplus tokens")
	ErrZeroAsset        = errors.New("empty asset identifier")
	ErrInvalidRecipient = errors.New("recipient address invalid")
	ErrEmptyRegistry    = errors.New("pool registry is empty")
)

// ReserveLedger tracks recognized protocol reserves per asset and per
// pool/asset pair. Both counters grow only through surplus recognition
// and shrink only through the risk fund's conversion step, keeping the
// identity Σ_pools pools[p][a] == assets[a] at all times.
type ReserveLedger struct {
	registry *state.Registry
	tracker  *ledger.BalanceTracker
	guard    *guard.Guard

	assets map[string]*big.Int
	pools  map[string]map[string]*big.Int

	// treasury is bound when the risk fund is constructed; the converted
	// base-asset treasury shares the custody account and must not read
	// as surplus.
	treasury *RiskFund
}

func NewReserveLedger(registry *state.Registry, tracker *ledger.BalanceTracker, g *guard.Guard) *ReserveLedger {
	return &ReserveLedger{
		registry: registry,
		tracker:  tracker,
		guard:    g,
		assets:   make(map[string]*big.Int),
		pools:    make(map[string]map[string]*big.Int),
	}
}

// AssetReserve returns the recognized reserve total for an asset
func (rl *ReserveLedger) AssetReserve(asset string) *big.Int {
	if cur, ok := rl.assets[asset]; ok {
		return new(big.Int).Set(cur)
	}
	return new(big.Int)
}

// PoolAssetReserve returns the recognized reserve a pool holds in an asset
func (rl *ReserveLedger) PoolAssetReserve(pool string, asset string) (*big.Int, error) {
	if asset == "" {
		return nil, ErrZeroAsset
	}
	if !rl.registry.HasPool(pool) {
		return nil, fmt.Errorf("%w: %s", state.ErrUnknownPool, pool)
	}
	if perAsset, ok := rl.pools[pool]; ok {
		if cur, ok := perAsset[asset]; ok {
			return new(big.Int).Set(cur), nil
		}
	}
	return new(big.Int), nil
}

// SurplusOf returns the custody balance not yet recognized as reserves.
// For the base asset the converted treasury also counts as booked.
func (rl *ReserveLedger) SurplusOf(asset string) *big.Int {
	custody := rl.tracker.GetBalance(ledger.NewSystemAccount(ledger.SystemRiskFund, asset))
	booked := rl.AssetReserve(asset)
	if rl.treasury != nil && asset == rl.treasury.BaseAsset() {
		booked.Add(booked, rl.treasury.ConvertedTotal())
	}

	surplus := custody.Sub(custody, booked)
	if surplus.Sign() < 0 {
		return new(big.Int)
	}
	return surplus
}

// RecognizeSurplus books unrecognized custody of an asset as reserves of
// the named pool. Idempotent: recognizing twice finds zero surplus the
// second time and is a no-op. No tokens move, the custody credit
// happened when the transfer landed.
func (rl *ReserveLedger) RecognizeSurplus(pool string, asset string) (*big.Int, error) {
	if asset == "" {
		return nil, ErrZeroAsset
	}
	if rl.registry.PoolCount() == 0 {
		return nil, ErrEmptyRegistry
	}
	if !rl.registry.HasPool(pool) {
		return nil, fmt.Errorf("%w: %s", state.ErrUnknownPool, pool)
	}
	if !rl.registry.PoolSupportsAsset(pool, asset) {
		return nil, fmt.Errorf("%w: pool %s, asset %s", state.ErrAssetNotSupported, pool, asset)
	}

	delta := rl.SurplusOf(asset)
	if delta.Sign() == 0 {
		return new(big.Int), nil
	}

	rl.credit(pool, asset, delta)
	return delta, nil
}

// SweepSurplus stages the transfer of an asset's unrecognized surplus
// out of the reserve vault. Recognized reserves and the converted
// treasury are untouched; the books do not change. Authorization is the
// caller's concern, this is owner-only at the dispatch layer.
func (rl *ReserveLedger) SweepSurplus(asset string, to string, bb *ledger.BatchBuilder) (*big.Int, error) {
	if err := rl.guard.Enter(); err != nil {
		return nil, err
	}
	defer rl.guard.Exit()

	if asset == "" {
		return nil, ErrZeroAsset
	}
	if to == "" {
		return nil, ErrInvalidRecipient
	}

	surplus := rl.SurplusOf(asset)
	if surplus.Sign() == 0 {
		return nil, fmt.Errorf("%w: %s", ErrZeroSurplus, asset)
	}

	_, err := bb.Transfer(
		ledger.NewSystemAccount(ledger.SystemRiskFund, asset),
		ledger.NewBoundaryAccount(ledger.BoundaryWithdrawals, asset),
		surplus, ledger.JournalTypeSurplusSweep)
	if err != nil {
		return nil, fmt.Errorf("sweep %s to %s: %w", asset, to, err)
	}
	return surplus, nil
}

func (rl *ReserveLedger) credit(pool string, asset string, amount *big.Int) {
	total, ok := rl.assets[asset]
	if !ok {
		total = new(big.Int)
		rl.assets[asset] = total
	}
	total.Add(total, amount)

	perAsset, ok := rl.pools[pool]
	if !ok {
		perAsset = make(map[string]*big.Int)
		rl.pools[pool] = perAsset
	}
	cur, ok := perAsset[asset]
	if !ok {
		cur = new(big.Int)
		perAsset[asset] = cur
	}
	cur.Add(cur, amount)
}

// deductForConversion zeroes out reserves consumed by the risk fund's
// conversion step, maintaining the identity invariant. Only the risk
// fund calls this.
func (rl *ReserveLedger) deductForConversion(pool string, asset string, amount *big.Int) error {
	perAsset := rl.pools[pool]
	if perAsset == nil || perAsset[asset] == nil || perAsset[asset].Cmp(amount) < 0 {
		return fmt.Errorf("conversion deduction exceeds pool %s reserve of %s", pool, asset)
	}
	total := rl.assets[asset]
	if total == nil || total.Cmp(amount) < 0 {
		return fmt.Errorf("conversion deduction exceeds total reserve of %s", asset)
	}

	perAsset[asset].Sub(perAsset[asset], amount)
	total.Sub(total, amount)
	return nil
}

// CheckIdentity verifies Σ_pools pools[p][a] == assets[a] for every asset
func (rl *ReserveLedger) CheckIdentity() error {
	sums := make(map[string]*big.Int)
	for _, perAsset := range rl.pools {
		for asset, amount := range perAsset {
			sum, ok := sums[asset]
			if !ok {
				sum = new(big.Int)
				sums[asset] = sum
			}
			sum.Add(sum, amount)
		}
	}

	for asset, total := range rl.assets {
		sum := sums[asset]
		if sum == nil {
			sum = new(big.Int)
		}
		if sum.Cmp(total) != 0 {
			return fmt.Errorf("reserve identity broken for %s: pools sum %s, total %s", asset, sum, total)
		}
		delete(sums, asset)
	}
	for asset := range sums {
		if sums[asset].Sign() != 0 {
			return fmt.Errorf("reserve identity broken for %s: pool entries without a total", asset)
		}
	}
	return nil
}

// CheckCustodyCoverage verifies recognized reserves (plus the converted
// treasury for the base asset) never exceed the vault's custody balance
func (rl *ReserveLedger) CheckCustodyCoverage() error {
	for asset, total := range rl.assets {
		custody := rl.tracker.GetBalance(ledger.NewSystemAccount(ledger.SystemRiskFund, asset))
		booked := new(big.Int).Set(total)
		if rl.treasury != nil && asset == rl.treasury.BaseAsset() {
			booked.Add(booked, rl.treasury.ConvertedTotal())
		}
		if booked.Cmp(custody) > 0 {
			return fmt.Errorf("reserves of %s exceed custody: booked %s, custody %s", asset, booked, custody)
		}
	}
	if rl.treasury != nil {
		base := rl.treasury.BaseAsset()
		if _, tracked := rl.assets[base]; !tracked {
			custody := rl.tracker.GetBalance(ledger.NewSystemAccount(ledger.SystemRiskFund, base))
			if rl.treasury.ConvertedTotal().Cmp(custody) > 0 {
				return fmt.Errorf("treasury of %s exceeds custody: treasury %s, custody %s",
					base, rl.treasury.ConvertedTotal(), custody)
			}
		}
	}
	return nil
}

// ReserveEntry is the serializable form of one pool/asset reserve.
type ReserveEntry struct {
	Pool   string
	Asset  string
	Amount *big.Int
}

// Snapshot exports the per-pool books sorted by (pool, asset); the
// per-asset totals are recomputed on restore.
func (rl *ReserveLedger) Snapshot() []ReserveEntry {
	entries := make([]ReserveEntry, 0)
	for pool, perAsset := range rl.pools {
		for asset, amount := range perAsset {
			if amount.Sign() == 0 {
				continue
			}
			entries = append(entries, ReserveEntry{
				Pool:   pool,
				Asset:  asset,
				Amount: new(big.Int).Set(amount),
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Pool != entries[j].Pool {
			return entries[i].Pool < entries[j].Pool
		}
		return entries[i].Asset < entries[j].Asset
	})
	return entries
}

// Restore replaces the books from exported entries
func (rl *ReserveLedger) Restore(entries []ReserveEntry) {
	rl.assets = make(map[string]*big.Int)
	rl.pools = make(map[string]map[string]*big.Int)
	for _, e := range entries {
		rl.credit(e.Pool, e.Asset, e.Amount)
	}
}
