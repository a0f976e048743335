package state

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
)

var (
	ErrUnknownPool       = errors.New("unknown pool")
	ErrUnknownMarket     = errors.New("unknown market")
	ErrAssetNotSupported = errors.New("pool does not support asset")
)

// Pool is a registered lending pool.
type Pool struct {
	ID   string
	Name string
}

// Market is a listed borrowing market within a pool. BadDebt is the
// outstanding unrecovered loss denominated in the underlying asset.
type Market struct {
	Address        string
	Pool           string
	Underlying     string
	TransferFeeBps int64
	BadDebt        *big.Int
}

// Registry is the pool and market directory fed by chain events: which
// pools exist, which markets belong to them, each market's underlying
// asset, transfer fee and outstanding bad debt. Market lists are kept
// sorted so every walk over a pool's markets is deterministic.
type Registry struct {
	pools   map[string]*Pool
	markets map[string]*Market
	byPool  map[string][]string
	fees    map[string]int64 // transfer fee bps per underlying asset
}

func NewRegistry() *Registry {
	return &Registry{
		pools:   make(map[string]*Pool),
		markets: make(map[string]*Market),
		byPool:  make(map[string][]string),
		fees:    make(map[string]int64),
	}
}

// RegisterPool adds a pool to the directory
func (r *Registry) RegisterPool(id string, name string) error {
	if id == "" {
		return fmt.Errorf("pool id must not be empty")
	}
	if _, exists := r.pools[id]; exists {
		return fmt.Errorf("pool %s already registered", id)
	}
	r.pools[id] = &Pool{ID: id, Name: name}
	return nil
}

// ListMarket adds a market to a registered pool
func (r *Registry) ListMarket(address string, pool string, underlying string, transferFeeBps int64) error {
	if address == "" {
		return fmt.Errorf("market address must not be empty")
	}
	if underlying == "" {
		return fmt.Errorf("market %s has empty underlying", address)
	}
	if transferFeeBps < 0 || transferFeeBps >= 10_000 {
		return fmt.Errorf("market %s has invalid transfer fee: %d bps", address, transferFeeBps)
	}
	if _, exists := r.pools[pool]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	if _, exists := r.markets[address]; exists {
		return fmt.Errorf("market %s already listed", address)
	}

	r.markets[address] = &Market{
		Address:        address,
		Pool:           pool,
		Underlying:     underlying,
		TransferFeeBps: transferFeeBps,
		BadDebt:        new(big.Int),
	}
	r.byPool[pool] = append(r.byPool[pool], address)
	sort.Strings(r.byPool[pool])
	r.fees[underlying] = transferFeeBps
	return nil
}

// HasPool reports whether the pool is registered
func (r *Registry) HasPool(id string) bool {
	_, ok := r.pools[id]
	return ok
}

// Pool returns a copy of the pool record
func (r *Registry) Pool(id string) (Pool, error) {
	pool, ok := r.pools[id]
	if !ok {
		return Pool{}, fmt.Errorf("%w: %s", ErrUnknownPool, id)
	}
	return *pool, nil
}

// MarketsOf returns the pool's market addresses in sorted order
func (r *Registry) MarketsOf(pool string) ([]string, error) {
	if _, ok := r.pools[pool]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	markets := r.byPool[pool]
	out := make([]string, len(markets))
	copy(out, markets)
	return out, nil
}

// MarketInfo returns a copy of the market record
func (r *Registry) MarketInfo(address string) (Market, error) {
	market, ok := r.markets[address]
	if !ok {
		return Market{}, fmt.Errorf("%w: %s", ErrUnknownMarket, address)
	}
	out := *market
	out.BadDebt = new(big.Int).Set(market.BadDebt)
	return out, nil
}

// Underlying returns the market's underlying asset
func (r *Registry) Underlying(address string) (string, error) {
	market, ok := r.markets[address]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownMarket, address)
	}
	return market.Underlying, nil
}

// BadDebt returns a copy of the market's outstanding bad debt
func (r *Registry) BadDebt(address string) (*big.Int, error) {
	market, ok := r.markets[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, address)
	}
	return new(big.Int).Set(market.BadDebt), nil
}

// ReportBadDebt books an increase in a market's bad debt
func (r *Registry) ReportBadDebt(address string, amount *big.Int) error {
	market, ok := r.markets[address]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMarket, address)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("bad debt report for %s must be positive, got %v", address, amount)
	}
	market.BadDebt.Add(market.BadDebt, amount)
	return nil
}

// RecoverBadDebt reduces a market's bad debt by a repayment, clamped to
// the outstanding amount (the bid incentive can make the repayment
// exceed what is still booked). Returns the amount actually applied.
func (r *Registry) RecoverBadDebt(address string, amount *big.Int) (*big.Int, error) {
	market, ok := r.markets[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMarket, address)
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("recovery for %s must be positive, got %v", address, amount)
	}

	applied := new(big.Int).Set(amount)
	if applied.Cmp(market.BadDebt) > 0 {
		applied.Set(market.BadDebt)
	}
	market.BadDebt.Sub(market.BadDebt, applied)
	return applied, nil
}

// MarketForAsset returns the first (sorted) market in the pool whose
// underlying is the asset
func (r *Registry) MarketForAsset(pool string, asset string) (string, error) {
	if _, ok := r.pools[pool]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPool, pool)
	}
	for _, address := range r.byPool[pool] {
		if r.markets[address].Underlying == asset {
			return address, nil
		}
	}
	return "", fmt.Errorf("%w: pool %s, asset %s", ErrAssetNotSupported, pool, asset)
}

// PoolSupportsAsset reports whether any market in the pool has the asset
// as its underlying
func (r *Registry) PoolSupportsAsset(pool string, asset string) bool {
	_, err := r.MarketForAsset(pool, asset)
	return err == nil
}

// PoolCount returns the number of registered pools
func (r *Registry) PoolCount() int {
	return len(r.pools)
}

// TransferFeeBps implements ledger.FeeSource: the fee an asset levies
// when it moves between custody accounts. Assets never listed are
// fee-free.
func (r *Registry) TransferFeeBps(asset string) int64 {
	return r.fees[asset]
}

// RegistrySnapshot is the serializable form of the directory.
type RegistrySnapshot struct {
	Pools   map[string]Pool
	Markets map[string]Market
	Fees    map[string]int64
}

// Snapshot returns a deep copy for state digests and snapshots
func (r *Registry) Snapshot() RegistrySnapshot {
	snap := RegistrySnapshot{
		Pools:   make(map[string]Pool, len(r.pools)),
		Markets: make(map[string]Market, len(r.markets)),
		Fees:    make(map[string]int64, len(r.fees)),
	}
	for id, pool := range r.pools {
		snap.Pools[id] = *pool
	}
	for address, market := range r.markets {
		out := *market
		out.BadDebt = new(big.Int).Set(market.BadDebt)
		snap.Markets[address] = out
	}
	for asset, fee := range r.fees {
		snap.Fees[asset] = fee
	}
	return snap
}

// Restore replaces the directory's contents from a snapshot
func (r *Registry) Restore(snap RegistrySnapshot) {
	r.pools = make(map[string]*Pool, len(snap.Pools))
	r.markets = make(map[string]*Market, len(snap.Markets))
	r.byPool = make(map[string][]string)
	r.fees = make(map[string]int64, len(snap.Fees))

	for id, pool := range snap.Pools {
		p := pool
		r.pools[id] = &p
	}
	for address, market := range snap.Markets {
		m := market
		m.BadDebt = new(big.Int).Set(market.BadDebt)
		r.markets[address] = &m
		r.byPool[m.Pool] = append(r.byPool[m.Pool], address)
	}
	for pool := range r.byPool {
		sort.Strings(r.byPool[pool])
	}
	for asset, fee := range snap.Fees {
		r.fees[asset] = fee
	}
}
