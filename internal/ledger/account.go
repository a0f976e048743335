package ledger

import "fmt"

// AccountScope represents the top-level custody namespace
type AccountScope uint8

const (
	// ScopeAccount holds external actors: bidders, sweep recipients.
	ScopeAccount AccountScope = iota
	// ScopeMarket holds per-market custody (receives debt repayments).
	ScopeMarket
	// ScopeSystem holds protocol custody: risk fund, auction escrow, fee sinks.
	ScopeSystem
	// ScopeBoundary marks the chain boundary. Boundary accounts are the
	// only ones allowed to go negative: they mirror value entering or
	// leaving the system so every asset still sums to zero.
	ScopeBoundary
)

// Well-known system entities.
const (
	// SystemRiskFund custodies the unconverted per-pool reserves and the
	// converted base-asset treasury. Reserve vault and risk fund share
	// one balance per asset; the split between pools is bookkeeping kept
	// by the reserve ledger.
	SystemRiskFund = "risk_fund"
	// SystemAuction custodies bid escrow and payouts in flight.
	SystemAuction = "auction"
	// SystemTokenFees collects the fee legs of fee-on-transfer assets.
	SystemTokenFees = "token_fees"
)

// Boundary entities.
const (
	BoundaryDeposits    = "deposits"
	BoundaryWithdrawals = "withdrawals"
	BoundarySwaps       = "swaps"
)

// AccountKey is the in-memory key for balance tracking.
type AccountKey struct {
	Scope  AccountScope
	Entity string
	Asset  string
}

// NewAccount creates a key for an external actor's custody balance.
func NewAccount(addr string, asset string) AccountKey {
	return AccountKey{Scope: ScopeAccount, Entity: addr, Asset: asset}
}

// NewMarketAccount creates a key for a market's repayment custody.
func NewMarketAccount(market string, asset string) AccountKey {
	return AccountKey{Scope: ScopeMarket, Entity: market, Asset: asset}
}

// NewSystemAccount creates a key for protocol custody.
func NewSystemAccount(entity string, asset string) AccountKey {
	return AccountKey{Scope: ScopeSystem, Entity: entity, Asset: asset}
}

// NewBoundaryAccount creates a key for a chain-boundary account.
func NewBoundaryAccount(entity string, asset string) AccountKey {
	return AccountKey{Scope: ScopeBoundary, Entity: entity, Asset: asset}
}

// IsSystemEntity reports whether a relayed recipient name addresses
// protocol custody rather than an external actor.
func IsSystemEntity(name string) bool {
	switch name {
	case SystemRiskFund, SystemAuction, SystemTokenFees:
		return true
	}
	return false
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	return fmt.Sprintf("%s:%s:%s", k.scopeName(), k.Entity, k.Asset)
}

func (k AccountKey) scopeName() string {
	switch k.Scope {
	case ScopeAccount:
		return "account"
	case ScopeMarket:
		return "market"
	case ScopeSystem:
		return "system"
	case ScopeBoundary:
		return "boundary"
	}
	return "unknown"
}
