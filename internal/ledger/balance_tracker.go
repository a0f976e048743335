package ledger

import (
	"fmt"
	"math/big"
	"sort"
)

// BalanceTracker maintains in-memory account balances
type BalanceTracker struct {
	balances map[AccountKey]*big.Int
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]*big.Int),
	}
}

// ApplyJournal applies a single journal entry to balances
func (bt *BalanceTracker) ApplyJournal(j Journal) {
	bt.add(j.DebitAccount, j.Amount)
	bt.sub(j.CreditAccount, j.Amount)
}

// ApplyBatch applies all journals in a batch
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	for _, j := range batch.Journals {
		bt.ApplyJournal(j)
	}

	return nil
}

func (bt *BalanceTracker) add(key AccountKey, amount *big.Int) {
	cur, ok := bt.balances[key]
	if !ok {
		cur = new(big.Int)
		bt.balances[key] = cur
	}
	cur.Add(cur, amount)
}

func (bt *BalanceTracker) sub(key AccountKey, amount *big.Int) {
	cur, ok := bt.balances[key]
	if !ok {
		cur = new(big.Int)
		bt.balances[key] = cur
	}
	cur.Sub(cur, amount)
}

// GetBalance returns a copy of the current balance for an account.
// Missing accounts read as zero.
func (bt *BalanceTracker) GetBalance(key AccountKey) *big.Int {
	if cur, ok := bt.balances[key]; ok {
		return new(big.Int).Set(cur)
	}
	return new(big.Int)
}

// SetBalance overwrites one account balance. Used only during recovery
// when restoring a snapshot.
func (bt *BalanceTracker) SetBalance(key AccountKey, amount *big.Int) {
	bt.balances[key] = new(big.Int).Set(amount)
}

// === Invariant Checks ===

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	if cur, ok := bt.balances[key]; ok && cur.Sign() < 0 {
		return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), cur.String())
	}
	return nil
}

// ValidateCustodyNonNegative checks every non-boundary account is >= 0.
// Boundary accounts mirror value that left the system and may go negative.
func (bt *BalanceTracker) ValidateCustodyNonNegative() error {
	for key, balance := range bt.balances {
		if key.Scope == ScopeBoundary {
			continue
		}
		if balance.Sign() < 0 {
			return fmt.Errorf("account %s has negative balance: %s", key.AccountPath(), balance.String())
		}
	}
	return nil
}

// ValidateSufficient checks the account holds at least the required amount
func (bt *BalanceTracker) ValidateSufficient(key AccountKey, required *big.Int) error {
	balance := bt.GetBalance(key)
	if balance.Cmp(required) < 0 {
		return fmt.Errorf("insufficient balance on %s: have=%s, need=%s",
			key.AccountPath(), balance.String(), required.String())
	}
	return nil
}

// ComputeGlobalBalance sums all account balances per asset (should be 0 for a zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[string]*big.Int {
	totals := make(map[string]*big.Int)

	for key, balance := range bt.balances {
		total, ok := totals[key.Asset]
		if !ok {
			total = new(big.Int)
			totals[key.Asset] = total
		}
		total.Add(total, balance)
	}

	return totals
}

// Snapshot returns a copy of all balances (for state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]*big.Int {
	snapshot := make(map[AccountKey]*big.Int, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = new(big.Int).Set(v)
	}
	return snapshot
}

// BalanceEntry is the serializable form of one account balance.
type BalanceEntry struct {
	Scope  AccountScope
	Entity string
	Asset  string
	Amount *big.Int
}

// Export returns all non-zero balances sorted by account path, for
// snapshots and state digests.
func (bt *BalanceTracker) Export() []BalanceEntry {
	entries := make([]BalanceEntry, 0, len(bt.balances))
	for key, balance := range bt.balances {
		if balance.Sign() == 0 {
			continue
		}
		entries = append(entries, BalanceEntry{
			Scope:  key.Scope,
			Entity: key.Entity,
			Asset:  key.Asset,
			Amount: new(big.Int).Set(balance),
		})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Scope != b.Scope {
			return a.Scope < b.Scope
		}
		if a.Entity != b.Entity {
			return a.Entity < b.Entity
		}
		return a.Asset < b.Asset
	})
	return entries
}

// RestoreEntries replaces all balances from exported entries
func (bt *BalanceTracker) RestoreEntries(entries []BalanceEntry) {
	bt.balances = make(map[AccountKey]*big.Int, len(entries))
	for _, e := range entries {
		key := AccountKey{Scope: e.Scope, Entity: e.Entity, Asset: e.Asset}
		bt.balances[key] = new(big.Int).Set(e.Amount)
	}
}
