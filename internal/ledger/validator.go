package ledger

import "fmt"

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies the batch is well-formed and balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateGlobalBalance verifies the ledger is zero-sum per asset
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for asset, total := range totals {
		if total.Sign() != 0 {
			return fmt.Errorf("global balance for %s is non-zero: %s", asset, total.String())
		}
	}

	return nil
}

// ValidateCustodyNonNegative verifies no custody account is overdrawn.
// Only boundary accounts may carry a negative balance.
func (v *InvariantValidator) ValidateCustodyNonNegative() error {
	return v.tracker.ValidateCustodyNonNegative()
}
