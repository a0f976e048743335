package ledger

import (
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeTransferFee
	JournalTypeBidEscrow
	JournalTypeBidRefund
	JournalTypeDebtRepayment
	JournalTypeFundTransfer
	JournalTypeFundPayout
	JournalTypeSurplusSweep
	JournalTypeSwapOut
	JournalTypeSwapIn
	JournalTypeAdjustment
)

// String returns the journal type name used in metrics labels and
// persisted rows.
func (t JournalType) String() string {
	switch t {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeTransferFee:
		return "transfer_fee"
	case JournalTypeBidEscrow:
		return "bid_escrow"
	case JournalTypeBidRefund:
		return "bid_refund"
	case JournalTypeDebtRepayment:
		return "debt_repayment"
	case JournalTypeFundTransfer:
		return "fund_transfer"
	case JournalTypeFundPayout:
		return "fund_payout"
	case JournalTypeSurplusSweep:
		return "surplus_sweep"
	case JournalTypeSwapOut:
		return "swap_out"
	case JournalTypeSwapIn:
		return "swap_in"
	case JournalTypeAdjustment:
		return "adjustment"
	}
	return "unknown"
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Unique identifier
	BatchID       uuid.UUID   // Groups balanced entries
	EventRef      string      // Idempotency key of source event
	Sequence      int64       // Global event sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Asset         string      // Asset being transferred
	Amount        *big.Int    // Base-unit amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Height        int64       // Versioned input block height
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID  uuid.UUID
	EventRef string
	Sequence int64
	Height   int64
	Journals []Journal
}

// Validate ensures the batch is well-formed.
// Note on balance invariant: each journal entry is a balanced transfer by
// construction (a single positive amount moves from credit account to debit
// account), so Σ debits == Σ credits is guaranteed per-entry. Multi-leg
// batches (e.g., escrow pull with a fee split) use multiple entries under
// one batch_id, each individually balanced.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount == nil || j.Amount.Sign() <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %v", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.Asset != j.Asset || j.CreditAccount.Asset != j.Asset {
			return fmt.Errorf("journal %s moves %s between mismatched asset accounts", j.JournalID, j.Asset)
		}
	}

	return nil
}
