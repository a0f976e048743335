package ledger

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/google/uuid"

	bpsmath "shortfall/internal/math"
)

// ErrInsufficientBalance rejects a transfer whose source custody cannot
// cover the amount. Boundary sources are exempt.
var ErrInsufficientBalance = errors.New("insufficient custody balance")

// FeeSource reports the transfer fee an asset charges when it moves
// between custody accounts, in basis points. Assets without a policy
// are fee-free.
type FeeSource interface {
	TransferFeeBps(asset string) int64
}

// FeeTable is a static FeeSource backed by a map.
type FeeTable map[string]int64

func (t FeeTable) TransferFeeBps(asset string) int64 {
	return t[asset]
}

// BatchBuilder stages balanced journal entries for one event. Nothing
// touches the balance tracker until the finished batch is applied, so a
// failed event discards the builder and leaves no trace. Sufficiency
// checks see earlier staged legs: a refund staged first funds the escrow
// staged after it.
type BatchBuilder struct {
	tracker *BalanceTracker
	fees    FeeSource
	batch   *Batch
	pending map[AccountKey]*big.Int
}

func NewBatchBuilder(tracker *BalanceTracker, fees FeeSource, eventRef string, sequence int64, height int64) *BatchBuilder {
	return &BatchBuilder{
		tracker: tracker,
		fees:    fees,
		batch: &Batch{
			BatchID:  uuid.New(),
			EventRef: eventRef,
			Sequence: sequence,
			Height:   height,
			Journals: make([]Journal, 0, 4),
		},
		pending: make(map[AccountKey]*big.Int),
	}
}

// Transfer moves amount from one custody account to another, splitting
// off the asset's transfer fee to the token_fees sink. The source pays
// the full amount; the destination is credited amount minus fee. Returns
// the net credited, which is the on-chain balance delta the destination
// would measure.
func (bb *BatchBuilder) Transfer(from AccountKey, to AccountKey, amount *big.Int, jt JournalType) (*big.Int, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, fmt.Errorf("transfer amount must be positive, got %v", amount)
	}
	if from == to {
		return nil, fmt.Errorf("transfer from %s to itself", from.AccountPath())
	}
	if from.Asset != to.Asset {
		return nil, fmt.Errorf("transfer between assets %s and %s", from.Asset, to.Asset)
	}

	if from.Scope != ScopeBoundary {
		if bb.effectiveBalance(from).Cmp(amount) < 0 {
			return nil, fmt.Errorf("%w: %s has %s, need %s",
				ErrInsufficientBalance, from.AccountPath(),
				bb.effectiveBalance(from).String(), amount.String())
		}
	}

	fee := bpsmath.ApplyBps(amount, bb.fees.TransferFeeBps(from.Asset))
	net := new(big.Int).Sub(amount, fee)

	bb.stage(to, from, net, jt)
	if fee.Sign() > 0 {
		bb.stage(NewSystemAccount(SystemTokenFees, from.Asset), from, fee, JournalTypeTransferFee)
	}

	return net, nil
}

// Batch returns the staged batch. Callers validate and apply it through
// the balance tracker.
func (bb *BatchBuilder) Batch() *Batch {
	return bb.batch
}

// Empty reports whether any journal has been staged.
func (bb *BatchBuilder) Empty() bool {
	return len(bb.batch.Journals) == 0
}

func (bb *BatchBuilder) stage(debit AccountKey, credit AccountKey, amount *big.Int, jt JournalType) {
	bb.batch.Journals = append(bb.batch.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       bb.batch.BatchID,
		EventRef:      bb.batch.EventRef,
		Sequence:      bb.batch.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		Asset:         debit.Asset,
		Amount:        new(big.Int).Set(amount),
		JournalType:   jt,
		Height:        bb.batch.Height,
	})
	bb.addPending(debit, amount)
	bb.subPending(credit, amount)
}

func (bb *BatchBuilder) effectiveBalance(key AccountKey) *big.Int {
	balance := bb.tracker.GetBalance(key)
	if delta, ok := bb.pending[key]; ok {
		balance.Add(balance, delta)
	}
	return balance
}

func (bb *BatchBuilder) addPending(key AccountKey, amount *big.Int) {
	delta, ok := bb.pending[key]
	if !ok {
		delta = new(big.Int)
		bb.pending[key] = delta
	}
	delta.Add(delta, amount)
}

func (bb *BatchBuilder) subPending(key AccountKey, amount *big.Int) {
	delta, ok := bb.pending[key]
	if !ok {
		delta = new(big.Int)
		bb.pending[key] = delta
	}
	delta.Sub(delta, amount)
}
