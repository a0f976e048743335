package ledger_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/google/uuid"

	"shortfall/internal/ledger"
)

func amt(n int64) *big.Int {
	return big.NewInt(n)
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_AccountPath(t *testing.T) {
	key := ledger.NewAccount("0xbidder1", "WBTC")

	path := key.AccountPath()
	if path != "account:0xbidder1:WBTC" {
		t.Errorf("got %q, want %q", path, "account:0xbidder1:WBTC")
	}
}

func TestAccountKey_MarketPath(t *testing.T) {
	key := ledger.NewMarketAccount("vWBTC", "WBTC")

	path := key.AccountPath()
	if path != "market:vWBTC:WBTC" {
		t.Errorf("got %q, want %q", path, "market:vWBTC:WBTC")
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccount(ledger.SystemRiskFund, "USDT")

	path := key.AccountPath()
	if path != "system:risk_fund:USDT" {
		t.Errorf("got %q, want %q", path, "system:risk_fund:USDT")
	}
}

func TestAccountKey_BoundaryPath(t *testing.T) {
	key := ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT")

	path := key.AccountPath()
	if path != "boundary:deposits:USDT" {
		t.Errorf("got %q, want %q", path, "boundary:deposits:USDT")
	}
}

func TestIsSystemEntity(t *testing.T) {
	if !ledger.IsSystemEntity(ledger.SystemRiskFund) {
		t.Error("risk_fund should be a system entity")
	}
	if !ledger.IsSystemEntity(ledger.SystemAuction) {
		t.Error("auction should be a system entity")
	}
	if ledger.IsSystemEntity("0xbidder1") {
		t.Error("0xbidder1 should not be a system entity")
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	balance := bt.GetBalance(ledger.NewAccount("0xbidder1", "USDT"))
	if balance.Sign() != 0 {
		t.Errorf("initial balance should be 0, got %s", balance)
	}
}

func TestBalanceTracker_GetBalanceReturnsCopy(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	key := ledger.NewAccount("0xbidder1", "USDT")
	bt.SetBalance(key, amt(500))

	balance := bt.GetBalance(key)
	balance.SetInt64(0)

	if bt.GetBalance(key).Cmp(amt(500)) != 0 {
		t.Error("mutating a returned balance should not affect the tracker")
	}
}

func TestBalanceTracker_ApplyJournal(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bidder := ledger.NewAccount("0xbidder1", "USDT")

	// Deposit: debit bidder custody, credit boundary:deposits
	j := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  bidder,
		CreditAccount: ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
		Asset:         "USDT",
		Amount:        amt(1_000_000),
	}

	bt.ApplyJournal(j)

	if got := bt.GetBalance(bidder); got.Cmp(amt(1_000_000)) != 0 {
		t.Errorf("bidder balance: got %s, want 1000000", got)
	}
}

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bidder := ledger.NewAccount("0xbidder1", "USDT")
	batchID := uuid.New()

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  bidder,
				CreditAccount: ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
				Asset:         "USDT",
				Amount:        amt(500_000),
			},
		},
	}

	if err := bt.ApplyBatch(batch); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if got := bt.GetBalance(bidder); got.Cmp(amt(500_000)) != 0 {
		t.Errorf("expected 500000 after batch apply, got %s", got)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bidder := ledger.NewAccount("0xbidder1", "USDT")

	// Deposit
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  bidder,
		CreditAccount: ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
		Asset:         "USDT",
		Amount:        amt(1_000_000),
	})

	// Escrow pull
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewSystemAccount(ledger.SystemAuction, "USDT"),
		CreditAccount: bidder,
		Asset:         "USDT",
		Amount:        amt(300_000),
	})

	totals := bt.ComputeGlobalBalance()
	for asset, total := range totals {
		if total.Sign() != 0 {
			t.Errorf("asset %s has non-zero global balance: %s", asset, total)
		}
	}
}

func TestBalanceTracker_ValidateSufficient(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bidder := ledger.NewAccount("0xbidder1", "USDT")

	// No balance, should fail
	if err := bt.ValidateSufficient(bidder, amt(100)); err == nil {
		t.Error("expected error for insufficient balance")
	}

	bt.SetBalance(bidder, amt(1_000))

	if err := bt.ValidateSufficient(bidder, amt(1_000)); err != nil {
		t.Errorf("should have sufficient balance: %v", err)
	}

	if err := bt.ValidateSufficient(bidder, amt(1_001)); err == nil {
		t.Error("expected error for 1001 > 1000")
	}
}

func TestBalanceTracker_CustodyNonNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	// Boundary accounts may go negative
	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewAccount("0xbidder1", "USDT"),
		CreditAccount: ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
		Asset:         "USDT",
		Amount:        amt(1_000),
	})

	if err := bt.ValidateCustodyNonNegative(); err != nil {
		t.Errorf("negative boundary balance should be allowed: %v", err)
	}

	// Overdraw a system account
	bt.SetBalance(ledger.NewSystemAccount(ledger.SystemRiskFund, "USDT"), amt(-1))

	if err := bt.ValidateCustodyNonNegative(); err == nil {
		t.Error("negative system balance should fail validation")
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bidder := ledger.NewAccount("0xbidder1", "USDT")
	bt.SetBalance(bidder, amt(999))

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating the snapshot should not affect the tracker
	for k := range snap {
		snap[k].SetInt64(0)
	}

	if bt.GetBalance(bidder).Cmp(amt(999)) != 0 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID:  uuid.New(),
		Journals: []ledger.Journal{},
	}

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	for _, bad := range []*big.Int{nil, amt(0), amt(-100)} {
		batchID := uuid.New()
		batch := &ledger.Batch{
			BatchID: batchID,
			Journals: []ledger.Journal{
				{
					JournalID:     uuid.New(),
					BatchID:       batchID,
					DebitAccount:  ledger.NewAccount("0xbidder1", "USDT"),
					CreditAccount: ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
					Asset:         "USDT",
					Amount:        bad,
				},
			},
		}

		if err := batch.Validate(); err == nil {
			t.Errorf("amount %v should fail validation", bad)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	batchID := uuid.New()
	sameAccount := ledger.NewAccount("0xbidder1", "USDT")

	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  sameAccount,
				CreditAccount: sameAccount,
				Asset:         "USDT",
				Amount:        amt(100),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := &ledger.Batch{
		BatchID: uuid.New(),
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       uuid.New(), // Different batch ID
				DebitAccount:  ledger.NewAccount("0xbidder1", "USDT"),
				CreditAccount: ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
				Asset:         "USDT",
				Amount:        amt(100),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

func TestBatchValidate_AssetMismatch_Fails(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewAccount("0xbidder1", "WBTC"),
				CreditAccount: ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
				Asset:         "USDT",
				Amount:        amt(100),
			},
		},
	}

	if err := batch.Validate(); err == nil {
		t.Error("cross-asset journal should fail validation")
	}
}

func TestBatchValidate_ValidBatch_Passes(t *testing.T) {
	batchID := uuid.New()
	batch := &ledger.Batch{
		BatchID: batchID,
		Journals: []ledger.Journal{
			{
				JournalID:     uuid.New(),
				BatchID:       batchID,
				DebitAccount:  ledger.NewAccount("0xbidder1", "USDT"),
				CreditAccount: ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
				Asset:         "USDT",
				Amount:        amt(1_000_000),
			},
		},
	}

	if err := batch.Validate(); err != nil {
		t.Errorf("valid batch should pass: %v", err)
	}
}

// ============================================================================
// Test: BatchBuilder
// ============================================================================

func TestBatchBuilder_DepositNoFee(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bb := ledger.NewBatchBuilder(bt, ledger.FeeTable{}, "evt-1", 1, 100)

	bidder := ledger.NewAccount("0xbidder1", "USDT")
	net, err := bb.Transfer(ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"), bidder, amt(10_000), ledger.JournalTypeDeposit)
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if net.Cmp(amt(10_000)) != 0 {
		t.Errorf("fee-free transfer should credit full amount, got %s", net)
	}

	if err := bt.ApplyBatch(bb.Batch()); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if got := bt.GetBalance(bidder); got.Cmp(amt(10_000)) != 0 {
		t.Errorf("bidder balance: got %s, want 10000", got)
	}
}

func TestBatchBuilder_FeeOnTransferSplit(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	fees := ledger.FeeTable{"FEETOKEN": 100} // 1%
	bidder := ledger.NewAccount("0xbidder1", "FEETOKEN")
	bt.SetBalance(bidder, amt(10_000))

	bb := ledger.NewBatchBuilder(bt, fees, "evt-2", 2, 101)
	escrow := ledger.NewSystemAccount(ledger.SystemAuction, "FEETOKEN")

	net, err := bb.Transfer(bidder, escrow, amt(10_000), ledger.JournalTypeBidEscrow)
	if err != nil {
		t.Fatalf("Transfer failed: %v", err)
	}
	if net.Cmp(amt(9_900)) != 0 {
		t.Errorf("net credited: got %s, want 9900", net)
	}

	if err := bt.ApplyBatch(bb.Batch()); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}

	if got := bt.GetBalance(bidder); got.Sign() != 0 {
		t.Errorf("source should be drained, got %s", got)
	}
	if got := bt.GetBalance(escrow); got.Cmp(amt(9_900)) != 0 {
		t.Errorf("escrow: got %s, want 9900", got)
	}
	feeSink := ledger.NewSystemAccount(ledger.SystemTokenFees, "FEETOKEN")
	if got := bt.GetBalance(feeSink); got.Cmp(amt(100)) != 0 {
		t.Errorf("fee sink: got %s, want 100", got)
	}
}

func TestBatchBuilder_InsufficientSource_Fails(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bidder := ledger.NewAccount("0xbidder1", "USDT")
	bt.SetBalance(bidder, amt(100))

	bb := ledger.NewBatchBuilder(bt, ledger.FeeTable{}, "evt-3", 3, 102)
	_, err := bb.Transfer(bidder, ledger.NewSystemAccount(ledger.SystemAuction, "USDT"), amt(101), ledger.JournalTypeBidEscrow)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if !bb.Empty() {
		t.Error("failed transfer should stage nothing")
	}
}

func TestBatchBuilder_BoundarySourceExempt(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bb := ledger.NewBatchBuilder(bt, ledger.FeeTable{}, "evt-4", 4, 103)

	// Deposits boundary starts at zero and goes negative; no sufficiency check
	_, err := bb.Transfer(ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
		ledger.NewAccount("0xbidder1", "USDT"), amt(1_000_000), ledger.JournalTypeDeposit)
	if err != nil {
		t.Fatalf("boundary source should be exempt from sufficiency: %v", err)
	}
}

func TestBatchBuilder_RefundFundsNextLeg(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bidder := ledger.NewAccount("0xbidder1", "USDT")
	escrow := ledger.NewSystemAccount(ledger.SystemAuction, "USDT")
	bt.SetBalance(bidder, amt(100))
	bt.SetBalance(escrow, amt(900))

	// Same bidder raises their own bid: the staged refund funds the
	// larger escrow pull within one batch.
	bb := ledger.NewBatchBuilder(bt, ledger.FeeTable{}, "evt-5", 5, 104)
	if _, err := bb.Transfer(escrow, bidder, amt(900), ledger.JournalTypeBidRefund); err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if _, err := bb.Transfer(bidder, escrow, amt(1_000), ledger.JournalTypeBidEscrow); err != nil {
		t.Fatalf("escrow pull should see the staged refund: %v", err)
	}

	if err := bt.ApplyBatch(bb.Batch()); err != nil {
		t.Fatalf("ApplyBatch failed: %v", err)
	}
	if got := bt.GetBalance(escrow); got.Cmp(amt(1_000)) != 0 {
		t.Errorf("escrow: got %s, want 1000", got)
	}
	if got := bt.GetBalance(bidder); got.Sign() != 0 {
		t.Errorf("bidder: got %s, want 0", got)
	}
}

func TestBatchBuilder_CrossAssetTransfer_Fails(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bb := ledger.NewBatchBuilder(bt, ledger.FeeTable{}, "evt-6", 6, 105)

	_, err := bb.Transfer(ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
		ledger.NewAccount("0xbidder1", "WBTC"), amt(100), ledger.JournalTypeDeposit)
	if err == nil {
		t.Error("cross-asset transfer should fail")
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	// Empty ledger, should pass
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	bt.ApplyJournal(ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		DebitAccount:  ledger.NewAccount("0xbidder1", "USDT"),
		CreditAccount: ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
		Asset:         "USDT",
		Amount:        amt(1_000_000),
	})

	// Still zero-sum
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}

	// A one-sided restore breaks the invariant
	bt.SetBalance(ledger.NewSystemAccount(ledger.SystemRiskFund, "USDT"), amt(5))
	if err := v.ValidateGlobalBalance(); err == nil {
		t.Error("one-sided balance should fail zero-sum validation")
	}
}
