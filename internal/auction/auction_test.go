package auction_test

import (
	"errors"
	"math/big"
	"testing"

	"shortfall/internal/auction"
	"shortfall/internal/fund"
	"shortfall/internal/guard"
	"shortfall/internal/ledger"
	"shortfall/internal/state"
)

func wad(n int64) *big.Int {
	v := big.NewInt(n)
	return v.Mul(v, big.NewInt(1_000_000_000_000_000_000))
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

type fixture struct {
	registry *state.Registry
	prices   *state.PriceBook
	tracker  *ledger.BalanceTracker
	reserves *fund.ReserveLedger
	fund     *fund.RiskFund
	engine   *auction.Engine
}

// newFixture builds a pool of four markets: ZRX at 1 USD, MKR at 0.50
// USD, FEE at 1 USD with a 10% transfer fee, and USDT as the base
// asset. Auction windows are shortened to 10 blocks.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	registry := state.NewRegistry()
	must(t, registry.RegisterPool("pool-1", "Core Pool"))
	must(t, registry.ListMarket("vZRX", "pool-1", "ZRX", 0))
	must(t, registry.ListMarket("vMKR", "pool-1", "MKR", 0))
	must(t, registry.ListMarket("vFEE", "pool-1", "FEE", 1_000))
	must(t, registry.ListMarket("vUSDT", "pool-1", "USDT", 0))

	halfWad := new(big.Int).Div(wad(1), big.NewInt(2))
	prices := state.NewPriceBook()
	must(t, prices.Update("ZRX", wad(1), 1, 1))
	must(t, prices.Update("MKR", halfWad, 1, 1))
	must(t, prices.Update("FEE", wad(1), 1, 1))
	must(t, prices.Update("USDT", wad(1), 1, 1))

	tracker := ledger.NewBalanceTracker()
	fundGuard := &guard.Guard{}
	reserves := fund.NewReserveLedger(registry, tracker, fundGuard)

	router, err := fund.NewOracleRouter(prices, 0)
	must(t, err)
	rf, err := fund.NewRiskFund(registry, prices, reserves, router, fundGuard, "USDT", wad(10), 8)
	must(t, err)

	cfg := auction.Config{
		IncentiveBps:         1_000,
		MinimumPoolBadDebt:   wad(1_000),
		WaitForFirstBidder:   10,
		NextBidderBlockLimit: 10,
	}
	engine, err := auction.NewEngine(registry, prices, rf, tracker, &guard.Guard{}, cfg)
	must(t, err)

	return &fixture{
		registry: registry,
		prices:   prices,
		tracker:  tracker,
		reserves: reserves,
		fund:     rf,
		engine:   engine,
	}
}

func (f *fixture) builder(ref string) *ledger.BatchBuilder {
	return ledger.NewBatchBuilder(f.tracker, f.registry, ref, 1, 100)
}

func (f *fixture) reportDebt(t *testing.T, market string, amount *big.Int) {
	t.Helper()
	must(t, f.registry.ReportBadDebt(market, amount))
}

// deposit credits a bidder's tracked custody, net of any transfer fee.
func (f *fixture) deposit(t *testing.T, account, asset string, amount *big.Int) {
	t.Helper()
	bb := f.builder("deposit")
	_, err := bb.Transfer(
		ledger.NewBoundaryAccount(ledger.BoundaryDeposits, asset),
		ledger.NewAccount(account, asset),
		amount, ledger.JournalTypeDeposit)
	must(t, err)
	must(t, f.tracker.ApplyBatch(bb.Batch()))
}

// fundPool lands base asset in the risk fund and converts it into the
// pool's spendable treasury share.
func (f *fixture) fundPool(t *testing.T, amount *big.Int) {
	t.Helper()
	bb := f.builder("donate")
	_, err := bb.Transfer(
		ledger.NewBoundaryAccount(ledger.BoundaryDeposits, "USDT"),
		ledger.NewSystemAccount(ledger.SystemRiskFund, "USDT"),
		amount, ledger.JournalTypeDeposit)
	must(t, err)
	must(t, f.tracker.ApplyBatch(bb.Batch()))
	if _, err := f.reserves.RecognizeSurplus("pool-1", "USDT"); err != nil {
		t.Fatalf("recognize failed: %v", err)
	}

	bb = f.builder("convert")
	plan, err := f.fund.PlanConversion([]string{"vUSDT"}, []*big.Int{wad(1)}, [][]string{{"USDT"}}, 1_000, 100, bb)
	must(t, err)
	if !bb.Empty() {
		must(t, f.tracker.ApplyBatch(bb.Batch()))
	}
	must(t, f.fund.CommitConversion(plan))
}

func (f *fixture) bid(t *testing.T, bidder string, bps, startBlock, height int64) *auction.BidPlan {
	t.Helper()
	bb := f.builder("bid")
	plan, err := f.engine.PlanBid("pool-1", bidder, bps, startBlock, height, bb)
	must(t, err)
	must(t, f.tracker.ApplyBatch(bb.Batch()))
	must(t, f.engine.CommitBid(plan))
	return plan
}

func (f *fixture) closeAuction(t *testing.T, height int64) (*auction.ClosePlan, map[string]*big.Int) {
	t.Helper()
	bb := f.builder("close")
	plan, err := f.engine.PlanClose("pool-1", height, bb)
	must(t, err)
	must(t, f.tracker.ApplyBatch(bb.Batch()))
	applied, err := f.engine.CommitClose(plan)
	must(t, err)
	return plan, applied
}

func (f *fixture) accountBal(account, asset string) *big.Int {
	return f.tracker.GetBalance(ledger.NewAccount(account, asset))
}

func (f *fixture) auctionBal(asset string) *big.Int {
	return f.tracker.GetBalance(ledger.NewSystemAccount(ledger.SystemAuction, asset))
}

// debtHeavy: 1500 USD of pool bad debt against a 500 USD treasury, so
// debt plus the 10% incentive dwarfs the fund.
func debtHeavy(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.reportDebt(t, "vZRX", wad(1_000))
	f.reportDebt(t, "vMKR", wad(1_000))
	f.fundPool(t, wad(500))
	return f
}

// fundHeavy: the same 1500 USD of debt against a 5000 USD treasury.
func fundHeavy(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.reportDebt(t, "vZRX", wad(1_000))
	f.reportDebt(t, "vMKR", wad(1_000))
	f.fundPool(t, wad(5_000))
	return f
}

// ============================================================================
// Test: starting
// ============================================================================

func TestStartAuction_LargePoolDebt(t *testing.T) {
	f := debtHeavy(t)

	res, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)

	if res.Type != auction.TypeLargePoolDebt {
		t.Errorf("type: got %v, want %v", res.Type, auction.TypeLargePoolDebt)
	}
	if res.PoolBadDebtUsd.Cmp(wad(1_500)) != 0 {
		t.Errorf("pool bad debt: got %s, want %s", res.PoolBadDebtUsd, wad(1_500))
	}
	// 10000^2 * 500 / (1500 * 11000), truncated.
	if res.StartBidBps != 3_030 {
		t.Errorf("start bid: got %d, want 3030", res.StartBidBps)
	}
	if res.SeizedRiskFund.Cmp(wad(500)) != 0 {
		t.Errorf("seized: got %s, want %s", res.SeizedRiskFund, wad(500))
	}
	wantMarkets := []string{"vFEE", "vMKR", "vUSDT", "vZRX"}
	if len(res.Markets) != len(wantMarkets) {
		t.Fatalf("markets: got %v, want %v", res.Markets, wantMarkets)
	}
	for i, m := range wantMarkets {
		if res.Markets[i] != m {
			t.Errorf("markets[%d]: got %s, want %s", i, res.Markets[i], m)
		}
	}
	if res.MarketDebt["vZRX"].Cmp(wad(1_000)) != 0 {
		t.Errorf("vZRX debt snapshot: got %s", res.MarketDebt["vZRX"])
	}
	if res.MarketDebt["vFEE"].Sign() != 0 {
		t.Errorf("vFEE debt snapshot: got %s, want 0", res.MarketDebt["vFEE"])
	}

	a, ok := f.engine.Auction("pool-1")
	if !ok {
		t.Fatal("auction record missing")
	}
	if a.Status != auction.StatusStarted || a.StartBlock != 100 || a.HighestBidder != "" {
		t.Errorf("record: status %v, start %d, bidder %q", a.Status, a.StartBlock, a.HighestBidder)
	}
}

func TestStartAuction_LargeRiskFund(t *testing.T) {
	f := fundHeavy(t)

	res, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)

	if res.Type != auction.TypeLargeRiskFund {
		t.Errorf("type: got %v, want %v", res.Type, auction.TypeLargeRiskFund)
	}
	if res.StartBidBps != 10_000 {
		t.Errorf("start bid: got %d, want 10000", res.StartBidBps)
	}
	// Debt loaded with the 10% incentive, not the whole treasury.
	if res.SeizedRiskFund.Cmp(wad(1_650)) != 0 {
		t.Errorf("seized: got %s, want %s", res.SeizedRiskFund, wad(1_650))
	}
}

func TestStartAuction_FundEqualsDebtPlusIncentive(t *testing.T) {
	f := newFixture(t)
	f.reportDebt(t, "vZRX", wad(1_000))
	f.reportDebt(t, "vMKR", wad(1_000))
	f.fundPool(t, wad(1_650))

	// Equality tips into the debt-heavy mode with the floor at 100%.
	res, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)
	if res.Type != auction.TypeLargePoolDebt {
		t.Errorf("type: got %v, want %v", res.Type, auction.TypeLargePoolDebt)
	}
	if res.StartBidBps != 10_000 {
		t.Errorf("start bid: got %d, want 10000", res.StartBidBps)
	}
}

func TestStartAuction_Validations(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.StartAuction("pool-9", 100); !errors.Is(err, state.ErrUnknownPool) {
		t.Errorf("unknown pool: got %v", err)
	}

	f = newFixture(t)
	f.reportDebt(t, "vZRX", wad(999))
	if _, err := f.engine.StartAuction("pool-1", 100); !errors.Is(err, auction.ErrBadDebtTooLow) {
		t.Errorf("below floor: got %v", err)
	}

	// Zero debt is rejected even with the floor lowered to zero.
	f = newFixture(t)
	if _, err := f.engine.SetMinimumPoolBadDebt(new(big.Int)); err != nil {
		t.Fatalf("set floor: %v", err)
	}
	if _, err := f.engine.StartAuction("pool-1", 100); !errors.Is(err, auction.ErrBadDebtTooLow) {
		t.Errorf("zero debt: got %v", err)
	}

	f = newFixture(t)
	must(t, f.registry.ListMarket("vDOGE", "pool-1", "DOGE", 0))
	f.reportDebt(t, "vZRX", wad(1_500))
	if _, err := f.engine.StartAuction("pool-1", 100); !errors.Is(err, state.ErrNoPrice) {
		t.Errorf("missing price: got %v", err)
	}

	f = debtHeavy(t)
	if _, err := f.engine.StartAuction("pool-1", 100); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := f.engine.StartAuction("pool-1", 101); !errors.Is(err, auction.ErrAuctionActive) {
		t.Errorf("double start: got %v", err)
	}

	f = debtHeavy(t)
	must(t, f.engine.Pause())
	if _, err := f.engine.StartAuction("pool-1", 100); !errors.Is(err, auction.ErrPaused) {
		t.Errorf("paused: got %v", err)
	}
}

// ============================================================================
// Test: bidding
// ============================================================================

func TestPlaceBid_EscrowAndRefund(t *testing.T) {
	f := debtHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)

	f.deposit(t, "0xb1", "ZRX", wad(1_000))
	f.deposit(t, "0xb1", "MKR", wad(1_000))
	plan := f.bid(t, "0xb1", 3_030, 100, 105)

	// Escrow is bidBps of each market's debt snapshot.
	if plan.BidAmounts["vZRX"].Cmp(wad(303)) != 0 {
		t.Errorf("vZRX escrow: got %s, want %s", plan.BidAmounts["vZRX"], wad(303))
	}
	if plan.BidAmounts["vMKR"].Cmp(wad(303)) != 0 {
		t.Errorf("vMKR escrow: got %s, want %s", plan.BidAmounts["vMKR"], wad(303))
	}
	if len(plan.Refunds) != 0 {
		t.Errorf("first bid refunds: got %v", plan.Refunds)
	}
	if got := f.auctionBal("ZRX"); got.Cmp(wad(303)) != 0 {
		t.Errorf("auction ZRX custody: got %s, want %s", got, wad(303))
	}
	if got := f.accountBal("0xb1", "ZRX"); got.Cmp(wad(697)) != 0 {
		t.Errorf("bidder ZRX custody: got %s, want %s", got, wad(697))
	}

	a, _ := f.engine.Auction("pool-1")
	if a.HighestBidder != "0xb1" || a.HighestBidBps != 3_030 || a.HighestBidBlock != 105 {
		t.Errorf("highest: %s %d @%d", a.HighestBidder, a.HighestBidBps, a.HighestBidBlock)
	}

	// A better bid refunds the previous bidder in full.
	f.deposit(t, "0xb2", "ZRX", wad(1_000))
	f.deposit(t, "0xb2", "MKR", wad(1_000))
	plan = f.bid(t, "0xb2", 5_000, 100, 108)

	if plan.Refunds["vZRX"].Cmp(wad(303)) != 0 {
		t.Errorf("vZRX refund: got %s, want %s", plan.Refunds["vZRX"], wad(303))
	}
	if got := f.accountBal("0xb1", "ZRX"); got.Cmp(wad(1_000)) != 0 {
		t.Errorf("refunded bidder ZRX: got %s, want %s", got, wad(1_000))
	}
	if got := f.accountBal("0xb1", "MKR"); got.Cmp(wad(1_000)) != 0 {
		t.Errorf("refunded bidder MKR: got %s, want %s", got, wad(1_000))
	}
	if got := f.auctionBal("ZRX"); got.Cmp(wad(500)) != 0 {
		t.Errorf("auction ZRX custody: got %s, want %s", got, wad(500))
	}
	must(t, f.engine.CheckEscrowConsistency())
}

func TestPlaceBid_Descending(t *testing.T) {
	f := fundHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)

	// Fund-heavy bids escrow the full debt snapshot regardless of bps.
	f.deposit(t, "0xb1", "ZRX", wad(1_000))
	f.deposit(t, "0xb1", "MKR", wad(1_000))
	plan := f.bid(t, "0xb1", 10_000, 100, 102)
	if plan.BidAmounts["vZRX"].Cmp(wad(1_000)) != 0 {
		t.Errorf("vZRX escrow: got %s, want %s", plan.BidAmounts["vZRX"], wad(1_000))
	}
	if got := f.accountBal("0xb1", "MKR"); got.Sign() != 0 {
		t.Errorf("bidder MKR custody: got %s, want 0", got)
	}

	bb := f.builder("bid")
	if _, err := f.engine.PlanBid("pool-1", "0xb2", 10_000, 100, 104, bb); !errors.Is(err, auction.ErrBidNotImproving) {
		t.Errorf("matching bid: got %v", err)
	}

	f.deposit(t, "0xb2", "ZRX", wad(1_000))
	f.deposit(t, "0xb2", "MKR", wad(1_000))
	f.bid(t, "0xb2", 8_000, 100, 106)
	if got := f.accountBal("0xb1", "ZRX"); got.Cmp(wad(1_000)) != 0 {
		t.Errorf("refunded bidder ZRX: got %s, want %s", got, wad(1_000))
	}

	bb = f.builder("bid")
	if _, err := f.engine.PlanBid("pool-1", "0xb1", 8_000, 100, 107, bb); !errors.Is(err, auction.ErrBidNotImproving) {
		t.Errorf("matching descending bid: got %v", err)
	}
	bb = f.builder("bid")
	if _, err := f.engine.PlanBid("pool-1", "0xb1", 7_999, 100, 107, bb); err != nil {
		t.Errorf("improving descending bid: got %v", err)
	}
}

func TestPlaceBid_Validations(t *testing.T) {
	f := newFixture(t)
	bb := f.builder("bid")
	if _, err := f.engine.PlanBid("pool-1", "0xb1", 5_000, 100, 105, bb); !errors.Is(err, auction.ErrAuctionNotStarted) {
		t.Errorf("no auction: got %v", err)
	}

	f = debtHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)

	cases := []struct {
		name       string
		bidder     string
		bps        int64
		startBlock int64
		height     int64
		want       error
	}{
		{"zero bps", "0xb1", 0, 100, 105, auction.ErrInvalidBps},
		{"bps over max", "0xb1", 10_001, 100, 105, auction.ErrInvalidBps},
		{"wrong start block", "0xb1", 5_000, 99, 105, auction.ErrAuctionRestarted},
		{"below start bid", "0xb1", 3_029, 100, 105, auction.ErrBidNotImproving},
		{"empty bidder", "", 5_000, 100, 105, auction.ErrInvalidParam},
		{"stale", "0xb1", 5_000, 100, 111, auction.ErrAuctionStale},
	}
	for _, tc := range cases {
		bb := f.builder("bid")
		if _, err := f.engine.PlanBid("pool-1", tc.bidder, tc.bps, tc.startBlock, tc.height, bb); !errors.Is(err, tc.want) {
			t.Errorf("%s: got %v, want %v", tc.name, err, tc.want)
		}
	}

	// Matching the highest bid is not an improvement.
	f.deposit(t, "0xb1", "ZRX", wad(1_000))
	f.deposit(t, "0xb1", "MKR", wad(1_000))
	f.bid(t, "0xb1", 3_030, 100, 105)
	bb = f.builder("bid")
	if _, err := f.engine.PlanBid("pool-1", "0xb2", 3_030, 100, 106, bb); !errors.Is(err, auction.ErrBidNotImproving) {
		t.Errorf("matching bid: got %v", err)
	}
}

func TestPlaceBid_InsufficientCustody(t *testing.T) {
	f := debtHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)

	bb := f.builder("bid")
	if _, err := f.engine.PlanBid("pool-1", "0xpoor", 3_030, 100, 105, bb); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("unfunded bid: got %v", err)
	}

	// The failed plan left no mark: no journals, no highest bidder.
	if !bb.Empty() {
		t.Error("failed bid staged journals")
	}
	a, _ := f.engine.Auction("pool-1")
	if a.HighestBidder != "" {
		t.Errorf("highest bidder: got %q, want none", a.HighestBidder)
	}
}

func TestPlaceBid_FeeOnTransferEscrow(t *testing.T) {
	f := newFixture(t)
	f.reportDebt(t, "vFEE", wad(1_000))
	f.fundPool(t, wad(500))
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)

	// The 10% transfer fee applies on the way in: deposits and escrow
	// both land net.
	f.deposit(t, "0xb1", "FEE", wad(2_000))
	if got := f.accountBal("0xb1", "FEE"); got.Cmp(wad(1_800)) != 0 {
		t.Fatalf("deposit net: got %s, want %s", got, wad(1_800))
	}

	plan := f.bid(t, "0xb1", 5_000, 100, 105)
	if plan.BidAmounts["vFEE"].Cmp(wad(450)) != 0 {
		t.Errorf("escrow net: got %s, want %s", plan.BidAmounts["vFEE"], wad(450))
	}
	if got := f.auctionBal("FEE"); got.Cmp(wad(450)) != 0 {
		t.Errorf("auction custody: got %s, want %s", got, wad(450))
	}

	// The refund pays out what was actually held, again net of fee.
	f.deposit(t, "0xb2", "FEE", wad(2_000))
	plan = f.bid(t, "0xb2", 6_000, 100, 108)
	if plan.Refunds["vFEE"].Cmp(wad(405)) != 0 {
		t.Errorf("refund net: got %s, want %s", plan.Refunds["vFEE"], wad(405))
	}
	if got := f.accountBal("0xb1", "FEE"); got.Cmp(wad(1_705)) != 0 {
		t.Errorf("refunded custody: got %s, want %s", got, wad(1_705))
	}
	if plan.BidAmounts["vFEE"].Cmp(wad(540)) != 0 {
		t.Errorf("second escrow net: got %s, want %s", plan.BidAmounts["vFEE"], wad(540))
	}
	must(t, f.engine.CheckEscrowConsistency())

	// Close repays the held escrow; the market is credited net and bad
	// debt burns down by that amount only.
	closePlan, applied := f.closeAuction(t, 119)
	if closePlan.Recovered["vFEE"].Cmp(wad(486)) != 0 {
		t.Errorf("recovered: got %s, want %s", closePlan.Recovered["vFEE"], wad(486))
	}
	if applied["vFEE"].Cmp(wad(486)) != 0 {
		t.Errorf("applied: got %s, want %s", applied["vFEE"], wad(486))
	}
	debt, err := f.registry.BadDebt("vFEE")
	must(t, err)
	if debt.Cmp(wad(514)) != 0 {
		t.Errorf("remaining bad debt: got %s, want %s", debt, wad(514))
	}
}

// ============================================================================
// Test: closing
// ============================================================================

func TestCloseAuction_LargePoolDebt(t *testing.T) {
	f := debtHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)

	f.deposit(t, "0xb1", "ZRX", wad(1_000))
	f.deposit(t, "0xb1", "MKR", wad(1_000))
	f.bid(t, "0xb1", 3_030, 100, 105)
	f.deposit(t, "0xb2", "ZRX", wad(1_000))
	f.deposit(t, "0xb2", "MKR", wad(1_000))
	f.bid(t, "0xb2", 5_000, 100, 108)

	// The close window opens strictly after highestBidBlock + limit.
	bb := f.builder("close")
	if _, err := f.engine.PlanClose("pool-1", 118, bb); !errors.Is(err, auction.ErrWaitingForBidder) {
		t.Fatalf("window not elapsed: got %v", err)
	}

	plan, applied := f.closeAuction(t, 119)
	if plan.Winner != "0xb2" || plan.WinningBidBps != 5_000 {
		t.Errorf("winner: %s @%d", plan.Winner, plan.WinningBidBps)
	}
	if plan.Recovered["vZRX"].Cmp(wad(500)) != 0 || plan.Recovered["vMKR"].Cmp(wad(500)) != 0 {
		t.Errorf("recovered: %v", plan.Recovered)
	}
	if applied["vZRX"].Cmp(wad(500)) != 0 {
		t.Errorf("applied vZRX: got %s, want %s", applied["vZRX"], wad(500))
	}
	debt, err := f.registry.BadDebt("vZRX")
	must(t, err)
	if debt.Cmp(wad(500)) != 0 {
		t.Errorf("vZRX debt after close: got %s, want %s", debt, wad(500))
	}

	// Debt-heavy close pays the whole seized fund to the winner.
	if plan.PayoutRequested.Cmp(wad(500)) != 0 || plan.PayoutForwarded.Cmp(wad(500)) != 0 {
		t.Errorf("payout: requested %s, forwarded %s", plan.PayoutRequested, plan.PayoutForwarded)
	}
	if got := f.fund.PoolReserve("pool-1"); got.Sign() != 0 {
		t.Errorf("pool treasury after close: got %s, want 0", got)
	}
	if got := f.accountBal("0xb2", "USDT"); got.Cmp(wad(500)) != 0 {
		t.Errorf("winner USDT: got %s, want %s", got, wad(500))
	}

	a, _ := f.engine.Auction("pool-1")
	if a.Status != auction.StatusEnded {
		t.Errorf("status: got %v, want %v", a.Status, auction.StatusEnded)
	}
	if got := f.auctionBal("ZRX"); got.Sign() != 0 {
		t.Errorf("auction ZRX custody after close: got %s", got)
	}
	must(t, f.engine.CheckEscrowConsistency())
	must(t, f.reserves.CheckIdentity())
	must(t, f.reserves.CheckCustodyCoverage())
	must(t, ledger.NewInvariantValidator(f.tracker).ValidateGlobalBalance())
}

func TestCloseAuction_LargeRiskFund(t *testing.T) {
	f := fundHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)

	f.deposit(t, "0xb1", "ZRX", wad(1_000))
	f.deposit(t, "0xb1", "MKR", wad(1_000))
	f.bid(t, "0xb1", 10_000, 100, 105)
	f.deposit(t, "0xb2", "ZRX", wad(1_000))
	f.deposit(t, "0xb2", "MKR", wad(1_000))
	f.bid(t, "0xb2", 8_000, 100, 108)

	plan, applied := f.closeAuction(t, 119)

	// The full debt snapshot is repaid.
	if applied["vZRX"].Cmp(wad(1_000)) != 0 || applied["vMKR"].Cmp(wad(1_000)) != 0 {
		t.Errorf("applied: %v", applied)
	}
	for _, m := range []string{"vZRX", "vMKR"} {
		debt, err := f.registry.BadDebt(m)
		must(t, err)
		if debt.Sign() != 0 {
			t.Errorf("%s debt after close: got %s, want 0", m, debt)
		}
	}

	// The winner takes their fraction; the rest stays in the treasury.
	if plan.PayoutRequested.Cmp(wad(1_320)) != 0 {
		t.Errorf("payout requested: got %s, want %s", plan.PayoutRequested, wad(1_320))
	}
	if got := f.accountBal("0xb2", "USDT"); got.Cmp(wad(1_320)) != 0 {
		t.Errorf("winner USDT: got %s, want %s", got, wad(1_320))
	}
	if got := f.fund.PoolReserve("pool-1"); got.Cmp(wad(3_680)) != 0 {
		t.Errorf("pool treasury after close: got %s, want %s", got, wad(3_680))
	}
	must(t, ledger.NewInvariantValidator(f.tracker).ValidateGlobalBalance())
}

func TestCloseAuction_Validations(t *testing.T) {
	f := newFixture(t)
	bb := f.builder("close")
	if _, err := f.engine.PlanClose("pool-1", 200, bb); !errors.Is(err, auction.ErrAuctionNotStarted) {
		t.Errorf("no auction: got %v", err)
	}

	f = debtHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)
	bb = f.builder("close")
	if _, err := f.engine.PlanClose("pool-1", 200, bb); !errors.Is(err, auction.ErrWaitingForBidder) {
		t.Errorf("no bidder: got %v", err)
	}

	f.deposit(t, "0xb1", "ZRX", wad(1_000))
	f.deposit(t, "0xb1", "MKR", wad(1_000))
	f.bid(t, "0xb1", 3_030, 100, 105)
	f.closeAuction(t, 116)

	bb = f.builder("close")
	if _, err := f.engine.PlanClose("pool-1", 200, bb); !errors.Is(err, auction.ErrAuctionNotStarted) {
		t.Errorf("already closed: got %v", err)
	}
}

// ============================================================================
// Test: staleness and restart
// ============================================================================

func TestRestartAuction_ReplacesStale(t *testing.T) {
	f := debtHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)

	// Exactly at the boundary the auction is not yet stale.
	if _, err := f.engine.RestartAuction("pool-1", 110); !errors.Is(err, auction.ErrNotRestartable) {
		t.Errorf("restart at boundary: got %v", err)
	}

	res, err := f.engine.RestartAuction("pool-1", 111)
	must(t, err)
	if res.StartBlock != 111 {
		t.Errorf("restarted start block: got %d, want 111", res.StartBlock)
	}

	// Bids pinned to the old start block bounce; the new one works.
	f.deposit(t, "0xb1", "ZRX", wad(1_000))
	f.deposit(t, "0xb1", "MKR", wad(1_000))
	bb := f.builder("bid")
	if _, err := f.engine.PlanBid("pool-1", "0xb1", 3_030, 100, 112, bb); !errors.Is(err, auction.ErrAuctionRestarted) {
		t.Errorf("old start block: got %v", err)
	}
	f.bid(t, "0xb1", 3_030, 111, 112)
}

func TestRestartAuction_Rejections(t *testing.T) {
	f := newFixture(t)
	if _, err := f.engine.RestartAuction("pool-1", 100); !errors.Is(err, auction.ErrAuctionNotStarted) {
		t.Errorf("no auction: got %v", err)
	}

	// An auction with a bidder never restarts.
	f = debtHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)
	f.deposit(t, "0xb1", "ZRX", wad(1_000))
	f.deposit(t, "0xb1", "MKR", wad(1_000))
	f.bid(t, "0xb1", 3_030, 100, 105)
	if _, err := f.engine.RestartAuction("pool-1", 300); !errors.Is(err, auction.ErrNotRestartable) {
		t.Errorf("with bidder: got %v", err)
	}

	// Pause rejects the restart before anything is torn down.
	f = debtHeavy(t)
	_, err = f.engine.StartAuction("pool-1", 100)
	must(t, err)
	must(t, f.engine.Pause())
	if _, err := f.engine.RestartAuction("pool-1", 120); !errors.Is(err, auction.ErrPaused) {
		t.Errorf("paused: got %v", err)
	}
	a, _ := f.engine.Auction("pool-1")
	if a.Status != auction.StatusStarted || a.StartBlock != 100 {
		t.Errorf("stale auction touched: status %v, start %d", a.Status, a.StartBlock)
	}
}

func TestRestartAuction_RejectsWithoutTeardown(t *testing.T) {
	f := debtHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)

	// ZRX crashes to 0.10 USD: pool bad debt is now 600 USD, under the
	// floor. The restart must fail whole, leaving the stale auction.
	tenthWad := new(big.Int).Div(wad(1), big.NewInt(10))
	must(t, f.prices.Update("ZRX", tenthWad, 2, 110))

	if _, err := f.engine.RestartAuction("pool-1", 115); !errors.Is(err, auction.ErrBadDebtTooLow) {
		t.Fatalf("restart under floor: got %v", err)
	}
	a, _ := f.engine.Auction("pool-1")
	if a.Status != auction.StatusStarted || a.StartBlock != 100 {
		t.Errorf("stale auction touched: status %v, start %d", a.Status, a.StartBlock)
	}
}

// ============================================================================
// Test: escrow consistency
// ============================================================================

func TestCheckEscrowConsistency_Detects(t *testing.T) {
	f := debtHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)
	f.deposit(t, "0xb1", "ZRX", wad(1_000))
	f.deposit(t, "0xb1", "MKR", wad(1_000))
	f.bid(t, "0xb1", 3_030, 100, 105)
	must(t, f.engine.CheckEscrowConsistency())

	f.tracker.SetBalance(ledger.NewSystemAccount(ledger.SystemAuction, "ZRX"), wad(1))
	if err := f.engine.CheckEscrowConsistency(); err == nil {
		t.Error("tampered escrow custody not detected")
	}
	f.tracker.SetBalance(ledger.NewSystemAccount(ledger.SystemAuction, "ZRX"), wad(303))
	must(t, f.engine.CheckEscrowConsistency())

	f.tracker.SetBalance(ledger.NewSystemAccount(ledger.SystemAuction, "DOGE"), wad(1))
	if err := f.engine.CheckEscrowConsistency(); err == nil {
		t.Error("unexpected auction custody not detected")
	}
}

// ============================================================================
// Test: parameters, pause
// ============================================================================

func TestEngineSetters(t *testing.T) {
	f := newFixture(t)

	old, err := f.engine.SetIncentiveBps(2_000)
	must(t, err)
	if old != 1_000 || f.engine.Config().IncentiveBps != 2_000 {
		t.Errorf("incentive: old %d, now %d", old, f.engine.Config().IncentiveBps)
	}
	if _, err := f.engine.SetIncentiveBps(0); !errors.Is(err, auction.ErrInvalidParam) {
		t.Errorf("zero incentive: got %v", err)
	}

	oldMin, err := f.engine.SetMinimumPoolBadDebt(wad(5))
	must(t, err)
	if oldMin.Cmp(wad(1_000)) != 0 {
		t.Errorf("old floor: got %s, want %s", oldMin, wad(1_000))
	}
	if _, err := f.engine.SetMinimumPoolBadDebt(nil); !errors.Is(err, auction.ErrInvalidParam) {
		t.Errorf("nil floor: got %v", err)
	}

	oldWait, err := f.engine.SetWaitForFirstBidder(50)
	must(t, err)
	if oldWait != 10 {
		t.Errorf("old wait: got %d, want 10", oldWait)
	}
	if _, err := f.engine.SetWaitForFirstBidder(0); !errors.Is(err, auction.ErrInvalidParam) {
		t.Errorf("zero wait: got %v", err)
	}

	oldLimit, err := f.engine.SetNextBidderBlockLimit(7)
	must(t, err)
	if oldLimit != 10 {
		t.Errorf("old limit: got %d, want 10", oldLimit)
	}
	if _, err := f.engine.SetNextBidderBlockLimit(-1); !errors.Is(err, auction.ErrInvalidParam) {
		t.Errorf("negative limit: got %v", err)
	}
}

func TestPauseResume(t *testing.T) {
	f := debtHeavy(t)
	if f.engine.Paused() {
		t.Fatal("paused at birth")
	}
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)
	f.deposit(t, "0xb1", "ZRX", wad(1_000))
	f.deposit(t, "0xb1", "MKR", wad(1_000))
	f.bid(t, "0xb1", 3_030, 100, 105)

	must(t, f.engine.Pause())
	if err := f.engine.Pause(); !errors.Is(err, auction.ErrAlreadyPaused) {
		t.Errorf("double pause: got %v", err)
	}

	// In-flight auctions keep settling while paused.
	f.deposit(t, "0xb2", "ZRX", wad(1_000))
	f.deposit(t, "0xb2", "MKR", wad(1_000))
	f.bid(t, "0xb2", 5_000, 100, 108)
	f.closeAuction(t, 119)

	must(t, f.engine.Resume())
	if err := f.engine.Resume(); !errors.Is(err, auction.ErrNotPaused) {
		t.Errorf("double resume: got %v", err)
	}
}

// ============================================================================
// Test: snapshot / restore
// ============================================================================

func TestEngineSnapshotRestore(t *testing.T) {
	f := debtHeavy(t)
	_, err := f.engine.StartAuction("pool-1", 100)
	must(t, err)
	f.deposit(t, "0xb1", "ZRX", wad(1_000))
	f.deposit(t, "0xb1", "MKR", wad(1_000))
	f.bid(t, "0xb1", 3_030, 100, 105)

	snap := f.engine.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot size: got %d, want 1", len(snap))
	}

	restored, err := auction.NewEngine(f.registry, f.prices, f.fund, f.tracker, &guard.Guard{}, auction.DefaultConfig())
	must(t, err)
	restored.Restore(snap)
	must(t, restored.RestoreConfig(f.engine.Config(), true))

	a, ok := restored.Auction("pool-1")
	if !ok {
		t.Fatal("restored auction missing")
	}
	if a.StartBlock != 100 || a.HighestBidder != "0xb1" || a.HighestBidBps != 3_030 {
		t.Errorf("restored record: start %d, bidder %s @%d", a.StartBlock, a.HighestBidder, a.HighestBidBps)
	}
	if a.BidAmount["vZRX"].Cmp(wad(303)) != 0 {
		t.Errorf("restored escrow: got %s, want %s", a.BidAmount["vZRX"], wad(303))
	}
	if !restored.Paused() {
		t.Error("restored pause flag lost")
	}

	// Restore deep-copies: mutating the snapshot leaves the engine alone.
	snap[0].BidAmount["vZRX"].SetInt64(7)
	a, _ = restored.Auction("pool-1")
	if a.BidAmount["vZRX"].Cmp(wad(303)) != 0 {
		t.Error("restored engine shares snapshot memory")
	}

	if err := restored.RestoreConfig(auction.Config{}, false); !errors.Is(err, auction.ErrInvalidParam) {
		t.Errorf("invalid config: got %v", err)
	}
}

func TestNewEngine_Validations(t *testing.T) {
	f := newFixture(t)
	if _, err := auction.NewEngine(nil, f.prices, f.fund, f.tracker, &guard.Guard{}, auction.DefaultConfig()); err == nil {
		t.Error("nil registry accepted")
	}
	cfg := auction.DefaultConfig()
	cfg.IncentiveBps = 0
	if _, err := auction.NewEngine(f.registry, f.prices, f.fund, f.tracker, &guard.Guard{}, cfg); !errors.Is(err, auction.ErrInvalidParam) {
		t.Error("zero incentive accepted")
	}
}
