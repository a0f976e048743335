package query

import (
	"context"
	"database/sql"
	"fmt"
)

// QueryService provides read-only access to projection tables. All
// responses carry as_of_sequence from the projection watermark so
// clients can reason about freshness relative to the event log.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// ErrNotFound is returned when a requested entity has no projection row.
var ErrNotFound = sql.ErrNoRows

// ListAuctions returns all auctions, optionally filtered by status.
func (qs *QueryService) ListAuctions(ctx context.Context, status string) ([]AuctionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT pool, auction_type, status, start_block, start_bid_bps,
		       pool_bad_debt_usd, seized_risk_fund,
		       highest_bidder, highest_bid_bps, COALESCE(highest_bid_block, 0),
		       COALESCE(winner, ''), COALESCE(winning_bid_bps, 0), COALESCE(closed_height, 0),
		       restarted
		FROM projections.auctions
	`
	args := []interface{}{}
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, status)
	}
	query += " ORDER BY start_block DESC"

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []AuctionResponse
	for rows.Next() {
		var a AuctionResponse
		a.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&a.Pool, &a.AuctionType, &a.Status, &a.StartBlock, &a.StartBidBps,
			&a.PoolBadDebtUsd, &a.SeizedRiskFund,
			&a.HighestBidder, &a.HighestBidBps, &a.HighestBidBlock,
			&a.Winner, &a.WinningBidBps, &a.ClosedHeight,
			&a.Restarted,
		); err != nil {
			return nil, err
		}
		auctions = append(auctions, a)
	}

	return auctions, rows.Err()
}

// GetAuction returns the auction record for a single pool.
func (qs *QueryService) GetAuction(ctx context.Context, pool string) (*AuctionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var a AuctionResponse
	a.AsOfSequence = asOfSeq
	err = qs.db.QueryRowContext(ctx, `
		SELECT pool, auction_type, status, start_block, start_bid_bps,
		       pool_bad_debt_usd, seized_risk_fund,
		       highest_bidder, highest_bid_bps, COALESCE(highest_bid_block, 0),
		       COALESCE(winner, ''), COALESCE(winning_bid_bps, 0), COALESCE(closed_height, 0),
		       restarted
		FROM projections.auctions
		WHERE pool = $1
	`, pool).Scan(
		&a.Pool, &a.AuctionType, &a.Status, &a.StartBlock, &a.StartBidBps,
		&a.PoolBadDebtUsd, &a.SeizedRiskFund,
		&a.HighestBidder, &a.HighestBidBps, &a.HighestBidBlock,
		&a.Winner, &a.WinningBidBps, &a.ClosedHeight,
		&a.Restarted,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAuctionBids returns the bid history for a pool, newest first.
func (qs *QueryService) GetAuctionBids(
	ctx context.Context,
	pool string,
	limit int,
	afterSequence *int64,
) ([]BidResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT pool, bidder, bid_bps, height, sequence
		FROM projections.auction_bids
		WHERE pool = $1
	`
	args := []interface{}{pool}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bids []BidResponse
	for rows.Next() {
		var b BidResponse
		b.AsOfSequence = asOfSeq
		if err := rows.Scan(&b.Pool, &b.Bidder, &b.BidBps, &b.Height, &b.Sequence); err != nil {
			return nil, err
		}
		bids = append(bids, b)
	}

	return bids, rows.Err()
}

// GetPoolReserves returns the per-asset reserve lines held for a pool.
func (qs *QueryService) GetPoolReserves(ctx context.Context, pool string) ([]ReserveResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT pool, asset, amount
		FROM projections.pool_reserves
		WHERE pool = $1 AND amount != 0
		ORDER BY asset
	`, pool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reserves []ReserveResponse
	for rows.Next() {
		var r ReserveResponse
		r.AsOfSequence = asOfSeq
		if err := rows.Scan(&r.Pool, &r.Asset, &r.Amount); err != nil {
			return nil, err
		}
		reserves = append(reserves, r)
	}

	return reserves, rows.Err()
}

// GetRiskFund returns the base-token risk fund balance for a pool.
// Pools with no conversions yet report a zero fund rather than an error.
func (qs *QueryService) GetRiskFund(ctx context.Context, pool string) (*RiskFundResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rf := &RiskFundResponse{Pool: pool, BaseAmount: "0", AsOfSequence: asOfSeq}
	err = qs.db.QueryRowContext(ctx, `
		SELECT base_amount FROM projections.risk_fund WHERE pool = $1
	`, pool).Scan(&rf.BaseAmount)
	if err == sql.ErrNoRows {
		return rf, nil
	}
	if err != nil {
		return nil, err
	}
	return rf, nil
}

// GetAccountBalances returns all non-zero ledger balances whose account
// path starts with the given prefix, for example "bidder:alice" or
// "system:fees".
func (qs *QueryService) GetAccountBalances(ctx context.Context, accountPrefix string) ([]BalanceResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT account_path, asset, balance
		FROM projections.balances
		WHERE account_path LIKE $1 || '%' AND balance != 0
		ORDER BY account_path, asset
	`, accountPrefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var balances []BalanceResponse
	for rows.Next() {
		var b BalanceResponse
		b.AsOfSequence = asOfSeq
		if err := rows.Scan(&b.AccountPath, &b.Asset, &b.Balance); err != nil {
			return nil, err
		}
		balances = append(balances, b)
	}

	return balances, rows.Err()
}

// GetJournalHistory returns journal entries touching an account, with
// cursor-based pagination on sequence.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	accountPath string,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount, journal_type, height
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []interface{}{accountPath}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Height,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and the
// per-asset zero-sum invariant over all journal entries.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	if err := qs.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM event_log.events
	`).Scan(&report.EventCount); err != nil {
		return nil, err
	}

	// Every event's prev_hash must equal the previous event's state_hash.
	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.prev_hash != e2.state_hash
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Journal entries are double entries: debits and credits of an asset
	// must net to zero across all accounts.
	balanceRows, err := qs.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::text AS total
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) != 0
	`)
	if err != nil {
		return nil, err
	}
	defer balanceRows.Close()

	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
