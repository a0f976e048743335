package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"shortfall/internal/core"
	"shortfall/internal/observability"
)

// ProjectionOutput is the projection-side form of one core output.
// The orchestrator bridges between core.CoreOutput and this.
type ProjectionOutput struct {
	Sequence  int64
	EventType string
	Pool      *string
	Height    int64
	Journals  []JournalEntry
	Notice    *core.Notice
}

// JournalEntry is a simplified journal for projection consumption.
// The debit account is the destination: debits increase custody.
type JournalEntry struct {
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   string
}

// FromCore flattens a core output into the projection form.
func FromCore(out core.CoreOutput) ProjectionOutput {
	po := ProjectionOutput{
		Sequence:  out.Envelope.Sequence,
		EventType: out.Envelope.EventType.String(),
		Pool:      out.Envelope.PoolID,
		Height:    out.Envelope.Height,
		Notice:    out.Notice,
	}
	if out.Batch != nil {
		po.Journals = make([]JournalEntry, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			po.Journals = append(po.Journals, JournalEntry{
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset,
				Amount:        j.Amount.String(),
				JournalType:   string(j.JournalType),
			})
		}
	}
	return po
}

// ProjectionWorker updates the read-side tables from processed events.
// The projection channel is non-blocking with drop: when projections
// fall behind they are rebuilt from the event log, never stalling the
// core.
type ProjectionWorker struct {
	db         *sql.DB
	inputChan  <-chan ProjectionOutput
	bidHistory *BidHistory
	logger     zerolog.Logger
	lastSeq    int64
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan ProjectionOutput) *ProjectionWorker {
	return &ProjectionWorker{
		db:         db,
		inputChan:  inputChan,
		bidHistory: NewBidHistory(1024),
		logger:     observability.NewLogger("projection"),
	}
}

// BidHistory exposes the in-memory recent-bid buffer for read paths
// that want fresher data than the projection tables.
func (pw *ProjectionWorker) BidHistory() *BidHistory {
	return pw.bidHistory
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	// Start from the stored watermark so replayed outputs after a warm
	// restart do not double-apply balance deltas.
	if err := pw.loadWatermark(ctx); err != nil {
		return fmt.Errorf("load watermark: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if output.Sequence <= pw.lastSeq {
				continue
			}

			if err := pw.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent; a failed
				// update is recovered by RebuildProjections.
				pw.logger.Warn().
					Err(err).
					Int64("sequence", output.Sequence).
					Msg("projection update failed")
			}

			pw.lastSeq = output.Sequence
		}
	}
}

func (pw *ProjectionWorker) loadWatermark(ctx context.Context) error {
	err := pw.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&pw.lastSeq)
	if err == sql.ErrNoRows {
		pw.lastSeq = -1
		return nil
	}
	return err
}

func (pw *ProjectionWorker) processOutput(ctx context.Context, output ProjectionOutput) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, j := range output.Journals {
		if err := pw.updateBalances(ctx, tx, output.Sequence, j); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if output.Notice != nil {
		if err := pw.applyNotice(ctx, tx, output); err != nil {
			return fmt.Errorf("notice projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, output.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) updateBalances(ctx context.Context, tx *sql.Tx, seq int64, j JournalEntry) error {
	// Debit account receives.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance + $3::numeric, last_sequence = $4
	`, j.DebitAccount, j.Asset, j.Amount, seq); err != nil {
		return err
	}

	// Credit account pays.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		VALUES ($1, $2, -($3::numeric), $4)
		ON CONFLICT (account_path, asset)
		DO UPDATE SET balance = projections.balances.balance - $3::numeric, last_sequence = $4
	`, j.CreditAccount, j.Asset, j.Amount, seq); err != nil {
		return err
	}

	return nil
}

func (pw *ProjectionWorker) applyNotice(ctx context.Context, tx *sql.Tx, output ProjectionOutput) error {
	switch payload := output.Notice.Payload.(type) {
	case core.AuctionStartedNotice:
		return pw.applyAuctionStarted(ctx, tx, output.Sequence, payload)
	case core.AuctionBidNotice:
		return pw.applyAuctionBid(ctx, tx, output.Sequence, payload)
	case core.AuctionClosedNotice:
		return pw.applyAuctionClosed(ctx, tx, output.Sequence, payload)
	case core.ReservesUpdatedNotice:
		return pw.applyReservesUpdated(ctx, tx, output.Sequence, payload)
	case core.FundConvertedNotice:
		return pw.applyFundConverted(ctx, tx, output.Sequence, payload)
	case core.ReservesSweptNotice, core.ParamUpdatedNotice:
		// No table tracks these; the outbound feed carries them.
		return nil
	default:
		return nil
	}
}

func (pw *ProjectionWorker) applyAuctionStarted(ctx context.Context, tx *sql.Tx, seq int64, p core.AuctionStartedNotice) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.auctions
			(pool, auction_type, status, start_block, start_bid_bps, pool_bad_debt_usd,
			 seized_risk_fund, highest_bidder, highest_bid_bps, restarted, last_sequence)
		VALUES ($1, $2, 'started', $3, $4, $5::numeric, $6::numeric, '', 0, $7, $8)
		ON CONFLICT (pool) DO UPDATE SET
			auction_type = $2, status = 'started', start_block = $3, start_bid_bps = $4,
			pool_bad_debt_usd = $5::numeric, seized_risk_fund = $6::numeric,
			highest_bidder = '', highest_bid_bps = 0, winner = NULL, winning_bid_bps = NULL,
			restarted = $7, last_sequence = $8
	`, p.Pool, p.AuctionType, p.StartBlock, p.StartBidBps, p.PoolBadDebtUsd,
		p.SeizedRiskFund, p.Restarted, seq)
	return err
}

func (pw *ProjectionWorker) applyAuctionBid(ctx context.Context, tx *sql.Tx, seq int64, p core.AuctionBidNotice) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.auctions
		SET highest_bidder = $2, highest_bid_bps = $3, highest_bid_block = $4, last_sequence = $5
		WHERE pool = $1
	`, p.Pool, p.Bidder, p.BidBps, p.Height, seq); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.auction_bids (pool, sequence, bidder, bid_bps, height, prev_bidder)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pool, sequence) DO NOTHING
	`, p.Pool, seq, p.Bidder, p.BidBps, p.Height, p.PrevBidder); err != nil {
		return err
	}

	pw.bidHistory.Add(BidRecord{
		Pool:     p.Pool,
		Bidder:   p.Bidder,
		BidBps:   p.BidBps,
		Height:   p.Height,
		Sequence: seq,
	})
	return nil
}

func (pw *ProjectionWorker) applyAuctionClosed(ctx context.Context, tx *sql.Tx, seq int64, p core.AuctionClosedNotice) error {
	if _, err := tx.ExecContext(ctx, `
		UPDATE projections.auctions
		SET status = 'ended', winner = $2, winning_bid_bps = $3, closed_height = $4, last_sequence = $5
		WHERE pool = $1
	`, p.Pool, p.Winner, p.WinningBidBps, p.Height, seq); err != nil {
		return err
	}

	// The close drains the seized share from the pool's treasury.
	_, err := tx.ExecContext(ctx, `
		UPDATE projections.risk_fund
		SET base_amount = base_amount - $2::numeric, last_sequence = $3
		WHERE pool = $1
	`, p.Pool, p.PayoutRequested, seq)
	return err
}

func (pw *ProjectionWorker) applyReservesUpdated(ctx context.Context, tx *sql.Tx, seq int64, p core.ReservesUpdatedNotice) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.pool_reserves (pool, asset, amount, last_sequence)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (pool, asset)
		DO UPDATE SET amount = $3::numeric, last_sequence = $4
	`, p.Pool, p.Asset, p.PoolReserve, seq)
	return err
}

func (pw *ProjectionWorker) applyFundConverted(ctx context.Context, tx *sql.Tx, seq int64, p core.FundConvertedNotice) error {
	for _, leg := range p.Legs {
		if _, err := tx.ExecContext(ctx, `
			UPDATE projections.pool_reserves
			SET amount = amount - $3::numeric, last_sequence = $4
			WHERE pool = $1 AND asset = $2
		`, leg.Pool, leg.Asset, leg.AmountIn, seq); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.risk_fund (pool, base_amount, last_sequence)
			VALUES ($1, $2::numeric, $3)
			ON CONFLICT (pool)
			DO UPDATE SET base_amount = projections.risk_fund.base_amount + $2::numeric, last_sequence = $3
		`, leg.Pool, leg.BaseOut, seq); err != nil {
			return err
		}
	}
	return nil
}

// RebuildProjections rebuilds the balance projection from the event
// log and truncates the derived tables; auction and fund tables
// repopulate as the core republishes state through replay.
func RebuildProjections(ctx context.Context, db *sql.DB) error {
	logger := observability.NewLogger("projection")

	truncateStatements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.auctions`,
		`TRUNCATE projections.auction_bids`,
		`TRUNCATE projections.pool_reserves`,
		`TRUNCATE projections.risk_fund`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range truncateStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("truncate failed: %w", err)
		}
	}

	// Debits received.
	_, err := db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			debit_account AS account_path,
			asset,
			SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY debit_account, asset
	`)
	if err != nil {
		return fmt.Errorf("rebuild debit balances: %w", err)
	}

	// Credits paid.
	_, err = db.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset, balance, last_sequence)
		SELECT
			credit_account AS account_path,
			asset,
			-SUM(amount) AS balance,
			MAX(sequence) AS last_sequence
		FROM event_log.journal
		GROUP BY credit_account, asset
		ON CONFLICT (account_path, asset) DO UPDATE
			SET balance = projections.balances.balance + EXCLUDED.balance,
			    last_sequence = GREATEST(projections.balances.last_sequence, EXCLUDED.last_sequence)
	`)
	if err != nil {
		return fmt.Errorf("rebuild credit balances: %w", err)
	}

	logger.Info().Msg("projection rebuild complete")
	return nil
}
