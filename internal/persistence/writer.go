package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"shortfall/internal/core"
	"shortfall/internal/event"
)

// EventLogWriter writes envelopes and journals to Postgres using
// multi-row INSERT. Conflicts are ignored: the unique indexes on
// sequence and (event_type, idempotency_key) make redelivered batches
// harmless.
type EventLogWriter struct {
	db *sql.DB
}

// EventRow is a row in event_log.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	PoolID         *string
	Caller         string
	Height         int64
	SourceSequence int64
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	CreatedAt      time.Time
}

// JournalRow is a row in event_log.journal. Amounts are 1e18-scale
// integers bound as decimal strings into NUMERIC(78,0).
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	Asset         string
	Amount        string
	JournalType   string
	Height        int64
}

// CoreOutput is the persistence-side form of one core output: the
// envelope row plus its journal rows, plus the notice carried through
// for the projection path.
type CoreOutput struct {
	EventRow    EventRow
	JournalRows []JournalRow
	Notice      *core.Notice
}

// FromCore flattens a core output into writable rows.
func FromCore(out core.CoreOutput) CoreOutput {
	env := out.Envelope
	row := EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		PoolID:         env.PoolID,
		Caller:         env.Caller,
		Height:         env.Height,
		SourceSequence: env.SourceSequence,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		CreatedAt:      time.Now().UTC(),
	}

	var journals []JournalRow
	if out.Batch != nil {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			journals = append(journals, JournalRow{
				JournalID:     j.JournalID.String(),
				BatchID:       j.BatchID.String(),
				EventRef:      j.EventRef,
				Sequence:      j.Sequence,
				DebitAccount:  j.DebitAccount.AccountPath(),
				CreditAccount: j.CreditAccount.AccountPath(),
				Asset:         j.Asset,
				Amount:        j.Amount.String(),
				JournalType:   string(j.JournalType),
				Height:        j.Height,
			})
		}
	}

	return CoreOutput{EventRow: row, JournalRows: journals, Notice: out.Notice}
}

func NewEventLogWriter(db *sql.DB) *EventLogWriter {
	return &EventLogWriter{db: db}
}

// WriteEventBatch inserts event rows within the given transaction.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, tx *sql.Tx, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, pool_id, caller, height, source_sequence, payload, state_hash, prev_hash, created_at)
		VALUES `

	values := make([]string, 0, len(events))
	args := make([]interface{}, 0, len(events)*11)

	for i, e := range events {
		base := i * 11
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11,
		))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.PoolID, e.Caller,
			e.Height, e.SourceSequence, e.Payload, e.StateHash, e.PrevHash, e.CreatedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch inserts journal rows within the given transaction.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, tx *sql.Tx, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset, amount, journal_type, height)
		VALUES `

	values := make([]string, 0, len(journals))
	args := make([]interface{}, 0, len(journals)*10)

	for i, j := range journals {
		base := i * 10
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10,
		))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.Asset, j.Amount,
			j.JournalType, j.Height,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (journal_id) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// DecodeEventRow reconstructs the typed event from a stored row, for
// replay after a snapshot restore.
func DecodeEventRow(row EventRow) (event.Event, error) {
	var et event.EventType
	for candidate := event.EventTypePoolRegistered; candidate <= event.EventTypeAccessUpdate; candidate++ {
		if candidate.String() == row.EventType {
			et = candidate
			break
		}
	}
	if et == event.EventTypeUnknown {
		return nil, fmt.Errorf("unknown stored event type %q at sequence %d", row.EventType, row.Sequence)
	}
	return event.DecodePayload(et, row.Payload)
}
