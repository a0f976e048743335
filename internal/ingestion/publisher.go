package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"shortfall/internal/core"
	"shortfall/internal/observability"
)

// OutboundPublisher publishes core notices to NATS for downstream
// consumers (liquidation bots, dashboards, reconciliation). Notices go
// out only after the event that produced them is on the persist path.
// Subjects follow the pattern shortfall.events.{kind}.{pool}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	logger    zerolog.Logger
}

// PublishableEvent is a committed notice ready for the outbound feed.
type PublishableEvent struct {
	Sequence  int64       `json:"sequence"`
	Kind      string      `json:"kind"`
	Pool      string      `json:"pool,omitempty"`
	Height    int64       `json:"height"`
	Payload   interface{} `json:"payload"`
	StateHash string      `json:"state_hash"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewPublishable builds the outbound form of one core output. Returns
// false when the output carries no notice.
func NewPublishable(out core.CoreOutput) (PublishableEvent, bool) {
	if out.Notice == nil || out.Envelope == nil {
		return PublishableEvent{}, false
	}
	return PublishableEvent{
		Sequence:  out.Envelope.Sequence,
		Kind:      out.Notice.Kind,
		Pool:      out.Notice.Pool,
		Height:    out.Envelope.Height,
		Payload:   out.Notice.Payload,
		StateHash: hex.EncodeToString(out.Envelope.StateHash[:]),
		Timestamp: time.Now().UTC(),
	}, true
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		logger:    observability.NewLogger("publisher"),
	}
}

// Run drains the input channel until it closes or the context ends.
// A failed publish is non-fatal: the notice is also derivable from the
// event log and projections.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}
			if err := op.publish(ctx, evt); err != nil {
				op.logger.Warn().
					Err(err).
					Int64("sequence", evt.Sequence).
					Str("kind", evt.Kind).
					Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}

	subject := fmt.Sprintf("shortfall.events.%s", evt.Kind)
	if evt.Pool != "" {
		subject = fmt.Sprintf("%s.%s", subject, evt.Pool)
	}

	_, err = op.js.Publish(ctx, subject, data)
	return err
}
