package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"shortfall/internal/observability"
)

// NATSSubscriber subscribes to the relay's JetStream subjects and feeds
// raw events into the shell's ingest channel. Each subject maps to one
// event type.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	logger    zerolog.Logger
	consumers []jetstream.ConsumeContext
}

// RawEvent is an untyped relay message, ready for the shell to parse
// and hand to the deterministic core. The shell must call exactly one
// of the delivery callbacks: Ack once the core has accepted the event
// onto the persist path, Nak for transient failures that should be
// redelivered, Term for messages that can never succeed.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func()
	NakFunc   func()
	TermFunc  func()
}

// SubjectConfig maps one NATS subject to an event type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	// StreamCommands holds inbound relay traffic: chain facts and
	// keeper/admin commands.
	StreamCommands = "SHORTFALL_CMDS"
	// StreamEvents holds the outbound feed for downstream consumers.
	StreamEvents = "SHORTFALL_EVENTS"
)

// DefaultSubjects returns the standard subject map. Chain facts arrive
// under shortfall.chain.>, commands under shortfall.cmd.>; both live in
// the commands stream.
func DefaultSubjects() []SubjectConfig {
	return []SubjectConfig{
		{Subject: "shortfall.chain.pools.>", EventType: "PoolRegistered", ConsumerName: "shortfall-pools", StreamName: StreamCommands},
		{Subject: "shortfall.chain.markets.>", EventType: "MarketListed", ConsumerName: "shortfall-markets", StreamName: StreamCommands},
		{Subject: "shortfall.chain.prices.>", EventType: "PriceUpdate", ConsumerName: "shortfall-prices", StreamName: StreamCommands},
		{Subject: "shortfall.chain.debt.>", EventType: "BadDebtReported", ConsumerName: "shortfall-debt", StreamName: StreamCommands},
		{Subject: "shortfall.chain.transfers.>", EventType: "TransferReceived", ConsumerName: "shortfall-transfers", StreamName: StreamCommands},
		{Subject: "shortfall.cmd.auction.start.>", EventType: "StartAuction", ConsumerName: "shortfall-auction-start", StreamName: StreamCommands},
		{Subject: "shortfall.cmd.auction.bid.>", EventType: "PlaceBid", ConsumerName: "shortfall-auction-bid", StreamName: StreamCommands},
		{Subject: "shortfall.cmd.auction.close.>", EventType: "CloseAuction", ConsumerName: "shortfall-auction-close", StreamName: StreamCommands},
		{Subject: "shortfall.cmd.auction.restart.>", EventType: "RestartAuction", ConsumerName: "shortfall-auction-restart", StreamName: StreamCommands},
		{Subject: "shortfall.cmd.reserves.recognize.>", EventType: "RecognizeSurplus", ConsumerName: "shortfall-reserves-recognize", StreamName: StreamCommands},
		{Subject: "shortfall.cmd.reserves.sweep.>", EventType: "SweepSurplus", ConsumerName: "shortfall-reserves-sweep", StreamName: StreamCommands},
		{Subject: "shortfall.cmd.reserves.swap.>", EventType: "SwapPoolAssets", ConsumerName: "shortfall-reserves-swap", StreamName: StreamCommands},
		{Subject: "shortfall.cmd.admin.params.>", EventType: "AuctionParamUpdate", ConsumerName: "shortfall-admin-params", StreamName: StreamCommands},
		{Subject: "shortfall.cmd.admin.pause.>", EventType: "PauseAuctions", ConsumerName: "shortfall-admin-pause", StreamName: StreamCommands},
		{Subject: "shortfall.cmd.admin.resume.>", EventType: "ResumeAuctions", ConsumerName: "shortfall-admin-resume", StreamName: StreamCommands},
		{Subject: "shortfall.cmd.admin.access.>", EventType: "AccessUpdate", ConsumerName: "shortfall-admin-access", StreamName: StreamCommands},
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    observability.NewLogger("ingestion"),
	}
}

// Subscribe creates JetStream consumers for all configured subjects.
// Consumers use explicit ACK, max_deliver=5, ack_wait=30s.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, subjects []SubjectConfig) error {
	for _, cfg := range subjects {
		consumer, err := ns.js.CreateOrUpdateConsumer(ctx, cfg.StreamName, jetstream.ConsumerConfig{
			Durable:       cfg.ConsumerName,
			FilterSubject: cfg.Subject,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       30 * time.Second,
			MaxDeliver:    5,
			DeliverPolicy: jetstream.DeliverAllPolicy,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
		}

		eventType := cfg.EventType
		consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
			raw := RawEvent{
				Subject:   msg.Subject(),
				EventType: eventType,
				Data:      msg.Data(),
				Timestamp: time.Now(),
				AckFunc:   func() { _ = msg.Ack() },
				NakFunc:   func() { _ = msg.Nak() },
				TermFunc:  func() { _ = msg.Term() },
			}

			select {
			case ns.eventChan <- raw:
			case <-ctx.Done():
				_ = msg.Nak()
			}
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
		}

		ns.consumers = append(ns.consumers, consumerContext)
		ns.logger.Info().
			Str("subject", cfg.Subject).
			Str("consumer", cfg.ConsumerName).
			Msg("subscribed")
	}

	return nil
}

// EnsureStreams creates the required JetStream streams if they don't
// exist. Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	logger := observability.NewLogger("ingestion")
	streams := []jetstream.StreamConfig{
		{
			Name:      StreamCommands,
			Subjects:  []string{"shortfall.chain.>", "shortfall.cmd.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      StreamEvents,
			Subjects:  []string{"shortfall.events.>"},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
	}

	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		logger.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string) (*nats.Conn, jetstream.JetStream, error) {
	logger := observability.NewLogger("nats")
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
