package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// NATSSubscriber subscribes to JetStream subjects and feeds raw events to
// the ingestion loop. JetStream is the primary ingestion surface; the
// admin HTTP API is for manual injection.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumers []jetstream.ConsumeContext
	logger    zerolog.Logger
}

// RawEvent is an undecoded message, tagged with the event type of the
// consumer that received it.
type RawEvent struct {
	Subject   string
	EventType string
	Data      []byte
	Timestamp time.Time
	AckFunc   func() // processed, rejected or stale: never redeliver
	NakFunc   func() // not recorded: redeliver
	TermFunc  func() // undecodable: drop
}

// SubjectConfig maps a NATS subject to an event type.
type SubjectConfig struct {
	Subject      string
	EventType    string
	ConsumerName string
	StreamName   string
}

const (
	streamVault    = "PERCOLATOR_VAULT"
	streamTrades   = "PERCOLATOR_TRADES"
	streamOracle   = "PERCOLATOR_ORACLE"
	streamFunding  = "PERCOLATOR_FUNDING"
	streamCrank    = "PERCOLATOR_CRANK"
	streamAccounts = "PERCOLATOR_ACCOUNTS"
	streamRisk     = "PERCOLATOR_RISK"
)

// DefaultSubjects returns the per-market subject layout. Each event type
// has its own subject and durable consumer.
func DefaultSubjects(market string) []SubjectConfig {
	sub := func(prefix, eventType, consumer, stream string) SubjectConfig {
		return SubjectConfig{
			Subject:      fmt.Sprintf("%s.%s", prefix, market),
			EventType:    eventType,
			ConsumerName: fmt.Sprintf("percolator-%s-%s", market, consumer),
			StreamName:   stream,
		}
	}
	return []SubjectConfig{
		sub("percolator.deposits.confirmed", "DepositConfirmed", "deposits", streamVault),
		sub("percolator.withdrawals.requested", "WithdrawalRequested", "withdrawals", streamVault),
		sub("percolator.trades", "TradeFill", "trades", streamTrades),
		sub("percolator.oracle", "OraclePriceUpdate", "oracle", streamOracle),
		sub("percolator.funding", "FundingRateUpdate", "funding", streamFunding),
		sub("percolator.crank", "CrankRequested", "crank", streamCrank),
		sub("percolator.accounts.close", "AccountCloseRequested", "close", streamAccounts),
		sub("percolator.risk.params", "RiskParamUpdate", "risk-params", streamRisk),
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		logger:    logger,
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
				NakFunc:   func() { _ = msg.NakWithDelay(time.Second) },
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

// EnsureStreams creates the inbound JetStream streams if they don't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := map[string][]string{
		streamVault:    {"percolator.deposits.>", "percolator.withdrawals.requested.>"},
		streamTrades:   {"percolator.trades.>"},
		streamOracle:   {"percolator.oracle.>"},
		streamFunding:  {"percolator.funding.>"},
		streamCrank:    {"percolator.crank.>"},
		streamAccounts: {"percolator.accounts.>"},
		streamRisk:     {"percolator.risk.>"},
	}

	for _, name := range []string{streamVault, streamTrades, streamOracle, streamFunding, streamCrank, streamAccounts, streamRisk} {
		cfg := jetstream.StreamConfig{
			Name:      name,
			Subjects:  streams[name],
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		}
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", name, err)
		}
		logger.Info().Str("stream", name).Msg("ensured stream")
	}

	return nil
}

// Stop gracefully stops all consumers.
func (ns *NATSSubscriber) Stop() {
	for _, cc := range ns.consumers {
		cc.Stop()
	}
	ns.logger.Info().Msg("NATS subscribers stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("percolator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
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
