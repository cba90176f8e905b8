package ingestion

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"StableLedger/internal/observability"
	"StableLedger/internal/oracle"
)

const (
	// PriceSubject is the wildcard subject price producers publish to,
	// one leaf per feed: stable.prices.{feed_id}.
	PriceSubject = "stable.prices.>"

	priceStreamName   = "STABLE_PRICES"
	priceConsumerName = "stable-prices"
)

// PriceSubscriber consumes price feed messages from NATS JetStream and
// applies them to the shared feed store. Prices are last-writer-wins per
// feed, so a parse failure terminates the message instead of redelivering:
// a malformed payload will not become valid on retry.
type PriceSubscriber struct {
	js       jetstream.JetStream
	feeds    *oracle.FeedStore
	metrics  *observability.Metrics
	log      zerolog.Logger
	consumer jetstream.ConsumeContext
}

func NewPriceSubscriber(js jetstream.JetStream, feeds *oracle.FeedStore, metrics *observability.Metrics, log zerolog.Logger) *PriceSubscriber {
	return &PriceSubscriber{
		js:      js,
		feeds:   feeds,
		metrics: metrics,
		log:     log.With().Str("component", "price_subscriber").Logger(),
	}
}

// Subscribe creates the durable consumer and starts delivery. Explicit ACK
// with DeliverNew: on restart the engine reloads prices from its snapshot,
// so replaying old feed history would only produce stale drops.
func (ps *PriceSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := ps.js.CreateOrUpdateConsumer(ctx, priceStreamName, jetstream.ConsumerConfig{
		Durable:       priceConsumerName,
		FilterSubject: PriceSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", priceConsumerName, err)
	}

	cc, err := consumer.Consume(ps.handle)
	if err != nil {
		return fmt.Errorf("consume %s: %w", priceConsumerName, err)
	}
	ps.consumer = cc

	ps.log.Info().Str("subject", PriceSubject).Str("consumer", priceConsumerName).Msg("subscribed to price feed")
	return nil
}

func (ps *PriceSubscriber) handle(msg jetstream.Msg) {
	quote, err := ParsePriceUpdate(msg.Data())
	if err != nil {
		ps.log.Warn().Err(err).Str("subject", msg.Subject()).Msg("dropping malformed price update")
		msg.Term()
		return
	}

	before := ps.feeds.GapCount(quote.FeedID)
	applied, err := ps.feeds.Update(quote)
	if err != nil {
		ps.log.Warn().Err(err).Str("feed", quote.FeedID).Msg("rejected price update")
		msg.Term()
		return
	}

	if applied {
		if ps.metrics != nil {
			ps.metrics.PriceUpdatesApplied.Inc()
			if gaps := ps.feeds.GapCount(quote.FeedID); gaps > before {
				ps.metrics.PriceSequenceGaps.WithLabelValues(quote.FeedID).Add(float64(gaps - before))
			}
		}
	} else if ps.metrics != nil {
		ps.metrics.PriceUpdatesStale.Inc()
	}

	msg.Ack()
}

// Stop halts delivery. In-flight messages finish before this returns.
func (ps *PriceSubscriber) Stop() {
	if ps.consumer != nil {
		ps.consumer.Stop()
	}
	ps.log.Info().Msg("price subscriber stopped")
}

// EnsureStreams creates the JetStream streams the service depends on:
// inbound prices and outbound ledger events.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      priceStreamName,
			Subjects:  []string{PriceSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      eventStreamName,
			Subjects:  []string{EventSubjectPrefix + ".>"},
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
		log.Info().Str("stream", cfg.Name).Msg("ensured stream")
	}
	return nil
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, log zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info().Msg("NATS reconnected")
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
