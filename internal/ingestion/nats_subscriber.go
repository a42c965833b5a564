package ingestion

import (
	"context"
	"fmt"
	"time"

	"CrashRace/internal/observability"
	"CrashRace/internal/session"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	SessionStream   = "CRASH_SESSIONS"
	SessionSubjects = "crash.sessions.>"
	SessionConsumer = "crash-race-sessions"
)

// Ingester accepts finished rounds. *session.Cache implements it.
type Ingester interface {
	Ingest(rec session.Record) session.Record
}

// SessionSubscriber feeds finished rounds from JetStream into the cache.
// A message is acked once the cache holds it; durability from there on is
// the cache's write-back job.
type SessionSubscriber struct {
	js       jetstream.JetStream
	ingester Ingester
	metrics  *observability.Metrics
	logger   zerolog.Logger
	consume  jetstream.ConsumeContext
}

func NewSessionSubscriber(js jetstream.JetStream, ingester Ingester, metrics *observability.Metrics, logger zerolog.Logger) *SessionSubscriber {
	return &SessionSubscriber{
		js:       js,
		ingester: ingester,
		metrics:  metrics,
		logger:   logger,
	}
}

// Subscribe creates the durable consumer and starts delivery.
// Explicit ACK, max_deliver=5, ack_wait=30s.
func (s *SessionSubscriber) Subscribe(ctx context.Context) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, SessionStream, jetstream.ConsumerConfig{
		Durable:       SessionConsumer,
		FilterSubject: SessionSubjects,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       30 * time.Second,
		MaxDeliver:    5,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", SessionConsumer, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		s.handle(msg.Subject(), msg.Data())
		if err := msg.Ack(); err != nil {
			s.logger.Warn().Err(err).Str("subject", msg.Subject()).Msg("ack failed")
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", SessionConsumer, err)
	}

	s.consume = cc
	s.logger.Info().Str("subject", SessionSubjects).Str("consumer", SessionConsumer).Msg("subscribed")
	return nil
}

// handle ingests one payload. Unparseable payloads are dropped: redelivery
// cannot fix them.
func (s *SessionSubscriber) handle(subject string, data []byte) bool {
	rec, err := ParseSessionEvent(data)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IngestParseErrors.WithLabelValues("nats").Inc()
		}
		s.logger.Warn().Err(err).Str("subject", subject).Msg("dropping unparseable session event")
		return false
	}
	s.ingester.Ingest(rec)
	return true
}

// Stop halts delivery.
func (s *SessionSubscriber) Stop() {
	if s.consume != nil {
		s.consume.Stop()
	}
	s.logger.Info().Msg("session subscriber stopped")
}

// EnsureStreams creates the session and race-event streams.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream, logger zerolog.Logger) error {
	streams := []jetstream.StreamConfig{
		{
			Name:      SessionStream,
			Subjects:  []string{SessionSubjects},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.LimitsPolicy,
			MaxAge:    72 * time.Hour,
			Replicas:  1,
		},
		{
			Name:      RaceEventStream,
			Subjects:  []string{RaceEventSubjectPrefix + ">"},
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

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("crash-race"),
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
