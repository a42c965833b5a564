package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"CrashRace/internal/leaderboard"
	"CrashRace/internal/observability"
	"CrashRace/internal/race"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	RaceEventStream        = "CRASH_RACE_EVENTS"
	RaceEventSubjectPrefix = "crash.races.events."

	EventRaceStarted = "race.started"
	EventRaceEnded   = "race.ended"
)

// RaceEvent is the outbound lifecycle message.
type RaceEvent struct {
	EventType    string                   `json:"event_type"`
	RaceID       string                   `json:"race_id"`
	StartTime    time.Time                `json:"start_time"`
	EndTime      time.Time                `json:"end_time"`
	EndedAt      *time.Time               `json:"ended_at,omitempty"`
	PrizePool    *leaderboard.PrizePool   `json:"prize_pool,omitempty"`
	Leaderboard  []leaderboard.Entry      `json:"leaderboard,omitempty"`
	Distribution []leaderboard.PrizeEntry `json:"distribution,omitempty"`
	Timestamp    time.Time                `json:"timestamp"`
}

// Subject is the NATS subject the event is published on.
func (e RaceEvent) Subject() string {
	return RaceEventSubjectPrefix + e.EventType
}

// Publisher is the subset of jetstream.JetStream used for outbound events.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// RaceEventPublisher forwards race lifecycle events to NATS. Notifications
// never block the scheduler: when the buffer is full the event is dropped
// and counted.
type RaceEventPublisher struct {
	js      Publisher
	events  chan RaceEvent
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewRaceEventPublisher buffers up to buffer events.
func NewRaceEventPublisher(js Publisher, buffer int, metrics *observability.Metrics, logger zerolog.Logger) *RaceEventPublisher {
	if buffer <= 0 {
		buffer = 64
	}
	return &RaceEventPublisher{
		js:      js,
		events:  make(chan RaceEvent, buffer),
		metrics: metrics,
		logger:  logger,
	}
}

// RaceStarted implements race.Notifier.
func (p *RaceEventPublisher) RaceStarted(rec race.Record) {
	p.notify(RaceEvent{
		EventType: EventRaceStarted,
		RaceID:    rec.RaceID,
		StartTime: rec.StartTime,
		EndTime:   rec.EndTime,
		Timestamp: time.Now().UTC(),
	})
}

// RaceEnded implements race.Notifier. The full leaderboard is trimmed to
// the paid ranks.
func (p *RaceEventPublisher) RaceEnded(rec race.Record) {
	board := rec.FinalLeaderboard
	if len(board) > leaderboard.PaidRanks {
		board = board[:leaderboard.PaidRanks]
	}
	p.notify(RaceEvent{
		EventType:    EventRaceEnded,
		RaceID:       rec.RaceID,
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		EndedAt:      rec.EndedAt,
		PrizePool:    rec.FinalPrizePool,
		Leaderboard:  board,
		Distribution: rec.FinalPrizeDistribution,
		Timestamp:    time.Now().UTC(),
	})
}

func (p *RaceEventPublisher) notify(evt RaceEvent) {
	select {
	case p.events <- evt:
	default:
		if p.metrics != nil {
			p.metrics.PublishDrops.Inc()
		}
		p.logger.Warn().Str("race_id", evt.RaceID).Str("event_type", evt.EventType).Msg("race event buffer full, dropping")
	}
}

// Run publishes buffered events until ctx is cancelled.
func (p *RaceEventPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-p.events:
			if err := p.publish(ctx, evt); err != nil {
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
				// Non-fatal: consumers can read race history from the query API.
				p.logger.Warn().Err(err).Str("race_id", evt.RaceID).Str("event_type", evt.EventType).Msg("race event publish failed")
			}
		}
	}
}

func (p *RaceEventPublisher) publish(ctx context.Context, evt RaceEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = p.js.Publish(ctx, evt.Subject(), data, jetstream.WithMsgID(evt.EventType+":"+evt.RaceID))
	return err
}
