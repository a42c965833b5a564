// Package balance hands race prizes to the external balance service.
package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

const (
	CreditStream        = "CRASH_BALANCE_CREDITS"
	CreditSubjectPrefix = "crash.balance.credit."
)

// ErrInvalidCredit is returned for a credit that must never be sent.
var ErrInvalidCredit = errors.New("balance: invalid credit")

// CreditRequest is the message the balance service consumes.
type CreditRequest struct {
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// Publisher is the subset of jetstream.JetStream the creditor uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// JetStreamCreditor publishes credit requests to JetStream. The reason is
// the message id, so a repeated credit within the stream's duplicate window
// is discarded by the broker.
type JetStreamCreditor struct {
	js     Publisher
	logger zerolog.Logger
}

func NewJetStreamCreditor(js Publisher, logger zerolog.Logger) *JetStreamCreditor {
	return &JetStreamCreditor{js: js, logger: logger}
}

// CreditPrize implements race.PrizeCreditor. It returns once JetStream has
// acknowledged the request.
func (c *JetStreamCreditor) CreditPrize(ctx context.Context, userID string, amount int64, reason string) error {
	if err := validate(userID, amount, reason); err != nil {
		return err
	}

	data, err := json.Marshal(CreditRequest{
		UserID:      userID,
		Amount:      amount,
		Reason:      reason,
		RequestedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal credit: %w", err)
	}

	ack, err := c.js.Publish(ctx, CreditSubjectPrefix+userID, data, jetstream.WithMsgID(reason))
	if err != nil {
		return fmt.Errorf("publish credit %s: %w", reason, err)
	}
	if ack != nil && ack.Duplicate {
		c.logger.Info().Str("reason", reason).Msg("credit already accepted by broker")
		return nil
	}

	c.logger.Info().Str("user_id", userID).Int64("amount", amount).Str("reason", reason).Msg("prize credited")
	return nil
}

// EnsureStream creates the credit stream with a 24h dedup window.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       CreditStream,
		Subjects:   []string{CreditSubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: 24 * time.Hour,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", CreditStream, err)
	}
	return nil
}

// LogCreditor records credits in the log only. Used when NATS is disabled.
type LogCreditor struct {
	logger zerolog.Logger
}

func NewLogCreditor(logger zerolog.Logger) *LogCreditor {
	return &LogCreditor{logger: logger}
}

func (c *LogCreditor) CreditPrize(_ context.Context, userID string, amount int64, reason string) error {
	if err := validate(userID, amount, reason); err != nil {
		return err
	}
	c.logger.Warn().
		Str("user_id", userID).
		Int64("amount", amount).
		Str("reason", reason).
		Msg("no balance service configured, credit logged for reconciliation")
	return nil
}

func validate(userID string, amount int64, reason string) error {
	switch {
	case userID == "":
		return fmt.Errorf("%w: empty user id", ErrInvalidCredit)
	case amount <= 0:
		return fmt.Errorf("%w: amount %d", ErrInvalidCredit, amount)
	case reason == "":
		return fmt.Errorf("%w: empty reason", ErrInvalidCredit)
	}
	return nil
}
