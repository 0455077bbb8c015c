// Package notify fans committed engine events out to observers.
//
// Publish is called once per committed operation with that operation's
// events in emission order. Notifier failures are reported to the caller but
// never undo the committed operation.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jio-gl/multiguard/pkg/contracts"
	"github.com/jio-gl/multiguard/pkg/store"
)

// Notifier receives committed events.
type Notifier interface {
	Publish(ctx context.Context, events []contracts.Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, []contracts.Event) error { return nil }

// Log writes one structured log line per event.
type Log struct {
	logger *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default().With("component", "notify")
	}
	return &Log{logger: logger}
}

func (l *Log) Publish(ctx context.Context, events []contracts.Event) error {
	for _, ev := range events {
		args := []any{
			"event_id", ev.ID,
			"type", ev.Type,
			"proposal_id", ev.ProposalID,
			"actor", ev.Actor,
		}
		for k, v := range ev.Attributes {
			args = append(args, k, v)
		}
		l.logger.InfoContext(ctx, "governance event", args...)
	}
	return nil
}

// Journal appends events to a hash-chained audit journal.
type Journal struct {
	journal *store.Journal
}

func NewJournal(j *store.Journal) *Journal {
	return &Journal{journal: j}
}

func (j *Journal) Publish(ctx context.Context, events []contracts.Event) error {
	for _, ev := range events {
		if _, err := j.journal.Append(ev); err != nil {
			return fmt.Errorf("journal event %s: %w", ev.ID, err)
		}
	}
	return nil
}

// Publisher is the slice of the go-redis client used by Redis.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes each event as JSON on a pub/sub channel.
type Redis struct {
	client  Publisher
	channel string
}

func NewRedis(client Publisher, channel string) *Redis {
	return &Redis{client: client, channel: channel}
}

func (r *Redis) Publish(ctx context.Context, events []contracts.Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
			return fmt.Errorf("redis publish %s: %w", ev.ID, err)
		}
	}
	return nil
}

// Multi publishes to every notifier, even when an earlier one fails.
type Multi []Notifier

func (m Multi) Publish(ctx context.Context, events []contracts.Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
