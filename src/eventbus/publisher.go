package eventbus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/onemorebsmith/bounty-escrow/src/metrics"
	"github.com/onemorebsmith/bounty-escrow/src/model"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Publisher fans committed events out to indexers. Publishing happens after
// the journal commit, a failed publish never undoes an operation since
// indexers can always catch up from the journal.
type Publisher interface {
	Publish(ctx context.Context, events []model.Event) error
}

const EventChannel = "escrow_events"

type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(rd *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: rd, channel: EventChannel}
}

func (rp *RedisPublisher) Publish(ctx context.Context, events []model.Event) error {
	for _, e := range events {
		encoded, err := json.Marshal(e)
		if err != nil {
			return errors.Wrapf(err, "failed to marshal event %d", e.Seq)
		}
		if err := rp.client.Publish(ctx, rp.channel, encoded).Err(); err != nil {
			return errors.Wrapf(err, "failed publishing event %d", e.Seq)
		}
	}
	return nil
}

// LogPublisher writes every committed event to the log and counts it
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.Named("events")}
}

func (lp *LogPublisher) Publish(ctx context.Context, events []model.Event) error {
	for _, e := range events {
		metrics.RecordEvent(string(e.Type))
		lp.logger.Info(string(e.Type),
			zap.Uint64("seq", e.Seq),
			zap.String("sponsor", string(e.Sponsor)),
			zap.Uint64("issue", uint64(e.Issue)),
			zap.Uint64("amount", e.Amount),
			zap.Any("attributes", e.Attributes))
	}
	return nil
}

type multiPublisher []Publisher

func Multi(publishers ...Publisher) Publisher {
	return multiPublisher(publishers)
}

func (mp multiPublisher) Publish(ctx context.Context, events []model.Event) error {
	var firstErr error
	for _, p := range mp {
		if err := p.Publish(ctx, events); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Recorder keeps published events in memory
type Recorder struct {
	lock   sync.Mutex
	events []model.Event
}

func (r *Recorder) Publish(ctx context.Context, events []model.Event) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *Recorder) Events() []model.Event {
	r.lock.Lock()
	defer r.lock.Unlock()
	out := make([]model.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) OfType(t model.EventType) []model.Event {
	var out []model.Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
