package replay

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

const actionSetKey = "escrow_action_ids"

// RedisGuard keeps used action ids in a sorted set scored by claim time, so
// several daemons sharing a redis reject each other's replays.
type RedisGuard struct {
	used ZSet
}

func NewRedisGuard(rd *redis.Client) *RedisGuard {
	return &RedisGuard{used: NewZSet(rd, actionSetKey)}
}

func (g *RedisGuard) Claim(ctx context.Context, actionID string) error {
	if err := validate(actionID); err != nil {
		return err
	}
	val, err := g.used.AddValues(ctx, ZSetKVP{
		Score:  float64(time.Now().Unix()),
		Member: actionID,
	})
	if err != nil {
		return errors.Wrap(err, "failed writing action id to redis")
	}
	if val > 0 { // val > 0 means new value
		return nil
	}
	return ErrReplayed(actionID)
}

func (g *RedisGuard) Release(ctx context.Context, actionID string) error {
	_, err := g.used.Remove(ctx, actionID)
	return errors.Wrap(err, "failed releasing action id")
}

func (g *RedisGuard) Restore(ctx context.Context, actionIDs []string) error {
	if len(actionIDs) == 0 {
		return nil
	}
	now := float64(time.Now().Unix())
	members := make([]ZSetKVP, 0, len(actionIDs))
	for _, id := range actionIDs {
		members = append(members, ZSetKVP{Score: now, Member: id})
	}
	_, err := g.used.AddValues(ctx, members...)
	return errors.Wrap(err, "failed restoring action ids to redis")
}
