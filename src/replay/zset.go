package replay

import (
	"context"

	"github.com/go-redis/redis/v8"
)

type ZSet struct {
	client *redis.Client
	key    string
}

func NewZSet(cache *redis.Client, key string) ZSet {
	return ZSet{
		key:    key,
		client: cache,
	}
}

type ZSetKVP = redis.Z

// AddValues returns the number of members that were not already present
func (zz *ZSet) AddValues(ctx context.Context, keys ...ZSetKVP) (int64, error) {
	cmd := zz.client.ZAddArgs(ctx, zz.key, redis.ZAddArgs{
		NX:      true,
		Members: keys,
	})
	return cmd.Result()
}

func (zz *ZSet) Remove(ctx context.Context, members ...string) (int64, error) {
	args := make([]any, 0, len(members))
	for _, m := range members {
		args = append(args, m)
	}
	cmd := zz.client.ZRem(ctx, zz.key, args...)
	return cmd.Val(), cmd.Err()
}
