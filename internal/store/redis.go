package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// admitScript sums the window buckets and increments the current bucket
// (the last key) only while the total is under the ceiling. Running it as
// a script keeps check-and-increment atomic across processes.
var admitScript = goredis.NewScript(`
local total = 0
for i = 1, #KEYS do
  local v = redis.call('GET', KEYS[i])
  if v then
    total = total + tonumber(v)
  end
end
if total >= tonumber(ARGV[1]) then
  return {total, 0}
end
local cur = redis.call('INCR', KEYS[#KEYS])
if cur == 1 then
  redis.call('PEXPIRE', KEYS[#KEYS], ARGV[2])
end
return {total + 1, 1}
`)

// Redis implements Store on a shared Redis instance so that pool state is
// visible across processes.
type Redis struct {
	client    *goredis.Client
	opTimeout time.Duration
}

// NewRedis wraps client. opTimeout bounds every operation so a hung store
// cannot block callers forever; 0 means a 2s default.
func NewRedis(client *goredis.Client, opTimeout time.Duration) *Redis {
	if opTimeout <= 0 {
		opTimeout = 2 * time.Second
	}
	return &Redis{client: client, opTimeout: opTimeout}
}

func (s *Redis) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *Redis) Admit(ctx context.Context, keys []string, max int64, ttl time.Duration) (int64, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	res, err := admitScript.Run(ctx, s.client, keys, max, ttl.Milliseconds()).Slice()
	if err != nil {
		return 0, false, wrap(err)
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("admit script: unexpected reply %v", res)
	}
	total, _ := res[0].(int64)
	admitted, _ := res[1].(int64)
	return total, admitted == 1, nil
}

func (s *Redis) IncrWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, wrap(err)
	}
	if val == 1 {
		if err := s.client.PExpire(ctx, key, ttl).Err(); err != nil {
			return val, wrap(err)
		}
	}
	return val, nil
}

func (s *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap(err)
	}
	return val, true, nil
}

func (s *Redis) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func (s *Redis) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, wrap(err)
	}
	// -2 = missing key, -1 = no expiry
	if ttl < 0 {
		return 0, false, nil
	}
	return ttl, true, nil
}

func (s *Redis) Remove(ctx context.Context, key string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return wrap(err)
	}
	return nil
}

func wrap(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
