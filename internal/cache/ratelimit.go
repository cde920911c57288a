package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// rateWindowScript counts a hit in the current fixed window, arming the
// window expiry on the first hit. Returns {count, remaining_ms}.
var rateWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('PTTL', KEYS[1])
return {count, ttl}
`)

// RateWindow registers one hit for (scope, key) in the current fixed window
// and returns the running count plus the time until the window resets.
func (s *Service) RateWindow(ctx context.Context, scope, key string, window time.Duration) (count int64, reset time.Duration, err error) {
	bucket := time.Now().UnixMilli() / window.Milliseconds()
	redisKey := fmt.Sprintf("ratelimit:%s:%s:%d", scope, key, bucket)

	err = s.do(ctx, func(ctx context.Context) error {
		res, err := rateWindowScript.Run(ctx, s.client, []string{redisKey}, window.Milliseconds()).Int64Slice()
		if err != nil {
			return err
		}
		if len(res) != 2 {
			return fmt.Errorf("rate window script returned %d values", len(res))
		}
		count = res[0]
		if res[1] > 0 {
			reset = time.Duration(res[1]) * time.Millisecond
		} else {
			reset = window
		}
		return nil
	})
	return count, reset, err
}
