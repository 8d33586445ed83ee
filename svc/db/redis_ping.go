package db

import (
	"context"
	"time"
)

// Ping does a short-lived SET/DEL round trip rather than a bare PING so it
// exercises the same write path the throttle counters use.
func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := "health_check_" + time.Now().Format(time.RFC3339Nano)
	if err := r.client.Set(ctx, key, "ok", 5*time.Second).Err(); err != nil {
		return err
	}
	return r.client.Del(ctx, key).Err()
}
