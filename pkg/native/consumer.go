package native

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Receive blocks up to timeout for the next work request. It returns
// (nil, nil) when the wait times out with nothing queued.
func Receive(ctx context.Context, rdb *redis.Client, timeout time.Duration) (*Request, error) {
	// BLPop returns [key, value]
	result, err := rdb.BLPop(ctx, timeout, RequestsKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var req Request
	if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
		return nil, fmt.Errorf("decode work request: %w", err)
	}
	return &req, nil
}

// Pending returns the number of queued work requests.
func Pending(ctx context.Context, rdb *redis.Client) (int64, error) {
	return rdb.LLen(ctx, RequestsKey).Result()
}
