// Package native is the outbound edge towards the browser layer. The browser
// side is an external collaborator: requests are pushed onto a Redis list and
// nothing is read back.
package native

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskbridge/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RequestsKey is the list browser-side consumers pop work requests from.
const RequestsKey = "native:background_work"

// ErrClosed is returned for handles that were already released.
var ErrClosed = errors.New("native bridge closed")

// Handle is an opaque reference to a browser profile held by a Bridge.
type Handle string

// Request is the message pushed for every StartBackgroundWork call.
type Request struct {
	ID        string    `json:"id"`
	Profile   Handle    `json:"profile"`
	TaskType  string    `json:"task_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Bridge is an explicitly opened, explicitly closed external resource.
type Bridge struct {
	rdb     *redis.Client
	profile string
	handle  Handle
	log     zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

// Open acquires a handle for profile.
func Open(ctx context.Context, rdb *redis.Client, profile string) (*Bridge, error) {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	b := &Bridge{
		rdb:     rdb,
		profile: profile,
		handle:  Handle(uuid.New().String()),
		log:     logger.Component("native"),
	}
	b.log.Info().Str("profile", profile).Str("handle", string(b.handle)).Msg("Native bridge opened")
	return b, nil
}

// Handle returns the profile handle.
func (b *Bridge) Handle() Handle {
	return b.handle
}

// StartBackgroundWork asks the browser to run taskType for this profile.
// It is fire-and-forget: failures are logged, and calls after Close are
// dropped.
func (b *Bridge) StartBackgroundWork(ctx context.Context, taskType string) {
	if err := b.send(ctx, taskType); err != nil {
		b.log.Warn().Err(err).Str("task_type", taskType).Msg("Background work request dropped")
	}
}

func (b *Bridge) send(ctx context.Context, taskType string) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	data, err := json.Marshal(Request{
		ID:        uuid.New().String(),
		Profile:   b.handle,
		TaskType:  taskType,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return err
	}
	return b.rdb.RPush(ctx, RequestsKey, data).Err()
}

// Closed reports whether Close was called.
func (b *Bridge) Closed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}

// Close releases the handle. The Redis client is owned by the caller and
// stays open. Closing twice returns ErrClosed.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	b.log.Info().Str("handle", string(b.handle)).Msg("Native bridge closed")
	return nil
}
