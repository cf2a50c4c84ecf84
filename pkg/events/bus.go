// Package events is a small publish/subscribe bus for task lifecycle
// notifications. Subscribers receive a Token they use to unsubscribe.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guido-cesarano/taskbridge/pkg/tasks"
)

// Kind names a task lifecycle transition.
type Kind string

const (
	TaskStarted     Kind = "started"      // handler accepted the start
	TaskFinished    Kind = "finished"     // handler completed (sync or async)
	TaskStopped     Kind = "stopped"      // scheduler cancelled a running task
	TaskStartFailed Kind = "start_failed" // lookup miss or duplicate start
	TaskStopIgnored Kind = "stop_ignored" // stop without a running entry
)

// Event describes one transition.
type Event struct {
	ID              string
	Kind            Kind
	TaskID          tasks.TaskID
	TaskName        string
	NeedsReschedule bool
	Async           bool
	Duration        time.Duration
	Err             error
	At              time.Time
}

// Handler consumes events. It runs on the publisher's goroutine and must
// not block.
type Handler func(Event)

// Token identifies a subscription.
type Token uint64

// Bus fans events out to subscribers. The zero value is not usable; use New.
type Bus struct {
	mu     sync.RWMutex
	next   Token
	subs   map[Token]Handler
	orders []Token
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Token]Handler)}
}

// Subscribe registers fn and returns its unsubscribe token.
func (b *Bus) Subscribe(fn Handler) Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs[b.next] = fn
	b.orders = append(b.orders, b.next)
	return b.next
}

// Unsubscribe removes the subscription. It reports false for unknown or
// already removed tokens.
func (b *Bus) Unsubscribe(tok Token) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[tok]; !ok {
		return false
	}
	delete(b.subs, tok)
	for i, t := range b.orders {
		if t == tok {
			b.orders = append(b.orders[:i], b.orders[i+1:]...)
			break
		}
	}
	return true
}

// Publish delivers ev to every subscriber in subscription order. Missing ID
// and timestamp are filled in. A nil bus drops the event.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.orders))
	for _, tok := range b.orders {
		handlers = append(handlers, b.subs[tok])
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
