package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/jwquant/trading-core/internal/observ"
)

var ErrQueueFull = errors.New("async subscriber queue full")

// AsyncSubscriber decouples a slow consumer from the synchronous publish
// path. Its Handler enqueues without blocking; a single worker drains the
// queue in order. On overflow the event is dropped and counted, never
// blocking the publisher.
type AsyncSubscriber struct {
	name   string
	ch     chan Event
	closed uint32
}

func NewAsyncSubscriber(name string, capacity int) *AsyncSubscriber {
	if capacity <= 0 {
		capacity = 1
	}
	return &AsyncSubscriber{name: name, ch: make(chan Event, capacity)}
}

// Handler returns the function to register on the bus.
func (a *AsyncSubscriber) Handler() Handler {
	return func(ev Event) {
		if atomic.LoadUint32(&a.closed) != 0 {
			return
		}
		select {
		case a.ch <- ev:
		default:
			observ.Anomaly("async_subscriber_drop", map[string]any{
				"subscriber": a.name,
				"event_type": string(ev.Type),
			})
		}
	}
}

// Run consumes queued events until the context ends or Close is called.
func (a *AsyncSubscriber) Run(ctx context.Context, fn Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-a.ch:
			if !ok {
				return
			}
			fn(ev)
		}
	}
}

func (a *AsyncSubscriber) Close() {
	if atomic.CompareAndSwapUint32(&a.closed, 0, 1) {
		close(a.ch)
	}
}
