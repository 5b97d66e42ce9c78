package scan

import (
	"context"
	"sync"
)

// Bridge carries scan events from the pool's workers to a single consumer
// over a bounded channel. Send blocks when the consumer lags, which is what
// applies backpressure to the workers.
type Bridge struct {
	ch        chan Event
	closeOnce sync.Once
}

// NewBridge creates a bridge with the given buffer capacity.
func NewBridge(capacity int) *Bridge {
	if capacity < 0 {
		capacity = 0
	}
	return &Bridge{ch: make(chan Event, capacity)}
}

// Send delivers ev, blocking until the consumer takes it or ctx is done.
func (b *Bridge) Send(ctx context.Context, ev Event) error {
	select {
	case b.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the receive side. It is closed after the terminal event.
func (b *Bridge) Events() <-chan Event {
	return b.ch
}

// Close closes the channel. Safe to call more than once; the pool calls it
// after the terminal event has been sent.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.ch) })
}
