// Package notify provides a small in-process fan-out feed. Subscribers attach
// and detach independently; publishing never blocks the producer.
package notify

import (
	"context"
	"sync"
)

const defaultSubscriberBuffer = 64

// Feed fans values out to any number of subscribers. A slow subscriber drops
// intermediate values instead of stalling the publisher, so consumers always
// converge on the latest state.
type Feed[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	nextID uint64
	closed bool
}

// NewFeed creates an empty feed
func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{
		subs: make(map[uint64]chan T),
	}
}

// Subscribe registers a new subscriber. The returned channel is closed when
// ctx is cancelled or the feed shuts down. Restartable: callers may resubscribe
// at any time.
func (f *Feed[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, defaultSubscriberBuffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.unsubscribe(id)
	}()

	return ch
}

// Publish delivers v to every live subscriber without blocking. Full
// subscriber buffers drop the value.
func (f *Feed[T]) Publish(v T) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
			// Subscriber is behind; it will catch up on the next value
		}
	}
}

// Close shuts the feed down and closes every subscriber channel
func (f *Feed[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		close(ch)
		delete(f.subs, id)
	}
}

// SubscriberCount reports the number of attached subscribers
func (f *Feed[T]) SubscriberCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs)
}

func (f *Feed[T]) unsubscribe(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.subs[id]; ok {
		delete(f.subs, id)
		close(ch)
	}
}
