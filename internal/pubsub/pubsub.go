// Copyright © 2026 Studio AI Authors - All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

// Package pubsub provides a typed in-process event broker. Each event
// family (process, agent, workflow, approval, message) gets its own
// Broker instance so subscribers never see payloads they did not ask
// for.
package pubsub

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the channel buffer for new subscriptions.
const DefaultBufferSize = 64

// Broker fans events out to subscribers. Publish never blocks: events
// for slow subscribers are dropped and counted.
type Broker[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]chan T
	nextID uint64
	buffer int
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBroker creates a broker with the default subscription buffer.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithBuffer[T](DefaultBufferSize)
}

// NewBrokerWithBuffer creates a broker with a custom subscription buffer.
func NewBrokerWithBuffer[T any](buffer int) *Broker[T] {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Broker[T]{
		subs:   make(map[uint64]chan T),
		buffer: buffer,
	}
}

// Subscribe registers a new subscriber. The returned channel is closed
// when ctx is cancelled or the broker shuts down.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan T {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		ch := make(chan T)
		close(ch)
		return ch
	}
	id := b.nextID
	b.nextID++
	ch := make(chan T, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}()

	return ch
}

// Publish delivers an event to every subscriber without blocking.
// Returns how many subscribers received the event.
func (b *Broker[T]) Publish(event T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}

	b.published.Add(1)
	delivered := 0
	for _, ch := range b.subs {
		select {
		case ch <- event:
			delivered++
		default:
			b.dropped.Add(1)
		}
	}
	return delivered
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Stats returns total published and dropped event counts.
func (b *Broker[T]) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Shutdown closes every subscriber channel. Publish becomes a no-op.
func (b *Broker[T]) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
