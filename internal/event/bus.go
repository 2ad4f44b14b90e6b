// SPDX-License-Identifier: MIT

package event

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/davidgeorgehope/vibecaster/internal/metrics"
)

// Bus is an in-memory pub/sub keyed by job id. It is not durable:
// the Job/Scene rows remain the source of truth and a reconnecting
// client resynchronises from a snapshot, so in-process at-least-once
// delivery while publish contexts remain active is sufficient.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]*Subscription
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]*Subscription)}
}

func publishDropReason(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "context_done"
	}
}

// Publish delivers ev to every live subscriber of the job, in order.
// Delivery blocks until each subscriber accepts the frame, detaches,
// or ctx ends, which preserves per-subscription ordering. A subscriber
// closing concurrently is skipped, never panicked into: the delivery
// channel is only ever closed by nobody (see Subscription.Close).
func (b *Bus) Publish(ctx context.Context, jobID string, ev Event) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	b.mu.RLock()
	subs := append([]*Subscription(nil), b.subs[jobID]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		case <-sub.done:
			// Subscriber detached while we were delivering; skip it.
		case <-ctx.Done():
			metrics.BusDroppedTotal.WithLabelValues(publishDropReason(ctx.Err())).Inc()
			return fmt.Errorf("publish job %q: %w", jobID, ctx.Err())
		}
	}
	return nil
}

// Subscribe attaches a buffered subscriber to the job's frame stream.
func (b *Bus) Subscribe(jobID string) *Subscription {
	sub := &Subscription{
		b:     b,
		jobID: jobID,
		ch:    make(chan Event, 64),
		done:  make(chan struct{}),
	}

	b.mu.Lock()
	b.subs[jobID] = append(b.subs[jobID], sub)
	b.mu.Unlock()

	return sub
}

// Subscription is one attached live-tail consumer.
type Subscription struct {
	b     *Bus
	jobID string
	ch    chan Event
	done  chan struct{}
	once  sync.Once
}

// C returns the ordered frame channel. It is never closed; consumers
// stop on a terminal frame or on their own context, so a publisher
// caught mid-send can never hit a closed channel.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Close detaches the subscriber. Safe to call while a publish to this
// subscription is in flight, and safe to call more than once.
func (s *Subscription) Close() error {
	s.once.Do(func() {
		close(s.done)

		s.b.mu.Lock()
		defer s.b.mu.Unlock()

		lst := s.b.subs[s.jobID]
		out := lst[:0]
		for _, c := range lst {
			if c != s {
				out = append(out, c)
			}
		}
		if len(out) == 0 {
			delete(s.b.subs, s.jobID)
		} else {
			s.b.subs[s.jobID] = out
		}
	})
	return nil
}
