// Package signal hands values from external callers to a stage that may or may not be waiting.
package signal

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrMailboxFull = errors.New("mailbox full")

// Delivery reports what happened to a submitted value.
type Delivery string

const (
	// Consumed means a waiting stage took the value synchronously.
	Consumed Delivery = "consumed"
	// Queued means the value will be applied at the next opportunity.
	Queued Delivery = "queued"
)

// Mailbox is safe for concurrent use. The zero value is unusable; call NewMailbox.
type Mailbox[T any] struct {
	mu       sync.Mutex
	waiters  []chan T
	queue    []T
	capacity int
}

func NewMailbox[T any](capacity int) *Mailbox[T] {
	if capacity <= 0 {
		capacity = 16
	}
	return &Mailbox[T]{capacity: capacity}
}

// Submit delivers v to the oldest waiter, or queues it when nobody waits.
func (m *Mailbox[T]) Submit(v T) (Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.waiters) > 0 {
		ch := m.waiters[0]
		m.waiters = m.waiters[1:]
		ch <- v
		return Consumed, nil
	}
	if len(m.queue) >= m.capacity {
		return "", ErrMailboxFull
	}
	m.queue = append(m.queue, v)
	return Queued, nil
}

// Await returns a queued value immediately, otherwise waits up to timeout.
// A non-positive timeout only drains the queue.
func (m *Mailbox[T]) Await(ctx context.Context, timeout time.Duration) (T, bool) {
	var zero T
	m.mu.Lock()
	if len(m.queue) > 0 {
		v := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()
		return v, true
	}
	if timeout <= 0 {
		m.mu.Unlock()
		return zero, false
	}
	ch := make(chan T, 1)
	m.waiters = append(m.waiters, ch)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case v := <-ch:
		return v, true
	case <-timer.C:
	case <-ctx.Done():
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i, w := range m.waiters {
		if w == ch {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return zero, false
		}
	}
	// Submit won the race and already sent.
	return <-ch, true
}

// Waiting reports whether a stage is currently blocked in Await.
func (m *Mailbox[T]) Waiting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiters) > 0
}

// Len returns the number of queued values.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
