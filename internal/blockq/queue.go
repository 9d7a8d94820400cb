// Package blockq provides a generic FIFO queue with blocking, non-blocking and
// timed put/take operations.
//
// A Queue is either bounded (Put blocks and Offer fails while it is full) or
// unbounded (enqueue never blocks or fails). Items are handed over, not shared:
// once an item is dequeued the queue keeps no reference to it.
package blockq

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// Unbounded is the capacity sentinel for a queue with no size limit.
const Unbounded = -1

var (
	// ErrZeroCapacity is returned by New for a capacity of zero. Such a queue
	// could never accept an item, so every Put would park forever.
	ErrZeroCapacity = errors.New("blockq: capacity must not be zero")

	// ErrInvalidCapacity is returned by New for a negative capacity other than
	// Unbounded.
	ErrInvalidCapacity = errors.New("blockq: capacity must be positive or Unbounded")

	errTimeout = errors.New("blockq: wait timed out")
)

// Queue is a mutex-guarded FIFO. The zero value is not usable; use New.
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    *queue.Queue
	capacity int
}

// New returns an empty queue holding at most capacity items, or an unbounded
// queue when capacity is Unbounded.
func New[T any](capacity int) (*Queue[T], error) {
	switch {
	case capacity == 0:
		return nil, ErrZeroCapacity
	case capacity < 0 && capacity != Unbounded:
		return nil, ErrInvalidCapacity
	}
	q := &Queue[T]{
		items:    queue.New(),
		capacity: capacity,
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q, nil
}

// Put appends item, blocking while a bounded queue is full.
func (q *Queue[T]) Put(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_ = q.waitLocked(context.Background(), q.notFull, q.hasSpaceLocked, time.Time{})
	q.pushLocked(item)
}

// PutContext is Put with cancellation. On error the queue is unchanged.
func (q *Queue[T]) PutContext(ctx context.Context, item T) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.waitLocked(ctx, q.notFull, q.hasSpaceLocked, time.Time{}); err != nil {
		return err
	}
	q.pushLocked(item)
	return nil
}

// Offer appends item if there is room and reports whether it did.
func (q *Queue[T]) Offer(item T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasSpaceLocked() {
		return false
	}
	q.pushLocked(item)
	return true
}

// OfferTimeout appends item, waiting up to d for room. It returns false, with
// the queue unchanged, if no room appeared in time.
func (q *Queue[T]) OfferTimeout(item T, d time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.waitLocked(context.Background(), q.notFull, q.hasSpaceLocked, time.Now().Add(d)); err != nil {
		return false
	}
	q.pushLocked(item)
	return true
}

// Take removes and returns the head, blocking while the queue is empty.
func (q *Queue[T]) Take() T {
	q.mu.Lock()
	defer q.mu.Unlock()
	_ = q.waitLocked(context.Background(), q.notEmpty, q.hasItemLocked, time.Time{})
	return q.popLocked()
}

// TakeContext is Take with cancellation.
func (q *Queue[T]) TakeContext(ctx context.Context) (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.waitLocked(ctx, q.notEmpty, q.hasItemLocked, time.Time{}); err != nil {
		var zero T
		return zero, err
	}
	return q.popLocked(), nil
}

// Poll removes and returns the head without blocking. It returns the zero
// value and false when the queue is empty.
func (q *Queue[T]) Poll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.hasItemLocked() {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// PollTimeout removes and returns the head, waiting up to d for one to arrive.
func (q *Queue[T]) PollTimeout(d time.Duration) (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.waitLocked(context.Background(), q.notEmpty, q.hasItemLocked, time.Now().Add(d)); err != nil {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Empty reports whether the queue currently holds no items.
func (q *Queue[T]) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length() == 0
}

// Full reports whether a bounded queue is at capacity. An unbounded queue is
// never full.
func (q *Queue[T]) Full() bool {
	if q.capacity == Unbounded {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.hasSpaceLocked()
}

// Size returns the number of queued items.
func (q *Queue[T]) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Cap returns the capacity the queue was created with (Unbounded or > 0).
func (q *Queue[T]) Cap() int {
	return q.capacity
}

func (q *Queue[T]) hasSpaceLocked() bool {
	return q.capacity == Unbounded || q.items.Length() < q.capacity
}

func (q *Queue[T]) hasItemLocked() bool {
	return q.items.Length() > 0
}

func (q *Queue[T]) pushLocked(item T) {
	q.items.Add(item)
	q.notEmpty.Broadcast()
}

func (q *Queue[T]) popLocked() T {
	// A nil interface value comes back as the zero T.
	item, _ := q.items.Remove().(T)
	q.notFull.Broadcast()
	return item
}

// waitLocked parks on c until ready holds, the deadline passes or ctx is done.
// q.mu must be held. A zero deadline means no time bound.
//
// Deadline and cancellation wake the waiter through a broadcast on c taken
// under q.mu, so a wake-up cannot slip in between the predicate check and
// c.Wait. Other waiters woken by the same broadcast simply re-check.
func (q *Queue[T]) waitLocked(ctx context.Context, c *sync.Cond, ready func() bool, deadline time.Time) error {
	if ready() {
		return nil
	}

	wake := func() {
		q.mu.Lock()
		c.Broadcast()
		q.mu.Unlock()
	}
	if !deadline.IsZero() {
		t := time.AfterFunc(time.Until(deadline), wake)
		defer t.Stop()
	}
	if ctx.Done() != nil {
		stop := context.AfterFunc(ctx, wake)
		defer stop()
	}

	for !ready() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return errTimeout
		}
		c.Wait()
	}
	return nil
}
