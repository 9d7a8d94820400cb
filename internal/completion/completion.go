// Package completion implements the one-shot signal handed back to a
// submitter. The dispatcher owns the Setter; the submitter keeps the Handle.
package completion

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadySet is returned by Setter.Set on every call after the first.
var ErrAlreadySet = errors.New("completion: already set")

// Handle is the waiting half of a completion pair. All methods are safe for
// concurrent use.
type Handle struct {
	id   string
	done chan struct{}
	err  error // written once, before done is closed
}

// Setter is the producing half of a completion pair.
type Setter struct {
	once sync.Once
	h    *Handle
}

// New returns a fresh completion pair identified by a random UUID.
func New() (*Setter, *Handle) {
	return NewWithID(uuid.NewString())
}

// NewWithID returns a completion pair with a caller-chosen id.
func NewWithID(id string) (*Setter, *Handle) {
	h := &Handle{id: id, done: make(chan struct{})}
	return &Setter{h: h}, h
}

// Failed returns a handle that is already complete with err.
func Failed(err error) *Handle {
	s, h := New()
	_ = s.Set(err)
	return h
}

// Set completes the handle with err (nil for success). Only the first call
// has an effect.
func (s *Setter) Set(err error) error {
	set := false
	s.once.Do(func() {
		s.h.err = err
		close(s.h.done)
		set = true
	})
	if !set {
		return ErrAlreadySet
	}
	return nil
}

// ID returns the identifier shared by both halves of the pair.
func (s *Setter) ID() string { return s.h.id }

// ID returns the identifier shared by both halves of the pair.
func (h *Handle) ID() string { return h.id }

// Done returns a channel that is closed once the handle is set.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Ready reports whether the handle has been set, without blocking.
func (h *Handle) Ready() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the handle is set and returns the delivered error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// WaitContext is Wait bounded by ctx. It returns ctx.Err() if ctx ends first.
func (h *Handle) WaitContext(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryWait waits up to d and reports whether the handle was set in time.
func (h *Handle) TryWait(d time.Duration) bool {
	if h.Ready() {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-h.done:
		return true
	case <-t.C:
		return false
	}
}

// Err returns the delivered error, or nil if the handle is not set yet.
func (h *Handle) Err() error {
	if !h.Ready() {
		return nil
	}
	return h.err
}
