// Package cancel provides the cooperative cancellation token shared by all
// blocking guest operations. A token is independent of any call stack: it can
// be fired from any goroutine and observed by any number of waiters.
package cancel

import (
	"context"
	"sync"

	"github.com/guestkit/guestkit/internal/model"
)

// State is the lifecycle state of a token.
type State int

const (
	// StatePending means the token has not fired.
	StatePending State = iota
	// StateCancelled means the token fired. Every blocked call observing it
	// unblocks with a cancelled error.
	StateCancelled
	// StateClosed means the owner released the token without firing it. A
	// closed token can never fire.
	StateClosed
)

// Token is a tri-state cancellation flag. The zero value is not usable; use
// New. A nil *Token is valid everywhere and never fires.
type Token struct {
	mu    sync.Mutex
	state State
	done  chan struct{}
}

// New returns a pending token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel fires the token. It is idempotent and has no effect on a closed
// token.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return
	}
	t.state = StateCancelled
	close(t.done)
}

// Close releases a token that will never fire. Closing a cancelled token
// keeps it cancelled.
func (t *Token) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StatePending {
		t.state = StateClosed
	}
}

// State reports the current state.
func (t *Token) State() State {
	if t == nil {
		return StatePending
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done returns a channel closed when the token fires. For a nil token it
// returns nil, which blocks forever in a select.
func (t *Token) Done() <-chan struct{} {
	if t == nil {
		return nil
	}
	return t.done
}

// FromContext returns a token that fires when ctx is cancelled. The stop
// function releases the bridge goroutine; it must be called when the token
// is no longer needed.
func FromContext(ctx context.Context) (token *Token, stop func()) {
	t := New()
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.Cancel()
		case <-watchDone:
		}
	}()
	var once sync.Once
	return t, func() {
		once.Do(func() {
			close(watchDone)
			t.Close()
		})
	}
}

// Err returns model.ErrCancelled if the token fired, nil otherwise.
func (t *Token) Err() error {
	if t.State() == StateCancelled {
		return model.ErrCancelled
	}
	return nil
}
