package imagecacher

import (
	"context"
	"errors"
	"sync"
)

// ErrLoopStopped is returned by Loop.Do once Run has returned.
var ErrLoopStopped = errors.New("caller loop stopped")

// Loop is the single caller context Cacher.Request, Precache and Cancel
// are meant to run on. Calls submitted with Do run one at a time on the
// goroutine running Run.
type Loop struct {
	calls    chan func()
	done     chan struct{}
	doneOnce sync.Once
}

func NewLoop() *Loop {
	return &Loop{
		calls: make(chan func()),
		done:  make(chan struct{}),
	}
}

// Run executes submitted calls until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	defer l.doneOnce.Do(func() { close(l.done) })

	for {
		select {
		case fn := <-l.calls:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Do runs fn on the loop and waits for it to return. It gives up when ctx
// is done before fn was picked up; once fn started it waits for it.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	call := func() {
		defer close(finished)
		fn()
	}

	select {
	case l.calls <- call:
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopStopped
	}

	<-finished
	return nil
}
