package livequery

import (
	"context"
	"time"
)

// Snapshot is one evaluation of a watched query. Err is set when the
// evaluation failed; Items is then nil.
type Snapshot[T any] struct {
	Items   []T
	Version uint64
	At      time.Time
	Err     error
}

// FetchFunc evaluates the watched query.
type FetchFunc[T any] func(ctx context.Context) ([]T, error)

// Watch delivers an initial snapshot and then a fresh one after every change
// to the given collections. Deliveries for one watch never overlap and carry
// increasing versions; changes that arrive while a fetch is running collapse
// into a single re-fetch.
//
// The returned func stops the watch and waits for the watcher goroutine, so
// no delivery happens after it returns. It must not be called from deliver.
func Watch[T any](ctx context.Context, l Listener, fetch FetchFunc[T], deliver func(Snapshot[T]), collections ...string) func() {
	ctx, cancel := context.WithCancel(ctx)
	changes, stop := l.Listen(collections...)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer stop()

		var version uint64
		emit := func() {
			items, err := fetch(ctx)
			if ctx.Err() != nil {
				return
			}
			version++
			deliver(Snapshot[T]{Items: items, Version: version, At: time.Now().UTC(), Err: err})
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				if !drain(changes) {
					return
				}
				emit()
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

// drain discards queued changes. It reports false once the channel is closed.
func drain(changes <-chan Change) bool {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return false
			}
		default:
			return true
		}
	}
}
