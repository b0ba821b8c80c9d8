// Package livequery turns store writes into re-evaluated query snapshots.
//
// Writers publish a Change after every successful write. Watchers listen for
// changes to the collections their query reads and re-run the query, handing
// the whole result set to their callback. Nothing is diffed; a snapshot
// always replaces the previous one.
package livequery

import (
	"context"
	"sync"
	"time"
)

// Collection names as used on the bus.
const (
	Users         = "users"
	Appointments  = "appointments"
	Prescriptions = "prescriptions"
	// Sessions carries ended sign-in sessions. ID is the identity id and
	// Token the session's token id.
	Sessions = "sessions"
)

// Op is the kind of write that produced a Change.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	// OpResync replaces changes a slow listener missed. It carries no ID;
	// the listener must re-read everything it derives from Collection.
	OpResync Op = "resync"
)

// Change announces that a document in Collection was written.
type Change struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Op         Op        `json:"op"`
	Token      string    `json:"token,omitempty"`
	At         time.Time `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, change Change) error
}

// Listener hands out change streams. The returned cancel func closes the
// channel; it is safe to call more than once.
type Listener interface {
	Listen(collections ...string) (<-chan Change, func())
}

type Bus interface {
	Publisher
	Listener
}

const listenerBuffer = 64

type listener struct {
	ch          chan Change
	collections map[string]bool
	once        sync.Once
}

func (l *listener) wants(collection string) bool {
	return len(l.collections) == 0 || l.collections[collection]
}

// MemoryBus fans changes out to listeners inside one process.
type MemoryBus struct {
	mu        sync.RWMutex
	listeners map[*listener]struct{}
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{listeners: make(map[*listener]struct{})}
}

func (b *MemoryBus) Publish(_ context.Context, change Change) error {
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for l := range b.listeners {
		if !l.wants(change.Collection) {
			continue
		}
		select {
		case l.ch <- change:
		default:
			l.overflow(change)
		}
	}
	return nil
}

// overflow makes room by dropping the oldest queued change and queues a
// resync marker in place of change.
func (l *listener) overflow(change Change) {
	select {
	case <-l.ch:
	default:
	}
	select {
	case l.ch <- Change{Collection: change.Collection, Op: OpResync, At: change.At}:
	default:
	}
}

// Listen subscribes to the named collections; none means all of them.
func (b *MemoryBus) Listen(collections ...string) (<-chan Change, func()) {
	l := &listener{ch: make(chan Change, listenerBuffer)}
	if len(collections) > 0 {
		l.collections = make(map[string]bool, len(collections))
		for _, c := range collections {
			l.collections[c] = true
		}
	}

	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()

	return l.ch, func() {
		l.once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, l)
			b.mu.Unlock()
			close(l.ch)
		})
	}
}

// ListenerCount returns the number of open listeners.
func (b *MemoryBus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}
