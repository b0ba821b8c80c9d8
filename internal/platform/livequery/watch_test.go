package livequery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type collector[T any] struct {
	mu    sync.Mutex
	snaps []Snapshot[T]
	ch    chan Snapshot[T]
}

func newCollector[T any]() *collector[T] {
	return &collector[T]{ch: make(chan Snapshot[T], 32)}
}

func (c *collector[T]) deliver(s Snapshot[T]) {
	c.mu.Lock()
	c.snaps = append(c.snaps, s)
	c.mu.Unlock()
	c.ch <- s
}

func (c *collector[T]) next(t *testing.T) Snapshot[T] {
	t.Helper()
	select {
	case s := <-c.ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot[T]{}
}

func TestWatch_InitialAndRefetch(t *testing.T) {
	bus := NewMemoryBus()
	var rows atomic.Int32
	rows.Store(1)
	fetch := func(ctx context.Context) ([]int, error) {
		n := int(rows.Load())
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out, nil
	}

	col := newCollector[int]()
	stop := Watch[int](context.Background(), bus, fetch, col.deliver, Appointments)
	defer stop()

	first := col.next(t)
	if first.Version != 1 || len(first.Items) != 1 {
		t.Fatalf("unexpected initial snapshot %+v", first)
	}

	rows.Store(3)
	_ = bus.Publish(context.Background(), Change{Collection: Appointments, ID: "a2", Op: OpCreate})

	second := col.next(t)
	if second.Version != 2 || len(second.Items) != 3 {
		t.Fatalf("unexpected second snapshot %+v", second)
	}
}

func TestWatch_IgnoresOtherCollections(t *testing.T) {
	bus := NewMemoryBus()
	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]string, error) {
		calls.Add(1)
		return nil, nil
	}
	col := newCollector[string]()
	stop := Watch[string](context.Background(), bus, fetch, col.deliver, Prescriptions)
	defer stop()
	col.next(t)

	_ = bus.Publish(context.Background(), Change{Collection: Users})
	select {
	case s := <-col.ch:
		t.Fatalf("unexpected snapshot %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 fetch, got %d", calls.Load())
	}
}

func TestWatch_CoalescesBursts(t *testing.T) {
	bus := NewMemoryBus()
	gate := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context) ([]int, error) {
		if calls.Add(1) == 2 {
			<-gate
		}
		return []int{int(calls.Load())}, nil
	}

	col := newCollector[int]()
	stop := Watch[int](context.Background(), bus, fetch, col.deliver, Appointments)
	defer stop()
	col.next(t)

	_ = bus.Publish(context.Background(), Change{Collection: Appointments})
	// Wait until the second fetch is blocked, then queue a burst behind it.
	deadline := time.Now().Add(time.Second)
	for calls.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for i := 0; i < 10; i++ {
		_ = bus.Publish(context.Background(), Change{Collection: Appointments})
	}
	close(gate)

	col.next(t)
	third := col.next(t)
	if third.Version != 3 {
		t.Errorf("expected version 3, got %d", third.Version)
	}
	select {
	case s := <-col.ch:
		t.Fatalf("expected burst to collapse into one re-fetch, got extra %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 fetches, got %d", calls.Load())
	}
}

func TestWatch_DeliversFetchError(t *testing.T) {
	bus := NewMemoryBus()
	boom := errors.New("store unavailable")
	col := newCollector[int]()
	stop := Watch[int](context.Background(), bus, func(context.Context) ([]int, error) { return nil, boom }, col.deliver)
	defer stop()

	s := col.next(t)
	if !errors.Is(s.Err, boom) || s.Items != nil {
		t.Errorf("expected error snapshot, got %+v", s)
	}
}

func TestWatch_UnsubscribeStopsDeliveries(t *testing.T) {
	bus := NewMemoryBus()
	col := newCollector[int]()
	stop := Watch[int](context.Background(), bus, func(context.Context) ([]int, error) { return []int{1}, nil }, col.deliver, Appointments)
	col.next(t)

	stop()
	if bus.ListenerCount() != 0 {
		t.Errorf("expected listener released, got %d", bus.ListenerCount())
	}
	_ = bus.Publish(context.Background(), Change{Collection: Appointments})
	select {
	case s := <-col.ch:
		t.Fatalf("delivery after unsubscribe: %+v", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWatch_ContextCancel(t *testing.T) {
	bus := NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	col := newCollector[int]()
	stop := Watch[int](ctx, bus, func(context.Context) ([]int, error) { return nil, nil }, col.deliver)
	col.next(t)

	cancel()
	stop()
	if bus.ListenerCount() != 0 {
		t.Errorf("expected listener released, got %d", bus.ListenerCount())
	}
}
