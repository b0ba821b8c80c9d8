package livequery

import (
	"context"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return c
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for change")
	}
	return Change{}
}

func TestMemoryBus_FiltersByCollection(t *testing.T) {
	bus := NewMemoryBus()
	appts, stopAppts := bus.Listen(Appointments)
	defer stopAppts()
	all, stopAll := bus.Listen()
	defer stopAll()

	ctx := context.Background()
	_ = bus.Publish(ctx, Change{Collection: Prescriptions, ID: "p1", Op: OpCreate})
	_ = bus.Publish(ctx, Change{Collection: Appointments, ID: "a1", Op: OpUpdate})

	got := recv(t, appts)
	if got.Collection != Appointments || got.ID != "a1" {
		t.Errorf("unexpected change %+v", got)
	}
	if got.At.IsZero() {
		t.Error("expected publish to stamp the change")
	}
	select {
	case c := <-appts:
		t.Fatalf("did not expect another change, got %+v", c)
	default:
	}

	if c := recv(t, all); c.Collection != Prescriptions {
		t.Errorf("expected prescriptions first, got %+v", c)
	}
	if c := recv(t, all); c.Collection != Appointments {
		t.Errorf("expected appointments second, got %+v", c)
	}
}

func TestMemoryBus_CancelClosesOnce(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel := bus.Listen(Users)
	if bus.ListenerCount() != 1 {
		t.Fatalf("expected 1 listener, got %d", bus.ListenerCount())
	}
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	if bus.ListenerCount() != 0 {
		t.Errorf("expected 0 listeners, got %d", bus.ListenerCount())
	}
	if err := bus.Publish(context.Background(), Change{Collection: Users}); err != nil {
		t.Errorf("publish after cancel: %v", err)
	}
}

func TestMemoryBus_FullBufferDoesNotBlock(t *testing.T) {
	bus := NewMemoryBus()
	_, cancel := bus.Listen()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < listenerBuffer*3; i++ {
			_ = bus.Publish(context.Background(), Change{Collection: Appointments})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow listener")
	}
}

func TestMemoryBus_OverflowQueuesResync(t *testing.T) {
	bus := NewMemoryBus()
	ch, cancel := bus.Listen(Users)
	defer cancel()

	ctx := context.Background()
	for i := 0; i < listenerBuffer+5; i++ {
		_ = bus.Publish(ctx, Change{Collection: Users, ID: "u1", Op: OpUpdate})
	}

	var last Change
	n := 0
	for len(ch) > 0 {
		last = <-ch
		n++
	}
	if n != listenerBuffer {
		t.Errorf("expected a full buffer of %d, got %d", listenerBuffer, n)
	}
	if last.Op != OpResync || last.Collection != Users || last.ID != "" {
		t.Errorf("expected trailing resync marker, got %+v", last)
	}
}
