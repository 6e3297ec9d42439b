package loop

import (
	"context"
	"testing"
	"time"
)

func TestEventLoopRunsInOrder(t *testing.T) {
	l := NewEventLoop()
	var got []int
	for i := 0; i < 3; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}

	if n := l.Drain(); n != 3 {
		t.Fatalf("Drain ran %d callbacks, want 3", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v", got)
		}
	}
}

func TestEventLoopDrainIncludesNestedPosts(t *testing.T) {
	l := NewEventLoop()
	ran := false
	l.Post(func() {
		l.Post(func() { ran = true })
	})

	if n := l.Drain(); n != 2 {
		t.Fatalf("Drain ran %d callbacks, want 2", n)
	}
	if !ran {
		t.Fatal("nested callback did not run")
	}
}

func TestEventLoopRunStopsOnCancel(t *testing.T) {
	l := NewEventLoop()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	ran := make(chan struct{})
	l.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("posted callback never ran")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	// Posting after stop is a no-op.
	l.Post(func() { t.Error("callback ran after stop") })
	if n := l.Drain(); n != 0 {
		t.Fatalf("Drain after stop ran %d", n)
	}
}

func TestEventLoopRecoversPanics(t *testing.T) {
	l := NewEventLoop()
	after := false
	l.Post(func() { panic("boom") })
	l.Post(func() { after = true })
	l.Drain()
	if !after {
		t.Fatal("loop stopped after a panicking callback")
	}
}
