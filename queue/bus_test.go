package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonwraymond/pagecache/resilience"
)

type testMessage struct{ n int }

func (testMessage) Kind() string { return "test" }

func startBus(t *testing.T, b *Bus) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = b.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBus_DispatchRunsHandler(t *testing.T) {
	b := NewBus(Options{Workers: 2})
	var mu sync.Mutex
	var got []int64
	b.Handle(KindVersionDelete, func(_ context.Context, msg Message) error {
		m := msg.(VersionDeleteMessage)
		mu.Lock()
		got = append(got, m.ElementID)
		mu.Unlock()
		return nil
	})
	startBus(t, b)

	for i := int64(1); i <= 3; i++ {
		if err := b.Dispatch(context.Background(), VersionDeleteMessage{ElementType: "object", ElementID: i}); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	waitFor(t, func() bool { return b.Stats().Processed == 3 })

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Errorf("handled %d messages, want 3", len(got))
	}
}

func TestBus_RetriesTransientFailure(t *testing.T) {
	b := NewBus(Options{Workers: 1, Retry: resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond}})
	var calls atomic.Int32
	b.Handle("test", func(context.Context, Message) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	startBus(t, b)

	if err := b.Dispatch(context.Background(), testMessage{n: 1}); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	waitFor(t, func() bool { return b.Stats().Processed == 1 })
	if calls.Load() != 3 {
		t.Errorf("handler calls = %d, want 3", calls.Load())
	}
}

func TestBus_PermanentFailureNotRetried(t *testing.T) {
	b := NewBus(Options{Workers: 1, Retry: resilience.RetryConfig{MaxAttempts: 5, InitialDelay: time.Millisecond}})
	var calls atomic.Int32
	b.Handle("test", func(context.Context, Message) error {
		calls.Add(1)
		return resilience.Permanent(errors.New("bad message"))
	})
	startBus(t, b)

	_ = b.Dispatch(context.Background(), testMessage{})
	waitFor(t, func() bool { return b.Stats().Failed == 1 })
	if calls.Load() != 1 {
		t.Errorf("handler calls = %d, want 1", calls.Load())
	}
}

func TestBus_PanicCountsAsFailure(t *testing.T) {
	b := NewBus(Options{Workers: 1})
	b.Handle("test", func(context.Context, Message) error { panic("boom") })
	startBus(t, b)

	_ = b.Dispatch(context.Background(), testMessage{})
	waitFor(t, func() bool { return b.Stats().Failed == 1 })
}

func TestBus_UnknownKindDropped(t *testing.T) {
	b := NewBus(Options{Workers: 1})
	startBus(t, b)

	_ = b.Dispatch(context.Background(), testMessage{})
	waitFor(t, func() bool { return b.Stats().Dropped == 1 })
}

func TestBus_DispatchAfterClose(t *testing.T) {
	b := NewBus(Options{})
	b.Close()
	b.Close()

	if err := b.Dispatch(context.Background(), testMessage{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Dispatch() error = %v, want ErrClosed", err)
	}
}

func TestBus_DispatchNil(t *testing.T) {
	b := NewBus(Options{})
	if err := b.Dispatch(context.Background(), nil); !errors.Is(err, ErrNilMessage) {
		t.Errorf("Dispatch(nil) error = %v, want ErrNilMessage", err)
	}
}

func TestBus_DispatchFullBufferHonorsContext(t *testing.T) {
	b := NewBus(Options{Buffer: 1})
	if err := b.Dispatch(context.Background(), testMessage{}); err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := b.Dispatch(ctx, testMessage{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Dispatch() on full buffer error = %v, want DeadlineExceeded", err)
	}
	if got := b.Stats().Pending; got != 1 {
		t.Errorf("Pending = %d, want 1", got)
	}
}

func TestBus_CloseDrainsBuffer(t *testing.T) {
	b := NewBus(Options{Workers: 1, Buffer: 8})
	var calls atomic.Int32
	b.Handle("test", func(context.Context, Message) error {
		calls.Add(1)
		return nil
	})
	for i := 0; i < 5; i++ {
		if err := b.Dispatch(context.Background(), testMessage{n: i}); err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}
	b.Close()

	if err := b.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if calls.Load() != 5 {
		t.Errorf("handled %d messages after Close, want 5", calls.Load())
	}
}
