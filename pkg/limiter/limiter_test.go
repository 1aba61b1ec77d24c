package limiter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestNeverExceedsMax(t *testing.T) {
	l := New(2)
	var current, peak atomic.Int64
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Do(context.Background(), l, func(ctx context.Context) (int, error) {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				current.Add(-1)
				return 0, nil
			})
			if err != nil {
				t.Errorf("Do failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("Expected at most 2 concurrent calls, saw %d", peak.Load())
	}
	if s := l.Stats(); s.Peak > 2 || s.InFlight != 0 {
		t.Errorf("Unexpected stats %+v", s)
	}
}

func TestFailureReleasesSlot(t *testing.T) {
	l := New(1)
	boom := errors.New("boom")

	_, err := Do(context.Background(), l, func(ctx context.Context) (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	v, err := Do(ctx, l, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	if err != nil || v != 7 {
		t.Errorf("Expected slot to be free after failure, got %d, %v", v, err)
	}
}

func TestCancelAbandonsInFlight(t *testing.T) {
	l := New(1)
	release := make(chan struct{})
	started := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := Do(ctx, l, func(context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
		errc <- err
	}()

	<-started
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Do blocked after cancellation")
	}

	if s := l.Stats(); s.InFlight != 1 || s.Abandoned != 1 {
		t.Errorf("Expected abandoned call to keep its slot until it returns, got %+v", s)
	}
	close(release)

	deadline := time.After(time.Second)
	for l.Stats().InFlight != 0 {
		select {
		case <-deadline:
			t.Fatal("Slot never released")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestAcquireRespectsContext(t *testing.T) {
	l := New(1)
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer l.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestNewClampsMax(t *testing.T) {
	if New(0).Stats().Max != 1 {
		t.Error("Expected max clamped to 1")
	}
}
