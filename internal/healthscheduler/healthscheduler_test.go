package healthscheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScheduler_RunsRegisteredTask(t *testing.T) {
	s := New(4)
	var calls int32
	s.Register(Task{
		ID:       "pool-a/openai",
		Priority: Critical,
		Probe: func(ctx context.Context) error {
			atomic.AddInt32(&calls, 1)
			return nil
		},
	})

	// force immediate eligibility instead of waiting out the jitter
	s.mu.Lock()
	s.tasks["pool-a/openai"].nextRun = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&calls) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&calls) == 0 {
		t.Fatal("expected probe to run at least once")
	}
}

func TestScheduler_IntervalShrinksOnFailureAndGrowsOnSuccess(t *testing.T) {
	s := New(4)
	s.Register(Task{
		ID:       "t1",
		Priority: Normal,
		Probe:    func(ctx context.Context) error { return errors.New("down") },
	})

	ts := s.tasks["t1"]
	base := ts.interval
	s.runProbe(context.Background(), ts)

	ts.mu.Lock()
	shrunk := ts.interval
	failures := ts.consecutiveFailures
	ts.mu.Unlock()

	if shrunk >= base {
		t.Errorf("expected interval to shrink after failure, base=%v got=%v", base, shrunk)
	}
	if failures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", failures)
	}

	s2 := New(4)
	s2.Register(Task{
		ID:       "t2",
		Priority: Normal,
		Probe:    func(ctx context.Context) error { return nil },
	})
	ts2 := s2.tasks["t2"]
	ts2.mu.Lock()
	ts2.interval = tierDefaults[Normal].min
	ts2.mu.Unlock()

	s2.runProbe(context.Background(), ts2)
	ts2.mu.Lock()
	grown := ts2.interval
	ts2.mu.Unlock()
	if grown <= tierDefaults[Normal].min {
		t.Errorf("expected interval to grow after success, got %v", grown)
	}
}

func TestScheduler_BoundsConcurrency(t *testing.T) {
	s := New(2)
	var inFlight, maxSeen int32
	var mu sync.Mutex

	for i := 0; i < 6; i++ {
		id := string(rune('a' + i))
		s.Register(Task{
			ID:       id,
			Priority: Critical,
			Probe: func(ctx context.Context) error {
				n := atomic.AddInt32(&inFlight, 1)
				mu.Lock()
				if n > maxSeen {
					maxSeen = n
				}
				mu.Unlock()
				time.Sleep(30 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return nil
			},
		})
	}

	s.mu.Lock()
	now := time.Now()
	for _, ts := range s.tasks {
		ts.nextRun = now
	}
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop()

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if maxSeen > 2 {
		t.Errorf("expected concurrency bounded at 2, saw %d in flight", maxSeen)
	}
}

func TestScheduler_OnResultCallback(t *testing.T) {
	s := New(4)
	done := make(chan error, 1)
	s.Register(Task{
		ID:       "t1",
		Priority: Critical,
		Probe:    func(ctx context.Context) error { return nil },
		OnResult: func(id string, err error, elapsed time.Duration) {
			done <- err
		},
	})

	ts := s.tasks["t1"]
	s.runProbe(context.Background(), ts)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnResult was not called")
	}
}
