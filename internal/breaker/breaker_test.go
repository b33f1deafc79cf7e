package breaker

import (
	"errors"
	"testing"
	"time"
)

type statusErr struct {
	status int
	msg    string
}

func (e *statusErr) Error() string   { return e.msg }
func (e *statusErr) HTTPStatus() int { return e.status }

func TestClassify_HTTPStatus(t *testing.T) {
	cases := map[int]Class{
		400: ClassClientError,
		401: ClassAuthn,
		403: ClassAuthn,
		404: ClassNotFound,
		408: ClassTimeout,
		429: ClassRateLimit,
		500: ClassServerError,
		502: ClassServerError,
		503: ClassServerError,
		504: ClassTimeout,
		505: ClassServerError,
	}
	for status, want := range cases {
		got := Classify(&statusErr{status: status, msg: "boom"})
		if got != want {
			t.Errorf("status %d: got %s, want %s", status, got, want)
		}
	}
}

func TestClassify_MessageSubstring(t *testing.T) {
	if Classify(errors.New("request timeout exceeded")) != ClassTimeout {
		t.Error("expected timeout classification")
	}
	if Classify(errors.New("operation aborted")) != ClassTimeout {
		t.Error("expected timeout classification for aborted")
	}
	if Classify(errors.New("dial tcp: connection refused")) != ClassNetworkError {
		t.Error("expected network_error classification")
	}
	if Classify(errors.New("upstream returned 503 while fetching")) != ClassServerError {
		t.Error("expected server_error classification from embedded status code")
	}
	if Classify(errors.New("something strange happened")) != ClassUnknown {
		t.Error("expected unknown classification")
	}
}

func TestBreaker_ImmediateTripOn404(t *testing.T) {
	b := New(Config{
		Enabled: true,
		PermanentFailureHandling: &PermanentFailureHandling{
			Enabled:  true,
			Patterns: []string{"404.*not found"},
		},
	})

	before := time.Now()
	res := b.Execute("p1", func() error { return errors.New("404: Not found") })
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Phase != Open {
		t.Fatalf("expected open, got %s", res.Phase)
	}

	snap := b.Snapshot("p1")
	wait := snap.NextAttemptTime.Sub(before)
	if wait < 250*time.Second || wait > 350*time.Second {
		t.Errorf("nextAttemptTime offset = %v, want [250s,350s]", wait)
	}
}

func TestBreaker_BackoffDoublesOnRepeatedImmediateTrips(t *testing.T) {
	b := New(Config{
		Enabled: true,
		PermanentFailureHandling: &PermanentFailureHandling{
			Enabled:  true,
			Patterns: []string{"404.*not found"},
		},
	})

	// First immediate trip: closed -> open, backoff exponent 0 (~5 min).
	b.Execute("p1", func() error { return errors.New("404: Not found") })

	// Force the half-open probe window open without waiting 5 real
	// minutes: the breaker's nextAttemptTime is an internal implementation
	// detail, reachable here because this file lives in package breaker.
	s := b.get("p1")
	s.mu.Lock()
	s.nextAttemptTime = time.Now()
	s.mu.Unlock()

	// Second immediate trip, hit during the half-open probe: the same
	// classification still applies, so the backoff doubles.
	before := time.Now()
	res := b.Execute("p1", func() error { return errors.New("404: Not found") })
	if res.Phase != Open {
		t.Fatalf("expected open on second trip, got %s", res.Phase)
	}
	snap := b.Snapshot("p1")
	wait := snap.NextAttemptTime.Sub(before)
	if wait < 550*time.Second || wait > 650*time.Second {
		t.Errorf("second trip offset = %v, want [550s,650s]", wait)
	}
}

func TestBreaker_ThresholdTrip(t *testing.T) {
	b := New(Config{
		Enabled:              true,
		MinRequestsThreshold: 5,
		ErrorThresholdPct:    50,
		ResetTimeoutMs:       60_000,
	})

	var last Result
	for i := 0; i < 5; i++ {
		last = b.Execute("p1", func() error { return errors.New("server exploded") })
	}
	if last.Phase != Open {
		t.Fatalf("expected open after threshold, got %s", last.Phase)
	}

	snap := b.Snapshot("p1")
	wait := time.Until(snap.NextAttemptTime)
	if wait < 55*time.Second || wait > 61*time.Second {
		t.Errorf("nextAttemptTime offset = %v, want ~60s", wait)
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := New(Config{
		Enabled:              true,
		MinRequestsThreshold: 1,
		ErrorThresholdPct:    1,
		ResetTimeoutMs:       1,
	})

	b.Execute("p1", func() error { return errors.New("boom") })
	if b.State("p1") != Open {
		t.Fatal("expected open")
	}

	time.Sleep(5 * time.Millisecond)

	res := b.Execute("p1", func() error { return nil })
	if !res.Success || res.Phase != Closed {
		t.Fatalf("expected half-open probe success to close, got %+v", res)
	}

	snap := b.Snapshot("p1")
	if snap.Failures != 0 || snap.RequestCount != 0 {
		t.Errorf("counters should reset on closed transition, got %+v", snap)
	}
}

func TestBreaker_RecentErrorsCapped(t *testing.T) {
	b := New(Config{Enabled: true, MinRequestsThreshold: 1_000_000, MonitoringWindowMs: 3_600_000})
	for i := 0; i < 250; i++ {
		b.Execute("p1", func() error { return errors.New("server error 500") })
	}
	snap := b.Snapshot("p1")
	if len(snap.RecentErrors) > 100 {
		t.Errorf("recentErrors len = %d, want <= 100", len(snap.RecentErrors))
	}
}

func TestBreaker_DisabledIsTransparent(t *testing.T) {
	b := New(Config{Enabled: false})
	res := b.Execute("p1", func() error { return errors.New("whatever") })
	if res.Success {
		t.Fatal("expected failure to surface")
	}
	if b.State("p1") != Closed {
		t.Error("disabled breaker must not retain state")
	}
}
