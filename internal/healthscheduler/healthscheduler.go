// Package healthscheduler implements HealthCheckScheduler (spec §4.5): a
// bounded-concurrency prober that partitions registered tasks into
// critical/normal/background priority tiers, tunes each task's next-probe
// interval adaptively on success/failure, and tracks an EMA response-time
// metric per task.
//
// Unlike a simple prober that checks every provider unconditionally in
// parallel on one fixed ticker, this scheduler bounds concurrency, tiers
// tasks by priority, and tunes each task's interval from its own history.
package healthscheduler

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Priority partitions tasks into scheduling tiers (spec §4.5).
type Priority string

const (
	Critical   Priority = "critical"
	Normal     Priority = "normal"
	Background Priority = "background"
)

// Default base intervals and bounds per tier.
var tierDefaults = map[Priority]struct {
	base time.Duration
	min  time.Duration
	max  time.Duration
}{
	Critical:   {base: 10 * time.Second, min: 2 * time.Second, max: 30 * time.Second},
	Normal:     {base: 30 * time.Second, min: 5 * time.Second, max: 120 * time.Second},
	Background: {base: 120 * time.Second, min: 30 * time.Second, max: 600 * time.Second},
}

// emaAlpha matches providerhealth's response-time smoothing factor.
const emaAlpha = 0.1

// probeTimeout bounds a single task's probe call.
const probeTimeout = 5 * time.Second

// Task is a single health probe registration.
type Task struct {
	ID       string
	Priority Priority
	Probe    func(ctx context.Context) error

	// OnResult, if set, is notified after every probe (used to feed
	// providerhealth.Manager's breaker/metrics from the scheduler's own
	// probe cadence, independent of live request traffic).
	OnResult func(id string, err error, elapsed time.Duration)
}

type taskState struct {
	mu                  sync.Mutex
	task                Task
	nextRun             time.Time
	interval            time.Duration
	avgResponseMs       float64
	hasSamples          bool
	consecutiveFailures int
	lastErr             error
}

// Scheduler runs registered Tasks on adaptive, priority-staggered
// intervals, bounding overall concurrent probes with a semaphore.
type Scheduler struct {
	concurrency int
	sem         chan struct{}

	mu    sync.Mutex
	tasks map[string]*taskState

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Scheduler that runs at most maxConcurrent probes at once.
// maxConcurrent <= 0 defaults to 8.
func New(maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Scheduler{
		concurrency: maxConcurrent,
		sem:         make(chan struct{}, maxConcurrent),
		tasks:       make(map[string]*taskState),
		done:        make(chan struct{}),
	}
}

// Register adds or replaces a task. Its first run is staggered by a random
// jitter within its tier's base interval so a large task set doesn't probe
// in lockstep.
func (s *Scheduler) Register(t Task) {
	tier, ok := tierDefaults[t.Priority]
	if !ok {
		tier = tierDefaults[Normal]
	}
	jitter := time.Duration(rand.Int63n(int64(tier.base)))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = &taskState{
		task:     t,
		nextRun:  time.Now().Add(jitter),
		interval: tier.base,
	}
}

// Deregister removes a task from scheduling.
func (s *Scheduler) Deregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
}

// Start runs the scheduling loop until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts the scheduling loop and waits for in-flight probes to finish.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	due := make([]*taskState, 0)
	for _, ts := range s.tasks {
		ts.mu.Lock()
		if !now.Before(ts.nextRun) {
			due = append(due, ts)
		}
		ts.mu.Unlock()
	}
	s.mu.Unlock()

	for _, ts := range due {
		select {
		case s.sem <- struct{}{}:
			s.wg.Add(1)
			go func(ts *taskState) {
				defer s.wg.Done()
				defer func() { <-s.sem }()
				s.runProbe(ctx, ts)
			}(ts)
		default:
			// at concurrency cap this tick; task stays due and runs next tick.
		}
	}
}

func (s *Scheduler) runProbe(ctx context.Context, ts *taskState) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	start := time.Now()
	err := ts.task.Probe(probeCtx)
	elapsed := time.Since(start)

	ts.mu.Lock()
	sample := float64(elapsed.Milliseconds())
	if ts.hasSamples {
		ts.avgResponseMs = ts.avgResponseMs*(1-emaAlpha) + sample*emaAlpha
	} else {
		ts.avgResponseMs = sample
		ts.hasSamples = true
	}

	tier, known := tierDefaults[ts.task.Priority]
	if !known {
		tier = tierDefaults[Normal]
	}

	if err != nil {
		ts.consecutiveFailures++
		ts.lastErr = err
		// back off toward the tier floor, shrinking the interval so a
		// struggling provider gets probed more often.
		ts.interval = halveDown(ts.interval, tier.min)
	} else {
		ts.consecutiveFailures = 0
		ts.lastErr = nil
		// recover toward the tier's base interval on sustained success.
		ts.interval = growToward(ts.interval, tier.base, tier.max)
	}
	ts.nextRun = time.Now().Add(ts.interval)
	id := ts.task.ID
	onResult := ts.task.OnResult
	ts.mu.Unlock()

	if onResult != nil {
		onResult(id, err, elapsed)
	}

	if err != nil {
		slog.Debug("healthscheduler: probe failed", "task", id, "err", err)
	}
}

func halveDown(current, floor time.Duration) time.Duration {
	next := current / 2
	if next < floor {
		return floor
	}
	return next
}

func growToward(current, base, ceiling time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > base {
		next = base
	}
	if next > ceiling {
		next = ceiling
	}
	if next <= 0 {
		next = base
	}
	return next
}

// Status is a read-only snapshot of one task's scheduling state, used by
// admin/status endpoints.
type Status struct {
	ID                  string
	Priority            Priority
	NextRun             time.Time
	CurrentInterval     time.Duration
	AverageResponseMs    float64
	ConsecutiveFailures int
	LastError           error
}

// Snapshot returns the current Status for every registered task.
func (s *Scheduler) Snapshot() []Status {
	s.mu.Lock()
	ids := make([]*taskState, 0, len(s.tasks))
	for _, ts := range s.tasks {
		ids = append(ids, ts)
	}
	s.mu.Unlock()

	out := make([]Status, 0, len(ids))
	for _, ts := range ids {
		ts.mu.Lock()
		out = append(out, Status{
			ID:                  ts.task.ID,
			Priority:            ts.task.Priority,
			NextRun:             ts.nextRun,
			CurrentInterval:     ts.interval,
			AverageResponseMs:   ts.avgResponseMs,
			ConsecutiveFailures: ts.consecutiveFailures,
			LastError:           ts.lastErr,
		})
		ts.mu.Unlock()
	}
	return out
}
