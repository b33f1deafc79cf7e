// Package breaker implements the dispatch engine's circuit breaker: a
// per-identity three-phase state machine (closed/open/half-open) with error
// classification, immediate trip on permanent failures, and an exponential
// backoff schedule for repeated trips.
//
// It generalizes the provider-only breaker that used to live in the proxy
// package: an identity here is any string key, so the same Breaker type
// backs both a pool-level breaker (keyed by pool id) and a provider-level
// breaker (keyed by "poolId/providerName").
package breaker

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Phase is the circuit breaker's operational phase.
type Phase int

const (
	Closed Phase = iota
	Open
	HalfOpen
)

func (p Phase) String() string {
	switch p {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Class is the classification assigned to a failed operation.
type Class string

const (
	ClassTemporary    Class = "temporary"
	ClassPermanent    Class = "permanent"
	ClassRateLimit    Class = "rate_limit"
	ClassAuthn        Class = "authentication"
	ClassNotFound     Class = "not_found"
	ClassServerError  Class = "server_error"
	ClassClientError  Class = "client_error"
	ClassNetworkError Class = "network_error"
	ClassTimeout      Class = "timeout"
	ClassUnknown      Class = "unknown"
)

// retryableClasses mirrors spec §4.1's "retryable-by-classification" set.
var retryableClasses = map[Class]bool{
	ClassTemporary:    true,
	ClassServerError:  true,
	ClassTimeout:      true,
	ClassNetworkError: true,
	ClassRateLimit:    true,
	ClassClientError:  true,
}

// Retryable reports whether a failure of this class may be retried.
func Retryable(c Class) bool { return retryableClasses[c] }

// ShouldTripImmediately reports whether this classification alone (with
// permanent-failure handling enabled) opens the breaker on a single failure.
func ShouldTripImmediately(c Class) bool {
	return c == ClassNotFound || c == ClassAuthn
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
// Provider adapters' *ProviderError types satisfy this without importing
// this package.
type StatusCoder interface {
	HTTPStatus() int
}

var code3Digit = regexp.MustCompile(`\b(\d{3})\b`)

// Classify maps an error to one of the taxonomy classes in spec §4.1: HTTP
// status takes precedence when the error exposes one via StatusCoder,
// otherwise the message is matched by substring, then by an embedded
// 3-digit status code, else Unknown.
func Classify(err error) Class {
	if err == nil {
		return ClassUnknown
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		return classifyStatus(sc.HTTPStatus())
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "aborted"):
		return ClassTimeout
	case strings.Contains(msg, "network"), strings.Contains(msg, "connection"), strings.Contains(msg, "fetch"):
		return ClassNetworkError
	}

	if m := code3Digit.FindStringSubmatch(err.Error()); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			return classifyStatus(code)
		}
	}

	return ClassUnknown
}

func classifyStatus(status int) Class {
	switch status {
	case 400:
		return ClassClientError
	case 401, 403:
		return ClassAuthn
	case 404:
		return ClassNotFound
	case 408:
		return ClassTimeout
	case 429:
		return ClassRateLimit
	case 500, 502, 503, 505:
		return ClassServerError
	case 504:
		return ClassTimeout
	default:
		return ClassUnknown
	}
}

// PermanentFailureHandling configures immediate-trip behavior for
// classifications or message patterns that indicate a non-transient
// failure (misconfigured credentials, a model that doesn't exist, etc).
type PermanentFailureHandling struct {
	Enabled bool
	// Patterns are case-insensitive regexes; a match on the error message
	// trips the breaker immediately regardless of classification.
	Patterns []string
	// TimeoutMultiplier scales ResetTimeoutMs to derive the immediate-trip
	// base timeout. Default 5.0.
	TimeoutMultiplier float64
	// BaseTimeoutMs is the floor for the immediate-trip base timeout.
	// Default 300_000 (5 min).
	BaseTimeoutMs int64
	// MaxBackoffMultiplier caps the doubling exponent applied on repeated
	// immediate trips. Default 4 (16x).
	MaxBackoffMultiplier int

	compiled []*regexp.Regexp
}

func (p *PermanentFailureHandling) compile() {
	if p == nil || len(p.Patterns) == 0 {
		return
	}
	p.compiled = make([]*regexp.Regexp, 0, len(p.Patterns))
	for _, pat := range p.Patterns {
		if re, err := regexp.Compile("(?i)" + pat); err == nil {
			p.compiled = append(p.compiled, re)
		}
	}
}

func (p *PermanentFailureHandling) matches(msg string) bool {
	if p == nil {
		return false
	}
	for _, re := range p.compiled {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

func (p *PermanentFailureHandling) timeoutMultiplier() float64 {
	if p != nil && p.TimeoutMultiplier > 0 {
		return p.TimeoutMultiplier
	}
	return 5.0
}

func (p *PermanentFailureHandling) baseTimeoutMs() int64 {
	if p != nil && p.BaseTimeoutMs > 0 {
		return p.BaseTimeoutMs
	}
	return 300_000
}

func (p *PermanentFailureHandling) maxBackoffMultiplier() int {
	if p != nil && p.MaxBackoffMultiplier > 0 {
		return p.MaxBackoffMultiplier
	}
	return 4
}

// Config holds tuning parameters for a Breaker. Zero-valued fields fall
// back to the defaults noted per field.
type Config struct {
	// Enabled; when false, Execute is transparent (no state kept).
	Enabled bool

	// ResetTimeoutMs is how long a normal (threshold-based) trip stays open
	// before a half-open probe is allowed. Default 60_000.
	ResetTimeoutMs int64
	// MonitoringWindowMs bounds how long a recorded error is kept in
	// RecentErrors. Default 60_000.
	MonitoringWindowMs int64
	// MinRequestsThreshold is the minimum sample size before the error-rate
	// trip condition is evaluated. Default 10.
	MinRequestsThreshold int
	// ErrorThresholdPct is the failure percentage (0-100) that trips the
	// breaker once MinRequestsThreshold is met. Default 50.
	ErrorThresholdPct float64

	PermanentFailureHandling *PermanentFailureHandling
}

func (c Config) resetTimeout() time.Duration {
	ms := c.ResetTimeoutMs
	if ms <= 0 {
		ms = 60_000
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) monitoringWindow() time.Duration {
	ms := c.MonitoringWindowMs
	if ms <= 0 {
		ms = 60_000
	}
	return time.Duration(ms) * time.Millisecond
}

func (c Config) minRequestsThreshold() int {
	if c.MinRequestsThreshold > 0 {
		return c.MinRequestsThreshold
	}
	return 10
}

func (c Config) errorThresholdPct() float64 {
	if c.ErrorThresholdPct > 0 {
		return c.ErrorThresholdPct
	}
	return 50
}

const ringCap = 100

// ErrorRecord is a single entry in a breaker's bounded recent-errors ring.
type ErrorRecord struct {
	Timestamp      time.Time
	Message        string
	Classification Class
}

// Transition is a single entry in a breaker's bounded state-transition log.
type Transition struct {
	Timestamp time.Time
	From      Phase
	To        Phase
}

// Snapshot is a read-only view of one identity's circuit breaker state,
// matching the CircuitBreakerState entity in spec §3.
type Snapshot struct {
	Phase            Phase
	Failures         int
	RequestCount     int
	SuccessCount     int
	LastFailureTime  time.Time
	NextAttemptTime  time.Time
	RecentErrors     []ErrorRecord
	StateTransitions []Transition
}

type identityState struct {
	mu sync.Mutex

	phase            Phase
	failures         int
	requestCount     int
	successCount     int
	lastFailureTime  time.Time
	nextAttemptTime  time.Time
	immediateTrips   int
	halfOpenInFlight bool
	recentErrors     []ErrorRecord
	stateTransitions []Transition
}

func newIdentityState() *identityState {
	return &identityState{phase: Closed}
}

func (s *identityState) recordTransition(from, to Phase) {
	if len(s.stateTransitions)+1 > ringCap {
		s.stateTransitions = append([]Transition{}, s.stateTransitions[len(s.stateTransitions)/2:]...)
	}
	s.stateTransitions = append(s.stateTransitions, Transition{Timestamp: time.Now(), From: from, To: to})
}

func (s *identityState) recordError(now time.Time, window time.Duration, msg string, class Class) {
	s.recentErrors = append(s.recentErrors, ErrorRecord{Timestamp: now, Message: msg, Classification: class})
	cutoff := now.Add(-window)
	kept := s.recentErrors[:0]
	for _, e := range s.recentErrors {
		if e.Timestamp.After(cutoff) {
			kept = append(kept, e)
		}
	}
	s.recentErrors = kept
	if len(s.recentErrors) > ringCap {
		s.recentErrors = s.recentErrors[len(s.recentErrors)-ringCap:]
	}
}

// Breaker manages independent circuit breakers keyed by an arbitrary
// string identity. Safe for concurrent use.
type Breaker struct {
	cfg Config

	mu    sync.RWMutex
	state map[string]*identityState
}

// New creates a Breaker. cfg.PermanentFailureHandling.Patterns are compiled
// once at construction time.
func New(cfg Config) *Breaker {
	if cfg.PermanentFailureHandling != nil {
		cfg.PermanentFailureHandling.compile()
	}
	return &Breaker{cfg: cfg, state: make(map[string]*identityState)}
}

func (b *Breaker) get(identity string) *identityState {
	b.mu.RLock()
	s, ok := b.state[identity]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.state[identity]; ok {
		return s
	}
	s = newIdentityState()
	b.state[identity] = s
	return s
}

// ErrOpen is returned (wrapped with retry-after context via Result) when
// Execute rejects a call because the breaker is open.
var ErrOpen = errors.New("breaker: circuit open")

// Result carries the outcome of a single Execute call.
type Result struct {
	Success    bool
	Err        error
	Phase      Phase
	Elapsed    time.Duration
	RetryAfter time.Duration
}

// Execute runs op under the named identity's breaker. When the breaker is
// disabled, op runs unconditionally and state is not touched.
func (b *Breaker) Execute(identity string, op func() error) Result {
	if !b.cfg.Enabled {
		start := time.Now()
		err := op()
		return Result{Success: err == nil, Err: err, Phase: Closed, Elapsed: time.Since(start)}
	}

	s := b.get(identity)

	s.mu.Lock()
	now := time.Now()
	switch s.phase {
	case Open:
		if now.Before(s.nextAttemptTime) {
			retryAfter := s.nextAttemptTime.Sub(now)
			s.mu.Unlock()
			return Result{Success: false, Err: ErrOpen, Phase: Open, RetryAfter: retryAfter}
		}
		s.phase = HalfOpen
		s.recordTransition(Open, HalfOpen)
		s.halfOpenInFlight = true
	case HalfOpen:
		if s.halfOpenInFlight {
			s.mu.Unlock()
			return Result{Success: false, Err: ErrOpen, Phase: HalfOpen, RetryAfter: 0}
		}
		s.halfOpenInFlight = true
	}
	phaseAtStart := s.phase
	s.mu.Unlock()

	start := time.Now()
	err := op()
	elapsed := time.Since(start)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		s.successCount++
		s.requestCount++
		if phaseAtStart == HalfOpen {
			s.phase = Closed
			s.recordTransition(HalfOpen, Closed)
			s.failures = 0
			s.requestCount = 0
			s.successCount = 0
			s.immediateTrips = 0
		}
		s.halfOpenInFlight = false
		return Result{Success: true, Phase: s.phase, Elapsed: elapsed}
	}

	class := Classify(err)
	now = time.Now()
	s.failures++
	s.requestCount++
	s.lastFailureTime = now
	s.halfOpenInFlight = false
	s.recordError(now, b.cfg.monitoringWindow(), err.Error(), class)

	pfh := b.cfg.PermanentFailureHandling
	immediate := pfh != nil && pfh.Enabled && (ShouldTripImmediately(class) || pfh.matches(err.Error()))

	// half-open -> open on any failure (spec §4.1); the backoff applied is
	// still classification-driven, same as a closed -> open immediate trip.
	if phaseAtStart == HalfOpen && !immediate {
		s.phase = Open
		s.recordTransition(HalfOpen, Open)
		s.nextAttemptTime = now.Add(b.cfg.resetTimeout())
		return Result{Success: false, Err: err, Phase: Open, Elapsed: elapsed, RetryAfter: b.cfg.resetTimeout()}
	}

	if immediate {
		baseMs := b.cfg.resetTimeout().Seconds() * 1000 * pfh.timeoutMultiplier()
		if floor := float64(pfh.baseTimeoutMs()); floor > baseMs {
			baseMs = floor
		}
		exp := s.immediateTrips
		if maxExp := pfh.maxBackoffMultiplier(); exp > maxExp {
			exp = maxExp
		}
		multiplier := 1 << exp
		timeout := time.Duration(baseMs) * time.Millisecond * time.Duration(multiplier)
		s.immediateTrips++
		if s.phase != Open {
			s.recordTransition(s.phase, Open)
		}
		s.phase = Open
		s.nextAttemptTime = now.Add(timeout)
		return Result{Success: false, Err: err, Phase: Open, Elapsed: elapsed, RetryAfter: timeout}
	}

	if s.requestCount >= b.cfg.minRequestsThreshold() {
		rate := float64(s.failures) / float64(s.requestCount) * 100
		if rate >= b.cfg.errorThresholdPct() {
			if s.phase != Open {
				s.recordTransition(s.phase, Open)
			}
			s.phase = Open
			s.nextAttemptTime = now.Add(b.cfg.resetTimeout())
			return Result{Success: false, Err: err, Phase: Open, Elapsed: elapsed, RetryAfter: b.cfg.resetTimeout()}
		}
	}

	return Result{Success: false, Err: err, Phase: s.phase, Elapsed: elapsed}
}

// State returns the current phase for identity without mutating anything.
func (b *Breaker) State(identity string) Phase {
	s := b.get(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// IsAvailable reports whether identity would currently be allowed to run
// (closed, half-open with no probe in flight, or open past its timeout).
func (b *Breaker) IsAvailable(identity string) bool {
	s := b.get(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.phase {
	case Closed:
		return true
	case HalfOpen:
		return !s.halfOpenInFlight
	default:
		return !time.Now().Before(s.nextAttemptTime)
	}
}

// Snapshot returns a copy of identity's current state.
func (b *Breaker) Snapshot(identity string) Snapshot {
	s := b.get(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Phase:            s.phase,
		Failures:         s.failures,
		RequestCount:     s.requestCount,
		SuccessCount:     s.successCount,
		LastFailureTime:  s.lastFailureTime,
		NextAttemptTime:  s.nextAttemptTime,
		RecentErrors:     append([]ErrorRecord{}, s.recentErrors...),
		StateTransitions: append([]Transition{}, s.stateTransitions...),
	}
}

// Reset forces identity back to Closed with all counters zeroed.
func (b *Breaker) Reset(identity string) {
	s := b.get(identity)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Closed {
		s.recordTransition(s.phase, Closed)
	}
	s.phase = Closed
	s.failures = 0
	s.requestCount = 0
	s.successCount = 0
	s.immediateTrips = 0
	s.halfOpenInFlight = false
}
