// Package scheduler runs the delivery loop of one account: it pulls postings,
// filters and scores them, applies within the rate budget and parks on
// verification challenges.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spigell/delivery-engine/internal/broadcast"
	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/filtering"
	"github.com/spigell/delivery-engine/internal/greeting"
	"github.com/spigell/delivery-engine/internal/logger"
	"github.com/spigell/delivery-engine/internal/posting"
	"github.com/spigell/delivery-engine/internal/records"
	"github.com/spigell/delivery-engine/internal/verification"
)

var (
	// ErrFatalUnacknowledged rejects a start after a fatal source error.
	ErrFatalUnacknowledged = errors.New("scheduler stopped on a fatal error, acknowledge it first")
	// ErrDailyCapReached rejects a manual apply over the daily cap.
	ErrDailyCapReached = errors.New("daily delivery limit reached")
	// ErrHourlyCapReached rejects a manual apply over the hourly frequency.
	ErrHourlyCapReached = errors.New("hourly delivery limit reached")
	// ErrConflict is returned for operations that do not fit the current state.
	ErrConflict = errors.New("operation conflicts with scheduler state")
	// ErrInvalidRequest rejects malformed manual apply requests.
	ErrInvalidRequest = errors.New("invalid request")

	// errBudgetTaken hands a loop posting back when a manual apply used the
	// slot it was about to take.
	errBudgetTaken = errors.New("rate budget taken while waiting to apply")
)

type State string

const (
	StateStopped               State = "STOPPED"
	StateStarting              State = "STARTING"
	StateRunning               State = "RUNNING"
	StatePausedForVerification State = "PAUSED_FOR_VERIFICATION"
	StateStopping              State = "STOPPING"
	StateFatalError            State = "FATAL_ERROR"
)

const (
	DefaultApplyTimeout          = 2 * time.Minute
	DefaultMaxVerificationRounds = 3
	DefaultFetchBackoffMin       = 5 * time.Second
	DefaultFetchBackoffMax       = 5 * time.Minute
)

// Run describes one start-to-stop span of the loop.
type Run struct {
	RunID          string           `json:"runId"`
	StartedAt      time.Time        `json:"startedAt"`
	StoppedAt      *time.Time       `json:"stoppedAt,omitempty"`
	IsRunning      bool             `json:"isRunning"`
	CurrentPosting *posting.Posting `json:"currentPosting,omitempty"`
	TotalAttempted int              `json:"totalAttempted"`
	TotalSucceeded int              `json:"totalSucceeded"`
	TotalFailed    int              `json:"totalFailed"`
	LastAttemptAt  *time.Time       `json:"lastAttemptAt,omitempty"`
	NextEligibleAt *time.Time       `json:"nextEligibleAt,omitempty"`
}

func (r *Run) clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.CurrentPosting != nil {
		p := *r.CurrentPosting
		c.CurrentPosting = &p
	}
	return &c
}

// Status is the account state reported to operators. The delivery totals
// cover every attempt since the scheduler was created, manual ones included.
type Status struct {
	State               State                 `json:"state"`
	IsRunning           bool                  `json:"isRunning"`
	RunID               string                `json:"runId,omitempty"`
	CurrentJob          *posting.Posting      `json:"currentJob,omitempty"`
	TotalDelivered      int                   `json:"totalDelivered"`
	SuccessfulDelivered int                   `json:"successfulDelivered"`
	FailedDelivered     int                   `json:"failedDelivered"`
	ManualDelivered     int                   `json:"manualDelivered"`
	TodayDelivered      int                   `json:"todayDelivered"`
	LastDeliveryTime    *time.Time            `json:"lastDeliveryTime,omitempty"`
	NextDeliveryTime    *time.Time            `json:"nextDeliveryTime,omitempty"`
	LastError           string                `json:"lastError,omitempty"`
	PendingVerification *verification.Request `json:"pendingVerification,omitempty"`
	Filters             []filtering.Status    `json:"filters,omitempty"`
}

type tally struct {
	attempted int
	succeeded int
	failed    int
	manual    int
	lastAt    *time.Time
}

// Publisher receives scheduler events.
type Publisher interface {
	Publish(broadcast.Event)
}

// Deps are the collaborators of one account's scheduler.
type Deps struct {
	Account string
	// Config returns the current configuration snapshot.
	Config   func() config.Delivery
	Source   posting.Source
	Greeter  greeting.Generator
	Store    records.Store
	Verifier *verification.Coordinator
	Events   Publisher
	Clock    Clock
	Logger   *zap.Logger
	// Filters default to filtering.Default().
	Filters []filtering.Filter
}

type Options struct {
	ApplyTimeout          time.Duration
	MaxVerificationRounds int
	FetchBackoffMin       time.Duration
	FetchBackoffMax       time.Duration
	// Random returns values in [0,1) used for interval jitter.
	Random func() float64
	// DisabledFilters names filter steps to skip.
	DisabledFilters []string
}

func (o Options) withDefaults() Options {
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = DefaultApplyTimeout
	}
	if o.MaxVerificationRounds <= 0 {
		o.MaxVerificationRounds = DefaultMaxVerificationRounds
	}
	if o.FetchBackoffMin <= 0 {
		o.FetchBackoffMin = DefaultFetchBackoffMin
	}
	if o.FetchBackoffMax < o.FetchBackoffMin {
		o.FetchBackoffMax = DefaultFetchBackoffMax
	}
	if o.Random == nil {
		o.Random = rand.Float64
	}
	return o
}

type noopPublisher struct{}

func (noopPublisher) Publish(broadcast.Event) {}

// Scheduler is the per-account state machine. Start, Stop and Acknowledge
// are serialized. Loop attempts and manual applies share one apply path and
// never overlap.
type Scheduler struct {
	deps    Deps
	opts    Options
	limiter *Limiter
	log     *zap.Logger

	ctlMu sync.Mutex
	// applySlot holds one token while an attempt runs.
	applySlot chan struct{}
	// filterMu guards the filter steps, which keep per-iteration settings.
	filterMu sync.Mutex

	mu      sync.Mutex
	state   State
	run     *Run
	totals  tally
	lastErr string
	fatal   error
	pending *verification.Request
	cancel  context.CancelFunc
	done    chan struct{}

	wake chan struct{}
}

// New creates a stopped scheduler and restores today's rate budget from the
// record store.
func New(ctx context.Context, deps Deps, opts Options) (*Scheduler, error) {
	if deps.Config == nil || deps.Source == nil || deps.Store == nil || deps.Verifier == nil {
		return nil, fmt.Errorf("scheduler for %q: config, source, store and verifier are required", deps.Account)
	}
	if deps.Greeter == nil {
		deps.Greeter = greeting.Static{}
	}
	if deps.Events == nil {
		deps.Events = noopPublisher{}
	}
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.Filters == nil {
		deps.Filters = filtering.Default()
	}

	for _, name := range opts.DisabledFilters {
		if !filtering.DisableByName(deps.Filters, name, "disabled by configuration") {
			return nil, fmt.Errorf("scheduler for %q: unknown filter %q", deps.Account, name)
		}
	}

	s := &Scheduler{
		deps:      deps,
		opts:      opts.withDefaults(),
		limiter:   NewLimiter(),
		log:       logger.WithCommonFields(deps.Logger, deps.Account, ""),
		applySlot: make(chan struct{}, 1),
		state:     StateStopped,
		wake:      make(chan struct{}, 1),
	}

	times, err := deps.Store.AttemptTimesSince(ctx, deps.Account, seedSince(deps.Clock.Now()))
	if err != nil {
		return nil, fmt.Errorf("restoring rate budget: %w", err)
	}
	s.limiter.Seed(times)

	return s, nil
}

func (s *Scheduler) Account() string { return s.deps.Account }

// Start launches the loop. It returns the current run when already running.
func (s *Scheduler) Start(_ context.Context) (Run, error) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateRunning, StatePausedForVerification, StateStarting:
		run := *s.run.clone()
		s.mu.Unlock()
		return run, nil
	case StateFatalError:
		s.mu.Unlock()
		return Run{}, ErrFatalUnacknowledged
	case StateStopping:
		s.mu.Unlock()
		return Run{}, fmt.Errorf("%w: previous run is still stopping", ErrConflict)
	}
	s.mu.Unlock()

	cfg := s.deps.Config()
	if err := cfg.Validate(); err != nil {
		return Run{}, err
	}
	if _, err := config.ParseWindow(cfg.ActiveWindow); err != nil {
		return Run{}, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	s.setState(StateStarting)

	run := &Run{
		RunID:     uuid.NewString(),
		StartedAt: s.deps.Clock.Now(),
		IsRunning: true,
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.run = run
	s.lastErr = ""
	s.cancel = cancel
	s.done = done
	s.state = StateRunning
	out := *run.clone()
	s.mu.Unlock()

	log := logger.WithCommonFields(s.deps.Logger, s.deps.Account, run.RunID)
	log.Info("delivery started")

	go s.loop(loopCtx, run.RunID, log, done)

	s.publishStatus()
	return out, nil
}

// Stop asks the loop to finish and waits for it. An in-flight apply is
// allowed to complete. Stopping a stopped scheduler returns the last run.
func (s *Scheduler) Stop(ctx context.Context) (Run, error) {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	if s.state != StateRunning && s.state != StatePausedForVerification {
		var run Run
		if s.run != nil {
			run = *s.run.clone()
		}
		s.mu.Unlock()
		return run, nil
	}
	s.state = StateStopping
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	s.publishStatus()
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return Run{}, fmt.Errorf("waiting for the delivery loop to stop: %w", ctx.Err())
	}

	s.mu.Lock()
	run := *s.run.clone()
	s.mu.Unlock()
	return run, nil
}

// Acknowledge clears a fatal error so the scheduler can be started again.
func (s *Scheduler) Acknowledge() error {
	s.ctlMu.Lock()
	defer s.ctlMu.Unlock()

	s.mu.Lock()
	if s.state != StateFatalError {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: nothing to acknowledge in state %s", ErrConflict, state)
	}
	s.state = StateStopped
	s.fatal = nil
	s.mu.Unlock()

	s.log.Info("fatal error acknowledged")
	s.publishStatus()
	return nil
}

// Wake interrupts a throttling sleep so new limits apply promptly.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of the account state.
func (s *Scheduler) Status() Status {
	now := s.deps.Clock.Now()

	s.filterMu.Lock()
	filters := filtering.Describe(s.deps.Filters)
	s.filterMu.Unlock()

	s.mu.Lock()
	st := Status{
		State:               s.state,
		LastError:           s.lastErr,
		TotalDelivered:      s.totals.attempted,
		SuccessfulDelivered: s.totals.succeeded,
		FailedDelivered:     s.totals.failed,
		ManualDelivered:     s.totals.manual,
		Filters:             filters,
	}
	if s.totals.lastAt != nil {
		at := *s.totals.lastAt
		st.LastDeliveryTime = &at
	}
	if s.run != nil {
		run := s.run.clone()
		st.IsRunning = run.IsRunning
		st.RunID = run.RunID
		st.CurrentJob = run.CurrentPosting
		if run.IsRunning {
			st.NextDeliveryTime = run.NextEligibleAt
		}
	}
	if s.pending != nil {
		req := *s.pending
		st.PendingVerification = &req
	}
	s.mu.Unlock()

	st.TodayDelivered = s.limiter.Today(now)
	return st
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Scheduler) setNextEligible(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil {
		return
	}
	if t.IsZero() {
		s.run.NextEligibleAt = nil
		return
	}
	s.run.NextEligibleAt = &t
}

// finish ends the loop. A fatal error moves the scheduler to FATAL_ERROR.
func (s *Scheduler) finish(log *zap.Logger, runErr error) {
	s.mu.Lock()
	if runErr == nil && s.fatal != nil {
		runErr = s.fatal
	}

	now := s.deps.Clock.Now()
	if s.run != nil {
		s.run.IsRunning = false
		s.run.StoppedAt = &now
		s.run.CurrentPosting = nil
		s.run.NextEligibleAt = nil
	}
	s.cancel = nil

	if runErr != nil {
		s.state = StateFatalError
		s.fatal = runErr
		s.lastErr = runErr.Error()
	} else {
		s.state = StateStopped
	}
	s.mu.Unlock()

	if runErr != nil {
		log.Error("delivery stopped on a fatal error", zap.Error(runErr))
		s.publish(broadcast.EventError, broadcast.Message{Message: runErr.Error()})
	} else {
		log.Info("delivery stopped")
	}
	s.publishStatus()
}

// markFatal records a fatal error seen outside the loop and stops the loop.
func (s *Scheduler) markFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fatal = err
	s.lastErr = err.Error()
	if s.cancel != nil {
		s.cancel()
		return
	}
	s.state = StateFatalError
}

func (s *Scheduler) publish(t broadcast.EventType, data any) {
	s.deps.Events.Publish(broadcast.Event{
		Type:      t,
		Account:   s.deps.Account,
		Data:      data,
		Timestamp: s.deps.Clock.Now(),
	})
}

func (s *Scheduler) publishStatus() {
	s.publish(broadcast.EventStatus, s.Status())
}
