package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/delivery-engine/internal/broadcast"
	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/matching"
	"github.com/spigell/delivery-engine/internal/posting"
	"github.com/spigell/delivery-engine/internal/records"
	"github.com/spigell/delivery-engine/internal/verification"
)

// fakeClock jumps forward on every sleep instead of waiting.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration, _ <-chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Millisecond):
		return nil
	}
}

type fakeSource struct {
	mu       sync.Mutex
	postings []*posting.Posting
	next     int
	nextErr  error
	apply    func(req posting.ApplyRequest) (posting.Outcome, error)
	requests []posting.ApplyRequest
	fetched  int
}

func (s *fakeSource) Add(p *posting.Posting) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.postings = append(s.postings, p)
}

// Fetched counts the postings handed to the loop.
func (s *fakeSource) Fetched() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fetched
}

func (s *fakeSource) Next(_ context.Context, _ posting.Query) (*posting.Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextErr != nil {
		return nil, s.nextErr
	}
	if s.next >= len(s.postings) {
		return nil, nil
	}
	p := s.postings[s.next]
	s.next++
	s.fetched++
	return p, nil
}

func (s *fakeSource) Apply(_ context.Context, req posting.ApplyRequest) (posting.Outcome, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	apply := s.apply
	s.mu.Unlock()

	if apply == nil {
		return posting.Outcome{Status: posting.StatusSuccess}, nil
	}
	return apply(req)
}

func (s *fakeSource) Requests() []posting.ApplyRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]posting.ApplyRequest(nil), s.requests...)
}

// gatedGreeter holds its first call until release is closed.
type gatedGreeter struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedGreeter() *gatedGreeter {
	return &gatedGreeter{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedGreeter) Generate(_ context.Context, p *posting.Posting) (string, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return "您好, " + p.Title, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (l *eventLog) Publish(ev broadcast.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) OfType(t broadcast.EventType) []broadcast.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []broadcast.Event
	for _, ev := range l.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	sched    *Scheduler
	clock    *fakeClock
	source   *fakeSource
	store    *records.MemoryStore
	verifier *verification.Coordinator
	events   *eventLog

	mu  sync.Mutex
	cfg config.Delivery
}

func (h *harness) config() config.Delivery {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cfg
}

func (h *harness) setConfig(fn func(*config.Delivery)) {
	h.mu.Lock()
	fn(&h.cfg)
	h.mu.Unlock()
	h.sched.Wake()
}

func testConfig() config.Delivery {
	cfg := config.Default()
	cfg.Keywords = []string{"市场总监"}
	cfg.MatchingMode = matching.ModeFlexible
	cfg.MatchingSchemes, _ = matching.Preset(matching.ModeFlexible)
	cfg.MatchThreshold = 0.5
	cfg.MinIntervalSeconds = 0
	cfg.FailureCooldownSeconds = 0
	cfg.FrequencyPerHour = 100
	cfg.MaxPerDay = 100
	return cfg
}

func jobs(titles ...string) []*posting.Posting {
	out := make([]*posting.Posting, 0, len(titles))
	for i, title := range titles {
		out = append(out, &posting.Posting{
			ID:      "job-" + string(rune('a'+i)),
			Title:   title,
			Company: "Acme",
		})
	}
	return out
}

func newHarness(t *testing.T, source *fakeSource, mutate func(*config.Delivery)) *harness {
	t.Helper()
	return newHarnessWith(t, source, mutate, nil)
}

// newHarnessWith lets a test adjust the collaborators and options before the
// scheduler is built.
func newHarnessWith(t *testing.T, source *fakeSource, mutate func(*config.Delivery), wire func(*Deps, *Options)) *harness {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		clock:    newFakeClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
		source:   source,
		store:    records.NewMemoryStore(),
		verifier: verification.New(time.Minute, zap.NewNop()),
		events:   &eventLog{},
		cfg:      cfg,
	}

	deps := Deps{
		Account:  "default",
		Config:   h.config,
		Source:   source,
		Store:    h.store,
		Verifier: h.verifier,
		Events:   h.events,
		Clock:    h.clock,
		Logger:   zap.NewNop(),
	}
	opts := Options{Random: func() float64 { return 0 }}
	if wire != nil {
		wire(&deps, &opts)
	}

	sched, err := New(context.Background(), deps, opts)
	require.NoError(t, err)
	h.sched = sched

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = sched.Stop(ctx)
	})

	return h
}

func (h *harness) list(t *testing.T) []records.Record {
	t.Helper()
	page, err := h.store.List(context.Background(), records.Query{Account: "default", Size: 100})
	require.NoError(t, err)
	return page.Items
}

func (h *harness) withStatus(t *testing.T, st records.Status) []records.Record {
	t.Helper()
	var out []records.Record
	for _, r := range h.list(t) {
		if r.Status == st {
			out = append(out, r)
		}
	}
	return out
}
