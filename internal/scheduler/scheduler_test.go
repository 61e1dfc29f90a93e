package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spigell/delivery-engine/internal/broadcast"
	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/matching"
	"github.com/spigell/delivery-engine/internal/posting"
	"github.com/spigell/delivery-engine/internal/records"
	"github.com/spigell/delivery-engine/internal/verification"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

func strict(cfg *config.Delivery) {
	cfg.MatchingMode = matching.ModeStrict
	cfg.MatchingSchemes, _ = matching.Preset(matching.ModeStrict)
}

func TestLoopAppliesOnlyQualifyingPostings(t *testing.T) {
	source := &fakeSource{postings: jobs("市场总监（北京）", "高级市场总监", "销售经理")}
	h := newHarness(t, source, strict)

	run, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	assert.True(t, run.IsRunning)
	assert.NotEmpty(t, run.RunID)

	assert.Eventually(t, func() bool { return len(h.withStatus(t, records.StatusDelivered)) == 1 }, waitFor, tick)
	assert.Eventually(t, func() bool { return len(h.events.OfType(broadcast.EventProgress)) > 3 }, waitFor, tick)

	reqs := source.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "市场总监（北京）", reqs[0].Posting.Title)
	assert.NotEmpty(t, reqs[0].Greeting)

	rec := h.withStatus(t, records.StatusDelivered)[0]
	assert.Equal(t, 1.0, rec.MatchScore)
	assert.False(t, rec.Manual)

	status := h.sched.Status()
	assert.Equal(t, 1, status.TotalDelivered)
	assert.Equal(t, 1, status.SuccessfulDelivered)
	assert.Equal(t, 1, status.TodayDelivered)
	assert.NotEmpty(t, h.events.OfType(broadcast.EventSuccess))
}

func TestBlacklistedPostingIsNeverAttempted(t *testing.T) {
	source := &fakeSource{postings: jobs("银行销售代表")}
	h := newHarness(t, source, func(cfg *config.Delivery) {
		strict(cfg)
		cfg.Keywords = []string{"银行"}
		cfg.Blacklist.Positions = []string{"销售代表"}
	})

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for _, ev := range h.events.OfType(broadcast.EventProgress) {
			if p, ok := ev.Data.(Progress); ok && p.Stage == stageDropped {
				return true
			}
		}
		return false
	}, waitFor, tick)

	assert.Empty(t, source.Requests())
	assert.Empty(t, h.list(t))
}

func TestDailyCapWaitsForNextDay(t *testing.T) {
	source := &fakeSource{postings: jobs("市场总监", "市场总监", "市场总监", "市场总监", "市场总监", "市场总监", "市场总监")}
	h := newHarness(t, source, func(cfg *config.Delivery) { cfg.MaxPerDay = 5 })

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(h.withStatus(t, records.StatusDelivered)) == 7 }, waitFor, tick)

	midnight := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	before, after := 0, 0
	for _, r := range h.list(t) {
		if r.AppliedAt.Before(midnight) {
			before++
		} else {
			after++
		}
	}
	assert.Equal(t, 5, before)
	assert.Equal(t, 2, after)
}

func TestHourlyFrequencyHoldsOverRollingHour(t *testing.T) {
	source := &fakeSource{postings: jobs("市场总监", "市场总监", "市场总监", "市场总监", "市场总监", "市场总监", "市场总监")}
	h := newHarness(t, source, func(cfg *config.Delivery) { cfg.FrequencyPerHour = 3 })

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(h.withStatus(t, records.StatusDelivered)) == 7 }, waitFor, tick)

	var times []time.Time
	for _, r := range h.list(t) {
		times = append(times, r.AppliedAt)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := 0; i+3 < len(times); i++ {
		assert.GreaterOrEqual(t, times[i+3].Sub(times[i]), time.Hour, "attempt %d", i+3)
	}
}

func verificationSource(postings []*posting.Posting, code string) *fakeSource {
	return &fakeSource{
		postings: postings,
		apply: func(req posting.ApplyRequest) (posting.Outcome, error) {
			if code != "" && req.Code == code {
				return posting.Outcome{Status: posting.StatusSuccess}, nil
			}
			return posting.Outcome{Status: posting.StatusVerificationRequired, ScreenshotRef: "/shots/" + req.Posting.ID + ".png"}, nil
		},
	}
}

func TestVerificationRoundTripResumesParkedAttempt(t *testing.T) {
	source := verificationSource(jobs("市场总监"), "1234")
	h := newHarness(t, source, nil)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.sched.State() == StatePausedForVerification }, waitFor, tick)

	pending := h.verifier.Pending("default")
	require.Len(t, pending, 1)
	status := h.sched.Status()
	require.NotNil(t, status.PendingVerification)
	assert.Equal(t, pending[0].ID, status.PendingVerification.ID)

	events := h.events.OfType(broadcast.EventVerificationRequired)
	require.Len(t, events, 1)
	payload := events[0].Data.(broadcast.VerificationRequired)
	assert.Equal(t, pending[0].ID, payload.RequestID)
	assert.Equal(t, "/shots/job-a.png", payload.ScreenshotURL)

	_, err = h.verifier.Submit(pending[0].ID, "1234")
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(h.withStatus(t, records.StatusDelivered)) == 1 }, waitFor, tick)
	assert.Len(t, h.list(t), 1)

	reqs := source.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "", reqs[0].Code)
	assert.Equal(t, "1234", reqs[1].Code)
	assert.Equal(t, 1, h.sched.Status().TodayDelivered, "the resumed apply must not consume budget again")

	_, err = h.verifier.Submit(pending[0].ID, "1234")
	assert.Error(t, err)
}

func TestVerificationTimeoutFailsAttemptAndKeepsRunning(t *testing.T) {
	source := verificationSource(jobs("市场总监"), "")
	h := newHarness(t, source, nil)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(h.verifier.Pending("default")) == 1 }, waitFor, tick)
	_, err = h.verifier.Expire(h.verifier.Pending("default")[0].ID)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(h.withStatus(t, records.StatusFailed)) == 1 }, waitFor, tick)
	assert.Equal(t, reasonTimedOut, h.withStatus(t, records.StatusFailed)[0].Reason)
	assert.Eventually(t, func() bool { return h.sched.State() == StateRunning }, waitFor, tick)
}

func TestStopWhilePausedCancelsRequest(t *testing.T) {
	source := verificationSource(jobs("市场总监"), "")
	h := newHarness(t, source, nil)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.sched.State() == StatePausedForVerification }, waitFor, tick)

	run, err := h.sched.Stop(context.Background())
	require.NoError(t, err)
	assert.False(t, run.IsRunning)
	assert.NotNil(t, run.StoppedAt)
	assert.Equal(t, StateStopped, h.sched.State())

	failed := h.withStatus(t, records.StatusFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, reasonStopped, failed[0].Reason)
	assert.Empty(t, h.verifier.Pending(""))
}

func TestFatalErrorNeedsAcknowledge(t *testing.T) {
	source := &fakeSource{nextErr: fmt.Errorf("%w: account logged out", posting.ErrFatal)}
	h := newHarness(t, source, nil)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.sched.State() == StateFatalError }, waitFor, tick)
	status := h.sched.Status()
	assert.False(t, status.IsRunning)
	assert.Contains(t, status.LastError, "logged out")

	_, err = h.sched.Start(context.Background())
	assert.ErrorIs(t, err, ErrFatalUnacknowledged)

	require.NoError(t, h.sched.Acknowledge())
	assert.Equal(t, StateStopped, h.sched.State())
	assert.ErrorIs(t, h.sched.Acknowledge(), ErrConflict)
}

func TestTransientFetchErrorsBackOff(t *testing.T) {
	source := &fakeSource{nextErr: fmt.Errorf("%w: gateway timeout", posting.ErrTransient)}
	h := newHarness(t, source, nil)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		h.clock.mu.Lock()
		defer h.clock.mu.Unlock()
		return len(h.clock.sleeps) >= 8
	}, waitFor, tick)

	h.clock.mu.Lock()
	sleeps := append([]time.Duration(nil), h.clock.sleeps[:8]...)
	h.clock.mu.Unlock()

	assert.Equal(t, 5*time.Second, sleeps[0])
	assert.Equal(t, 10*time.Second, sleeps[1])
	assert.Equal(t, 20*time.Second, sleeps[2])
	assert.Equal(t, DefaultFetchBackoffMax, sleeps[7])
	assert.Equal(t, StateRunning, h.sched.State())
	assert.NotEmpty(t, h.events.OfType(broadcast.EventError))
}

func TestFailedApplyIsRecordedWithCooldown(t *testing.T) {
	source := &fakeSource{
		postings: jobs("市场总监", "市场总监"),
		apply: func(posting.ApplyRequest) (posting.Outcome, error) {
			return posting.Outcome{Status: posting.StatusFailure, Reason: "posting closed"}, nil
		},
	}
	h := newHarness(t, source, func(cfg *config.Delivery) { cfg.FailureCooldownSeconds = 30 })

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(h.withStatus(t, records.StatusFailed)) == 2 }, waitFor, tick)

	failed := h.withStatus(t, records.StatusFailed)
	assert.Equal(t, "posting closed", failed[0].Reason)
	assert.GreaterOrEqual(t, failed[0].AppliedAt.Sub(failed[1].AppliedAt), 30*time.Second)
	assert.Equal(t, 2, h.sched.Status().FailedDelivered)
}

func TestConcurrentStartsShareOneRun(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil)

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			run, err := h.sched.Start(context.Background())
			assert.NoError(t, err)
			ids[i] = run.RunID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t, &fakeSource{}, func(cfg *config.Delivery) { cfg.Keywords = nil })

	_, err := h.sched.Start(context.Background())
	assert.ErrorIs(t, err, config.ErrInvalid)
	assert.Equal(t, StateStopped, h.sched.State())
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil)

	run, err := h.sched.Stop(context.Background())
	require.NoError(t, err)
	assert.Empty(t, run.RunID)

	started, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	stopped, err := h.sched.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, started.RunID, stopped.RunID)

	again, err := h.sched.Stop(context.Background())
	require.NoError(t, err)
	assert.Equal(t, started.RunID, again.RunID)
	assert.False(t, again.IsRunning)
}

func TestManualApply(t *testing.T) {
	source := &fakeSource{}
	h := newHarness(t, source, func(cfg *config.Delivery) { cfg.MaxPerDay = 1 })

	_, err := h.sched.ManualApply(context.Background(), ManualRequest{JobID: "m1", CompanyName: "Acme"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	rec, err := h.sched.ManualApply(context.Background(), ManualRequest{JobID: "m1", JobTitle: "市场总监", CompanyName: "Acme", JobURL: "https://jobs.example/m1"})
	require.NoError(t, err)
	assert.Equal(t, records.StatusDelivered, rec.Status)
	assert.True(t, rec.Manual)
	assert.Equal(t, 1.0, rec.MatchScore)
	assert.Equal(t, "https://jobs.example/m1", rec.JobURL)

	_, err = h.sched.ManualApply(context.Background(), ManualRequest{JobID: "m2", JobTitle: "厨师", CompanyName: "Acme"})
	assert.ErrorIs(t, err, ErrDailyCapReached)
	assert.Len(t, h.list(t), 1)
	assert.Len(t, source.Requests(), 1)
}

func TestManualApplyHonoursHourlyCapButNotWindow(t *testing.T) {
	source := &fakeSource{}
	h := newHarness(t, source, func(cfg *config.Delivery) {
		cfg.FrequencyPerHour = 1
		cfg.MinIntervalSeconds = 3600
		cfg.ActiveWindow = config.TimeWindow{Start: "20:00", End: "22:00"}
	})

	rec, err := h.sched.ManualApply(context.Background(), ManualRequest{JobID: "m1", JobTitle: "厨师", CompanyName: "Acme"})
	require.NoError(t, err)
	assert.Equal(t, 0.0, rec.MatchScore, "a zero score never blocks a manual apply")

	_, err = h.sched.ManualApply(context.Background(), ManualRequest{JobID: "m2", JobTitle: "厨师", CompanyName: "Acme"})
	assert.ErrorIs(t, err, ErrHourlyCapReached)

	h.clock.Advance(time.Hour)
	_, err = h.sched.ManualApply(context.Background(), ManualRequest{JobID: "m2", JobTitle: "厨师", CompanyName: "Acme"})
	assert.NoError(t, err)
}

func TestRateBudgetSurvivesRestart(t *testing.T) {
	store := records.NewMemoryStore()
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(context.Background(), &records.Record{
			Account:   "default",
			PostingID: fmt.Sprintf("old-%d", i),
			AppliedAt: now.Add(-time.Duration(i+1) * time.Minute),
		}))
	}

	h := newHarness(t, &fakeSource{}, nil)
	sched, err := New(context.Background(), Deps{
		Account:  "default",
		Config:   h.config,
		Source:   h.source,
		Store:    store,
		Verifier: h.verifier,
		Clock:    h.clock,
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, 3, sched.Status().TodayDelivered)
}

func TestWakeNeverBlocks(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil)

	done := make(chan struct{})
	go func() {
		h.sched.Wake()
		h.sched.Wake()
		h.sched.Wake()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("wake blocked without a sleeping loop")
	}
}

// startHeldManualApply runs a manual apply that stays inside its attempt
// until the returned release func is called.
func startHeldManualApply(t *testing.T, h *harness, greeter *gatedGreeter) (release func() records.Record) {
	t.Helper()

	type result struct {
		rec records.Record
		err error
	}
	out := make(chan result, 1)
	go func() {
		rec, err := h.sched.ManualApply(context.Background(), ManualRequest{JobID: "manual-1", JobTitle: "市场总监", CompanyName: "Acme"})
		out <- result{rec, err}
	}()

	select {
	case <-greeter.entered:
	case <-time.After(waitFor):
		t.Fatal("manual apply never started")
	}

	return func() records.Record {
		close(greeter.release)
		select {
		case res := <-out:
			require.NoError(t, res.err)
			return res.rec
		case <-time.After(waitFor):
			t.Fatal("manual apply never finished")
			return records.Record{}
		}
	}
}

func TestLoopRechecksBudgetAfterWaitingForManualApply(t *testing.T) {
	greeter := newGatedGreeter()
	source := &fakeSource{postings: jobs("市场总监")}
	h := newHarnessWith(t, source, func(cfg *config.Delivery) { cfg.MaxPerDay = 1 }, func(d *Deps, _ *Options) {
		d.Greeter = greeter
	})

	release := startHeldManualApply(t, h, greeter)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)

	// the loop passed its budget check and now waits for the manual apply
	require.Eventually(t, func() bool { return source.Fetched() == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	manual := release()
	assert.Equal(t, records.StatusDelivered, manual.Status)

	require.Eventually(t, func() bool { return len(h.withStatus(t, records.StatusDelivered)) == 2 }, waitFor, tick)

	days := map[string]int{}
	for _, rec := range h.list(t) {
		days[rec.AppliedAt.UTC().Format(time.DateOnly)]++
	}
	assert.Equal(t, map[string]int{"2024-05-01": 1, "2024-05-02": 1}, days)

	reqs := source.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "manual-1", reqs[0].Posting.ID)
	assert.Equal(t, "job-a", reqs[1].Posting.ID)
}

func TestStopDoesNotWaitForManualApply(t *testing.T) {
	greeter := newGatedGreeter()
	source := &fakeSource{postings: jobs("市场总监")}
	h := newHarnessWith(t, source, nil, func(d *Deps, _ *Options) {
		d.Greeter = greeter
	})

	release := startHeldManualApply(t, h, greeter)

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return source.Fetched() == 1 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	run, err := h.sched.Stop(ctx)
	require.NoError(t, err)
	assert.False(t, run.IsRunning)
	assert.Equal(t, StateStopped, h.sched.State())

	release()

	// nothing new is applied once the loop has stopped
	time.Sleep(20 * time.Millisecond)
	reqs := source.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "manual-1", reqs[0].Posting.ID)
	assert.Len(t, h.list(t), 1)
}

func TestManualApplyWithoutRunCountsInStatus(t *testing.T) {
	h := newHarness(t, &fakeSource{}, nil)

	_, err := h.sched.ManualApply(context.Background(), ManualRequest{JobID: "m1", JobTitle: "市场总监", CompanyName: "Acme"})
	require.NoError(t, err)

	status := h.sched.Status()
	assert.False(t, status.IsRunning)
	assert.Equal(t, 1, status.TotalDelivered)
	assert.Equal(t, 1, status.SuccessfulDelivered)
	assert.Equal(t, 1, status.ManualDelivered)
	assert.Equal(t, 1, status.TodayDelivered)
	require.NotNil(t, status.LastDeliveryTime)
	assert.Equal(t, h.clock.Now(), *status.LastDeliveryTime)
}

func TestDisabledFiltersAreSkippedAndReported(t *testing.T) {
	source := &fakeSource{postings: jobs("银行销售代表")}
	h := newHarnessWith(t, source, func(cfg *config.Delivery) {
		cfg.Keywords = []string{"银行"}
		cfg.Blacklist.Positions = []string{"销售代表"}
	}, func(_ *Deps, o *Options) {
		o.DisabledFilters = []string{"blacklist"}
	})

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.withStatus(t, records.StatusDelivered)) == 1 }, waitFor, tick)

	enabled := map[string]bool{}
	for _, f := range h.sched.Status().Filters {
		enabled[f.Name] = f.Enabled
		if f.Name == "blacklist" {
			assert.Equal(t, "disabled by configuration", f.Reason)
		}
	}
	assert.Equal(t, map[string]bool{
		"blacklist":       false,
		"unrelated_roles": true,
		"keyword_match":   true,
		"applied_history": true,
	}, enabled)
}

func TestUnknownDisabledFilterIsRejected(t *testing.T) {
	_, err := New(context.Background(), Deps{
		Account:  "default",
		Config:   testConfig,
		Source:   &fakeSource{},
		Store:    records.NewMemoryStore(),
		Verifier: verification.New(time.Minute, zap.NewNop()),
	}, Options{DisabledFilters: []string{"salary"}})
	assert.ErrorContains(t, err, `unknown filter "salary"`)
}

func TestRecordPlatformFollowsConfigPerAttempt(t *testing.T) {
	source := &fakeSource{postings: jobs("市场总监")}
	h := newHarness(t, source, func(cfg *config.Delivery) { cfg.Platform = "boss" })

	_, err := h.sched.Start(context.Background())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(h.withStatus(t, records.StatusDelivered)) == 1 }, waitFor, tick)

	h.setConfig(func(cfg *config.Delivery) { cfg.Platform = "lagou" })
	source.Add(&posting.Posting{ID: "job-z", Title: "市场总监", Company: "Acme"})
	require.Eventually(t, func() bool { return len(h.withStatus(t, records.StatusDelivered)) == 2 }, waitFor, tick)

	platforms := map[string]string{}
	for _, rec := range h.list(t) {
		platforms[rec.PostingID] = rec.Platform
	}
	assert.Equal(t, map[string]string{"job-a": "boss", "job-z": "lagou"}, platforms)
}
