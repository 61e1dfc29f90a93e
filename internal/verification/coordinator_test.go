package verification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTimer struct {
	fire    func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	c := New(time.Minute, zap.NewNop())
	c.now = func() time.Time {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		return clock.now
	}
	c.afterFunc = func(_ time.Duration, f func()) stopper {
		clock.mu.Lock()
		defer clock.mu.Unlock()
		ft := &fakeTimer{fire: f}
		clock.timers = append(clock.timers, ft)
		return ft
	}
	return c, clock
}

func TestOpenSubmitResumesWaiter(t *testing.T) {
	c, _ := newTestCoordinator(t)

	ticket, err := c.Open(OpenParams{Account: "default", PostingID: "p1", JobName: "市场总监", ChallengeImageRef: "/shots/1.png"})
	require.NoError(t, err)
	assert.NotEmpty(t, ticket.Request.ID)
	assert.NotEmpty(t, ticket.Request.TaskID)

	got := make(chan Resolution, 1)
	go func() {
		res, err := ticket.Wait(context.Background())
		assert.NoError(t, err)
		got <- res
	}()

	req, err := c.Submit(ticket.Request.ID, " 1234 ")
	require.NoError(t, err)
	require.NotNil(t, req.ResolvedAt)
	assert.Equal(t, "1234", req.SubmittedCode)

	select {
	case res := <-got:
		assert.Equal(t, Resolution{Code: "1234"}, res)
	case <-time.After(time.Second):
		t.Fatal("waiter was not resumed")
	}

	_, err = c.Submit(ticket.Request.ID, "1234")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, c.Pending(""))
}

func TestSubmitBeforeWaitIsNotLost(t *testing.T) {
	c, _ := newTestCoordinator(t)

	ticket, err := c.Open(OpenParams{Account: "default", PostingID: "p1"})
	require.NoError(t, err)

	_, err = c.Submit(ticket.Request.ID, "42")
	require.NoError(t, err)

	res, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", res.Code)
}

func TestOneOpenRequestPerPosting(t *testing.T) {
	c, _ := newTestCoordinator(t)

	first, err := c.Open(OpenParams{Account: "default", PostingID: "p1"})
	require.NoError(t, err)

	_, err = c.Open(OpenParams{Account: "default", PostingID: "p1"})
	assert.ErrorIs(t, err, ErrAlreadyOpen)

	_, err = c.Open(OpenParams{Account: "other", PostingID: "p1"})
	assert.NoError(t, err)

	_, err = c.Cancel(first.Request.ID)
	require.NoError(t, err)

	_, err = c.Open(OpenParams{Account: "default", PostingID: "p1"})
	assert.NoError(t, err)
}

func TestTimerExpiresRequest(t *testing.T) {
	c, clock := newTestCoordinator(t)

	ticket, err := c.Open(OpenParams{Account: "default", PostingID: "p1"})
	require.NoError(t, err)
	require.Len(t, clock.timers, 1)

	clock.timers[0].fire()

	res, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Expired)

	_, err = c.Submit(ticket.Request.ID, "1234")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSubmitStopsTimer(t *testing.T) {
	c, clock := newTestCoordinator(t)

	ticket, err := c.Open(OpenParams{Account: "default", PostingID: "p1"})
	require.NoError(t, err)

	_, err = c.Submit(ticket.Request.ID, "1234")
	require.NoError(t, err)
	assert.True(t, clock.timers[0].stopped)

	// a late timer callback loses the race quietly
	clock.timers[0].fire()
	res, err := ticket.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1234", res.Code)
}

func TestSubmitExpireRaceHasOneWinner(t *testing.T) {
	for i := 0; i < 50; i++ {
		c, _ := newTestCoordinator(t)
		ticket, err := c.Open(OpenParams{Account: "default", PostingID: "p1"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = c.Submit(ticket.Request.ID, "1234")
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = c.Expire(ticket.Request.ID)
		}()
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, ErrNotFound)
			}
		}
		assert.Equal(t, 1, wins)
	}
}

func TestSubmitRejectsEmptyCode(t *testing.T) {
	c, _ := newTestCoordinator(t)

	ticket, err := c.Open(OpenParams{Account: "default", PostingID: "p1"})
	require.NoError(t, err)

	_, err = c.Submit(ticket.Request.ID, "  ")
	assert.ErrorIs(t, err, ErrEmptyCode)

	_, err = c.Get(ticket.Request.ID)
	assert.NoError(t, err)
}

func TestWaitHonoursContext(t *testing.T) {
	c, _ := newTestCoordinator(t)

	ticket, err := c.Open(OpenParams{Account: "default", PostingID: "p1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = ticket.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, c.Pending("default"), 1)
}

func TestPendingAndExpireStale(t *testing.T) {
	c, clock := newTestCoordinator(t)

	_, err := c.Open(OpenParams{Account: "a", PostingID: "p1"})
	require.NoError(t, err)

	clock.mu.Lock()
	clock.now = clock.now.Add(30 * time.Second)
	clock.mu.Unlock()

	_, err = c.Open(OpenParams{Account: "b", PostingID: "p2"})
	require.NoError(t, err)

	all := c.Pending("")
	require.Len(t, all, 2)
	assert.Equal(t, "p1", all[0].PostingID)
	assert.Len(t, c.Pending("b"), 1)

	expired := c.ExpireStale(time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC))
	assert.Equal(t, 1, expired)
	remaining := c.Pending("")
	require.Len(t, remaining, 1)
	assert.Equal(t, "p2", remaining[0].PostingID)
}
