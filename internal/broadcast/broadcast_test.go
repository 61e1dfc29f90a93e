package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func next(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	return ev
}

func TestSubscribeStartsWithSnapshot(t *testing.T) {
	b := New(4, zap.NewNop())
	b.SetSnapshotter(func(_ context.Context, account string) (any, error) {
		return map[string]string{"account": account}, nil
	})

	sub := b.Subscribe(context.Background(), "alice")
	b.Publish(Event{Type: EventProgress, Account: "alice", Data: 1})

	first := next(t, sub)
	assert.Equal(t, EventStatus, first.Type)
	assert.Equal(t, map[string]string{"account": "alice"}, first.Data)

	second := next(t, sub)
	assert.Equal(t, EventProgress, second.Type)
	assert.False(t, second.Timestamp.IsZero())
}

func TestSnapshotFailureStillSubscribes(t *testing.T) {
	b := New(4, zap.NewNop())
	b.SetSnapshotter(func(context.Context, string) (any, error) {
		return nil, errors.New("store down")
	})

	sub := b.Subscribe(context.Background(), "alice")
	assert.Equal(t, 0, sub.Len())
	assert.Equal(t, 1, b.Subscribers())
}

func TestPublishFiltersByAccount(t *testing.T) {
	b := New(4, zap.NewNop())

	alice := b.Subscribe(context.Background(), "alice")
	bob := b.Subscribe(context.Background(), "bob")
	all := b.Subscribe(context.Background(), "")

	b.Publish(Event{Type: EventRecord, Account: "alice"})

	assert.Equal(t, 1, alice.Len())
	assert.Equal(t, 0, bob.Len())
	assert.Equal(t, 1, all.Len())
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	b := New(3, zap.NewNop())
	slow := b.Subscribe(context.Background(), "alice")

	for i := 0; i < 5; i++ {
		b.Publish(Event{Type: EventProgress, Account: "alice", Data: i})
	}

	assert.True(t, slow.Degraded())
	assert.EqualValues(t, 2, slow.Dropped())
	require.Equal(t, 3, slow.Len())
	assert.Equal(t, 2, next(t, slow).Data)
	assert.Equal(t, 3, next(t, slow).Data)
	assert.Equal(t, 4, next(t, slow).Data)
}

func TestPublishNeverBlocks(t *testing.T) {
	b := New(1, zap.NewNop())
	for i := 0; i < 10; i++ {
		b.Subscribe(context.Background(), "alice")
	}

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(Event{Type: EventProgress, Account: "alice"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on subscribers that never read")
	}
}

func TestUnsubscribeWakesReader(t *testing.T) {
	b := New(4, zap.NewNop())
	sub := b.Subscribe(context.Background(), "alice")

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = sub.Next(context.Background())
	}()

	b.Unsubscribe(sub)
	wg.Wait()

	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 0, b.Subscribers())

	b.Publish(Event{Type: EventProgress, Account: "alice"})
	assert.Equal(t, 0, sub.Len())
}

type recordingRelay struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingRelay) Forward(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingRelay) Run(ctx context.Context, deliver func(Event)) error {
	deliver(Event{Type: EventSuccess, Account: "alice", Data: "remote"})
	<-ctx.Done()
	return nil
}

func TestRelayForwardAndDeliver(t *testing.T) {
	b := New(4, zap.NewNop())
	relay := &recordingRelay{}
	b.SetRelay(relay)

	sub := b.Subscribe(context.Background(), "alice")
	b.Publish(Event{Type: EventRecord, Account: "alice"})

	relay.mu.Lock()
	require.Len(t, relay.events, 1)
	relay.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	assert.Equal(t, EventRecord, next(t, sub).Type)
	remote := next(t, sub)
	assert.Equal(t, "remote", remote.Data)

	cancel()
	assert.NoError(t, <-done)

	relay.mu.Lock()
	assert.Len(t, relay.events, 1, "remote events are not forwarded again")
	relay.mu.Unlock()
}

func TestPublishSnapshot(t *testing.T) {
	b := New(4, zap.NewNop())
	calls := 0
	b.SetSnapshotter(func(context.Context, string) (any, error) {
		calls++
		return calls, nil
	})

	sub := b.Subscribe(context.Background(), "alice")
	b.PublishSnapshot(context.Background(), "alice")

	assert.Equal(t, 1, next(t, sub).Data)
	assert.Equal(t, 2, next(t, sub).Data)
}
