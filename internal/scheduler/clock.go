package scheduler

import (
	"context"
	"time"

	"github.com/spigell/delivery-engine/internal/utils"
)

// Clock is the scheduler's view of time.
type Clock interface {
	Now() time.Time
	// Sleep waits for d. It returns early with nil when wake fires and with
	// the context error when ctx is done.
	Sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) error {
	return utils.WaitForOrWake(ctx, d, wake)
}
