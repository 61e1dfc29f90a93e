// Package housekeeping runs periodic maintenance jobs.
package housekeeping

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	expireSpec   = "@every 1m"
	snapshotSpec = "@midnight"
)

// Expirer drops verification requests past their deadline.
type Expirer interface {
	ExpireStale(now time.Time) int
}

// Accounts lists the accounts that get a midnight snapshot.
type Accounts interface {
	IDs() []string
}

// Snapshots publishes a fresh status for an account.
type Snapshots interface {
	PublishSnapshot(ctx context.Context, account string)
}

// Housekeeper wraps robfig/cron.
type Housekeeper struct {
	cron      *cron.Cron
	expirer   Expirer
	accounts  Accounts
	snapshots Snapshots
	now       func() time.Time
	logger    *zap.Logger
}

func New(expirer Expirer, accounts Accounts, snapshots Snapshots, logger *zap.Logger) *Housekeeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Housekeeper{
		cron:      cron.New(cron.WithLogger(cronLogger{logger.Sugar()})),
		expirer:   expirer,
		accounts:  accounts,
		snapshots: snapshots,
		now:       time.Now,
		logger:    logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (h *Housekeeper) Start(ctx context.Context) error {
	if _, err := h.cron.AddFunc(expireSpec, h.ExpireStale); err != nil {
		return fmt.Errorf("cron.AddFunc %s: %w", expireSpec, err)
	}
	if _, err := h.cron.AddFunc(snapshotSpec, func() { h.RefreshSnapshots(ctx) }); err != nil {
		return fmt.Errorf("cron.AddFunc %s: %w", snapshotSpec, err)
	}

	h.cron.Start()
	h.logger.Info("housekeeping started", zap.Int("jobs", len(h.cron.Entries())))
	return nil
}

// Stop stops the scheduler and waits for running jobs.
func (h *Housekeeper) Stop() {
	<-h.cron.Stop().Done()
	h.logger.Info("housekeeping stopped")
}

// ExpireStale backs up the per-request expiry timers.
func (h *Housekeeper) ExpireStale() {
	if n := h.expirer.ExpireStale(h.now()); n > 0 {
		h.logger.Info("expired stale verification requests", zap.Int("count", n))
	}
}

// RefreshSnapshots pushes a status to every account, since daily counters
// roll over at midnight.
func (h *Housekeeper) RefreshSnapshots(ctx context.Context) {
	ids := h.accounts.IDs()
	for _, id := range ids {
		h.snapshots.PublishSnapshot(ctx, id)
	}
	h.logger.Debug("published midnight snapshots", zap.Int("accounts", len(ids)))
}

// cronLogger routes cron's own logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
