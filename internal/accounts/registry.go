// Package accounts keeps one scheduler and one configuration snapshot per
// account.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/spigell/delivery-engine/internal/config"
	"github.com/spigell/delivery-engine/internal/scheduler"
)

// DefaultAccount is used when a request names no account.
const DefaultAccount = "default"

// ErrInvalidAccount is returned for malformed account ids.
var ErrInvalidAccount = errors.New("invalid account id")

var accountPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Factory builds the scheduler of an account. cfg returns the current
// configuration snapshot.
type Factory func(ctx context.Context, account string, cfg func() config.Delivery) (*scheduler.Scheduler, error)

// Account is one registered account.
type Account struct {
	id        string
	cfgMu     sync.Mutex // serializes edits; readers use cfg directly
	cfg       atomic.Pointer[config.Delivery]
	scheduler *scheduler.Scheduler
}

func (a *Account) ID() string { return a.id }

// Config returns the current snapshot. Callers get their own copy.
func (a *Account) Config() config.Delivery {
	return *a.cfg.Load()
}

func (a *Account) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Registry creates accounts lazily from the default configuration.
type Registry struct {
	mu       sync.Mutex
	accounts map[string]*Account

	defaults config.Delivery
	build    Factory
	store    ConfigStore
	logger   *zap.Logger
}

// New creates a registry. store may be nil, in which case configuration edits
// live only in memory.
func New(defaults config.Delivery, build Factory, store ConfigStore, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		accounts: make(map[string]*Account),
		defaults: defaults.Normalized(),
		build:    build,
		store:    store,
		logger:   logger,
	}
}

// Get returns the account, creating it on first use.
func (r *Registry) Get(ctx context.Context, id string) (*Account, error) {
	if !accountPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccount, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.accounts[id]; ok {
		return a, nil
	}

	cfg := r.defaults
	if r.store != nil {
		saved, ok, err := r.store.Load(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("loading configuration of %s: %w", id, err)
		}
		if ok {
			cfg = saved
		}
	}

	a := &Account{id: id}
	a.cfg.Store(&cfg)

	sched, err := r.build(ctx, id, a.Config)
	if err != nil {
		return nil, fmt.Errorf("creating scheduler for %s: %w", id, err)
	}
	a.scheduler = sched
	r.accounts[id] = a

	r.logger.Info("account registered", zap.String("account", id))
	return a, nil
}

// IDs lists known accounts in order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UpdateConfig validates next against the current configuration, swaps it in
// and wakes the account's loop. Attempts already in flight keep the snapshot
// they started with.
func (r *Registry) UpdateConfig(ctx context.Context, id string, next config.Delivery) (config.Delivery, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return config.Delivery{}, err
	}

	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	prev := a.Config()
	next = config.Reconcile(prev, next.Normalized())
	if err := next.Validate(); err != nil {
		return config.Delivery{}, err
	}
	if _, err := config.ParseWindow(next.ActiveWindow); err != nil {
		return config.Delivery{}, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	if r.store != nil {
		if err := r.store.Save(ctx, id, next); err != nil {
			return config.Delivery{}, fmt.Errorf("saving configuration of %s: %w", id, err)
		}
	}

	a.cfg.Store(&next)
	a.scheduler.Wake()

	r.logger.Info("configuration updated",
		zap.String("account", id),
		zap.String("mode", string(next.MatchingMode)),
		zap.Strings("keywords", next.Keywords),
	)
	return next, nil
}

// Snapshot returns the status pushed to new real-time subscribers.
func (r *Registry) Snapshot(ctx context.Context, id string) (any, error) {
	a, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return a.scheduler.Status(), nil
}

// StopAll stops every running loop.
func (r *Registry) StopAll(ctx context.Context) {
	r.mu.Lock()
	all := make([]*Account, 0, len(r.accounts))
	for _, a := range r.accounts {
		all = append(all, a)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, a := range all {
		wg.Add(1)
		go func(a *Account) {
			defer wg.Done()
			if _, err := a.scheduler.Stop(ctx); err != nil {
				r.logger.Warn("stopping account", zap.String("account", a.id), zap.Error(err))
			}
		}(a)
	}
	wg.Wait()
}
