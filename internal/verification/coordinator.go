// Package verification parks apply attempts that wait for a human-solved
// challenge and hands the answer back to the exact waiting attempt.
package verification

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultTimeout = 5 * time.Minute

var (
	// ErrNotFound is returned for unknown or already resolved requests.
	ErrNotFound = errors.New("verification request not found")
	// ErrAlreadyOpen is returned when the posting already waits for a code.
	ErrAlreadyOpen = errors.New("verification request already open for posting")
	// ErrEmptyCode is returned when a blank code is submitted.
	ErrEmptyCode = errors.New("verification code is empty")
)

// Request is an outstanding or resolved human-input request.
type Request struct {
	ID                string     `json:"requestId"`
	Account           string     `json:"account"`
	PostingID         string     `json:"postingId"`
	JobName           string     `json:"jobName"`
	ChallengeImageRef string     `json:"screenshotUrl,omitempty"`
	TaskID            string     `json:"taskId"`
	CreatedAt         time.Time  `json:"createdAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	ResolvedAt        *time.Time `json:"resolvedAt,omitempty"`
	SubmittedCode     string     `json:"-"`
}

// OpenParams describes the attempt that needs a code.
type OpenParams struct {
	Account           string
	PostingID         string
	JobName           string
	ChallengeImageRef string
	TaskID            string
}

// Resolution is what the parked attempt receives.
type Resolution struct {
	Code     string
	Expired  bool
	Canceled bool
}

// Ticket is held by the attempt that opened a request.
type Ticket struct {
	Request Request
	done    <-chan Resolution
}

// Wait blocks until the request is resolved or ctx is done. The request
// stays open when ctx ends first.
func (t *Ticket) Wait(ctx context.Context) (Resolution, error) {
	select {
	case res := <-t.done:
		return res, nil
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	}
}

type stopper interface {
	Stop() bool
}

type entry struct {
	req   Request
	done  chan Resolution
	timer stopper
}

// Coordinator tracks open requests. It is safe for concurrent use.
type Coordinator struct {
	mu        sync.Mutex
	open      map[string]*entry
	byPosting map[string]string

	timeout   time.Duration
	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper
	logger    *zap.Logger
}

func New(timeout time.Duration, logger *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		open:      make(map[string]*entry),
		byPosting: make(map[string]string),
		timeout:   timeout,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) stopper { return time.AfterFunc(d, f) },
		logger:    logger,
	}
}

func postingKey(account, postingID string) string {
	return account + "\x00" + postingID
}

// Open registers a request for a posting and arms its expiry timer.
func (c *Coordinator) Open(p OpenParams) (*Ticket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := postingKey(p.Account, p.PostingID)
	if id, ok := c.byPosting[key]; ok {
		return nil, fmt.Errorf("%w: posting %s (request %s)", ErrAlreadyOpen, p.PostingID, id)
	}

	now := c.now()
	taskID := p.TaskID
	if taskID == "" {
		taskID = uuid.NewString()
	}

	e := &entry{
		req: Request{
			ID:                uuid.NewString(),
			Account:           p.Account,
			PostingID:         p.PostingID,
			JobName:           p.JobName,
			ChallengeImageRef: p.ChallengeImageRef,
			TaskID:            taskID,
			CreatedAt:         now,
			ExpiresAt:         now.Add(c.timeout),
		},
		done: make(chan Resolution, 1),
	}

	id := e.req.ID
	c.open[id] = e
	c.byPosting[key] = id
	e.timer = c.afterFunc(c.timeout, func() {
		if _, err := c.Expire(id); err == nil {
			c.logger.Warn("verification request expired", zap.String("request_id", id))
		}
	})

	c.logger.Info("verification request opened",
		zap.String("request_id", id),
		zap.String("account", p.Account),
		zap.String("posting_id", p.PostingID),
	)

	return &Ticket{Request: e.req, done: e.done}, nil
}

// Submit resolves a request with a code. The first resolution wins.
func (c *Coordinator) Submit(id, code string) (Request, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return Request{}, ErrEmptyCode
	}

	req, err := c.resolve(id, Resolution{Code: code})
	if err != nil {
		return Request{}, err
	}

	c.logger.Info("verification code submitted", zap.String("request_id", id))
	return req, nil
}

// Expire resolves a request as timed out.
func (c *Coordinator) Expire(id string) (Request, error) {
	return c.resolve(id, Resolution{Expired: true})
}

// Cancel resolves a request because its attempt is going away.
func (c *Coordinator) Cancel(id string) (Request, error) {
	return c.resolve(id, Resolution{Canceled: true})
}

func (c *Coordinator) resolve(id string, res Resolution) (Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.open[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	delete(c.open, id)
	delete(c.byPosting, postingKey(e.req.Account, e.req.PostingID))
	if e.timer != nil {
		e.timer.Stop()
	}

	resolved := c.now()
	e.req.ResolvedAt = &resolved
	e.req.SubmittedCode = res.Code

	// buffered, and each entry is resolved once
	e.done <- res

	return e.req, nil
}

// Get returns an open request.
func (c *Coordinator) Get(id string) (Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.open[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.req, nil
}

// Pending lists open requests, oldest first. An empty account lists all.
func (c *Coordinator) Pending(account string) []Request {
	c.mu.Lock()
	out := make([]Request, 0, len(c.open))
	for _, e := range c.open {
		if account == "" || e.req.Account == account {
			out = append(out, e.req)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ExpireStale expires every request whose deadline is not after now and
// returns how many were expired.
func (c *Coordinator) ExpireStale(now time.Time) int {
	var stale []string

	c.mu.Lock()
	for id, e := range c.open {
		if !e.req.ExpiresAt.After(now) {
			stale = append(stale, id)
		}
	}
	c.mu.Unlock()

	expired := 0
	for _, id := range stale {
		if _, err := c.Expire(id); err == nil {
			expired++
		}
	}
	return expired
}
