package records

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory. It is meant for tests and
// single-run deployments where history may be lost on restart.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(_ context.Context, r *Record) error {
	prepare(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("delivery record %s already exists", r.ID)
	}
	stored := *r
	s.records[r.ID] = &stored
	return nil
}

// prepare fills defaults shared by every store.
func prepare(r *Record) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.AppliedAt.IsZero() {
		r.AppliedAt = time.Now()
	}
	r.AppliedAt = r.AppliedAt.UTC()
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.AppliedAt
	}
}

func (s *MemoryStore) Transition(_ context.Context, id string, to Status, reason string, at time.Time) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	next := *r
	if err := next.apply(to, reason, at); err != nil {
		return Record{}, err
	}
	*r = next
	return next, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *r, nil
}

func (s *MemoryStore) List(_ context.Context, q Query) (Page, error) {
	q = q.normalized()
	keyword := strings.ToLower(q.Keyword)

	s.mu.RLock()
	matched := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if q.Account != "" && r.Account != q.Account {
			continue
		}
		if q.Status != "" && r.Status != q.Status {
			continue
		}
		if q.Platform != "" && r.Platform != q.Platform {
			continue
		}
		if keyword != "" && !strings.Contains(strings.ToLower(r.Title), keyword) && !strings.Contains(strings.ToLower(r.Company), keyword) {
			continue
		}
		if q.Start != nil && r.AppliedAt.Before(*q.Start) {
			continue
		}
		if q.End != nil && r.AppliedAt.After(*q.End) {
			continue
		}
		matched = append(matched, *r)
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].AppliedAt.Equal(matched[j].AppliedAt) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].AppliedAt.After(matched[j].AppliedAt)
	})

	total := int64(len(matched))
	from := (q.Page - 1) * q.Size
	if from > len(matched) {
		from = len(matched)
	}
	to := from + q.Size
	if to > len(matched) {
		to = len(matched)
	}

	return newPage(matched[from:to], total, q), nil
}

func (s *MemoryStore) Statistics(_ context.Context, account string, now time.Time) (Statistics, error) {
	s.mu.RLock()
	rows := make([]statRow, 0, len(s.records))
	for _, r := range s.records {
		if account != "" && r.Account != account {
			continue
		}
		rows = append(rows, statRow{Status: r.Status, AppliedAt: r.AppliedAt, MatchScore: r.MatchScore})
	}
	s.mu.RUnlock()

	return computeStatistics(rows, now), nil
}

func (s *MemoryStore) AttemptTimesSince(_ context.Context, account string, since time.Time) ([]time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var times []time.Time
	for _, r := range s.records {
		if r.Account == account && !r.AppliedAt.Before(since) {
			times = append(times, r.AppliedAt)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	return times, nil
}

func (s *MemoryStore) HasApplied(_ context.Context, account, postingID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.records {
		if r.Account == account && r.PostingID == postingID && r.Status != StatusFailed {
			return true, nil
		}
	}
	return false, nil
}
