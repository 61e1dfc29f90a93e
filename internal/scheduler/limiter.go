package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/spigell/delivery-engine/internal/config"
)

// Decision tells the loop whether an attempt may start now, and if not, when
// to look again.
type Decision struct {
	Until  time.Time
	Reason string
}

func (d Decision) Allowed() bool { return d.Until.IsZero() }

// Limiter holds the rate budget of one account: a rolling hour, the local
// calendar day, the minimum interval with jitter and the failure cooldown.
// Limits are read from the configuration passed to each call so that edits
// apply to the next decision.
type Limiter struct {
	mu       sync.Mutex
	attempts []time.Time
	last     time.Time
	jitter   float64
	cooldown time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{}
}

// Seed restores attempts recorded before a restart.
func (l *Limiter) Seed(times []time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.attempts = append(l.attempts, times...)
	sort.Slice(l.attempts, func(i, j int) bool { return l.attempts[i].Before(l.attempts[j]) })
	if n := len(l.attempts); n > 0 && l.attempts[n-1].After(l.last) {
		l.last = l.attempts[n-1]
	}
}

// Record consumes budget for an attempt started at. jitter is in [0,1) and
// stretches the next interval by up to the configured percentage.
func (l *Limiter) Record(at time.Time, jitter float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.attempts = append(l.attempts, at)
	if at.After(l.last) {
		l.last = at
	}
	l.jitter = jitter
}

// Cooldown blocks attempts until until.
func (l *Limiter) Cooldown(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if until.After(l.cooldown) {
		l.cooldown = until
	}
}

// Check decides whether an attempt may start at now. When several limits
// block, Until is the earliest time one of them lifts.
func (l *Limiter) Check(now time.Time, cfg config.Delivery, window config.Window) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)

	var d Decision
	consider := func(until time.Time, reason string) {
		if !until.After(now) {
			return
		}
		if d.Until.IsZero() || until.Before(d.Until) {
			d = Decision{Until: until, Reason: reason}
		}
	}

	if !window.Contains(now) {
		consider(window.NextOpen(now), "outside active window")
	}
	if day := startOfDay(now); l.countSince(day) >= cfg.MaxPerDay {
		consider(day.AddDate(0, 0, 1), "daily limit reached")
	}
	if until, blocked := l.hourlyRelease(now, cfg.FrequencyPerHour); blocked {
		consider(until, "hourly limit reached")
	}
	if !l.last.IsZero() {
		consider(l.last.Add(l.interval(cfg)), "minimum interval")
	}
	consider(l.cooldown, "failure cooldown")

	return d
}

// CheckCaps enforces only the daily and hourly caps.
func (l *Limiter) CheckCaps(now time.Time, cfg config.Delivery) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)

	if l.countSince(startOfDay(now)) >= cfg.MaxPerDay {
		return ErrDailyCapReached
	}
	if _, blocked := l.hourlyRelease(now, cfg.FrequencyPerHour); blocked {
		return ErrHourlyCapReached
	}
	return nil
}

// Today returns the attempts started on now's local date.
func (l *Limiter) Today(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.countSince(startOfDay(now))
}

func (l *Limiter) interval(cfg config.Delivery) time.Duration {
	base := cfg.MinInterval()
	extra := float64(base) * float64(cfg.IntervalJitterPercent) / 100 * l.jitter
	return base + time.Duration(extra)
}

// hourlyRelease returns when the rolling hour drops below the frequency.
func (l *Limiter) hourlyRelease(now time.Time, perHour int) (time.Time, bool) {
	since := now.Add(-time.Hour)
	i := sort.Search(len(l.attempts), func(i int) bool { return l.attempts[i].After(since) })
	recent := l.attempts[i:]
	if len(recent) < perHour {
		return time.Time{}, false
	}
	return recent[len(recent)-perHour].Add(time.Hour), true
}

func (l *Limiter) countSince(t time.Time) int {
	i := sort.Search(len(l.attempts), func(i int) bool { return !l.attempts[i].Before(t) })
	return len(l.attempts) - i
}

// prune keeps what the hour and day limits still need.
func (l *Limiter) prune(now time.Time) {
	keep := startOfDay(now)
	if hour := now.Add(-time.Hour); hour.Before(keep) {
		keep = hour
	}
	i := sort.Search(len(l.attempts), func(i int) bool { return !l.attempts[i].Before(keep) })
	if i > 0 {
		l.attempts = append(l.attempts[:0], l.attempts[i:]...)
	}
}

// seedSince is the earliest attempt a fresh limiter needs to know about.
func seedSince(now time.Time) time.Time {
	day := startOfDay(now)
	if hour := now.Add(-time.Hour); hour.Before(day) {
		return hour
	}
	return day
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
