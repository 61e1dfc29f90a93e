package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const minutesPerDay = 24 * 60

// Window is a parsed TimeWindow.
type Window struct {
	start, end int
	allDay     bool
}

// ParseWindow parses w. Equal ends and 00:00-23:59 both mean the whole day.
// A start later than the end describes an overnight window.
func ParseWindow(w TimeWindow) (Window, error) {
	start, err := parseClock(w.Start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	end, err := parseClock(w.End)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}

	allDay := start == end || (start == 0 && end == minutesPerDay-1)
	return Window{start: start, end: end, allDay: allDay}, nil
}

// AllDay reports whether the window never closes.
func (w Window) AllDay() bool { return w.allDay }

// Contains reports whether t falls inside the window. The end is exclusive.
func (w Window) Contains(t time.Time) bool {
	if w.allDay {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if w.start < w.end {
		return m >= w.start && m < w.end
	}
	return m >= w.start || m < w.end
}

// NextOpen returns t when the window is open, otherwise the next time it opens.
func (w Window) NextOpen(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	open := time.Date(t.Year(), t.Month(), t.Day(), w.start/60, w.start%60, 0, 0, t.Location())
	if !open.After(t) {
		open = open.AddDate(0, 0, 1)
	}
	return open
}

func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("%q is not in HH:MM form", s)
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", s)
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 || len(m) != 2 {
		return 0, fmt.Errorf("%q has an invalid minute", s)
	}
	return hour*60 + minute, nil
}
