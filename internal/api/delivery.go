package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/spigell/delivery-engine/internal/broadcast"
	"github.com/spigell/delivery-engine/internal/records"
	"github.com/spigell/delivery-engine/internal/scheduler"
)

type startResponse struct {
	Status    scheduler.State `json:"status"`
	Message   string          `json:"message"`
	StartTime time.Time       `json:"startTime"`
	RunID     string          `json:"runId"`
}

type stopResponse struct {
	Status   scheduler.State `json:"status"`
	Message  string          `json:"message"`
	StopTime time.Time       `json:"stopTime"`
	RunID    string          `json:"runId,omitempty"`
}

func (s *server) start(c *fiber.Ctx) error {
	a, err := s.account(c)
	if err != nil {
		return err
	}

	run, err := a.Scheduler().Start(c.UserContext())
	if err != nil {
		return err
	}

	return c.JSON(startResponse{
		Status:    a.Scheduler().State(),
		Message:   "delivery started",
		StartTime: run.StartedAt,
		RunID:     run.RunID,
	})
}

func (s *server) stop(c *fiber.Ctx) error {
	a, err := s.account(c)
	if err != nil {
		return err
	}

	run, err := a.Scheduler().Stop(c.UserContext())
	if err != nil {
		return err
	}

	stopped := s.Now()
	if run.StoppedAt != nil {
		stopped = *run.StoppedAt
	}

	return c.JSON(stopResponse{
		Status:   a.Scheduler().State(),
		Message:  "delivery stopped",
		StopTime: stopped,
		RunID:    run.RunID,
	})
}

func (s *server) acknowledge(c *fiber.Ctx) error {
	a, err := s.account(c)
	if err != nil {
		return err
	}
	if err := a.Scheduler().Acknowledge(); err != nil {
		return err
	}
	return c.JSON(a.Scheduler().Status())
}

func (s *server) status(c *fiber.Ctx) error {
	a, err := s.account(c)
	if err != nil {
		return err
	}
	return c.JSON(a.Scheduler().Status())
}

func (s *server) getConfig(c *fiber.Ctx) error {
	a, err := s.account(c)
	if err != nil {
		return err
	}
	return c.JSON(a.Config())
}

// putConfig overlays the body on the current configuration, so omitted
// fields keep their values.
func (s *server) putConfig(c *fiber.Ctx) error {
	a, err := s.account(c)
	if err != nil {
		return err
	}

	next := a.Config()
	if err := json.Unmarshal(c.Body(), &next); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	saved, err := s.Accounts.UpdateConfig(c.UserContext(), a.ID(), next)
	if err != nil {
		return err
	}
	return c.JSON(saved)
}

func (s *server) listRecords(c *fiber.Ctx) error {
	q, err := s.recordsQuery(c)
	if err != nil {
		return err
	}

	page, err := s.Records.List(c.UserContext(), q)
	if err != nil {
		return err
	}
	return c.JSON(page)
}

func (s *server) recordsQuery(c *fiber.Ctx) (records.Query, error) {
	q := records.Query{
		Account:  accountID(c),
		Page:     c.QueryInt("page", 1),
		Size:     c.QueryInt("size", 0),
		Platform: strings.TrimSpace(c.Query("platform")),
		Keyword:  c.Query("keyword"),
	}

	if raw := c.Query("status"); raw != "" {
		st, err := records.ParseStatus(raw)
		if err != nil {
			return q, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		q.Status = st
	}

	start, err := parseDate(c.Query("startDate"), false)
	if err != nil {
		return q, err
	}
	end, err := parseDate(c.Query("endDate"), true)
	if err != nil {
		return q, err
	}
	q.Start, q.End = start, end

	return q, nil
}

// parseDate accepts RFC 3339 or a bare local date. A bare end date covers
// the whole day.
func parseDate(raw string, endOfDay bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, raw, time.Local)
	if err != nil {
		return nil, fmt.Errorf("%w: date %q is neither YYYY-MM-DD nor RFC 3339", errBadRequest, raw)
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &t, nil
}

type patchRecordRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *server) patchRecord(c *fiber.Ctx) error {
	var req patchRecordRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	to, err := records.ParseStatus(req.Status)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	id := c.Params("id")
	account := accountID(c)

	current, err := s.Records.Get(c.UserContext(), id)
	if err != nil {
		return err
	}
	if current.Account != account {
		return fmt.Errorf("%w: %s", records.ErrNotFound, id)
	}

	updated, err := s.Records.Transition(c.UserContext(), id, to, req.Reason, s.Now())
	if err != nil {
		return err
	}

	s.Events.Publish(broadcast.Event{Type: broadcast.EventRecord, Account: account, Data: updated})
	return c.JSON(updated)
}

func (s *server) statistics(c *fiber.Ctx) error {
	stats, err := s.Records.Statistics(c.UserContext(), accountID(c), s.Now())
	if err != nil {
		return err
	}
	return c.JSON(stats)
}

// manual blocks until the apply finishes, including any verification round.
func (s *server) manual(c *fiber.Ctx) error {
	var req scheduler.ManualRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}

	a, err := s.account(c)
	if err != nil {
		return err
	}

	rec, err := a.Scheduler().ManualApply(c.UserContext(), req)
	if err != nil && rec.ID == "" {
		return err
	}
	return c.JSON(rec)
}
