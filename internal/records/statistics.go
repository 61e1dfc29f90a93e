package records

import (
	"math"
	"time"
)

// Statistics aggregates an account's records. Rates are percentages.
type Statistics struct {
	TotalDeliveries         int     `json:"totalDeliveries"`
	SuccessfulDeliveries    int     `json:"successfulDeliveries"`
	FailedDeliveries        int     `json:"failedDeliveries"`
	PendingDeliveries       int     `json:"pendingDeliveries"`
	HRReplies               int     `json:"hrReplies"`
	InterviewInvitations    int     `json:"interviewInvitations"`
	Rejections              int     `json:"rejections"`
	DeliverySuccessRate     float64 `json:"deliverySuccessRate"`
	HRReplyRate             float64 `json:"hrReplyRate"`
	InterviewInvitationRate float64 `json:"interviewInvitationRate"`
	TodayDeliveries         int     `json:"todayDeliveries"`
	WeeklyDeliveries        int     `json:"weeklyDeliveries"`
	MonthlyDeliveries       int     `json:"monthlyDeliveries"`
	AverageMatchScore       float64 `json:"averageMatchScore"`
}

// statRow is the subset of a record statistics need.
type statRow struct {
	Status     Status
	AppliedAt  time.Time
	MatchScore float64
}

func computeStatistics(rows []statRow, now time.Time) Statistics {
	var s Statistics
	var scoreSum float64

	loc := now.Location()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, loc)
	week := now.AddDate(0, 0, -7)
	month := now.AddDate(0, 0, -30)

	for _, r := range rows {
		s.TotalDeliveries++
		scoreSum += r.MatchScore

		switch r.Status {
		case StatusFailed:
			s.FailedDeliveries++
		case StatusPending:
			s.PendingDeliveries++
		default:
			s.SuccessfulDeliveries++
		}

		switch r.Status {
		case StatusReplied:
			s.HRReplies++
		case StatusInterviewInvited:
			s.HRReplies++
			s.InterviewInvitations++
		case StatusRejected:
			s.HRReplies++
			s.Rejections++
		}

		at := r.AppliedAt.In(loc)
		if !at.Before(today) {
			s.TodayDeliveries++
		}
		if !at.Before(week) {
			s.WeeklyDeliveries++
		}
		if !at.Before(month) {
			s.MonthlyDeliveries++
		}
	}

	s.DeliverySuccessRate = percent(s.SuccessfulDeliveries, s.TotalDeliveries)
	s.HRReplyRate = percent(s.HRReplies, s.SuccessfulDeliveries)
	s.InterviewInvitationRate = percent(s.InterviewInvitations, s.SuccessfulDeliveries)
	if s.TotalDeliveries > 0 {
		s.AverageMatchScore = math.Round(scoreSum/float64(s.TotalDeliveries)*100) / 100
	}

	return s
}

func percent(part, whole int) float64 {
	if whole == 0 {
		return 0
	}
	return math.Round(float64(part)/float64(whole)*1000) / 10
}
