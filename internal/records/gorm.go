package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recordModel struct {
	ID           string     `gorm:"column:id;primaryKey;size:36"`
	Account      string     `gorm:"column:account;size:64;index:idx_delivery_records_account_applied,priority:1"`
	PostingID    string     `gorm:"column:posting_id;size:128;index"`
	Title        string     `gorm:"column:title;size:255"`
	Company      string     `gorm:"column:company;size:255"`
	JobURL       string     `gorm:"column:job_url;size:1024"`
	MatchScore   float64    `gorm:"column:match_score"`
	Status       string     `gorm:"column:status;size:32;index"`
	Reason       string     `gorm:"column:reason;type:text"`
	AppliedAt    time.Time  `gorm:"column:applied_at;index:idx_delivery_records_account_applied,priority:2"`
	RepliedAt    *time.Time `gorm:"column:replied_at"`
	GreetingText string     `gorm:"column:greeting_text;type:text"`
	Platform     string     `gorm:"column:platform;size:32"`
	Manual       bool       `gorm:"column:manual"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

func (recordModel) TableName() string { return "delivery_records" }

func toModel(r Record) recordModel {
	return recordModel{
		ID:           r.ID,
		Account:      r.Account,
		PostingID:    r.PostingID,
		Title:        r.Title,
		Company:      r.Company,
		JobURL:       r.JobURL,
		MatchScore:   r.MatchScore,
		Status:       string(r.Status),
		Reason:       r.Reason,
		AppliedAt:    r.AppliedAt.UTC(),
		RepliedAt:    r.RepliedAt,
		GreetingText: r.GreetingText,
		Platform:     r.Platform,
		Manual:       r.Manual,
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

func (m recordModel) toRecord() Record {
	r := Record{
		ID:           m.ID,
		Account:      m.Account,
		PostingID:    m.PostingID,
		Title:        m.Title,
		Company:      m.Company,
		JobURL:       m.JobURL,
		MatchScore:   m.MatchScore,
		Status:       Status(m.Status),
		Reason:       m.Reason,
		AppliedAt:    m.AppliedAt.UTC(),
		GreetingText: m.GreetingText,
		Platform:     m.Platform,
		Manual:       m.Manual,
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
	if m.RepliedAt != nil {
		replied := m.RepliedAt.UTC()
		r.RepliedAt = &replied
	}
	return r
}

// Open connects to the records database. driver is "sqlite" (the default) or
// "postgres"; for sqlite dsn is a file path.
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector

	driver = strings.ToLower(strings.TrimSpace(driver))
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		dialector = sqlite.Open(fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", dsn))
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB instance: %w", err)
	}

	if driver == "sqlite" || driver == "" {
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		sqlDB.SetMaxOpenConns(20)
		sqlDB.SetMaxIdleConns(5)
	}
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db, nil
}

// GormStore persists records through gorm.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore migrates the schema and returns a store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&recordModel{}); err != nil {
		return nil, fmt.Errorf("migrate delivery records: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Create(ctx context.Context, r *Record) error {
	prepare(r)
	m := toModel(*r)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		return fmt.Errorf("create delivery record: %w", err)
	}
	return nil
}

func (s *GormStore) Transition(ctx context.Context, id string, to Status, reason string, at time.Time) (Record, error) {
	var out Record
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m recordModel
		if err := tx.First(&m, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}

		r := m.toRecord()
		if err := r.apply(to, reason, at); err != nil {
			return err
		}

		updated := toModel(r)
		res := tx.Model(&recordModel{}).
			Where("id = ? AND status = ?", id, m.Status).
			Updates(map[string]any{
				"status":     updated.Status,
				"reason":     updated.Reason,
				"replied_at": updated.RepliedAt,
				"updated_at": updated.UpdatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %s changed concurrently", ErrInvalidTransition, id)
		}

		out = r
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	return out, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (Record, error) {
	var m recordModel
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, err
	}
	return m.toRecord(), nil
}

func (s *GormStore) List(ctx context.Context, q Query) (Page, error) {
	q = q.normalized()

	tx := s.db.WithContext(ctx).Model(&recordModel{})
	if q.Account != "" {
		tx = tx.Where("account = ?", q.Account)
	}
	if q.Status != "" {
		tx = tx.Where("status = ?", string(q.Status))
	}
	if q.Platform != "" {
		tx = tx.Where("platform = ?", q.Platform)
	}
	if q.Keyword != "" {
		like := "%" + strings.ToLower(q.Keyword) + "%"
		tx = tx.Where("(LOWER(title) LIKE ? OR LOWER(company) LIKE ?)", like, like)
	}
	if q.Start != nil {
		tx = tx.Where("applied_at >= ?", q.Start.UTC())
	}
	if q.End != nil {
		tx = tx.Where("applied_at <= ?", q.End.UTC())
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return Page{}, fmt.Errorf("count delivery records: %w", err)
	}

	var models []recordModel
	err := tx.Order("applied_at DESC").Order("id DESC").
		Offset((q.Page - 1) * q.Size).
		Limit(q.Size).
		Find(&models).Error
	if err != nil {
		return Page{}, fmt.Errorf("list delivery records: %w", err)
	}

	items := make([]Record, 0, len(models))
	for _, m := range models {
		items = append(items, m.toRecord())
	}
	return newPage(items, total, q), nil
}

func (s *GormStore) Statistics(ctx context.Context, account string, now time.Time) (Statistics, error) {
	tx := s.db.WithContext(ctx).Model(&recordModel{}).Select("status", "applied_at", "match_score")
	if account != "" {
		tx = tx.Where("account = ?", account)
	}

	var models []recordModel
	if err := tx.Find(&models).Error; err != nil {
		return Statistics{}, fmt.Errorf("load statistics: %w", err)
	}

	rows := make([]statRow, 0, len(models))
	for _, m := range models {
		rows = append(rows, statRow{Status: Status(m.Status), AppliedAt: m.AppliedAt, MatchScore: m.MatchScore})
	}
	return computeStatistics(rows, now), nil
}

func (s *GormStore) AttemptTimesSince(ctx context.Context, account string, since time.Time) ([]time.Time, error) {
	var models []recordModel
	err := s.db.WithContext(ctx).Model(&recordModel{}).
		Select("applied_at").
		Where("account = ? AND applied_at >= ?", account, since.UTC()).
		Order("applied_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("load attempt times: %w", err)
	}

	times := make([]time.Time, 0, len(models))
	for _, m := range models {
		times = append(times, m.AppliedAt.UTC())
	}
	return times, nil
}

func (s *GormStore) HasApplied(ctx context.Context, account, postingID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&recordModel{}).
		Where("account = ? AND posting_id = ? AND status <> ?", account, postingID, string(StatusFailed)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("look up delivery history: %w", err)
	}
	return count > 0, nil
}
