package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spigell/delivery-engine/internal/config"
)

// ConfigStore persists per-account configuration.
type ConfigStore interface {
	Load(ctx context.Context, account string) (config.Delivery, bool, error)
	Save(ctx context.Context, account string, cfg config.Delivery) error
}

type configModel struct {
	Account   string    `gorm:"column:account;primaryKey;size:64"`
	Payload   string    `gorm:"column:payload;type:text"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (configModel) TableName() string { return "delivery_configs" }

// GormConfigStore keeps configurations as JSON documents.
type GormConfigStore struct {
	db *gorm.DB
}

func NewGormConfigStore(db *gorm.DB) (*GormConfigStore, error) {
	if err := db.AutoMigrate(&configModel{}); err != nil {
		return nil, fmt.Errorf("migrate delivery configs: %w", err)
	}
	return &GormConfigStore{db: db}, nil
}

func (s *GormConfigStore) Load(ctx context.Context, account string) (config.Delivery, bool, error) {
	var m configModel
	if err := s.db.WithContext(ctx).First(&m, "account = ?", account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return config.Delivery{}, false, nil
		}
		return config.Delivery{}, false, err
	}

	var cfg config.Delivery
	if err := json.Unmarshal([]byte(m.Payload), &cfg); err != nil {
		return config.Delivery{}, false, fmt.Errorf("decode configuration: %w", err)
	}
	return cfg, true, nil
}

func (s *GormConfigStore) Save(ctx context.Context, account string, cfg config.Delivery) error {
	payload, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode configuration: %w", err)
	}

	m := configModel{Account: account, Payload: string(payload), UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account"}},
		DoUpdates: clause.AssignmentColumns([]string{"payload", "updated_at"}),
	}).Create(&m).Error
}
