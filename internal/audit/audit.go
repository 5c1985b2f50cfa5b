// Package audit provides durable, queryable persistence for the
// reconciliation engine's action log, order/trade mirrors, and config
// history — backed by gorm with a sqlite or postgres driver selected at
// startup. This is supplementary record-keeping; the engine's own
// in-memory State Store remains authoritative for live decisions.
package audit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gridbot/internal/config"
	"gridbot/pkg/types"
)

// ActionLogEntry records every orchestrator-level mutation: start, stop,
// reset, config update, zone toggle, manual cancel.
type ActionLogEntry struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	Action    string    `gorm:"index"`
	Detail    string
	Confirmed bool
	CreatedAt time.Time
}

// OrderRecord mirrors a LiveOrder's lifecycle for historical query, keyed by
// the venue order ID once assigned.
type OrderRecord struct {
	ID           uint            `gorm:"primaryKey;autoIncrement"`
	LevelIndex   int             `gorm:"index"`
	ZoneID       int
	Side         string
	Price        decimal.Decimal `gorm:"type:decimal(24,8)"`
	Size         decimal.Decimal `gorm:"type:decimal(24,8)"`
	VenueOrderID string          `gorm:"index"`
	Status       string          `gorm:"index"`
	PlacedAt     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TradeRecord is written once a LiveOrder transitions to Filled.
type TradeRecord struct {
	ID         uint            `gorm:"primaryKey;autoIncrement"`
	LevelIndex int             `gorm:"index"`
	Side       string
	Price      decimal.Decimal `gorm:"type:decimal(24,8)"`
	Size       decimal.Decimal `gorm:"type:decimal(24,8)"`
	PnLDelta   decimal.Decimal `gorm:"type:decimal(24,8)"`
	FilledAt   time.Time       `gorm:"index"`
	CreatedAt  time.Time
}

// ConfigHistoryEntry captures every accepted GridConfig change, distinct
// from ActionLogEntry so config diffs can be queried and replayed without
// filtering the broader action log.
type ConfigHistoryEntry struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	ConfigJSON      string `gorm:"type:text"`
	RestartRequired bool
	CreatedAt       time.Time
}

// Store wraps the gorm connection and exposes write/query helpers used by
// the engine and orchestrator.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open connects using cfg.Driver ("sqlite" or "postgres") and auto-migrates
// every model.
func Open(cfg config.AuditConfig, logger *slog.Logger) (*Store, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	switch cfg.Driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(cfg.DSN), gormCfg)
	case "sqlite":
		if dir := filepath.Dir(cfg.DSN); dir != "." {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("create audit dir: %w", mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(cfg.DSN), gormCfg)
	default:
		return nil, fmt.Errorf("unsupported audit driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	if err := db.AutoMigrate(&ActionLogEntry{}, &OrderRecord{}, &TradeRecord{}, &ConfigHistoryEntry{}); err != nil {
		return nil, fmt.Errorf("migrate audit database: %w", err)
	}

	return &Store{db: db, logger: logger.With("component", "audit")}, nil
}

// LogAction appends an entry to the action log.
func (s *Store) LogAction(action, detail string, confirmed bool) error {
	return s.db.Create(&ActionLogEntry{Action: action, Detail: detail, Confirmed: confirmed}).Error
}

// RecordOrder upserts an order mirror row keyed by VenueOrderID.
func (s *Store) RecordOrder(o types.LiveOrder) error {
	rec := OrderRecord{
		LevelIndex:   o.LevelIndex,
		ZoneID:       o.ZoneID,
		Side:         string(o.Side),
		Price:        o.Price,
		Size:         o.Size,
		VenueOrderID: o.VenueOrderID,
		Status:       string(o.Status),
		PlacedAt:     o.PlacedAt,
	}
	if o.VenueOrderID == "" {
		return s.db.Create(&rec).Error
	}
	return s.db.Where(OrderRecord{VenueOrderID: o.VenueOrderID}).
		Assign(rec).
		FirstOrCreate(&OrderRecord{}).Error
}

// RecordTrade writes a fill event, grounded on the venue's reported price/size.
func (s *Store) RecordTrade(levelIndex int, side types.Side, price, size, pnlDelta decimal.Decimal, filledAt time.Time) error {
	return s.db.Create(&TradeRecord{
		LevelIndex: levelIndex,
		Side:       string(side),
		Price:      price,
		Size:       size,
		PnLDelta:   pnlDelta,
		FilledAt:   filledAt,
	}).Error
}

// RecordConfigChange writes a new config-history row.
func (s *Store) RecordConfigChange(configJSON string, restartRequired bool) error {
	return s.db.Create(&ConfigHistoryEntry{ConfigJSON: configJSON, RestartRequired: restartRequired}).Error
}

// RecentTrades returns the most recent trade records, newest first.
func (s *Store) RecentTrades(limit int) ([]TradeRecord, error) {
	var trades []TradeRecord
	err := s.db.Order("filled_at DESC").Limit(limit).Find(&trades).Error
	return trades, err
}

// RecentActions returns the most recent action-log entries, newest first.
func (s *Store) RecentActions(limit int) ([]ActionLogEntry, error) {
	var actions []ActionLogEntry
	err := s.db.Order("created_at DESC").Limit(limit).Find(&actions).Error
	return actions, err
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
