package store

import (
	"fmt"
	"time"

	arb "github.com/ChoSanghyuk/arbengine"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// TradeOutcomeRecord is the database model for arb.TradeOutcome.
type TradeOutcomeRecord struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	TxHash      string    `gorm:"index;not null;type:varchar(80)"`
	Timestamp   time.Time `gorm:"index;not null"`
	BlockNumber uint64    `gorm:"not null"`
	PathLabel   string    `gorm:"type:varchar(200);not null"`
	InputAmount float64   `gorm:"not null"`
	GrossProfit float64   `gorm:"not null"`
	GasCost     float64   `gorm:"not null"`
	L1DataFee   float64   `gorm:"not null"`
	RevertCost  float64   `gorm:"not null"`
	Status      string    `gorm:"type:varchar(20);not null;index"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (TradeOutcomeRecord) TableName() string {
	return "trade_outcomes"
}

// MySQLMirror is an optional durable Mirror implementation using GORM and
// MySQL, adapted from the asset-snapshot recorder pattern: every appended
// journal entry is mirrored into a queryable table.
type MySQLMirror struct {
	db *gorm.DB
}

// NewMySQLMirror opens a MySQL connection and migrates the schema.
// dsn format: "user:password@tcp(host:port)/dbname?charset=utf8mb4&parseTime=True&loc=Local"
func NewMySQLMirror(dsn string) (*MySQLMirror, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("store: connect to mysql: %w", err)
	}
	return NewMySQLMirrorWithDB(db)
}

// NewMySQLMirrorWithDB wraps an existing GORM DB instance, migrating the
// schema.
func NewMySQLMirrorWithDB(db *gorm.DB) (*MySQLMirror, error) {
	if err := db.AutoMigrate(&TradeOutcomeRecord{}); err != nil {
		return nil, fmt.Errorf("store: migrate schema: %w", err)
	}
	return &MySQLMirror{db: db}, nil
}

// RecordOutcome implements Mirror.
func (m *MySQLMirror) RecordOutcome(outcome arb.TradeOutcome) error {
	record := TradeOutcomeRecord{
		TxHash:      outcome.TxHash,
		Timestamp:   outcome.Timestamp,
		BlockNumber: outcome.BlockNumber,
		PathLabel:   outcome.PathLabel,
		InputAmount: outcome.InputAmount,
		GrossProfit: outcome.GrossProfit,
		GasCost:     outcome.GasCost,
		L1DataFee:   outcome.L1DataFee,
		RevertCost:  outcome.RevertCost,
		Status:      string(outcome.Status),
	}

	if result := m.db.Create(&record); result.Error != nil {
		return fmt.Errorf("store: record outcome: %w", result.Error)
	}
	return nil
}

// CountOutcomes returns the total number of mirrored outcomes.
func (m *MySQLMirror) CountOutcomes() (int64, error) {
	var count int64
	if result := m.db.Model(&TradeOutcomeRecord{}).Count(&count); result.Error != nil {
		return 0, fmt.Errorf("store: count outcomes: %w", result.Error)
	}
	return count, nil
}

// Close closes the underlying database connection.
func (m *MySQLMirror) Close() error {
	sqlDB, err := m.db.DB()
	if err != nil {
		return fmt.Errorf("store: get underlying db: %w", err)
	}
	return sqlDB.Close()
}
