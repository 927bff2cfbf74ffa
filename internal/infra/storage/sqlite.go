package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ledger_go/internal/domain"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// MemoryDSN keeps the statement read model in process memory.
const MemoryDSN = ":memory:"

// StatementLine is one row of an account statement: a committed event with
// the running balance after it.
type StatementLine struct {
	EventID   string          `gorm:"primaryKey" json:"event_id"`
	AccountID string          `gorm:"uniqueIndex:idx_account_version" json:"account_id"`
	Version   uint64          `gorm:"uniqueIndex:idx_account_version" json:"version"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `gorm:"type:text" json:"amount"`
	Balance   decimal.Decimal `gorm:"type:text" json:"balance"`
	CreatedAt time.Time       `json:"timestamp"`
}

// Storage is a SQL-backed statement projection. It is a derived read model
// rebuilt from the event log, never the source of truth.
type Storage struct {
	db *gorm.DB
}

// NewStorage opens the statement store at dsn. MemoryDSN is the default.
func NewStorage(dsn string) (*Storage, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}

	if dsn != MemoryDSN && !strings.HasPrefix(dsn, "file:") {
		// Ensure directory exists
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Every pooled connection to :memory: would get its own empty database.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// Auto Migration
	if err := db.AutoMigrate(&StatementLine{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Storage{db: db}, nil
}

// Close releases the underlying connection.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Subscriber is the part of the subscription bus the statement needs.
type Subscriber interface {
	SubscribeAll(name string, listener domain.Listener)
}

// Register subscribes the statement projection to every event kind.
func (s *Storage) Register(sub Subscriber) {
	sub.SubscribeAll("statement", s.Apply)
}

// Apply appends ev to its account statement. An event that is not the next
// version of the stored statement is a consistency fault.
func (s *Storage) Apply(ev domain.Event) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var last StatementLine
		res := tx.Where("account_id = ?", ev.AccountID).Order("version desc").Limit(1).Find(&last)
		if res.Error != nil {
			return res.Error
		}

		prevVersion, prevBalance := uint64(0), decimal.Zero
		if res.RowsAffected > 0 {
			prevVersion, prevBalance = last.Version, last.Balance
		}
		if ev.Version != prevVersion+1 {
			return &domain.ConsistencyError{AccountID: ev.AccountID, Expected: prevVersion + 1, Got: ev.Version}
		}

		return tx.Create(&StatementLine{
			EventID:   ev.ID,
			AccountID: ev.AccountID,
			Version:   ev.Version,
			Kind:      ev.Kind.String(),
			Amount:    ev.Amount,
			Balance:   prevBalance.Add(ev.Signed()),
			CreatedAt: ev.Timestamp,
		}).Error
	})
}

// Statement returns the account statement ordered by version.
func (s *Storage) Statement(accountID string) ([]StatementLine, error) {
	var lines []StatementLine
	err := s.db.Where("account_id = ?", accountID).Order("version asc").Find(&lines).Error
	return lines, err
}

// Rebuild replaces the statement of accountID with a replay of its stream.
func (s *Storage) Rebuild(reader domain.StreamReader, accountID string) error {
	return reader.View(accountID, func(events []domain.Event) error {
		if err := s.db.Where("account_id = ?", accountID).Delete(&StatementLine{}).Error; err != nil {
			return err
		}
		for _, ev := range events {
			if err := s.Apply(ev); err != nil {
				return err
			}
		}
		return nil
	})
}
