package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"serum_rest/internal/domain"
)

// Storage persists the market catalog and the submission journal
type Storage struct {
	db *gorm.DB
}

// NewStorage opens (or creates) the SQLite database at path
func NewStorage(path string) (*Storage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create DB directory: %w", err)
		}
	}

	// Connect to SQLite (Pure Go)
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newStorage(db)
}

func newStorage(db *gorm.DB) (*Storage, error) {
	if err := db.AutoMigrate(&domain.MarketRecord{}, &domain.SubmissionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Storage) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ======================================================================================
// Market Operations
// ======================================================================================

// SaveMarket creates or updates a catalog entry, keeping its CreatedAt
func (s *Storage) SaveMarket(record *domain.MarketRecord) error {
	existing, err := s.GetMarket(record.Name)
	if err != nil {
		return err
	}
	if existing != nil {
		record.CreatedAt = existing.CreatedAt
	}
	return s.db.Save(record).Error
}

// GetMarket retrieves a catalog entry by name
func (s *Storage) GetMarket(name string) (*domain.MarketRecord, error) {
	var record domain.MarketRecord
	err := s.db.First(&record, "name = ?", name).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindAllMarkets retrieves the whole catalog ordered by name
func (s *Storage) FindAllMarkets() ([]domain.MarketRecord, error) {
	var records []domain.MarketRecord
	err := s.db.Order("name").Find(&records).Error
	return records, err
}

// ======================================================================================
// Submission Journal
// ======================================================================================

// RecordSubmission upserts the journal entry of a signature
func (s *Storage) RecordSubmission(record *domain.SubmissionRecord) error {
	return s.db.Save(record).Error
}

// GetSubmission retrieves a journal entry by signature
func (s *Storage) GetSubmission(signature string) (*domain.SubmissionRecord, error) {
	var record domain.SubmissionRecord
	err := s.db.First(&record, "signature = ?", signature).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// RecentSubmissions returns the latest limit entries, newest first
func (s *Storage) RecentSubmissions(limit int) ([]domain.SubmissionRecord, error) {
	var records []domain.SubmissionRecord
	err := s.db.Order("submitted_at desc").Limit(limit).Find(&records).Error
	return records, err
}

// PruneSubmissions deletes finished entries older than before
func (s *Storage) PruneSubmissions(before time.Time) (int64, error) {
	res := s.db.Where("finished_at IS NOT NULL AND finished_at < ?", before).Delete(&domain.SubmissionRecord{})
	return res.RowsAffected, res.Error
}
