package securestore

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"iap-helper/internal/models"
)

// GormStore persists records in the secure_record table.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, account, key string) ([]byte, error) {
	var record models.SecureRecord
	err := s.db.WithContext(ctx).
		Where(recordFilter(account, key)).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secure record: %w", err)
	}
	return record.Value, nil
}

// Set replaces any existing value inside one transaction.
func (s *GormStore) Set(ctx context.Context, account, key string, value []byte) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := deleteRecord(tx, account, key); err != nil {
			return err
		}
		return tx.Create(&models.SecureRecord{Account: account, Key: key, Value: value}).Error
	})
	if err != nil {
		return fmt.Errorf("failed to write secure record: %w", err)
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, account, key string) error {
	if err := deleteRecord(s.db.WithContext(ctx), account, key); err != nil {
		return fmt.Errorf("failed to delete secure record: %w", err)
	}
	return nil
}

func deleteRecord(db *gorm.DB, account, key string) error {
	return db.Where(recordFilter(account, key)).Delete(&models.SecureRecord{}).Error
}

// recordFilter matches one record. Map conditions keep zero values, so an
// empty account never widens the match, and the key column stays quoted.
func recordFilter(account, key string) map[string]interface{} {
	return map[string]interface{}{"account": account, "key": key}
}
