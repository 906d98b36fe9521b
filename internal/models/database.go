package models

import (
	"time"

	"gorm.io/gorm"
)

// BaseModel provides common fields for all database models
type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

// SecureRecord is one value of the secure record store, scoped by account.
// Rows are hard-deleted so the (account, key) pair can be written again.
type SecureRecord struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	Account   string    `json:"account" gorm:"not null;size:255;uniqueIndex:idx_secure_record_account_key"`
	Key       string    `json:"key" gorm:"not null;size:255;uniqueIndex:idx_secure_record_account_key"`
	Value     []byte    `json:"-" gorm:"not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// TableName 指定表名
func (SecureRecord) TableName() string {
	return "secure_record"
}
