package models

import (
	"time"
)

// Transaction 支付队列交易表
// 存储沙盒支付队列中的所有交易，直到被 finish
type Transaction struct {
	BaseModel

	// 交易标识
	TransactionID         string `json:"transaction_id" gorm:"not null;size:36;uniqueIndex"` // 交易ID (UUID)
	OriginalTransactionID string `json:"original_transaction_id" gorm:"size:36;index"`       // 原始交易ID（恢复时指向首次购买）

	// 产品信息
	ProductID string  `json:"product_id" gorm:"not null;size:100;index"`
	Price     float64 `json:"price"`
	Currency  string  `json:"currency" gorm:"size:3"`

	// 状态: purchasing, purchased, failed, restored, deferred
	State         string `json:"state" gorm:"not null;size:20;index"`
	FailureReason string `json:"failure_reason,omitempty" gorm:"size:255"`
	Finished      bool   `json:"finished" gorm:"default:false;index"`

	// 时间
	PurchasedAt time.Time  `json:"purchased_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// TableName 指定表名
func (Transaction) TableName() string {
	return "transactions"
}
