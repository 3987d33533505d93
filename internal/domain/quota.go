package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Quota statuses.
const (
	QuotaActive = "ACTIVE"
	QuotaSold   = "SOLD"
)

// Quota is one unit of pooled investment capital held by a member.
type Quota struct {
	ID            uuid.UUID       `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID        uuid.UUID       `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	PurchasePrice decimal.Decimal `gorm:"column:purchase_price;type:decimal(18,2);not null" json:"purchase_price"`
	CurrentValue  decimal.Decimal `gorm:"column:current_value;type:decimal(18,2);not null" json:"current_value"`
	Status        string          `gorm:"column:status;type:varchar(10);not null;default:'ACTIVE';index" json:"status"`
	PurchaseDate  time.Time       `gorm:"column:purchase_date;not null" json:"purchase_date"`
	SoldAt        *time.Time      `gorm:"column:sold_at" json:"sold_at"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (Quota) TableName() string {
	return "quotas"
}

func (q *Quota) BeforeCreate(tx *gorm.DB) error {
	if q.ID == uuid.Nil {
		q.ID = uuid.New()
	}
	return nil
}
