package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	RoleMember = "MEMBER"
	RoleAdmin  = "ADMIN"
)

type User struct {
	ID         uuid.UUID       `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Name       string          `gorm:"column:name;not null" json:"name"`
	Balance    decimal.Decimal `gorm:"column:balance;type:decimal(18,2);not null;default:0" json:"balance"`
	Score      int             `gorm:"column:score;not null;default:0" json:"score"`
	Role       string          `gorm:"column:role;type:varchar(10);not null;default:'MEMBER'" json:"role"`
	ReferredBy *uuid.UUID      `gorm:"column:referred_by;type:uuid" json:"referred_by"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

func (User) TableName() string {
	return "users"
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}
