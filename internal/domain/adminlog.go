package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AdminLog is the append-only audit trail. Every manual override writes one
// of these in the same database transaction as the mutation it records.
type AdminLog struct {
	ID        uuid.UUID      `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	Actor     string         `gorm:"column:actor;not null" json:"actor"`
	Action    string         `gorm:"column:action;not null;index" json:"action"`
	Reason    string         `gorm:"column:reason" json:"reason"`
	Before    datatypes.JSON `gorm:"column:before;type:jsonb" json:"before"`
	After     datatypes.JSON `gorm:"column:after;type:jsonb" json:"after"`
	CreatedAt time.Time      `json:"created_at"`
}

func (AdminLog) TableName() string {
	return "admin_logs"
}

func (a *AdminLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
