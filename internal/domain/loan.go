package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Loan statuses.
const (
	LoanPending        = "PENDING"
	LoanApproved       = "APPROVED"
	LoanPaymentPending = "PAYMENT_PENDING"
	LoanPaid           = "PAID"
	LoanRejected       = "REJECTED"
	LoanDefaulted      = "DEFAULTED"
)

// Installment statuses.
const (
	InstallmentPending = "PENDING"
	InstallmentPaid    = "PAID"
)

type Loan struct {
	ID              uuid.UUID       `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID          uuid.UUID       `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	Amount          decimal.Decimal `gorm:"column:amount;type:decimal(18,2);not null" json:"amount"`
	InterestRate    decimal.Decimal `gorm:"column:interest_rate;type:decimal(8,4);not null" json:"interest_rate"`
	TotalRepayment  decimal.Decimal `gorm:"column:total_repayment;type:decimal(18,2);not null" json:"total_repayment"`
	Installments    int             `gorm:"column:installments;not null" json:"installments"`
	Status          string          `gorm:"column:status;type:varchar(20);not null;default:'PENDING';index" json:"status"`
	DueDate         *time.Time      `gorm:"column:due_date" json:"due_date"`
	PixKeyToReceive string          `gorm:"column:pix_key_to_receive" json:"pix_key_to_receive"`
	PenaltyApplied  bool            `gorm:"column:penalty_applied;not null;default:false" json:"penalty_applied"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func (Loan) TableName() string {
	return "loans"
}

func (l *Loan) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}

type LoanInstallment struct {
	ID        uuid.UUID       `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	LoanID    uuid.UUID       `gorm:"column:loan_id;type:uuid;not null;index" json:"loan_id"`
	Number    int             `gorm:"column:number;not null" json:"number"`
	Amount    decimal.Decimal `gorm:"column:amount;type:decimal(18,2);not null" json:"amount"`
	DueDate   time.Time       `gorm:"column:due_date;not null" json:"due_date"`
	Status    string          `gorm:"column:status;type:varchar(10);not null;default:'PENDING'" json:"status"`
	PaidAt    *time.Time      `gorm:"column:paid_at" json:"paid_at"`
	CreatedAt time.Time       `json:"created_at"`
}

func (LoanInstallment) TableName() string {
	return "loan_installments"
}

func (i *LoanInstallment) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}
