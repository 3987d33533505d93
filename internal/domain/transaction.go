package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Transaction types.
const (
	TxDeposit       = "DEPOSIT"
	TxWithdrawal    = "WITHDRAWAL"
	TxBuyQuota      = "BUY_QUOTA"
	TxSellQuota     = "SELL_QUOTA"
	TxLoanReceived  = "LOAN_RECEIVED"
	TxLoanPayment   = "LOAN_PAYMENT"
	TxReferralBonus = "REFERRAL_BONUS"
	TxDividend      = "DIVIDEND"
	TxAdjustment    = "ADJUSTMENT"
)

// Transaction statuses. PENDING is the only non-terminal state.
const (
	TxPending  = "PENDING"
	TxApproved = "APPROVED"
	TxRejected = "REJECTED"
)

// Payout statuses for outbound transfers.
const (
	PayoutNone    = "NONE"
	PayoutPending = "PENDING_PAYMENT"
	PayoutPaid    = "PAID"
)

type Transaction struct {
	ID           uuid.UUID       `gorm:"column:id;type:uuid;primaryKey" json:"id"`
	UserID       uuid.UUID       `gorm:"column:user_id;type:uuid;not null;index" json:"user_id"`
	Type         string          `gorm:"column:type;type:varchar(20);not null;index" json:"type"`
	Amount       decimal.Decimal `gorm:"column:amount;type:decimal(18,2);not null" json:"amount"`
	Status       string          `gorm:"column:status;type:varchar(10);not null;default:'PENDING';index" json:"status"`
	PayoutStatus string          `gorm:"column:payout_status;type:varchar(20);not null;default:'NONE'" json:"payout_status"`
	Description  string          `gorm:"column:description" json:"description"`
	ExternalID   *string         `gorm:"column:external_id;uniqueIndex" json:"external_id"`
	Metadata     datatypes.JSON  `gorm:"column:metadata;type:jsonb" json:"metadata"`
	CreatedAt    time.Time       `json:"created_at"`
	ProcessedAt  *time.Time      `gorm:"column:processed_at" json:"processed_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// Per-type metadata payloads. One struct per transaction type keeps the stored
// shape and the business logic from drifting apart.

type WithdrawalMeta struct {
	Fee          decimal.Decimal `json:"fee"`
	Net          decimal.Decimal `json:"net"`
	PixKey       string          `json:"pix_key"`
	SplitVersion string          `json:"split_version"`
}

type QuotaPurchaseMeta struct {
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type QuotaSaleMeta struct {
	QuotaID uuid.UUID       `json:"quota_id"`
	Penalty decimal.Decimal `json:"penalty"`
}

type LoanMeta struct {
	LoanID        uuid.UUID       `json:"loan_id"`
	InstallmentID *uuid.UUID      `json:"installment_id,omitempty"`
	Principal     decimal.Decimal `json:"principal"`
	Interest      decimal.Decimal `json:"interest"`
}

type AdjustmentMeta struct {
	Target string `json:"target"` // "balance" or a reserve pool column name
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

// EncodeMeta serializes a typed metadata payload for storage.
func EncodeMeta(v interface{}) datatypes.JSON {
	b, _ := json.Marshal(v)
	return datatypes.JSON(b)
}

// DecodeMeta deserializes transaction metadata into the given typed payload.
func DecodeMeta(raw datatypes.JSON, v interface{}) error {
	return json.Unmarshal(raw, v)
}
