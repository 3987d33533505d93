package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mutuo-backend/internal/config"
	"mutuo-backend/internal/domain"
	"mutuo-backend/internal/pkg/apperrors"
	"mutuo-backend/internal/reserves"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service is the transaction journal and atomic balance-mutation primitive
// every other component builds on. A transaction is created PENDING with no
// side effects; exactly one confirmation (admin approval or gateway webhook)
// transitions it and applies its balance delta, all inside one database
// transaction. The transition is a compare-and-swap, so redelivered webhooks
// and duplicate admin clicks collapse into ErrConflict no-ops.
type Service struct {
	DB  *gorm.DB
	Cfg *config.Config
}

// Create records a PENDING transaction. No balance is mutated here.
func (s *Service) Create(ctx context.Context, userID uuid.UUID, txType string, amount decimal.Decimal, description string, meta interface{}, externalID *string) (*domain.Transaction, error) {
	if txType != domain.TxAdjustment && !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", apperrors.ErrValidation)
	}

	var user domain.User
	if err := s.DB.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %s", apperrors.ErrNotFound, userID)
		}
		return nil, err
	}

	txn := domain.Transaction{
		UserID:       userID,
		Type:         txType,
		Amount:       amount.Round(2),
		Status:       domain.TxPending,
		PayoutStatus: domain.PayoutNone,
		Description:  description,
		ExternalID:   externalID,
	}
	if meta != nil {
		txn.Metadata = domain.EncodeMeta(meta)
	}
	if err := s.DB.WithContext(ctx).Create(&txn).Error; err != nil {
		return nil, err
	}
	log.Info().Str("tx_id", txn.ID.String()).Str("type", txType).Str("amount", txn.Amount.StringFixed(2)).Msg("transaction created")
	return &txn, nil
}

// CASApproveInTx transitions id from PENDING to APPROVED with a conditional
// UPDATE and returns the loaded row. Zero rows affected on an existing record
// means the status was already terminal: ErrConflict, nothing mutated.
func CASApproveInTx(tx *gorm.DB, id uuid.UUID) (*domain.Transaction, error) {
	return casTransition(tx, id, domain.TxApproved)
}

// CASRejectInTx transitions id from PENDING to REJECTED. No balance delta.
func CASRejectInTx(tx *gorm.DB, id uuid.UUID) (*domain.Transaction, error) {
	return casTransition(tx, id, domain.TxRejected)
}

func casTransition(tx *gorm.DB, id uuid.UUID, to string) (*domain.Transaction, error) {
	now := time.Now()
	res := tx.Model(&domain.Transaction{}).
		Where("id = ? AND status = ?", id, domain.TxPending).
		Updates(map[string]interface{}{"status": to, "processed_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		var existing domain.Transaction
		if err := tx.Where("id = ?", id).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("%w: transaction %s", apperrors.ErrNotFound, id)
			}
			return nil, err
		}
		return &existing, fmt.Errorf("%w: transaction %s is %s", apperrors.ErrConflict, id, existing.Status)
	}

	var txn domain.Transaction
	if err := tx.Where("id = ?", id).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// Approve confirms a ledger-owned transaction: CAS transition, balance delta
// for its type and audit entry, committed or rolled back together. Composite
// types (loans, quotas) are confirmed through their owning services, which
// compose the same CAS primitive with their own effects.
func (s *Service) Approve(ctx context.Context, id uuid.UUID, actor string) (*domain.Transaction, error) {
	var approved *domain.Transaction
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := CASApproveInTx(tx, id)
		if err != nil {
			return err
		}
		if err := s.applyEffect(tx, txn); err != nil {
			return err
		}
		approved = txn
		return tx.Create(&domain.AdminLog{
			Actor:  actor,
			Action: "TX_APPROVED",
			Before: domain.EncodeMeta(map[string]string{"status": domain.TxPending}),
			After:  domain.EncodeMeta(map[string]string{"status": domain.TxApproved, "tx_id": id.String()}),
		}).Error
	})
	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			// Safe idempotence: surface the terminal row alongside the conflict.
			var existing domain.Transaction
			if ferr := s.DB.WithContext(ctx).Where("id = ?", id).First(&existing).Error; ferr == nil {
				return &existing, err
			}
		}
		return nil, err
	}
	log.Info().Str("tx_id", id.String()).Str("type", approved.Type).Str("actor", actor).Msg("transaction approved")
	return approved, nil
}

// Reject marks a PENDING transaction REJECTED. Same CAS pattern, no delta.
func (s *Service) Reject(ctx context.Context, id uuid.UUID, actor string) (*domain.Transaction, error) {
	var rejected *domain.Transaction
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := CASRejectInTx(tx, id)
		if err != nil {
			return err
		}
		rejected = txn
		return tx.Create(&domain.AdminLog{
			Actor:  actor,
			Action: "TX_REJECTED",
			Before: domain.EncodeMeta(map[string]string{"status": domain.TxPending}),
			After:  domain.EncodeMeta(map[string]string{"status": domain.TxRejected, "tx_id": id.String()}),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// applyEffect applies the balance and reserve delta for a ledger-owned type.
func (s *Service) applyEffect(tx *gorm.DB, txn *domain.Transaction) error {
	switch txn.Type {
	case domain.TxDeposit:
		return CreditBalanceInTx(tx, txn.UserID, txn.Amount)

	case domain.TxWithdrawal:
		var meta domain.WithdrawalMeta
		if err := domain.DecodeMeta(txn.Metadata, &meta); err != nil {
			return fmt.Errorf("%w: withdrawal metadata: %v", apperrors.ErrValidation, err)
		}
		if err := DebitBalanceInTx(tx, txn.UserID, txn.Amount); err != nil {
			return err
		}
		policy, err := reserves.FeeSplitPolicy(meta.SplitVersion)
		if err != nil {
			return err
		}
		deltas, err := policy.Allocate(meta.Fee)
		if err != nil {
			return err
		}
		if err := reserves.Apply(tx, deltas); err != nil {
			return err
		}
		// The net amount now awaits the outbound transfer.
		return tx.Model(&domain.Transaction{}).
			Where("id = ?", txn.ID).
			Update("payout_status", domain.PayoutPending).Error

	case domain.TxReferralBonus:
		if err := reserves.Apply(tx, []reserves.PoolDelta{{Pool: domain.PoolProfit, Delta: txn.Amount.Neg()}}); err != nil {
			return err
		}
		return CreditBalanceInTx(tx, txn.UserID, txn.Amount)

	case domain.TxAdjustment:
		var meta domain.AdjustmentMeta
		if err := domain.DecodeMeta(txn.Metadata, &meta); err != nil {
			return fmt.Errorf("%w: adjustment metadata: %v", apperrors.ErrValidation, err)
		}
		if meta.Reason == "" || meta.Actor == "" {
			return fmt.Errorf("%w: adjustment requires reason and actor", apperrors.ErrValidation)
		}
		if meta.Target == "balance" {
			if txn.Amount.IsNegative() {
				return DebitBalanceInTx(tx, txn.UserID, txn.Amount.Neg())
			}
			return CreditBalanceInTx(tx, txn.UserID, txn.Amount)
		}
		return reserves.Apply(tx, []reserves.PoolDelta{{Pool: meta.Target, Delta: txn.Amount}})
	}

	return fmt.Errorf("%w: type %s is confirmed by its owning service", apperrors.ErrValidation, txn.Type)
}

// ConfirmPayout marks an outbound transfer PAID after the gateway confirms
// it. CAS on payout_status keeps redelivered payout webhooks idempotent.
func (s *Service) ConfirmPayout(ctx context.Context, id uuid.UUID) error {
	res := s.DB.WithContext(ctx).Model(&domain.Transaction{}).
		Where("id = ? AND payout_status = ?", id, domain.PayoutPending).
		Update("payout_status", domain.PayoutPaid)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: payout for transaction %s", apperrors.ErrConflict, id)
	}
	return nil
}

// FindByExternalID resolves a gateway charge/payout id to its transaction.
func (s *Service) FindByExternalID(ctx context.Context, externalID string) (*domain.Transaction, error) {
	var txn domain.Transaction
	if err := s.DB.WithContext(ctx).Where("external_id = ?", externalID).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: external id %s", apperrors.ErrNotFound, externalID)
		}
		return nil, err
	}
	return &txn, nil
}

// ListStuckPayouts returns approved withdrawals whose outbound transfer was
// never handed to the gateway: the member is already debited, the payout id
// is still empty. These are the rows the admin retry surface re-initiates.
func (s *Service) ListStuckPayouts(ctx context.Context) ([]domain.Transaction, error) {
	var txns []domain.Transaction
	if err := s.DB.WithContext(ctx).
		Where("type = ? AND status = ? AND payout_status = ? AND external_id IS NULL",
			domain.TxWithdrawal, domain.TxApproved, domain.PayoutPending).
		Order("created_at ASC").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

// ListPending returns the admin-visible queue, optionally filtered by type.
func (s *Service) ListPending(ctx context.Context, txType string) ([]domain.Transaction, error) {
	q := s.DB.WithContext(ctx).Where("status = ?", domain.TxPending)
	if txType != "" {
		q = q.Where("type = ?", txType)
	}
	var txns []domain.Transaction
	if err := q.Order("created_at ASC").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

// CreditBalanceInTx adds amount to a member balance with a conditional UPDATE.
func CreditBalanceInTx(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal) error {
	res := tx.Model(&domain.User{}).
		Where("id = ?", userID).
		Update("balance", gorm.Expr("balance + ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: user %s", apperrors.ErrNotFound, userID)
	}
	return nil
}

// DebitBalanceInTx subtracts amount from a member balance. The balance guard
// lives in the WHERE clause: zero rows affected on an existing user means
// insufficient funds and nothing was written.
func DebitBalanceInTx(tx *gorm.DB, userID uuid.UUID, amount decimal.Decimal) error {
	res := tx.Model(&domain.User{}).
		Where("id = ? AND balance >= ?", userID, amount).
		Update("balance", gorm.Expr("balance - ?", amount))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var user domain.User
		if err := tx.Where("id = ?", userID).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: user %s", apperrors.ErrNotFound, userID)
			}
			return err
		}
		return fmt.Errorf("%w: balance %s, debit %s", apperrors.ErrInsufficientFunds, user.Balance.StringFixed(2), amount.StringFixed(2))
	}
	return nil
}
