package reserves

import (
	"context"
	"fmt"
	"time"

	"mutuo-backend/internal/domain"
	"mutuo-backend/internal/pkg/apperrors"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service owns the singleton reserve row. All writes go through Apply, a
// single conditional UPDATE, so two operations touching the reserves
// serialize through the database.
type Service struct {
	DB *gorm.DB
}

// Load reads the singleton reserve row inside tx.
func Load(tx *gorm.DB) (*domain.ReservePools, error) {
	var pools domain.ReservePools
	if err := tx.Where("id = ?", 1).First(&pools).Error; err != nil {
		return nil, err
	}
	return &pools, nil
}

// Apply persists a set of pool deltas as one UPDATE. Debits carry a
// "pool >= debit" guard in the WHERE clause; zero rows affected means a pool
// would have gone negative and nothing was written.
func Apply(tx *gorm.DB, deltas []PoolDelta) error {
	if len(deltas) == 0 {
		return nil
	}

	updates := map[string]interface{}{"updated_at": time.Now()}
	query := tx.Model(&domain.ReservePools{}).Where("id = ?", 1)
	for _, d := range deltas {
		if d.Delta.IsZero() {
			continue
		}
		if _, ok := updates[d.Pool]; ok {
			return fmt.Errorf("%w: duplicate pool %s in delta set", apperrors.ErrValidation, d.Pool)
		}
		updates[d.Pool] = gorm.Expr(d.Pool+" + ?", d.Delta)
		if d.Delta.IsNegative() {
			query = query.Where(d.Pool+" >= ?", d.Delta.Neg())
		}
	}
	if len(updates) == 1 {
		return nil
	}

	res := query.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: reserve pool would go negative", apperrors.ErrInvariantViolation)
	}
	return nil
}

// ForceAdjust applies a signed delta to one named pool as a first-class
// ADJUSTMENT transaction. Reason and actor are mandatory; the admin log entry
// and the mutation commit together.
func (s *Service) ForceAdjust(ctx context.Context, pool string, delta decimal.Decimal, reason string, actor uuid.UUID) (*domain.Transaction, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: adjustment reason is required", apperrors.ErrValidation)
	}
	if actor == uuid.Nil {
		return nil, fmt.Errorf("%w: adjustment actor is required", apperrors.ErrValidation)
	}

	var txn domain.Transaction
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := Load(tx)
		if err != nil {
			return err
		}
		if _, err := before.Get(pool); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrValidation, err)
		}

		if err := Apply(tx, []PoolDelta{{Pool: pool, Delta: delta}}); err != nil {
			return err
		}
		after, err := Load(tx)
		if err != nil {
			return err
		}

		now := time.Now()
		txn = domain.Transaction{
			UserID:      actor,
			Type:        domain.TxAdjustment,
			Amount:      delta.Round(2),
			Status:      domain.TxApproved,
			Description: reason,
			Metadata: domain.EncodeMeta(domain.AdjustmentMeta{
				Target: pool,
				Reason: reason,
				Actor:  actor.String(),
			}),
			ProcessedAt: &now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}

		return tx.Create(&domain.AdminLog{
			Actor:  actor.String(),
			Action: "FORCE_ADJUST",
			Reason: reason,
			Before: domain.EncodeMeta(before),
			After:  domain.EncodeMeta(after),
		}).Error
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("pool", pool).
		Str("delta", delta.StringFixed(2)).
		Str("actor", actor.String()).
		Msg("reserve pool force-adjusted")
	return &txn, nil
}
