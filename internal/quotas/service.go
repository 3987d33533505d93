package quotas

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mutuo-backend/internal/config"
	"mutuo-backend/internal/domain"
	"mutuo-backend/internal/ledger"
	"mutuo-backend/internal/loans"
	"mutuo-backend/internal/pkg/apperrors"
	"mutuo-backend/internal/reserves"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service manages investment quotas: purchase, redemption subject to the
// vesting period, and dividend distribution out of the profit pool. Quota
// value is the capital the system owes its holders; purchases move member
// balance (or confirmed external cash) into that liability and redemptions
// reverse it.
type Service struct {
	DB      *gorm.DB
	Cfg     *config.Config
	Charger loans.ChargeInitiator
}

// Buy purchases quantity quotas at the configured unit price. With useBalance
// the debit, the quota rows and the APPROVED transaction commit together;
// otherwise a gateway charge is initiated and the rows are created only when
// the confirmation webhook lands.
func (s *Service) Buy(ctx context.Context, userID uuid.UUID, quantity int, useBalance bool) (*domain.Transaction, error) {
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be at least 1", apperrors.ErrValidation)
	}
	price := s.Cfg.QuotaPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(2)
	meta := domain.QuotaPurchaseMeta{Quantity: quantity, UnitPrice: s.Cfg.QuotaPrice}

	if !useBalance {
		chargeID, err := s.Charger.InitiateCharge(ctx, price, userID.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrGateway, err)
		}
		txn := domain.Transaction{
			UserID:      userID,
			Type:        domain.TxBuyQuota,
			Amount:      price,
			Status:      domain.TxPending,
			Description: fmt.Sprintf("purchase of %d quotas", quantity),
			ExternalID:  &chargeID,
			Metadata:    domain.EncodeMeta(meta),
		}
		if err := s.DB.WithContext(ctx).Create(&txn).Error; err != nil {
			return nil, err
		}
		return &txn, nil
	}

	var txn domain.Transaction
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ledger.DebitBalanceInTx(tx, userID, price); err != nil {
			return err
		}
		now := time.Now()
		txn = domain.Transaction{
			UserID:      userID,
			Type:        domain.TxBuyQuota,
			Amount:      price,
			Status:      domain.TxApproved,
			Description: fmt.Sprintf("purchase of %d quotas", quantity),
			Metadata:    domain.EncodeMeta(meta),
			ProcessedAt: &now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}
		return createQuotas(tx, userID, quantity, s.Cfg.QuotaPrice, now)
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID.String()).Int("quantity", quantity).Str("price", price.StringFixed(2)).Msg("quotas purchased")
	return &txn, nil
}

// ConfirmPurchase creates the quota rows for an externally-charged purchase
// after the gateway confirms. CAS approve keeps redelivery idempotent.
func (s *Service) ConfirmPurchase(ctx context.Context, txID uuid.UUID) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := ledger.CASApproveInTx(tx, txID)
		if err != nil {
			return err
		}
		var meta domain.QuotaPurchaseMeta
		if err := domain.DecodeMeta(txn.Metadata, &meta); err != nil {
			return fmt.Errorf("%w: quota purchase metadata: %v", apperrors.ErrValidation, err)
		}
		return createQuotas(tx, txn.UserID, meta.Quantity, meta.UnitPrice, time.Now())
	})
}

func createQuotas(tx *gorm.DB, userID uuid.UUID, quantity int, unitPrice decimal.Decimal, at time.Time) error {
	for i := 0; i < quantity; i++ {
		q := domain.Quota{
			UserID:        userID,
			PurchasePrice: unitPrice,
			CurrentValue:  unitPrice,
			Status:        domain.QuotaActive,
			PurchaseDate:  at,
		}
		if err := tx.Create(&q).Error; err != nil {
			return err
		}
	}
	return nil
}

// Sell redeems one ACTIVE quota. Inside the vesting period the early
// redemption penalty is withheld from the payout and retained in the profit
// pool. The status flip is a CAS, so a double sell loses cleanly.
func (s *Service) Sell(ctx context.Context, userID, quotaID uuid.UUID) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var quota domain.Quota
		if err := tx.Where("id = ? AND user_id = ?", quotaID, userID).First(&quota).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: quota %s", apperrors.ErrNotFound, quotaID)
			}
			return err
		}
		if quota.Status != domain.QuotaActive {
			return fmt.Errorf("%w: quota %s is %s", apperrors.ErrConflict, quotaID, quota.Status)
		}

		penalty := decimal.Zero
		vestedAt := quota.PurchaseDate.AddDate(0, 0, s.Cfg.VestingPeriodDays)
		if time.Now().Before(vestedAt) {
			penalty = quota.CurrentValue.Mul(s.Cfg.EarlyRedemptionPenalty).Round(2)
		}
		redemption := quota.CurrentValue.Sub(penalty)

		now := time.Now()
		res := tx.Model(&domain.Quota{}).
			Where("id = ? AND status = ?", quotaID, domain.QuotaActive).
			Updates(map[string]interface{}{"status": domain.QuotaSold, "sold_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: quota %s already sold", apperrors.ErrConflict, quotaID)
		}

		if err := ledger.CreditBalanceInTx(tx, userID, redemption); err != nil {
			return err
		}
		if penalty.IsPositive() {
			if err := reserves.Apply(tx, []reserves.PoolDelta{{Pool: domain.PoolProfit, Delta: penalty}}); err != nil {
				return err
			}
		}

		txn = domain.Transaction{
			UserID:      userID,
			Type:        domain.TxSellQuota,
			Amount:      redemption,
			Status:      domain.TxApproved,
			Description: "quota redemption",
			Metadata:    domain.EncodeMeta(domain.QuotaSaleMeta{QuotaID: quotaID, Penalty: penalty}),
			ProcessedAt: &now,
		}
		return tx.Create(&txn).Error
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// HolderShare is one member's slice of a dividend distribution.
type HolderShare struct {
	UserID uuid.UUID
	Value  decimal.Decimal
	Share  decimal.Decimal
}

// DistributeDividends pays amount out of the profit pool: the user share
// pro-rata across active quota value, the maintenance share to the
// operational reserve. The per-holder split sums exactly to the user share:
// holders are walked in id order, each rounded share is capped at what is
// still unallocated, and the last holder receives the remainder. The cap
// keeps every share non-negative even when the pot is a few cents.
func (s *Service) DistributeDividends(ctx context.Context, amount decimal.Decimal, actor string) ([]HolderShare, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: dividend amount must be positive", apperrors.ErrValidation)
	}

	var holders []HolderShare
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		type row struct {
			UserID uuid.UUID
			Value  decimal.Decimal
		}
		var rows []row
		if err := tx.Model(&domain.Quota{}).
			Select("user_id, SUM(current_value) AS value").
			Where("status = ?", domain.QuotaActive).
			Group("user_id").
			Order("user_id ASC").
			Scan(&rows).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("%w: no active quotas to distribute to", apperrors.ErrValidation)
		}

		totalValue := decimal.Zero
		for _, r := range rows {
			totalValue = totalValue.Add(r.Value)
		}

		userShare := amount.Mul(s.Cfg.DividendUserShare).Round(2)
		maintenance := amount.Sub(userShare)

		if err := reserves.Apply(tx, []reserves.PoolDelta{
			{Pool: domain.PoolProfit, Delta: amount.Neg()},
			{Pool: domain.PoolOperationalReserve, Delta: maintenance},
		}); err != nil {
			return err
		}

		allocated := decimal.Zero
		now := time.Now()
		for i, r := range rows {
			var share decimal.Decimal
			if i == len(rows)-1 {
				share = userShare.Sub(allocated)
			} else {
				share = userShare.Mul(r.Value).Div(totalValue).Round(2)
				if remaining := userShare.Sub(allocated); share.GreaterThan(remaining) {
					share = remaining
				}
				allocated = allocated.Add(share)
			}
			if share.IsPositive() {
				if err := ledger.CreditBalanceInTx(tx, r.UserID, share); err != nil {
					return err
				}
				txn := domain.Transaction{
					UserID:      r.UserID,
					Type:        domain.TxDividend,
					Amount:      share,
					Status:      domain.TxApproved,
					Description: "dividend distribution",
					ProcessedAt: &now,
				}
				if err := tx.Create(&txn).Error; err != nil {
					return err
				}
			}
			holders = append(holders, HolderShare{UserID: r.UserID, Value: r.Value, Share: share})
		}

		return tx.Create(&domain.AdminLog{
			Actor:  actor,
			Action: "DIVIDENDS_DISTRIBUTED",
			Before: domain.EncodeMeta(map[string]string{"amount": amount.StringFixed(2)}),
			After: domain.EncodeMeta(map[string]string{
				"user_share":  userShare.StringFixed(2),
				"maintenance": maintenance.StringFixed(2),
				"holders":     fmt.Sprintf("%d", len(rows)),
			}),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("amount", amount.StringFixed(2)).Int("holders", len(holders)).Str("actor", actor).Msg("dividends distributed")
	return holders, nil
}
