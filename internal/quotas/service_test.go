package quotas

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mutuo-backend/internal/config"
	"mutuo-backend/internal/domain"
	"mutuo-backend/internal/pkg/apperrors"
	"mutuo-backend/internal/reserves"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeCharger struct {
	calls int
	fail  bool
}

func (f *fakeCharger) InitiateCharge(ctx context.Context, amount decimal.Decimal, payer string) (string, error) {
	f.calls++
	if f.fail {
		return "", fmt.Errorf("provider unreachable")
	}
	return fmt.Sprintf("ch_test_%d", f.calls), nil
}

func setupQuotasTest(t *testing.T) (*Service, *gorm.DB, *fakeCharger) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.User{}, &domain.Transaction{}, &domain.Quota{},
		&domain.ReservePools{}, &domain.AdminLog{},
	))
	require.NoError(t, db.Create(&domain.ReservePools{ID: 1}).Error)

	cfg := &config.Config{
		QuotaPrice:             decimal.NewFromInt(50),
		VestingPeriodDays:      90,
		EarlyRedemptionPenalty: decimal.NewFromFloat(0.05),
		DividendUserShare:      decimal.NewFromFloat(0.70),
	}
	charger := &fakeCharger{}
	return &Service{DB: db, Cfg: cfg, Charger: charger}, db, charger
}

func createHolder(t *testing.T, db *gorm.DB, balance decimal.Decimal) uuid.UUID {
	user := domain.User{Name: "holder", Balance: balance}
	require.NoError(t, db.Create(&user).Error)
	return user.ID
}

func holderBalance(t *testing.T, db *gorm.DB, id uuid.UUID) decimal.Decimal {
	var user domain.User
	require.NoError(t, db.Where("id = ?", id).First(&user).Error)
	return user.Balance
}

func activeQuotas(t *testing.T, db *gorm.DB, userID uuid.UUID) []domain.Quota {
	var out []domain.Quota
	require.NoError(t, db.Where("user_id = ? AND status = ?", userID, domain.QuotaActive).Find(&out).Error)
	return out
}

func TestBuy_FromBalance(t *testing.T) {
	svc, db, _ := setupQuotasTest(t)
	userID := createHolder(t, db, decimal.NewFromInt(200))

	txn, err := svc.Buy(context.Background(), userID, 3, true)
	require.NoError(t, err)

	assert.Equal(t, domain.TxApproved, txn.Status)
	assert.True(t, txn.Amount.Equal(decimal.NewFromInt(150)))
	assert.True(t, holderBalance(t, db, userID).Equal(decimal.NewFromInt(50)))

	quotas := activeQuotas(t, db, userID)
	require.Len(t, quotas, 3)
	for _, q := range quotas {
		assert.True(t, q.PurchasePrice.Equal(decimal.NewFromInt(50)))
		assert.True(t, q.CurrentValue.Equal(decimal.NewFromInt(50)))
	}
}

func TestBuy_InsufficientBalance(t *testing.T) {
	svc, db, _ := setupQuotasTest(t)
	userID := createHolder(t, db, decimal.NewFromInt(100))

	_, err := svc.Buy(context.Background(), userID, 3, true)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	assert.Empty(t, activeQuotas(t, db, userID))
	assert.True(t, holderBalance(t, db, userID).Equal(decimal.NewFromInt(100)))
}

func TestBuy_InvalidQuantity(t *testing.T) {
	svc, db, _ := setupQuotasTest(t)
	userID := createHolder(t, db, decimal.NewFromInt(100))

	_, err := svc.Buy(context.Background(), userID, 0, true)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestBuy_ExternalChargeThenConfirm(t *testing.T) {
	svc, db, charger := setupQuotasTest(t)
	userID := createHolder(t, db, decimal.Zero)

	txn, err := svc.Buy(context.Background(), userID, 2, false)
	require.NoError(t, err)

	assert.Equal(t, 1, charger.calls)
	assert.Equal(t, domain.TxPending, txn.Status)
	require.NotNil(t, txn.ExternalID)
	assert.Empty(t, activeQuotas(t, db, userID), "no quotas until the charge confirms")

	require.NoError(t, svc.ConfirmPurchase(context.Background(), txn.ID))
	assert.Len(t, activeQuotas(t, db, userID), 2)

	// Redelivered confirmation must not mint more quotas.
	err = svc.ConfirmPurchase(context.Background(), txn.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Len(t, activeQuotas(t, db, userID), 2)
}

func TestSell_InsideVestingWithholdsPenalty(t *testing.T) {
	svc, db, _ := setupQuotasTest(t)
	userID := createHolder(t, db, decimal.NewFromInt(50))

	_, err := svc.Buy(context.Background(), userID, 1, true)
	require.NoError(t, err)
	quota := activeQuotas(t, db, userID)[0]

	txn, err := svc.Sell(context.Background(), userID, quota.ID)
	require.NoError(t, err)

	// 5% of 50 is withheld; 47.50 comes back.
	assert.True(t, txn.Amount.Equal(decimal.NewFromFloat(47.50)), "got %s", txn.Amount)
	assert.True(t, holderBalance(t, db, userID).Equal(decimal.NewFromFloat(47.50)))

	pools, err := reserves.Load(db)
	require.NoError(t, err)
	assert.True(t, pools.ProfitPool.Equal(decimal.NewFromFloat(2.50)))

	var reloaded domain.Quota
	require.NoError(t, db.Where("id = ?", quota.ID).First(&reloaded).Error)
	assert.Equal(t, domain.QuotaSold, reloaded.Status)
	assert.NotNil(t, reloaded.SoldAt)
}

func TestSell_AfterVestingNoPenalty(t *testing.T) {
	svc, db, _ := setupQuotasTest(t)
	userID := createHolder(t, db, decimal.NewFromInt(50))

	_, err := svc.Buy(context.Background(), userID, 1, true)
	require.NoError(t, err)
	quota := activeQuotas(t, db, userID)[0]

	vested := time.Now().AddDate(0, 0, -(svc.Cfg.VestingPeriodDays + 1))
	require.NoError(t, db.Model(&domain.Quota{}).Where("id = ?", quota.ID).Update("purchase_date", vested).Error)

	txn, err := svc.Sell(context.Background(), userID, quota.ID)
	require.NoError(t, err)
	assert.True(t, txn.Amount.Equal(decimal.NewFromInt(50)))
	assert.True(t, holderBalance(t, db, userID).Equal(decimal.NewFromInt(50)))
}

func TestSell_Twice(t *testing.T) {
	svc, db, _ := setupQuotasTest(t)
	userID := createHolder(t, db, decimal.NewFromInt(50))

	_, err := svc.Buy(context.Background(), userID, 1, true)
	require.NoError(t, err)
	quota := activeQuotas(t, db, userID)[0]

	_, err = svc.Sell(context.Background(), userID, quota.ID)
	require.NoError(t, err)

	_, err = svc.Sell(context.Background(), userID, quota.ID)
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestSell_NotOwner(t *testing.T) {
	svc, db, _ := setupQuotasTest(t)
	owner := createHolder(t, db, decimal.NewFromInt(50))
	other := createHolder(t, db, decimal.Zero)

	_, err := svc.Buy(context.Background(), owner, 1, true)
	require.NoError(t, err)
	quota := activeQuotas(t, db, owner)[0]

	_, err = svc.Sell(context.Background(), other, quota.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDistributeDividends_ProRata(t *testing.T) {
	svc, db, _ := setupQuotasTest(t)
	alice := createHolder(t, db, decimal.NewFromInt(100))
	bob := createHolder(t, db, decimal.NewFromInt(50))

	_, err := svc.Buy(context.Background(), alice, 2, true)
	require.NoError(t, err)
	_, err = svc.Buy(context.Background(), bob, 1, true)
	require.NoError(t, err)

	require.NoError(t, reserves.Apply(db, []reserves.PoolDelta{
		{Pool: domain.PoolProfit, Delta: decimal.NewFromInt(100)},
	}))

	shares, err := svc.DistributeDividends(context.Background(), decimal.NewFromInt(30), "admin-1")
	require.NoError(t, err)
	require.Len(t, shares, 2)

	// User share is 70% of 30 = 21.00, split 2:1 across quota value.
	total := decimal.Zero
	for _, s := range shares {
		total = total.Add(s.Share)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(21)), "shares sum exactly to the user share")

	pools, err := reserves.Load(db)
	require.NoError(t, err)
	assert.True(t, pools.ProfitPool.Equal(decimal.NewFromInt(70)), "got %s", pools.ProfitPool)
	assert.True(t, pools.OperationalReserve.Equal(decimal.NewFromInt(9)), "maintenance share retained")

	var txns []domain.Transaction
	require.NoError(t, db.Where("type = ?", domain.TxDividend).Find(&txns).Error)
	assert.Len(t, txns, 2)
}

func TestDistributeDividends_TinyPotNoNegativeShare(t *testing.T) {
	svc, db, _ := setupQuotasTest(t)

	// Fixed ids pin the iteration order so the smallest holder comes last.
	values := []int64{150, 150, 150, 50}
	ids := make([]uuid.UUID, len(values))
	for i, v := range values {
		id := uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-00000000000%d", i+1))
		require.NoError(t, db.Create(&domain.User{ID: id, Name: "holder"}).Error)
		require.NoError(t, db.Create(&domain.Quota{
			UserID:        id,
			PurchasePrice: decimal.NewFromInt(v),
			CurrentValue:  decimal.NewFromInt(v),
			Status:        domain.QuotaActive,
			PurchaseDate:  time.Now(),
		}).Error)
		ids[i] = id
	}
	require.NoError(t, reserves.Apply(db, []reserves.PoolDelta{
		{Pool: domain.PoolProfit, Delta: decimal.NewFromInt(1)},
	}))

	shares, err := svc.DistributeDividends(context.Background(), decimal.NewFromFloat(0.03), "admin-1")
	require.NoError(t, err)
	require.Len(t, shares, 4)

	total := decimal.Zero
	for _, s := range shares {
		assert.False(t, s.Share.IsNegative(), "share %s for holder %s", s.Share, s.UserID)
		total = total.Add(s.Share)
	}
	// 70% of 0.03 rounds to 0.02; both cents land on the first holders.
	assert.True(t, total.Equal(decimal.NewFromFloat(0.02)), "got %s", total)
	assert.True(t, holderBalance(t, db, ids[3]).IsZero(), "last holder is never debited")

	var txns []domain.Transaction
	require.NoError(t, db.Where("type = ?", domain.TxDividend).Find(&txns).Error)
	assert.Len(t, txns, 2, "zero shares record no transaction")
	for _, txn := range txns {
		assert.True(t, txn.Amount.IsPositive())
	}
}

func TestDistributeDividends_InsufficientProfit(t *testing.T) {
	svc, db, _ := setupQuotasTest(t)
	userID := createHolder(t, db, decimal.NewFromInt(50))
	_, err := svc.Buy(context.Background(), userID, 1, true)
	require.NoError(t, err)

	_, err = svc.DistributeDividends(context.Background(), decimal.NewFromInt(30), "admin-1")
	assert.ErrorIs(t, err, apperrors.ErrInvariantViolation)

	// Nothing was credited.
	assert.True(t, holderBalance(t, db, userID).IsZero())
}

func TestDistributeDividends_NoHolders(t *testing.T) {
	svc, db, _ := setupQuotasTest(t)
	require.NoError(t, reserves.Apply(db, []reserves.PoolDelta{
		{Pool: domain.PoolProfit, Delta: decimal.NewFromInt(100)},
	}))

	_, err := svc.DistributeDividends(context.Background(), decimal.NewFromInt(30), "admin-1")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}
