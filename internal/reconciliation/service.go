package reconciliation

import (
	"context"
	"encoding/json"
	"time"

	"mutuo-backend/internal/config"
	"mutuo-backend/internal/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const alertKey = "reconciliation:alerts"
const alertKeep = 100

// Snapshot is a read-only aggregate of everything the conservation invariant
// touches. Lifetime external cash counts APPROVED deposits plus
// gateway-confirmed inbound charges (externally paid loan installments and
// quota purchases), minus the net amounts of APPROVED withdrawals.
type Snapshot struct {
	TakenAt          time.Time                  `json:"taken_at"`
	UserBalances     decimal.Decimal            `json:"user_balances"`
	ReserveTotal     decimal.Decimal            `json:"reserve_total"`
	Pools            map[string]decimal.Decimal `json:"pools"`
	ActiveQuotaValue decimal.Decimal            `json:"active_quota_value"`
	LoanOutstanding  decimal.Decimal            `json:"loan_outstanding"`
	TotalDeposits    decimal.Decimal            `json:"total_deposits"`
	TotalWithdrawals decimal.Decimal            `json:"total_withdrawals"`
}

// Result is the invariant verdict. Drift beyond epsilon means Inconsistent,
// with the full breakdown kept for operator diagnosis.
type Result struct {
	OK       bool            `json:"ok"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
	Drift    decimal.Decimal `json:"drift"`
	Snapshot Snapshot        `json:"snapshot"`
}

// Service verifies global conservation. It never mutates ledger state:
// correction is a deliberate, logged ADJUSTMENT through the reserves service.
type Service struct {
	DB  *gorm.DB
	Cfg *config.Config
	Rdb *redis.Client
}

// ComputeSnapshot aggregates balances, reserves, quota liability, loan
// exposure and lifetime external cash in one read pass.
func (s *Service) ComputeSnapshot(ctx context.Context) (*Snapshot, error) {
	db := s.DB.WithContext(ctx)
	snap := Snapshot{TakenAt: time.Now(), Pools: map[string]decimal.Decimal{}}

	if err := sumInto(db.Model(&domain.User{}), "COALESCE(SUM(balance), 0)", &snap.UserBalances); err != nil {
		return nil, err
	}

	var pools domain.ReservePools
	if err := db.Where("id = ?", 1).First(&pools).Error; err != nil {
		return nil, err
	}
	for _, name := range domain.PoolNames {
		v, _ := pools.Get(name)
		snap.Pools[name] = v
	}
	snap.ReserveTotal = pools.Total()

	if err := sumInto(
		db.Model(&domain.Quota{}).Where("status = ?", domain.QuotaActive),
		"COALESCE(SUM(current_value), 0)", &snap.ActiveQuotaValue,
	); err != nil {
		return nil, err
	}

	if err := sumInto(
		db.Model(&domain.Loan{}).Where("status IN ?", []string{domain.LoanApproved, domain.LoanPaymentPending}),
		"COALESCE(SUM(amount), 0)", &snap.LoanOutstanding,
	); err != nil {
		return nil, err
	}

	// External cash in: deposits, plus inbound gateway charges confirmed for
	// loan payments and quota purchases.
	if err := sumInto(
		db.Model(&domain.Transaction{}).Where("status = ? AND type = ?", domain.TxApproved, domain.TxDeposit),
		"COALESCE(SUM(amount), 0)", &snap.TotalDeposits,
	); err != nil {
		return nil, err
	}
	var externalIn decimal.Decimal
	if err := sumInto(
		db.Model(&domain.Transaction{}).
			Where("status = ? AND external_id IS NOT NULL AND type IN ?",
				domain.TxApproved, []string{domain.TxLoanPayment, domain.TxBuyQuota}),
		"COALESCE(SUM(amount), 0)", &externalIn,
	); err != nil {
		return nil, err
	}
	snap.TotalDeposits = snap.TotalDeposits.Add(externalIn)

	// External cash out is the net of each approved withdrawal; the fee never
	// left the system.
	var withdrawals []domain.Transaction
	if err := db.Where("status = ? AND type = ?", domain.TxApproved, domain.TxWithdrawal).
		Find(&withdrawals).Error; err != nil {
		return nil, err
	}
	for _, w := range withdrawals {
		var meta domain.WithdrawalMeta
		if err := domain.DecodeMeta(w.Metadata, &meta); err != nil {
			snap.TotalWithdrawals = snap.TotalWithdrawals.Add(w.Amount)
			continue
		}
		snap.TotalWithdrawals = snap.TotalWithdrawals.Add(meta.Net)
	}

	return &snap, nil
}

// CheckInvariant compares expected external cash against the sum of member
// balances, reserve pools and active quota liability.
func (s *Service) CheckInvariant(snap *Snapshot) Result {
	expected := snap.TotalDeposits.Sub(snap.TotalWithdrawals)
	actual := snap.UserBalances.Add(snap.ReserveTotal).Add(snap.ActiveQuotaValue)
	drift := actual.Sub(expected)

	res := Result{
		OK:       drift.Abs().LessThanOrEqual(s.Cfg.ReconcileEpsilon),
		Expected: expected,
		Actual:   actual,
		Drift:    drift,
		Snapshot: *snap,
	}
	return res
}

// Run takes a snapshot, checks the invariant, and on drift logs and publishes
// an advisory alert. Findings never block live operations.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	snap, err := s.ComputeSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	res := s.CheckInvariant(snap)
	if res.OK {
		log.Info().Str("actual", res.Actual.StringFixed(2)).Msg("reconciliation OK")
		return &res, nil
	}

	log.Error().
		Str("expected", res.Expected.StringFixed(2)).
		Str("actual", res.Actual.StringFixed(2)).
		Str("drift", res.Drift.StringFixed(2)).
		Msg("reconciliation drift detected")
	s.publishAlert(ctx, res)
	return &res, nil
}

// publishAlert pushes the finding onto a bounded Redis list for the operator
// surface. Alerting is best effort; a Redis outage never fails a run.
func (s *Service) publishAlert(ctx context.Context, res Result) {
	if s.Rdb == nil {
		return
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return
	}
	pipe := s.Rdb.Pipeline()
	pipe.LPush(ctx, alertKey, payload)
	pipe.LTrim(ctx, alertKey, 0, alertKeep-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to publish reconciliation alert")
	}
}

// Alerts returns the most recent drift alerts, newest first.
func (s *Service) Alerts(ctx context.Context, limit int64) ([]Result, error) {
	if s.Rdb == nil {
		return nil, nil
	}
	raw, err := s.Rdb.LRange(ctx, alertKey, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(raw))
	for _, item := range raw {
		var r Result
		if err := json.Unmarshal([]byte(item), &r); err == nil {
			out = append(out, r)
		}
	}
	return out, nil
}

func sumInto(q *gorm.DB, expr string, dst *decimal.Decimal) error {
	var raw decimal.NullDecimal
	if err := q.Select(expr).Row().Scan(&raw); err != nil {
		return err
	}
	if raw.Valid {
		*dst = raw.Decimal
	}
	return nil
}
