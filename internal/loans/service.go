package loans

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mutuo-backend/internal/config"
	"mutuo-backend/internal/domain"
	"mutuo-backend/internal/ledger"
	"mutuo-backend/internal/pkg/apperrors"
	"mutuo-backend/internal/reserves"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ChargeInitiator creates a charge on the external payment gateway.
type ChargeInitiator interface {
	InitiateCharge(ctx context.Context, amount decimal.Decimal, payer string) (chargeID string, err error)
}

// Service drives the loan state machine:
// PENDING → APPROVED → PAYMENT_PENDING → PAID, PENDING → REJECTED,
// APPROVED/PAYMENT_PENDING → DEFAULTED. Disbursement is funded from the
// system balance pool; repayments return principal there and route the
// interest component through the versioned interest split.
type Service struct {
	DB      *gorm.DB
	Cfg     *config.Config
	Charger ChargeInitiator
}

// Request validates the amount window and records a PENDING loan. No funds move.
func (s *Service) Request(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, installments int, pixKeyToReceive string) (*domain.Loan, error) {
	if amount.LessThan(s.Cfg.MinLoanAmount) || amount.GreaterThan(s.Cfg.MaxLoanAmount) {
		return nil, fmt.Errorf("%w: loan amount must be between %s and %s",
			apperrors.ErrValidation, s.Cfg.MinLoanAmount.StringFixed(2), s.Cfg.MaxLoanAmount.StringFixed(2))
	}
	if installments < 1 {
		return nil, fmt.Errorf("%w: at least one installment", apperrors.ErrValidation)
	}

	var user domain.User
	if err := s.DB.WithContext(ctx).Where("id = ?", userID).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: user %s", apperrors.ErrNotFound, userID)
		}
		return nil, err
	}

	loan := domain.Loan{
		UserID:          userID,
		Amount:          amount.Round(2),
		InterestRate:    s.Cfg.LoanInterestRate,
		TotalRepayment:  TotalRepayment(amount, s.Cfg.LoanInterestRate),
		Installments:    installments,
		Status:          domain.LoanPending,
		PixKeyToReceive: pixKeyToReceive,
	}
	if err := s.DB.WithContext(ctx).Create(&loan).Error; err != nil {
		return nil, err
	}
	log.Info().Str("loan_id", loan.ID.String()).Str("amount", loan.Amount.StringFixed(2)).Msg("loan requested")
	return &loan, nil
}

// TotalRepayment is round2(amount * (1 + rate)).
func TotalRepayment(amount, rate decimal.Decimal) decimal.Decimal {
	return amount.Mul(decimal.NewFromInt(1).Add(rate)).Round(2)
}

// Approve disburses a PENDING loan atomically: CAS to APPROVED with a due
// date, debit the system balance, credit the member, generate installments
// that sum exactly to the total repayment, and record a traceable
// LOAN_RECEIVED transaction in APPROVED.
func (s *Service) Approve(ctx context.Context, loanID uuid.UUID, actor string) (*domain.Loan, error) {
	var approved domain.Loan
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		dueDate := now.AddDate(0, 0, s.Cfg.LoanTermDays)
		res := tx.Model(&domain.Loan{}).
			Where("id = ? AND status = ?", loanID, domain.LoanPending).
			Updates(map[string]interface{}{"status": domain.LoanApproved, "due_date": dueDate})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return casFailure(tx, loanID)
		}
		if err := tx.Where("id = ?", loanID).First(&approved).Error; err != nil {
			return err
		}

		// Funding comes out of the system balance pool.
		if err := reserves.Apply(tx, []reserves.PoolDelta{{Pool: domain.PoolSystemBalance, Delta: approved.Amount.Neg()}}); err != nil {
			return err
		}
		if err := ledger.CreditBalanceInTx(tx, approved.UserID, approved.Amount); err != nil {
			return err
		}

		for _, inst := range BuildInstallments(&approved, now, dueDate) {
			if err := tx.Create(&inst).Error; err != nil {
				return err
			}
		}

		receipt := domain.Transaction{
			UserID:      approved.UserID,
			Type:        domain.TxLoanReceived,
			Amount:      approved.Amount,
			Status:      domain.TxApproved,
			Description: "loan disbursement",
			Metadata: domain.EncodeMeta(domain.LoanMeta{
				LoanID:    approved.ID,
				Principal: approved.Amount,
				Interest:  decimal.Zero,
			}),
			ProcessedAt: &now,
		}
		if err := tx.Create(&receipt).Error; err != nil {
			return err
		}

		return tx.Create(&domain.AdminLog{
			Actor:  actor,
			Action: "LOAN_APPROVED",
			Before: domain.EncodeMeta(map[string]string{"status": domain.LoanPending}),
			After:  domain.EncodeMeta(map[string]string{"status": domain.LoanApproved, "loan_id": loanID.String()}),
		}).Error
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("loan_id", loanID.String()).Str("actor", actor).Msg("loan approved and disbursed")
	return &approved, nil
}

// Reject closes a PENDING loan without moving funds.
func (s *Service) Reject(ctx context.Context, loanID uuid.UUID, actor string) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&domain.Loan{}).
			Where("id = ? AND status = ?", loanID, domain.LoanPending).
			Update("status", domain.LoanRejected)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return casFailure(tx, loanID)
		}
		return tx.Create(&domain.AdminLog{
			Actor:  actor,
			Action: "LOAN_REJECTED",
			Before: domain.EncodeMeta(map[string]string{"status": domain.LoanPending}),
			After:  domain.EncodeMeta(map[string]string{"status": domain.LoanRejected, "loan_id": loanID.String()}),
		}).Error
	})
}

// BuildInstallments splits the total repayment into the loan's installment
// rows. Each row gets round2(total/n) except the last, which absorbs the
// rounding remainder so the rows sum exactly to the total. Due dates are
// evenly spaced, the last one landing on the loan due date.
func BuildInstallments(loan *domain.Loan, approvedAt, dueDate time.Time) []domain.LoanInstallment {
	n := loan.Installments
	per := loan.TotalRepayment.Div(decimal.NewFromInt(int64(n))).Round(2)
	span := dueDate.Sub(approvedAt)

	out := make([]domain.LoanInstallment, n)
	allocated := decimal.Zero
	for i := 0; i < n; i++ {
		amount := per
		if i == n-1 {
			amount = loan.TotalRepayment.Sub(allocated)
		} else {
			allocated = allocated.Add(per)
		}
		due := approvedAt.Add(span * time.Duration(i+1) / time.Duration(n))
		out[i] = domain.LoanInstallment{
			LoanID:  loan.ID,
			Number:  i + 1,
			Amount:  amount,
			DueDate: due,
			Status:  domain.InstallmentPending,
		}
	}
	return out
}

// RepayInstallment pays the next pending installment. With useBalance the
// member balance is debited in the same transaction as the reserve credits
// and the installment flip; insufficient balance leaves no partial mutation.
// Without it, a gateway charge is initiated and a PENDING LOAN_PAYMENT
// transaction waits for the confirmation webhook; a gateway failure leaves
// nothing marked paid.
func (s *Service) RepayInstallment(ctx context.Context, loanID uuid.UUID, amount decimal.Decimal, useBalance bool) (*domain.Transaction, error) {
	loan, inst, err := s.nextPending(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if !amount.Round(2).Equal(inst.Amount) {
		return nil, fmt.Errorf("%w: installment %d amount is %s", apperrors.ErrValidation, inst.Number, inst.Amount.StringFixed(2))
	}

	principal, interest := SplitPayment(loan, inst.Amount)
	meta := domain.LoanMeta{LoanID: loan.ID, InstallmentID: &inst.ID, Principal: principal, Interest: interest}

	if !useBalance {
		chargeID, err := s.Charger.InitiateCharge(ctx, inst.Amount, loan.UserID.String())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrGateway, err)
		}
		txn := domain.Transaction{
			UserID:      loan.UserID,
			Type:        domain.TxLoanPayment,
			Amount:      inst.Amount,
			Status:      domain.TxPending,
			Description: fmt.Sprintf("loan installment %d/%d", inst.Number, loan.Installments),
			ExternalID:  &chargeID,
			Metadata:    domain.EncodeMeta(meta),
		}
		if err := s.DB.WithContext(ctx).Create(&txn).Error; err != nil {
			return nil, err
		}
		return &txn, nil
	}

	var txn domain.Transaction
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ledger.DebitBalanceInTx(tx, loan.UserID, inst.Amount); err != nil {
			return err
		}
		now := time.Now()
		txn = domain.Transaction{
			UserID:      loan.UserID,
			Type:        domain.TxLoanPayment,
			Amount:      inst.Amount,
			Status:      domain.TxApproved,
			Description: fmt.Sprintf("loan installment %d/%d", inst.Number, loan.Installments),
			Metadata:    domain.EncodeMeta(meta),
			ProcessedAt: &now,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}
		return s.settleInstallment(tx, loan, inst, principal, interest)
	})
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// ConfirmRepayment applies an externally-charged repayment after the gateway
// confirms it. The CAS approve makes webhook redelivery a no-op.
func (s *Service) ConfirmRepayment(ctx context.Context, txID uuid.UUID) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		txn, err := ledger.CASApproveInTx(tx, txID)
		if err != nil {
			return err
		}
		var meta domain.LoanMeta
		if err := domain.DecodeMeta(txn.Metadata, &meta); err != nil {
			return fmt.Errorf("%w: loan payment metadata: %v", apperrors.ErrValidation, err)
		}
		if meta.InstallmentID == nil {
			return fmt.Errorf("%w: loan payment without installment", apperrors.ErrValidation)
		}

		var loan domain.Loan
		if err := tx.Where("id = ?", meta.LoanID).First(&loan).Error; err != nil {
			return err
		}
		var inst domain.LoanInstallment
		if err := tx.Where("id = ?", *meta.InstallmentID).First(&inst).Error; err != nil {
			return err
		}
		return s.settleInstallment(tx, &loan, &inst, meta.Principal, meta.Interest)
	})
}

// settleInstallment credits the reserves, flips the installment to PAID and
// closes the loan when the last installment settles.
func (s *Service) settleInstallment(tx *gorm.DB, loan *domain.Loan, inst *domain.LoanInstallment, principal, interest decimal.Decimal) error {
	deltas := []reserves.PoolDelta{{Pool: domain.PoolSystemBalance, Delta: principal}}
	interestDeltas, err := reserves.InterestSplitV1.Allocate(interest)
	if err != nil {
		return err
	}
	if err := reserves.Apply(tx, append(deltas, interestDeltas...)); err != nil {
		return err
	}

	now := time.Now()
	res := tx.Model(&domain.LoanInstallment{}).
		Where("id = ? AND status = ?", inst.ID, domain.InstallmentPending).
		Updates(map[string]interface{}{"status": domain.InstallmentPaid, "paid_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: installment %s already paid", apperrors.ErrConflict, inst.ID)
	}

	var remaining int64
	if err := tx.Model(&domain.LoanInstallment{}).
		Where("loan_id = ? AND status = ?", loan.ID, domain.InstallmentPending).
		Count(&remaining).Error; err != nil {
		return err
	}
	if remaining == 0 {
		return tx.Model(&domain.Loan{}).
			Where("id = ? AND status IN ?", loan.ID, []string{domain.LoanApproved, domain.LoanPaymentPending}).
			Update("status", domain.LoanPaid).Error
	}
	return nil
}

// SplitPayment prorates an installment into principal and interest by the
// loan's interest share of the total repayment.
func SplitPayment(loan *domain.Loan, payment decimal.Decimal) (principal, interest decimal.Decimal) {
	interestTotal := loan.TotalRepayment.Sub(loan.Amount)
	if loan.TotalRepayment.IsZero() || !interestTotal.IsPositive() {
		return payment, decimal.Zero
	}
	interest = payment.Mul(interestTotal).Div(loan.TotalRepayment).Round(2)
	principal = payment.Sub(interest)
	return principal, interest
}

// MarkOverdue is the scheduled sweep over loans past their due date with
// unpaid installments: the penalty is applied once to the unpaid balance and
// the total recomputed, then the loan moves to PAYMENT_PENDING inside the
// grace window or DEFAULTED past it.
func (s *Service) MarkOverdue(ctx context.Context, now time.Time) (int, error) {
	var overdue []domain.Loan
	if err := s.DB.WithContext(ctx).
		Where("status IN ? AND due_date < ?", []string{domain.LoanApproved, domain.LoanPaymentPending}, now).
		Find(&overdue).Error; err != nil {
		return 0, err
	}

	swept := 0
	for i := range overdue {
		loan := overdue[i]
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var unpaid decimal.Decimal
			var pending []domain.LoanInstallment
			if err := tx.Where("loan_id = ? AND status = ?", loan.ID, domain.InstallmentPending).
				Order("number ASC").Find(&pending).Error; err != nil {
				return err
			}
			if len(pending) == 0 {
				return nil
			}
			for _, inst := range pending {
				unpaid = unpaid.Add(inst.Amount)
			}

			penalty := decimal.Zero
			updates := map[string]interface{}{}
			if !loan.PenaltyApplied {
				penalty = unpaid.Mul(s.Cfg.LoanPenaltyRate).Round(2)
				updates["total_repayment"] = loan.TotalRepayment.Add(penalty)
				updates["penalty_applied"] = true
			}

			status := domain.LoanPaymentPending
			if now.After(loan.DueDate.AddDate(0, 0, s.Cfg.LoanGraceDays)) {
				status = domain.LoanDefaulted
			}
			updates["status"] = status

			// The loan CAS runs before any installment write so a lost race
			// leaves the loan and its installments untouched.
			res := tx.Model(&domain.Loan{}).
				Where("id = ? AND status = ?", loan.ID, loan.Status).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil // lost the race to a concurrent repayment; skip
			}

			if penalty.IsPositive() {
				// The penalty lands on the last pending installment, keeping
				// the installment sum equal to the recomputed total.
				last := pending[len(pending)-1]
				if err := tx.Model(&domain.LoanInstallment{}).
					Where("id = ?", last.ID).
					Update("amount", last.Amount.Add(penalty)).Error; err != nil {
					return err
				}
			}
			swept++
			log.Warn().Str("loan_id", loan.ID.String()).Str("status", status).Str("unpaid", unpaid.StringFixed(2)).Msg("loan past due")
			return nil
		})
		if err != nil {
			return swept, err
		}
	}
	return swept, nil
}

// nextPending returns the loan and its lowest-numbered pending installment.
func (s *Service) nextPending(ctx context.Context, loanID uuid.UUID) (*domain.Loan, *domain.LoanInstallment, error) {
	var loan domain.Loan
	if err := s.DB.WithContext(ctx).Where("id = ?", loanID).First(&loan).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, loanID)
		}
		return nil, nil, err
	}
	if loan.Status != domain.LoanApproved && loan.Status != domain.LoanPaymentPending {
		return nil, nil, fmt.Errorf("%w: loan %s is %s", apperrors.ErrConflict, loanID, loan.Status)
	}

	var inst domain.LoanInstallment
	err := s.DB.WithContext(ctx).
		Where("loan_id = ? AND status = ?", loanID, domain.InstallmentPending).
		Order("number ASC").First(&inst).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, fmt.Errorf("%w: no pending installments for loan %s", apperrors.ErrNotFound, loanID)
		}
		return nil, nil, err
	}
	return &loan, &inst, nil
}

func casFailure(tx *gorm.DB, loanID uuid.UUID) error {
	var existing domain.Loan
	if err := tx.Where("id = ?", loanID).First(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: loan %s", apperrors.ErrNotFound, loanID)
		}
		return err
	}
	return fmt.Errorf("%w: loan %s is %s", apperrors.ErrConflict, loanID, existing.Status)
}
