package members

import (
	"fmt"

	"mutuo-backend/internal/config"
	"mutuo-backend/internal/domain"
	"mutuo-backend/internal/gateway"
	"mutuo-backend/internal/ledger"
	"mutuo-backend/internal/loans"
	"mutuo-backend/internal/middleware"
	"mutuo-backend/internal/pkg/response"
	"mutuo-backend/internal/quotas"
	"mutuo-backend/internal/reserves"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Handlers bundles the member-facing endpoints. They are thin glue: parse,
// call the owning service, format. All accounting lives in the services.
type Handlers struct {
	Cfg     *config.Config
	Ledger  *ledger.Service
	Loans   *loans.Service
	Quotas  *quotas.Service
	Gateway *gateway.Client
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type withdrawalRequest struct {
	Amount string `json:"amount"`
	PixKey string `json:"pix_key"`
}

type loanRequest struct {
	Amount       string `json:"amount"`
	Installments int    `json:"installments"`
	PixKey       string `json:"pix_key"`
}

type repayRequest struct {
	Amount     string `json:"amount"`
	UseBalance bool   `json:"use_balance"`
}

type buyQuotaRequest struct {
	Quantity   int  `json:"quantity"`
	UseBalance bool `json:"use_balance"`
}

// Deposit POST /api/v1/deposits: initiates a gateway charge and records the
// PENDING transaction the confirmation webhook will approve.
func (h *Handlers) Deposit(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
	}
	var req amountRequest
	if err := c.BodyParser(&req); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return response.Error(c, "amount must be a positive decimal", fiber.StatusBadRequest, nil)
	}

	chargeID, err := h.Gateway.InitiateCharge(c.Context(), amount, userID.String())
	if err != nil {
		return err
	}
	txn, err := h.Ledger.Create(c.Context(), userID, domain.TxDeposit, amount, "deposit via pix", nil, &chargeID)
	if err != nil {
		return err
	}
	return response.SuccessCreated(c, "Deposit initiated", txn)
}

// Withdraw POST /api/v1/withdrawals: records a PENDING withdrawal carrying
// the fee breakdown; the debit happens at approval.
func (h *Handlers) Withdraw(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
	}
	var req withdrawalRequest
	if err := c.BodyParser(&req); err != nil || req.PixKey == "" {
		return response.Error(c, "amount and pix_key are required", fiber.StatusBadRequest, nil)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || !amount.IsPositive() {
		return response.Error(c, "amount must be a positive decimal", fiber.StatusBadRequest, nil)
	}

	fee := reserves.WithdrawalFee(amount, h.Cfg.WithdrawalFeePercentage, h.Cfg.WithdrawalFeeFixed)
	net := amount.Sub(fee)
	if !net.IsPositive() {
		return response.Error(c, fmt.Sprintf("amount must exceed the %s fee", fee.StringFixed(2)), fiber.StatusBadRequest, nil)
	}

	meta := domain.WithdrawalMeta{
		Fee:          fee,
		Net:          net,
		PixKey:       req.PixKey,
		SplitVersion: h.Cfg.FeeSplitVersion,
	}
	txn, err := h.Ledger.Create(c.Context(), userID, domain.TxWithdrawal, amount, "withdrawal via pix", meta, nil)
	if err != nil {
		return err
	}
	return response.SuccessCreated(c, "Withdrawal requested", txn)
}

// RequestLoan POST /api/v1/loans
func (h *Handlers) RequestLoan(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
	}
	var req loanRequest
	if err := c.BodyParser(&req); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return response.Error(c, "amount must be a decimal", fiber.StatusBadRequest, nil)
	}

	loan, err := h.Loans.Request(c.Context(), userID, amount, req.Installments, req.PixKey)
	if err != nil {
		return err
	}
	return response.SuccessCreated(c, "Loan requested", loan)
}

// RepayLoan POST /api/v1/loans/:id/repay
func (h *Handlers) RepayLoan(c *fiber.Ctx) error {
	if _, ok := middleware.UserID(c); !ok {
		return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
	}
	loanID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return response.Error(c, "Invalid loan id", fiber.StatusBadRequest, nil)
	}
	var req repayRequest
	if err := c.BodyParser(&req); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return response.Error(c, "amount must be a decimal", fiber.StatusBadRequest, nil)
	}

	txn, err := h.Loans.RepayInstallment(c.Context(), loanID, amount, req.UseBalance)
	if err != nil {
		return err
	}
	return response.Success(c, "Repayment processed", txn)
}

// BuyQuota POST /api/v1/quotas/buy
func (h *Handlers) BuyQuota(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
	}
	var req buyQuotaRequest
	if err := c.BodyParser(&req); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	txn, err := h.Quotas.Buy(c.Context(), userID, req.Quantity, req.UseBalance)
	if err != nil {
		return err
	}
	return response.SuccessCreated(c, "Quota purchase processed", txn)
}

// SellQuota POST /api/v1/quotas/:id/sell
func (h *Handlers) SellQuota(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
	}
	quotaID, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return response.Error(c, "Invalid quota id", fiber.StatusBadRequest, nil)
	}
	txn, err := h.Quotas.Sell(c.Context(), userID, quotaID)
	if err != nil {
		return err
	}
	return response.Success(c, "Quota sold", txn)
}

// Transactions GET /api/v1/transactions: the member's own journal.
func (h *Handlers) Transactions(c *fiber.Ctx) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
	}
	var txns []domain.Transaction
	if err := h.Ledger.DB.WithContext(c.Context()).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&txns).Error; err != nil {
		return err
	}
	return response.Success(c, "", txns)
}
