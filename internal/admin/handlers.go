package admin

import (
	"errors"

	"mutuo-backend/internal/config"
	"mutuo-backend/internal/domain"
	"mutuo-backend/internal/gateway"
	"mutuo-backend/internal/ledger"
	"mutuo-backend/internal/loans"
	"mutuo-backend/internal/middleware"
	"mutuo-backend/internal/pkg/response"
	"mutuo-backend/internal/quotas"
	"mutuo-backend/internal/reconciliation"
	"mutuo-backend/internal/reserves"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Handlers is the operator surface: confirmation queue, loan decisions,
// reserve corrections, dividends and the reconciliation views. Every route
// sits behind the admin role check.
type Handlers struct {
	Cfg            *config.Config
	Ledger         *ledger.Service
	Loans          *loans.Service
	Quotas         *quotas.Service
	Reserves       *reserves.Service
	Reconciliation *reconciliation.Service
	Gateway        *gateway.Client
}

type adjustRequest struct {
	Pool   string `json:"pool"`
	Delta  string `json:"delta"`
	Reason string `json:"reason"`
}

type dividendRequest struct {
	Amount string `json:"amount"`
}

// PendingTransactions GET /api/v1/admin/transactions?type=
func (h *Handlers) PendingTransactions(c *fiber.Ctx) error {
	txns, err := h.Ledger.ListPending(c.Context(), c.Query("type"))
	if err != nil {
		return err
	}
	return response.Success(c, "", txns)
}

// ApproveTransaction POST /api/v1/admin/transactions/:id/approve. Composite
// types are routed to their owning service; the ledger handles the rest.
// Approving twice returns the terminal row with 409 and mutates nothing.
func (h *Handlers) ApproveTransaction(c *fiber.Ctx) error {
	actor, id, err := h.actorAndID(c)
	if err != nil {
		return err
	}

	var txn domain.Transaction
	if err := h.Ledger.DB.WithContext(c.Context()).Where("id = ?", id).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return response.Error(c, "Transaction not found", fiber.StatusNotFound, nil)
		}
		return err
	}

	switch txn.Type {
	case domain.TxLoanPayment:
		if err := h.Loans.ConfirmRepayment(c.Context(), id); err != nil {
			return err
		}
	case domain.TxBuyQuota:
		if err := h.Quotas.ConfirmPurchase(c.Context(), id); err != nil {
			return err
		}
	default:
		approved, err := h.Ledger.Approve(c.Context(), id, actor)
		if err != nil {
			return err
		}
		txn = *approved
	}

	if txn.Type == domain.TxWithdrawal {
		h.initiatePayout(c, &txn)
	}
	if err := h.Ledger.DB.WithContext(c.Context()).Where("id = ?", id).First(&txn).Error; err != nil {
		return err
	}
	return response.Success(c, "Transaction approved", txn)
}

// initiatePayout sends the net amount of an approved withdrawal to the
// gateway and stores the payout id for the confirmation webhook. A gateway
// failure leaves payout_status PENDING_PAYMENT with an empty payout id; the
// approval itself already committed and the row stays visible to the payout
// retry surface.
func (h *Handlers) initiatePayout(c *fiber.Ctx, txn *domain.Transaction) error {
	var meta domain.WithdrawalMeta
	if err := domain.DecodeMeta(txn.Metadata, &meta); err != nil {
		log.Error().Err(err).Str("tx_id", txn.ID.String()).Msg("withdrawal metadata unreadable, payout not initiated")
		return err
	}
	payoutID, err := h.Gateway.InitiatePayout(c.Context(), meta.Net, meta.PixKey)
	if err != nil {
		log.Error().Err(err).Str("tx_id", txn.ID.String()).Msg("payout initiation failed, awaiting retry")
		return err
	}
	if err := h.Ledger.DB.WithContext(c.Context()).Model(&domain.Transaction{}).
		Where("id = ?", txn.ID).
		Update("external_id", payoutID).Error; err != nil {
		log.Error().Err(err).Str("tx_id", txn.ID.String()).Str("payout_id", payoutID).Msg("failed to store payout id")
		return err
	}
	return nil
}

// PendingPayouts GET /api/v1/admin/payouts: approved withdrawals whose
// outbound transfer was never initiated.
func (h *Handlers) PendingPayouts(c *fiber.Ctx) error {
	txns, err := h.Ledger.ListStuckPayouts(c.Context())
	if err != nil {
		return err
	}
	return response.Success(c, "", txns)
}

// RetryPayouts POST /api/v1/admin/payouts/retry: re-initiates every approved
// withdrawal still missing a gateway payout id. Safe to call repeatedly; a
// row leaves the stuck set the moment its payout id is stored.
func (h *Handlers) RetryPayouts(c *fiber.Ctx) error {
	txns, err := h.Ledger.ListStuckPayouts(c.Context())
	if err != nil {
		return err
	}
	initiated := 0
	for i := range txns {
		if err := h.initiatePayout(c, &txns[i]); err == nil {
			initiated++
		}
	}
	return response.Success(c, "Payouts retried", fiber.Map{"pending": len(txns), "initiated": initiated})
}

// RejectTransaction POST /api/v1/admin/transactions/:id/reject
func (h *Handlers) RejectTransaction(c *fiber.Ctx) error {
	actor, id, err := h.actorAndID(c)
	if err != nil {
		return err
	}
	txn, err := h.Ledger.Reject(c.Context(), id, actor)
	if err != nil {
		return err
	}
	return response.Success(c, "Transaction rejected", txn)
}

// ApproveLoan POST /api/v1/admin/loans/:id/approve
func (h *Handlers) ApproveLoan(c *fiber.Ctx) error {
	actor, id, err := h.actorAndID(c)
	if err != nil {
		return err
	}
	loan, err := h.Loans.Approve(c.Context(), id, actor)
	if err != nil {
		return err
	}
	return response.Success(c, "Loan approved", loan)
}

// RejectLoan POST /api/v1/admin/loans/:id/reject
func (h *Handlers) RejectLoan(c *fiber.Ctx) error {
	actor, id, err := h.actorAndID(c)
	if err != nil {
		return err
	}
	if err := h.Loans.Reject(c.Context(), id, actor); err != nil {
		return err
	}
	return response.Success(c, "Loan rejected", fiber.Map{"loan_id": id})
}

// Snapshot GET /api/v1/admin/reconciliation: read-only invariant check.
func (h *Handlers) Snapshot(c *fiber.Ctx) error {
	snap, err := h.Reconciliation.ComputeSnapshot(c.Context())
	if err != nil {
		return err
	}
	res := h.Reconciliation.CheckInvariant(snap)
	return response.Success(c, "", res)
}

// Alerts GET /api/v1/admin/reconciliation/alerts
func (h *Handlers) Alerts(c *fiber.Ctx) error {
	limit := int64(c.QueryInt("limit", 20))
	alerts, err := h.Reconciliation.Alerts(c.Context(), limit)
	if err != nil {
		return err
	}
	return response.Success(c, "", alerts)
}

// AdjustReserve POST /api/v1/admin/reserves/adjust: a manual pool correction.
// Reason is mandatory and the whole operation lands in the audit log.
func (h *Handlers) AdjustReserve(c *fiber.Ctx) error {
	actorID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
	}
	var req adjustRequest
	if err := c.BodyParser(&req); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	delta, err := decimal.NewFromString(req.Delta)
	if err != nil {
		return response.Error(c, "delta must be a decimal", fiber.StatusBadRequest, nil)
	}

	txn, err := h.Reserves.ForceAdjust(c.Context(), req.Pool, delta, req.Reason, actorID)
	if err != nil {
		return err
	}
	return response.Success(c, "Reserve adjusted", txn)
}

// DistributeDividends POST /api/v1/admin/dividends
func (h *Handlers) DistributeDividends(c *fiber.Ctx) error {
	actorID, ok := middleware.UserID(c)
	if !ok {
		return response.Error(c, "Unauthorized", fiber.StatusUnauthorized, nil)
	}
	var req dividendRequest
	if err := c.BodyParser(&req); err != nil {
		return response.Error(c, "Invalid request body", fiber.StatusBadRequest, nil)
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return response.Error(c, "amount must be a decimal", fiber.StatusBadRequest, nil)
	}

	shares, err := h.Quotas.DistributeDividends(c.Context(), amount, actorID.String())
	if err != nil {
		return err
	}
	return response.Success(c, "Dividends distributed", shares)
}

func (h *Handlers) actorAndID(c *fiber.Ctx) (string, uuid.UUID, error) {
	actorID, ok := middleware.UserID(c)
	if !ok {
		return "", uuid.Nil, fiber.NewError(fiber.StatusUnauthorized, "Unauthorized")
	}
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return "", uuid.Nil, fiber.NewError(fiber.StatusBadRequest, "Invalid id")
	}
	return actorID.String(), id, nil
}
