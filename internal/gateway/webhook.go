package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"mutuo-backend/internal/domain"
	"mutuo-backend/internal/ledger"
	"mutuo-backend/internal/loans"
	"mutuo-backend/internal/pkg/apperrors"
	"mutuo-backend/internal/quotas"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const webhookActor = "gateway-webhook"

// WebhookHandler receives provider confirmations. Events arrive out of
// request order and are redelivered, so every dispatch path ends in a CAS
// transition; a lost race is swallowed as the existing terminal state and the
// provider gets 200 either way.
type WebhookHandler struct {
	Ledger        *ledger.Service
	Loans         *loans.Service
	Quotas        *quotas.Service
	WebhookSecret string
}

type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

type chargeObject struct {
	ChargeID string `json:"charge_id"`
	Amount   string `json:"amount"`
	Status   string `json:"status"`
}

type payoutObject struct {
	PayoutID string `json:"payout_id"`
	Status   string `json:"status"`
}

// HandleWebhook POST /api/v1/gateway/webhook: raw body, signature
// verification, then idempotent processing.
func (wh *WebhookHandler) HandleWebhook(c *fiber.Ctx) error {
	rawBody := c.BodyRaw()
	sig := c.Get("Gateway-Signature")

	if len(rawBody) == 0 {
		log.Warn().Msg("gateway webhook received empty body")
		return c.Status(400).SendString("Webhook Error: empty body")
	}
	if err := verifySignature(rawBody, sig, wh.WebhookSecret); err != nil {
		log.Warn().Err(err).Bool("has_sig", sig != "").Msg("gateway webhook signature verification failed")
		return c.Status(400).SendString(fmt.Sprintf("Webhook Error: %s", err.Error()))
	}

	var event webhookEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		log.Warn().Err(err).Msg("gateway webhook JSON parse failed")
		return c.Status(400).SendString(fmt.Sprintf("Webhook Error: %s", err.Error()))
	}

	switch event.Type {
	case "charge.confirmed":
		var obj chargeObject
		if err := json.Unmarshal(event.Data.Object, &obj); err != nil || obj.ChargeID == "" {
			return c.Status(200).SendString("ok")
		}
		wh.handleChargeConfirmed(c, obj)
	case "payout.confirmed":
		var obj payoutObject
		if err := json.Unmarshal(event.Data.Object, &obj); err != nil || obj.PayoutID == "" {
			return c.Status(200).SendString("ok")
		}
		wh.handlePayoutConfirmed(c, obj)
	}

	// Domain errors still return 200 so the provider stops redelivering; the
	// transaction stays PENDING in the admin queue for manual resolution.
	return c.Status(200).SendString("ok")
}

func (wh *WebhookHandler) handleChargeConfirmed(c *fiber.Ctx, obj chargeObject) {
	txn, err := wh.Ledger.FindByExternalID(c.Context(), obj.ChargeID)
	if err != nil {
		log.Warn().Str("charge_id", obj.ChargeID).Err(err).Msg("charge confirmation for unknown transaction")
		return
	}

	if obj.Amount != "" {
		paid, err := decimal.NewFromString(obj.Amount)
		if err != nil || !paid.Equal(txn.Amount) {
			log.Error().
				Str("tx_id", txn.ID.String()).
				Str("expected", txn.Amount.StringFixed(2)).
				Str("received", obj.Amount).
				Msg("charge amount mismatch, leaving transaction pending")
			return
		}
	}

	switch txn.Type {
	case domain.TxDeposit:
		_, err = wh.Ledger.Approve(c.Context(), txn.ID, webhookActor)
	case domain.TxLoanPayment:
		err = wh.Loans.ConfirmRepayment(c.Context(), txn.ID)
	case domain.TxBuyQuota:
		err = wh.Quotas.ConfirmPurchase(c.Context(), txn.ID)
	default:
		log.Warn().Str("tx_id", txn.ID.String()).Str("type", txn.Type).Msg("charge confirmation for unexpected type")
		return
	}

	if err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			log.Info().Str("tx_id", txn.ID.String()).Msg("charge confirmation redelivered, already processed")
			return
		}
		log.Error().Str("tx_id", txn.ID.String()).Err(err).Msg("charge confirmation failed")
	}
}

func (wh *WebhookHandler) handlePayoutConfirmed(c *fiber.Ctx, obj payoutObject) {
	txn, err := wh.Ledger.FindByExternalID(c.Context(), obj.PayoutID)
	if err != nil {
		log.Warn().Str("payout_id", obj.PayoutID).Err(err).Msg("payout confirmation for unknown transaction")
		return
	}
	if err := wh.Ledger.ConfirmPayout(c.Context(), txn.ID); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			log.Info().Str("tx_id", txn.ID.String()).Msg("payout confirmation redelivered, already processed")
			return
		}
		log.Error().Str("tx_id", txn.ID.String()).Err(err).Msg("payout confirmation failed")
	}
}

// verifySignature verifies the Gateway-Signature header ("t=...,v1=...") using
// the shared webhook secret, with a 5-minute timestamp tolerance.
func verifySignature(payload []byte, sigHeader, secret string) error {
	if sigHeader == "" || secret == "" {
		return errors.New("missing signature or secret")
	}

	var timestamp string
	var signatures []string

	parts := strings.Split(sigHeader, ",")
	for _, part := range parts {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			timestamp = kv[1]
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if timestamp == "" || len(signatures) == 0 {
		return errors.New("invalid signature format")
	}

	signedPayload := timestamp + "." + string(payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedPayload))
	expectedSig := hex.EncodeToString(mac.Sum(nil))

	for _, sig := range signatures {
		if hmac.Equal([]byte(sig), []byte(expectedSig)) {
			ts, err := strconv.ParseInt(timestamp, 10, 64)
			if err != nil {
				return errors.New("invalid timestamp")
			}
			diff := time.Now().Unix() - ts
			if diff < 0 {
				diff = -diff
			}
			if diff > 300 {
				return errors.New("timestamp too old")
			}
			return nil
		}
	}

	return errors.New("signature mismatch")
}
