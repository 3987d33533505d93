package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"mutuo-backend/internal/pkg/apperrors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Client talks to the Pix payment provider. Transient failures (network
// errors, 5xx) are retried with exponential backoff; anything else fails
// immediately with ErrGateway and the caller's transaction stays PENDING.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	MaxRetries int
}

// Charge is the provider's response to an inbound charge request.
type Charge struct {
	ChargeID string `json:"charge_id"`
	QRCode   string `json:"qr_code"`
}

// Payout is the provider's response to an outbound transfer request.
type Payout struct {
	PayoutID string `json:"payout_id"`
}

// InitiateCharge asks the provider for a Pix charge the payer can scan.
func (c *Client) InitiateCharge(ctx context.Context, amount decimal.Decimal, payer string) (string, error) {
	var out Charge
	err := c.post(ctx, "/v1/charges", map[string]interface{}{
		"amount": amount.StringFixed(2),
		"payer":  payer,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.ChargeID == "" {
		return "", fmt.Errorf("%w: provider returned no charge id", apperrors.ErrGateway)
	}
	return out.ChargeID, nil
}

// InitiatePayout sends an outbound instant transfer to the given Pix key.
func (c *Client) InitiatePayout(ctx context.Context, amount decimal.Decimal, pixKey string) (string, error) {
	var out Payout
	err := c.post(ctx, "/v1/payouts", map[string]interface{}{
		"amount":  amount.StringFixed(2),
		"pix_key": pixKey,
	}, &out)
	if err != nil {
		return "", err
	}
	if out.PayoutID == "" {
		return "", fmt.Errorf("%w: provider returned no payout id", apperrors.ErrGateway)
	}
	return out.PayoutID, nil
}

func (c *Client) post(ctx context.Context, path string, payload map[string]interface{}, out interface{}) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.BaseURL == "" {
		return fmt.Errorf("%w: GATEWAY_BASE_URL is not set", apperrors.ErrGateway)
	}
	retries := c.MaxRetries
	if retries <= 0 {
		retries = 3
	}

	body, _ := json.Marshal(payload)
	url := strings.TrimRight(c.BaseURL, "/") + path

	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", apperrors.ErrGateway, ctx.Err())
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrGateway, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTPClient.Do(req)
		if err != nil {
			lastErr = err
			log.Warn().Err(err).Str("path", path).Int("attempt", attempt+1).Msg("gateway request failed")
			continue
		}
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("status %d body: %s", resp.StatusCode, respBody)
			log.Warn().Int("status", resp.StatusCode).Str("path", path).Int("attempt", attempt+1).Msg("gateway server error")
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%w: status %d body: %s", apperrors.ErrGateway, resp.StatusCode, respBody)
		}
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("%w: response decode: %v", apperrors.ErrGateway, err)
		}
		return nil
	}
	return fmt.Errorf("%w: %v", apperrors.ErrGateway, lastErr)
}
