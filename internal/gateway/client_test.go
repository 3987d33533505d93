package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mutuo-backend/internal/pkg/apperrors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(baseURL string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     "sk_test",
		HTTPClient: &http.Client{Timeout: 2 * time.Second},
		MaxRetries: 3,
	}
}

func TestInitiateCharge_Success(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/charges", r.URL.Path)
		w.Write([]byte(`{"charge_id":"ch_1","qr_code":"data:..."}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.InitiateCharge(context.Background(), decimal.NewFromInt(100), "payer-1")
	require.NoError(t, err)
	assert.Equal(t, "ch_1", id)
	assert.Equal(t, "Bearer sk_test", gotAuth)
}

func TestInitiatePayout_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payouts", r.URL.Path)
		w.Write([]byte(`{"payout_id":"po_1"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.InitiatePayout(context.Background(), decimal.NewFromInt(490), "member@bank")
	require.NoError(t, err)
	assert.Equal(t, "po_1", id)
}

func TestPost_RetriesServerErrors(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`{"charge_id":"ch_retry"}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	id, err := c.InitiateCharge(context.Background(), decimal.NewFromInt(10), "payer-1")
	require.NoError(t, err)
	assert.Equal(t, "ch_retry", id)
	assert.Equal(t, 2, calls)
}

func TestPost_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.InitiateCharge(context.Background(), decimal.NewFromInt(10), "payer-1")
	assert.ErrorIs(t, err, apperrors.ErrGateway)
	assert.Equal(t, 1, calls)
}

func TestPost_ExhaustedRetries(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.InitiateCharge(context.Background(), decimal.NewFromInt(10), "payer-1")
	assert.ErrorIs(t, err, apperrors.ErrGateway)
	assert.Equal(t, 3, calls)
}

func TestPost_MissingBaseURL(t *testing.T) {
	c := &Client{}
	_, err := c.InitiateCharge(context.Background(), decimal.NewFromInt(10), "payer-1")
	assert.ErrorIs(t, err, apperrors.ErrGateway)
}

func TestInitiateCharge_EmptyChargeID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(srv.URL)
	_, err := c.InitiateCharge(context.Background(), decimal.NewFromInt(10), "payer-1")
	assert.ErrorIs(t, err, apperrors.ErrGateway)
}
