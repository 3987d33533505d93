package members

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mutuo-backend/internal/config"
	"mutuo-backend/internal/domain"
	"mutuo-backend/internal/gateway"
	"mutuo-backend/internal/ledger"
	"mutuo-backend/internal/loans"
	"mutuo-backend/internal/middleware"
	"mutuo-backend/internal/quotas"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupMembersTest(t *testing.T, gatewayURL string) (*fiber.App, *gorm.DB) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&domain.User{}, &domain.Transaction{}, &domain.Loan{}, &domain.LoanInstallment{},
		&domain.Quota{}, &domain.ReservePools{}, &domain.AdminLog{},
	))
	require.NoError(t, db.Create(&domain.ReservePools{ID: 1}).Error)

	cfg := &config.Config{
		LoanInterestRate:        decimal.NewFromFloat(0.20),
		MinLoanAmount:           decimal.NewFromInt(50),
		MaxLoanAmount:           decimal.NewFromInt(5000),
		LoanTermDays:            30,
		LoanGraceDays:           15,
		QuotaPrice:              decimal.NewFromInt(50),
		VestingPeriodDays:       90,
		EarlyRedemptionPenalty:  decimal.NewFromFloat(0.05),
		WithdrawalFeePercentage: decimal.NewFromFloat(0.02),
		WithdrawalFeeFixed:      decimal.NewFromFloat(5.00),
		FeeSplitVersion:         "v2",
	}
	gw := &gateway.Client{BaseURL: gatewayURL, APIKey: "sk_test", MaxRetries: 1}
	h := &Handlers{
		Cfg:     cfg,
		Ledger:  &ledger.Service{DB: db, Cfg: cfg},
		Loans:   &loans.Service{DB: db, Cfg: cfg, Charger: gw},
		Quotas:  &quotas.Service{DB: db, Cfg: cfg, Charger: gw},
		Gateway: gw,
	}

	app := fiber.New(fiber.Config{ErrorHandler: middleware.ErrorHandler})
	api := app.Group("/api/v1", middleware.Identity())
	api.Post("/deposits", h.Deposit)
	api.Post("/withdrawals", h.Withdraw)
	api.Post("/loans", h.RequestLoan)
	api.Post("/loans/:id/repay", h.RepayLoan)
	api.Post("/quotas/buy", h.BuyQuota)
	api.Post("/quotas/:id/sell", h.SellQuota)
	api.Get("/transactions", h.Transactions)
	return app, db
}

func fakeGateway(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/charges":
			fmt.Fprint(w, `{"charge_id":"ch_handlers_1","qr_code":"data:..."}`)
		case "/v1/payouts":
			fmt.Fprint(w, `{"payout_id":"po_handlers_1"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string, userID uuid.UUID) (*http.Response, map[string]interface{}) {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != uuid.Nil {
		req.Header.Set("X-User-Id", userID.String())
	}
	resp, err := app.Test(req)
	require.NoError(t, err)

	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestDeposit_CreatesPendingCharge(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	app, db := setupMembersTest(t, srv.URL)

	user := domain.User{Name: "member"}
	require.NoError(t, db.Create(&user).Error)

	resp, _ := doJSON(t, app, "POST", "/api/v1/deposits", `{"amount":"100.00"}`, user.ID)
	assert.Equal(t, 201, resp.StatusCode)

	var txn domain.Transaction
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&txn).Error)
	assert.Equal(t, domain.TxDeposit, txn.Type)
	assert.Equal(t, domain.TxPending, txn.Status)
	require.NotNil(t, txn.ExternalID)
	assert.Equal(t, "ch_handlers_1", *txn.ExternalID)
}

func TestDeposit_RequiresIdentity(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	app, _ := setupMembersTest(t, srv.URL)

	resp, _ := doJSON(t, app, "POST", "/api/v1/deposits", `{"amount":"100.00"}`, uuid.Nil)
	assert.Equal(t, 401, resp.StatusCode)
}

func TestDeposit_InvalidAmount(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	app, db := setupMembersTest(t, srv.URL)

	user := domain.User{Name: "member"}
	require.NoError(t, db.Create(&user).Error)

	resp, _ := doJSON(t, app, "POST", "/api/v1/deposits", `{"amount":"-1"}`, user.ID)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestWithdraw_RecordsFeeBreakdown(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	app, db := setupMembersTest(t, srv.URL)

	user := domain.User{Name: "member", Balance: decimal.NewFromInt(600)}
	require.NoError(t, db.Create(&user).Error)

	resp, _ := doJSON(t, app, "POST", "/api/v1/withdrawals", `{"amount":"500.00","pix_key":"member@bank"}`, user.ID)
	assert.Equal(t, 201, resp.StatusCode)

	var txn domain.Transaction
	require.NoError(t, db.Where("user_id = ? AND type = ?", user.ID, domain.TxWithdrawal).First(&txn).Error)
	assert.Equal(t, domain.TxPending, txn.Status)

	var meta domain.WithdrawalMeta
	require.NoError(t, domain.DecodeMeta(txn.Metadata, &meta))
	assert.True(t, meta.Fee.Equal(decimal.NewFromInt(10)))
	assert.True(t, meta.Net.Equal(decimal.NewFromInt(490)))
	assert.Equal(t, "v2", meta.SplitVersion)

	// Balance is untouched until an admin approves.
	var reloaded domain.User
	require.NoError(t, db.Where("id = ?", user.ID).First(&reloaded).Error)
	assert.True(t, reloaded.Balance.Equal(decimal.NewFromInt(600)))
}

func TestWithdraw_AmountBelowFee(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	app, db := setupMembersTest(t, srv.URL)

	user := domain.User{Name: "member", Balance: decimal.NewFromInt(100)}
	require.NoError(t, db.Create(&user).Error)

	resp, _ := doJSON(t, app, "POST", "/api/v1/withdrawals", `{"amount":"4.00","pix_key":"member@bank"}`, user.ID)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestRequestLoan(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	app, db := setupMembersTest(t, srv.URL)

	user := domain.User{Name: "member"}
	require.NoError(t, db.Create(&user).Error)

	resp, _ := doJSON(t, app, "POST", "/api/v1/loans", `{"amount":"100.00","installments":3,"pix_key":"member@bank"}`, user.ID)
	assert.Equal(t, 201, resp.StatusCode)

	var loan domain.Loan
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&loan).Error)
	assert.Equal(t, domain.LoanPending, loan.Status)
	assert.True(t, loan.TotalRepayment.Equal(decimal.NewFromInt(120)))
}

func TestRequestLoan_OutOfWindow(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	app, db := setupMembersTest(t, srv.URL)

	user := domain.User{Name: "member"}
	require.NoError(t, db.Create(&user).Error)

	resp, _ := doJSON(t, app, "POST", "/api/v1/loans", `{"amount":"10.00","installments":1,"pix_key":"k"}`, user.ID)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestBuyAndSellQuota(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	app, db := setupMembersTest(t, srv.URL)

	user := domain.User{Name: "member", Balance: decimal.NewFromInt(200)}
	require.NoError(t, db.Create(&user).Error)

	resp, _ := doJSON(t, app, "POST", "/api/v1/quotas/buy", `{"quantity":3,"use_balance":true}`, user.ID)
	assert.Equal(t, 201, resp.StatusCode)

	var quota domain.Quota
	require.NoError(t, db.Where("user_id = ?", user.ID).First(&quota).Error)

	resp, _ = doJSON(t, app, "POST", "/api/v1/quotas/"+quota.ID.String()+"/sell", `{}`, user.ID)
	assert.Equal(t, 200, resp.StatusCode)

	// Selling the same quota again conflicts.
	resp, _ = doJSON(t, app, "POST", "/api/v1/quotas/"+quota.ID.String()+"/sell", `{}`, user.ID)
	assert.Equal(t, 409, resp.StatusCode)
}

func TestTransactions_OwnJournalOnly(t *testing.T) {
	srv := fakeGateway(t)
	defer srv.Close()
	app, db := setupMembersTest(t, srv.URL)

	alice := domain.User{Name: "alice", Balance: decimal.NewFromInt(200)}
	bob := domain.User{Name: "bob", Balance: decimal.NewFromInt(200)}
	require.NoError(t, db.Create(&alice).Error)
	require.NoError(t, db.Create(&bob).Error)

	_, _ = doJSON(t, app, "POST", "/api/v1/quotas/buy", `{"quantity":1,"use_balance":true}`, alice.ID)
	_, _ = doJSON(t, app, "POST", "/api/v1/quotas/buy", `{"quantity":2,"use_balance":true}`, bob.ID)

	resp, body := doJSON(t, app, "GET", "/api/v1/transactions", "", alice.ID)
	assert.Equal(t, 200, resp.StatusCode)
	data, ok := body["data"].([]interface{})
	require.True(t, ok)
	assert.Len(t, data, 1)
}
