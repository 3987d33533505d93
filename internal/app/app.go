package app

import (
	"net/http"
	"time"

	"mutuo-backend/internal/admin"
	"mutuo-backend/internal/config"
	"mutuo-backend/internal/database"
	"mutuo-backend/internal/gateway"
	"mutuo-backend/internal/ledger"
	"mutuo-backend/internal/loans"
	"mutuo-backend/internal/members"
	"mutuo-backend/internal/middleware"
	"mutuo-backend/internal/quotas"
	"mutuo-backend/internal/reconciliation"
	"mutuo-backend/internal/reserves"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// CreateApp builds the Fiber app with all middleware, services and routes.
// The webhook is mounted before anything that consumes the body; signature
// verification needs the raw payload.
func CreateApp(cfg *config.Config) (*fiber.App, *gorm.DB, *redis.Client, error) {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          middleware.ErrorHandler,
	})

	db, err := database.Open(cfg.DatabaseURL, cfg.MaxOpenConns)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := database.AutoMigrate(db); err != nil {
		return nil, nil, nil, err
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, nil, err
		}
		rdb = redis.NewClient(opts)
	}

	gw := &gateway.Client{
		BaseURL:    cfg.GatewayBaseURL,
		APIKey:     cfg.GatewayAPIKey,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		MaxRetries: 3,
	}

	ledgerSvc := &ledger.Service{DB: db, Cfg: cfg}
	loanSvc := &loans.Service{DB: db, Cfg: cfg, Charger: gw}
	quotaSvc := &quotas.Service{DB: db, Cfg: cfg, Charger: gw}
	reserveSvc := &reserves.Service{DB: db}
	reconSvc := &reconciliation.Service{DB: db, Cfg: cfg, Rdb: rdb}

	// Gateway webhook, mounted first. Auth headers do not apply here; the
	// HMAC signature is the authentication.
	webhook := &gateway.WebhookHandler{
		Ledger:        ledgerSvc,
		Loans:         loanSvc,
		Quotas:        quotaSvc,
		WebhookSecret: cfg.WebhookSecret,
	}
	app.Post("/api/v1/gateway/webhook", webhook.HandleWebhook)

	app.Use(middleware.Tracing())
	app.Use(middleware.RouteLogger())

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	memberHandlers := &members.Handlers{
		Cfg:     cfg,
		Ledger:  ledgerSvc,
		Loans:   loanSvc,
		Quotas:  quotaSvc,
		Gateway: gw,
	}
	api := app.Group("/api/v1", middleware.Identity())
	api.Post("/deposits", memberHandlers.Deposit)
	api.Post("/withdrawals", memberHandlers.Withdraw)
	api.Post("/loans", memberHandlers.RequestLoan)
	api.Post("/loans/:id/repay", memberHandlers.RepayLoan)
	api.Post("/quotas/buy", memberHandlers.BuyQuota)
	api.Post("/quotas/:id/sell", memberHandlers.SellQuota)
	api.Get("/transactions", memberHandlers.Transactions)

	adminHandlers := &admin.Handlers{
		Cfg:            cfg,
		Ledger:         ledgerSvc,
		Loans:          loanSvc,
		Quotas:         quotaSvc,
		Reserves:       reserveSvc,
		Reconciliation: reconSvc,
		Gateway:        gw,
	}
	adm := api.Group("/admin", middleware.RequireAdmin(db))
	adm.Get("/transactions", adminHandlers.PendingTransactions)
	adm.Post("/transactions/:id/approve", adminHandlers.ApproveTransaction)
	adm.Post("/transactions/:id/reject", adminHandlers.RejectTransaction)
	adm.Post("/loans/:id/approve", adminHandlers.ApproveLoan)
	adm.Post("/loans/:id/reject", adminHandlers.RejectLoan)
	adm.Get("/payouts", adminHandlers.PendingPayouts)
	adm.Post("/payouts/retry", adminHandlers.RetryPayouts)
	adm.Get("/reconciliation", adminHandlers.Snapshot)
	adm.Get("/reconciliation/alerts", adminHandlers.Alerts)
	adm.Post("/reserves/adjust", adminHandlers.AdjustReserve)
	adm.Post("/dividends", adminHandlers.DistributeDividends)

	return app, db, rdb, nil
}
