package config

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config holds application configuration (env + Viper). Every ledger policy
// number is a named value here; nothing in the services hardcodes a rate.
type Config struct {
	Env          string
	Port         string
	DatabaseURL  string
	RedisURL     string
	MaxOpenConns int
	AdminAPIKey  string

	// Pix gateway adapter.
	GatewayBaseURL string
	GatewayAPIKey  string
	WebhookSecret  string

	// Loan policy.
	LoanInterestRate decimal.Decimal // e.g. 0.20
	LoanPenaltyRate  decimal.Decimal // applied once to the unpaid balance past due
	MinLoanAmount    decimal.Decimal
	MaxLoanAmount    decimal.Decimal
	LoanTermDays     int
	LoanGraceDays    int

	// Quota policy.
	QuotaPrice             decimal.Decimal
	VestingPeriodDays      int
	EarlyRedemptionPenalty decimal.Decimal // fraction of current value

	// Withdrawal fee policy.
	WithdrawalFeePercentage decimal.Decimal
	WithdrawalFeeFixed      decimal.Decimal
	FeeSplitVersion         string // see reserves.SplitPolicies

	// Dividend policy.
	DividendUserShare decimal.Decimal // maintenance share is the complement

	// Reconciliation.
	ReconcileEpsilon decimal.Decimal
	ReconcileSpec    string // cron spec
	OverdueSweepSpec string // cron spec
}

// Load loads config from env and optional .env file.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	_ = viper.ReadInConfig()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	port := viper.GetString("PORT")
	if port == "" {
		port = "8080"
	}
	env := viper.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	dbURL := viper.GetString("DATABASE_URL")
	if env == "test" {
		dbURL = viper.GetString("DATABASE_URL_TEST")
	}

	maxConns := viper.GetInt("DB_MAX_OPEN_CONNS")
	if maxConns <= 0 {
		maxConns = 10
	}

	return &Config{
		Env:          env,
		Port:         port,
		DatabaseURL:  dbURL,
		RedisURL:     viper.GetString("REDIS_URL"),
		MaxOpenConns: maxConns,
		AdminAPIKey:  viper.GetString("ADMIN_API_KEY"),

		GatewayBaseURL: viper.GetString("GATEWAY_BASE_URL"),
		GatewayAPIKey:  viper.GetString("GATEWAY_API_KEY"),
		WebhookSecret:  viper.GetString("GATEWAY_WEBHOOK_SECRET"),

		LoanInterestRate: decimalOr("LOAN_INTEREST_RATE", "0.20"),
		LoanPenaltyRate:  decimalOr("LOAN_PENALTY_RATE", "0.10"),
		MinLoanAmount:    decimalOr("MIN_LOAN_AMOUNT", "50.00"),
		MaxLoanAmount:    decimalOr("MAX_LOAN_AMOUNT", "5000.00"),
		LoanTermDays:     intOr("LOAN_TERM_DAYS", 30),
		LoanGraceDays:    intOr("LOAN_GRACE_DAYS", 15),

		QuotaPrice:             decimalOr("QUOTA_PRICE", "50.00"),
		VestingPeriodDays:      intOr("VESTING_PERIOD_DAYS", 90),
		EarlyRedemptionPenalty: decimalOr("EARLY_REDEMPTION_PENALTY", "0.05"),

		WithdrawalFeePercentage: decimalOr("WITHDRAWAL_FEE_PERCENTAGE", "0.02"),
		WithdrawalFeeFixed:      decimalOr("WITHDRAWAL_FEE_FIXED", "5.00"),
		FeeSplitVersion:         stringOr("FEE_SPLIT_VERSION", "v2"),

		DividendUserShare: decimalOr("DIVIDEND_USER_SHARE", "0.70"),

		ReconcileEpsilon: decimalOr("RECONCILE_EPSILON", "0.01"),
		ReconcileSpec:    stringOr("RECONCILE_CRON", "@every 1h"),
		OverdueSweepSpec: stringOr("OVERDUE_SWEEP_CRON", "@every 6h"),
	}, nil
}

func stringOr(key, def string) string {
	v := viper.GetString(key)
	if v == "" {
		return def
	}
	return v
}

// intOr falls back to def only when the key is unset or negative, so an
// explicit zero (for example LOAN_GRACE_DAYS=0, no grace window) sticks.
func intOr(key string, def int) int {
	if !viper.IsSet(key) {
		return def
	}
	if v := viper.GetInt(key); v >= 0 {
		return v
	}
	return def
}

func decimalOr(key, def string) decimal.Decimal {
	raw := viper.GetString(key)
	if raw == "" {
		raw = def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		d, _ = decimal.NewFromString(def)
	}
	return d
}
