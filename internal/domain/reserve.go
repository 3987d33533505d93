package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Reserve pool names. These double as the column names of the singleton row.
const (
	PoolSystemBalance              = "system_balance"
	PoolProfit                     = "profit_pool"
	PoolInvestmentReserve          = "investment_reserve"
	PoolTaxReserve                 = "tax_reserve"
	PoolOperationalReserve         = "operational_reserve"
	PoolOwnerProfit                = "owner_profit"
	PoolGatewayCosts               = "gateway_costs"
	PoolCorporateInvestmentReserve = "corporate_investment_reserve"
	PoolCreditGuaranteeFund        = "credit_guarantee_fund"
	PoolMutualReserve              = "mutual_reserve"
)

// PoolNames is the stable iteration order for all reserve pools.
var PoolNames = []string{
	PoolSystemBalance,
	PoolProfit,
	PoolInvestmentReserve,
	PoolTaxReserve,
	PoolOperationalReserve,
	PoolOwnerProfit,
	PoolGatewayCosts,
	PoolCorporateInvestmentReserve,
	PoolCreditGuaranteeFund,
	PoolMutualReserve,
}

// ReservePools is the singleton reserve row (id = 1). All mutation goes
// through the reserves package; pools never go negative.
type ReservePools struct {
	ID                         int             `gorm:"column:id;primaryKey" json:"id"`
	SystemBalance              decimal.Decimal `gorm:"column:system_balance;type:decimal(18,2);not null;default:0" json:"system_balance"`
	ProfitPool                 decimal.Decimal `gorm:"column:profit_pool;type:decimal(18,2);not null;default:0" json:"profit_pool"`
	InvestmentReserve          decimal.Decimal `gorm:"column:investment_reserve;type:decimal(18,2);not null;default:0" json:"investment_reserve"`
	TaxReserve                 decimal.Decimal `gorm:"column:tax_reserve;type:decimal(18,2);not null;default:0" json:"tax_reserve"`
	OperationalReserve         decimal.Decimal `gorm:"column:operational_reserve;type:decimal(18,2);not null;default:0" json:"operational_reserve"`
	OwnerProfit                decimal.Decimal `gorm:"column:owner_profit;type:decimal(18,2);not null;default:0" json:"owner_profit"`
	GatewayCosts               decimal.Decimal `gorm:"column:gateway_costs;type:decimal(18,2);not null;default:0" json:"gateway_costs"`
	CorporateInvestmentReserve decimal.Decimal `gorm:"column:corporate_investment_reserve;type:decimal(18,2);not null;default:0" json:"corporate_investment_reserve"`
	CreditGuaranteeFund        decimal.Decimal `gorm:"column:credit_guarantee_fund;type:decimal(18,2);not null;default:0" json:"credit_guarantee_fund"`
	MutualReserve              decimal.Decimal `gorm:"column:mutual_reserve;type:decimal(18,2);not null;default:0" json:"mutual_reserve"`
	UpdatedAt                  time.Time       `json:"updated_at"`
}

func (ReservePools) TableName() string {
	return "reserve_pools"
}

// Get returns the value of the named pool.
func (r *ReservePools) Get(name string) (decimal.Decimal, error) {
	p, err := r.field(name)
	if err != nil {
		return decimal.Zero, err
	}
	return *p, nil
}

// Add applies a signed delta to the named pool in memory.
func (r *ReservePools) Add(name string, delta decimal.Decimal) error {
	p, err := r.field(name)
	if err != nil {
		return err
	}
	*p = p.Add(delta)
	return nil
}

// Total sums every pool.
func (r *ReservePools) Total() decimal.Decimal {
	total := decimal.Zero
	for _, name := range PoolNames {
		v, _ := r.Get(name)
		total = total.Add(v)
	}
	return total
}

func (r *ReservePools) field(name string) (*decimal.Decimal, error) {
	switch name {
	case PoolSystemBalance:
		return &r.SystemBalance, nil
	case PoolProfit:
		return &r.ProfitPool, nil
	case PoolInvestmentReserve:
		return &r.InvestmentReserve, nil
	case PoolTaxReserve:
		return &r.TaxReserve, nil
	case PoolOperationalReserve:
		return &r.OperationalReserve, nil
	case PoolOwnerProfit:
		return &r.OwnerProfit, nil
	case PoolGatewayCosts:
		return &r.GatewayCosts, nil
	case PoolCorporateInvestmentReserve:
		return &r.CorporateInvestmentReserve, nil
	case PoolCreditGuaranteeFund:
		return &r.CreditGuaranteeFund, nil
	case PoolMutualReserve:
		return &r.MutualReserve, nil
	}
	return nil, fmt.Errorf("unknown reserve pool %q", name)
}
