package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ContractType enumerates financing contract variants.
type ContractType string

const (
	ContractLoan      ContractType = "loan"
	ContractBorrow    ContractType = "borrow"
	ContractRepo      ContractType = "repo"
	ContractPledgeIn  ContractType = "pledge-in"
	ContractPledgeOut ContractType = "pledge-out"
)

// Contract is a stock loan/borrow, repo or pledge agreement.
type Contract struct {
	ID            string          `json:"id"`
	Type          ContractType    `json:"type"`
	SecurityID    string          `json:"security_id"`
	Counterparty  string          `json:"counterparty"`
	Rate          decimal.Decimal `json:"rate"`
	Quantity      int64           `json:"quantity"`
	SettledQty    int64           `json:"settled_qty"`
	EffectiveDate BusinessDate    `json:"effective_date"`
	ExpiryDate    BusinessDate    `json:"expiry_date,omitempty"`
	// Ladder holds future-dated settlement buckets, same shape as the
	// position ladder.
	Ladder []int64 `json:"ladder,omitempty"`
	// Retrievable marks pledged collateral that can be recalled for lending.
	Retrievable bool      `json:"retrievable,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SwapPosition is one leg of a swap contract's position schedule.
type SwapPosition struct {
	SecurityID string `json:"security_id"`
	Quantity   int64  `json:"quantity"`
}

// Swap is a total-return swap with per-security position legs.
type Swap struct {
	ID          string          `json:"id"`
	Underwriter string          `json:"underwriter"`
	Buyer       string          `json:"buyer"`
	Rate        decimal.Decimal `json:"rate"`
	StartDate   BusinessDate    `json:"start_date"`
	EndDate     BusinessDate    `json:"end_date,omitempty"`
	Positions   []SwapPosition  `json:"positions"`
}

// AvailabilityType classifies an external lender availability.
type AvailabilityType string

const (
	AvailabilityIndicative AvailabilityType = "indicative"
	AvailabilityFirm       AvailabilityType = "firm"
	AvailabilityExclusive  AvailabilityType = "exclusive"
)

// ExternalAvailability is quantity offered by an external lender.
type ExternalAvailability struct {
	Lender        string           `json:"lender"`
	SecurityID    string           `json:"security_id"`
	EffectiveDate BusinessDate     `json:"effective_date"`
	Type          AvailabilityType `json:"type"`
	Quantity      int64            `json:"quantity"`
	Rate          decimal.Decimal  `json:"rate"`
}
