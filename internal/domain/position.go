package domain

import (
	"fmt"
	"time"
)

// BusinessDate is a calendar business date in YYYY-MM-DD form.
type BusinessDate string

// BusinessDateOf formats a time as a business date.
func BusinessDateOf(t time.Time) BusinessDate {
	return BusinessDate(t.Format("2006-01-02"))
}

// Time parses the business date at midnight UTC.
func (d BusinessDate) Time() (time.Time, error) {
	return time.Parse("2006-01-02", string(d))
}

// PositionFlag marks inclusion/exclusion categories on a position.
type PositionFlag uint16

const (
	FlagHypothecatable PositionFlag = 1 << iota
	FlagSegregated
	FlagPledgedRepo
	FlagPledgedSwap
	FlagTriParty
	FlagPayToHold
	FlagCorporateActionPending
	FlagSLABLoaned
	FlagBorrowed
)

// Has reports whether all bits in f are set.
func (p PositionFlag) Has(f PositionFlag) bool { return p&f == f }

// Side enumerates trade sides.
type Side string

const (
	SideBuy       Side = "buy"
	SideSell      Side = "sell"
	SideShortSell Side = "short-sell"
)

// Position is the per-(book, security, business date) state owned by a single
// partition worker. Deliver and Receipt are day-bucketed SD0..SDn; the final
// slot is the long-dated tail for settlement beyond the ladder horizon and is
// not part of SD projections.
type Position struct {
	Book         string       `json:"book"`
	SecurityID   string       `json:"security_id"`
	BusinessDate BusinessDate `json:"business_date"`

	TDQty int64 `json:"td_qty"` // contractual (trade-date) quantity
	SDQty int64 `json:"sd_qty"` // settled quantity

	Deliver []int64 `json:"deliver"`
	Receipt []int64 `json:"receipt"`

	IntradayBuy       int64 `json:"intraday_buy"`
	IntradaySell      int64 `json:"intraday_sell"`
	IntradayShortSell int64 `json:"intraday_short_sell"`

	Flags PositionFlag `json:"flags"`

	// PendingCA marks a corporate action with unknown value date. The
	// position stays in totals but downstream views may exclude it from
	// projections.
	PendingCA bool `json:"pending_ca,omitempty"`

	// Sequence is the event-sequence watermark of the last applied mutation.
	Sequence uint64 `json:"sequence"`
}

// NewPosition returns a zero position with ladder buckets for ladderDays
// settlement days plus one long-dated tail slot.
func NewPosition(book, securityID string, date BusinessDate, ladderDays int) *Position {
	return &Position{
		Book:         book,
		SecurityID:   securityID,
		BusinessDate: date,
		Deliver:      make([]int64, ladderDays+1),
		Receipt:      make([]int64, ladderDays+1),
	}
}

// Clone returns a deep copy. Published deltas carry clones so readers never
// observe the partition worker's mutable state.
func (p *Position) Clone() *Position {
	cp := *p
	cp.Deliver = append([]int64(nil), p.Deliver...)
	cp.Receipt = append([]int64(nil), p.Receipt...)
	return &cp
}

// ProjectedSD returns the projected settled quantity as of settlement day k:
// SD + sum(Receipt[i] - Deliver[i]) for i <= k. The long-dated tail is excluded.
func (p *Position) ProjectedSD(k int) int64 {
	ladder := len(p.Deliver) - 1
	if k >= ladder {
		k = ladder - 1
	}
	projected := p.SDQty
	for i := 0; i <= k; i++ {
		projected += p.Receipt[i] - p.Deliver[i]
	}
	return projected
}

// Validate checks position invariants after an applied event.
func (p *Position) Validate() error {
	for i, q := range p.Deliver {
		if q < 0 {
			return fmt.Errorf("deliver bucket %d negative: %d", i, q)
		}
	}
	for i, q := range p.Receipt {
		if q < 0 {
			return fmt.Errorf("receipt bucket %d negative: %d", i, q)
		}
	}
	incoming := int64(0)
	for _, q := range p.Receipt {
		incoming += q
	}
	if p.SDQty > p.TDQty+incoming {
		return fmt.Errorf("settled %d exceeds contractual %d plus incoming %d", p.SDQty, p.TDQty, incoming)
	}
	return nil
}
