package position

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-pb/inventory/internal/domain"
)

// Event types consumed from the trade stream.
const (
	EventSODLoad         = "sod-position-load"
	EventTrade           = "trade"
	EventExecution       = "execution"
	EventContract        = "contract-event"
	EventCorporateAction = "corporate-action"
)

// SODLoad replaces the start-of-day baseline for one (book, security).
type SODLoad struct {
	Book         string              `msgpack:"book"`
	SecurityID   string              `msgpack:"security_id"`
	BusinessDate domain.BusinessDate `msgpack:"business_date"`
	TDQty        int64               `msgpack:"td_qty"`
	SDQty        int64               `msgpack:"sd_qty"`
	Deliver      []int64             `msgpack:"deliver"`
	Receipt      []int64             `msgpack:"receipt"`
}

// Trade is an intraday order applied to one (book, security).
type Trade struct {
	OrderID        string              `msgpack:"order_id"`
	SecurityID     string              `msgpack:"security_id"`
	Book           string              `msgpack:"book"`
	Side           domain.Side         `msgpack:"side"`
	Qty            int64               `msgpack:"qty"`
	Price          decimal.Decimal     `msgpack:"price"`
	TradeDate      domain.BusinessDate `msgpack:"trade_date"`
	SettlementDate domain.BusinessDate `msgpack:"settlement_date"`
	// LocateID links a short-sell order to its approved locate so fills can
	// raise the locate decrement intraday.
	LocateID string `msgpack:"locate_id,omitempty"`
}

// Execution is a fill against a previously seen order. It posts to the same
// settlement bucket as the parent trade.
type Execution struct {
	ExecutionID string          `msgpack:"execution_id"`
	OrderID     string          `msgpack:"order_id"`
	Qty         int64           `msgpack:"qty"`
	Price       decimal.Decimal `msgpack:"price"`
	Time        time.Time       `msgpack:"time"`
}

// ContractEvent mutates pledge and loan flags on the covered position.
type ContractEvent struct {
	ContractID   string              `msgpack:"contract_id"`
	Type         domain.ContractType `msgpack:"type"`
	SecurityID   string              `msgpack:"security_id"`
	Book         string              `msgpack:"book"`
	Counterparty string              `msgpack:"counterparty"`
	Qty          int64               `msgpack:"qty"`
	Rate         decimal.Decimal     `msgpack:"rate"`
	Retrievable  bool                `msgpack:"retrievable"`
	Terminated   bool                `msgpack:"terminated"`
}

// CorporateAction applies a quantity factor on the value date. An empty value
// date means the date is not yet known; the position is annotated pending and
// stays in totals.
type CorporateAction struct {
	SecurityID string              `msgpack:"security_id"`
	Factor     decimal.Decimal     `msgpack:"factor"`
	ValueDate  domain.BusinessDate `msgpack:"value_date,omitempty"`
}

// Delta is the published position change: the diff since the last publish
// plus the post-state as of the event-sequence watermark.
type Delta struct {
	Book         string              `msgpack:"book"`
	SecurityID   string              `msgpack:"security_id"`
	BusinessDate domain.BusinessDate `msgpack:"business_date"`

	TDDelta      int64   `msgpack:"td_delta"`
	SDDelta      int64   `msgpack:"sd_delta"`
	DeliverDelta []int64 `msgpack:"deliver_delta,omitempty"`
	ReceiptDelta []int64 `msgpack:"receipt_delta,omitempty"`

	Post     *domain.Position `msgpack:"post"`
	Sequence uint64           `msgpack:"sequence"`
}

// ExecutionDelta announces a fill so the locate workflow can track running
// execution totals per locate.
type ExecutionDelta struct {
	OrderID     string      `msgpack:"order_id"`
	LocateID    string      `msgpack:"locate_id,omitempty"`
	SecurityID  string      `msgpack:"security_id"`
	Book        string      `msgpack:"book"`
	Side        domain.Side `msgpack:"side"`
	ExecutedQty int64       `msgpack:"executed_qty"`
}
