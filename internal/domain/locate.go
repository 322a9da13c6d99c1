package domain

import "time"

// LocateState enumerates the locate request lifecycle.
type LocateState string

const (
	LocateReceived      LocateState = "received"
	LocateValidating    LocateState = "validating"
	LocatePendingReview LocateState = "pending-review"
	LocateUnderReview   LocateState = "under-review"
	LocateAutoApproved  LocateState = "auto-approved"
	LocateApproved      LocateState = "approved"
	LocateAutoRejected  LocateState = "auto-rejected"
	LocateRejected      LocateState = "rejected"
	LocateExpired       LocateState = "expired"
	LocateComplete      LocateState = "complete"
)

// Terminal reports whether the state admits no further transitions.
func (s LocateState) Terminal() bool {
	switch s {
	case LocateRejected, LocateAutoRejected, LocateExpired, LocateComplete:
		return true
	}
	return false
}

// LocateType distinguishes long-sell and short-sell locates.
type LocateType string

const (
	LocateLong  LocateType = "long"
	LocateShort LocateType = "short"
)

// LocateRequest is a request for permission to sell a security.
type LocateRequest struct {
	ID            string       `json:"id"`
	Requestor     string       `json:"requestor"`
	ClientID      string       `json:"client_id"`
	SecurityID    string       `json:"security_id"`
	Type          LocateType   `json:"type"`
	RequestedQty  int64        `json:"requested_qty"`
	State         LocateState  `json:"state"`
	BusinessDate  BusinessDate `json:"business_date"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	ReceivedAt    time.Time    `json:"received_at"`
	DecidedAt     *time.Time   `json:"decided_at,omitempty"`
	ExpiresAt     time.Time    `json:"expires_at"`
}

// LocateApproval records the approved and decrement quantities for an
// approved locate. DecrementQty mutates the locate availability pool and is
// revised intraday; ApprovedQty never changes after approval.
type LocateApproval struct {
	LocateID     string    `json:"locate_id"`
	ApprovedQty  int64     `json:"approved_qty"`
	DecrementQty int64     `json:"decrement_qty"`
	ExecutedQty  int64     `json:"executed_qty"`
	ApprovedAt   time.Time `json:"approved_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LocateRejection records why a locate was rejected.
type LocateRejection struct {
	LocateID   string    `json:"locate_id"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejected_at"`
}
