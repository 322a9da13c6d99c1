package domain

import "time"

// LimitScope distinguishes client limits from aggregation-unit limits.
type LimitScope string

const (
	ScopeClient LimitScope = "client"
	ScopeAU     LimitScope = "AU"
)

// LimitKey identifies one limit aggregate.
type LimitKey struct {
	Scope        LimitScope   `json:"scope"`
	OwnerID      string       `json:"owner_id"` // client ID or AU ID
	SecurityID   string       `json:"security_id"`
	BusinessDate BusinessDate `json:"business_date"`
}

// Limit holds sell limits and running reservations for one key.
// Invariant: reserved <= limit on each side after every reservation operation.
type Limit struct {
	Key           LimitKey  `json:"key"`
	LongLimit     int64     `json:"long_limit"`
	ShortLimit    int64     `json:"short_limit"`
	ReservedLong  int64     `json:"reserved_long"`
	ReservedShort int64     `json:"reserved_short"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Available returns remaining capacity for the given side.
func (l *Limit) Available(side Side) int64 {
	if side == SideShortSell {
		return l.ShortLimit - l.ReservedShort
	}
	return l.LongLimit - l.ReservedLong
}
