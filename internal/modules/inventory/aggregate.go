package inventory

import (
	"sort"
	"time"

	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/modules/position"
	"github.com/meridian-pb/inventory/internal/modules/rules"
)

// Availability categories.
const (
	CategoryForLoan    = "for-loan"
	CategoryForPledge  = "for-pledge"
	CategoryOverborrow = "overborrow"
	CategoryLocate     = "locate"
)

// Categories lists every published category in deterministic order.
var Categories = []string{CategoryForLoan, CategoryForPledge, CategoryOverborrow, CategoryLocate}

// Bucket names used by the include/exclude rule actions.
const (
	BucketLong               = "long"
	BucketHypothecatable     = "hypothecatable"
	BucketRepoPledged        = "repo-pledged-retrievable"
	BucketSwapPledged        = "swap-pledged-retrievable"
	BucketExternalExclusive  = "external-exclusive"
	BucketExternalFirm       = "external-firm"
	BucketCrossBorder        = "cross-border"
	BucketSLABLoaned         = "slab-loaned"
	BucketPayToHold          = "pay-to-hold"
	BucketReservedForClient  = "reserved-for-client"
	BucketPendingCA          = "pending-ca"
	BucketBorrowed           = "borrowed"
	BucketPledgedUnavailable = "pledged"
)

// defaultIncludes and defaultExcludes are the rule-scoped defaults for the
// for-loan composition. Pay-to-hold exclusion is rule-driven per market, never
// assumed.
var defaultIncludes = []string{
	BucketLong, BucketHypothecatable, BucketRepoPledged, BucketSwapPledged,
	BucketExternalExclusive, BucketCrossBorder,
}

var defaultExcludes = []string{
	BucketSLABLoaned, BucketReservedForClient, BucketPendingCA,
}

// bookContrib is one book's contribution to the aggregate's buckets, replaced
// wholesale on every position delta.
type bookContrib struct {
	Long           int64
	Hypothecatable int64
	Borrowed       int64
	PendingCA      int64
	CrossBorder    int64
	Receipt        []int64
	Deliver        []int64
}

type contractContrib struct {
	Type        domain.ContractType
	Qty         int64
	Retrievable bool
}

type externalContrib struct {
	Type domain.AvailabilityType
	Qty  int64
}

// Aggregate is the pre-aggregated inventory state for one (security, market).
// It is owned by its shard's single writer.
type Aggregate struct {
	SecurityID string
	Market     string

	books     map[string]bookContrib
	contracts map[string]contractContrib
	externals map[string]externalContrib // keyed lender|type, exclusive and firm only

	// LocateDecrement is the running total decremented by approved locates.
	LocateDecrement int64
	// ReservedForClient tracks client reservations excluded from lending.
	ReservedForClient int64
	// PayToHold tracks paid borrow-capacity reservations.
	PayToHold int64

	Sequence uint64

	// lastPublished holds the category values as of the last delta emission.
	lastPublished map[string]int64
}

func newAggregate(securityID, market string) *Aggregate {
	return &Aggregate{
		SecurityID:    securityID,
		Market:        market,
		books:         make(map[string]bookContrib),
		contracts:     make(map[string]contractContrib),
		externals:     make(map[string]externalContrib),
		lastPublished: make(map[string]int64),
	}
}

// applyPosition replaces one book's contribution from the post-state of a
// position delta.
func (a *Aggregate) applyPosition(p *domain.Position, crossBorder bool) {
	c := bookContrib{
		Receipt: append([]int64(nil), p.Receipt...),
		Deliver: append([]int64(nil), p.Deliver...),
	}
	if p.TDQty > 0 {
		if p.Flags.Has(domain.FlagHypothecatable) {
			c.Hypothecatable = p.TDQty
		} else {
			c.Long = p.TDQty
		}
		if crossBorder {
			c.CrossBorder = p.TDQty
		}
		if p.Flags.Has(domain.FlagBorrowed) {
			c.Borrowed = p.TDQty
		}
		if p.PendingCA || p.Flags.Has(domain.FlagCorporateActionPending) {
			c.PendingCA = p.TDQty
		}
	}
	a.books[p.Book] = c
}

// applyContract replaces one contract's contribution.
func (a *Aggregate) applyContract(c position.ContractEvent) {
	if c.Terminated {
		delete(a.contracts, c.ContractID)
		return
	}
	a.contracts[c.ContractID] = contractContrib{Type: c.Type, Qty: c.Qty, Retrievable: c.Retrievable}
}

// applyExternal replaces one lender's availability. Indicative quotes carry no
// lendable quantity; firm quotes sit in their own bucket and enter the
// for-loan composition only through a market rule.
func (a *Aggregate) applyExternal(av domain.ExternalAvailability) {
	key := av.Lender + "|" + string(av.Type)
	if av.Type == domain.AvailabilityIndicative || av.Quantity == 0 {
		delete(a.externals, key)
		return
	}
	a.externals[key] = externalContrib{Type: av.Type, Qty: av.Quantity}
}

// buckets recomputes every bucket from the stored contributions. Iteration
// order never affects the sums, so outputs are deterministic.
func (a *Aggregate) buckets() map[string]int64 {
	b := map[string]int64{
		BucketPayToHold:         a.PayToHold,
		BucketReservedForClient: a.ReservedForClient,
	}
	for _, c := range a.books {
		b[BucketLong] += c.Long
		b[BucketHypothecatable] += c.Hypothecatable
		b[BucketBorrowed] += c.Borrowed
		b[BucketPendingCA] += c.PendingCA
		b[BucketCrossBorder] += c.CrossBorder
	}
	for _, c := range a.contracts {
		switch c.Type {
		case domain.ContractLoan:
			b[BucketSLABLoaned] += c.Qty
		case domain.ContractRepo:
			if c.Retrievable {
				b[BucketRepoPledged] += c.Qty
			} else {
				b[BucketPledgedUnavailable] += c.Qty
			}
		case domain.ContractPledgeOut:
			if c.Retrievable {
				b[BucketSwapPledged] += c.Qty
			} else {
				b[BucketPledgedUnavailable] += c.Qty
			}
		}
	}
	for _, ext := range a.externals {
		switch ext.Type {
		case domain.AvailabilityExclusive:
			b[BucketExternalExclusive] += ext.Qty
		case domain.AvailabilityFirm:
			b[BucketExternalFirm] += ext.Qty
		}
	}
	return b
}

// borrowContracts sums borrow quantity for the overborrow calculation.
func (a *Aggregate) borrowContracts() int64 {
	var total int64
	for _, c := range a.contracts {
		if c.Type == domain.ContractBorrow {
			total += c.Qty
		}
	}
	return total
}

// requiredCover is the borrow quantity still committed: loans outstanding
// plus pay-to-hold reservations.
func (a *Aggregate) requiredCover() int64 {
	var cover int64
	for _, c := range a.contracts {
		if c.Type == domain.ContractLoan {
			cover += c.Qty
		}
	}
	return cover + a.PayToHold
}

// compute evaluates every category under the given rule snapshot.
func (a *Aggregate) compute(snap *rules.Snapshot, at time.Time) (map[string]int64, error) {
	buckets := a.buckets()

	includes := append([]string(nil), defaultIncludes...)
	excludes := append([]string(nil), defaultExcludes...)

	if snap != nil {
		out, err := snap.Evaluate(rules.RuleForLoan, a.Market, at, rules.Facts{
			"market": a.Market,
		})
		if err == nil && out.Matched {
			includes, excludes = applyRuleBuckets(includes, excludes, out)
		}
		// An evaluation error means defaults apply (no-rule-matched).
	}

	forLoan := int64(0)
	for _, name := range includes {
		forLoan += buckets[name]
	}
	for _, name := range excludes {
		forLoan -= buckets[name]
	}

	forPledge := forLoan - buckets[BucketPledgedUnavailable] - buckets[BucketPendingCA]
	overborrow := a.borrowContracts() - a.requiredCover()
	if overborrow < 0 {
		overborrow = 0
	}
	locate := forLoan - a.LocateDecrement

	return map[string]int64{
		CategoryForLoan:    forLoan,
		CategoryForPledge:  forPledge,
		CategoryOverborrow: overborrow,
		CategoryLocate:     locate,
	}, nil
}

// projectedForLoan walks the ladder: baseline plus net receipts through day k.
// The long-dated tail is excluded.
func (a *Aggregate) projectedForLoan(baseline int64, k int) int64 {
	projected := baseline
	for _, c := range a.books {
		ladder := len(c.Receipt) - 1
		limit := k
		if limit >= ladder {
			limit = ladder - 1
		}
		for i := 0; i <= limit && i < len(c.Receipt); i++ {
			projected += c.Receipt[i] - c.Deliver[i]
		}
	}
	return projected
}

// applyRuleBuckets folds rule include/exclude deltas into the default sets.
// An include lifts a default exclusion; an exclude lifts a default inclusion.
func applyRuleBuckets(includes, excludes []string, out *rules.Outcome) ([]string, []string) {
	for _, b := range out.IncludeBuckets {
		excludes = remove(excludes, b)
		if !contains(includes, b) {
			includes = append(includes, b)
		}
	}
	for _, b := range out.ExcludeBuckets {
		includes = remove(includes, b)
		if !contains(excludes, b) {
			excludes = append(excludes, b)
		}
	}
	sort.Strings(includes)
	sort.Strings(excludes)
	return includes, excludes
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func remove(set []string, v string) []string {
	out := set[:0]
	for _, s := range set {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}
