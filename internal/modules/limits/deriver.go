package limits

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
	"github.com/meridian-pb/inventory/internal/modules/inventory"
	"github.com/meridian-pb/inventory/internal/modules/position"
	"github.com/meridian-pb/inventory/internal/modules/rules"
)

// ReferenceSource resolves books and securities for limit derivation.
type ReferenceSource interface {
	GetSecurity(internalID string) (*domain.Security, error)
	AUForBook(book, market string) (string, error)
	ClientForBook(book, market string) (string, error)
	GetAggregationUnit(id string) (*domain.AggregationUnit, error)
}

// RuleSource hands out the current rule snapshot.
type RuleSource interface {
	Snapshot() *rules.Snapshot
}

type posKey struct {
	Book       string
	SecurityID string
}

type posContrib struct {
	Client    string
	AU        string
	TDQty     int64
	PendingCA bool
}

type finContrib struct {
	AU         string
	SecurityID string
	Type       domain.ContractType
	Qty        int64
}

type extContrib struct {
	SecurityID string
	Market     string
	Type       domain.AvailabilityType
	Qty        int64
}

type derivedKey struct {
	Key  domain.LimitKey
	Side domain.Side
}

// Deriver maintains the base sell limits from the calculation streams.
//
// Client long-sell limits track the client's long positions; aggregation-unit
// long-sell limits track the unit's net long; aggregation-unit short-sell
// limits track borrows net of loans plus external availability the market's
// limit rule permits. Each derived value is applied as a delta against the
// last derivation, so locate approvals and operator adjustments on the same
// key compose instead of being clobbered.
type Deriver struct {
	engine *Engine
	ref    ReferenceSource
	rules  RuleSource
	log    zerolog.Logger

	mu        sync.Mutex
	positions map[posKey]posContrib
	contracts map[string]finContrib
	externals map[string]extContrib
	last      map[derivedKey]int64
}

// NewDeriver creates a limit deriver feeding the given engine.
func NewDeriver(engine *Engine, ref ReferenceSource, ruleSrc RuleSource, log zerolog.Logger) *Deriver {
	return &Deriver{
		engine:    engine,
		ref:       ref,
		rules:     ruleSrc,
		log:       log.With().Str("component", "limit_deriver").Logger(),
		positions: make(map[posKey]posContrib),
		contracts: make(map[string]finContrib),
		externals: make(map[string]extContrib),
		last:      make(map[derivedKey]int64),
	}
}

// Reset discards every accumulated contribution. The start-of-day roll calls
// this after the engine rebuild so stale derivation baselines never leak into
// the new date.
func (d *Deriver) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.positions = make(map[posKey]posContrib)
	d.contracts = make(map[string]finContrib)
	d.externals = make(map[string]extContrib)
	d.last = make(map[derivedKey]int64)
}

// Handle is the fabric consumer for position deltas, contract events and
// external availabilities.
func (d *Deriver) Handle(ctx context.Context, ev *fabric.Event) error {
	var err error
	switch ev.Type {
	case "position-delta":
		var delta position.Delta
		if err = fabric.DecodePayload(ev.Payload, &delta); err == nil {
			err = d.applyPosition(delta)
		}
	case position.EventContract:
		var c position.ContractEvent
		if err = fabric.DecodePayload(ev.Payload, &c); err == nil {
			err = d.applyContract(c)
		}
	case "external-availability":
		var av domain.ExternalAvailability
		if err = fabric.DecodePayload(ev.Payload, &av); err == nil {
			err = d.applyExternal(av)
		}
	default:
		return nil
	}

	if err != nil {
		d.log.Info().
			Err(err).
			Str("event_id", ev.ID).
			Str("event_type", ev.Type).
			Msg("Limit derivation skipped event")
	}
	return nil
}

func (d *Deriver) applyPosition(delta position.Delta) error {
	if delta.Post == nil {
		return nil
	}
	sec, err := d.ref.GetSecurity(delta.SecurityID)
	if err != nil {
		return err
	}
	if sec == nil {
		d.log.Debug().Str("security", delta.SecurityID).Msg("Unknown security, position ignored")
		return nil
	}
	au, err := d.ref.AUForBook(delta.Book, sec.Market)
	if err != nil {
		return err
	}
	client, err := d.ref.ClientForBook(delta.Book, sec.Market)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	k := posKey{Book: delta.Book, SecurityID: delta.SecurityID}
	prev := d.positions[k]
	d.positions[k] = posContrib{
		Client: client,
		AU:     au,
		TDQty:  delta.Post.TDQty,
		PendingCA: delta.Post.PendingCA ||
			delta.Post.Flags.Has(domain.FlagCorporateActionPending),
	}

	if client != "" {
		d.recomputeClientLong(client, delta.SecurityID, sec.Market)
	}
	if prev.Client != "" && prev.Client != client {
		d.recomputeClientLong(prev.Client, delta.SecurityID, sec.Market)
	}
	if au != "" {
		d.recomputeAULong(au, delta.SecurityID, sec.Market)
	}
	if prev.AU != "" && prev.AU != au {
		d.recomputeAULong(prev.AU, delta.SecurityID, sec.Market)
	}
	return nil
}

func (d *Deriver) applyContract(c position.ContractEvent) error {
	if c.Type != domain.ContractBorrow && c.Type != domain.ContractLoan {
		return nil
	}
	sec, err := d.ref.GetSecurity(c.SecurityID)
	if err != nil {
		return err
	}
	if sec == nil {
		d.log.Debug().Str("security", c.SecurityID).Msg("Unknown security, contract ignored")
		return nil
	}
	au, err := d.ref.AUForBook(c.Book, sec.Market)
	if err != nil {
		return err
	}
	if au == "" {
		d.log.Debug().Str("book", c.Book).Str("market", sec.Market).Msg("Unmapped book, contract ignored")
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if c.Terminated {
		delete(d.contracts, c.ContractID)
	} else {
		d.contracts[c.ContractID] = finContrib{AU: au, SecurityID: c.SecurityID, Type: c.Type, Qty: c.Qty}
	}
	return d.recomputeAUShort(au, c.SecurityID)
}

func (d *Deriver) applyExternal(av domain.ExternalAvailability) error {
	if av.Type == domain.AvailabilityIndicative {
		return nil
	}
	sec, err := d.ref.GetSecurity(av.SecurityID)
	if err != nil {
		return err
	}
	if sec == nil {
		d.log.Debug().Str("security", av.SecurityID).Msg("Unknown security, availability ignored")
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := av.Lender + "|" + string(av.Type) + "|" + av.SecurityID
	if av.Quantity == 0 {
		delete(d.externals, key)
	} else {
		d.externals[key] = extContrib{SecurityID: av.SecurityID, Market: sec.Market, Type: av.Type, Qty: av.Quantity}
	}

	// External capacity lands on the units already financing the security.
	seen := make(map[string]struct{})
	for _, c := range d.contracts {
		if c.SecurityID != av.SecurityID {
			continue
		}
		if _, ok := seen[c.AU]; ok {
			continue
		}
		seen[c.AU] = struct{}{}
		if err := d.recomputeAUShort(c.AU, av.SecurityID); err != nil {
			return err
		}
	}
	return nil
}

// recomputeClientLong derives the client long-sell base: the sum of the
// client's long positions in the security. Positions pending a corporate
// action drop out unless the market's limit rule keeps them in.
func (d *Deriver) recomputeClientLong(client, securityID, market string) {
	includePendingCA := d.ruleIncludes(market, inventory.BucketPendingCA)

	var total int64
	for k, p := range d.positions {
		if k.SecurityID != securityID || p.Client != client || p.TDQty <= 0 {
			continue
		}
		if p.PendingCA && !includePendingCA {
			continue
		}
		total += p.TDQty
	}
	d.apply(domain.ScopeClient, client, securityID, domain.SideSell, total)
}

// recomputeAULong derives the aggregation-unit long-sell base: the unit's net
// long in the security, floored at zero.
func (d *Deriver) recomputeAULong(au, securityID, market string) {
	includePendingCA := d.ruleIncludes(market, inventory.BucketPendingCA)

	var net int64
	for k, p := range d.positions {
		if k.SecurityID != securityID || p.AU != au {
			continue
		}
		if p.PendingCA && !includePendingCA {
			continue
		}
		net += p.TDQty
	}
	if net < 0 {
		net = 0
	}
	d.apply(domain.ScopeAU, au, securityID, domain.SideSell, net)
}

// recomputeAUShort derives the aggregation-unit short-sell base: borrows net
// of loans, plus the external availability the market's limit rule permits,
// floored at zero. Exclusive availability counts by default; firm quotes count
// only where a rule admits them.
func (d *Deriver) recomputeAUShort(au, securityID string) error {
	unit, err := d.ref.GetAggregationUnit(au)
	if err != nil {
		return err
	}
	if unit == nil {
		d.log.Debug().Str("au", au).Msg("Unknown aggregation unit, short derivation skipped")
		return nil
	}

	var total int64
	for _, c := range d.contracts {
		if c.AU != au || c.SecurityID != securityID {
			continue
		}
		switch c.Type {
		case domain.ContractBorrow:
			total += c.Qty
		case domain.ContractLoan:
			total -= c.Qty
		}
	}

	includeFirm := d.ruleIncludes(unit.Market, inventory.BucketExternalFirm)
	for _, ext := range d.externals {
		if ext.SecurityID != securityID || ext.Market != unit.Market {
			continue
		}
		switch ext.Type {
		case domain.AvailabilityExclusive:
			total += ext.Qty
		case domain.AvailabilityFirm:
			if includeFirm {
				total += ext.Qty
			}
		}
	}

	if total < 0 {
		total = 0
	}
	d.apply(domain.ScopeAU, au, securityID, domain.SideShortSell, total)
	return nil
}

// ruleIncludes reports whether the market's limit rule admits a bucket into
// the derivation.
func (d *Deriver) ruleIncludes(market, bucket string) bool {
	if d.rules == nil {
		return false
	}
	snap := d.rules.Snapshot()
	if snap == nil {
		return false
	}
	out, err := snap.Evaluate(rules.RuleLimit, market, time.Now(), rules.Facts{"market": market})
	if err != nil || !out.Matched {
		return false
	}
	return out.Includes(bucket)
}

// apply moves the key's side to the newly derived value. Only the difference
// against the previous derivation is pushed, so adjustments from other writers
// on the same key survive.
func (d *Deriver) apply(scope domain.LimitScope, owner, securityID string, side domain.Side, value int64) {
	key := d.engine.Key(scope, owner, securityID)
	dk := derivedKey{Key: key, Side: side}
	if delta := value - d.last[dk]; delta != 0 {
		d.engine.AdjustLimit(key, side, delta)
	}
	d.last[dk] = value
}
