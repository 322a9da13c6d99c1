package inventory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
	"github.com/meridian-pb/inventory/internal/modules/position"
	"github.com/meridian-pb/inventory/internal/modules/rules"
)

// Publisher is the fabric surface used to emit inventory deltas.
type Publisher interface {
	Publish(e *fabric.Event) error
}

// SecurityResolver maps internal security IDs to their attributes. The
// reference repository satisfies it.
type SecurityResolver interface {
	GetSecurity(internalID string) (*domain.Security, error)
}

// Delta is the published inventory change for one category.
type Delta struct {
	SecurityID   string              `msgpack:"security_id"`
	Market       string              `msgpack:"market"`
	Category     string              `msgpack:"category"`
	BusinessDate domain.BusinessDate `msgpack:"business_date"`
	Pre          int64               `msgpack:"pre"`
	Post         int64               `msgpack:"post"`
	Sequence     uint64              `msgpack:"sequence"`
}

const invShardCount = 32

type aggKey struct {
	SecurityID string
	Market     string
}

type invShard struct {
	mu   sync.RWMutex
	aggs map[aggKey]*Aggregate
}

// Engine maintains the availability categories per (security, market). Each
// aggregate is mutated only on its partition worker; incremental updates touch
// only the triggering aggregate, full recomputes follow rule changes.
type Engine struct {
	repo     *Repository
	pub      Publisher
	rules    *rules.Engine
	resolver SecurityResolver
	log      zerolog.Logger

	mu           sync.RWMutex
	businessDate domain.BusinessDate

	shards [invShardCount]*invShard

	now func() time.Time
}

// NewEngine creates an inventory engine.
func NewEngine(repo *Repository, pub Publisher, ruleEngine *rules.Engine, resolver SecurityResolver, date domain.BusinessDate, log zerolog.Logger) *Engine {
	e := &Engine{
		repo:         repo,
		pub:          pub,
		rules:        ruleEngine,
		resolver:     resolver,
		businessDate: date,
		log:          log.With().Str("component", "inventory_engine").Logger(),
		now:          time.Now,
	}
	for i := range e.shards {
		e.shards[i] = &invShard{aggs: make(map[aggKey]*Aggregate)}
	}
	return e
}

// BusinessDate returns the current business date.
func (e *Engine) BusinessDate() domain.BusinessDate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.businessDate
}

// RollBusinessDate clears all aggregates for the new day.
func (e *Engine) RollBusinessDate(date domain.BusinessDate) {
	e.mu.Lock()
	e.businessDate = date
	e.mu.Unlock()
	for _, s := range e.shards {
		s.mu.Lock()
		s.aggs = make(map[aggKey]*Aggregate)
		s.mu.Unlock()
	}
	e.log.Info().Str("business_date", string(date)).Msg("Inventory aggregates reset")
}

func (e *Engine) shardFor(securityID string) *invShard {
	return e.shards[fabric.PartitionFor(securityID, invShardCount)]
}

// marketOf resolves the security's home market.
func (e *Engine) marketOf(securityID string) (string, error) {
	sec, err := e.resolver.GetSecurity(securityID)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("security %s is not in the reference store", securityID)
	}
	return sec.Market, nil
}

func (e *Engine) aggregate(securityID, market string) *Aggregate {
	s := e.shardFor(securityID)
	key := aggKey{SecurityID: securityID, Market: market}
	s.mu.Lock()
	defer s.mu.Unlock()
	agg, ok := s.aggs[key]
	if !ok {
		agg = newAggregate(securityID, market)
		s.aggs[key] = agg
	}
	return agg
}

// ApplyPositionDelta folds a position change into the security's aggregate.
func (e *Engine) ApplyPositionDelta(d position.Delta, seq uint64) (domain.OutcomeCode, error) {
	if d.Post == nil {
		return domain.ReasonInvalid, fmt.Errorf("position delta without post-state")
	}
	market, err := e.marketOf(d.SecurityID)
	if err != nil {
		return domain.ReasonUnmapped, err
	}

	agg := e.aggregate(d.SecurityID, market)
	s := e.shardFor(d.SecurityID)
	s.mu.Lock()
	if seq != 0 && seq <= agg.Sequence {
		s.mu.Unlock()
		return domain.ReasonDuplicate, nil
	}
	agg.applyPosition(d.Post, false)
	agg.Sequence = seq
	s.mu.Unlock()

	return domain.OutcomeApproved, e.recomputeAndPublish(agg)
}

// ApplyContract folds a financing contract into the aggregate's buckets.
func (e *Engine) ApplyContract(c position.ContractEvent, seq uint64) (domain.OutcomeCode, error) {
	market, err := e.marketOf(c.SecurityID)
	if err != nil {
		return domain.ReasonUnmapped, err
	}

	agg := e.aggregate(c.SecurityID, market)
	s := e.shardFor(c.SecurityID)
	s.mu.Lock()
	if seq != 0 && seq <= agg.Sequence {
		s.mu.Unlock()
		return domain.ReasonDuplicate, nil
	}
	agg.applyContract(c)
	agg.Sequence = seq
	s.mu.Unlock()

	return domain.OutcomeApproved, e.recomputeAndPublish(agg)
}

// ApplyAvailability folds an external lender availability into the aggregate.
func (e *Engine) ApplyAvailability(av domain.ExternalAvailability, seq uint64) (domain.OutcomeCode, error) {
	market, err := e.marketOf(av.SecurityID)
	if err != nil {
		return domain.ReasonUnmapped, err
	}
	if err := e.repo.SaveExternal(av); err != nil {
		return "", err
	}

	agg := e.aggregate(av.SecurityID, market)
	s := e.shardFor(av.SecurityID)
	s.mu.Lock()
	agg.applyExternal(av)
	if seq > agg.Sequence {
		agg.Sequence = seq
	}
	s.mu.Unlock()

	return domain.OutcomeApproved, e.recomputeAndPublish(agg)
}

// AdjustLocateDecrement moves the locate decrement pool by delta shares and
// returns the resulting locate availability. The locate workflow calls it on
// approval and on intraday decrement revisions.
func (e *Engine) AdjustLocateDecrement(securityID string, delta int64) (int64, error) {
	market, err := e.marketOf(securityID)
	if err != nil {
		return 0, err
	}
	agg := e.aggregate(securityID, market)
	s := e.shardFor(securityID)
	s.mu.Lock()
	agg.LocateDecrement += delta
	s.mu.Unlock()

	if err := e.recomputeAndPublish(agg); err != nil {
		return 0, err
	}
	return e.LocateAvailability(securityID)
}

// AdjustPayToHold moves the pay-to-hold reservation pool.
func (e *Engine) AdjustPayToHold(securityID string, delta int64) error {
	market, err := e.marketOf(securityID)
	if err != nil {
		return err
	}
	agg := e.aggregate(securityID, market)
	s := e.shardFor(securityID)
	s.mu.Lock()
	agg.PayToHold += delta
	s.mu.Unlock()
	return e.recomputeAndPublish(agg)
}

// LocateAvailability returns the current short-sellable quantity for one
// security in its home market.
func (e *Engine) LocateAvailability(securityID string) (int64, error) {
	market, err := e.marketOf(securityID)
	if err != nil {
		return 0, err
	}
	values, err := e.computeFor(securityID, market)
	if err != nil {
		return 0, err
	}
	return values[CategoryLocate], nil
}

// Category returns the current value of one category.
func (e *Engine) Category(securityID, market, category string) (int64, error) {
	values, err := e.computeFor(securityID, market)
	if err != nil {
		return 0, err
	}
	return values[category], nil
}

// CategoriesFor returns every published category for a security and market.
func (e *Engine) CategoriesFor(securityID, market string) (map[string]int64, error) {
	values, err := e.computeFor(securityID, market)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(Categories))
	for _, c := range Categories {
		out[c] = values[c]
	}
	return out, nil
}

// ProjectedForLoan returns the for-loan value projected to settlement day k.
func (e *Engine) ProjectedForLoan(securityID, market string, k int) (int64, error) {
	s := e.shardFor(securityID)
	s.mu.RLock()
	agg, ok := s.aggs[aggKey{SecurityID: securityID, Market: market}]
	if !ok {
		s.mu.RUnlock()
		return 0, nil
	}
	values, err := agg.compute(e.rules.Snapshot(), e.now())
	if err != nil {
		s.mu.RUnlock()
		return 0, err
	}
	projected := agg.projectedForLoan(values[CategoryForLoan], k)
	s.mu.RUnlock()
	return projected, nil
}

func (e *Engine) computeFor(securityID, market string) (map[string]int64, error) {
	s := e.shardFor(securityID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	agg, ok := s.aggs[aggKey{SecurityID: securityID, Market: market}]
	if !ok {
		return map[string]int64{}, nil
	}
	return agg.compute(e.rules.Snapshot(), e.now())
}

// recomputeAndPublish evaluates the aggregate's categories and emits a delta
// for every changed value, in deterministic category order.
func (e *Engine) recomputeAndPublish(agg *Aggregate) error {
	s := e.shardFor(agg.SecurityID)
	s.mu.Lock()
	values, err := agg.compute(e.rules.Snapshot(), e.now())
	if err != nil {
		s.mu.Unlock()
		return err
	}

	type emit struct {
		category  string
		pre, post int64
	}
	var emits []emit
	for _, category := range Categories {
		post := values[category]
		pre, seen := agg.lastPublished[category]
		if seen && pre == post {
			continue
		}
		agg.lastPublished[category] = post
		emits = append(emits, emit{category: category, pre: pre, post: post})
	}
	seq := agg.Sequence
	s.mu.Unlock()

	date := e.BusinessDate()
	for _, em := range emits {
		if err := e.repo.SaveCategory(agg.SecurityID, agg.Market, date, em.category, em.post, seq); err != nil {
			return err
		}
		e.publishDelta(Delta{
			SecurityID:   agg.SecurityID,
			Market:       agg.Market,
			Category:     em.category,
			BusinessDate: date,
			Pre:          em.pre,
			Post:         em.post,
			Sequence:     seq,
		})
	}
	return nil
}

func (e *Engine) publishDelta(d Delta) {
	if e.pub == nil {
		return
	}
	payload, err := fabric.EncodePayload(&d)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to encode inventory delta")
		return
	}
	err = e.pub.Publish(&fabric.Event{
		ID:           uuid.NewString(),
		Type:         "inventory-delta",
		Source:       "inventory-engine",
		Stream:       fabric.StreamInventoryDelta,
		PartitionKey: d.SecurityID,
		Payload:      payload,
	})
	if err != nil {
		e.log.Error().Err(err).Str("security", d.SecurityID).Msg("Failed to publish inventory delta")
	}
}

// RecomputeAll re-evaluates every aggregate, shard-parallel. Rule changes and
// drift verification trigger it; cancellation discards nothing already
// published but stops further work.
func (e *Engine) RecomputeAll(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range e.shards {
		s := s
		g.Go(func() error {
			s.mu.RLock()
			keys := make([]aggKey, 0, len(s.aggs))
			for key := range s.aggs {
				keys = append(keys, key)
			}
			s.mu.RUnlock()
			sort.Slice(keys, func(i, j int) bool {
				if keys[i].SecurityID != keys[j].SecurityID {
					return keys[i].SecurityID < keys[j].SecurityID
				}
				return keys[i].Market < keys[j].Market
			})

			for _, key := range keys {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				s.mu.RLock()
				agg := s.aggs[key]
				s.mu.RUnlock()
				if agg == nil {
					continue
				}
				if err := e.recomputeAndPublish(agg); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// VerifyDrift compares the stored projection against freshly computed values
// and republishes where they diverge. Returns the number of drifted rows.
func (e *Engine) VerifyDrift(ctx context.Context) (int, error) {
	drifted := 0
	date := e.BusinessDate()
	for _, s := range e.shards {
		select {
		case <-ctx.Done():
			return drifted, ctx.Err()
		default:
		}

		s.mu.RLock()
		aggs := make([]*Aggregate, 0, len(s.aggs))
		for _, agg := range s.aggs {
			aggs = append(aggs, agg)
		}
		s.mu.RUnlock()

		for _, agg := range aggs {
			values, err := e.computeFor(agg.SecurityID, agg.Market)
			if err != nil {
				return drifted, err
			}
			stored, err := e.repo.CategoriesFor(agg.SecurityID, agg.Market, date)
			if err != nil {
				return drifted, err
			}
			for _, category := range Categories {
				if stored[category] == values[category] {
					continue
				}
				drifted++
				e.log.Warn().
					Str("security", agg.SecurityID).
					Str("market", agg.Market).
					Str("category", category).
					Int64("stored", stored[category]).
					Int64("computed", values[category]).
					Msg("Inventory drift detected, republishing")
				if err := e.repo.SaveCategory(agg.SecurityID, agg.Market, date, category, values[category], agg.Sequence); err != nil {
					return drifted, err
				}
				e.publishDelta(Delta{
					SecurityID:   agg.SecurityID,
					Market:       agg.Market,
					Category:     category,
					BusinessDate: date,
					Pre:          stored[category],
					Post:         values[category],
					Sequence:     agg.Sequence,
				})
			}
		}
	}
	return drifted, nil
}

// Handle is the fabric consumer for position deltas, contracts and external
// availabilities.
func (e *Engine) Handle(ctx context.Context, ev *fabric.Event) error {
	var outcome domain.OutcomeCode
	var err error

	switch ev.Type {
	case "position-delta":
		var d position.Delta
		if err = fabric.DecodePayload(ev.Payload, &d); err == nil {
			outcome, err = e.ApplyPositionDelta(d, ev.Sequence)
		}
	case position.EventContract:
		var c position.ContractEvent
		if err = fabric.DecodePayload(ev.Payload, &c); err == nil {
			outcome, err = e.ApplyContract(c, ev.Sequence)
		}
	case "external-availability":
		var av domain.ExternalAvailability
		if err = fabric.DecodePayload(ev.Payload, &av); err == nil {
			outcome, err = e.ApplyAvailability(av, ev.Sequence)
		}
	default:
		return nil
	}

	if err != nil {
		e.log.Info().
			Err(err).
			Str("event_id", ev.ID).
			Str("outcome", string(outcome)).
			Msg("Inventory event rejected")
	}
	return nil
}
