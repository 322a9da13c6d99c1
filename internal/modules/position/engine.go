package position

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
)

// Publisher is the fabric surface the engine needs to announce deltas.
type Publisher interface {
	Publish(e *fabric.Event) error
}

const shardCount = 32

type posKey struct {
	Book       string
	SecurityID string
}

type shard struct {
	mu        sync.RWMutex
	positions map[posKey]*domain.Position
}

// orderRecord ties executions back to the settlement bucket of the parent
// trade. Applied is the quantity already posted to the ladder; fills beyond
// it post incrementally.
type orderRecord struct {
	Book       string
	SecurityID string
	Side       domain.Side
	Bucket     int
	Qty        int64
	Applied    int64
	Executed   int64
	LocateID   string
}

// Options tunes the engine.
type Options struct {
	LadderDays   int
	BusinessDate domain.BusinessDate
}

// Engine owns per-(book, security) position state for the current business
// date. Mutation happens only on the fabric's partition workers, so each key
// has a single writer; the shard locks exist for the read-side query surface.
type Engine struct {
	repo *Repository
	pub  Publisher
	log  zerolog.Logger

	ladderDays int

	mu           sync.RWMutex
	businessDate domain.BusinessDate

	shards [shardCount]*shard

	ordersMu sync.RWMutex
	orders   map[string]*orderRecord

	dirtyMu sync.Mutex
	dirty   map[posKey]struct{}

	// halt stops consumption on a partition after an invariant violation.
	halt func(stream fabric.Stream, partition int)

	// onExecution notifies the locate workflow of fills against located
	// orders.
	onExecution func(d ExecutionDelta)
}

// NewEngine creates a position engine for the given business date.
func NewEngine(repo *Repository, pub Publisher, opts Options, log zerolog.Logger) *Engine {
	if opts.LadderDays <= 0 {
		opts.LadderDays = 5
	}
	e := &Engine{
		repo:         repo,
		pub:          pub,
		log:          log.With().Str("component", "position_engine").Logger(),
		ladderDays:   opts.LadderDays,
		businessDate: opts.BusinessDate,
		orders:       make(map[string]*orderRecord),
		dirty:        make(map[posKey]struct{}),
	}
	for i := range e.shards {
		e.shards[i] = &shard{positions: make(map[posKey]*domain.Position)}
	}
	return e
}

// SetHalter wires the fabric's partition halt for invariant violations.
func (e *Engine) SetHalter(fn func(stream fabric.Stream, partition int)) { e.halt = fn }

// OnExecution registers the fill callback used by the locate workflow.
func (e *Engine) OnExecution(fn func(d ExecutionDelta)) { e.onExecution = fn }

// BusinessDate returns the engine's current business date.
func (e *Engine) BusinessDate() domain.BusinessDate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.businessDate
}

// RollBusinessDate freezes the previous day into the historical snapshot and
// resets intraday state. Business dates only move forward.
func (e *Engine) RollBusinessDate(date domain.BusinessDate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.businessDate != "" && date <= e.businessDate {
		return fmt.Errorf("business date must be monotonic: %s after %s", date, e.businessDate)
	}

	if e.businessDate != "" {
		if err := e.flushLocked(); err != nil {
			return err
		}
		if err := e.repo.Freeze(e.businessDate); err != nil {
			return err
		}
	}

	for _, s := range e.shards {
		s.mu.Lock()
		s.positions = make(map[posKey]*domain.Position)
		s.mu.Unlock()
	}
	e.ordersMu.Lock()
	e.orders = make(map[string]*orderRecord)
	e.ordersMu.Unlock()

	e.businessDate = date
	e.log.Info().Str("business_date", string(date)).Msg("Business date rolled")
	return nil
}

// Recover loads the current day's projection back into memory. Replay from
// the last cursor then brings the state to the log tail; the per-position
// sequence watermark makes reapplied events no-ops.
func (e *Engine) Recover() error {
	positions, err := e.repo.LoadDay(e.BusinessDate())
	if err != nil {
		return err
	}
	for _, p := range positions {
		s := e.shardFor(p.SecurityID)
		s.mu.Lock()
		s.positions[posKey{Book: p.Book, SecurityID: p.SecurityID}] = p
		s.mu.Unlock()
	}
	e.log.Info().Int("positions", len(positions)).Msg("Position projection recovered")
	return nil
}

func (e *Engine) shardFor(securityID string) *shard {
	return e.shards[fabric.PartitionFor(securityID, shardCount)]
}

func (e *Engine) getOrCreate(book, securityID string) *domain.Position {
	s := e.shardFor(securityID)
	key := posKey{Book: book, SecurityID: securityID}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[key]
	if !ok {
		p = domain.NewPosition(book, securityID, e.BusinessDate(), e.ladderDays)
		s.positions[key] = p
	}
	return p
}

// bucketFor maps a settlement date onto a ladder slot. Dates beyond the
// horizon land in the long-dated tail, which SD projections exclude.
func (e *Engine) bucketFor(settlement domain.BusinessDate) int {
	bd, err := e.BusinessDate().Time()
	if err != nil {
		return e.ladderDays
	}
	sd, err := settlement.Time()
	if err != nil {
		return e.ladderDays
	}
	days := int(sd.Sub(bd).Hours() / 24)
	if days < 0 {
		days = 0
	}
	if days >= e.ladderDays {
		return e.ladderDays // long-dated tail
	}
	return days
}

// ApplySOD replaces the start-of-day baseline. Idempotent on
// (book, business-date); a load for any other date is stale.
func (e *Engine) ApplySOD(load SODLoad, seq uint64) (domain.OutcomeCode, error) {
	if load.BusinessDate != e.BusinessDate() {
		e.log.Info().
			Str("book", load.Book).
			Str("security", load.SecurityID).
			Str("load_date", string(load.BusinessDate)).
			Str("current_date", string(e.BusinessDate())).
			Msg("Rejected stale SOD load")
		return domain.ReasonStaleSOD, nil
	}

	p := e.getOrCreate(load.Book, load.SecurityID)
	s := e.shardFor(load.SecurityID)
	s.mu.Lock()
	if seq != 0 && seq <= p.Sequence {
		s.mu.Unlock()
		return domain.ReasonDuplicate, nil
	}
	old := p.Clone()

	p.TDQty = load.TDQty
	p.SDQty = load.SDQty
	copyLadder(p.Deliver, load.Deliver)
	copyLadder(p.Receipt, load.Receipt)
	p.IntradayBuy = 0
	p.IntradaySell = 0
	p.IntradayShortSell = 0
	p.Sequence = seq

	if err := p.Validate(); err != nil {
		*p = *old
		s.mu.Unlock()
		return domain.ReasonEngineHalt, err
	}
	post := p.Clone()
	s.mu.Unlock()

	e.markDirty(load.Book, load.SecurityID)
	e.publishDelta(old, post)
	return domain.OutcomeApproved, nil
}

// ApplyTrade posts a trade to the ladder and intraday counters. A zero
// quantity is accepted with no state change and no event.
func (e *Engine) ApplyTrade(t Trade, seq uint64) (domain.OutcomeCode, error) {
	if t.Qty < 0 {
		return domain.ReasonInvalid, fmt.Errorf("negative trade quantity %d", t.Qty)
	}
	if t.Side != domain.SideBuy && t.Side != domain.SideSell && t.Side != domain.SideShortSell {
		return domain.ReasonInvalid, fmt.Errorf("unknown trade side %q", t.Side)
	}
	if t.Qty == 0 {
		return domain.OutcomeApproved, nil
	}

	bucket := e.bucketFor(t.SettlementDate)
	p := e.getOrCreate(t.Book, t.SecurityID)
	s := e.shardFor(t.SecurityID)

	s.mu.Lock()
	if seq != 0 && seq <= p.Sequence {
		s.mu.Unlock()
		return domain.ReasonDuplicate, nil
	}
	old := p.Clone()

	switch t.Side {
	case domain.SideBuy:
		p.TDQty += t.Qty
		p.Receipt[bucket] += t.Qty
		p.IntradayBuy += t.Qty
	case domain.SideSell:
		p.TDQty -= t.Qty
		p.Deliver[bucket] += t.Qty
		p.IntradaySell += t.Qty
	case domain.SideShortSell:
		p.TDQty -= t.Qty
		p.Deliver[bucket] += t.Qty
		p.IntradayShortSell += t.Qty
	}
	p.Sequence = seq

	if err := p.Validate(); err != nil {
		*p = *old
		s.mu.Unlock()
		return domain.ReasonEngineHalt, err
	}
	post := p.Clone()
	s.mu.Unlock()

	if t.OrderID != "" {
		e.ordersMu.Lock()
		e.orders[t.OrderID] = &orderRecord{
			Book:       t.Book,
			SecurityID: t.SecurityID,
			Side:       t.Side,
			Bucket:     bucket,
			Qty:        t.Qty,
			Applied:    t.Qty,
			LocateID:   t.LocateID,
		}
		e.ordersMu.Unlock()
	}

	e.markDirty(t.Book, t.SecurityID)
	e.publishDelta(old, post)
	return domain.OutcomeApproved, nil
}

// ApplyExecution attaches a fill to its parent order. Fills up to the order
// quantity are already on the ladder; the excess posts to the same bucket.
func (e *Engine) ApplyExecution(x Execution, seq uint64) (domain.OutcomeCode, error) {
	e.ordersMu.Lock()
	ord, ok := e.orders[x.OrderID]
	if !ok {
		e.ordersMu.Unlock()
		return domain.ReasonUnmapped, fmt.Errorf("execution %s references unknown order %s", x.ExecutionID, x.OrderID)
	}
	ord.Executed += x.Qty
	overfill := ord.Executed - ord.Applied
	if overfill > 0 {
		ord.Applied = ord.Executed
	}
	snapshot := *ord
	e.ordersMu.Unlock()

	if overfill > 0 {
		_, err := e.ApplyTrade(Trade{
			SecurityID:     snapshot.SecurityID,
			Book:           snapshot.Book,
			Side:           snapshot.Side,
			Qty:            overfill,
			SettlementDate: e.settlementForBucket(snapshot.Bucket),
		}, seq)
		if err != nil {
			return domain.ReasonEngineHalt, err
		}
	}

	if e.onExecution != nil {
		e.onExecution(ExecutionDelta{
			OrderID:     x.OrderID,
			LocateID:    snapshot.LocateID,
			SecurityID:  snapshot.SecurityID,
			Book:        snapshot.Book,
			Side:        snapshot.Side,
			ExecutedQty: snapshot.Executed,
		})
	}
	return domain.OutcomeApproved, nil
}

// ApplyContract flips pledge and loan flags on the covered position.
func (e *Engine) ApplyContract(c ContractEvent, seq uint64) (domain.OutcomeCode, error) {
	var flag domain.PositionFlag
	switch c.Type {
	case domain.ContractLoan:
		flag = domain.FlagSLABLoaned
	case domain.ContractBorrow:
		flag = domain.FlagBorrowed
	case domain.ContractRepo, domain.ContractPledgeOut:
		flag = domain.FlagPledgedRepo
	case domain.ContractPledgeIn:
		flag = domain.FlagHypothecatable
	default:
		return domain.ReasonInvalid, fmt.Errorf("unknown contract type %q", c.Type)
	}

	p := e.getOrCreate(c.Book, c.SecurityID)
	s := e.shardFor(c.SecurityID)
	s.mu.Lock()
	if seq != 0 && seq <= p.Sequence {
		s.mu.Unlock()
		return domain.ReasonDuplicate, nil
	}
	old := p.Clone()
	if c.Terminated {
		p.Flags &^= flag
	} else {
		p.Flags |= flag
	}
	p.Sequence = seq
	post := p.Clone()
	s.mu.Unlock()

	e.markDirty(c.Book, c.SecurityID)
	e.publishDelta(old, post)
	return domain.OutcomeApproved, nil
}

// ApplyCorporateAction multiplies TD and SD by the factor on the value date.
// With an unknown value date the position is annotated pending and stays in
// totals.
func (e *Engine) ApplyCorporateAction(ca CorporateAction, seq uint64) (domain.OutcomeCode, error) {
	if ca.ValueDate != "" && ca.ValueDate != e.BusinessDate() {
		return domain.OutcomeApproved, nil // not yet effective
	}

	s := e.shardFor(ca.SecurityID)
	s.mu.Lock()
	type change struct{ old, post *domain.Position }
	var changes []change
	for key, p := range s.positions {
		if key.SecurityID != ca.SecurityID {
			continue
		}
		if seq != 0 && seq <= p.Sequence {
			continue
		}
		old := p.Clone()
		if ca.ValueDate == "" {
			p.PendingCA = true
			p.Flags |= domain.FlagCorporateActionPending
		} else {
			p.TDQty = applyFactor(p.TDQty, ca.Factor)
			p.SDQty = applyFactor(p.SDQty, ca.Factor)
			p.PendingCA = false
			p.Flags &^= domain.FlagCorporateActionPending
		}
		p.Sequence = seq
		changes = append(changes, change{old: old, post: p.Clone()})
	}
	s.mu.Unlock()

	for _, ch := range changes {
		e.markDirty(ch.post.Book, ch.post.SecurityID)
		e.publishDelta(ch.old, ch.post)
	}
	return domain.OutcomeApproved, nil
}

// Handle is the fabric consumer for the trade and contract streams.
// Duplicates and business rejections complete normally; an invariant
// violation halts the partition with state preserved for replay.
func (e *Engine) Handle(ctx context.Context, ev *fabric.Event) error {
	var outcome domain.OutcomeCode
	var err error

	switch ev.Type {
	case EventSODLoad:
		var load SODLoad
		if err = fabric.DecodePayload(ev.Payload, &load); err == nil {
			outcome, err = e.ApplySOD(load, ev.Sequence)
		}
	case EventTrade:
		var t Trade
		if err = fabric.DecodePayload(ev.Payload, &t); err == nil {
			outcome, err = e.ApplyTrade(t, ev.Sequence)
		}
	case EventExecution:
		var x Execution
		if err = fabric.DecodePayload(ev.Payload, &x); err == nil {
			outcome, err = e.ApplyExecution(x, ev.Sequence)
		}
	case EventContract:
		var c ContractEvent
		if err = fabric.DecodePayload(ev.Payload, &c); err == nil {
			outcome, err = e.ApplyContract(c, ev.Sequence)
		}
	case EventCorporateAction:
		var ca CorporateAction
		if err = fabric.DecodePayload(ev.Payload, &ca); err == nil {
			outcome, err = e.ApplyCorporateAction(ca, ev.Sequence)
		}
	default:
		e.log.Debug().Str("event_type", ev.Type).Msg("Ignored event type")
		return nil
	}

	switch {
	case outcome == domain.ReasonEngineHalt:
		e.log.Error().
			Err(err).
			Str("event_id", ev.ID).
			Int("partition", ev.Partition).
			Msg("Invariant violation, halting partition")
		e.publishException("engine-halt", ev.PartitionKey, err)
		if e.halt != nil {
			e.halt(ev.Stream, ev.Partition)
		}
		return nil
	case err != nil:
		e.log.Info().
			Err(err).
			Str("event_id", ev.ID).
			Str("outcome", string(outcome)).
			Msg("Event rejected")
		e.publishException("data", ev.PartitionKey, err)
		return nil
	case outcome == domain.ReasonDuplicate:
		return nil
	default:
		return nil
	}
}

// Get returns a clone of one position, or nil.
func (e *Engine) Get(book, securityID string) *domain.Position {
	s := e.shardFor(securityID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[posKey{Book: book, SecurityID: securityID}]
	if !ok {
		return nil
	}
	return p.Clone()
}

// ForEach visits a clone of every position.
func (e *Engine) ForEach(fn func(p *domain.Position)) {
	for _, s := range e.shards {
		s.mu.RLock()
		clones := make([]*domain.Position, 0, len(s.positions))
		for _, p := range s.positions {
			clones = append(clones, p.Clone())
		}
		s.mu.RUnlock()
		for _, p := range clones {
			fn(p)
		}
	}
}

// BySecurity returns clones of every book's position in one security.
func (e *Engine) BySecurity(securityID string) []*domain.Position {
	s := e.shardFor(securityID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.Position
	for key, p := range s.positions {
		if key.SecurityID == securityID {
			out = append(out, p.Clone())
		}
	}
	return out
}

// TotalsBySecurity sums contractual and settled quantity across books.
func (e *Engine) TotalsBySecurity(securityID string) (td, sd int64) {
	for _, p := range e.BySecurity(securityID) {
		td += p.TDQty
		sd += p.SDQty
	}
	return td, sd
}

// Flush persists every position mutated since the last flush. Persistence is
// off the hot path; the scheduler drives it.
func (e *Engine) Flush() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flushLocked()
}

func (e *Engine) flushLocked() error {
	e.dirtyMu.Lock()
	dirty := e.dirty
	e.dirty = make(map[posKey]struct{})
	e.dirtyMu.Unlock()

	for key := range dirty {
		p := e.Get(key.Book, key.SecurityID)
		if p == nil {
			continue
		}
		if err := e.repo.Save(p); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) markDirty(book, securityID string) {
	e.dirtyMu.Lock()
	e.dirty[posKey{Book: book, SecurityID: securityID}] = struct{}{}
	e.dirtyMu.Unlock()
}

func (e *Engine) publishDelta(old, post *domain.Position) {
	if e.pub == nil {
		return
	}
	d := Delta{
		Book:         post.Book,
		SecurityID:   post.SecurityID,
		BusinessDate: post.BusinessDate,
		TDDelta:      post.TDQty - old.TDQty,
		SDDelta:      post.SDQty - old.SDQty,
		DeliverDelta: ladderDiff(old.Deliver, post.Deliver),
		ReceiptDelta: ladderDiff(old.Receipt, post.Receipt),
		Post:         post,
		Sequence:     post.Sequence,
	}
	payload, err := fabric.EncodePayload(&d)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to encode position delta")
		return
	}
	err = e.pub.Publish(&fabric.Event{
		ID:           uuid.NewString(),
		Type:         "position-delta",
		Source:       "position-engine",
		Stream:       fabric.StreamPositionDelta,
		PartitionKey: post.SecurityID,
		Payload:      payload,
	})
	if err != nil {
		e.log.Error().Err(err).Str("security", post.SecurityID).Msg("Failed to publish position delta")
	}
}

func (e *Engine) publishException(kind, subject string, cause error) {
	if e.pub == nil {
		return
	}
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	payload, err := fabric.EncodePayload(map[string]string{
		"kind": kind, "severity": "high", "subject": subject, "reason": reason,
	})
	if err != nil {
		return
	}
	_ = e.pub.Publish(&fabric.Event{
		ID:           uuid.NewString(),
		Type:         "exception",
		Source:       "position-engine",
		Stream:       fabric.StreamException,
		PartitionKey: subject,
		Payload:      payload,
	})
}

// settlementForBucket reconstructs a settlement date landing in the given
// ladder slot of the current business date.
func (e *Engine) settlementForBucket(bucket int) domain.BusinessDate {
	bd, err := e.BusinessDate().Time()
	if err != nil {
		return e.BusinessDate()
	}
	if bucket > e.ladderDays {
		bucket = e.ladderDays
	}
	return domain.BusinessDateOf(bd.AddDate(0, 0, bucket))
}

func copyLadder(dst, src []int64) {
	for i := range dst {
		if i < len(src) {
			dst[i] = src[i]
		} else {
			dst[i] = 0
		}
	}
	// Quantities beyond the configured horizon fold into the tail.
	for i := len(dst); i < len(src); i++ {
		dst[len(dst)-1] += src[i]
	}
}

func ladderDiff(old, post []int64) []int64 {
	diff := make([]int64, len(post))
	changed := false
	for i := range post {
		diff[i] = post[i] - old[i]
		if diff[i] != 0 {
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return diff
}

func applyFactor(qty int64, factor decimal.Decimal) int64 {
	if factor.IsZero() {
		return qty
	}
	return decimal.NewFromInt(qty).Mul(factor).Round(0).IntPart()
}
