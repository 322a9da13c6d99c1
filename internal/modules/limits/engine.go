package limits

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
)

// Publisher is the fabric surface used to emit limit deltas.
type Publisher interface {
	Publish(e *fabric.Event) error
}

// ReserveResult is the outcome of a check-and-reserve.
type ReserveResult struct {
	Approved      bool
	ReservationID string
	NewReserved   int64
	Reason        domain.OutcomeCode
}

// Delta is the published limit change.
type Delta struct {
	Scope      domain.LimitScope `msgpack:"scope"`
	OwnerID    string            `msgpack:"owner_id"`
	SecurityID string            `msgpack:"security_id"`
	Side       domain.Side       `msgpack:"side"`
	Limit      int64             `msgpack:"limit"`
	Reserved   int64             `msgpack:"reserved"`
}

type reservation struct {
	Key  domain.LimitKey
	Side domain.Side
	Qty  int64
}

const limitShardCount = 32

type limitShard struct {
	mu     sync.RWMutex
	limits map[domain.LimitKey]*domain.Limit
}

// Engine owns client and aggregation-unit limits for the current business
// date. Each key's reservation path is serialized by its shard, preserving
// the reserved <= limit invariant and first-come-first-served ordering.
type Engine struct {
	repo *Repository
	pub  Publisher
	log  zerolog.Logger

	mu           sync.RWMutex
	businessDate domain.BusinessDate

	shards [limitShardCount]*limitShard

	resMu        sync.Mutex
	reservations map[string]reservation

	dirtyMu sync.Mutex
	dirty   map[domain.LimitKey]struct{}
}

// NewEngine creates a limit engine for the given business date.
func NewEngine(repo *Repository, pub Publisher, date domain.BusinessDate, log zerolog.Logger) *Engine {
	e := &Engine{
		repo:         repo,
		pub:          pub,
		businessDate: date,
		log:          log.With().Str("component", "limit_engine").Logger(),
		reservations: make(map[string]reservation),
		dirty:        make(map[domain.LimitKey]struct{}),
	}
	for i := range e.shards {
		e.shards[i] = &limitShard{limits: make(map[domain.LimitKey]*domain.Limit)}
	}
	return e
}

// BusinessDate returns the engine's current business date.
func (e *Engine) BusinessDate() domain.BusinessDate {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.businessDate
}

// Key builds a limit key on the engine's business date.
func (e *Engine) Key(scope domain.LimitScope, ownerID, securityID string) domain.LimitKey {
	return domain.LimitKey{
		Scope:        scope,
		OwnerID:      ownerID,
		SecurityID:   securityID,
		BusinessDate: e.BusinessDate(),
	}
}

func (e *Engine) shardFor(key domain.LimitKey) *limitShard {
	return e.shards[fabric.PartitionFor(string(key.Scope)+"|"+key.OwnerID+"|"+key.SecurityID, limitShardCount)]
}

func (e *Engine) getOrCreate(key domain.LimitKey) (*domain.Limit, *limitShard) {
	s := e.shardFor(key)
	s.mu.Lock()
	l, ok := s.limits[key]
	if !ok {
		l = &domain.Limit{Key: key}
		s.limits[key] = l
	}
	return l, s
}

// CheckAndReserve atomically reserves qty against the key's side. Rejections
// are first-class outcomes with the scope-specific insufficiency reason.
func (e *Engine) CheckAndReserve(key domain.LimitKey, side domain.Side, qty int64) (ReserveResult, error) {
	if qty <= 0 {
		return ReserveResult{Reason: domain.ReasonInvalid}, fmt.Errorf("reservation quantity must be positive, got %d", qty)
	}

	l, s := e.getOrCreate(key)

	if avail := l.Available(side); avail < qty {
		s.mu.Unlock()
		reason := domain.ReasonInsufficientClientLim
		if key.Scope == domain.ScopeAU {
			reason = domain.ReasonInsufficientAULimit
		}
		e.log.Info().
			Str("scope", string(key.Scope)).
			Str("owner", key.OwnerID).
			Str("security", key.SecurityID).
			Str("side", string(side)).
			Int64("qty", qty).
			Int64("available", avail).
			Msg("Reservation rejected")
		return ReserveResult{Reason: reason}, nil
	}

	if side == domain.SideShortSell {
		l.ReservedShort += qty
	} else {
		l.ReservedLong += qty
	}
	l.UpdatedAt = time.Now()
	d := deltaOf(l, side)
	reserved := reservedFor(l, side)
	s.mu.Unlock()

	id := uuid.NewString()
	e.resMu.Lock()
	e.reservations[id] = reservation{Key: key, Side: side, Qty: qty}
	e.resMu.Unlock()

	e.markDirty(key)
	e.publishDelta(d)

	return ReserveResult{Approved: true, ReservationID: id, NewReserved: reserved}, nil
}

// Release returns a reservation's quantity to the pool. A second release or a
// release after commit is unknown-reservation.
func (e *Engine) Release(reservationID string) (domain.OutcomeCode, error) {
	res, ok := e.takeReservation(reservationID)
	if !ok {
		return domain.ReasonUnknownReservation, nil
	}

	l, s := e.getOrCreate(res.Key)
	if res.Side == domain.SideShortSell {
		l.ReservedShort -= res.Qty
	} else {
		l.ReservedLong -= res.Qty
	}
	l.UpdatedAt = time.Now()
	d := deltaOf(l, res.Side)
	s.mu.Unlock()

	e.markDirty(res.Key)
	e.publishDelta(d)
	return domain.OutcomeApproved, nil
}

// Commit consumes a reservation: the reserved quantity becomes permanent for
// the day. A second commit is unknown-reservation.
func (e *Engine) Commit(reservationID string) (domain.OutcomeCode, error) {
	if _, ok := e.takeReservation(reservationID); !ok {
		return domain.ReasonUnknownReservation, nil
	}
	return domain.OutcomeApproved, nil
}

func (e *Engine) takeReservation(id string) (reservation, bool) {
	e.resMu.Lock()
	defer e.resMu.Unlock()
	res, ok := e.reservations[id]
	if ok {
		delete(e.reservations, id)
	}
	return res, ok
}

// AdjustLimit moves one side's limit by delta. Locate approvals raise the
// client short-sell limit this way; position changes feed the long side.
func (e *Engine) AdjustLimit(key domain.LimitKey, side domain.Side, delta int64) int64 {
	l, s := e.getOrCreate(key)
	if side == domain.SideShortSell {
		l.ShortLimit += delta
	} else {
		l.LongLimit += delta
	}
	l.UpdatedAt = time.Now()
	d := deltaOf(l, side)
	s.mu.Unlock()

	e.markDirty(key)
	e.publishDelta(d)
	return d.Limit
}

// SetLimit replaces one side's limit outright, used by the SOD rebuild.
func (e *Engine) SetLimit(key domain.LimitKey, side domain.Side, value int64) {
	l, s := e.getOrCreate(key)
	if side == domain.SideShortSell {
		l.ShortLimit = value
	} else {
		l.LongLimit = value
	}
	l.UpdatedAt = time.Now()
	d := deltaOf(l, side)
	s.mu.Unlock()

	e.markDirty(key)
	e.publishDelta(d)
}

// Get returns a copy of one limit, or nil.
func (e *Engine) Get(key domain.LimitKey) *domain.Limit {
	s := e.shardFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.limits[key]
	if !ok {
		return nil
	}
	cp := *l
	return &cp
}

// Rebuild resets the engine onto a new business date and seeds it. Limits are
// created per business date; reservations do not survive the boundary.
func (e *Engine) Rebuild(date domain.BusinessDate, seeds []*domain.Limit) error {
	e.mu.Lock()
	e.businessDate = date
	e.mu.Unlock()

	for _, s := range e.shards {
		s.mu.Lock()
		s.limits = make(map[domain.LimitKey]*domain.Limit)
		s.mu.Unlock()
	}
	e.resMu.Lock()
	e.reservations = make(map[string]reservation)
	e.resMu.Unlock()

	for _, seed := range seeds {
		seed.Key.BusinessDate = date
		l, s := e.getOrCreate(seed.Key)
		l.LongLimit = seed.LongLimit
		l.ShortLimit = seed.ShortLimit
		l.ReservedLong = 0
		l.ReservedShort = 0
		l.UpdatedAt = time.Now()
		s.mu.Unlock()
		e.markDirty(seed.Key)
	}

	e.log.Info().Str("business_date", string(date)).Int("limits", len(seeds)).Msg("Limits rebuilt")
	return e.Flush()
}

// Recover loads the day's limits back from the projection.
func (e *Engine) Recover() error {
	rows, err := e.repo.LoadDay(e.BusinessDate())
	if err != nil {
		return err
	}
	for _, l := range rows {
		s := e.shardFor(l.Key)
		s.mu.Lock()
		s.limits[l.Key] = l
		s.mu.Unlock()
	}
	e.log.Info().Int("limits", len(rows)).Msg("Limit projection recovered")
	return nil
}

// Flush persists every limit mutated since the last flush.
func (e *Engine) Flush() error {
	e.dirtyMu.Lock()
	dirty := e.dirty
	e.dirty = make(map[domain.LimitKey]struct{})
	e.dirtyMu.Unlock()

	for key := range dirty {
		l := e.Get(key)
		if l == nil {
			continue
		}
		if err := e.repo.Save(l); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) markDirty(key domain.LimitKey) {
	e.dirtyMu.Lock()
	e.dirty[key] = struct{}{}
	e.dirtyMu.Unlock()
}

// deltaOf snapshots the published fields. Callers hold the shard lock; the
// publish itself happens after unlock so the reservation path never blocks on
// the log append.
func deltaOf(l *domain.Limit, side domain.Side) Delta {
	return Delta{
		Scope:      l.Key.Scope,
		OwnerID:    l.Key.OwnerID,
		SecurityID: l.Key.SecurityID,
		Side:       side,
		Limit:      limitFor(l, side),
		Reserved:   reservedFor(l, side),
	}
}

func (e *Engine) publishDelta(d Delta) {
	if e.pub == nil {
		return
	}
	payload, err := fabric.EncodePayload(&d)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to encode limit delta")
		return
	}
	err = e.pub.Publish(&fabric.Event{
		ID:           uuid.NewString(),
		Type:         "limit-delta",
		Source:       "limit-engine",
		Stream:       fabric.StreamLimitDelta,
		PartitionKey: d.SecurityID,
		Payload:      payload,
	})
	if err != nil {
		e.log.Error().Err(err).Str("security", d.SecurityID).Msg("Failed to publish limit delta")
	}
}

func limitFor(l *domain.Limit, side domain.Side) int64 {
	if side == domain.SideShortSell {
		return l.ShortLimit
	}
	return l.LongLimit
}

func reservedFor(l *domain.Limit, side domain.Side) int64 {
	if side == domain.SideShortSell {
		return l.ReservedShort
	}
	return l.ReservedLong
}
