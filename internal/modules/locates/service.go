package locates

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
	"github.com/meridian-pb/inventory/internal/modules/position"
	"github.com/meridian-pb/inventory/internal/modules/rules"
)

// Publisher is the fabric surface used to announce locate lifecycle events.
type Publisher interface {
	Publish(e *fabric.Event) error
}

// InventoryPool is the locate availability surface of the inventory engine.
type InventoryPool interface {
	LocateAvailability(securityID string) (int64, error)
	AdjustLocateDecrement(securityID string, delta int64) (int64, error)
}

// LimitAdjuster is the limit engine surface fed by approvals.
type LimitAdjuster interface {
	Key(scope domain.LimitScope, ownerID, securityID string) domain.LimitKey
	AdjustLimit(key domain.LimitKey, side domain.Side, delta int64) int64
}

// SecurityResolver maps internal security IDs to their attributes.
type SecurityResolver interface {
	GetSecurity(internalID string) (*domain.Security, error)
}

// Decision is the structured outcome returned to the requestor.
type Decision struct {
	LocateID      string
	State         domain.LocateState
	Outcome       domain.OutcomeCode
	ApprovedQty   int64
	DecrementQty  int64
	CorrelationID string
}

// lifecycleEvent is the payload published on the locate stream.
type lifecycleEvent struct {
	LocateID      string             `msgpack:"locate_id"`
	ClientID      string             `msgpack:"client_id"`
	SecurityID    string             `msgpack:"security_id"`
	State         domain.LocateState `msgpack:"state"`
	Outcome       domain.OutcomeCode `msgpack:"outcome,omitempty"`
	ApprovedQty   int64              `msgpack:"approved_qty,omitempty"`
	DecrementQty  int64              `msgpack:"decrement_qty,omitempty"`
	CorrelationID string             `msgpack:"correlation_id,omitempty"`
}

// Service runs the locate workflow: validation, auto-rule evaluation under a
// deadline, inventory decrement, the manual review queue and TTL expiry.
type Service struct {
	repo      *Repository
	inventory InventoryPool
	limits    LimitAdjuster
	rules     *rules.Engine
	resolver  SecurityResolver
	pub       Publisher
	log       zerolog.Logger

	ruleDeadline time.Duration
	ttl          time.Duration // zero = end of business date

	now func() time.Time
}

// NewService creates a locate service.
func NewService(repo *Repository, inventory InventoryPool, limitAdjuster LimitAdjuster,
	ruleEngine *rules.Engine, resolver SecurityResolver, pub Publisher,
	ruleDeadline, ttl time.Duration, log zerolog.Logger) *Service {
	if ruleDeadline <= 0 {
		ruleDeadline = 50 * time.Millisecond
	}
	return &Service{
		repo:         repo,
		inventory:    inventory,
		limits:       limitAdjuster,
		rules:        ruleEngine,
		resolver:     resolver,
		pub:          pub,
		ruleDeadline: ruleDeadline,
		ttl:          ttl,
		log:          log.With().Str("component", "locate_service").Logger(),
		now:          time.Now,
	}
}

// Submit runs a locate request through validation and the auto rules.
func (s *Service) Submit(ctx context.Context, req *domain.LocateRequest) (Decision, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	now := s.now()
	req.ReceivedAt = now
	req.State = domain.LocateReceived
	if req.BusinessDate == "" {
		req.BusinessDate = domain.BusinessDateOf(now)
	}
	req.ExpiresAt = s.expiryFor(req.BusinessDate, now)

	if err := s.repo.CreateRequest(req); err != nil {
		return Decision{}, err
	}
	s.publish("locate-received", req, domain.LocateReceived, "", nil)

	if req.RequestedQty <= 0 || req.ClientID == "" || req.SecurityID == "" {
		return s.reject(req, domain.LocateAutoRejected, domain.ReasonInvalid, "schema validation failed")
	}

	sec, err := s.resolver.GetSecurity(req.SecurityID)
	if err != nil {
		return Decision{}, err
	}
	if sec == nil {
		return s.reject(req, domain.LocateAutoRejected, domain.ReasonInvalid, "unresolved security identifier")
	}

	if err := s.repo.UpdateState(req.ID, domain.LocateValidating, nil); err != nil {
		return Decision{}, err
	}

	facts, err := s.factsFor(req, sec)
	if err != nil {
		return Decision{}, err
	}

	out, evalErr := s.evaluateWithDeadline(ctx, sec.Market, facts)
	switch {
	case evalErr != nil:
		// Timeout or evaluation failure routes to human review.
		s.log.Warn().Err(evalErr).Str("locate_id", req.ID).Msg("Auto-rule evaluation routed to review")
		return s.toReview(req)
	case !out.Matched || out.Decision == rules.ActionReview:
		return s.toReview(req)
	case out.Decision == rules.ActionReject:
		return s.reject(req, domain.LocateAutoRejected, domain.ReasonRejectedByRule, "rejected by auto rule")
	default:
		return s.approve(req, sec, domain.LocateAutoApproved)
	}
}

// Decide resolves a request sitting in the review queue.
func (s *Service) Decide(locateID string, approve bool, reason string) (Decision, error) {
	req, err := s.repo.GetRequest(locateID)
	if err != nil {
		return Decision{}, err
	}
	if req == nil || req.State.Terminal() {
		return Decision{Outcome: domain.ReasonUnknownReservation}, nil
	}

	if !approve {
		return s.reject(req, domain.LocateRejected, domain.OutcomeRejected, reason)
	}
	sec, err := s.resolver.GetSecurity(req.SecurityID)
	if err != nil {
		return Decision{}, err
	}
	if sec == nil {
		return s.reject(req, domain.LocateRejected, domain.ReasonInvalid, "unresolved security identifier")
	}
	return s.approve(req, sec, domain.LocateApproved)
}

// Claim moves a pending-review request under review for an operator.
func (s *Service) Claim(locateID string) error {
	return s.repo.UpdateState(locateID, domain.LocateUnderReview, nil)
}

// PendingReview returns the manual review queue, oldest first.
func (s *Service) PendingReview() ([]*domain.LocateRequest, error) {
	return s.repo.ListByState(domain.LocatePendingReview)
}

// Repo exposes the repository for the query surface.
func (s *Service) Repo() *Repository { return s.repo }

// approve checks availability, computes the decrement, mutates the pools and
// persists the approval.
func (s *Service) approve(req *domain.LocateRequest, sec *domain.Security, state domain.LocateState) (Decision, error) {
	pct, floorPct := s.decrementPolicy(sec.Market, req)
	decrement := quantityPercent(req.RequestedQty, pct)
	if decrement < 1 {
		decrement = req.RequestedQty
	}

	avail, err := s.inventory.LocateAvailability(req.SecurityID)
	if err != nil {
		return Decision{}, err
	}
	if avail < decrement {
		return s.reject(req, domain.LocateAutoRejected, domain.ReasonInsufficientInventory, "insufficient locate availability")
	}

	if _, err := s.inventory.AdjustLocateDecrement(req.SecurityID, decrement); err != nil {
		return Decision{}, err
	}
	// An approved locate raises the matching side of the client sell limit.
	side := domain.SideSell
	if req.Type == domain.LocateShort {
		side = domain.SideShortSell
	}
	key := s.limits.Key(domain.ScopeClient, req.ClientID, req.SecurityID)
	s.limits.AdjustLimit(key, side, req.RequestedQty)

	now := s.now()
	approval := &domain.LocateApproval{
		LocateID:     req.ID,
		ApprovedQty:  req.RequestedQty,
		DecrementQty: decrement,
		ApprovedAt:   now,
		UpdatedAt:    now,
	}
	if err := s.repo.SaveApproval(approval); err != nil {
		return Decision{}, err
	}
	if err := s.repo.UpdateState(req.ID, state, &now); err != nil {
		return Decision{}, err
	}

	s.log.Info().
		Str("locate_id", req.ID).
		Str("client", req.ClientID).
		Str("security", req.SecurityID).
		Int64("approved_qty", approval.ApprovedQty).
		Int64("decrement_qty", approval.DecrementQty).
		Float64("floor_pct", floorPct).
		Msg("Locate approved")

	s.publish("locate-decision", req, state, domain.OutcomeApproved, approval)
	return Decision{
		LocateID:      req.ID,
		State:         state,
		Outcome:       domain.OutcomeApproved,
		ApprovedQty:   approval.ApprovedQty,
		DecrementQty:  approval.DecrementQty,
		CorrelationID: req.CorrelationID,
	}, nil
}

// RecordExecution revises the decrement when fills against the locate exceed
// it: raised to min(executed, approved), never lowered here.
func (s *Service) RecordExecution(d position.ExecutionDelta) {
	if d.LocateID == "" || d.Side != domain.SideShortSell {
		return
	}
	approval, err := s.repo.GetApproval(d.LocateID)
	if err != nil || approval == nil {
		if err != nil {
			s.log.Error().Err(err).Str("locate_id", d.LocateID).Msg("Failed to load approval for execution")
		}
		return
	}

	if d.ExecutedQty > approval.ExecutedQty {
		approval.ExecutedQty = d.ExecutedQty
	}
	newDecrement := approval.DecrementQty
	if approval.ExecutedQty > approval.DecrementQty {
		newDecrement = approval.ExecutedQty
		if newDecrement > approval.ApprovedQty {
			newDecrement = approval.ApprovedQty
		}
	}
	delta := newDecrement - approval.DecrementQty
	approval.DecrementQty = newDecrement
	approval.UpdatedAt = s.now()

	if err := s.repo.SaveApproval(approval); err != nil {
		s.log.Error().Err(err).Str("locate_id", d.LocateID).Msg("Failed to persist decrement revision")
		return
	}
	if delta != 0 {
		if _, err := s.inventory.AdjustLocateDecrement(d.SecurityID, delta); err != nil {
			s.log.Error().Err(err).Str("locate_id", d.LocateID).Msg("Failed to adjust locate pool")
			return
		}
		s.publishDecrementChange(d.LocateID, d.SecurityID, approval)
	}
}

// ShrinkIdleDecrements runs near market close: approvals whose executions
// fell well short of the decrement shrink toward executions, bounded by the
// rule floor. Frees availability back to the pool.
func (s *Service) ShrinkIdleDecrements(ctx context.Context, date domain.BusinessDate) error {
	approvals, err := s.repo.ListApprovals(date)
	if err != nil {
		return err
	}
	for _, approval := range approvals {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if approval.ExecutedQty >= approval.DecrementQty {
			continue
		}
		req, err := s.repo.GetRequest(approval.LocateID)
		if err != nil || req == nil {
			continue
		}
		sec, err := s.resolver.GetSecurity(req.SecurityID)
		if err != nil || sec == nil {
			continue
		}

		_, floorPct := s.decrementPolicy(sec.Market, req)
		floor := quantityPercent(approval.ApprovedQty, floorPct)
		target := approval.ExecutedQty
		if target < floor {
			target = floor
		}
		if target >= approval.DecrementQty {
			continue
		}

		delta := target - approval.DecrementQty
		approval.DecrementQty = target
		approval.UpdatedAt = s.now()
		if err := s.repo.SaveApproval(approval); err != nil {
			return err
		}
		if _, err := s.inventory.AdjustLocateDecrement(req.SecurityID, delta); err != nil {
			return err
		}
		s.publishDecrementChange(approval.LocateID, req.SecurityID, approval)
	}
	return nil
}

// ExpireStale flips unresolved requests past their TTL to expired.
func (s *Service) ExpireStale() (int, error) {
	stale, err := s.repo.ListUnresolvedBefore(s.now())
	if err != nil {
		return 0, err
	}
	for _, req := range stale {
		now := s.now()
		if err := s.repo.UpdateState(req.ID, domain.LocateExpired, &now); err != nil {
			return 0, err
		}
		req.State = domain.LocateExpired
		s.publish("locate-expired", req, domain.LocateExpired, domain.ReasonExpired, nil)
	}
	if len(stale) > 0 {
		s.log.Info().Int("expired", len(stale)).Msg("Stale locate requests expired")
	}
	return len(stale), nil
}

func (s *Service) toReview(req *domain.LocateRequest) (Decision, error) {
	if err := s.repo.UpdateState(req.ID, domain.LocatePendingReview, nil); err != nil {
		return Decision{}, err
	}
	s.publish("locate-decision", req, domain.LocatePendingReview, domain.OutcomeReview, nil)
	return Decision{
		LocateID:      req.ID,
		State:         domain.LocatePendingReview,
		Outcome:       domain.OutcomeReview,
		CorrelationID: req.CorrelationID,
	}, nil
}

func (s *Service) reject(req *domain.LocateRequest, state domain.LocateState, outcome domain.OutcomeCode, reason string) (Decision, error) {
	now := s.now()
	if err := s.repo.UpdateState(req.ID, state, &now); err != nil {
		return Decision{}, err
	}
	if err := s.repo.SaveRejection(&domain.LocateRejection{
		LocateID: req.ID, Reason: reason, RejectedAt: now,
	}); err != nil {
		return Decision{}, err
	}
	s.log.Info().
		Str("locate_id", req.ID).
		Str("outcome", string(outcome)).
		Str("reason", reason).
		Msg("Locate rejected")
	s.publish("locate-decision", req, state, outcome, nil)
	return Decision{
		LocateID:      req.ID,
		State:         state,
		Outcome:       outcome,
		CorrelationID: req.CorrelationID,
	}, nil
}

// evaluateWithDeadline runs the auto rules, bounded by the rule deadline.
func (s *Service) evaluateWithDeadline(ctx context.Context, market string, facts rules.Facts) (*rules.Outcome, error) {
	snap := s.rules.Snapshot()
	type evalResult struct {
		out *rules.Outcome
		err error
	}
	done := make(chan evalResult, 1)
	go func() {
		out, err := snap.Evaluate(rules.RuleLocateAuto, market, s.now(), facts)
		done <- evalResult{out: out, err: err}
	}()

	timer := time.NewTimer(s.ruleDeadline)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.out, res.err
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// decrementPolicy evaluates the market's decrement rule. Without a matching
// rule the full requested quantity decrements and nothing may shrink below
// executions.
func (s *Service) decrementPolicy(market string, req *domain.LocateRequest) (pct, floorPct float64) {
	pct, floorPct = 100, 0
	out, err := s.rules.Snapshot().Evaluate(rules.RuleDecrement, market, s.now(), rules.Facts{
		"market":        market,
		"requested_qty": req.RequestedQty,
	})
	if err != nil || !out.Matched {
		return pct, floorPct
	}
	if out.DecrementPercent >= 0 {
		pct = out.DecrementPercent
	}
	if out.DecrementFloor > 0 {
		floorPct = out.DecrementFloor
	}
	return pct, floorPct
}

func (s *Service) factsFor(req *domain.LocateRequest, sec *domain.Security) (rules.Facts, error) {
	avail, err := s.inventory.LocateAvailability(req.SecurityID)
	if err != nil {
		return nil, err
	}
	clientQty, securityQty, err := s.repo.ApprovedTotals(req.ClientID, req.SecurityID, req.BusinessDate)
	if err != nil {
		return nil, err
	}
	return rules.Facts{
		"country":            sec.Market,
		"market":             sec.Market,
		"temperature":        string(sec.Temperature),
		"requested_qty":      req.RequestedQty,
		"availability":       avail,
		"client_open_qty":    clientQty,
		"security_open_qty":  securityQty,
		"locate_type":        string(req.Type),
		"security_status":    sec.Status,
		"security_type":      string(sec.Type),
		"requestor":          req.Requestor,
		"requested_over_avl": ratio(req.RequestedQty, avail),
	}, nil
}

func (s *Service) expiryFor(date domain.BusinessDate, now time.Time) time.Time {
	if s.ttl > 0 {
		return now.Add(s.ttl)
	}
	bd, err := date.Time()
	if err != nil {
		return now.Add(24 * time.Hour)
	}
	return bd.AddDate(0, 0, 1) // end of business date
}

func (s *Service) publish(eventType string, req *domain.LocateRequest, state domain.LocateState, outcome domain.OutcomeCode, approval *domain.LocateApproval) {
	if s.pub == nil {
		return
	}
	ev := lifecycleEvent{
		LocateID:      req.ID,
		ClientID:      req.ClientID,
		SecurityID:    req.SecurityID,
		State:         state,
		Outcome:       outcome,
		CorrelationID: req.CorrelationID,
	}
	if approval != nil {
		ev.ApprovedQty = approval.ApprovedQty
		ev.DecrementQty = approval.DecrementQty
	}
	payload, err := fabric.EncodePayload(&ev)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode locate event")
		return
	}
	err = s.pub.Publish(&fabric.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        "locate-service",
		Stream:        fabric.StreamLocate,
		PartitionKey:  req.SecurityID,
		CorrelationID: req.CorrelationID,
		Payload:       payload,
	})
	if err != nil {
		s.log.Error().Err(err).Str("locate_id", req.ID).Msg("Failed to publish locate event")
	}
}

func (s *Service) publishDecrementChange(locateID, securityID string, approval *domain.LocateApproval) {
	s.publish("locate-decrement-change", &domain.LocateRequest{
		ID:         locateID,
		SecurityID: securityID,
	}, domain.LocateApproved, domain.OutcomeApproved, approval)
}

func quantityPercent(qty int64, pct float64) int64 {
	return int64(math.Round(float64(qty) * pct / 100))
}

func ratio(a, b int64) float64 {
	if b == 0 {
		return math.Inf(1)
	}
	return float64(a) / float64(b)
}
