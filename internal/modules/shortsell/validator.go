package shortsell

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
	"github.com/meridian-pb/inventory/internal/modules/limits"
)

// Publisher is the fabric surface used to announce validation outcomes.
type Publisher interface {
	Publish(e *fabric.Event) error
}

// BookMapper resolves a trading book to its aggregation unit. The reference
// repository satisfies it.
type BookMapper interface {
	AUForBook(book, market string) (string, error)
}

// SecurityResolver maps internal security IDs to their attributes.
type SecurityResolver interface {
	GetSecurity(internalID string) (*domain.Security, error)
}

// Order is a short-sell validation request.
type Order struct {
	OrderID       string
	SecurityID    string
	Book          string
	ClientID      string
	Side          domain.Side
	Qty           int64
	CorrelationID string
	// IngressTime anchors the hard deadline. Zero means now.
	IngressTime time.Time
}

// Result is the structured validation outcome.
type Result struct {
	Outcome       domain.OutcomeCode
	CorrelationID string
	ClientRes     string
	AURes         string
}

// outcomeEvent is the payload of order-validated and order-rejected events.
type outcomeEvent struct {
	OrderID       string             `msgpack:"order_id"`
	SecurityID    string             `msgpack:"security_id"`
	ClientID      string             `msgpack:"client_id"`
	AU            string             `msgpack:"au,omitempty"`
	Qty           int64              `msgpack:"qty"`
	Outcome       domain.OutcomeCode `msgpack:"outcome"`
	CorrelationID string             `msgpack:"correlation_id"`
}

// Validator runs the two-stage limit check for short-sell orders under a hard
// deadline. Per-key ordering comes from the limit engine's single writer;
// simultaneous orders against the same key are served in arrival order.
type Validator struct {
	limits   *limits.Engine
	books    BookMapper
	resolver SecurityResolver
	pub      Publisher
	log      zerolog.Logger

	deadline time.Duration
	now      func() time.Time

	mu     sync.Mutex
	orders map[string][2]string // order-id -> (client, AU) reservation IDs
}

// NewValidator creates a short-sell validator.
func NewValidator(limitEngine *limits.Engine, books BookMapper, resolver SecurityResolver, pub Publisher, deadline time.Duration, log zerolog.Logger) *Validator {
	if deadline <= 0 {
		deadline = 150 * time.Millisecond
	}
	return &Validator{
		limits:   limitEngine,
		books:    books,
		resolver: resolver,
		pub:      pub,
		log:      log.With().Str("component", "shortsell_validator").Logger(),
		deadline: deadline,
		now:      time.Now,
		orders:   make(map[string][2]string),
	}
}

// Validate runs the protocol: map book to AU, reserve against the client
// limit, then against the AU limit. Deadline expiry rejects with timeout and
// releases any partial reservation.
func (v *Validator) Validate(ctx context.Context, order Order) (Result, error) {
	ingress := order.IngressTime
	if ingress.IsZero() {
		ingress = v.now()
	}
	hardDeadline := ingress.Add(v.deadline)

	if order.Qty <= 0 || order.Side != domain.SideShortSell {
		return v.reject(order, "", domain.ReasonInvalid), nil
	}

	sec, err := v.resolver.GetSecurity(order.SecurityID)
	if err != nil {
		return Result{}, err
	}
	if sec == nil {
		return v.reject(order, "", domain.ReasonUnmapped), nil
	}

	au, err := v.books.AUForBook(order.Book, sec.Market)
	if err != nil {
		return Result{}, err
	}
	if au == "" {
		return v.reject(order, "", domain.ReasonUnmapped), nil
	}

	if v.expired(ctx, hardDeadline) {
		return v.reject(order, au, domain.ReasonTimeout), nil
	}

	clientKey := v.limits.Key(domain.ScopeClient, order.ClientID, order.SecurityID)
	clientRes, err := v.limits.CheckAndReserve(clientKey, domain.SideShortSell, order.Qty)
	if err != nil {
		return Result{}, err
	}
	if !clientRes.Approved {
		return v.reject(order, au, clientRes.Reason), nil
	}

	if v.expired(ctx, hardDeadline) {
		_, _ = v.limits.Release(clientRes.ReservationID)
		return v.reject(order, au, domain.ReasonTimeout), nil
	}

	auKey := v.limits.Key(domain.ScopeAU, au, order.SecurityID)
	auRes, err := v.limits.CheckAndReserve(auKey, domain.SideShortSell, order.Qty)
	if err != nil {
		_, _ = v.limits.Release(clientRes.ReservationID)
		return Result{}, err
	}
	if !auRes.Approved {
		_, _ = v.limits.Release(clientRes.ReservationID)
		return v.reject(order, au, auRes.Reason), nil
	}

	if v.expired(ctx, hardDeadline) {
		_, _ = v.limits.Release(auRes.ReservationID)
		_, _ = v.limits.Release(clientRes.ReservationID)
		return v.reject(order, au, domain.ReasonTimeout), nil
	}

	v.mu.Lock()
	v.orders[order.OrderID] = [2]string{clientRes.ReservationID, auRes.ReservationID}
	v.mu.Unlock()

	v.publish("order-validated", order, au, domain.OutcomeApproved)
	return Result{
		Outcome:       domain.OutcomeApproved,
		CorrelationID: order.CorrelationID,
		ClientRes:     clientRes.ReservationID,
		AURes:         auRes.ReservationID,
	}, nil
}

// Cancel releases both reservations of a previously approved order, when the
// order is canceled or rejected downstream.
func (v *Validator) Cancel(orderID string) domain.OutcomeCode {
	v.mu.Lock()
	ids, ok := v.orders[orderID]
	if ok {
		delete(v.orders, orderID)
	}
	v.mu.Unlock()
	if !ok {
		return domain.ReasonUnknownReservation
	}
	_, _ = v.limits.Release(ids[0])
	_, _ = v.limits.Release(ids[1])
	return domain.OutcomeApproved
}

// Commit consumes both reservations once the order is executed downstream.
func (v *Validator) Commit(orderID string) domain.OutcomeCode {
	v.mu.Lock()
	ids, ok := v.orders[orderID]
	if ok {
		delete(v.orders, orderID)
	}
	v.mu.Unlock()
	if !ok {
		return domain.ReasonUnknownReservation
	}
	_, _ = v.limits.Commit(ids[0])
	_, _ = v.limits.Commit(ids[1])
	return domain.OutcomeApproved
}

func (v *Validator) expired(ctx context.Context, deadline time.Time) bool {
	if ctx.Err() != nil {
		return true
	}
	return v.now().After(deadline)
}

func (v *Validator) reject(order Order, au string, reason domain.OutcomeCode) Result {
	v.log.Info().
		Str("order_id", order.OrderID).
		Str("security", order.SecurityID).
		Str("client", order.ClientID).
		Int64("qty", order.Qty).
		Str("reason", string(reason)).
		Msg("Short-sell order rejected")
	v.publish("order-rejected", order, au, reason)
	return Result{Outcome: reason, CorrelationID: order.CorrelationID}
}

func (v *Validator) publish(eventType string, order Order, au string, outcome domain.OutcomeCode) {
	if v.pub == nil {
		return
	}
	payload, err := fabric.EncodePayload(&outcomeEvent{
		OrderID:       order.OrderID,
		SecurityID:    order.SecurityID,
		ClientID:      order.ClientID,
		AU:            au,
		Qty:           order.Qty,
		Outcome:       outcome,
		CorrelationID: order.CorrelationID,
	})
	if err != nil {
		v.log.Error().Err(err).Msg("Failed to encode validation outcome")
		return
	}
	err = v.pub.Publish(&fabric.Event{
		ID:            uuid.NewString(),
		Type:          eventType,
		Source:        "shortsell-validator",
		Stream:        fabric.StreamOrderValidation,
		PartitionKey:  order.SecurityID,
		CorrelationID: order.CorrelationID,
		Payload:       payload,
	})
	if err != nil {
		v.log.Error().Err(err).Str("order_id", order.OrderID).Msg("Failed to publish validation outcome")
	}
}
