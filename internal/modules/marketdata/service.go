package marketdata

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian-pb/inventory/internal/fabric"
)

// Event types carried on the market stream.
const (
	EventValue = "market-value"
	EventFX    = "fx-rate"
)

// ValuePayload is a price, NAV or volatility observation for one security.
type ValuePayload struct {
	SecurityID string `msgpack:"security_id"`
	Kind       string `msgpack:"kind"`
	Value      string `msgpack:"value"`
	Source     string `msgpack:"source"`
	ObservedAt int64  `msgpack:"observed_at"`
}

// FXPayload is an FX rate observation for one currency pair.
type FXPayload struct {
	Base       string `msgpack:"base"`
	Quote      string `msgpack:"quote"`
	Rate       string `msgpack:"rate"`
	ObservedAt int64  `msgpack:"observed_at"`
}

// Service consumes the market stream and keeps the latest observation per
// security and currency pair. Market data is sheddable under overload, so a
// missing tick only means the previous value stays current a little longer.
type Service struct {
	repo *Repository
	log  zerolog.Logger
}

// NewService creates the market data consumer.
func NewService(repo *Repository, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.With().Str("component", "marketdata_service").Logger(),
	}
}

// Handle processes one market stream event.
func (s *Service) Handle(ev *fabric.Event) error {
	switch ev.Type {
	case EventValue:
		var p ValuePayload
		if err := fabric.DecodePayload(ev.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode market value: %w", err)
		}
		return s.applyValue(&p)
	case EventFX:
		var p FXPayload
		if err := fabric.DecodePayload(ev.Payload, &p); err != nil {
			return fmt.Errorf("failed to decode fx rate: %w", err)
		}
		return s.applyFX(&p)
	default:
		s.log.Warn().Str("type", ev.Type).Msg("Unknown market event type, skipping")
		return nil
	}
}

func (s *Service) applyValue(p *ValuePayload) error {
	if p.SecurityID == "" || p.Kind == "" {
		return fmt.Errorf("market value missing security or kind")
	}
	v, err := decimal.NewFromString(p.Value)
	if err != nil {
		return fmt.Errorf("failed to parse %s %q for %s: %w", p.Kind, p.Value, p.SecurityID, err)
	}
	return s.repo.SaveValue(p.SecurityID, p.Kind, v, p.Source, time.Unix(p.ObservedAt, 0))
}

func (s *Service) applyFX(p *FXPayload) error {
	if p.Base == "" || p.Quote == "" {
		return fmt.Errorf("fx rate missing currency pair")
	}
	rate, err := decimal.NewFromString(p.Rate)
	if err != nil {
		return fmt.Errorf("failed to parse fx rate %q for %s/%s: %w", p.Rate, p.Base, p.Quote, err)
	}
	if rate.Sign() <= 0 {
		return fmt.Errorf("fx rate for %s/%s must be positive, got %s", p.Base, p.Quote, rate)
	}
	return s.repo.SaveFX(p.Base, p.Quote, rate, time.Unix(p.ObservedAt, 0))
}

// Price returns the latest price for a security.
func (s *Service) Price(securityID string) (decimal.Decimal, bool, error) {
	return s.repo.GetValue(securityID, KindPrice)
}

// Convert translates an amount from one currency to another using the latest
// observed rate, trying the inverse pair when the direct one is absent.
func (s *Service) Convert(amount decimal.Decimal, base, quote string) (decimal.Decimal, error) {
	if base == quote {
		return amount, nil
	}
	rate, ok, err := s.repo.GetFX(base, quote)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		return amount.Mul(rate), nil
	}
	inverse, ok, err := s.repo.GetFX(quote, base)
	if err != nil {
		return decimal.Zero, err
	}
	if !ok || inverse.Sign() == 0 {
		return decimal.Zero, fmt.Errorf("no fx rate for %s/%s", base, quote)
	}
	return amount.Div(inverse), nil
}
