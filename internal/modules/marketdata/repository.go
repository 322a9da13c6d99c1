package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian-pb/inventory/internal/database"
)

// Value kinds stored per security.
const (
	KindPrice      = "price"
	KindNAV        = "nav"
	KindVolatility = "volatility"
)

// Repository stores the latest observed market value per (security, kind)
// and FX rate per currency pair.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a market data repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "marketdata_repository").Logger(),
	}
}

// SaveValue upserts the latest value, keeping only newer observations.
func (r *Repository) SaveValue(securityID, kind string, value decimal.Decimal, source string, observedAt time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO market_values (security_id, kind, value, source, observed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (security_id, kind) DO UPDATE SET
			value = excluded.value,
			source = excluded.source,
			observed_at = excluded.observed_at
		WHERE excluded.observed_at >= market_values.observed_at`,
		securityID, kind, value.String(), source, observedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save %s for %s: %w", kind, securityID, err)
	}
	return nil
}

// GetValue returns the latest value, or false when never observed.
func (r *Repository) GetValue(securityID, kind string) (decimal.Decimal, bool, error) {
	var raw string
	err := r.db.QueryRow(`SELECT value FROM market_values WHERE security_id = ? AND kind = ?`,
		securityID, kind).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read %s for %s: %w", kind, securityID, err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to parse stored value %q: %w", raw, err)
	}
	return v, true, nil
}

// SaveFX upserts an FX rate observation.
func (r *Repository) SaveFX(base, quote string, rate decimal.Decimal, observedAt time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO fx_rates (base, quote, rate, observed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (base, quote) DO UPDATE SET
			rate = excluded.rate,
			observed_at = excluded.observed_at
		WHERE excluded.observed_at >= fx_rates.observed_at`,
		base, quote, rate.String(), observedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save FX %s/%s: %w", base, quote, err)
	}
	return nil
}

// GetFX returns the latest rate for a pair, or false when never observed.
func (r *Repository) GetFX(base, quote string) (decimal.Decimal, bool, error) {
	var raw string
	err := r.db.QueryRow(`SELECT rate FROM fx_rates WHERE base = ? AND quote = ?`,
		base, quote).Scan(&raw)
	if err == sql.ErrNoRows {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to read FX %s/%s: %w", base, quote, err)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to parse stored rate %q: %w", raw, err)
	}
	return v, true, nil
}
