package inventory

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/meridian-pb/inventory/internal/database"
	"github.com/meridian-pb/inventory/internal/domain"
)

// Repository persists the inventory projection and external lender
// availabilities. The projection is rebuildable from the event log.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates an inventory repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "inventory_repository").Logger(),
	}
}

// SaveCategory upserts the latest value for one availability category.
func (r *Repository) SaveCategory(securityID, market string, date domain.BusinessDate, category string, qty int64, seq uint64) error {
	_, err := r.db.Exec(`
		INSERT INTO inventory (security_id, market, business_date, category, quantity, sequence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (security_id, market, business_date, category) DO UPDATE SET
			quantity = excluded.quantity,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at`,
		securityID, market, string(date), category, qty, int64(seq), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save inventory %s/%s/%s: %w", securityID, market, category, err)
	}
	return nil
}

// GetCategory returns the stored value, or false when absent.
func (r *Repository) GetCategory(securityID, market string, date domain.BusinessDate, category string) (int64, bool, error) {
	var qty int64
	err := r.db.QueryRow(`
		SELECT quantity FROM inventory
		WHERE security_id = ? AND market = ? AND business_date = ? AND category = ?`,
		securityID, market, string(date), category).Scan(&qty)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read inventory %s/%s/%s: %w", securityID, market, category, err)
	}
	return qty, true, nil
}

// CategoriesFor returns every stored category for one (security, market, date).
func (r *Repository) CategoriesFor(securityID, market string, date domain.BusinessDate) (map[string]int64, error) {
	rows, err := r.db.Query(`
		SELECT category, quantity FROM inventory
		WHERE security_id = ? AND market = ? AND business_date = ?`,
		securityID, market, string(date))
	if err != nil {
		return nil, fmt.Errorf("failed to read inventory categories: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var category string
		var qty int64
		if err := rows.Scan(&category, &qty); err != nil {
			return nil, err
		}
		out[category] = qty
	}
	return out, rows.Err()
}

// SaveExternal upserts one lender availability.
func (r *Repository) SaveExternal(av domain.ExternalAvailability) error {
	_, err := r.db.Exec(`
		INSERT INTO external_availabilities (lender, security_id, effective_date, avail_type, quantity, rate, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (lender, security_id, effective_date, avail_type) DO UPDATE SET
			quantity = excluded.quantity,
			rate = excluded.rate,
			updated_at = excluded.updated_at`,
		av.Lender, av.SecurityID, string(av.EffectiveDate), string(av.Type),
		av.Quantity, av.Rate.String(), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save external availability %s/%s: %w", av.Lender, av.SecurityID, err)
	}
	return nil
}

// ExternalsForSecurity returns the lender availabilities for one security.
func (r *Repository) ExternalsForSecurity(securityID string) ([]domain.ExternalAvailability, error) {
	rows, err := r.db.Query(`
		SELECT lender, security_id, effective_date, avail_type, quantity, rate
		FROM external_availabilities WHERE security_id = ?`, securityID)
	if err != nil {
		return nil, fmt.Errorf("failed to read external availabilities: %w", err)
	}
	defer rows.Close()

	var out []domain.ExternalAvailability
	for rows.Next() {
		var av domain.ExternalAvailability
		var date, availType, rate string
		if err := rows.Scan(&av.Lender, &av.SecurityID, &date, &availType, &av.Quantity, &rate); err != nil {
			return nil, err
		}
		av.EffectiveDate = domain.BusinessDate(date)
		av.Type = domain.AvailabilityType(availType)
		av.Rate, err = decimal.NewFromString(rate)
		if err != nil {
			return nil, fmt.Errorf("failed to parse availability rate %q: %w", rate, err)
		}
		out = append(out, av)
	}
	return out, rows.Err()
}
