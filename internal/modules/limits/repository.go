package limits

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/database"
	"github.com/meridian-pb/inventory/internal/domain"
)

// Repository persists the limit projection per (scope, owner, security,
// business date).
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a limit repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "limits_repository").Logger(),
	}
}

// Save upserts one limit row.
func (r *Repository) Save(l *domain.Limit) error {
	_, err := r.db.Exec(`
		INSERT INTO limits (scope, owner_id, security_id, business_date,
			long_limit, short_limit, reserved_long, reserved_short, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scope, owner_id, security_id, business_date) DO UPDATE SET
			long_limit = excluded.long_limit,
			short_limit = excluded.short_limit,
			reserved_long = excluded.reserved_long,
			reserved_short = excluded.reserved_short,
			updated_at = excluded.updated_at`,
		string(l.Key.Scope), l.Key.OwnerID, l.Key.SecurityID, string(l.Key.BusinessDate),
		l.LongLimit, l.ShortLimit, l.ReservedLong, l.ReservedShort, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save limit %s/%s/%s: %w", l.Key.Scope, l.Key.OwnerID, l.Key.SecurityID, err)
	}
	return nil
}

// Get returns one limit row, or nil when absent.
func (r *Repository) Get(key domain.LimitKey) (*domain.Limit, error) {
	row := r.db.QueryRow(`
		SELECT scope, owner_id, security_id, business_date,
			long_limit, short_limit, reserved_long, reserved_short, updated_at
		FROM limits
		WHERE scope = ? AND owner_id = ? AND security_id = ? AND business_date = ?`,
		string(key.Scope), key.OwnerID, key.SecurityID, string(key.BusinessDate))

	l, err := scanLimit(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return l, err
}

// LoadDay returns every limit row for one business date, for engine recovery.
func (r *Repository) LoadDay(date domain.BusinessDate) ([]*domain.Limit, error) {
	rows, err := r.db.Query(`
		SELECT scope, owner_id, security_id, business_date,
			long_limit, short_limit, reserved_long, reserved_short, updated_at
		FROM limits WHERE business_date = ?`, string(date))
	if err != nil {
		return nil, fmt.Errorf("failed to load limits for %s: %w", date, err)
	}
	defer rows.Close()

	var out []*domain.Limit
	for rows.Next() {
		l, err := scanLimit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLimit(row rowScanner) (*domain.Limit, error) {
	var l domain.Limit
	var scope, date string
	var updated int64
	err := row.Scan(&scope, &l.Key.OwnerID, &l.Key.SecurityID, &date,
		&l.LongLimit, &l.ShortLimit, &l.ReservedLong, &l.ReservedShort, &updated)
	if err != nil {
		return nil, err
	}
	l.Key.Scope = domain.LimitScope(scope)
	l.Key.BusinessDate = domain.BusinessDate(date)
	l.UpdatedAt = time.Unix(updated, 0)
	return &l, nil
}
