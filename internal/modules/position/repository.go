package position

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/database"
	"github.com/meridian-pb/inventory/internal/domain"
)

// Repository persists the position projection. The in-memory engine is the
// owner; rows here are a rebuildable projection plus frozen end-of-day
// snapshots.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a position repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "position_repository").Logger(),
	}
}

// Save upserts the latest state for one position.
func (r *Repository) Save(p *domain.Position) error {
	deliver, err := json.Marshal(p.Deliver)
	if err != nil {
		return fmt.Errorf("failed to encode deliver ladder: %w", err)
	}
	receipt, err := json.Marshal(p.Receipt)
	if err != nil {
		return fmt.Errorf("failed to encode receipt ladder: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO positions (book, security_id, business_date, td_qty, sd_qty,
			deliver, receipt, intraday_buy, intraday_sell, intraday_short_sell,
			flags, sequence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (book, security_id, business_date) DO UPDATE SET
			td_qty = excluded.td_qty,
			sd_qty = excluded.sd_qty,
			deliver = excluded.deliver,
			receipt = excluded.receipt,
			intraday_buy = excluded.intraday_buy,
			intraday_sell = excluded.intraday_sell,
			intraday_short_sell = excluded.intraday_short_sell,
			flags = excluded.flags,
			sequence = excluded.sequence,
			updated_at = excluded.updated_at`,
		p.Book, p.SecurityID, string(p.BusinessDate), p.TDQty, p.SDQty,
		string(deliver), string(receipt),
		p.IntradayBuy, p.IntradaySell, p.IntradayShortSell,
		int64(p.Flags), int64(p.Sequence), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save position %s/%s: %w", p.Book, p.SecurityID, err)
	}
	return nil
}

// Get returns one position or nil when absent.
func (r *Repository) Get(book, securityID string, date domain.BusinessDate) (*domain.Position, error) {
	row := r.db.QueryRow(`
		SELECT book, security_id, business_date, td_qty, sd_qty, deliver, receipt,
			intraday_buy, intraday_sell, intraday_short_sell, flags, sequence
		FROM positions
		WHERE book = ? AND security_id = ? AND business_date = ?`,
		book, securityID, string(date))

	p, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// LoadDay returns every position for one business date, for engine recovery.
func (r *Repository) LoadDay(date domain.BusinessDate) ([]*domain.Position, error) {
	rows, err := r.db.Query(`
		SELECT book, security_id, business_date, td_qty, sd_qty, deliver, receipt,
			intraday_buy, intraday_sell, intraday_short_sell, flags, sequence
		FROM positions
		WHERE business_date = ?`, string(date))
	if err != nil {
		return nil, fmt.Errorf("failed to load positions for %s: %w", date, err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Freeze copies the day's positions into the historical snapshot table.
// Re-freezing the same day overwrites, so the end-of-day job is idempotent.
func (r *Repository) Freeze(date domain.BusinessDate) error {
	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM position_snapshots WHERE business_date = ?`, string(date)); err != nil {
			return err
		}
		res, err := tx.Exec(`
			INSERT INTO position_snapshots (book, security_id, business_date,
				td_qty, sd_qty, deliver, receipt, frozen_at)
			SELECT book, security_id, business_date, td_qty, sd_qty, deliver, receipt, ?
			FROM positions WHERE business_date = ?`,
			time.Now().Unix(), string(date))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		r.log.Info().Str("business_date", string(date)).Int64("positions", n).Msg("Day frozen into snapshot")
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var p domain.Position
	var date, deliver, receipt string
	var flags, sequence int64

	err := row.Scan(&p.Book, &p.SecurityID, &date, &p.TDQty, &p.SDQty,
		&deliver, &receipt, &p.IntradayBuy, &p.IntradaySell, &p.IntradayShortSell,
		&flags, &sequence)
	if err != nil {
		return nil, err
	}

	p.BusinessDate = domain.BusinessDate(date)
	p.Flags = domain.PositionFlag(flags)
	p.Sequence = uint64(sequence)
	if err := json.Unmarshal([]byte(deliver), &p.Deliver); err != nil {
		return nil, fmt.Errorf("failed to decode deliver ladder: %w", err)
	}
	if err := json.Unmarshal([]byte(receipt), &p.Receipt); err != nil {
		return nil, fmt.Errorf("failed to decode receipt ladder: %w", err)
	}
	return &p, nil
}
