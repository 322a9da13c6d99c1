package locates

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/database"
	"github.com/meridian-pb/inventory/internal/domain"
)

// Repository persists locate requests, approvals and rejections.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a locate repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "locate_repository").Logger(),
	}
}

// CreateRequest inserts a new locate request.
func (r *Repository) CreateRequest(req *domain.LocateRequest) error {
	_, err := r.db.Exec(`
		INSERT INTO locate_requests (id, requestor, client_id, security_id, locate_type,
			requested_qty, state, business_date, correlation_id, received_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.Requestor, req.ClientID, req.SecurityID, string(req.Type),
		req.RequestedQty, string(req.State), string(req.BusinessDate),
		req.CorrelationID, req.ReceivedAt.Unix(), req.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to create locate request %s: %w", req.ID, err)
	}
	return nil
}

// UpdateState moves a request to a new lifecycle state.
func (r *Repository) UpdateState(id string, state domain.LocateState, decidedAt *time.Time) error {
	var decided interface{}
	if decidedAt != nil {
		decided = decidedAt.Unix()
	}
	_, err := r.db.Exec(`UPDATE locate_requests SET state = ?, decided_at = ? WHERE id = ?`,
		string(state), decided, id)
	if err != nil {
		return fmt.Errorf("failed to update locate %s state: %w", id, err)
	}
	return nil
}

// GetRequest returns one request, or nil when absent.
func (r *Repository) GetRequest(id string) (*domain.LocateRequest, error) {
	row := r.db.QueryRow(`
		SELECT id, requestor, client_id, security_id, locate_type, requested_qty,
			state, business_date, correlation_id, received_at, decided_at, expires_at
		FROM locate_requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return req, err
}

// ListByState returns requests in one state, oldest first. The manual review
// queue reads pending-review through this.
func (r *Repository) ListByState(state domain.LocateState) ([]*domain.LocateRequest, error) {
	return r.list(`
		SELECT id, requestor, client_id, security_id, locate_type, requested_qty,
			state, business_date, correlation_id, received_at, decided_at, expires_at
		FROM locate_requests WHERE state = ? ORDER BY received_at`, string(state))
}

// ListByClient returns a client's requests for one business date.
func (r *Repository) ListByClient(clientID string, date domain.BusinessDate) ([]*domain.LocateRequest, error) {
	return r.list(`
		SELECT id, requestor, client_id, security_id, locate_type, requested_qty,
			state, business_date, correlation_id, received_at, decided_at, expires_at
		FROM locate_requests WHERE client_id = ? AND business_date = ? ORDER BY received_at`,
		clientID, string(date))
}

// ListBySecurity returns a security's requests for one business date.
func (r *Repository) ListBySecurity(securityID string, date domain.BusinessDate) ([]*domain.LocateRequest, error) {
	return r.list(`
		SELECT id, requestor, client_id, security_id, locate_type, requested_qty,
			state, business_date, correlation_id, received_at, decided_at, expires_at
		FROM locate_requests WHERE security_id = ? AND business_date = ? ORDER BY received_at`,
		securityID, string(date))
}

// ListUnresolvedBefore returns non-terminal requests whose TTL has passed.
func (r *Repository) ListUnresolvedBefore(cutoff time.Time) ([]*domain.LocateRequest, error) {
	return r.list(`
		SELECT id, requestor, client_id, security_id, locate_type, requested_qty,
			state, business_date, correlation_id, received_at, decided_at, expires_at
		FROM locate_requests
		WHERE expires_at <= ?
		  AND state NOT IN ('rejected', 'auto-rejected', 'expired', 'complete', 'approved', 'auto-approved')
		ORDER BY received_at`, cutoff.Unix())
}

// ApprovedTotals sums requested quantity over the day's approved locates for
// one client and one security, the running totals fed to the auto rules.
func (r *Repository) ApprovedTotals(clientID, securityID string, date domain.BusinessDate) (clientQty, securityQty int64, err error) {
	err = r.db.QueryRow(`
		SELECT COALESCE(SUM(CASE WHEN client_id = ? THEN requested_qty ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN security_id = ? THEN requested_qty ELSE 0 END), 0)
		FROM locate_requests
		WHERE business_date = ? AND state IN ('approved', 'auto-approved')`,
		clientID, securityID, string(date)).Scan(&clientQty, &securityQty)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to sum approved locates: %w", err)
	}
	return clientQty, securityQty, nil
}

// SaveApproval inserts or replaces the approval record of a locate.
func (r *Repository) SaveApproval(a *domain.LocateApproval) error {
	_, err := r.db.Exec(`
		INSERT INTO locate_approvals (locate_id, approved_qty, decrement_qty, executed_qty, approved_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (locate_id) DO UPDATE SET
			decrement_qty = excluded.decrement_qty,
			executed_qty = excluded.executed_qty,
			updated_at = excluded.updated_at`,
		a.LocateID, a.ApprovedQty, a.DecrementQty, a.ExecutedQty,
		a.ApprovedAt.Unix(), a.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save locate approval %s: %w", a.LocateID, err)
	}
	return nil
}

// GetApproval returns the approval record, or nil.
func (r *Repository) GetApproval(locateID string) (*domain.LocateApproval, error) {
	var a domain.LocateApproval
	var approvedAt, updatedAt int64
	err := r.db.QueryRow(`
		SELECT locate_id, approved_qty, decrement_qty, executed_qty, approved_at, updated_at
		FROM locate_approvals WHERE locate_id = ?`, locateID).
		Scan(&a.LocateID, &a.ApprovedQty, &a.DecrementQty, &a.ExecutedQty, &approvedAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read locate approval %s: %w", locateID, err)
	}
	a.ApprovedAt = time.Unix(approvedAt, 0)
	a.UpdatedAt = time.Unix(updatedAt, 0)
	return &a, nil
}

// ListApprovals returns every approval whose request belongs to the date.
func (r *Repository) ListApprovals(date domain.BusinessDate) ([]*domain.LocateApproval, error) {
	rows, err := r.db.Query(`
		SELECT a.locate_id, a.approved_qty, a.decrement_qty, a.executed_qty, a.approved_at, a.updated_at
		FROM locate_approvals a
		JOIN locate_requests q ON q.id = a.locate_id
		WHERE q.business_date = ?`, string(date))
	if err != nil {
		return nil, fmt.Errorf("failed to list locate approvals: %w", err)
	}
	defer rows.Close()

	var out []*domain.LocateApproval
	for rows.Next() {
		var a domain.LocateApproval
		var approvedAt, updatedAt int64
		if err := rows.Scan(&a.LocateID, &a.ApprovedQty, &a.DecrementQty, &a.ExecutedQty, &approvedAt, &updatedAt); err != nil {
			return nil, err
		}
		a.ApprovedAt = time.Unix(approvedAt, 0)
		a.UpdatedAt = time.Unix(updatedAt, 0)
		out = append(out, &a)
	}
	return out, rows.Err()
}

// SaveRejection records why a locate was rejected.
func (r *Repository) SaveRejection(rej *domain.LocateRejection) error {
	_, err := r.db.Exec(`
		INSERT INTO locate_rejections (locate_id, reason, rejected_at)
		VALUES (?, ?, ?)
		ON CONFLICT (locate_id) DO UPDATE SET reason = excluded.reason, rejected_at = excluded.rejected_at`,
		rej.LocateID, rej.Reason, rej.RejectedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to save locate rejection %s: %w", rej.LocateID, err)
	}
	return nil
}

func (r *Repository) list(query string, args ...interface{}) ([]*domain.LocateRequest, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list locate requests: %w", err)
	}
	defer rows.Close()

	var out []*domain.LocateRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRequest(row rowScanner) (*domain.LocateRequest, error) {
	var req domain.LocateRequest
	var locateType, state, date string
	var receivedAt, expiresAt int64
	var decidedAt sql.NullInt64

	err := row.Scan(&req.ID, &req.Requestor, &req.ClientID, &req.SecurityID, &locateType,
		&req.RequestedQty, &state, &date, &req.CorrelationID, &receivedAt, &decidedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	req.Type = domain.LocateType(locateType)
	req.State = domain.LocateState(state)
	req.BusinessDate = domain.BusinessDate(date)
	req.ReceivedAt = time.Unix(receivedAt, 0)
	req.ExpiresAt = time.Unix(expiresAt, 0)
	if decidedAt.Valid {
		t := time.Unix(decidedAt.Int64, 0)
		req.DecidedAt = &t
	}
	return &req, nil
}
