// Package reference implements the reference store: securities,
// counterparties, aggregation units, index compositions and the identifier
// graph, with conflict handling that suspends mappings rather than guessing.
package reference

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/database"
	"github.com/meridian-pb/inventory/internal/domain"
)

// Repository handles reference store database operations.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new reference repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "reference").Logger(),
	}
}

// GetSecurity returns a security by internal ID, nil when absent.
func (r *Repository) GetSecurity(internalID string) (*domain.Security, error) {
	row := r.db.QueryRow(`SELECT internal_id, security_type, issuer, market, currency,
		status, temperature, provider_version, updated_at
		FROM securities WHERE internal_id = ?`, internalID)

	sec := &domain.Security{}
	var secType, temperature string
	var updatedAt int64
	err := row.Scan(&sec.InternalID, &secType, &sec.Issuer, &sec.Market, &sec.Currency,
		&sec.Status, &temperature, &sec.ProviderVersion, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get security %s: %w", internalID, err)
	}
	sec.Type = domain.SecurityType(secType)
	sec.Temperature = domain.Temperature(temperature)
	sec.UpdatedAt = time.Unix(0, updatedAt)

	ids, err := r.identifiersFor(internalID)
	if err != nil {
		return nil, err
	}
	sec.ExternalIDs = ids
	return sec, nil
}

func (r *Repository) identifiersFor(internalID string) ([]domain.ExternalID, error) {
	rows, err := r.db.Query(`SELECT source, id_type, id_value FROM identifiers
		WHERE internal_id = ? AND suspended = 0`, internalID)
	if err != nil {
		return nil, fmt.Errorf("failed to query identifiers for %s: %w", internalID, err)
	}
	defer rows.Close()

	var ids []domain.ExternalID
	for rows.Next() {
		var id domain.ExternalID
		if err := rows.Scan(&id.Source, &id.IDType, &id.Value); err != nil {
			return nil, fmt.Errorf("failed to scan identifier: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// PutSecurity writes a security row and its identifier bindings.
func (r *Repository) PutSecurity(sec *domain.Security) error {
	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO securities
			(internal_id, security_type, issuer, market, currency, status, temperature, provider_version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (internal_id) DO UPDATE SET
				security_type = excluded.security_type,
				issuer = excluded.issuer,
				market = excluded.market,
				currency = excluded.currency,
				status = excluded.status,
				temperature = excluded.temperature,
				provider_version = excluded.provider_version,
				updated_at = excluded.updated_at`,
			sec.InternalID, string(sec.Type), sec.Issuer, sec.Market, sec.Currency,
			sec.Status, string(sec.Temperature), sec.ProviderVersion, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to upsert security %s: %w", sec.InternalID, err)
		}

		for _, id := range sec.ExternalIDs {
			if _, err := tx.Exec(`INSERT INTO identifiers (source, id_type, id_value, internal_id, suspended)
				VALUES (?, ?, ?, ?, 0)
				ON CONFLICT (source, id_type, id_value) DO NOTHING`,
				id.Source, id.IDType, id.Value, sec.InternalID); err != nil {
				return fmt.Errorf("failed to bind identifier %s/%s/%s: %w", id.Source, id.IDType, id.Value, err)
			}
		}
		return nil
	})
}

// LookupIdentifier resolves one (source, id-type, id-value) binding.
// Returns the internal ID, whether the binding exists, and whether it is
// suspended pending conflict resolution.
func (r *Repository) LookupIdentifier(source, idType, idValue string) (internalID string, found, suspended bool, err error) {
	row := r.db.QueryRow(`SELECT internal_id, suspended FROM identifiers
		WHERE source = ? AND id_type = ? AND id_value = ?`, source, idType, idValue)

	var susp int
	scanErr := row.Scan(&internalID, &susp)
	if scanErr == sql.ErrNoRows {
		return "", false, false, nil
	}
	if scanErr != nil {
		return "", false, false, fmt.Errorf("failed to lookup identifier: %w", scanErr)
	}
	return internalID, true, susp != 0, nil
}

// CandidatesByValue returns the distinct internal IDs bound to (id-type,
// id-value) across all sources, with the binding sources.
func (r *Repository) CandidatesByValue(idType, idValue string) (map[string][]string, error) {
	rows, err := r.db.Query(`SELECT internal_id, source FROM identifiers
		WHERE id_type = ? AND id_value = ? AND suspended = 0`, idType, idValue)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates for %s/%s: %w", idType, idValue, err)
	}
	defer rows.Close()

	candidates := make(map[string][]string)
	for rows.Next() {
		var internalID, source string
		if err := rows.Scan(&internalID, &source); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates[internalID] = append(candidates[internalID], source)
	}
	return candidates, rows.Err()
}

// SuspendIdentifier marks one binding as suspended; resolution stays pending
// until an operator clears the exception.
func (r *Repository) SuspendIdentifier(source, idType, idValue string) error {
	_, err := r.db.Exec(`UPDATE identifiers SET suspended = 1
		WHERE source = ? AND id_type = ? AND id_value = ?`, source, idType, idValue)
	if err != nil {
		return fmt.Errorf("failed to suspend identifier %s/%s/%s: %w", source, idType, idValue, err)
	}
	return nil
}

// PutCounterparty writes a counterparty row.
func (r *Repository) PutCounterparty(cp *domain.Counterparty) error {
	isSelf := 0
	if cp.IsSelf {
		isSelf = 1
	}
	_, err := r.db.Exec(`INSERT INTO counterparties
		(id, counterparty_type, kyc_status, lifecycle_status, parent_id, is_self, provider_version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			counterparty_type = excluded.counterparty_type,
			kyc_status = excluded.kyc_status,
			lifecycle_status = excluded.lifecycle_status,
			parent_id = excluded.parent_id,
			is_self = excluded.is_self,
			provider_version = excluded.provider_version,
			updated_at = excluded.updated_at`,
		cp.ID, string(cp.Type), cp.KYCStatus, cp.LifecycleStatus, cp.ParentID, isSelf,
		cp.ProviderVersion, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert counterparty %s: %w", cp.ID, err)
	}
	return nil
}

// GetCounterparty returns a counterparty, nil when absent.
func (r *Repository) GetCounterparty(id string) (*domain.Counterparty, error) {
	row := r.db.QueryRow(`SELECT id, counterparty_type, kyc_status, lifecycle_status, parent_id, is_self, provider_version
		FROM counterparties WHERE id = ?`, id)

	cp := &domain.Counterparty{}
	var cpType string
	var isSelf int
	err := row.Scan(&cp.ID, &cpType, &cp.KYCStatus, &cp.LifecycleStatus, &cp.ParentID, &isSelf, &cp.ProviderVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get counterparty %s: %w", id, err)
	}
	cp.Type = domain.CounterpartyType(cpType)
	cp.IsSelf = isSelf != 0
	return cp, nil
}

// SelfCounterpartyCount returns the number of counterparties flagged as self.
// The invariant is exactly one.
func (r *Repository) SelfCounterpartyCount() (int, error) {
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM counterparties WHERE is_self = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count self counterparties: %w", err)
	}
	return n, nil
}

// PutAggregationUnit writes an aggregation unit. (market, name) uniqueness is
// enforced by the schema.
func (r *Repository) PutAggregationUnit(au *domain.AggregationUnit) error {
	_, err := r.db.Exec(`INSERT INTO aggregation_units (id, market, name, au_type, provider_version)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			market = excluded.market,
			name = excluded.name,
			au_type = excluded.au_type,
			provider_version = excluded.provider_version`,
		au.ID, au.Market, au.Name, string(au.Type), au.ProviderVersion)
	if err != nil {
		return fmt.Errorf("failed to upsert aggregation unit %s: %w", au.ID, err)
	}
	return nil
}

// GetAggregationUnit returns an AU, nil when absent.
func (r *Repository) GetAggregationUnit(id string) (*domain.AggregationUnit, error) {
	row := r.db.QueryRow(`SELECT id, market, name, au_type, provider_version
		FROM aggregation_units WHERE id = ?`, id)

	au := &domain.AggregationUnit{}
	var auType string
	err := row.Scan(&au.ID, &au.Market, &au.Name, &auType, &au.ProviderVersion)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get aggregation unit %s: %w", id, err)
	}
	au.Type = domain.AUType(auType)
	return au, nil
}

// MapBookToAU binds a (book, market) pair to an aggregation unit.
func (r *Repository) MapBookToAU(book, market, auID string) error {
	_, err := r.db.Exec(`INSERT INTO book_aggregation_units (book, market, au_id)
		VALUES (?, ?, ?)
		ON CONFLICT (book, market) DO UPDATE SET au_id = excluded.au_id`,
		book, market, auID)
	if err != nil {
		return fmt.Errorf("failed to map book %s to AU %s: %w", book, auID, err)
	}
	return nil
}

// AUForBook resolves the aggregation unit for a (book, market) pair.
// Returns empty when unmapped.
func (r *Repository) AUForBook(book, market string) (string, error) {
	var auID string
	err := r.db.QueryRow(`SELECT au_id FROM book_aggregation_units WHERE book = ? AND market = ?`,
		book, market).Scan(&auID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve AU for book %s/%s: %w", book, market, err)
	}
	return auID, nil
}

// MapBookToClient binds a (book, market) pair to the client whose activity the
// book carries. Firm books stay unmapped.
func (r *Repository) MapBookToClient(book, market, clientID string) error {
	_, err := r.db.Exec(`INSERT INTO book_clients (book, market, client_id)
		VALUES (?, ?, ?)
		ON CONFLICT (book, market) DO UPDATE SET client_id = excluded.client_id`,
		book, market, clientID)
	if err != nil {
		return fmt.Errorf("failed to map book %s to client %s: %w", book, clientID, err)
	}
	return nil
}

// ClientForBook resolves the client for a (book, market) pair. Returns empty
// when the book is a firm book.
func (r *Repository) ClientForBook(book, market string) (string, error) {
	var clientID string
	err := r.db.QueryRow(`SELECT client_id FROM book_clients WHERE book = ? AND market = ?`,
		book, market).Scan(&clientID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve client for book %s/%s: %w", book, market, err)
	}
	return clientID, nil
}

// PutIndexComposition replaces the composition of an index.
func (r *Repository) PutIndexComposition(indexID string, members map[string]string, providerVersion int64) error {
	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM index_compositions WHERE index_id = ?`, indexID); err != nil {
			return fmt.Errorf("failed to clear index %s composition: %w", indexID, err)
		}
		for securityID, weight := range members {
			if _, err := tx.Exec(`INSERT INTO index_compositions (index_id, security_id, weight, provider_version)
				VALUES (?, ?, ?, ?)`, indexID, securityID, weight, providerVersion); err != nil {
				return fmt.Errorf("failed to insert index member %s: %w", securityID, err)
			}
		}
		return nil
	})
}

// OpenException records an exception for human resolution.
func (r *Repository) OpenException(kind, severity, subject, reason string) error {
	_, err := r.db.Exec(`INSERT INTO exceptions (kind, severity, subject, reason, resolved, created_at)
		VALUES (?, ?, ?, ?, 0, ?)`, kind, severity, subject, reason, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to open exception for %s: %w", subject, err)
	}
	return nil
}

// OpenExceptionCount returns the number of unresolved exceptions of a kind.
func (r *Repository) OpenExceptionCount(kind string) (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM exceptions WHERE resolved = 0 AND kind = ?`, kind).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count open exceptions: %w", err)
	}
	return n, nil
}
