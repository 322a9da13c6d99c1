package reference

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/domain"
	"github.com/meridian-pb/inventory/internal/fabric"
)

// Publisher is the fabric surface the service needs to announce reference
// changes.
type Publisher interface {
	Publish(e *fabric.Event) error
}

// ResolveResult is the outcome of an identifier resolution.
type ResolveResult struct {
	InternalID string
	Outcome    domain.OutcomeCode // approved (resolved), unmapped, or ambiguous
}

// Service implements reference store operations: resolve, versioned upsert
// and conflict handling, plus batch identifier reconciliation.
type Service struct {
	repo *Repository
	pub  Publisher
	log  zerolog.Logger

	// sourcePriority orders providers for reconciliation tie-breaks,
	// highest priority first.
	sourcePriority []string
}

// NewService creates a new reference service.
func NewService(repo *Repository, pub Publisher, sourcePriority []string, log zerolog.Logger) *Service {
	return &Service{
		repo:           repo,
		pub:            pub,
		sourcePriority: sourcePriority,
		log:            log.With().Str("component", "reference").Logger(),
	}
}

// Resolve maps an external identifier to the internal ID. Suspended bindings
// resolve to ambiguous until the conflict exception is cleared.
func (s *Service) Resolve(source, idType, idValue string) (ResolveResult, error) {
	internalID, found, suspended, err := s.repo.LookupIdentifier(source, idType, idValue)
	if err != nil {
		return ResolveResult{}, err
	}
	if !found {
		return ResolveResult{Outcome: domain.ReasonUnmapped}, nil
	}
	if suspended {
		return ResolveResult{Outcome: domain.ReasonAmbiguous}, nil
	}
	return ResolveResult{InternalID: internalID, Outcome: domain.OutcomeApproved}, nil
}

// UpsertSecurity applies a provider update. Idempotent on provider version:
// an equal version with unchanged attributes is a no-op (no version bump, no
// event); a lower version is rejected with stale-version.
func (s *Service) UpsertSecurity(sec *domain.Security) (domain.OutcomeCode, error) {
	existing, err := s.repo.GetSecurity(sec.InternalID)
	if err != nil {
		return "", err
	}

	if existing != nil {
		if sec.ProviderVersion < existing.ProviderVersion {
			s.log.Info().
				Str("security", sec.InternalID).
				Int64("incoming", sec.ProviderVersion).
				Int64("current", existing.ProviderVersion).
				Msg("Rejected stale security version")
			return domain.ReasonStaleVersion, nil
		}
		if !securityAttributesDiffer(existing, sec) {
			return domain.OutcomeApproved, nil
		}
	}

	if err := s.repo.PutSecurity(sec); err != nil {
		return "", err
	}

	s.publishChange("security-changed", sec.InternalID, fabric.StreamReference)
	return domain.OutcomeApproved, nil
}

// UpsertCounterparty applies a counterparty update with the same version
// semantics as securities.
func (s *Service) UpsertCounterparty(cp *domain.Counterparty) (domain.OutcomeCode, error) {
	existing, err := s.repo.GetCounterparty(cp.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if cp.ProviderVersion < existing.ProviderVersion {
			return domain.ReasonStaleVersion, nil
		}
		if *existing == *cp {
			return domain.OutcomeApproved, nil
		}
	}

	if err := s.repo.PutCounterparty(cp); err != nil {
		return "", err
	}
	s.publishChange("counterparty-changed", cp.ID, fabric.StreamReference)
	return domain.OutcomeApproved, nil
}

// UpsertAggregationUnit applies an AU update.
func (s *Service) UpsertAggregationUnit(au *domain.AggregationUnit) (domain.OutcomeCode, error) {
	existing, err := s.repo.GetAggregationUnit(au.ID)
	if err != nil {
		return "", err
	}
	if existing != nil && au.ProviderVersion < existing.ProviderVersion {
		return domain.ReasonStaleVersion, nil
	}
	if err := s.repo.PutAggregationUnit(au); err != nil {
		return "", err
	}
	s.publishChange("aggregation-unit-changed", au.ID, fabric.StreamReference)
	return domain.OutcomeApproved, nil
}

// Conflict opens an exception record and suspends mapping for the
// conflicting identifiers only; the surviving bindings keep resolving.
func (s *Service) Conflict(internalID string, conflicting []domain.ExternalID) error {
	for _, id := range conflicting {
		if err := s.repo.SuspendIdentifier(id.Source, id.IDType, id.Value); err != nil {
			return err
		}
	}

	reason := fmt.Sprintf("%d identifiers conflict with existing bindings", len(conflicting))
	if err := s.repo.OpenException("identifier-conflict", "high", internalID, reason); err != nil {
		return err
	}

	s.log.Warn().
		Str("security", internalID).
		Int("identifiers", len(conflicting)).
		Msg("Identifier conflict opened for human resolution")

	s.publishChange("identifier-conflict", internalID, fabric.StreamException)
	return nil
}

// IncomingRecord is one provider record entering batch reconciliation.
type IncomingRecord struct {
	Source      string
	ExternalIDs []domain.ExternalID
	Security    domain.Security // attributes; InternalID ignored on input
}

// Reconcile performs identifier reconciliation for one incoming record.
//
// Candidate internal IDs are computed by joining each (id-type, value)
// against the identifier graph. Tie-break order:
//  1. exact multi-identifier consensus with two or more sources agreeing;
//  2. the highest-priority source's preferred identifier;
//  3. create a new internal ID.
//
// When two distinct existing internal IDs match disjoint identifiers of the
// record, a conflict is emitted and nothing is merged.
func (s *Service) Reconcile(rec IncomingRecord) (string, domain.OutcomeCode, error) {
	// internal ID -> set of agreeing sources, and the record identifiers
	// that matched it.
	votes := make(map[string]map[string]struct{})
	matchedBy := make(map[string][]domain.ExternalID)

	for _, id := range rec.ExternalIDs {
		candidates, err := s.repo.CandidatesByValue(id.IDType, id.Value)
		if err != nil {
			return "", "", err
		}
		for internalID, sources := range candidates {
			if votes[internalID] == nil {
				votes[internalID] = make(map[string]struct{})
			}
			for _, src := range sources {
				votes[internalID][src] = struct{}{}
			}
			matchedBy[internalID] = append(matchedBy[internalID], id)
		}
	}

	if len(votes) > 1 {
		// Disjoint identifiers resolving to distinct internal IDs: do not
		// merge, suspend the incoming record's identifiers and raise an
		// exception.
		var all []domain.ExternalID
		var subject string
		for internalID := range votes {
			subject = internalID
			all = append(all, matchedBy[internalID]...)
		}
		if err := s.Conflict(subject, all); err != nil {
			return "", "", err
		}
		return "", domain.ReasonConflictingIdentifiers, nil
	}

	var internalID string
	for id := range votes {
		internalID = id
	}

	switch {
	case internalID != "" && len(votes[internalID]) >= 2:
		// Consensus: two or more sources agree.
	case internalID != "" && s.preferredSourceMatches(rec, matchedBy[internalID]):
		// Highest-priority source's identifier matched.
	case internalID != "":
		// A single weak match still beats creating a duplicate.
	default:
		internalID = uuid.NewString()
	}

	sec := rec.Security
	sec.InternalID = internalID
	sec.ExternalIDs = rec.ExternalIDs

	outcome, err := s.UpsertSecurity(&sec)
	if err != nil {
		return "", "", err
	}
	return internalID, outcome, nil
}

// preferredSourceMatches reports whether the record's matching identifiers
// include one from the highest-priority source present on the record.
func (s *Service) preferredSourceMatches(rec IncomingRecord, matched []domain.ExternalID) bool {
	for _, prioritySource := range s.sourcePriority {
		onRecord := false
		for _, id := range rec.ExternalIDs {
			if id.Source == prioritySource {
				onRecord = true
				break
			}
		}
		if !onRecord {
			continue
		}
		for _, id := range matched {
			if id.Source == prioritySource {
				return true
			}
		}
		// The highest-priority source is on the record but did not match.
		return false
	}
	return false
}

// Repo exposes the repository for read-side consumers (book→AU mapping,
// security attributes for rule facts).
func (s *Service) Repo() *Repository { return s.repo }

func (s *Service) publishChange(eventType, key string, stream fabric.Stream) {
	if s.pub == nil {
		return
	}
	err := s.pub.Publish(&fabric.Event{
		ID:           uuid.NewString(),
		Type:         eventType,
		Source:       "reference",
		Stream:       stream,
		PartitionKey: key,
	})
	if err != nil {
		s.log.Error().Err(err).Str("event_type", eventType).Msg("Failed to publish reference change")
	}
}

// securityAttributesDiffer compares provider-visible attributes.
func securityAttributesDiffer(a, b *domain.Security) bool {
	return a.Type != b.Type ||
		a.Issuer != b.Issuer ||
		a.Market != b.Market ||
		a.Currency != b.Currency ||
		a.Status != b.Status ||
		a.Temperature != b.Temperature ||
		a.ProviderVersion != b.ProviderVersion
}
