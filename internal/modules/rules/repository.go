package rules

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/meridian-pb/inventory/internal/database"
)

// ruleDefinition is the msgpack-encoded body of a rule row.
type ruleDefinition struct {
	Conditions []Condition `msgpack:"conditions"`
	Actions    []Action    `msgpack:"actions"`
}

// Repository handles rule store operations, keyed by (rule-id, version).
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new rule repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "rules").Logger(),
	}
}

// Upsert stores a new rule version and supersedes any previously active
// version of the same rule ID, preserving the one-active-version invariant.
func (r *Repository) Upsert(rule *Rule) error {
	def, err := msgpack.Marshal(ruleDefinition{Conditions: rule.Conditions, Actions: rule.Actions})
	if err != nil {
		return fmt.Errorf("failed to encode rule %s: %w", rule.ID, err)
	}

	return database.WithTransaction(r.db.Conn(), func(tx *sql.Tx) error {
		if rule.Status == StatusActive {
			if _, err := tx.Exec(`UPDATE rules SET status = ? WHERE rule_id = ? AND status = ?`,
				string(StatusSuperseded), rule.ID, string(StatusActive)); err != nil {
				return fmt.Errorf("failed to supersede prior versions of %s: %w", rule.ID, err)
			}
		}

		_, err := tx.Exec(`INSERT INTO rules
			(rule_id, version, rule_type, market, priority, effective_from, effective_to, status, definition, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rule.ID, rule.Version, string(rule.Type), rule.Market, rule.Priority,
			unixOrZero(rule.EffectiveFrom), unixOrZero(rule.EffectiveTo),
			string(rule.Status), def, time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("failed to insert rule %s v%d: %w", rule.ID, rule.Version, err)
		}
		return nil
	})
}

// LoadActive returns all active rule versions.
func (r *Repository) LoadActive() ([]*Rule, error) {
	rows, err := r.db.Query(`SELECT rule_id, version, rule_type, market, priority,
		effective_from, effective_to, status, definition
		FROM rules WHERE status = ?`, string(StatusActive))
	if err != nil {
		return nil, fmt.Errorf("failed to query active rules: %w", err)
	}
	defer rows.Close()

	var out []*Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// Get returns one rule version, nil when absent.
func (r *Repository) Get(ruleID string, version int64) (*Rule, error) {
	rows, err := r.db.Query(`SELECT rule_id, version, rule_type, market, priority,
		effective_from, effective_to, status, definition
		FROM rules WHERE rule_id = ? AND version = ?`, ruleID, version)
	if err != nil {
		return nil, fmt.Errorf("failed to query rule %s v%d: %w", ruleID, version, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	return scanRule(rows)
}

func scanRule(rows *sql.Rows) (*Rule, error) {
	rule := &Rule{}
	var ruleType, status string
	var from, to int64
	var def []byte
	if err := rows.Scan(&rule.ID, &rule.Version, &ruleType, &rule.Market, &rule.Priority,
		&from, &to, &status, &def); err != nil {
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}
	rule.Type = RuleType(ruleType)
	rule.Status = RuleStatus(status)
	if from != 0 {
		rule.EffectiveFrom = time.Unix(0, from)
	}
	if to != 0 {
		rule.EffectiveTo = time.Unix(0, to)
	}

	var body ruleDefinition
	if err := msgpack.Unmarshal(def, &body); err != nil {
		return nil, fmt.Errorf("failed to decode rule %s definition: %w", rule.ID, err)
	}
	rule.Conditions = body.Conditions
	rule.Actions = body.Actions
	return rule, nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
