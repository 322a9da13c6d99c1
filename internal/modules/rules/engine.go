package rules

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridian-pb/inventory/internal/fabric"
)

// EventRuleChange is the event type published on the rule-change stream.
const EventRuleChange = "rule-change"

// Publisher is the fabric surface used to announce rule changes.
type Publisher interface {
	Publish(e *fabric.Event) error
}

// ChangeEvent is the payload published on the rule-change stream. It carries
// the full rule so a replica can rebuild the snapshot from the log alone, and
// the snapshot version marking the replay boundary.
type ChangeEvent struct {
	RuleID          string `msgpack:"rule_id"`
	RuleVersion     int64  `msgpack:"rule_version"`
	SnapshotVersion int64  `msgpack:"snapshot_version"`
	Rule            *Rule  `msgpack:"rule"`
}

// Engine owns the rule set and publishes snapshot handles to evaluators.
// Snapshots are copy-on-write: a rule change builds a new snapshot with a
// bumped version; readers holding the old handle are unaffected.
type Engine struct {
	repo     *Repository
	snapshot atomic.Pointer[Snapshot]
	pub      Publisher
	log      zerolog.Logger

	// onChange is notified with the new snapshot version after each change.
	onChange func(version int64)
}

// NewEngine loads the active rule set and builds the initial snapshot.
func NewEngine(repo *Repository, log zerolog.Logger) (*Engine, error) {
	e := &Engine{
		repo: repo,
		log:  log.With().Str("component", "rule_engine").Logger(),
	}

	active, err := repo.LoadActive()
	if err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}
	e.snapshot.Store(NewSnapshot(1, active))

	e.log.Info().Int("rules", len(active)).Msg("Rule engine initialized")
	return e, nil
}

// Snapshot returns the current immutable snapshot handle.
func (e *Engine) Snapshot() *Snapshot {
	return e.snapshot.Load()
}

// SetPublisher wires the fabric so every applied change lands on the
// rule-change stream.
func (e *Engine) SetPublisher(pub Publisher) { e.pub = pub }

// OnChange registers a callback invoked after every snapshot publication.
func (e *Engine) OnChange(fn func(version int64)) {
	e.onChange = fn
}

// Apply persists a rule change and publishes a new snapshot. The change event
// goes to the log before any in-process notification, so replay can locate the
// rule-version boundary relative to the calculation streams.
func (e *Engine) Apply(rule *Rule) (*Snapshot, error) {
	if err := e.repo.Upsert(rule); err != nil {
		return nil, err
	}

	active, err := e.repo.LoadActive()
	if err != nil {
		return nil, fmt.Errorf("failed to reload rules after change: %w", err)
	}

	next := NewSnapshot(e.Snapshot().Version+1, active)
	e.snapshot.Store(next)

	e.log.Info().
		Str("rule_id", rule.ID).
		Int64("rule_version", rule.Version).
		Int64("snapshot_version", next.Version).
		Msg("Rule snapshot published")

	e.publishChange(rule, next.Version)

	if e.onChange != nil {
		e.onChange(next.Version)
	}
	return next, nil
}

func (e *Engine) publishChange(rule *Rule, snapshotVersion int64) {
	if e.pub == nil {
		return
	}
	payload, err := fabric.EncodePayload(&ChangeEvent{
		RuleID:          rule.ID,
		RuleVersion:     rule.Version,
		SnapshotVersion: snapshotVersion,
		Rule:            rule,
	})
	if err != nil {
		e.log.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to encode rule change")
		return
	}
	err = e.pub.Publish(&fabric.Event{
		ID:           uuid.NewString(),
		Type:         EventRuleChange,
		Source:       "rule-engine",
		Stream:       fabric.StreamRuleChange,
		PartitionKey: rule.ID,
		Payload:      payload,
	})
	if err != nil {
		e.log.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to publish rule change")
	}
}
