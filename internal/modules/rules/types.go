// Package rules implements the versioned, market-scoped rule engine shared by
// the inventory, limit and locate components. Rules are data: ordered
// predicates composed by explicit logical operators, followed by ordered
// actions. Evaluators read an immutable snapshot handle for consistency
// within a single evaluation.
package rules

import (
	"fmt"
	"strings"
	"time"
)

// RuleType scopes a rule to the engine that consumes it.
type RuleType string

const (
	RuleForLoan    RuleType = "for-loan"
	RuleForPledge  RuleType = "for-pledge"
	RuleLimit      RuleType = "limit"
	RuleLocateAuto RuleType = "locate-auto"
	RuleDecrement  RuleType = "locate-decrement"
)

// Operator compares a fact attribute against a rule literal.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
)

// LogicalOp joins a condition with the running result of the prior ones.
type LogicalOp string

const (
	LogicalAnd LogicalOp = "and"
	LogicalOr  LogicalOp = "or"
)

// Condition is one ordered predicate of a rule.
type Condition struct {
	Attribute string    `msgpack:"attribute" json:"attribute"`
	Operator  Operator  `msgpack:"operator" json:"operator"`
	Value     string    `msgpack:"value" json:"value"`
	Logical   LogicalOp `msgpack:"logical" json:"logical"` // joins with the preceding conditions; ignored on the first
}

// ActionType identifies what a matched rule does.
type ActionType string

const (
	// Calculation actions (for-loan / for-pledge / limit rules)
	ActionInclude ActionType = "include" // param "bucket"
	ActionExclude ActionType = "exclude" // param "bucket"

	// Workflow actions (locate-auto rules)
	ActionApprove ActionType = "approve"
	ActionReject  ActionType = "reject"
	ActionReview  ActionType = "review"

	// Numeric adjustments
	ActionDecrementPercent ActionType = "decrement-percent" // params "value", "floor"
)

// Action is one ordered action of a rule.
type Action struct {
	Type   ActionType        `msgpack:"type" json:"type"`
	Params map[string]string `msgpack:"params" json:"params,omitempty"`
}

// RuleStatus is the lifecycle status of a rule version.
type RuleStatus string

const (
	StatusActive     RuleStatus = "active"
	StatusSuperseded RuleStatus = "superseded"
	StatusDraft      RuleStatus = "draft"
	StatusRetired    RuleStatus = "retired"
)

// Rule is one versioned rule definition. At most one version per rule ID is
// active at any instant. Lower Priority evaluates first and wins conflicts.
type Rule struct {
	ID            string      `json:"id"`
	Version       int64       `json:"version"`
	Type          RuleType    `json:"type"`
	Market        string      `json:"market"` // empty = all markets
	Priority      int         `json:"priority"`
	EffectiveFrom time.Time   `json:"effective_from"`
	EffectiveTo   time.Time   `json:"effective_to"` // zero = open-ended
	Status        RuleStatus  `json:"status"`
	Conditions    []Condition `json:"conditions"`
	Actions       []Action    `json:"actions"`
}

// AppliesTo reports whether the rule is in scope for the market and instant.
func (r *Rule) AppliesTo(market string, at time.Time) bool {
	if r.Status != StatusActive {
		return false
	}
	if r.Market != "" && !strings.EqualFold(r.Market, market) {
		return false
	}
	if !r.EffectiveFrom.IsZero() && at.Before(r.EffectiveFrom) {
		return false
	}
	if !r.EffectiveTo.IsZero() && !at.Before(r.EffectiveTo) {
		return false
	}
	return true
}

// Facts is the attribute set a rule evaluates against.
type Facts map[string]interface{}

// Outcome is the structured action record returned to the caller.
type Outcome struct {
	// Matched reports whether any rule matched; callers apply defaults when
	// false (no-rule-matched semantics).
	Matched bool

	// Decision for workflow rules: approve, reject or review. Empty for
	// calculation rules.
	Decision ActionType

	// IncludeBuckets / ExcludeBuckets are the composed include/exclude set
	// deltas for calculation rules.
	IncludeBuckets []string
	ExcludeBuckets []string

	// DecrementPercent is the rule-defined locate decrement (0-100); -1
	// when no decrement rule matched. DecrementFloor bounds intraday
	// shrinking.
	DecrementPercent float64
	DecrementFloor   float64

	// RuleIDs lists matched rules in evaluation order.
	RuleIDs []string
}

// Includes reports whether the composed outcome includes the bucket.
func (o *Outcome) Includes(bucket string) bool {
	for _, b := range o.IncludeBuckets {
		if b == bucket {
			return true
		}
	}
	return false
}

// Excludes reports whether the composed outcome excludes the bucket.
func (o *Outcome) Excludes(bucket string) bool {
	for _, b := range o.ExcludeBuckets {
		if b == bucket {
			return true
		}
	}
	return false
}

// EvalError wraps a rule evaluation failure. Workflow callers treat it as a
// review outcome, calculation callers as no-rule-matched.
type EvalError struct {
	RuleID string
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("rule %s evaluation failed: %v", e.RuleID, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }
