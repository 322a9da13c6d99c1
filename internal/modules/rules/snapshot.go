package rules

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Snapshot is an immutable view of the active rule set. Evaluators hold a
// snapshot handle for the duration of one evaluation; rule changes publish a
// new snapshot and never mutate an existing one.
type Snapshot struct {
	Version int64
	rules   []*Rule // sorted by (priority, id)
}

// NewSnapshot builds a snapshot from active rules.
func NewSnapshot(version int64, active []*Rule) *Snapshot {
	sorted := make([]*Rule, len(active))
	copy(sorted, active)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority != sorted[j].Priority {
			return sorted[i].Priority < sorted[j].Priority
		}
		return sorted[i].ID < sorted[j].ID
	})
	return &Snapshot{Version: version, rules: sorted}
}

// Rules returns the snapshot's rules in evaluation order.
func (s *Snapshot) Rules() []*Rule { return s.rules }

// Evaluate selects candidate rules by (type, market, effective window),
// evaluates them in priority order and composes their actions. Non-conflicting
// actions compose; on conflict the higher-priority (earlier) rule wins.
func (s *Snapshot) Evaluate(ruleType RuleType, market string, at time.Time, facts Facts) (*Outcome, error) {
	out := &Outcome{DecrementPercent: -1}

	for _, r := range s.rules {
		if r.Type != ruleType || !r.AppliesTo(market, at) {
			continue
		}

		matched, err := evalConditions(r.Conditions, facts)
		if err != nil {
			return nil, &EvalError{RuleID: r.ID, Err: err}
		}
		if !matched {
			continue
		}

		out.Matched = true
		out.RuleIDs = append(out.RuleIDs, r.ID)

		for _, a := range r.Actions {
			applyAction(out, a)
		}
	}

	return out, nil
}

func applyAction(out *Outcome, a Action) {
	switch a.Type {
	case ActionApprove, ActionReject, ActionReview:
		// Conflict: the first (higher-priority) decision stands.
		if out.Decision == "" {
			out.Decision = a.Type
		}
	case ActionInclude:
		bucket := a.Params["bucket"]
		if bucket != "" && !out.Excludes(bucket) && !out.Includes(bucket) {
			out.IncludeBuckets = append(out.IncludeBuckets, bucket)
		}
	case ActionExclude:
		bucket := a.Params["bucket"]
		if bucket != "" && !out.Includes(bucket) && !out.Excludes(bucket) {
			out.ExcludeBuckets = append(out.ExcludeBuckets, bucket)
		}
	case ActionDecrementPercent:
		if out.DecrementPercent < 0 {
			if v, err := strconv.ParseFloat(a.Params["value"], 64); err == nil {
				out.DecrementPercent = v
			}
			if fl, err := strconv.ParseFloat(a.Params["floor"], 64); err == nil {
				out.DecrementFloor = fl
			}
		}
	}
}

// evalConditions folds the ordered predicates left to right using each
// condition's explicit logical operator.
func evalConditions(conds []Condition, facts Facts) (bool, error) {
	if len(conds) == 0 {
		return true, nil
	}

	result, err := evalCondition(conds[0], facts)
	if err != nil {
		return false, err
	}
	for _, c := range conds[1:] {
		v, err := evalCondition(c, facts)
		if err != nil {
			return false, err
		}
		switch c.Logical {
		case LogicalOr:
			result = result || v
		default:
			result = result && v
		}
	}
	return result, nil
}

func evalCondition(c Condition, facts Facts) (bool, error) {
	raw, ok := facts[c.Attribute]
	if !ok {
		// Missing attribute never matches; it is not an error.
		return false, nil
	}

	switch c.Operator {
	case OpEq, OpNe:
		eq := strings.EqualFold(fmt.Sprintf("%v", raw), c.Value)
		if c.Operator == OpNe {
			return !eq, nil
		}
		return eq, nil

	case OpGt, OpGte, OpLt, OpLte:
		factVal, err := toFloat(raw)
		if err != nil {
			return false, fmt.Errorf("attribute %s: %w", c.Attribute, err)
		}
		ruleVal, err := strconv.ParseFloat(c.Value, 64)
		if err != nil {
			return false, fmt.Errorf("condition value %q not numeric: %w", c.Value, err)
		}
		switch c.Operator {
		case OpGt:
			return factVal > ruleVal, nil
		case OpGte:
			return factVal >= ruleVal, nil
		case OpLt:
			return factVal < ruleVal, nil
		default:
			return factVal <= ruleVal, nil
		}

	case OpIn:
		fact := strings.ToLower(fmt.Sprintf("%v", raw))
		for _, candidate := range strings.Split(c.Value, ",") {
			if strings.ToLower(strings.TrimSpace(candidate)) == fact {
				return true, nil
			}
		}
		return false, nil

	case OpContains:
		return strings.Contains(
			strings.ToLower(fmt.Sprintf("%v", raw)),
			strings.ToLower(c.Value)), nil

	default:
		return false, fmt.Errorf("unknown operator %q", c.Operator)
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(n, 64)
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", v, v)
	}
}
