package domain

// OutcomeCode is a machine-readable decision code carried on request/response
// surfaces and rejection events. Business-rule rejections are first-class
// outcomes, not errors.
type OutcomeCode string

const (
	OutcomeApproved OutcomeCode = "approved"
	OutcomeRejected OutcomeCode = "rejected"
	OutcomeReview   OutcomeCode = "review"

	ReasonInvalid                OutcomeCode = "invalid"
	ReasonUnmapped               OutcomeCode = "unmapped"
	ReasonAmbiguous              OutcomeCode = "ambiguous"
	ReasonStaleVersion           OutcomeCode = "stale-version"
	ReasonStaleSOD               OutcomeCode = "stale-sod"
	ReasonInsufficientInventory  OutcomeCode = "insufficient-inventory"
	ReasonInsufficientClientLim  OutcomeCode = "insufficient-client-limit"
	ReasonInsufficientAULimit    OutcomeCode = "insufficient-au-limit"
	ReasonTimeout                OutcomeCode = "timeout"
	ReasonOverloaded             OutcomeCode = "overloaded"
	ReasonUnknownReservation     OutcomeCode = "unknown-reservation"
	ReasonExpired                OutcomeCode = "expired"
	ReasonNoRuleMatched          OutcomeCode = "no-rule-matched"
	ReasonRejectedByRule         OutcomeCode = "rejected-by-rule"
	ReasonEngineHalt             OutcomeCode = "engine-halt"
	ReasonDuplicate              OutcomeCode = "duplicate"
	ReasonConflictingIdentifiers OutcomeCode = "conflicting-identifiers"
)
