// Package state contains the per-case processing state for the Infotrygd
// integration flow and the store that persists it. It deliberately has zero
// imports of other infobridge packages so that the orchestrator, the retry
// sweeper, and the transport layer can all import from it without creating
// import cycles.
package state

import "time"

// Step is the lifecycle state of a case inside the integration flow.
type Step string

const (
	// StepInitiated is the initial state when an inbound sykmelding event
	// has been accepted for automatic processing.
	StepInitiated Step = "INITIATED"
	// StepQuerySent means the correlated Infotrygd query has been sent and
	// the case is waiting for the asynchronous reply.
	StepQuerySent Step = "QUERY_SENT"
	// StepQueryReceived means the query reply was received and parsed.
	StepQueryReceived Step = "QUERY_RECEIVED"
	// StepUpdateSent means the fire-and-forget update has been handed to the
	// queue transport. Infotrygd gives no usable acknowledgement for this
	// message kind, so there is no later confirmation.
	StepUpdateSent Step = "UPDATE_SENT"
	// StepCompleted is the terminal success state.
	StepCompleted Step = "COMPLETED"
	// StepFailed means the last attempt failed; the retry sweeper decides
	// what happens next.
	StepFailed Step = "FAILED"
)

// Terminal reports whether the step admits no further transitions.
func (s Step) Terminal() bool { return s == StepCompleted }

// ValidTransition reports whether from → to is a legal step change for a case.
//
// Used defensively in tests; production code drives transitions through the
// orchestrator, which already enforces the rules.
func ValidTransition(from, to Step) bool {
	if to == StepFailed {
		// FAILED is reachable from any non-terminal step.
		return from != StepCompleted
	}
	switch from {
	case StepInitiated:
		return to == StepQuerySent
	case StepQuerySent:
		return to == StepQueryReceived
	case StepQueryReceived:
		return to == StepUpdateSent
	case StepUpdateSent:
		return to == StepCompleted
	case StepFailed:
		// A failed case is rewound by the retry sweeper, never advanced.
		return to == StepInitiated || to == StepQueryReceived
	case StepCompleted:
		return false
	}
	return false
}

// ProcessingState is the durable record of one case moving through the
// two-phase Infotrygd conversation. It is persisted as JSON in the State
// Store with a 24 hour TTL; a save is always a whole-record overwrite.
type ProcessingState struct {
	// Immutable business context, set once at creation.
	CaseID            string `json:"case_id"`
	JournalRefID      string `json:"journal_ref_id"`
	TargetID          string `json:"target_id"`
	PersonnelCategory string `json:"personnel_category"`
	OfficeNr          string `json:"office_nr"`
	PatientID         string `json:"patient_id"`
	PractitionerID    string `json:"practitioner_id"`

	Step Step `json:"step"`

	// Correlation ids, set when the respective message is sent.
	QueryCorrID  string `json:"query_corr_id,omitempty"`
	UpdateCorrID string `json:"update_corr_id,omitempty"`

	// Fields resolved from the Infotrygd query response.
	ResolvedDate   string `json:"resolved_date,omitempty"`
	ResolvedRegion string `json:"resolved_region,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Failure tracking.
	ErrorMessage string     `json:"error_message,omitempty"`
	RetryCount   int        `json:"retry_count"`
	LastErrorAt  *time.Time `json:"last_error_at,omitempty"`
}

// Advance moves the state to step and refreshes UpdatedAt. The caller is
// responsible for only requesting legal transitions.
func (p *ProcessingState) Advance(step Step, now time.Time) {
	p.Step = step
	p.UpdatedAt = now
}

// Fail marks the state as FAILED with the given reason.
func (p *ProcessingState) Fail(reason string, now time.Time) {
	p.Step = StepFailed
	p.ErrorMessage = reason
	p.LastErrorAt = &now
	p.UpdatedAt = now
}

// MarkRetry rewinds the state to step and consumes one unit of retry budget.
// It does not resend anything — the next sweep picks the case up.
func (p *ProcessingState) MarkRetry(step Step, now time.Time) {
	p.Step = step
	p.RetryCount++
	p.UpdatedAt = now
}

// RewindStep returns the step a case is rewound to when it fails at
// failedStep and still has retry budget left.
func RewindStep(failedStep Step) Step {
	switch failedStep {
	case StepQuerySent:
		return StepInitiated
	case StepUpdateSent:
		return StepQueryReceived
	default:
		return StepInitiated
	}
}

// Clone returns a shallow copy of the state.
func (p *ProcessingState) Clone() *ProcessingState {
	c := *p
	return &c
}
