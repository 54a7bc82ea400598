// Package orchestrator drives each case through the two-phase Infotrygd
// conversation: a correlated query, then a fire-and-forget update. All
// per-case mutations run under a keyed lock so a reply, a retry sweep and a
// duplicate delivery can never interleave on the same case.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/helsebro/infobridge/internal/dlq"
	"github.com/helsebro/infobridge/internal/fellesformat"
	"github.com/helsebro/infobridge/internal/gateway"
	"github.com/helsebro/infobridge/internal/infotrygd"
	"github.com/helsebro/infobridge/internal/metrics"
	"github.com/helsebro/infobridge/internal/registry"
	"github.com/helsebro/infobridge/internal/state"
	"github.com/helsebro/infobridge/internal/sykmelding"
)

// PersonnelCategoryUnknown is recorded when no register lookup is possible,
// which is the case for every cross border record.
const PersonnelCategoryUnknown = "XX"

// Deps wires the orchestrator. Metrics, MaxRetries and Now default when
// unset.
type Deps struct {
	States      state.Store
	DeadLetters dlq.Store
	Gateway     gateway.Gateway
	Health      HealthSource
	Persons     registry.PersonClient
	HPR         registry.HPRClient
	Norg        registry.NorgClient
	TSS         registry.TSSClient
	Metrics     *metrics.Registry
	Log         *slog.Logger
	MaxRetries  int
	Now         func() time.Time
}

// Orchestrator owns every state transition of a case.
type Orchestrator struct {
	states      state.Store
	deadLetters dlq.Store
	gw          gateway.Gateway
	health      HealthSource
	persons     registry.PersonClient
	hpr         registry.HPRClient
	norg        registry.NorgClient
	tss         registry.TSSClient
	metrics     *metrics.Registry
	log         *slog.Logger
	maxRetries  int
	now         func() time.Time

	locks keyLock
}

func New(d Deps) *Orchestrator {
	if d.Metrics == nil {
		d.Metrics = &metrics.Registry{}
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Orchestrator{
		states:      d.States,
		deadLetters: d.DeadLetters,
		gw:          d.Gateway,
		health:      d.Health,
		persons:     d.Persons,
		hpr:         d.HPR,
		norg:        d.Norg,
		tss:         d.TSS,
		metrics:     d.Metrics,
		log:         d.Log,
		maxRetries:  d.MaxRetries,
		now:         d.Now,
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Initiation
// ─────────────────────────────────────────────────────────────────────────────

// Initiate accepts a validated record, resolves the ids the registry
// payloads need, persists the INITIATED state and sends the query.
//
// Errors returned here mean the record was not accepted and must be
// redelivered. Once the state exists, failures are routed through the
// retry machinery instead and Initiate reports success.
func (o *Orchestrator) Initiate(ctx context.Context, rec *sykmelding.CaseRecord) error {
	unlock := o.locks.Lock(rec.CaseID)
	defer unlock()

	if existing, err := o.states.Get(ctx, rec.CaseID); err == nil {
		// Duplicate delivery. The case is already tracked; committing the
		// record again is safe.
		o.log.Info("case already tracked, ignoring duplicate",
			"case_id", rec.CaseID,
			"step", string(existing.Step))
		return nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return fmt.Errorf("orchestrator: check existing state for case %s: %w", rec.CaseID, err)
	}

	practitionerID, pidErr := rec.PractitionerNID()

	health, err := o.health.Load(ctx, rec.CaseID)
	if err != nil {
		return err
	}

	now := o.now().UTC()
	st := &state.ProcessingState{
		CaseID:         rec.CaseID,
		JournalRefID:   rec.JournalRefID,
		PatientID:      rec.PatientID,
		PractitionerID: practitionerID,
		Step:           state.StepInitiated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if pidErr != nil {
		// Fatal for this attempt, but the sweep treats it like any other
		// failure: the case walks the standard retry budget and only then
		// moves to the dead letter store.
		reason := fmt.Sprintf("no practitioner id: %v", pidErr)
		st.Fail(reason, now)
		if err := o.states.Save(ctx, st); err != nil {
			return fmt.Errorf("orchestrator: save failed state for case %s: %w", rec.CaseID, err)
		}
		o.metrics.Failed.Inc(string(state.StepInitiated))
		o.log.Error("case failed at initiation",
			"case_id", rec.CaseID,
			"origin", string(rec.Origin),
			"error", reason)
		return nil
	}

	orgName := ""
	if rec.Practitioner != nil {
		orgName = rec.Practitioner.OrgName
	}

	if rec.CrossBorder() {
		// Cross border cases skip the person and register lookups: they
		// always route to the dedicated office and carry no category.
		st.OfficeNr = sykmelding.FallbackOfficeCrossBorder
		st.PersonnelCategory = PersonnelCategoryUnknown
		targetID, err := o.tss.TargetID(ctx, "0", orgName, rec.CaseID)
		if err != nil {
			return fmt.Errorf("orchestrator: resolve target id for case %s: %w", rec.CaseID, err)
		}
		st.TargetID = targetID
	} else {
		person, err := o.persons.GetPerson(ctx, rec.PatientID)
		if err != nil {
			return fmt.Errorf("orchestrator: person lookup for case %s: %w", rec.CaseID, err)
		}
		category, err := o.hpr.PersonnelCategory(ctx, practitionerID, rec.CaseID)
		if err != nil {
			return fmt.Errorf("orchestrator: personnel category for case %s: %w", rec.CaseID, err)
		}
		officeNr, err := o.norg.LocalOffice(ctx, person.GeographicTie, person.ConfidentialityCode())
		if err != nil {
			return fmt.Errorf("orchestrator: office lookup for case %s: %w", rec.CaseID, err)
		}
		targetID, err := o.tss.TargetID(ctx, practitionerID, orgName, rec.CaseID)
		if err != nil {
			return fmt.Errorf("orchestrator: resolve target id for case %s: %w", rec.CaseID, err)
		}
		st.PersonnelCategory = category
		st.OfficeNr = officeNr
		st.TargetID = targetID
	}

	if err := o.states.Save(ctx, st); err != nil {
		return fmt.Errorf("orchestrator: save state for case %s: %w", rec.CaseID, err)
	}
	o.metrics.Initiated.Inc(string(rec.Origin))
	o.log.Info("case initiated",
		"case_id", st.CaseID,
		"origin", string(rec.Origin),
		"office_nr", st.OfficeNr,
		"step", string(st.Step))

	if err := o.sendQueryLocked(ctx, st, health); err != nil {
		o.failLocked(ctx, st, state.StepQuerySent, err.Error())
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Reply handling
// ─────────────────────────────────────────────────────────────────────────────

// HandleQueryResponse is the gateway reply handler. It resolves the case by
// correlation id, parses the reply and, on success, sends the update in the
// same locked section. Replies that cannot be matched to a case waiting in
// QUERY_SENT are dropped: updates are fire-and-forget, so everything else
// is stray.
func (o *Orchestrator) HandleQueryResponse(ctx context.Context, corrID string, payload []byte) {
	caseID, err := o.states.ResolveCorrelation(ctx, corrID)
	if err != nil {
		o.metrics.Replies.Inc(metrics.ReplyStray)
		o.log.Warn("reply with unknown correlation id dropped",
			"correlation_id", corrID)
		return
	}

	unlock := o.locks.Lock(caseID)
	defer unlock()

	st, err := o.states.Get(ctx, caseID)
	if err != nil {
		o.metrics.Replies.Inc(metrics.ReplyStray)
		o.log.Warn("reply for unknown case dropped",
			"case_id", caseID,
			"correlation_id", corrID)
		return
	}
	if st.Step != state.StepQuerySent {
		o.metrics.Replies.Inc(metrics.ReplyStray)
		o.log.Warn("reply in unexpected step ignored",
			"case_id", caseID,
			"step", string(st.Step),
			"correlation_id", corrID)
		return
	}

	result := infotrygd.ParseQueryResponse(payload)
	if result.Empty() {
		o.metrics.Replies.Inc(metrics.ReplyEmpty)
		o.failLocked(ctx, st, state.StepQuerySent, "empty query response")
		return
	}

	now := o.now().UTC()
	st.ResolvedDate = result.Date
	st.ResolvedRegion = result.Region
	st.Advance(state.StepQueryReceived, now)
	if err := o.states.Save(ctx, st); err != nil {
		o.log.Error("save after query reply failed",
			"case_id", caseID,
			"error", err)
		return
	}
	o.metrics.Replies.Inc(metrics.ReplyResolved)
	o.log.Info("query reply resolved",
		"case_id", caseID,
		"resolved_date", st.ResolvedDate,
		"resolved_region", st.ResolvedRegion,
		"step", string(st.Step))

	if err := o.sendUpdateLocked(ctx, st); err != nil {
		o.failLocked(ctx, st, state.StepQueryReceived, err.Error())
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Retry entry points (called by the sweeper)
// ─────────────────────────────────────────────────────────────────────────────

// PrepareRetry consumes one unit of retry budget and rewinds the case to
// the step its next attempt starts from. The returned step tells the caller
// which phase to rerun: INITIATED means the query phase, QUERY_RECEIVED the
// update phase.
func (o *Orchestrator) PrepareRetry(ctx context.Context, caseID string) (state.Step, error) {
	unlock := o.locks.Lock(caseID)
	defer unlock()

	st, err := o.states.Get(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("orchestrator: prepare retry for case %s: %w", caseID, err)
	}
	if st.RetryCount >= o.maxRetries {
		return "", fmt.Errorf("orchestrator: case %s has no retry budget left", caseID)
	}

	var retryStep state.Step
	switch st.Step {
	case state.StepFailed, state.StepInitiated, state.StepQuerySent:
		retryStep = state.StepInitiated
	case state.StepQueryReceived, state.StepUpdateSent:
		retryStep = state.StepQueryReceived
	default:
		return "", fmt.Errorf("orchestrator: case %s cannot be retried from step %s", caseID, st.Step)
	}

	st.MarkRetry(retryStep, o.now().UTC())
	if err := o.states.Save(ctx, st); err != nil {
		return "", fmt.Errorf("orchestrator: save retry state for case %s: %w", caseID, err)
	}
	o.metrics.Retried.Inc(string(retryStep))
	o.log.Info("case marked for retry",
		"case_id", caseID,
		"step", string(retryStep),
		"retry_count", st.RetryCount)
	return retryStep, nil
}

// ResendQuery reruns the query phase for a case rewound to INITIATED.
func (o *Orchestrator) ResendQuery(ctx context.Context, caseID string) error {
	unlock := o.locks.Lock(caseID)
	defer unlock()

	st, err := o.states.Get(ctx, caseID)
	if err != nil {
		return fmt.Errorf("orchestrator: resend query for case %s: %w", caseID, err)
	}
	if st.Step != state.StepInitiated {
		return fmt.Errorf("orchestrator: case %s not in INITIATED (step %s)", caseID, st.Step)
	}

	health, err := o.health.Load(ctx, caseID)
	if err != nil {
		return err
	}
	return o.sendQueryLocked(ctx, st, health)
}

// SendUpdate reruns the update phase for a case in QUERY_RECEIVED.
func (o *Orchestrator) SendUpdate(ctx context.Context, caseID string) error {
	unlock := o.locks.Lock(caseID)
	defer unlock()

	st, err := o.states.Get(ctx, caseID)
	if err != nil {
		return fmt.Errorf("orchestrator: send update for case %s: %w", caseID, err)
	}
	if st.Step != state.StepQueryReceived {
		return fmt.Errorf("orchestrator: case %s not in QUERY_RECEIVED (step %s)", caseID, st.Step)
	}
	return o.sendUpdateLocked(ctx, st)
}

// FailAttempt records a failed retry attempt without consuming more
// budget; PrepareRetry already spent it.
func (o *Orchestrator) FailAttempt(ctx context.Context, caseID, reason string) error {
	unlock := o.locks.Lock(caseID)
	defer unlock()

	st, err := o.states.Get(ctx, caseID)
	if err != nil {
		return fmt.Errorf("orchestrator: fail attempt for case %s: %w", caseID, err)
	}
	failedStep := st.Step
	st.Fail(reason, o.now().UTC())
	if err := o.states.Save(ctx, st); err != nil {
		return fmt.Errorf("orchestrator: save failed state for case %s: %w", caseID, err)
	}
	o.metrics.Failed.Inc(string(failedStep))
	o.log.Error("retry attempt failed",
		"case_id", caseID,
		"step", string(failedStep),
		"retry_count", st.RetryCount,
		"error", reason)
	return nil
}

// DeadLetter moves an exhausted case to the dead letter store and removes
// its processing state.
func (o *Orchestrator) DeadLetter(ctx context.Context, caseID, reason string) error {
	unlock := o.locks.Lock(caseID)
	defer unlock()

	st, err := o.states.Get(ctx, caseID)
	if err != nil {
		return fmt.Errorf("orchestrator: dead letter case %s: %w", caseID, err)
	}
	now := o.now().UTC()
	if st.Step != state.StepFailed {
		st.Fail(reason, now)
	}
	if err := o.deadLetters.Put(ctx, dlq.NewRecord(st, reason, now)); err != nil {
		return fmt.Errorf("orchestrator: dead letter case %s: %w", caseID, err)
	}
	if err := o.states.Delete(ctx, caseID); err != nil {
		return fmt.Errorf("orchestrator: delete state for dead lettered case %s: %w", caseID, err)
	}
	o.metrics.DeadLettered.Inc()
	o.log.Error("case dead lettered",
		"case_id", caseID,
		"retry_count", st.RetryCount,
		"error", reason)
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Locked send helpers
// ─────────────────────────────────────────────────────────────────────────────

func (o *Orchestrator) sendQueryLocked(ctx context.Context, st *state.ProcessingState, health *fellesformat.HealthRecord) error {
	req := infotrygd.BuildQueryRequest(health, st.TargetID)
	if req.PractitionerID == "" {
		req.PractitionerID = st.PractitionerID
	}
	payload, err := infotrygd.BuildQueryXML(req)
	if err != nil {
		return err
	}

	corrID, err := o.gw.SendQuery(ctx, st.CaseID, payload)
	if err != nil {
		return err
	}

	now := o.now().UTC()
	st.QueryCorrID = corrID
	st.Advance(state.StepQuerySent, now)
	if err := o.states.MapCorrelation(ctx, corrID, st.CaseID); err != nil {
		return fmt.Errorf("map correlation for case %s: %w", st.CaseID, err)
	}
	if err := o.states.Save(ctx, st); err != nil {
		return fmt.Errorf("save state for case %s: %w", st.CaseID, err)
	}
	o.metrics.Sends.Inc("query")
	return nil
}

func (o *Orchestrator) sendUpdateLocked(ctx context.Context, st *state.ProcessingState) error {
	health, err := o.health.Load(ctx, st.CaseID)
	if err != nil {
		return err
	}

	req := infotrygd.BuildUpdateRequest(health, st.JournalRefID, st.OfficeNr, st.PersonnelCategory, st.TargetID)
	if req.PractitionerID == "" {
		req.PractitionerID = st.PractitionerID
	}
	req.ResolvedDate = st.ResolvedDate
	req.ResolvedRegion = st.ResolvedRegion

	payload, err := infotrygd.BuildUpdateXML(req)
	if err != nil {
		return err
	}

	now := o.now().UTC()
	st.Advance(state.StepUpdateSent, now)
	if err := o.states.Save(ctx, st); err != nil {
		return fmt.Errorf("save state for case %s: %w", st.CaseID, err)
	}

	corrID, err := o.gw.SendUpdate(ctx, st.CaseID, payload)
	if err != nil {
		return err
	}
	o.metrics.Sends.Inc("update")

	// Fire-and-forget: no reply will confirm the update, so sending IS
	// completion. The correlation id is kept for tracing only.
	st.UpdateCorrID = corrID
	st.Advance(state.StepCompleted, o.now().UTC())
	if err := o.states.Save(ctx, st); err != nil {
		return fmt.Errorf("save completed state for case %s: %w", st.CaseID, err)
	}
	o.metrics.Completed.Inc()
	o.log.Info("case completed",
		"case_id", st.CaseID,
		"step", string(st.Step))
	return nil
}

// failLocked is the shared failure path for the initiate and reply flows.
// With budget left the case is rewound and waits for the sweeper; without,
// it goes to the dead letter store.
func (o *Orchestrator) failLocked(ctx context.Context, st *state.ProcessingState, failedStep state.Step, reason string) {
	now := o.now().UTC()
	o.metrics.Failed.Inc(string(failedStep))

	if st.RetryCount < o.maxRetries {
		retryStep := state.RewindStep(failedStep)
		st.ErrorMessage = reason
		st.LastErrorAt = &now
		st.MarkRetry(retryStep, now)
		if err := o.states.Save(ctx, st); err != nil {
			o.log.Error("save retry state failed",
				"case_id", st.CaseID,
				"error", err)
			return
		}
		o.metrics.Retried.Inc(string(retryStep))
		o.log.Warn("case failed, marked for retry",
			"case_id", st.CaseID,
			"step", string(retryStep),
			"retry_count", st.RetryCount,
			"error", reason)
		return
	}

	st.Fail(reason, now)
	full := "max retries exceeded: " + reason
	if err := o.deadLetters.Put(ctx, dlq.NewRecord(st, full, now)); err != nil {
		// Could not reach the dead letter store; keep the FAILED state so
		// nothing is lost.
		o.log.Error("dead letter write failed, keeping FAILED state",
			"case_id", st.CaseID,
			"error", err)
		if err := o.states.Save(ctx, st); err != nil {
			o.log.Error("save failed state failed",
				"case_id", st.CaseID,
				"error", err)
		}
		return
	}
	if err := o.states.Delete(ctx, st.CaseID); err != nil {
		o.log.Error("delete state after dead letter failed",
			"case_id", st.CaseID,
			"error", err)
	}
	o.metrics.DeadLettered.Inc()
	o.log.Error("case dead lettered",
		"case_id", st.CaseID,
		"retry_count", st.RetryCount,
		"error", full)
}
