package orchestrator_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/helsebro/infobridge/internal/dlq"
	"github.com/helsebro/infobridge/internal/docstore"
	"github.com/helsebro/infobridge/internal/gateway"
	"github.com/helsebro/infobridge/internal/orchestrator"
	"github.com/helsebro/infobridge/internal/registry"
	"github.com/helsebro/infobridge/internal/state"
	"github.com/helsebro/infobridge/internal/sykmelding"
)

const caseDoc = `<Fellesformat>
  <MsgHead><MsgInfo><MsgId>case-1</MsgId></MsgInfo></MsgHead>
  <HelseOpplysninger>
    <Pasient><Fodselsnummer>01019012345</Fodselsnummer></Pasient>
    <Behandler>
      <Id type="FNR">02029054321</Id>
      <Id type="HPR">944422</Id>
    </Behandler>
    <KontaktMedPasient><BehandletDato>2025-01-10T12:30:00</BehandletDato></KontaktMedPasient>
    <MedisinskVurdering>
      <HovedDiagnose><Kode>R99</Kode><System>2.16.578.1.12.4.1.1.7110</System></HovedDiagnose>
    </MedisinskVurdering>
    <Aktivitet>
      <Periode><Fom>2025-01-05</Fom><Tom>2025-01-31</Tom><AktivitetIkkeMulig/></Periode>
    </Aktivitet>
  </HelseOpplysninger>
</Fellesformat>`

const replyXML = `<InfotrygdForesp>
  <tkNummer>0315</tkNummer>
  <sMhistorikk>
    <sykmelding><periode><arbufoerFOM>2024-06-01</arbufoerFOM></periode></sykmelding>
    <sykmelding><periode><arbufoerFOM>2025-01-15</arbufoerFOM></periode></sykmelding>
  </sMhistorikk>
</InfotrygdForesp>`

const emptyReplyXML = `<InfotrygdForesp></InfotrygdForesp>`

type fixture struct {
	orch   *orchestrator.Orchestrator
	states *state.MemStore
	dead   *dlq.MemStore
	gw     *gateway.MockGateway
	docs   *docstore.MemStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		states: state.NewMemStore(),
		dead:   dlq.NewMemStore(),
		gw:     &gateway.MockGateway{},
		docs:   docstore.NewMemStore(),
	}
	f.docs.Put("case-1", []byte(caseDoc))
	f.orch = orchestrator.New(orchestrator.Deps{
		States:      f.states,
		DeadLetters: f.dead,
		Gateway:     f.gw,
		Health:      orchestrator.NewDocSource(f.docs),
		Persons:     &registry.MockPersonClient{Person: registry.Person{GeographicTie: "0301"}},
		HPR:         &registry.MockHPRClient{Category: "LE"},
		Norg:        &registry.MockNorgClient{OfficeNr: "0315"},
		TSS:         &registry.MockTSSClient{ID: "tss-7"},
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		MaxRetries:  3,
		Now:         func() time.Time { return time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC) },
	})
	return f
}

func digitalRecord() *sykmelding.CaseRecord {
	return &sykmelding.CaseRecord{
		CaseID:       "case-1",
		JournalRefID: "journal-9",
		PatientID:    "01019012345",
		Origin:       sykmelding.OriginDigital,
		Validation:   sykmelding.Validation{Status: sykmelding.ValidationOK},
		Practitioner: &sykmelding.Practitioner{
			IDs:     []sykmelding.PersonID{{Type: "FNR", ID: "02029054321"}},
			OrgName: "Legekontoret",
		},
		Periods: []sykmelding.RecordPeriod{{From: "2025-01-05", To: "2025-01-31"}},
	}
}

func mustState(t *testing.T, f *fixture, caseID string) *state.ProcessingState {
	t.Helper()
	st, err := f.states.Get(context.Background(), caseID)
	if err != nil {
		t.Fatalf("state for %s: %v", caseID, err)
	}
	return st
}

// ─────────────────────────────────────────────────────────────────────────────
// Happy path
// ─────────────────────────────────────────────────────────────────────────────

func TestInitiate_SendsQuery(t *testing.T) {
	f := newFixture(t)
	if err := f.orch.Initiate(context.Background(), digitalRecord()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	st := mustState(t, f, "case-1")
	if st.Step != state.StepQuerySent {
		t.Errorf("step = %s, want QUERY_SENT", st.Step)
	}
	if st.OfficeNr != "0315" || st.PersonnelCategory != "LE" || st.TargetID != "tss-7" {
		t.Errorf("resolved ids = %+v", st)
	}
	if len(f.gw.Queries()) != 1 {
		t.Fatalf("queries sent = %d, want 1", len(f.gw.Queries()))
	}
	if st.QueryCorrID != f.gw.Queries()[0].CorrID {
		t.Error("state correlation id does not match the sent query")
	}

	// Correlation mapping lets the reply find its way back.
	got, err := f.states.ResolveCorrelation(context.Background(), st.QueryCorrID)
	if err != nil || got != "case-1" {
		t.Errorf("ResolveCorrelation = %q, %v", got, err)
	}
}

func TestHandleQueryResponse_CompletesCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.orch.Initiate(ctx, digitalRecord()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	corrID := f.gw.Queries()[0].CorrID

	f.orch.HandleQueryResponse(ctx, corrID, []byte(replyXML))

	st := mustState(t, f, "case-1")
	if st.Step != state.StepCompleted {
		t.Fatalf("step = %s, want COMPLETED", st.Step)
	}
	if st.ResolvedDate != "2025-01-15" || st.ResolvedRegion != "0315" {
		t.Errorf("resolved = %q / %q", st.ResolvedDate, st.ResolvedRegion)
	}

	updates := f.gw.Updates()
	if len(updates) != 1 {
		t.Fatalf("updates sent = %d, want 1", len(updates))
	}
	payload := string(updates[0].Payload)
	for _, want := range []string{"<IdentDato>2025-01-15</IdentDato>", "<TkNummer>0315</TkNummer>", "<NavKontorNr>0315</NavKontorNr>"} {
		if !strings.Contains(payload, want) {
			t.Errorf("update payload missing %q", want)
		}
	}
	if st.UpdateCorrID != updates[0].CorrID {
		t.Error("state update correlation id does not match the sent update")
	}

	// Completed state stays readable until TTL.
	if _, err := f.states.Get(ctx, "case-1"); err != nil {
		t.Errorf("completed state should be kept: %v", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Failure paths
// ─────────────────────────────────────────────────────────────────────────────

func TestHandleQueryResponse_EmptyReplyRewindsCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.orch.Initiate(ctx, digitalRecord())
	corrID := f.gw.Queries()[0].CorrID

	f.orch.HandleQueryResponse(ctx, corrID, []byte(emptyReplyXML))

	st := mustState(t, f, "case-1")
	if st.Step != state.StepInitiated {
		t.Errorf("step = %s, want INITIATED", st.Step)
	}
	if st.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", st.RetryCount)
	}
	if st.ErrorMessage == "" || st.LastErrorAt == nil {
		t.Errorf("error tracking not recorded: %+v", st)
	}
	if len(f.gw.Updates()) != 0 {
		t.Error("no update may be sent after an empty reply")
	}
}

func TestHandleQueryResponse_StrayRepliesIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.orch.Initiate(ctx, digitalRecord())
	corrID := f.gw.Queries()[0].CorrID

	// Unknown correlation id: dropped without effect.
	f.orch.HandleQueryResponse(ctx, "not-a-corr-id", []byte(replyXML))
	if st := mustState(t, f, "case-1"); st.Step != state.StepQuerySent {
		t.Errorf("step = %s after stray reply, want QUERY_SENT", st.Step)
	}

	// First reply completes the case.
	f.orch.HandleQueryResponse(ctx, corrID, []byte(replyXML))
	if st := mustState(t, f, "case-1"); st.Step != state.StepCompleted {
		t.Fatalf("step = %s, want COMPLETED", st.Step)
	}

	// A late duplicate reply must be a no-op on the completed case.
	f.orch.HandleQueryResponse(ctx, corrID, []byte(replyXML))
	if st := mustState(t, f, "case-1"); st.Step != state.StepCompleted {
		t.Errorf("step = %s after late reply, want COMPLETED", st.Step)
	}
	if len(f.gw.Updates()) != 1 {
		t.Errorf("updates sent = %d, want 1", len(f.gw.Updates()))
	}
}

func TestInitiate_DuplicateDeliveryIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.orch.Initiate(ctx, digitalRecord())
	if err := f.orch.Initiate(ctx, digitalRecord()); err != nil {
		t.Fatalf("duplicate Initiate: %v", err)
	}
	if len(f.gw.Queries()) != 1 {
		t.Errorf("queries sent = %d, want 1", len(f.gw.Queries()))
	}
}

func TestInitiate_MissingPractitionerIDMarksFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := digitalRecord()
	rec.Practitioner = &sykmelding.Practitioner{IDs: []sykmelding.PersonID{{Type: "HPR", ID: "1"}}}

	if err := f.orch.Initiate(ctx, rec); err != nil {
		t.Fatalf("Initiate: %v", err)
	}

	// The case fails in place. The sweep owns everything after that: it
	// spends the standard budget before anything reaches the dead letter
	// store.
	st := mustState(t, f, "case-1")
	if st.Step != state.StepFailed {
		t.Errorf("step = %s, want FAILED", st.Step)
	}
	if st.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", st.RetryCount)
	}
	if st.ErrorMessage == "" || st.LastErrorAt == nil {
		t.Errorf("error tracking not recorded: %+v", st)
	}
	if n, _ := f.dead.Count(ctx); n != 0 {
		t.Errorf("dead letter count = %d, want 0", n)
	}
	if len(f.gw.Queries()) != 0 {
		t.Error("no query may be sent without a practitioner id")
	}

	// The sweep can still drive it through the normal retry path.
	step, err := f.orch.PrepareRetry(ctx, "case-1")
	if err != nil {
		t.Fatalf("PrepareRetry: %v", err)
	}
	if step != state.StepInitiated {
		t.Errorf("retry step = %s, want INITIATED", step)
	}
}

func TestInitiate_MissingDocumentPropagates(t *testing.T) {
	f := newFixture(t)
	rec := digitalRecord()
	rec.CaseID = "case-without-doc"

	err := f.orch.Initiate(context.Background(), rec)
	if !errors.Is(err, docstore.ErrNotFound) {
		t.Errorf("err = %v, want wrapped docstore.ErrNotFound", err)
	}
	if _, gerr := f.states.Get(context.Background(), "case-without-doc"); !errors.Is(gerr, state.ErrNotFound) {
		t.Error("no state may be written when the document is missing")
	}
}

func TestInitiate_QuerySendFailureRewinds(t *testing.T) {
	f := newFixture(t)
	f.gw.QueryErr = errors.New("broker down")

	if err := f.orch.Initiate(context.Background(), digitalRecord()); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	st := mustState(t, f, "case-1")
	if st.Step != state.StepInitiated {
		t.Errorf("step = %s, want INITIATED", st.Step)
	}
	if st.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", st.RetryCount)
	}
}

func TestHandleQueryResponse_UpdateSendFailureRewinds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.orch.Initiate(ctx, digitalRecord())
	corrID := f.gw.Queries()[0].CorrID

	f.gw.UpdateErr = errors.New("broker down")
	f.orch.HandleQueryResponse(ctx, corrID, []byte(replyXML))

	st := mustState(t, f, "case-1")
	// Update-phase failure rewinds all the way to INITIATED.
	if st.Step != state.StepInitiated {
		t.Errorf("step = %s, want INITIATED", st.Step)
	}
	if st.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", st.RetryCount)
	}
}

func TestFailure_ExhaustedBudgetDeadLetters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.orch.Initiate(ctx, digitalRecord())

	// Burn through the whole retry budget with empty replies.
	for i := 0; i < 3; i++ {
		st := mustState(t, f, "case-1")
		st.Advance(state.StepQuerySent, time.Now())
		st.QueryCorrID = "corr-" + string(rune('a'+i))
		if err := f.states.Save(ctx, st); err != nil {
			t.Fatal(err)
		}
		if err := f.states.MapCorrelation(ctx, st.QueryCorrID, "case-1"); err != nil {
			t.Fatal(err)
		}
		f.orch.HandleQueryResponse(ctx, st.QueryCorrID, []byte(emptyReplyXML))
	}

	// Budget spent. One more failure moves the case to the dead letter store.
	if _, err := f.states.Get(ctx, "case-1"); err != nil {
		t.Fatalf("state should still exist before the final failure: %v", err)
	}
	st := mustState(t, f, "case-1")
	st.Advance(state.StepQuerySent, time.Now())
	st.QueryCorrID = "corr-final"
	_ = f.states.Save(ctx, st)
	_ = f.states.MapCorrelation(ctx, "corr-final", "case-1")
	f.orch.HandleQueryResponse(ctx, "corr-final", []byte(emptyReplyXML))

	if n, _ := f.dead.Count(ctx); n != 1 {
		t.Fatalf("dead letter count = %d, want 1", n)
	}
	rec, err := f.dead.Get(ctx, "case-1")
	if err != nil {
		t.Fatalf("dead letter record: %v", err)
	}
	if rec.TotalRetries != 3 {
		t.Errorf("total retries = %d, want 3", rec.TotalRetries)
	}
	if _, err := f.states.Get(ctx, "case-1"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("state err = %v, want ErrNotFound after dead letter", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Cross border
// ─────────────────────────────────────────────────────────────────────────────

func TestInitiate_CrossBorderSkipsLookups(t *testing.T) {
	f := newFixture(t)
	f.orch = orchestrator.New(orchestrator.Deps{
		States:      f.states,
		DeadLetters: f.dead,
		Gateway:     f.gw,
		Health:      orchestrator.NewDocSource(f.docs),
		Persons:     &registry.MockPersonClient{Err: errors.New("must not be called")},
		HPR:         &registry.MockHPRClient{Err: errors.New("must not be called")},
		Norg:        &registry.MockNorgClient{Err: errors.New("must not be called")},
		TSS:         &registry.MockTSSClient{ID: "tss-utland"},
		Log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	rec := digitalRecord()
	rec.Origin = sykmelding.OriginCrossBorder
	rec.Practitioner = nil

	if err := f.orch.Initiate(context.Background(), rec); err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	st := mustState(t, f, "case-1")
	if st.OfficeNr != sykmelding.FallbackOfficeCrossBorder {
		t.Errorf("office = %q, want %q", st.OfficeNr, sykmelding.FallbackOfficeCrossBorder)
	}
	if st.PractitionerID != "" {
		t.Errorf("practitioner id = %q, want empty", st.PractitionerID)
	}
	if st.TargetID != "tss-utland" {
		t.Errorf("target id = %q", st.TargetID)
	}
	if st.Step != state.StepQuerySent {
		t.Errorf("step = %s, want QUERY_SENT", st.Step)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Sweeper entry points
// ─────────────────────────────────────────────────────────────────────────────

func TestPrepareRetry_Dispatch(t *testing.T) {
	cases := []struct {
		from state.Step
		want state.Step
	}{
		{state.StepFailed, state.StepInitiated},
		{state.StepInitiated, state.StepInitiated},
		{state.StepQuerySent, state.StepInitiated},
		{state.StepQueryReceived, state.StepQueryReceived},
		{state.StepUpdateSent, state.StepQueryReceived},
	}
	for _, tc := range cases {
		t.Run(string(tc.from), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			st := &state.ProcessingState{CaseID: "case-1", Step: tc.from}
			if err := f.states.Save(ctx, st); err != nil {
				t.Fatal(err)
			}

			got, err := f.orch.PrepareRetry(ctx, "case-1")
			if err != nil {
				t.Fatalf("PrepareRetry: %v", err)
			}
			if got != tc.want {
				t.Errorf("retry step = %s, want %s", got, tc.want)
			}
			after := mustState(t, f, "case-1")
			if after.RetryCount != 1 {
				t.Errorf("retry count = %d, want 1", after.RetryCount)
			}
		})
	}
}

func TestPrepareRetry_RefusesExhaustedAndCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_ = f.states.Save(ctx, &state.ProcessingState{CaseID: "spent", Step: state.StepFailed, RetryCount: 3})
	if _, err := f.orch.PrepareRetry(ctx, "spent"); err == nil {
		t.Error("expected error for exhausted budget")
	}

	_ = f.states.Save(ctx, &state.ProcessingState{CaseID: "done", Step: state.StepCompleted})
	if _, err := f.orch.PrepareRetry(ctx, "done"); err == nil {
		t.Error("expected error for completed case")
	}
}

func TestResendQuery_RerunsQueryPhase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.states.Save(ctx, &state.ProcessingState{
		CaseID: "case-1", Step: state.StepInitiated, TargetID: "tss-7", PractitionerID: "02029054321",
	})

	if err := f.orch.ResendQuery(ctx, "case-1"); err != nil {
		t.Fatalf("ResendQuery: %v", err)
	}
	st := mustState(t, f, "case-1")
	if st.Step != state.StepQuerySent {
		t.Errorf("step = %s, want QUERY_SENT", st.Step)
	}
	if len(f.gw.Queries()) != 1 {
		t.Errorf("queries sent = %d, want 1", len(f.gw.Queries()))
	}
}

func TestSendUpdate_RequiresQueryReceived(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.states.Save(ctx, &state.ProcessingState{CaseID: "case-1", Step: state.StepQuerySent})

	if err := f.orch.SendUpdate(ctx, "case-1"); err == nil {
		t.Error("expected precondition error for QUERY_SENT")
	}
}

func TestSendUpdate_RerunsUpdatePhase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.states.Save(ctx, &state.ProcessingState{
		CaseID: "case-1", Step: state.StepQueryReceived,
		JournalRefID: "journal-9", OfficeNr: "0315", PersonnelCategory: "LE", TargetID: "tss-7",
		ResolvedDate: "2025-01-15", ResolvedRegion: "0315",
	})

	if err := f.orch.SendUpdate(ctx, "case-1"); err != nil {
		t.Fatalf("SendUpdate: %v", err)
	}
	st := mustState(t, f, "case-1")
	if st.Step != state.StepCompleted {
		t.Errorf("step = %s, want COMPLETED", st.Step)
	}
	if len(f.gw.Updates()) != 1 {
		t.Errorf("updates sent = %d, want 1", len(f.gw.Updates()))
	}
}

func TestFailAttempt_MarksFailedWithoutSpendingBudget(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.states.Save(ctx, &state.ProcessingState{CaseID: "case-1", Step: state.StepInitiated, RetryCount: 2})

	if err := f.orch.FailAttempt(ctx, "case-1", "retry failed: broker down"); err != nil {
		t.Fatalf("FailAttempt: %v", err)
	}
	st := mustState(t, f, "case-1")
	if st.Step != state.StepFailed {
		t.Errorf("step = %s, want FAILED", st.Step)
	}
	if st.RetryCount != 2 {
		t.Errorf("retry count = %d, want unchanged 2", st.RetryCount)
	}
	if st.LastErrorAt == nil {
		t.Error("last error time not recorded")
	}
}

func TestDeadLetter_MovesCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_ = f.states.Save(ctx, &state.ProcessingState{
		CaseID: "case-1", Step: state.StepFailed, RetryCount: 3, ErrorMessage: "empty query response",
	})

	if err := f.orch.DeadLetter(ctx, "case-1", "max retries exceeded: empty query response"); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}
	if n, _ := f.dead.Count(ctx); n != 1 {
		t.Errorf("dead letter count = %d, want 1", n)
	}
	if _, err := f.states.Get(ctx, "case-1"); !errors.Is(err, state.ErrNotFound) {
		t.Errorf("state err = %v, want ErrNotFound", err)
	}
}
