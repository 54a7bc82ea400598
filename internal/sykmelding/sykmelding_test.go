package sykmelding_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/helsebro/infobridge/internal/registry"
	"github.com/helsebro/infobridge/internal/sykmelding"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// ─────────────────────────────────────────────────────────────────────────────
// Record
// ─────────────────────────────────────────────────────────────────────────────

func TestPractitionerNID(t *testing.T) {
	withFNR := &sykmelding.Practitioner{IDs: []sykmelding.PersonID{
		{Type: "HPR", ID: "944422"},
		{Type: "FNR", ID: "02029054321"},
	}}

	cases := []struct {
		name    string
		rec     sykmelding.CaseRecord
		want    string
		wantErr bool
	}{
		{"digital with fnr", sykmelding.CaseRecord{Origin: sykmelding.OriginDigital, Practitioner: withFNR}, "02029054321", false},
		{"paper with fnr", sykmelding.CaseRecord{Origin: sykmelding.OriginPaper, Practitioner: withFNR}, "02029054321", false},
		{"scanned with fnr", sykmelding.CaseRecord{Origin: sykmelding.OriginScanned, Practitioner: withFNR}, "02029054321", false},
		{"digital without fnr", sykmelding.CaseRecord{Origin: sykmelding.OriginDigital, Practitioner: &sykmelding.Practitioner{IDs: []sykmelding.PersonID{{Type: "HPR", ID: "1"}}}}, "", true},
		{"digital without practitioner", sykmelding.CaseRecord{Origin: sykmelding.OriginDigital}, "", true},
		{"cross border has none", sykmelding.CaseRecord{Origin: sykmelding.OriginCrossBorder}, "", false},
		{"unknown origin", sykmelding.CaseRecord{Origin: "fax"}, "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.rec.PractitionerNID()
			if (err != nil) != tc.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tc.wantErr)
			}
			if got != tc.want {
				t.Errorf("nid = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestPractitionerNID_MissingIsSentinel(t *testing.T) {
	rec := sykmelding.CaseRecord{Origin: sykmelding.OriginPaper}
	_, err := rec.PractitionerNID()
	if !errors.Is(err, sykmelding.ErrNoPractitionerID) {
		t.Errorf("err = %v, want ErrNoPractitionerID", err)
	}
}

func TestEarliestStart(t *testing.T) {
	rec := sykmelding.CaseRecord{Periods: []sykmelding.RecordPeriod{
		{From: "2025-01-15", To: "2025-01-31"},
		{From: "2025-01-05", To: "2025-01-14"},
		{From: "not-a-date", To: "2025-02-01"},
	}}
	if got := rec.EarliestStart().Format("2006-01-02"); got != "2025-01-05" {
		t.Errorf("earliest = %q, want 2025-01-05", got)
	}

	empty := sykmelding.CaseRecord{}
	if !empty.EarliestStart().IsZero() {
		t.Error("earliest of empty record should be zero")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Service routing
// ─────────────────────────────────────────────────────────────────────────────

type fakeInitiator struct {
	calls []string
	err   error
}

func (f *fakeInitiator) Initiate(_ context.Context, rec *sykmelding.CaseRecord) error {
	f.calls = append(f.calls, rec.CaseID)
	return f.err
}

type fakeWork struct {
	calls  []string
	person *registry.Person
}

func (f *fakeWork) ProduceWorkItem(_ context.Context, rec *sykmelding.CaseRecord, person *registry.Person) error {
	f.calls = append(f.calls, rec.CaseID)
	f.person = person
	return nil
}

func TestService_ValidatedRecordGoesToOrchestrator(t *testing.T) {
	init := &fakeInitiator{}
	work := &fakeWork{}
	svc := sykmelding.NewService(init, work, &registry.MockPersonClient{}, discard())

	rec := &sykmelding.CaseRecord{
		CaseID:     "c1",
		Origin:     sykmelding.OriginDigital,
		Validation: sykmelding.Validation{Status: sykmelding.ValidationOK},
	}
	if err := svc.HandleRecord(context.Background(), rec); err != nil {
		t.Fatalf("HandleRecord: %v", err)
	}
	if len(init.calls) != 1 || init.calls[0] != "c1" {
		t.Errorf("initiator calls = %v", init.calls)
	}
	if len(work.calls) != 0 {
		t.Errorf("work item produced for validated record: %v", work.calls)
	}
}

func TestService_PendingRecordGoesToManualProcessing(t *testing.T) {
	init := &fakeInitiator{}
	work := &fakeWork{}
	svc := sykmelding.NewService(init, work, &registry.MockPersonClient{
		Person: registry.Person{GeographicTie: "0301"},
	}, discard())

	rec := &sykmelding.CaseRecord{
		CaseID:     "c2",
		PatientID:  "01019012345",
		Origin:     sykmelding.OriginPaper,
		Validation: sykmelding.Validation{Status: sykmelding.ValidationPending},
	}
	if err := svc.HandleRecord(context.Background(), rec); err != nil {
		t.Fatalf("HandleRecord: %v", err)
	}
	if len(work.calls) != 1 || work.calls[0] != "c2" {
		t.Errorf("work calls = %v", work.calls)
	}
	if work.person == nil || work.person.GeographicTie != "0301" {
		t.Errorf("work person = %+v", work.person)
	}
	if len(init.calls) != 0 {
		t.Errorf("orchestrator called for pending record: %v", init.calls)
	}
}

func TestService_PersonLookupFailurePropagates(t *testing.T) {
	svc := sykmelding.NewService(&fakeInitiator{}, &fakeWork{}, &registry.MockPersonClient{
		Err: errors.New("registry down"),
	}, discard())

	rec := &sykmelding.CaseRecord{
		CaseID:     "c3",
		Validation: sykmelding.Validation{Status: sykmelding.ValidationPending},
	}
	if err := svc.HandleRecord(context.Background(), rec); err == nil {
		t.Error("expected error when person lookup fails")
	}
}

func TestService_InitiateErrorPropagates(t *testing.T) {
	init := &fakeInitiator{err: errors.New("no document")}
	svc := sykmelding.NewService(init, &fakeWork{}, &registry.MockPersonClient{}, discard())

	rec := &sykmelding.CaseRecord{
		CaseID:     "c4",
		Validation: sykmelding.Validation{Status: sykmelding.ValidationOK},
	}
	if err := svc.HandleRecord(context.Background(), rec); err == nil {
		t.Error("expected initiate error to propagate")
	}
}
