// Package infotrygd builds the legacy registry payloads and parses the
// replies the registry sends back.
package infotrygd

import (
	"time"

	"github.com/helsebro/infobridge/internal/fellesformat"
)

// Code system OIDs used by the source documents.
const (
	SystemICD10 = "2.16.578.1.12.4.1.1.7110"
	SystemICPC2 = "2.16.578.1.12.4.1.1.7170"
)

// MapDiagnosisCodeSystem converts a source code system OID to the single
// digit code the legacy registry expects. Unknown systems map to ICD-10.
func MapDiagnosisCodeSystem(system string) string {
	switch system {
	case SystemICD10:
		return "1"
	case SystemICPC2:
		return "2"
	default:
		return "1"
	}
}

// Period type codes in the legacy registry.
const (
	PeriodFullIncapacity = "1"
	PeriodGraded         = "2"
	PeriodTreatmentDays  = "3"
	PeriodTravelSubsidy  = "4"
	PeriodDeferred       = "5"
)

// ClassifyPeriod maps a source period to its legacy type code.
// First match wins; a period with no qualifiers counts as full incapacity.
func ClassifyPeriod(p fellesformat.Period) string {
	switch {
	case p.NoActivity:
		return PeriodFullIncapacity
	case p.Grade != nil:
		return PeriodGraded
	case p.TreatmentDays != nil:
		return PeriodTreatmentDays
	case p.TravelSubsidy:
		return PeriodTravelSubsidy
	case p.DeferredNote != nil:
		return PeriodDeferred
	default:
		return PeriodFullIncapacity
	}
}

// Diagnosis is a code already mapped to the legacy code system.
type Diagnosis struct {
	Code       string
	CodeSystem string // "1" = ICD-10, "2" = ICPC-2
	Text       string
}

// MapDiagnosis converts a source diagnosis to the legacy form.
func MapDiagnosis(d fellesformat.Diagnosis) Diagnosis {
	return Diagnosis{
		Code:       d.Code,
		CodeSystem: MapDiagnosisCodeSystem(d.System),
		Text:       d.Text,
	}
}

// Period is one sick leave interval in legacy form.
type Period struct {
	From  fellesformat.Date
	To    fellesformat.Date
	Grade *int
	Kind  string // legacy period type code
}

// Employer identifies the patient's employer.
type Employer struct {
	Name      string
	OrgNumber string
}

// UpdateRequest is the complete blokk the registry expects for an update.
// ResolvedDate and ResolvedRegion come out of the query phase.
type UpdateRequest struct {
	CaseID            string
	JournalRefID      string
	OfficeNr          string
	PersonnelCategory string
	TargetID          string
	PatientID         string
	PractitionerID    string
	PractitionerHPR   string
	SignedAt          time.Time
	FirstAbsence      *fellesformat.Date
	ResolvedDate      string
	ResolvedRegion    string
	Primary           *Diagnosis
	Secondary         []Diagnosis
	Periods           []Period
	Employer          *Employer
}

// QueryRequest carries the fields matched against the registry's history.
type QueryRequest struct {
	CaseID         string
	PatientID      string
	PractitionerID string
	TargetID       string
	Primary        *Diagnosis
	Secondary      *Diagnosis
}

// BuildUpdateRequest assembles the blokk from the extracted health record
// and the ids resolved during initiation.
func BuildUpdateRequest(rec *fellesformat.HealthRecord, journalRefID, officeNr, category, targetID string) *UpdateRequest {
	req := &UpdateRequest{
		CaseID:            rec.CaseID,
		JournalRefID:      journalRefID,
		OfficeNr:          officeNr,
		PersonnelCategory: category,
		TargetID:          targetID,
		PatientID:         rec.PatientID,
		PractitionerID:    rec.PractitionerNID,
		PractitionerHPR:   rec.PractitionerHPR,
		SignedAt:          rec.SignedAt,
		FirstAbsence:      rec.FirstAbsence,
	}
	if rec.Primary != nil {
		d := MapDiagnosis(*rec.Primary)
		req.Primary = &d
	}
	for _, d := range rec.Secondary {
		req.Secondary = append(req.Secondary, MapDiagnosis(d))
	}
	for _, p := range rec.Periods {
		req.Periods = append(req.Periods, Period{
			From:  p.From,
			To:    p.To,
			Grade: p.Grade,
			Kind:  ClassifyPeriod(p),
		})
	}
	if rec.Employer != nil {
		req.Employer = &Employer{Name: rec.Employer.Name, OrgNumber: rec.Employer.OrgNumber}
	}
	return req
}

// BuildQueryRequest assembles the query sent before the update. Only the
// primary and first secondary diagnosis take part in history matching.
func BuildQueryRequest(rec *fellesformat.HealthRecord, targetID string) *QueryRequest {
	req := &QueryRequest{
		CaseID:         rec.CaseID,
		PatientID:      rec.PatientID,
		PractitionerID: rec.PractitionerNID,
		TargetID:       targetID,
	}
	if rec.Primary != nil {
		d := MapDiagnosis(*rec.Primary)
		req.Primary = &d
	}
	if len(rec.Secondary) > 0 {
		d := MapDiagnosis(rec.Secondary[0])
		req.Secondary = &d
	}
	return req
}
