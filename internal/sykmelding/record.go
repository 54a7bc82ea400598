// Package sykmelding is the inbound side of infobridge: the case record
// consumed from the sykmelding topic and the routing into the pipeline.
package sykmelding

import (
	"errors"
	"fmt"
	"time"
)

// Origin tags how a case record entered the system. The shapes differ:
// cross border records carry no practitioner identity at all.
type Origin string

const (
	OriginDigital     Origin = "digital"
	OriginPaper       Origin = "paper"
	OriginScanned     Origin = "scanned"
	OriginCrossBorder Origin = "cross_border"
)

// Validation statuses set by the upstream rule engine.
const (
	ValidationOK      = "OK"
	ValidationPending = "PENDING"
	ValidationInvalid = "INVALID"
)

// FallbackOfficeCrossBorder is the fixed office handling every cross
// border case; no office lookup is performed for them.
const FallbackOfficeCrossBorder = "2101"

// ErrNoPractitionerID is returned when a record shape requires a
// practitioner national id and none is present.
var ErrNoPractitionerID = errors.New("sykmelding: record has no practitioner national id")

// CaseRecord is one sykmelding event from the inbound topic.
type CaseRecord struct {
	CaseID       string         `json:"sykmelding_id"`
	JournalRefID string         `json:"journalpost_id"`
	PatientID    string         `json:"pasient_fnr"`
	Origin       Origin         `json:"origin"`
	Validation   Validation     `json:"validation"`
	Practitioner *Practitioner  `json:"behandler,omitempty"`
	Periods      []RecordPeriod `json:"aktivitet"`
}

// Validation is the upstream rule engine verdict.
type Validation struct {
	Status string `json:"status"`
}

// Practitioner holds the typed ids and praxis name of the signer.
type Practitioner struct {
	IDs     []PersonID `json:"ids"`
	OrgName string     `json:"org_name"`
}

// PersonID is one typed identity, e.g. {"type":"FNR","id":"0102..."}.
type PersonID struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// RecordPeriod is one activity interval, dates as "2006-01-02".
type RecordPeriod struct {
	From string `json:"fom"`
	To   string `json:"tom"`
}

// PractitionerNID resolves the practitioner national id for the record's
// origin. The switch is exhaustive over the known origins: cross border
// records legitimately have none, every other shape must carry one.
func (r *CaseRecord) PractitionerNID() (string, error) {
	switch r.Origin {
	case OriginDigital, OriginPaper, OriginScanned:
		if r.Practitioner != nil {
			for _, id := range r.Practitioner.IDs {
				if id.Type == "FNR" && id.ID != "" {
					return id.ID, nil
				}
			}
		}
		return "", ErrNoPractitionerID
	case OriginCrossBorder:
		return "", nil
	default:
		return "", fmt.Errorf("sykmelding: unknown record origin %q", r.Origin)
	}
}

// CrossBorder reports whether the record entered from abroad.
func (r *CaseRecord) CrossBorder() bool { return r.Origin == OriginCrossBorder }

// EarliestStart returns the earliest period start, or the zero time when
// no period parses.
func (r *CaseRecord) EarliestStart() time.Time {
	var earliest time.Time
	for _, p := range r.Periods {
		t, err := time.Parse("2006-01-02", p.From)
		if err != nil {
			continue
		}
		if earliest.IsZero() || t.Before(earliest) {
			earliest = t
		}
	}
	return earliest
}
