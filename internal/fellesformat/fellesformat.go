// Package fellesformat extracts the clinical fields infobridge needs from
// the raw legacy XML document a case was received in.
package fellesformat

import (
	"encoding/xml"
	"time"
)

// Date is a calendar date carried in XML as "2006-01-02".
type Date struct {
	time.Time
}

const dateLayout = "2006-01-02"

// NewDate builds a Date at midnight UTC.
func NewDate(year int, month time.Month, day int) Date {
	return Date{time.Date(year, month, day, 0, 0, 0, 0, time.UTC)}
}

func (d Date) String() string { return d.Format(dateLayout) }

// MarshalXML implements xml.Marshaler.
func (d Date) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	return e.EncodeElement(d.Format(dateLayout), start)
}

// UnmarshalXML implements xml.Unmarshaler.
func (d *Date) UnmarshalXML(dec *xml.Decoder, start xml.StartElement) error {
	var s string
	if err := dec.DecodeElement(&s, &start); err != nil {
		return err
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return err
	}
	d.Time = t
	return nil
}

// HealthRecord is the clinical content of one case, reduced to the fields
// the legacy registry update needs.
type HealthRecord struct {
	CaseID          string
	PatientID       string
	PractitionerNID string // national id, may be empty
	PractitionerHPR string // health personnel register number, may be empty
	SignedAt        time.Time
	Primary         *Diagnosis
	Secondary       []Diagnosis
	Periods         []Period
	FirstAbsence    *Date
	Employer        *Employer
}

// Diagnosis carries a code in its original code system.
type Diagnosis struct {
	Code   string
	System string // code system OID from the source document
	Text   string
}

// Period is one sick leave interval with its activity qualifiers.
type Period struct {
	From          Date
	To            Date
	Grade         *int // percentage, set for graded sick leave
	NoActivity    bool
	TreatmentDays *int
	TravelSubsidy bool
	DeferredNote  *string // note to employer, set for deferred sick leave
}

// Employer identifies the patient's employer when the document names one.
type Employer struct {
	Name      string
	OrgNumber string
}
