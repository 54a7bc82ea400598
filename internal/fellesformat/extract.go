package fellesformat

import (
	"encoding/xml"
	"errors"
	"fmt"
	"time"
)

// ErrIncomplete is returned when the document parses but lacks the fields
// every case must carry.
var ErrIncomplete = errors.New("fellesformat: document incomplete")

// ─────────────────────────────────────────────────────────────────────────────
// XML document shape
// ─────────────────────────────────────────────────────────────────────────────

type document struct {
	XMLName xml.Name  `xml:"Fellesformat"`
	MsgHead msgHead   `xml:"MsgHead"`
	Health  healthDoc `xml:"HelseOpplysninger"`
}

type msgHead struct {
	MsgID string `xml:"MsgInfo>MsgId"`
}

type healthDoc struct {
	Patient      patient       `xml:"Pasient"`
	Practitioner practitioner  `xml:"Behandler"`
	Contact      contact       `xml:"KontaktMedPasient"`
	Assessment   *assessment   `xml:"MedisinskVurdering"`
	Activity     activity      `xml:"Aktivitet"`
	Employer     *employerElem `xml:"Arbeidsgiver"`
}

type patient struct {
	NationalID string `xml:"Fodselsnummer"`
}

type practitioner struct {
	IDs []typedID `xml:"Id"`
}

type typedID struct {
	Type  string `xml:"type,attr"`
	Value string `xml:",chardata"`
}

type contact struct {
	TreatedAt string `xml:"BehandletDato"` // RFC 3339 local datetime
}

type assessment struct {
	Primary   *diagnosisElem  `xml:"HovedDiagnose"`
	Secondary []diagnosisElem `xml:"BiDiagnose"`
}

type diagnosisElem struct {
	Code   string `xml:"Kode"`
	System string `xml:"System"`
	Text   string `xml:"Tekst"`
}

type activity struct {
	Periods []periodElem `xml:"Periode"`
}

type periodElem struct {
	From          Date      `xml:"Fom"`
	To            Date      `xml:"Tom"`
	Grade         *int      `xml:"Grad"`
	NoActivity    *struct{} `xml:"AktivitetIkkeMulig"`
	TreatmentDays *int      `xml:"Behandlingsdager"`
	TravelSubsidy bool      `xml:"Reisetilskudd"`
	DeferredNote  *string   `xml:"Avventende"`
}

type employerElem struct {
	Name      string `xml:"Navn"`
	OrgNumber string `xml:"Orgnummer"`
}

// ─────────────────────────────────────────────────────────────────────────────
// Extraction
// ─────────────────────────────────────────────────────────────────────────────

// Extract decodes a raw fellesformat document into a HealthRecord.
// The case id, patient id and at least one period are required; the
// practitioner ids are not, since cross border cases lack them.
func Extract(raw []byte) (*HealthRecord, error) {
	var doc document
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("fellesformat: decode: %w", err)
	}

	if doc.MsgHead.MsgID == "" || doc.Health.Patient.NationalID == "" {
		return nil, ErrIncomplete
	}
	if len(doc.Health.Activity.Periods) == 0 {
		return nil, fmt.Errorf("%w: no periods", ErrIncomplete)
	}

	signedAt, err := time.Parse("2006-01-02T15:04:05", doc.Health.Contact.TreatedAt)
	if err != nil {
		return nil, fmt.Errorf("fellesformat: signature date: %w", err)
	}

	rec := &HealthRecord{
		CaseID:    doc.MsgHead.MsgID,
		PatientID: doc.Health.Patient.NationalID,
		SignedAt:  signedAt,
	}

	for _, id := range doc.Health.Practitioner.IDs {
		switch id.Type {
		case "FNR":
			rec.PractitionerNID = id.Value
		case "HPR":
			rec.PractitionerHPR = id.Value
		}
	}

	if a := doc.Health.Assessment; a != nil {
		if a.Primary != nil {
			rec.Primary = &Diagnosis{Code: a.Primary.Code, System: a.Primary.System, Text: a.Primary.Text}
		}
		for _, d := range a.Secondary {
			rec.Secondary = append(rec.Secondary, Diagnosis{Code: d.Code, System: d.System, Text: d.Text})
		}
	}

	for _, p := range doc.Health.Activity.Periods {
		rec.Periods = append(rec.Periods, Period{
			From:          p.From,
			To:            p.To,
			Grade:         p.Grade,
			NoActivity:    p.NoActivity != nil,
			TreatmentDays: p.TreatmentDays,
			TravelSubsidy: p.TravelSubsidy,
			DeferredNote:  p.DeferredNote,
		})
	}

	// First absence day is the earliest period start.
	first := rec.Periods[0].From
	for _, p := range rec.Periods[1:] {
		if p.From.Before(first.Time) {
			first = p.From
		}
	}
	rec.FirstAbsence = &first

	if e := doc.Health.Employer; e != nil {
		rec.Employer = &Employer{Name: e.Name, OrgNumber: e.OrgNumber}
	}

	return rec, nil
}
