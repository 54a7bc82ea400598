package infotrygd

import (
	"encoding/xml"
	"fmt"
	"strconv"
)

// ─────────────────────────────────────────────────────────────────────────────
// Update (oppdatering) XML
// ─────────────────────────────────────────────────────────────────────────────

type updateOppdatering struct {
	XMLName      xml.Name         `xml:"InfotrygdOppdatering"`
	Header       updateHeader     `xml:"Header"`
	Patient      queryPatient     `xml:"Pasient"`
	Practitioner updateBehandler  `xml:"Behandler"`
	Diagnosis    *updateDiagnosis `xml:"Diagnose,omitempty"`
	Periods      updatePeriods    `xml:"Perioder"`
	Employer     *updateEmployer  `xml:"Arbeidsgiver,omitempty"`
}

type updateHeader struct {
	CaseID         string `xml:"SykmeldingId"`
	JournalRefID   string `xml:"JournalpostId"`
	OfficeNr       string `xml:"NavKontorNr"`
	SignedAt       string `xml:"SignaturDato"`
	FirstAbsence   string `xml:"ForsteFravaersdag,omitempty"`
	ResolvedDate   string `xml:"IdentDato,omitempty"`
	ResolvedRegion string `xml:"TkNummer,omitempty"`
}

type updateBehandler struct {
	NationalID string `xml:"Fnr"`
	HPR        string `xml:"HprNummer,omitempty"`
	Category   string `xml:"Kategori"`
	TargetID   string `xml:"TssId"`
}

type updateDiagnosis struct {
	Primary   *updateCode  `xml:"HovedDiagnose,omitempty"`
	Secondary []updateCode `xml:"BiDiagnoser>Diagnose,omitempty"`
}

type updateCode struct {
	Code       string `xml:"Kode"`
	CodeSystem string `xml:"Kodeverk"`
	Text       string `xml:"Tekst,omitempty"`
}

type updatePeriods struct {
	Periods []updatePeriod `xml:"Periode"`
}

type updatePeriod struct {
	From  string `xml:"Fom"`
	To    string `xml:"Tom"`
	Grade string `xml:"Grad,omitempty"`
	Kind  string `xml:"Type"`
}

type updateEmployer struct {
	Name      string `xml:"Navn,omitempty"`
	OrgNumber string `xml:"Orgnummer,omitempty"`
}

// BuildUpdateXML serializes an UpdateRequest to the oppdatering wire format.
func BuildUpdateXML(req *UpdateRequest) ([]byte, error) {
	doc := updateOppdatering{
		Header: updateHeader{
			CaseID:         req.CaseID,
			JournalRefID:   req.JournalRefID,
			OfficeNr:       req.OfficeNr,
			SignedAt:       req.SignedAt.Format("2006-01-02T15:04:05"),
			ResolvedDate:   req.ResolvedDate,
			ResolvedRegion: req.ResolvedRegion,
		},
		Patient: queryPatient{NationalID: req.PatientID},
		Practitioner: updateBehandler{
			NationalID: req.PractitionerID,
			HPR:        req.PractitionerHPR,
			Category:   req.PersonnelCategory,
			TargetID:   req.TargetID,
		},
	}
	if req.FirstAbsence != nil {
		doc.Header.FirstAbsence = req.FirstAbsence.String()
	}

	if req.Primary != nil || len(req.Secondary) > 0 {
		doc.Diagnosis = &updateDiagnosis{}
		if req.Primary != nil {
			doc.Diagnosis.Primary = &updateCode{
				Code:       req.Primary.Code,
				CodeSystem: req.Primary.CodeSystem,
				Text:       req.Primary.Text,
			}
		}
		for _, d := range req.Secondary {
			doc.Diagnosis.Secondary = append(doc.Diagnosis.Secondary, updateCode{
				Code:       d.Code,
				CodeSystem: d.CodeSystem,
				Text:       d.Text,
			})
		}
	}

	for _, p := range req.Periods {
		up := updatePeriod{
			From: p.From.String(),
			To:   p.To.String(),
			Kind: p.Kind,
		}
		if p.Grade != nil {
			up.Grade = strconv.Itoa(*p.Grade)
		}
		doc.Periods.Periods = append(doc.Periods.Periods, up)
	}

	if req.Employer != nil {
		doc.Employer = &updateEmployer{Name: req.Employer.Name, OrgNumber: req.Employer.OrgNumber}
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("infotrygd: marshal update for case %s: %w", req.CaseID, err)
	}
	return append([]byte(xml.Header), out...), nil
}
