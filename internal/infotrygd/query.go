package infotrygd

import (
	"encoding/xml"
	"fmt"
)

// ─────────────────────────────────────────────────────────────────────────────
// Query (sporring) XML
// ─────────────────────────────────────────────────────────────────────────────

type querySporring struct {
	XMLName      xml.Name        `xml:"InfotrygdSporring"`
	Patient      queryPatient    `xml:"Pasient"`
	Practitioner queryBehandler  `xml:"Behandler"`
	Diagnosis    *queryDiagnosis `xml:"Diagnose,omitempty"`
}

type queryPatient struct {
	NationalID string `xml:"Fnr"`
}

type queryBehandler struct {
	NationalID string `xml:"Fnr"`
	TargetID   string `xml:"TssId"`
}

type queryDiagnosis struct {
	Primary   queryCode  `xml:"HovedDiagnose"`
	Secondary *queryCode `xml:"BiDiagnose,omitempty"`
}

type queryCode struct {
	Code       string `xml:"Kode"`
	CodeSystem string `xml:"Kodeverk"`
}

// BuildQueryXML serializes a QueryRequest to the sporring wire format.
func BuildQueryXML(req *QueryRequest) ([]byte, error) {
	doc := querySporring{
		Patient:      queryPatient{NationalID: req.PatientID},
		Practitioner: queryBehandler{NationalID: req.PractitionerID, TargetID: req.TargetID},
	}
	if req.Primary != nil {
		doc.Diagnosis = &queryDiagnosis{
			Primary: queryCode{Code: req.Primary.Code, CodeSystem: req.Primary.CodeSystem},
		}
		if req.Secondary != nil {
			doc.Diagnosis.Secondary = &queryCode{Code: req.Secondary.Code, CodeSystem: req.Secondary.CodeSystem}
		}
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("infotrygd: marshal query for case %s: %w", req.CaseID, err)
	}
	return append([]byte(xml.Header), out...), nil
}
