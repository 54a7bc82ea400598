// Package registry holds the lookups a case needs before the query phase:
// person geography, practitioner category, local office and legacy target id.
// Every lookup failure is fatal for case initiation.
package registry

import "context"

// Person is the subset of the person registry infobridge needs.
type Person struct {
	// GeographicTie is the person's geographic affiliation code.
	GeographicTie string
	// Protection is the address protection level, empty when none.
	Protection string
	// LastContactAbroad reports whether the person's last known contact
	// address is outside the country.
	LastContactAbroad bool
}

// Address protection levels in the person registry.
const (
	ProtectionStrict = "STRENGT_FORTROLIG"
	ProtectionNormal = "FORTROLIG"
)

// ConfidentialityCode maps the protection level to the code the office
// lookup expects. Unprotected persons have no code.
func (p Person) ConfidentialityCode() string {
	switch p.Protection {
	case ProtectionStrict:
		return "SPSF"
	case ProtectionNormal:
		return "SPFO"
	default:
		return ""
	}
}

// PersonClient looks up a person by national id.
type PersonClient interface {
	GetPerson(ctx context.Context, nationalID string) (*Person, error)
}

// HPRClient resolves a practitioner's personnel category code, e.g. "LE"
// for physician. The first active approval wins.
type HPRClient interface {
	PersonnelCategory(ctx context.Context, practitionerID, callID string) (string, error)
}

// NorgClient resolves the local office number for a geographic affiliation
// and optional confidentiality code.
type NorgClient interface {
	LocalOffice(ctx context.Context, geographicTie, confidentialityCode string) (string, error)
}

// TSSClient resolves the legacy system's addressing id for a practitioner.
type TSSClient interface {
	TargetID(ctx context.Context, practitionerID, orgName, callID string) (string, error)
}
