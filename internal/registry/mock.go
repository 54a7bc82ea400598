package registry

import "context"

// Mock clients back dev mode and tests. Zero values answer with fixed,
// well-formed data; the fields override per-test.

// MockPersonClient returns a canned person.
type MockPersonClient struct {
	Person Person
	Err    error
}

func (m *MockPersonClient) GetPerson(_ context.Context, _ string) (*Person, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	p := m.Person
	if p.GeographicTie == "" {
		p.GeographicTie = "0301"
	}
	return &p, nil
}

// MockHPRClient returns a canned personnel category.
type MockHPRClient struct {
	Category string
	Err      error
}

func (m *MockHPRClient) PersonnelCategory(_ context.Context, _, _ string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if m.Category == "" {
		return "LE", nil
	}
	return m.Category, nil
}

// MockNorgClient returns a canned office number.
type MockNorgClient struct {
	OfficeNr string
	Err      error
}

func (m *MockNorgClient) LocalOffice(_ context.Context, _, _ string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if m.OfficeNr == "" {
		return "0315", nil
	}
	return m.OfficeNr, nil
}

// MockTSSClient returns a canned legacy target id.
type MockTSSClient struct {
	ID  string
	Err error
}

func (m *MockTSSClient) TargetID(_ context.Context, _, _, _ string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	if m.ID == "" {
		return "80000347193", nil
	}
	return m.ID, nil
}
