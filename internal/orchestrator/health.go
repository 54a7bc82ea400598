package orchestrator

import (
	"context"
	"fmt"

	"github.com/helsebro/infobridge/internal/docstore"
	"github.com/helsebro/infobridge/internal/fellesformat"
)

// HealthSource loads the extracted clinical record for a case.
type HealthSource interface {
	Load(ctx context.Context, caseID string) (*fellesformat.HealthRecord, error)
}

// DocSource reads the raw document from a document store and extracts it.
type DocSource struct {
	docs docstore.Store
}

func NewDocSource(docs docstore.Store) *DocSource {
	return &DocSource{docs: docs}
}

// Load implements HealthSource. A missing document is an error: the case
// cannot be processed without it.
func (s *DocSource) Load(ctx context.Context, caseID string) (*fellesformat.HealthRecord, error) {
	raw, err := s.docs.Fetch(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: fetch document for case %s: %w", caseID, err)
	}
	rec, err := fellesformat.Extract(raw)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: extract document for case %s: %w", caseID, err)
	}
	return rec, nil
}
