package sykmelding

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/helsebro/infobridge/internal/registry"
)

// Initiator starts orchestration of a validated case.
type Initiator interface {
	Initiate(ctx context.Context, rec *CaseRecord) error
}

// WorkItemProducer hands a case over to manual processing.
type WorkItemProducer interface {
	ProduceWorkItem(ctx context.Context, rec *CaseRecord, person *registry.Person) error
}

// Service routes each consumed record: pending validation goes to manual
// processing, everything else enters the orchestrator.
type Service struct {
	initiator Initiator
	work      WorkItemProducer
	persons   registry.PersonClient
	log       *slog.Logger
}

func NewService(initiator Initiator, work WorkItemProducer, persons registry.PersonClient, log *slog.Logger) *Service {
	return &Service{initiator: initiator, work: work, persons: persons, log: log}
}

// HandleRecord implements RecordHandler. A returned error means the record
// was not processed and must not be committed.
func (s *Service) HandleRecord(ctx context.Context, rec *CaseRecord) error {
	if rec.Validation.Status == ValidationPending {
		s.log.Info("record needs manual processing",
			"case_id", rec.CaseID,
			"origin", string(rec.Origin),
			"validation_status", rec.Validation.Status)

		person, err := s.persons.GetPerson(ctx, rec.PatientID)
		if err != nil {
			return fmt.Errorf("sykmelding: person lookup for case %s: %w", rec.CaseID, err)
		}
		return s.work.ProduceWorkItem(ctx, rec, person)
	}

	return s.initiator.Initiate(ctx, rec)
}
