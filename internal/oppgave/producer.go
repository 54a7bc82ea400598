// Package oppgave produces manual processing work items for cases the
// pipeline cannot handle automatically.
package oppgave

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/helsebro/infobridge/internal/registry"
	"github.com/helsebro/infobridge/internal/sykmelding"
)

// WorkItem is the JSON record a case worker picks up.
type WorkItem struct {
	CaseID        string    `json:"sykmelding_id"`
	JournalRefID  string    `json:"journalpost_id"`
	PatientID     string    `json:"pasient_fnr"`
	Origin        string    `json:"origin"`
	GeographicTie string    `json:"geografisk_tilknytning,omitempty"`
	Protection    string    `json:"adressebeskyttelse,omitempty"`
	Reason        string    `json:"reason"`
	CreatedAt     time.Time `json:"created_at"`
}

// Producer writes work items to the oppgave topic.
type Producer struct {
	writer *kgo.Writer
	log    *slog.Logger
}

func NewProducer(brokers []string, topic string, log *slog.Logger) *Producer {
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireAll,
	}
	return &Producer{writer: w, log: log}
}

// Close flushes and closes the writer.
func (p *Producer) Close() error { return p.writer.Close() }

// ProduceWorkItem implements sykmelding.WorkItemProducer.
func (p *Producer) ProduceWorkItem(ctx context.Context, rec *sykmelding.CaseRecord, person *registry.Person) error {
	item := WorkItem{
		CaseID:       rec.CaseID,
		JournalRefID: rec.JournalRefID,
		PatientID:    rec.PatientID,
		Origin:       string(rec.Origin),
		Reason:       "validation pending",
		CreatedAt:    time.Now().UTC(),
	}
	if person != nil {
		item.GeographicTie = person.GeographicTie
		item.Protection = person.Protection
	}

	value, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("oppgave: marshal work item for case %s: %w", rec.CaseID, err)
	}

	if err := p.writer.WriteMessages(ctx, kgo.Message{
		Key:   []byte(rec.CaseID),
		Value: value,
	}); err != nil {
		return fmt.Errorf("oppgave: produce work item for case %s: %w", rec.CaseID, err)
	}

	p.log.Info("work item produced",
		"case_id", rec.CaseID,
		"origin", string(rec.Origin))
	return nil
}

// MemProducer collects work items in memory, for tests and dev mode.
type MemProducer struct {
	Items []WorkItem
}

// ProduceWorkItem implements sykmelding.WorkItemProducer.
func (p *MemProducer) ProduceWorkItem(_ context.Context, rec *sykmelding.CaseRecord, person *registry.Person) error {
	item := WorkItem{
		CaseID:       rec.CaseID,
		JournalRefID: rec.JournalRefID,
		PatientID:    rec.PatientID,
		Origin:       string(rec.Origin),
		Reason:       "validation pending",
		CreatedAt:    time.Now().UTC(),
	}
	if person != nil {
		item.GeographicTie = person.GeographicTie
		item.Protection = person.Protection
	}
	p.Items = append(p.Items, item)
	return nil
}
