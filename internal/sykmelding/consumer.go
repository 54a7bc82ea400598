package sykmelding

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/helsebro/infobridge/internal/metrics"
)

// CutoffYear: records whose earliest period starts before this year are
// historical backfill and are skipped.
const CutoffYear = 2024

// RecordHandler processes one decoded record. A returned error keeps the
// record uncommitted so it is redelivered.
type RecordHandler interface {
	HandleRecord(ctx context.Context, rec *CaseRecord) error
}

// Consumer reads the inbound sykmelding topic with manual commits.
type Consumer struct {
	reader  *kgo.Reader
	handler RecordHandler
	met     *metrics.Registry
	log     *slog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, handler RecordHandler, met *metrics.Registry, log *slog.Logger) *Consumer {
	if met == nil {
		met = &metrics.Registry{}
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return &Consumer{reader: r, handler: handler, met: met, log: log}
}

// Close stops the underlying reader.
func (c *Consumer) Close() error { return c.reader.Close() }

// Run fetches until ctx is canceled. Records that can never be processed
// (tombstones, undecodable payloads, skip rules) are committed and dropped;
// handler errors leave the offset uncommitted so the record is retried.
func (c *Consumer) Run(ctx context.Context) {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			c.log.Error("fetch from sykmelding topic failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		caseID := string(m.Key)
		if skip, reason := c.shouldSkip(m.Value); skip {
			c.met.Skipped.Inc(reason)
			c.log.Warn("skipping record",
				"case_id", caseID,
				"reason", reason)
			c.commit(ctx, m)
			continue
		}

		var rec CaseRecord
		// shouldSkip already decoded successfully
		_ = json.Unmarshal(m.Value, &rec)
		if rec.CaseID == "" {
			rec.CaseID = caseID
		}

		if err := c.handler.HandleRecord(ctx, &rec); err != nil {
			// Not committed: the record is redelivered after a pause.
			c.log.Error("record handling failed",
				"case_id", rec.CaseID,
				"origin", string(rec.Origin),
				"error", err)
			time.Sleep(time.Second)
			continue
		}
		c.commit(ctx, m)
	}
}

// shouldSkip applies the drop rules to a raw payload.
func (c *Consumer) shouldSkip(value []byte) (bool, string) {
	if len(value) == 0 {
		return true, "null payload"
	}
	var rec CaseRecord
	if err := json.Unmarshal(value, &rec); err != nil {
		return true, "undecodable payload"
	}
	if len(rec.Periods) == 0 {
		return true, "no activity"
	}
	if start := rec.EarliestStart(); !start.IsZero() && start.Year() < CutoffYear {
		return true, "historical record"
	}
	return false, ""
}

func (c *Consumer) commit(ctx context.Context, m kgo.Message) {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(cctx, m); err != nil {
		c.log.Error("commit failed", "case_id", string(m.Key), "error", err)
	}
}
