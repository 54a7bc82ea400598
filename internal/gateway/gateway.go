// Package gateway is the queue boundary toward the legacy registry: a
// correlated query send, a fire-and-forget update send, and the listener
// on the shared reply topic.
package gateway

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	kgo "github.com/segmentio/kafka-go"
)

// Message header keys on the outbound topics.
const (
	HeaderCorrelationID = "correlation_id"
	HeaderReplyTo       = "reply_to"
	HeaderCaseID        = "case_id"
)

// Gateway sends payloads toward the legacy registry. Both sends return the
// correlation id attached to the message. Replies only ever arrive for
// queries; updates are fire-and-forget.
type Gateway interface {
	SendQuery(ctx context.Context, caseID string, payload []byte) (string, error)
	SendUpdate(ctx context.Context, caseID string, payload []byte) (string, error)
}

// KafkaGateway writes to one topic per send kind.
type KafkaGateway struct {
	queryWriter  *kgo.Writer
	updateWriter *kgo.Writer
	replyTopic   string
	log          *slog.Logger
}

func NewKafkaGateway(brokers []string, queryTopic, updateTopic, replyTopic string, log *slog.Logger) *KafkaGateway {
	newWriter := func(topic string) *kgo.Writer {
		return &kgo.Writer{
			Addr:         kgo.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kgo.LeastBytes{},
			RequiredAcks: kgo.RequireAll,
		}
	}
	return &KafkaGateway{
		queryWriter:  newWriter(queryTopic),
		updateWriter: newWriter(updateTopic),
		replyTopic:   replyTopic,
		log:          log,
	}
}

// Close flushes and closes both writers. Call after the reply listener is
// stopped.
func (g *KafkaGateway) Close() error {
	qErr := g.queryWriter.Close()
	uErr := g.updateWriter.Close()
	if qErr != nil {
		return qErr
	}
	return uErr
}

// SendQuery implements Gateway. The message carries a reply_to header so
// the registry bridge knows where to publish the response.
func (g *KafkaGateway) SendQuery(ctx context.Context, caseID string, payload []byte) (string, error) {
	corrID := uuid.NewString()
	headers := []kgo.Header{
		{Key: HeaderCorrelationID, Value: []byte(corrID)},
		{Key: HeaderCaseID, Value: []byte(caseID)},
		{Key: HeaderReplyTo, Value: []byte(g.replyTopic)},
	}
	if err := g.send(ctx, g.queryWriter, payload, headers); err != nil {
		return "", fmt.Errorf("gateway: send query for case %s: %w", caseID, err)
	}
	g.log.Info("query sent",
		"case_id", caseID,
		"correlation_id", corrID)
	return corrID, nil
}

// SendUpdate implements Gateway. No reply is expected; the correlation id
// is recorded for tracing only.
func (g *KafkaGateway) SendUpdate(ctx context.Context, caseID string, payload []byte) (string, error) {
	corrID := uuid.NewString()
	headers := []kgo.Header{
		{Key: HeaderCorrelationID, Value: []byte(corrID)},
		{Key: HeaderCaseID, Value: []byte(caseID)},
	}
	if err := g.send(ctx, g.updateWriter, payload, headers); err != nil {
		return "", fmt.Errorf("gateway: send update for case %s: %w", caseID, err)
	}
	g.log.Info("update sent",
		"case_id", caseID,
		"correlation_id", corrID)
	return corrID, nil
}

func (g *KafkaGateway) send(ctx context.Context, w *kgo.Writer, payload []byte, headers []kgo.Header) error {
	return w.WriteMessages(ctx, kgo.Message{
		Key:     []byte(ulid.Make().String()),
		Value:   payload,
		Headers: headers,
	})
}
