package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/helsebro/infobridge/internal/metrics"
)

// ReplyHandler is invoked for each reply on the shared topic. It must not
// return an error: a reply either resolves a waiting case or is dropped.
type ReplyHandler func(ctx context.Context, corrID string, payload []byte)

// ReplyListener demultiplexes the shared reply topic by correlation id.
type ReplyListener struct {
	reader  *kgo.Reader
	handler ReplyHandler
	met     *metrics.Registry
	log     *slog.Logger
}

func NewReplyListener(brokers []string, replyTopic, groupID string, handler ReplyHandler, met *metrics.Registry, log *slog.Logger) *ReplyListener {
	if met == nil {
		met = &metrics.Registry{}
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          replyTopic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return &ReplyListener{reader: r, handler: handler, met: met, log: log}
}

// Close stops the underlying reader. Close the listener before the
// gateway's writers so no reply arrives after the senders are gone.
func (l *ReplyListener) Close() error { return l.reader.Close() }

// Run fetches replies until ctx is canceled. Messages without a
// correlation id header cannot be routed and are dropped. A panicking
// handler loses that one reply, never the listener.
func (l *ReplyListener) Run(ctx context.Context) {
	for {
		m, err := l.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
				return
			}
			l.log.Error("fetch from reply topic failed", "error", err)
			time.Sleep(time.Second)
			continue
		}

		l.process(ctx, m)
		l.commit(ctx, m)
	}
}

// process routes one reply. Replies without a correlation id header cannot
// be attributed to a case and are dropped.
func (l *ReplyListener) process(ctx context.Context, m kgo.Message) {
	corrID := headerValue(m.Headers, HeaderCorrelationID)
	if corrID == "" {
		l.met.Replies.Inc(metrics.ReplyDropped)
		l.log.Warn("reply without correlation id dropped",
			"topic", m.Topic,
			"offset", m.Offset)
		return
	}
	l.dispatch(ctx, corrID, m.Value)
}

func (l *ReplyListener) dispatch(ctx context.Context, corrID string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("reply handler panicked",
				"correlation_id", corrID,
				"panic", r)
		}
	}()
	l.handler(ctx, corrID, payload)
}

func (l *ReplyListener) commit(ctx context.Context, m kgo.Message) {
	cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := l.reader.CommitMessages(cctx, m); err != nil {
		l.log.Error("reply commit failed", "error", err)
	}
}

func headerValue(headers []kgo.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}
