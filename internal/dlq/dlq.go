// Package dlq stores cases that exhausted their retry budget so operators
// can review and resolve them by hand.
//
// A dead-lettered case is the full last-known processing state snapshot plus
// a human-readable failure reason. Records live far longer than live state
// (30 days vs 24 hours) and are indexed in an insertion-ordered list of case
// ids for enumeration. Once written a record is immutable until removed.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/helsebro/infobridge/internal/state"
)

// ErrNotFound is returned when no record exists for the requested case id.
var ErrNotFound = errors.New("dlq: not found")

const (
	recordKeyPrefix = "infotrygd:dlq:"
	listKey         = "infotrygd:dlq:list"
)

// DefaultTTL is how long dead-letter records are retained for manual review.
const DefaultTTL = 30 * 24 * time.Hour

// Record is one permanently-failed case.
type Record struct {
	CaseID        string                 `json:"case_id"`
	State         *state.ProcessingState `json:"state"`
	FailureReason string                 `json:"failure_reason"`
	FailedAt      time.Time              `json:"failed_at"`
	TotalRetries  int                    `json:"total_retries"`
	LastStep      state.Step             `json:"last_step"`
}

// NewRecord snapshots st into a Record.
func NewRecord(st *state.ProcessingState, reason string, now time.Time) *Record {
	return &Record{
		CaseID:        st.CaseID,
		State:         st.Clone(),
		FailureReason: reason,
		FailedAt:      now,
		TotalRetries:  st.RetryCount,
		LastStep:      st.Step,
	}
}

// Store is the persistence contract for dead-letter records. There is no
// update operation on purpose.
type Store interface {
	// Put writes the record and appends its case id to the list index.
	Put(ctx context.Context, rec *Record) error
	// Get returns the record for caseID, or ErrNotFound.
	Get(ctx context.Context, caseID string) (*Record, error)
	// ListIDs returns all dead-lettered case ids in insertion order.
	ListIDs(ctx context.Context) ([]string, error)
	// Count returns the number of entries in the list index.
	Count(ctx context.Context) (int64, error)
	// Remove deletes the record and its index entry. Removing an absent
	// case is not an error.
	Remove(ctx context.Context, caseID string) error
}

// RedisStore keeps records as JSON values plus a Redis list as the index.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore wraps rdb. A ttl of zero falls back to DefaultTTL.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func (s *RedisStore) Put(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("dlq: marshal %s: %w", rec.CaseID, err)
	}
	if err := s.rdb.Set(ctx, recordKey(rec.CaseID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("dlq: put %s: %w", rec.CaseID, err)
	}
	if err := s.rdb.RPush(ctx, listKey, rec.CaseID).Err(); err != nil {
		return fmt.Errorf("dlq: index %s: %w", rec.CaseID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, caseID string) (*Record, error) {
	raw, err := s.rdb.Get(ctx, recordKey(caseID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("dlq: get %s: %w", caseID, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("dlq: decode %s: %w", caseID, err)
	}
	return &rec, nil
}

func (s *RedisStore) ListIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq: list: %w", err)
	}
	return ids, nil
}

func (s *RedisStore) Count(ctx context.Context) (int64, error) {
	n, err := s.rdb.LLen(ctx, listKey).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq: count: %w", err)
	}
	return n, nil
}

func (s *RedisStore) Remove(ctx context.Context, caseID string) error {
	if err := s.rdb.Del(ctx, recordKey(caseID)).Err(); err != nil {
		return fmt.Errorf("dlq: remove %s: %w", caseID, err)
	}
	if err := s.rdb.LRem(ctx, listKey, 1, caseID).Err(); err != nil {
		return fmt.Errorf("dlq: deindex %s: %w", caseID, err)
	}
	return nil
}

func recordKey(caseID string) string { return recordKeyPrefix + caseID }
