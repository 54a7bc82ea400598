package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when no state (or correlation mapping) exists for
// the requested key. The key may never have existed or may have expired.
var ErrNotFound = errors.New("state: not found")

// Key namespaces in the backing store. Kept stable so operators can inspect
// cases with plain redis-cli.
const (
	processingKeyPrefix  = "infotrygd:processing:"
	correlationKeyPrefix = "infotrygd:correlation:"
)

// DefaultTTL is how long live processing state is retained. A case that is
// neither completed nor dead-lettered within this window simply expires.
const DefaultTTL = 24 * time.Hour

// Store is the persistence contract for per-case processing state plus the
// correlationID → caseID secondary index. All writes refresh the TTL; reads
// never do. Implementations must be safe for concurrent use.
type Store interface {
	// Save upserts the state as a whole-record overwrite and resets its TTL.
	Save(ctx context.Context, st *ProcessingState) error
	// Get returns the state for caseID, or ErrNotFound.
	Get(ctx context.Context, caseID string) (*ProcessingState, error)
	// Delete removes the state and any correlation mappings it owns.
	// Deleting an absent case is not an error.
	Delete(ctx context.Context, caseID string) error
	// MapCorrelation upserts a correlationID → caseID mapping with the same
	// TTL policy as the owning state.
	MapCorrelation(ctx context.Context, correlationID, caseID string) error
	// ResolveCorrelation returns the caseID a correlation id belongs to, or
	// ErrNotFound.
	ResolveCorrelation(ctx context.Context, correlationID string) (string, error)
	// ScanCaseIDs enumerates the ids of all live cases. It tolerates
	// concurrent key churn and makes no snapshot guarantee.
	ScanCaseIDs(ctx context.Context) ([]string, error)
}

// RedisStore persists processing state as JSON values in Redis/Valkey.
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

func (s *RedisStore) Save(ctx context.Context, st *ProcessingState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("state: marshal %s: %w", st.CaseID, err)
	}
	if err := s.rdb.Set(ctx, processingKey(st.CaseID), raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("state: save %s: %w", st.CaseID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, caseID string) (*ProcessingState, error) {
	raw, err := s.rdb.Get(ctx, processingKey(caseID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("state: get %s: %w", caseID, err)
	}
	var st ProcessingState
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("state: decode %s: %w", caseID, err)
	}
	return &st, nil
}

func (s *RedisStore) Delete(ctx context.Context, caseID string) error {
	// Load first so owned correlation mappings can be removed with the state.
	st, err := s.Get(ctx, caseID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	keys := []string{processingKey(caseID)}
	if st != nil {
		if st.QueryCorrID != "" {
			keys = append(keys, correlationKey(st.QueryCorrID))
		}
		if st.UpdateCorrID != "" {
			keys = append(keys, correlationKey(st.UpdateCorrID))
		}
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("state: delete %s: %w", caseID, err)
	}
	return nil
}

func (s *RedisStore) MapCorrelation(ctx context.Context, correlationID, caseID string) error {
	if err := s.rdb.Set(ctx, correlationKey(correlationID), caseID, s.ttl).Err(); err != nil {
		return fmt.Errorf("state: map correlation %s: %w", correlationID, err)
	}
	return nil
}

func (s *RedisStore) ResolveCorrelation(ctx context.Context, correlationID string) (string, error) {
	caseID, err := s.rdb.Get(ctx, correlationKey(correlationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("state: resolve correlation %s: %w", correlationID, err)
	}
	return caseID, nil
}

// ScanCaseIDs walks the processing key namespace with SCAN so the sweep never
// blocks the store the way KEYS would.
func (s *RedisStore) ScanCaseIDs(ctx context.Context) ([]string, error) {
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, processingKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("state: scan: %w", err)
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, processingKeyPrefix))
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}

func processingKey(caseID string) string { return processingKeyPrefix + caseID }

func correlationKey(correlationID string) string { return correlationKeyPrefix + correlationID }
