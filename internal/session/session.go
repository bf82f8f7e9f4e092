// Package session stores recent conversation turns in Redis. The engine
// reads them to seed refinement context; it never writes them.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/askbase/config"
	"github.com/mohammad-safakhou/askbase/internal/engine"
)

const (
	defaultTTL   = 24 * time.Hour
	maxTurnsKept = 50
)

// Store keeps per-session conversation history in a Redis list.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore connects to Redis using the configured address.
func NewStore(cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx := context.Background()
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{client: client, ttl: defaultTTL}, nil
}

// NewStoreWithClient wraps an existing client, used by tests.
func NewStoreWithClient(client *redis.Client) *Store {
	return &Store{client: client, ttl: defaultTTL}
}

func (s *Store) Close() error { return s.client.Close() }

func turnsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:turns", sessionID)
}

// Ensure returns the given session id, or mints a new one when blank.
func (s *Store) Ensure(sessionID string) string {
	if sessionID != "" {
		return sessionID
	}
	return uuid.New().String()
}

// Append records one conversation turn and refreshes the session TTL.
func (s *Store) Append(ctx context.Context, sessionID string, turn engine.ConversationTurn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("marshal turn: %w", err)
	}
	key := turnsKey(sessionID)
	pipe := s.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	pipe.LTrim(ctx, key, -maxTurnsKept, -1)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// Recent returns up to n most recent turns, oldest first.
func (s *Store) Recent(ctx context.Context, sessionID string, n int) ([]engine.ConversationTurn, error) {
	if n <= 0 {
		n = 10
	}
	vals, err := s.client.LRange(ctx, turnsKey(sessionID), int64(-n), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	turns := make([]engine.ConversationTurn, 0, len(vals))
	for _, v := range vals {
		var t engine.ConversationTurn
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			continue // skip corrupt entries
		}
		turns = append(turns, t)
	}
	return turns, nil
}
