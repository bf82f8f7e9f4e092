// Package store persists users and orchestration run history in Postgres.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mohammad-safakhou/askbase/internal/engine"
)

type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

// User operations

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}

// Run is one persisted orchestration outcome.
type Run struct {
	ID                   string                  `json:"id"`
	UserID               string                  `json:"user_id,omitempty"`
	SessionID            string                  `json:"session_id,omitempty"`
	Query                string                  `json:"query"`
	Answer               string                  `json:"answer"`
	Citations            []engine.EvidenceRecord `json:"citations"`
	Metrics              engine.QualityMetrics   `json:"metrics"`
	IterationsUsed       int                     `json:"iterations_used"`
	MaxIterationsReached bool                    `json:"max_iterations_reached"`
	Degraded             bool                    `json:"degraded"`
	ProcessingMS         int64                   `json:"processing_ms"`
	CreatedAt            time.Time               `json:"created_at"`
}

// SaveRun persists one orchestration result for a user.
func (s *Store) SaveRun(ctx context.Context, userID, sessionID string, res engine.OrchestrationResult) error {
	citations, err := json.Marshal(res.Citations)
	if err != nil {
		return fmt.Errorf("marshal citations: %w", err)
	}
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO runs (id, user_id, session_id, query, answer, citations, metrics, iterations_used, max_iterations_reached, degraded, processing_ms, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		res.ID, nullable(userID), nullable(sessionID), res.Query, res.Answer, citations, metrics,
		res.IterationsUsed, res.MaxIterationsReached, res.Degraded,
		res.ProcessingTime.Milliseconds(), res.CreatedAt)
	return err
}

// GetRun loads one run. sql.ErrNoRows passes through for missing ids.
func (s *Store) GetRun(ctx context.Context, id string) (Run, error) {
	var (
		r                  Run
		userID, sessionID  sql.NullString
		citations, metrics []byte
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, user_id, session_id, query, answer, citations, metrics, iterations_used, max_iterations_reached, degraded, processing_ms, created_at
FROM runs WHERE id=$1`, id).Scan(
		&r.ID, &userID, &sessionID, &r.Query, &r.Answer, &citations, &metrics,
		&r.IterationsUsed, &r.MaxIterationsReached, &r.Degraded, &r.ProcessingMS, &r.CreatedAt)
	if err != nil {
		return Run{}, err
	}
	r.UserID = userID.String
	r.SessionID = sessionID.String
	if err := json.Unmarshal(citations, &r.Citations); err != nil {
		return Run{}, fmt.Errorf("decode citations for run %s: %w", id, err)
	}
	if err := json.Unmarshal(metrics, &r.Metrics); err != nil {
		return Run{}, fmt.Errorf("decode metrics for run %s: %w", id, err)
	}
	return r, nil
}

// ListRuns returns a user's recent runs, newest first, without the heavy
// citation payloads.
func (s *Store) ListRuns(ctx context.Context, userID string, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, query, iterations_used, max_iterations_reached, degraded, processing_ms, created_at
FROM runs WHERE user_id=$1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Query, &r.IterationsUsed, &r.MaxIterationsReached, &r.Degraded, &r.ProcessingMS, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.UserID = userID
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
