package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/pipeline"
	"github.com/andresmejia3/veil/internal/tracker"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/jackc/pgx/v5"
)

// Store manages the PostgreSQL connection and pgvector operations.
// A pgx.Conn is not safe for concurrent use, so every call holds mu.
type Store struct {
	mu   sync.Mutex
	conn *pgx.Conn
}

// Identity is a known face descriptor with a human label.
type Identity struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Count     int       `json:"face_count"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionRecord is one persisted export run.
type SessionRecord struct {
	ID         string     `json:"id"`
	InputPath  string     `json:"input"`
	Start      float64    `json:"start_seconds"`
	End        float64    `json:"end_seconds"`
	Effect     string     `json:"effect"`
	State      string     `json:"state"`
	Frames     int        `json:"frames"`
	Tracks     int        `json:"tracks"`
	OutputPath string     `json:"output,omitempty"`
	Bytes      int64      `json:"bytes"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TrackInterval is the lifetime of one track within a session.
type TrackInterval struct {
	TrackID  int     `json:"track_id"`
	Start    float64 `json:"start_seconds"`
	End      float64 `json:"end_seconds"`
	Hits     int     `json:"hits"`
	Excluded bool    `json:"excluded"`
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables and vector extension if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS known_identities (
			id SERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			embedding VECTOR NOT NULL,
			face_count INT DEFAULT 1,
			created_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS redaction_sessions (
			id TEXT PRIMARY KEY,
			video_id TEXT,
			input_path TEXT NOT NULL,
			start_time DOUBLE PRECISION NOT NULL,
			end_time DOUBLE PRECISION NOT NULL,
			fps DOUBLE PRECISION NOT NULL,
			effect TEXT NOT NULL,
			state TEXT NOT NULL,
			frames INT DEFAULT 0,
			tracks INT DEFAULT 0,
			output_path TEXT,
			output_bytes BIGINT DEFAULT 0,
			error TEXT,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			finished_at TIMESTAMPTZ
		);
		CREATE TABLE IF NOT EXISTS track_intervals (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT REFERENCES redaction_sessions(id) ON DELETE CASCADE,
			track_id INT NOT NULL,
			start_time DOUBLE PRECISION NOT NULL,
			end_time DOUBLE PRECISION NOT NULL,
			hits INT NOT NULL,
			excluded BOOLEAN NOT NULL DEFAULT FALSE
		);
		CREATE INDEX IF NOT EXISTS track_intervals_session_id_idx ON track_intervals (session_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.Close(ctx)
}

// vecToString formats a float slice into a PostgreSQL vector string format "[1.0,2.0,...]"
func vecToString(vec []float64) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	b.WriteByte(']')
	return b.String()
}

// parseVector is the inverse of vecToString for pgvector's text output.
func parseVector(s string) ([]float64, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	vec := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bad vector component %q: %w", p, err)
		}
		vec[i] = v
	}
	return vec, nil
}

// FindClosestIdentity searches for the nearest neighbor in the database using cosine distance.
// Returns -1 if no match is found within the threshold.
func (s *Store) FindClosestIdentity(ctx context.Context, vec []float64, threshold float64) (int, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vecStr := vecToString(vec)
	// <=> is the cosine distance operator in pgvector and fails on vectors of
	// different sizes. The materialized CTE filters by size before any
	// distance is computed.
	query := `
		WITH candidates AS MATERIALIZED (
			SELECT id, name, embedding FROM known_identities
			WHERE vector_dims(embedding) = $3
		)
		SELECT id, name FROM candidates
		WHERE embedding <=> $1::vector < $2
		ORDER BY embedding <=> $1::vector ASC LIMIT 1`

	var id int
	var name string
	err := s.conn.QueryRow(ctx, query, vecStr, threshold, len(vec)).Scan(&id, &name)
	if errors.Is(err, pgx.ErrNoRows) {
		return -1, "", nil // No match found
	}
	if err != nil {
		return 0, "", err
	}
	return id, name, nil
}

// CreateIdentity inserts a new unnamed identity and returns its ID.
func (s *Store) CreateIdentity(ctx context.Context, vec []float64, count int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	vecStr := vecToString(vec)
	var id int
	// We use a temporary unique name to avoid collisions before we know the ID
	tempName := fmt.Sprintf("pending-%d", time.Now().UnixNano())

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	// 1. Insert with placeholder
	err = tx.QueryRow(ctx, "INSERT INTO known_identities (name, embedding, face_count) VALUES ($1, $2::vector, $3) RETURNING id", tempName, vecStr, count).Scan(&id)
	if err != nil {
		return 0, err
	}

	// 2. Update name to "Identity <ID>"
	finalName := fmt.Sprintf("Identity %d", id)
	_, err = tx.Exec(ctx, "UPDATE known_identities SET name = $1 WHERE id = $2", finalName, id)
	if err != nil {
		return 0, err
	}

	return id, tx.Commit(ctx)
}

// UpdateIdentity performs a weighted average update on an existing identity's embedding.
func (s *Store) UpdateIdentity(ctx context.Context, id int, newVec []float64, newCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// 1. Fetch current state; FOR UPDATE locks the row against concurrent enrollments
	var oldVecStr string
	var oldCount int
	err = tx.QueryRow(ctx, "SELECT embedding::text, face_count FROM known_identities WHERE id = $1 FOR UPDATE", id).Scan(&oldVecStr, &oldCount)
	if err != nil {
		return err
	}
	oldVec, err := parseVector(oldVecStr)
	if err != nil {
		return err
	}
	if len(oldVec) != len(newVec) {
		return fmt.Errorf("identity %d has %d dimensions, got %d", id, len(oldVec), len(newVec))
	}

	// 2. Weighted Math
	totalCount := float64(oldCount + newCount)
	finalVec := make([]float64, len(oldVec))
	for i := range oldVec {
		finalVec[i] = (oldVec[i]*float64(oldCount) + newVec[i]*float64(newCount)) / totalCount
	}

	_, err = tx.Exec(ctx, "UPDATE known_identities SET embedding = $1::vector, face_count = $2 WHERE id = $3", vecToString(finalVec), int(totalCount), id)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetIdentityVectors fetches the embeddings for the given identity ids.
func (s *Store) GetIdentityVectors(ctx context.Context, ids []int) (map[int][]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, "SELECT id, embedding::text FROM known_identities WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int][]float64, len(ids))
	for rows.Next() {
		var id int
		var text string
		if err := rows.Scan(&id, &text); err != nil {
			return nil, err
		}
		vec, err := parseVector(text)
		if err != nil {
			return nil, err
		}
		out[id] = vec
	}
	return out, rows.Err()
}

// ListIdentities returns every known identity ordered by id.
func (s *Store) ListIdentities(ctx context.Context) ([]Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, "SELECT id, name, face_count, created_at FROM known_identities ORDER BY id")
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Identity, error) {
		var i Identity
		err := row.Scan(&i.ID, &i.Name, &i.Count, &i.CreatedAt)
		return i, err
	})
}

// RenameIdentity updates the name of a known identity.
func (s *Store) RenameIdentity(ctx context.Context, id int, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag, err := s.conn.Exec(ctx, "UPDATE known_identities SET name = $1 WHERE id = $2", newName, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("identity %d not found", id)
	}
	return nil
}

// SessionStarted records a new export run.
func (s *Store) SessionStarted(ctx context.Context, sess *pipeline.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opts := sess.Options
	var videoID *string
	if opts.Input != "" {
		if id, err := utils.GenerateVideoID(opts.Input); err == nil {
			videoID = &id
		}
	}
	_, err := s.conn.Exec(ctx, `
		INSERT INTO redaction_sessions (id, video_id, input_path, start_time, end_time, fps, effect, state, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, sess.ID, videoID, opts.Input, opts.Range.Start.Seconds(), opts.Range.End.Seconds(),
		opts.FPS, opts.Effect.String(), pipeline.StateIdle.String(), sess.Started)
	return err
}

// TrackEnded saves the lifetime of one track.
func (s *Store) TrackEnded(ctx context.Context, sessionID string, t tracker.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		INSERT INTO track_intervals (session_id, track_id, start_time, end_time, hits, excluded)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, sessionID, t.ID, t.Created.Seconds(), t.LastSeen.Seconds(), t.Hits, t.Excluded)
	return err
}

// SessionFinished stores the outcome of an export run.
func (s *Store) SessionFinished(ctx context.Context, sessionID string, state pipeline.State, res pipeline.Result, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errText *string
	if runErr != nil {
		msg := runErr.Error()
		errText = &msg
	}
	_, err := s.conn.Exec(ctx, `
		UPDATE redaction_sessions
		SET state = $2, frames = $3, tracks = $4, output_path = $5, output_bytes = $6, error = $7, finished_at = NOW()
		WHERE id = $1
	`, sessionID, state.String(), res.Frames, res.Tracks, res.Artifact.Path, res.Artifact.Bytes, errText)
	return err
}

// ListSessions returns the most recent export runs first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.conn.Query(ctx, `
		SELECT id, input_path, start_time, end_time, effect, state, frames, tracks,
		       COALESCE(output_path, ''), output_bytes, COALESCE(error, ''), started_at, finished_at
		FROM redaction_sessions ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionRecord, error) {
		var r SessionRecord
		err := row.Scan(&r.ID, &r.InputPath, &r.Start, &r.End, &r.Effect, &r.State, &r.Frames, &r.Tracks,
			&r.OutputPath, &r.Bytes, &r.Error, &r.StartedAt, &r.FinishedAt)
		return r, err
	})
}

// GetSessionIntervals returns the track lifetimes of one session ordered by track id.
func (s *Store) GetSessionIntervals(ctx context.Context, sessionID string) ([]TrackInterval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.conn.Query(ctx, `
		SELECT track_id, start_time, end_time, hits, excluded
		FROM track_intervals WHERE session_id = $1 ORDER BY track_id`, sessionID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (TrackInterval, error) {
		var ti TrackInterval
		err := row.Scan(&ti.TrackID, &ti.Start, &ti.End, &ti.Hits, &ti.Excluded)
		return ti, err
	})
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS track_intervals CASCADE;
		DROP TABLE IF EXISTS redaction_sessions CASCADE;
		DROP TABLE IF EXISTS known_identities CASCADE;
	`)
	return err
}
