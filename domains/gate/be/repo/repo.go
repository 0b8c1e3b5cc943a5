// Package repo holds the tenant-database access for gates, recognition
// results and visit events. Functions take the pool explicitly because the
// target database differs per tenant.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound      = errors.New("gate: not found")
	ErrBootstrapUsed = errors.New("gate: bootstrap token already used")
)

// Gate is one physical entrance device registration.
type Gate struct {
	ID              uuid.UUID
	Name            string
	Location        string
	Status          string
	BootstrapUsedAt *time.Time
	CreatedAt       time.Time
}

// RecognitionResult is the per-frame audit row. One row is written for every
// processed frame, matched or not.
type RecognitionResult struct {
	ID              uuid.UUID
	FrameID         uuid.UUID
	GateID          uuid.UUID
	PersonID        *uuid.UUID
	Decision        string
	BestConfidence  *float64
	BestFaceID      *string
	RejectionReason *string
	LatencyMS       int
	Deduplicated    bool
}

// VisitEvent is one deduplicated attendance fact.
type VisitEvent struct {
	ID         uuid.UUID
	FrameID    uuid.UUID
	GateID     uuid.UUID
	PersonID   *uuid.UUID
	CapturedAt time.Time
}

// FrameClaim is the outcome of claiming a frame id in the tenant-scoped
// idempotency table.
type FrameClaim struct {
	Won         bool
	RequestHash string
	Status      string
}

func InsertGate(ctx context.Context, db *pgxpool.Pool, g Gate, bootstrapHash string) error {
	_, err := db.Exec(ctx, `
		INSERT INTO gates (id, name, location, status, bootstrap_token_hash)
		VALUES ($1, $2, $3, $4, $5)`,
		g.ID, g.Name, g.Location, g.Status, bootstrapHash)
	if err != nil {
		return fmt.Errorf("insert gate: %w", err)
	}
	return nil
}

func GetGate(ctx context.Context, db *pgxpool.Pool, id uuid.UUID) (Gate, error) {
	row := db.QueryRow(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(location, ''), status, bootstrap_used_at, created_at
		FROM gates WHERE id = $1`, id)
	return scanGate(row)
}

func ListGates(ctx context.Context, db *pgxpool.Pool) ([]Gate, error) {
	rows, err := db.Query(ctx, `
		SELECT id, COALESCE(name, ''), COALESCE(location, ''), status, bootstrap_used_at, created_at
		FROM gates ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list gates: %w", err)
	}
	defer rows.Close()

	var gates []Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, err
		}
		gates = append(gates, g)
	}
	return gates, rows.Err()
}

// ConsumeBootstrapToken resolves a bootstrap token hash to its gate and marks
// it used in the same statement. A hash that matches an already-used token
// returns ErrBootstrapUsed so the caller can answer with a conflict.
func ConsumeBootstrapToken(ctx context.Context, db *pgxpool.Pool, tokenHash string) (Gate, error) {
	row := db.QueryRow(ctx, `
		UPDATE gates
		SET bootstrap_used_at = now()
		WHERE bootstrap_token_hash = $1 AND bootstrap_used_at IS NULL
		RETURNING id, COALESCE(name, ''), COALESCE(location, ''), status, bootstrap_used_at, created_at`,
		tokenHash)
	g, err := scanGate(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish unknown token from replayed token.
		var exists bool
		if checkErr := db.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM gates WHERE bootstrap_token_hash = $1)`,
			tokenHash).Scan(&exists); checkErr != nil {
			return Gate{}, fmt.Errorf("check bootstrap token: %w", checkErr)
		}
		if exists {
			return Gate{}, ErrBootstrapUsed
		}
		return Gate{}, ErrNotFound
	}
	return g, err
}

// ClaimFrame claims (gate_frame, frameID) in the tenant idempotency table.
// The losing claimant gets the winner's stored hash and status back.
func ClaimFrame(ctx context.Context, db *pgxpool.Pool, frameID uuid.UUID, requestHash string) (FrameClaim, error) {
	_, err := db.Exec(ctx, `
		INSERT INTO idempotency_keys (scope, key, request_hash, status)
		VALUES ('gate_frame', $1, $2, 'accepted')`,
		frameID.String(), requestHash)
	if err == nil {
		return FrameClaim{Won: true, RequestHash: requestHash, Status: "accepted"}, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return FrameClaim{}, fmt.Errorf("claim frame key: %w", err)
	}

	var claim FrameClaim
	row := db.QueryRow(ctx, `
		SELECT request_hash, status FROM idempotency_keys
		WHERE scope = 'gate_frame' AND key = $1`, frameID.String())
	if err := row.Scan(&claim.RequestHash, &claim.Status); err != nil {
		return FrameClaim{}, fmt.Errorf("read frame key: %w", err)
	}
	return claim, nil
}

func InsertRecognitionResult(ctx context.Context, db *pgxpool.Pool, r RecognitionResult) error {
	_, err := db.Exec(ctx, `
		INSERT INTO recognition_results
			(id, frame_id, gate_id, person_id, decision, best_confidence,
			 best_face_id, rejection_reason, latency_ms, deduplicated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (frame_id) DO NOTHING`,
		r.ID, r.FrameID, r.GateID, r.PersonID, r.Decision, r.BestConfidence,
		r.BestFaceID, r.RejectionReason, r.LatencyMS, r.Deduplicated)
	if err != nil {
		return fmt.Errorf("insert recognition result: %w", err)
	}
	return nil
}

func RecognitionResultByFrame(ctx context.Context, db *pgxpool.Pool, frameID uuid.UUID) (RecognitionResult, error) {
	var r RecognitionResult
	row := db.QueryRow(ctx, `
		SELECT id, frame_id, gate_id, person_id, decision, best_confidence,
		       best_face_id, rejection_reason, latency_ms, deduplicated
		FROM recognition_results WHERE frame_id = $1`, frameID)
	err := row.Scan(&r.ID, &r.FrameID, &r.GateID, &r.PersonID, &r.Decision,
		&r.BestConfidence, &r.BestFaceID, &r.RejectionReason, &r.LatencyMS, &r.Deduplicated)
	if errors.Is(err, pgx.ErrNoRows) {
		return RecognitionResult{}, ErrNotFound
	}
	if err != nil {
		return RecognitionResult{}, fmt.Errorf("get recognition result: %w", err)
	}
	return r, nil
}

func InsertVisitEvent(ctx context.Context, db *pgxpool.Pool, v VisitEvent) error {
	_, err := db.Exec(ctx, `
		INSERT INTO visit_events (id, frame_id, gate_id, person_id, captured_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (frame_id) DO NOTHING`,
		v.ID, v.FrameID, v.GateID, v.PersonID, v.CapturedAt)
	if err != nil {
		return fmt.Errorf("insert visit event: %w", err)
	}
	return nil
}

// VisitsBetween lists attendance facts for reporting, newest first.
func VisitsBetween(ctx context.Context, db *pgxpool.Pool, from, to time.Time, limit int) ([]VisitEvent, error) {
	rows, err := db.Query(ctx, `
		SELECT id, frame_id, gate_id, person_id, captured_at
		FROM visit_events
		WHERE captured_at >= $1 AND captured_at < $2
		ORDER BY captured_at DESC
		LIMIT $3`, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list visits: %w", err)
	}
	defer rows.Close()

	var visits []VisitEvent
	for rows.Next() {
		var v VisitEvent
		if err := rows.Scan(&v.ID, &v.FrameID, &v.GateID, &v.PersonID, &v.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan visit: %w", err)
		}
		visits = append(visits, v)
	}
	return visits, rows.Err()
}

// ConfigFloat reads a numeric tenant_config value, returning def when unset.
func ConfigFloat(ctx context.Context, db *pgxpool.Pool, key string, def float64) (float64, error) {
	raw, err := configValue(ctx, db, key)
	if err != nil || raw == nil {
		return def, err
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return def, fmt.Errorf("config %s: %w", key, err)
	}
	return v, nil
}

// ConfigInt reads an integer tenant_config value, returning def when unset.
func ConfigInt(ctx context.Context, db *pgxpool.Pool, key string, def int) (int, error) {
	v, err := ConfigFloat(ctx, db, key, float64(def))
	return int(v), err
}

// ConfigString reads a string tenant_config value, returning def when unset.
func ConfigString(ctx context.Context, db *pgxpool.Pool, key string, def string) (string, error) {
	raw, err := configValue(ctx, db, key)
	if err != nil || raw == nil {
		return def, err
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return def, fmt.Errorf("config %s: %w", key, err)
	}
	return v, nil
}

func configValue(ctx context.Context, db *pgxpool.Pool, key string) ([]byte, error) {
	var raw []byte
	err := db.QueryRow(ctx, `SELECT value_json FROM tenant_config WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", key, err)
	}
	return raw, nil
}

func scanGate(row pgx.Row) (Gate, error) {
	var g Gate
	err := row.Scan(&g.ID, &g.Name, &g.Location, &g.Status, &g.BootstrapUsedAt, &g.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Gate{}, ErrNotFound
	}
	if err != nil {
		return Gate{}, fmt.Errorf("scan gate: %w", err)
	}
	return g, nil
}
