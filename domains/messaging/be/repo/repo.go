// Package repo holds tenant-database access for message templates and the
// delivery log.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound     = errors.New("messaging: not found")
	ErrNameConflict = errors.New("messaging: template name already exists")
)

// Template is a reusable message body with {placeholder} variables. Schema
// holds an optional JSON Schema the send-time variables must satisfy.
type Template struct {
	ID        uuid.UUID
	Name      string
	Channel   string
	Body      string
	Schema    []byte
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// MessageLog is one delivery attempt record. A retried send creates a new
// row; attempts counts gateway calls for this row only.
type MessageLog struct {
	ID                uuid.UUID
	PersonID          *uuid.UUID
	TemplateID        *uuid.UUID
	Channel           string
	ToPhoneEnc        string
	ToPhoneHash       string
	Body              string
	Status            string
	Attempts          int
	ProviderMessageID *string
	ErrorCode         *string
	SentAt            *time.Time
	CreatedAt         time.Time
}

// SendClaim is the outcome of claiming an Idempotency-Key for a send.
type SendClaim struct {
	Won         bool
	RequestHash string
	ResponseRef *string
	Status      string
}

func InsertTemplate(ctx context.Context, db *pgxpool.Pool, t Template) error {
	_, err := db.Exec(ctx, `
		INSERT INTO message_templates (id, name, channel, body, variables, active)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Name, t.Channel, t.Body, t.Schema, t.Active)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrNameConflict
		}
		return fmt.Errorf("insert template: %w", err)
	}
	return nil
}

func GetTemplate(ctx context.Context, db *pgxpool.Pool, id uuid.UUID) (Template, error) {
	row := db.QueryRow(ctx, `
		SELECT id, name, channel, body, variables, active, created_at, updated_at
		FROM message_templates WHERE id = $1`, id)
	return scanTemplate(row)
}

func TemplateByName(ctx context.Context, db *pgxpool.Pool, name string) (Template, error) {
	row := db.QueryRow(ctx, `
		SELECT id, name, channel, body, variables, active, created_at, updated_at
		FROM message_templates WHERE name = $1 AND active`, name)
	return scanTemplate(row)
}

func ListTemplates(ctx context.Context, db *pgxpool.Pool) ([]Template, error) {
	rows, err := db.Query(ctx, `
		SELECT id, name, channel, body, variables, active, created_at, updated_at
		FROM message_templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

// ClaimSend claims (message_send, key) in the tenant idempotency table. A
// losing claim returns the winner's stored hash and message reference.
func ClaimSend(ctx context.Context, db *pgxpool.Pool, key, requestHash string) (SendClaim, error) {
	_, err := db.Exec(ctx, `
		INSERT INTO idempotency_keys (scope, key, request_hash, status)
		VALUES ('message_send', $1, $2, 'accepted')`,
		key, requestHash)
	if err == nil {
		return SendClaim{Won: true, RequestHash: requestHash, Status: "accepted"}, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return SendClaim{}, fmt.Errorf("claim send key: %w", err)
	}

	var claim SendClaim
	row := db.QueryRow(ctx, `
		SELECT request_hash, response_ref, status FROM idempotency_keys
		WHERE scope = 'message_send' AND key = $1`, key)
	if err := row.Scan(&claim.RequestHash, &claim.ResponseRef, &claim.Status); err != nil {
		return SendClaim{}, fmt.Errorf("read send key: %w", err)
	}
	return claim, nil
}

// BindSend records the message id created under an idempotency key so a
// replay can return the same message.
func BindSend(ctx context.Context, db *pgxpool.Pool, key string, messageID uuid.UUID) error {
	_, err := db.Exec(ctx, `
		UPDATE idempotency_keys SET response_ref = $2
		WHERE scope = 'message_send' AND key = $1`,
		key, messageID.String())
	if err != nil {
		return fmt.Errorf("bind send key: %w", err)
	}
	return nil
}

func InsertMessageLog(ctx context.Context, db *pgxpool.Pool, m MessageLog) error {
	_, err := db.Exec(ctx, `
		INSERT INTO message_logs
			(id, person_id, template_id, channel, to_phone_enc, to_phone_hash, body, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.PersonID, m.TemplateID, m.Channel, m.ToPhoneEnc, m.ToPhoneHash, m.Body, m.Status)
	if err != nil {
		return fmt.Errorf("insert message log: %w", err)
	}
	return nil
}

func GetMessageLog(ctx context.Context, db *pgxpool.Pool, id uuid.UUID) (MessageLog, error) {
	var m MessageLog
	row := db.QueryRow(ctx, `
		SELECT id, person_id, template_id, channel, COALESCE(to_phone_enc, ''),
		       COALESCE(to_phone_hash, ''), COALESCE(body, ''), status, attempts,
		       provider_message_id, error_code, sent_at, created_at
		FROM message_logs WHERE id = $1`, id)
	err := row.Scan(&m.ID, &m.PersonID, &m.TemplateID, &m.Channel, &m.ToPhoneEnc,
		&m.ToPhoneHash, &m.Body, &m.Status, &m.Attempts,
		&m.ProviderMessageID, &m.ErrorCode, &m.SentAt, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return MessageLog{}, ErrNotFound
	}
	if err != nil {
		return MessageLog{}, fmt.Errorf("get message log: %w", err)
	}
	return m, nil
}

// MarkSent transitions a queued message to sent. The status guard makes the
// transition exactly-once under redelivery.
func MarkSent(ctx context.Context, db *pgxpool.Pool, id uuid.UUID, attempts int, providerMessageID string) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE message_logs
		SET status = 'sent', attempts = $2, provider_message_id = $3, sent_at = now()
		WHERE id = $1 AND status = 'queued'`,
		id, attempts, providerMessageID)
	if err != nil {
		return false, fmt.Errorf("mark message sent: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkFailed transitions a queued message to failed.
func MarkFailed(ctx context.Context, db *pgxpool.Pool, id uuid.UUID, attempts int, errorCode string) (bool, error) {
	tag, err := db.Exec(ctx, `
		UPDATE message_logs
		SET status = 'failed', attempts = $2, error_code = $3
		WHERE id = $1 AND status = 'queued'`,
		id, attempts, errorCode)
	if err != nil {
		return false, fmt.Errorf("mark message failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MessagesForPerson lists the delivery log for one person, newest first.
func MessagesForPerson(ctx context.Context, db *pgxpool.Pool, personID uuid.UUID, limit int) ([]MessageLog, error) {
	rows, err := db.Query(ctx, `
		SELECT id, person_id, template_id, channel, COALESCE(to_phone_enc, ''),
		       COALESCE(to_phone_hash, ''), COALESCE(body, ''), status, attempts,
		       provider_message_id, error_code, sent_at, created_at
		FROM message_logs WHERE person_id = $1
		ORDER BY created_at DESC LIMIT $2`, personID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []MessageLog
	for rows.Next() {
		var m MessageLog
		if err := rows.Scan(&m.ID, &m.PersonID, &m.TemplateID, &m.Channel, &m.ToPhoneEnc,
			&m.ToPhoneHash, &m.Body, &m.Status, &m.Attempts,
			&m.ProviderMessageID, &m.ErrorCode, &m.SentAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanTemplate(row pgx.Row) (Template, error) {
	var t Template
	err := row.Scan(&t.ID, &t.Name, &t.Channel, &t.Body, &t.Schema, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Template{}, ErrNotFound
	}
	if err != nil {
		return Template{}, fmt.Errorf("scan template: %w", err)
	}
	return t, nil
}
