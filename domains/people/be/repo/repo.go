// Package repo holds the tenant-database access for people, consent events
// and face profiles. Functions take the pool explicitly because every
// request targets a different tenant database.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound     = errors.New("person not found")
	ErrFaceNotFound = errors.New("face profile not found")
)

// Person is a row in the tenant people table. PhoneEnc is ciphertext;
// decryption happens at the service layer.
type Person struct {
	ID            uuid.UUID
	FullName      string
	ConsentStatus string
	PhoneEnc      *string
	PhoneHash     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// FaceProfile is one indexed face owned by a person.
type FaceProfile struct {
	ID             uuid.UUID
	PersonID       uuid.UUID
	Provider       string
	ProviderFaceID string
	CollectionRef  string
	Status         string
	CreatedAt      time.Time
}

// InsertPerson writes a new person row.
func InsertPerson(ctx context.Context, db *pgxpool.Pool, p Person) error {
	_, err := db.Exec(ctx, `
		INSERT INTO people (id, full_name, consent_status, phone_enc, phone_hash)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.FullName, p.ConsentStatus, p.PhoneEnc, p.PhoneHash,
	)
	if err != nil {
		return fmt.Errorf("insert person: %w", err)
	}
	return nil
}

// GetPerson fetches one person by id.
func GetPerson(ctx context.Context, db *pgxpool.Pool, id uuid.UUID) (Person, error) {
	var p Person
	err := db.QueryRow(ctx, `
		SELECT id, full_name, consent_status, phone_enc, phone_hash, created_at, updated_at
		FROM people WHERE id = $1`, id,
	).Scan(&p.ID, &p.FullName, &p.ConsentStatus, &p.PhoneEnc, &p.PhoneHash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Person{}, ErrNotFound
		}
		return Person{}, fmt.Errorf("get person: %w", err)
	}
	return p, nil
}

// SetConsentStatus transitions consent and records the consent event in one
// transaction. Returns the consent event id.
func SetConsentStatus(ctx context.Context, db *pgxpool.Pool, personID uuid.UUID, status, source string) (uuid.UUID, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin consent tx: %w", err)
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE people SET consent_status = $2, updated_at = now() WHERE id = $1`,
		personID, status,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("update consent status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return uuid.Nil, ErrNotFound
	}

	eventID := uuid.New()
	if _, err := tx.Exec(ctx, `
		INSERT INTO consent_events (id, person_id, status, source)
		VALUES ($1, $2, $3, $4)`, eventID, personID, status, source,
	); err != nil {
		return uuid.Nil, fmt.Errorf("insert consent event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("commit consent tx: %w", err)
	}
	return eventID, nil
}

// InsertFaceProfile records one indexed face.
func InsertFaceProfile(ctx context.Context, db *pgxpool.Pool, f FaceProfile) error {
	_, err := db.Exec(ctx, `
		INSERT INTO face_profiles (id, person_id, provider, provider_face_id, collection_ref, status, consent_event_id)
		VALUES ($1, $2, $3, $4, $5, 'active', NULL)`,
		f.ID, f.PersonID, f.Provider, f.ProviderFaceID, f.CollectionRef,
	)
	if err != nil {
		return fmt.Errorf("insert face profile: %w", err)
	}
	return nil
}

// ActiveFaceProfiles lists a person's active faces.
func ActiveFaceProfiles(ctx context.Context, db *pgxpool.Pool, personID uuid.UUID) ([]FaceProfile, error) {
	rows, err := db.Query(ctx, `
		SELECT id, person_id, provider, provider_face_id, collection_ref, status, created_at
		FROM face_profiles WHERE person_id = $1 AND status = 'active'`, personID)
	if err != nil {
		return nil, fmt.Errorf("list face profiles: %w", err)
	}
	defer rows.Close()

	var out []FaceProfile
	for rows.Next() {
		var f FaceProfile
		if err := rows.Scan(&f.ID, &f.PersonID, &f.Provider, &f.ProviderFaceID, &f.CollectionRef, &f.Status, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan face profile: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkFaceProfilesDeleted soft-deletes all active faces of a person.
func MarkFaceProfilesDeleted(ctx context.Context, db *pgxpool.Pool, personID uuid.UUID) error {
	_, err := db.Exec(ctx, `
		UPDATE face_profiles SET status = 'deleted', deleted_at = now()
		WHERE person_id = $1 AND status = 'active'`, personID)
	if err != nil {
		return fmt.Errorf("mark face profiles deleted: %w", err)
	}
	return nil
}

// PersonByProviderFaceID maps a provider face id back to its consented
// owner. Used on the recognition path, so revoked and deleted profiles never
// match.
func PersonByProviderFaceID(ctx context.Context, db *pgxpool.Pool, provider, faceID string) (Person, error) {
	var p Person
	err := db.QueryRow(ctx, `
		SELECT p.id, p.full_name, p.consent_status, p.phone_enc, p.phone_hash, p.created_at, p.updated_at
		FROM face_profiles f
		JOIN people p ON p.id = f.person_id
		WHERE f.provider = $1 AND f.provider_face_id = $2
		  AND f.status = 'active' AND p.consent_status = 'consented'`,
		provider, faceID,
	).Scan(&p.ID, &p.FullName, &p.ConsentStatus, &p.PhoneEnc, &p.PhoneHash, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Person{}, ErrFaceNotFound
		}
		return Person{}, fmt.Errorf("person by face id: %w", err)
	}
	return p, nil
}
