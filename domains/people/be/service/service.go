// Package service implements the person, consent and face profile
// lifecycle. Consent is the hard gate: no face is ever indexed for a
// non-consented person, and revocation purges the person's faces at the
// provider before the call returns.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/people/be/repo"
	"github.com/narthex-io/narthex/domains/recognition/be/provider"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/phonecrypto"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

// Consent states.
const (
	ConsentUnknown   = "unknown"
	ConsentConsented = "consented"
	ConsentRevoked   = "revoked"
)

// Person is the decrypted domain view of a person row.
type Person struct {
	ID            uuid.UUID `json:"id"`
	FullName      string    `json:"full_name"`
	ConsentStatus string    `json:"consent_status"`
	Phone         *string   `json:"phone,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// FaceProfile is the API view of one enrolled face.
type FaceProfile struct {
	ID             uuid.UUID `json:"id"`
	PersonID       uuid.UUID `json:"person_id"`
	ProviderFaceID string    `json:"provider_face_id"`
	Status         string    `json:"status"`
}

// CreateInput is a new-person request.
type CreateInput struct {
	FullName string `json:"full_name"`
	Phone    string `json:"phone,omitempty"`
}

// Service owns the people lifecycle against per-tenant databases.
type Service struct {
	pools        *persistence.TenantPools
	codec        *phonecrypto.Codec
	faces        provider.Provider
	providerName string
	logger       *zap.Logger
}

// New constructs the service. providerName tags face_profiles rows so a
// future provider migration can tell old faces apart.
func New(pools *persistence.TenantPools, codec *phonecrypto.Codec, faces provider.Provider, providerName string, logger *zap.Logger) *Service {
	if pools == nil {
		panic("people service requires tenant pools")
	}
	if codec == nil {
		panic("people service requires phone codec")
	}
	if faces == nil {
		panic("people service requires recognition provider")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Service{pools: pools, codec: codec, faces: faces, providerName: providerName, logger: logger}
}

// Create registers a person with consent_status=unknown. The phone, if
// given, is stored encrypted with an HMAC hash column for lookups.
func (s *Service) Create(ctx context.Context, space tenant.Space, input CreateInput) (Person, error) {
	if input.FullName == "" {
		return Person{}, apperr.Validation("missing_field", "full_name is required")
	}

	p := repo.Person{
		ID:            uuid.New(),
		FullName:      input.FullName,
		ConsentStatus: ConsentUnknown,
	}
	if input.Phone != "" {
		enc, err := s.codec.Encrypt(input.Phone)
		if err != nil {
			return Person{}, apperr.Validation("invalid_phone", err.Error())
		}
		hash, err := s.codec.Hash(input.Phone)
		if err != nil {
			return Person{}, apperr.Validation("invalid_phone", err.Error())
		}
		p.PhoneEnc = &enc
		p.PhoneHash = &hash
	}

	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return Person{}, err
	}
	if err := repo.InsertPerson(ctx, db, p); err != nil {
		return Person{}, err
	}
	return s.toPerson(p), nil
}

// Get returns a person with the phone decrypted.
func (s *Service) Get(ctx context.Context, space tenant.Space, id uuid.UUID) (Person, error) {
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return Person{}, err
	}
	p, err := repo.GetPerson(ctx, db, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Person{}, apperr.NotFound("person_not_found", "person not found")
		}
		return Person{}, err
	}
	return s.toPerson(p), nil
}

// SetConsent transitions consent status and appends a ConsentEvent.
// Revocation deletes the person's faces at the provider and soft-deletes
// the FaceProfile rows before the transition is recorded; a provider
// failure aborts the revocation so the guarantee "no matchable faces after
// the call returns" holds.
func (s *Service) SetConsent(ctx context.Context, space tenant.Space, personID uuid.UUID, status, source string) (Person, error) {
	switch status {
	case ConsentUnknown, ConsentConsented, ConsentRevoked:
	default:
		return Person{}, apperr.Validation("invalid_consent_status", "status must be unknown, consented or revoked")
	}
	if source == "" {
		source = "manual"
	}

	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return Person{}, err
	}
	p, err := repo.GetPerson(ctx, db, personID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Person{}, apperr.NotFound("person_not_found", "person not found")
		}
		return Person{}, err
	}

	if status == ConsentRevoked {
		if err := s.purgeFaces(ctx, space, db, personID); err != nil {
			return Person{}, err
		}
	}

	if _, err := repo.SetConsentStatus(ctx, db, personID, status, source); err != nil {
		return Person{}, err
	}
	p.ConsentStatus = status
	return s.toPerson(p), nil
}

func (s *Service) purgeFaces(ctx context.Context, space tenant.Space, db *pgxpool.Pool, personID uuid.UUID) error {
	profiles, err := repo.ActiveFaceProfiles(ctx, db, personID)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return nil
	}

	faceIDs := make([]string, 0, len(profiles))
	for _, f := range profiles {
		faceIDs = append(faceIDs, f.ProviderFaceID)
	}
	if err := s.faces.DeleteFaces(ctx, space.TenantID.String(), faceIDs); err != nil {
		return providerError("revoke faces", err)
	}
	if err := repo.MarkFaceProfilesDeleted(ctx, db, personID); err != nil {
		return err
	}
	s.logger.Info("purged face profiles on consent revocation",
		zap.String("tenant", space.Slug),
		zap.String("person_id", personID.String()),
		zap.Int("faces", len(faceIDs)))
	return nil
}

// EnrollFace indexes a face image for a consented person. A non-consented
// person is a hard reject with no FaceProfile row created.
func (s *Service) EnrollFace(ctx context.Context, space tenant.Space, personID uuid.UUID, image []byte) ([]FaceProfile, error) {
	if len(image) == 0 {
		return nil, apperr.Validation("missing_image", "image is required")
	}

	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return nil, err
	}
	p, err := repo.GetPerson(ctx, db, personID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, apperr.NotFound("person_not_found", "person not found")
		}
		return nil, err
	}
	if p.ConsentStatus != ConsentConsented {
		return nil, apperr.Consent("face enrollment requires consent_status=consented")
	}

	faces, err := s.faces.IndexFaces(ctx, space.TenantID.String(), personID.String(), image)
	if err != nil {
		return nil, providerError("enroll face", err)
	}

	out := make([]FaceProfile, 0, len(faces))
	for _, f := range faces {
		profile := repo.FaceProfile{
			ID:             uuid.New(),
			PersonID:       personID,
			Provider:       s.providerName,
			ProviderFaceID: f.FaceID,
			CollectionRef:  space.TenantID.String(),
		}
		if err := repo.InsertFaceProfile(ctx, db, profile); err != nil {
			return nil, err
		}
		out = append(out, FaceProfile{
			ID:             profile.ID,
			PersonID:       personID,
			ProviderFaceID: f.FaceID,
			Status:         "active",
		})
	}
	return out, nil
}

func (s *Service) toPerson(p repo.Person) Person {
	out := Person{
		ID:            p.ID,
		FullName:      p.FullName,
		ConsentStatus: p.ConsentStatus,
		CreatedAt:     p.CreatedAt,
	}
	if p.PhoneEnc != nil {
		if phone, err := s.codec.Decrypt(*p.PhoneEnc); err == nil {
			out.Phone = &phone
		} else {
			s.logger.Warn("phone decryption failed", zap.String("person_id", p.ID.String()), zap.Error(err))
		}
	}
	return out
}

// providerError maps recognition provider failures onto the error taxonomy:
// misconfiguration is distinguished from a transient outage.
func providerError(op string, err error) error {
	switch {
	case errors.Is(err, provider.ErrNotConfigured):
		return apperr.ProviderUnavailable("rekognition_not_configured", "recognition provider is not configured", err)
	case errors.Is(err, provider.ErrNoFace):
		return apperr.Validation("no_face", "no face detected in image")
	case errors.Is(err, provider.ErrUnavailable):
		return apperr.ProviderUnavailable("recognition_unavailable", "recognition provider is unavailable", err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
