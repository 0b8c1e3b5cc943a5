// Package service implements outbound messaging: template management,
// idempotent send requests, and the check-in notification triggered by a
// recorded visit. Sends are queued here and delivered by the dispatch
// worker; a MessageLog row transitions queued -> sent|failed exactly once.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	gaterepo "github.com/narthex-io/narthex/domains/gate/be/repo"
	"github.com/narthex-io/narthex/domains/messaging/be/repo"
	peoplerepo "github.com/narthex-io/narthex/domains/people/be/repo"
	peopleservice "github.com/narthex-io/narthex/domains/people/be/service"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/phonecrypto"
	"github.com/narthex-io/narthex/platform/go/queue"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

// DispatchJob is the delivery work item. The worker reloads the MessageLog
// row by id, so the job stays small and the log row is the source of truth.
type DispatchJob struct {
	TenantSlug string    `json:"tenant_slug"`
	MessageID  uuid.UUID `json:"message_id"`
}

// SendInput requests one message. Exactly one of PersonID or ToPhone must
// be set; person sends require consent and use the person's stored phone.
// Exactly one of TemplateName or Body must be set: manual sends carry the
// raw body and no template.
type SendInput struct {
	TemplateName string         `json:"template_name,omitempty"`
	Body         string         `json:"body,omitempty"`
	PersonID     *uuid.UUID     `json:"person_id,omitempty"`
	ToPhone      string         `json:"to_phone,omitempty"`
	Variables    map[string]any `json:"variables,omitempty"`
}

// Message is the API view of a MessageLog row.
type Message struct {
	ID        uuid.UUID  `json:"id"`
	PersonID  *uuid.UUID `json:"person_id,omitempty"`
	Channel   string     `json:"channel"`
	Status    string     `json:"status"`
	Attempts  int        `json:"attempts"`
	ErrorCode *string    `json:"error_code,omitempty"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// Publisher narrows the queue publisher to what sends need.
type Publisher interface {
	Publish(ctx context.Context, queueName string, job any) error
}

type Service struct {
	pools  *persistence.TenantPools
	codec  *phonecrypto.Codec
	pub    Publisher
	logger *zap.Logger
}

func New(pools *persistence.TenantPools, codec *phonecrypto.Codec, pub Publisher, logger *zap.Logger) *Service {
	if pools == nil {
		panic("messaging service requires tenant pools")
	}
	if codec == nil {
		panic("messaging service requires phone codec")
	}
	if pub == nil {
		panic("queue publisher is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Service{pools: pools, codec: codec, pub: pub, logger: logger}
}

// Send queues one message under an Idempotency-Key. A replay with the same
// key and payload returns the originally created message; a replay with a
// different payload conflicts. A failed message is not retried under its
// old key: clients retry with a fresh key, which creates a new row.
func (s *Service) Send(ctx context.Context, space tenant.Space, idempotencyKey string, input SendInput) (Message, error) {
	if idempotencyKey == "" {
		return Message{}, apperr.Validation("idempotency_key_required", "Idempotency-Key header is required")
	}
	if (input.TemplateName == "") == (input.Body == "") {
		return Message{}, apperr.Validation("invalid_content", "exactly one of template_name or body is required")
	}
	if input.Body != "" && len(input.Variables) > 0 {
		return Message{}, apperr.Validation("invalid_content", "variables are only valid with a template")
	}
	if (input.PersonID == nil) == (input.ToPhone == "") {
		return Message{}, apperr.Validation("invalid_recipient", "exactly one of person_id or to_phone is required")
	}

	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return Message{}, fmt.Errorf("tenant pool: %w", err)
	}

	requestHash := hashSendInput(input)
	claim, err := repo.ClaimSend(ctx, db, idempotencyKey, requestHash)
	if err != nil {
		return Message{}, err
	}
	if !claim.Won {
		if claim.RequestHash != requestHash {
			return Message{}, apperr.Conflict("idempotency_key_conflict", "idempotency key was already used with a different payload")
		}
		if claim.ResponseRef == nil {
			return Message{}, apperr.Conflict("send_in_progress", "a send with this key is still being created")
		}
		id, err := uuid.Parse(*claim.ResponseRef)
		if err != nil {
			return Message{}, fmt.Errorf("corrupt send key binding: %w", err)
		}
		existing, err := repo.GetMessageLog(ctx, db, id)
		if err != nil {
			return Message{}, err
		}
		return toMessage(existing), nil
	}

	// Manual sends have no template row; the body ships as given.
	var template repo.Template
	var templateID *uuid.UUID
	channel := "sms"
	if input.TemplateName != "" {
		template, err = repo.TemplateByName(ctx, db, input.TemplateName)
		if errors.Is(err, repo.ErrNotFound) {
			return Message{}, apperr.NotFound("template_not_found", "template not found")
		}
		if err != nil {
			return Message{}, err
		}
		templateID = &template.ID
		channel = template.Channel
	}

	toPhone := input.ToPhone
	var personID *uuid.UUID
	if input.PersonID != nil {
		person, err := peoplerepo.GetPerson(ctx, db, *input.PersonID)
		if errors.Is(err, peoplerepo.ErrNotFound) {
			return Message{}, apperr.NotFound("person_not_found", "person not found")
		}
		if err != nil {
			return Message{}, err
		}
		if person.ConsentStatus != peopleservice.ConsentConsented {
			return Message{}, apperr.Consent("messaging requires consent_status=consented")
		}
		if person.PhoneEnc == nil {
			return Message{}, apperr.Validation("person_has_no_phone", "person has no phone number on file")
		}
		toPhone, err = s.codec.Decrypt(*person.PhoneEnc)
		if err != nil {
			return Message{}, fmt.Errorf("decrypt recipient phone: %w", err)
		}
		personID = input.PersonID
	}

	body := input.Body
	if input.TemplateName != "" {
		body, err = render(template, input.Variables)
		if err != nil {
			return Message{}, err
		}
	}

	msg, err := s.enqueue(ctx, space, db, enqueueInput{
		personID:   personID,
		templateID: templateID,
		channel:    channel,
		toPhone:    toPhone,
		body:       body,
	})
	if err != nil {
		return Message{}, err
	}
	if err := repo.BindSend(ctx, db, idempotencyKey, msg.ID); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// GetMessage returns one delivery record.
func (s *Service) GetMessage(ctx context.Context, space tenant.Space, id uuid.UUID) (Message, error) {
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return Message{}, fmt.Errorf("tenant pool: %w", err)
	}
	m, err := repo.GetMessageLog(ctx, db, id)
	if errors.Is(err, repo.ErrNotFound) {
		return Message{}, apperr.NotFound("message_not_found", "message not found")
	}
	if err != nil {
		return Message{}, err
	}
	return toMessage(m), nil
}

// VisitRecorded queues the configured check-in notification for a recorded
// visit. Tenants without the messaging.checkin_template config key send
// nothing; a consented person without a phone is skipped silently.
func (s *Service) VisitRecorded(ctx context.Context, space tenant.Space, personID, gateID uuid.UUID, at time.Time) error {
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return fmt.Errorf("tenant pool: %w", err)
	}

	templateName, err := gaterepo.ConfigString(ctx, db, "messaging.checkin_template", "")
	if err != nil {
		return err
	}
	if templateName == "" {
		return nil
	}
	template, err := repo.TemplateByName(ctx, db, templateName)
	if errors.Is(err, repo.ErrNotFound) {
		s.logger.Warn("configured check-in template does not exist",
			zap.String("tenant", space.Slug), zap.String("template", templateName))
		return nil
	}
	if err != nil {
		return err
	}

	person, err := peoplerepo.GetPerson(ctx, db, personID)
	if err != nil {
		return err
	}
	if person.ConsentStatus != peopleservice.ConsentConsented || person.PhoneEnc == nil {
		return nil
	}
	toPhone, err := s.codec.Decrypt(*person.PhoneEnc)
	if err != nil {
		return fmt.Errorf("decrypt recipient phone: %w", err)
	}

	gate, err := gaterepo.GetGate(ctx, db, gateID)
	if err != nil && !errors.Is(err, gaterepo.ErrNotFound) {
		return err
	}
	body, err := render(template, map[string]any{
		"name": person.FullName,
		"gate": gate.Name,
		"time": at.Format("15:04"),
	})
	if err != nil {
		// A template demanding variables the trigger cannot supply is a
		// tenant configuration problem, not a pipeline failure.
		s.logger.Warn("check-in template render failed",
			zap.String("tenant", space.Slug), zap.Error(err))
		return nil
	}

	_, err = s.enqueue(ctx, space, db, enqueueInput{
		personID:   &personID,
		templateID: &template.ID,
		channel:    template.Channel,
		toPhone:    toPhone,
		body:       body,
	})
	return err
}

type enqueueInput struct {
	personID   *uuid.UUID
	templateID *uuid.UUID
	channel    string
	toPhone    string
	body       string
}

func (s *Service) enqueue(ctx context.Context, space tenant.Space, db *pgxpool.Pool, in enqueueInput) (Message, error) {
	phoneEnc, err := s.codec.Encrypt(in.toPhone)
	if err != nil {
		return Message{}, apperr.Validation("invalid_phone", err.Error())
	}
	phoneHash, err := s.codec.Hash(in.toPhone)
	if err != nil {
		return Message{}, apperr.Validation("invalid_phone", err.Error())
	}

	m := repo.MessageLog{
		ID:          uuid.New(),
		PersonID:    in.personID,
		TemplateID:  in.templateID,
		Channel:     in.channel,
		ToPhoneEnc:  phoneEnc,
		ToPhoneHash: phoneHash,
		Body:        in.body,
		Status:      "queued",
	}
	if err := repo.InsertMessageLog(ctx, db, m); err != nil {
		return Message{}, err
	}
	job := DispatchJob{TenantSlug: space.Slug, MessageID: m.ID}
	if err := s.pub.Publish(ctx, queue.MessageQueue, job); err != nil {
		return Message{}, fmt.Errorf("enqueue dispatch job: %w", err)
	}

	s.logger.Debug("message queued",
		zap.String("tenant", space.Slug),
		zap.String("message_id", m.ID.String()))
	return toMessage(m), nil
}

func hashSendInput(input SendInput) string {
	keys := make([]string, 0, len(input.Variables))
	for k := range input.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	enc := json.NewEncoder(h)
	_ = enc.Encode(input.TemplateName)
	_ = enc.Encode(input.Body)
	_ = enc.Encode(input.PersonID)
	_ = enc.Encode(input.ToPhone)
	for _, k := range keys {
		_ = enc.Encode(k)
		_ = enc.Encode(input.Variables[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func toMessage(m repo.MessageLog) Message {
	return Message{
		ID:        m.ID,
		PersonID:  m.PersonID,
		Channel:   m.Channel,
		Status:    m.Status,
		Attempts:  m.Attempts,
		ErrorCode: m.ErrorCode,
		SentAt:    m.SentAt,
		CreatedAt: m.CreatedAt,
	}
}
