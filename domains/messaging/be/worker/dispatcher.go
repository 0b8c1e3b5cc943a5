// Package worker delivers queued messages through the SMS gateway. Each
// dispatch job owns one MessageLog row; the row's queued -> sent|failed
// transition is guarded in SQL so redelivered jobs cannot double-send.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/messaging/be/provider"
	"github.com/narthex-io/narthex/domains/messaging/be/repo"
	"github.com/narthex-io/narthex/domains/messaging/be/service"
	"github.com/narthex-io/narthex/platform/go/metrics"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/phonecrypto"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

const (
	defaultMaxAttempts = 5
	initialBackoff     = 500 * time.Millisecond
	maxBackoff         = 10 * time.Second
)

// Resolver maps a tenant slug to its connection space.
type Resolver interface {
	Resolve(ctx context.Context, slug string) (tenant.Space, error)
}

type Dispatcher struct {
	resolver    Resolver
	pools       *persistence.TenantPools
	codec       *phonecrypto.Codec
	sender      provider.Sender
	maxAttempts int
	logger      *zap.Logger
}

func NewDispatcher(resolver Resolver, pools *persistence.TenantPools, codec *phonecrypto.Codec, sender provider.Sender, maxAttempts int, logger *zap.Logger) *Dispatcher {
	if resolver == nil {
		panic("resolver is required")
	}
	if pools == nil {
		panic("tenant pools are required")
	}
	if codec == nil {
		panic("phone codec is required")
	}
	if sender == nil {
		panic("sms sender is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Dispatcher{
		resolver:    resolver,
		pools:       pools,
		codec:       codec,
		sender:      sender,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Handle is the queue handler for one dispatch job. Transient gateway
// failures are retried with backoff up to the attempt budget; permanent
// ones fail the message after exactly one gateway call.
func (d *Dispatcher) Handle(ctx context.Context, body []byte) error {
	var job service.DispatchJob
	if err := json.Unmarshal(body, &job); err != nil {
		d.logger.Error("dropping malformed dispatch job", zap.Error(err))
		return nil
	}

	space, err := d.resolver.Resolve(ctx, job.TenantSlug)
	if err != nil {
		return fmt.Errorf("resolve tenant %s: %w", job.TenantSlug, err)
	}
	db, err := d.pools.Get(ctx, space.Conn)
	if err != nil {
		return fmt.Errorf("tenant pool: %w", err)
	}

	msg, err := repo.GetMessageLog(ctx, db, job.MessageID)
	if errors.Is(err, repo.ErrNotFound) {
		d.logger.Warn("dispatch job for unknown message",
			zap.String("tenant", space.Slug),
			zap.String("message_id", job.MessageID.String()))
		return nil
	}
	if err != nil {
		return err
	}
	if msg.Status != "queued" {
		// Redelivered after the transition already happened.
		return nil
	}

	toPhone, err := d.codec.Decrypt(msg.ToPhoneEnc)
	if err != nil {
		_, markErr := repo.MarkFailed(ctx, db, msg.ID, 0, "phone_undecryptable")
		if markErr != nil {
			return markErr
		}
		metrics.MessageSends.WithLabelValues(space.Slug, "failed", "phone_undecryptable").Inc()
		return nil
	}

	attempts := 0
	backoff := initialBackoff
	for {
		attempts++
		providerID, err := d.sender.Send(ctx, toPhone, msg.Body)
		if err == nil {
			if _, err := repo.MarkSent(ctx, db, msg.ID, attempts, providerID); err != nil {
				return err
			}
			metrics.MessageSends.WithLabelValues(space.Slug, "sent", "").Inc()
			d.logger.Info("message sent",
				zap.String("tenant", space.Slug),
				zap.String("message_id", msg.ID.String()),
				zap.Int("attempts", attempts))
			return nil
		}

		if errors.Is(err, provider.ErrNotConfigured) {
			return d.fail(ctx, db, space, msg.ID, attempts, "messaging_not_configured", err)
		}
		if provider.IsPermanent(err) {
			return d.fail(ctx, db, space, msg.ID, attempts, errorCode(err), err)
		}
		if attempts >= d.maxAttempts {
			return d.fail(ctx, db, space, msg.ID, attempts, errorCode(err), err)
		}

		metrics.MessageRetries.WithLabelValues(space.Slug).Inc()
		d.logger.Warn("transient send failure, retrying",
			zap.String("tenant", space.Slug),
			zap.String("message_id", msg.ID.String()),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

func (d *Dispatcher) fail(ctx context.Context, db *pgxpool.Pool, space tenant.Space, msgID uuid.UUID, attempts int, code string, cause error) error {
	if _, err := repo.MarkFailed(ctx, db, msgID, attempts, code); err != nil {
		return err
	}
	metrics.MessageSends.WithLabelValues(space.Slug, "failed", code).Inc()
	d.logger.Warn("message failed",
		zap.String("tenant", space.Slug),
		zap.String("message_id", msgID.String()),
		zap.Int("attempts", attempts),
		zap.String("error_code", code),
		zap.Error(cause))
	return nil
}

// errorCode extracts the gateway's failure code for the log row.
func errorCode(err error) string {
	var se *provider.SendError
	if errors.As(err, &se) && se.Code != "" {
		return se.Code
	}
	return "send_failed"
}
