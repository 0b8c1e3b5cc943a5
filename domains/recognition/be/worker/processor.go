// Package worker processes recognition jobs from the gate ingestion queue:
// search the tenant's face collection, apply the match threshold, suppress
// repeats inside the dedupe window, and record the attendance fact.
package worker

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	gaterepo "github.com/narthex-io/narthex/domains/gate/be/repo"
	gateservice "github.com/narthex-io/narthex/domains/gate/be/service"
	peoplerepo "github.com/narthex-io/narthex/domains/people/be/repo"
	"github.com/narthex-io/narthex/domains/realtime/be/hub"
	"github.com/narthex-io/narthex/domains/recognition/be/provider"
	"github.com/narthex-io/narthex/platform/go/cache"
	"github.com/narthex-io/narthex/platform/go/metrics"
	"github.com/narthex-io/narthex/platform/go/persistence"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

const (
	defaultThreshold     = 0.90
	defaultWindowSeconds = 300

	decisionMatched = "matched"
	decisionUnknown = "unknown"
	decisionError   = "error"

	reasonNoFace         = "no_face"
	reasonNoMatch        = "no_match"
	reasonBelowThreshold = "below_threshold"
	reasonUnavailable    = "recognition_unavailable"
)

// Resolver maps a tenant slug to its connection space.
type Resolver interface {
	Resolve(ctx context.Context, slug string) (tenant.Space, error)
}

// Notifier is told about each recorded visit so a check-in message can be
// queued. A nil Notifier disables messaging.
type Notifier interface {
	VisitRecorded(ctx context.Context, space tenant.Space, personID, gateID uuid.UUID, at time.Time) error
}

// Event is the realtime payload relayed to attendance dashboards.
type Event struct {
	Type         string     `json:"type"`
	GateID       uuid.UUID  `json:"gate_id"`
	FrameID      uuid.UUID  `json:"frame_id"`
	PersonID     *uuid.UUID `json:"person_id,omitempty"`
	PersonName   string     `json:"person_name,omitempty"`
	Decision     string     `json:"decision"`
	Reason       string     `json:"reason,omitempty"`
	Deduplicated bool       `json:"deduplicated,omitempty"`
	At           time.Time  `json:"at"`
}

type Processor struct {
	resolver     Resolver
	pools        *persistence.TenantPools
	cache        *cache.Client
	faces        provider.Provider
	providerName string
	notifier     Notifier
	logger       *zap.Logger
}

func NewProcessor(resolver Resolver, pools *persistence.TenantPools, cacheClient *cache.Client, faces provider.Provider, providerName string, notifier Notifier, logger *zap.Logger) *Processor {
	if resolver == nil {
		panic("resolver is required")
	}
	if pools == nil {
		panic("tenant pools are required")
	}
	if cacheClient == nil {
		panic("cache client is required")
	}
	if faces == nil {
		panic("recognition provider is required")
	}
	if logger == nil {
		panic("logger is required")
	}
	return &Processor{
		resolver:     resolver,
		pools:        pools,
		cache:        cacheClient,
		faces:        faces,
		providerName: providerName,
		notifier:     notifier,
		logger:       logger,
	}
}

// Handle is the queue handler for one frame job. Provider outages are
// recorded as an error decision and acked; only infrastructure errors
// (tenant resolution, database) propagate.
func (p *Processor) Handle(ctx context.Context, body []byte) error {
	var job gateservice.FrameJob
	if err := json.Unmarshal(body, &job); err != nil {
		p.logger.Error("dropping malformed recognition job", zap.Error(err))
		return nil
	}

	space, err := p.resolver.Resolve(ctx, job.TenantSlug)
	if err != nil {
		return fmt.Errorf("resolve tenant %s: %w", job.TenantSlug, err)
	}
	db, err := p.pools.Get(ctx, space.Conn)
	if err != nil {
		return fmt.Errorf("tenant pool: %w", err)
	}

	image, err := base64.StdEncoding.DecodeString(job.ImageB64)
	if err != nil {
		p.logger.Error("dropping job with undecodable image",
			zap.String("frame_id", job.FrameID.String()), zap.Error(err))
		return nil
	}

	threshold, err := gaterepo.ConfigFloat(ctx, db, "recognition.threshold", defaultThreshold)
	if err != nil {
		return err
	}
	windowSeconds, err := gaterepo.ConfigInt(ctx, db, "dedupe.window_seconds", defaultWindowSeconds)
	if err != nil {
		return err
	}

	result := gaterepo.RecognitionResult{
		ID:      uuid.New(),
		FrameID: job.FrameID,
		GateID:  job.GateID,
	}
	var person peoplerepo.Person

	matches, err := p.faces.SearchByImage(ctx, space.TenantID.String(), image, 1)
	switch {
	case errors.Is(err, provider.ErrNoFace):
		result.Decision = decisionUnknown
		result.RejectionReason = strPtr(reasonNoFace)
	case errors.Is(err, provider.ErrNotConfigured) || errors.Is(err, provider.ErrUnavailable):
		// Recorded and acked: redelivering the frame will not bring the
		// provider back, and the result row keeps the outage visible.
		result.Decision = decisionError
		result.RejectionReason = strPtr(reasonUnavailable)
		p.logger.Warn("recognition provider unavailable",
			zap.String("tenant", space.Slug),
			zap.String("frame_id", job.FrameID.String()),
			zap.Error(err))
	case err != nil:
		return fmt.Errorf("search faces: %w", err)
	case len(matches) == 0:
		result.Decision = decisionUnknown
		result.RejectionReason = strPtr(reasonNoMatch)
	default:
		best := matches[0]
		result.BestFaceID = strPtr(best.FaceID)
		result.BestConfidence = &best.Similarity
		if best.Similarity < threshold {
			result.Decision = decisionUnknown
			result.RejectionReason = strPtr(reasonBelowThreshold)
			break
		}
		person, err = peoplerepo.PersonByProviderFaceID(ctx, db, p.providerName, best.FaceID)
		if errors.Is(err, peoplerepo.ErrFaceNotFound) {
			// Face purged or consent revoked since indexing.
			result.Decision = decisionUnknown
			result.RejectionReason = strPtr(reasonNoMatch)
		} else if err != nil {
			return err
		} else {
			result.Decision = decisionMatched
			result.PersonID = &person.ID
		}
	}

	// Reservation key: one visit per (gate, identity) inside the window.
	if result.Decision == decisionMatched || result.Decision == decisionUnknown {
		identity := "unknown"
		if result.PersonID != nil {
			identity = result.PersonID.String()
		}
		window := time.Duration(windowSeconds) * time.Second
		won, err := p.cache.SetNX(ctx, dedupeKey(space.TenantID, job.GateID, identity), job.FrameID.String(), window)
		if err != nil {
			return fmt.Errorf("dedupe reservation: %w", err)
		}
		result.Deduplicated = !won
	}

	result.LatencyMS = int(time.Since(job.CapturedAt).Milliseconds())
	if err := gaterepo.InsertRecognitionResult(ctx, db, result); err != nil {
		return err
	}

	// Every non-deduplicated decision is an attendance fact, unknown faces
	// included: person_id stays nil for those rows.
	if (result.Decision == decisionMatched || result.Decision == decisionUnknown) && !result.Deduplicated {
		visit := gaterepo.VisitEvent{
			ID:         uuid.New(),
			FrameID:    job.FrameID,
			GateID:     job.GateID,
			PersonID:   result.PersonID,
			CapturedAt: job.CapturedAt,
		}
		if err := gaterepo.InsertVisitEvent(ctx, db, visit); err != nil {
			return err
		}
		if result.Decision == decisionMatched && p.notifier != nil {
			if err := p.notifier.VisitRecorded(ctx, space, person.ID, job.GateID, job.CapturedAt); err != nil {
				p.logger.Warn("check-in notification failed",
					zap.String("tenant", space.Slug),
					zap.String("person_id", person.ID.String()),
					zap.Error(err))
			}
		}
	}

	p.publishEvent(ctx, space, job, result, person.FullName)

	reason := ""
	if result.RejectionReason != nil {
		reason = *result.RejectionReason
	}
	metrics.RecognitionDecisions.WithLabelValues(space.Slug, result.Decision, reason).Inc()
	metrics.RecognitionLatency.Observe(time.Since(job.CapturedAt).Seconds())
	if result.Deduplicated {
		metrics.DedupedVisits.WithLabelValues(space.Slug).Inc()
	}

	p.logger.Info("frame processed",
		zap.String("tenant", space.Slug),
		zap.String("frame_id", job.FrameID.String()),
		zap.String("decision", result.Decision),
		zap.Bool("deduplicated", result.Deduplicated))
	return nil
}

func (p *Processor) publishEvent(ctx context.Context, space tenant.Space, job gateservice.FrameJob, result gaterepo.RecognitionResult, personName string) {
	event := Event{
		Type:         "recognition",
		GateID:       job.GateID,
		FrameID:      job.FrameID,
		PersonID:     result.PersonID,
		PersonName:   personName,
		Decision:     result.Decision,
		Deduplicated: result.Deduplicated,
		At:           job.CapturedAt,
	}
	if (result.Decision == decisionMatched || result.Decision == decisionUnknown) && !result.Deduplicated {
		event.Type = "visit"
	}
	if result.RejectionReason != nil {
		event.Reason = *result.RejectionReason
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := p.cache.Publish(ctx, hub.Channel(space.TenantID, job.GateID), string(payload)); err != nil {
		p.logger.Warn("realtime publish failed", zap.String("tenant", space.Slug), zap.Error(err))
	}
}

func dedupeKey(tenantID, gateID uuid.UUID, identity string) string {
	return fmt.Sprintf("dedupe:%s:%s:%s", tenantID, gateID, identity)
}

func strPtr(s string) *string { return &s }
