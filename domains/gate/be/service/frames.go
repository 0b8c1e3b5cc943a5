package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/narthex-io/narthex/domains/gate/be/repo"
	"github.com/narthex-io/narthex/platform/go/apperr"
	"github.com/narthex-io/narthex/platform/go/metrics"
	"github.com/narthex-io/narthex/platform/go/queue"
	"github.com/narthex-io/narthex/platform/go/tenant"
)

// FrameJob is the recognition work item published per accepted frame. The
// worker resolves the tenant by slug, so the job carries no connection data.
type FrameJob struct {
	JobID      uuid.UUID `json:"job_id"`
	TenantSlug string    `json:"tenant_slug"`
	GateID     uuid.UUID `json:"gate_id"`
	FrameID    uuid.UUID `json:"frame_id"`
	CapturedAt time.Time `json:"captured_at"`
	ImageB64   string    `json:"image_b64"`
}

// FrameAck is the ingestion response. Replayed is set when the frame id was
// already accepted and no new job was enqueued.
type FrameAck struct {
	FrameID  uuid.UUID `json:"frame_id"`
	JobID    uuid.UUID `json:"job_id,omitempty"`
	Accepted bool      `json:"accepted"`
	Replayed bool      `json:"replayed,omitempty"`
}

// IngestFrame accepts one captured frame for asynchronous recognition. Frame
// ids are idempotency keys: a replay with identical image bytes acks without
// enqueueing again, a replay with different bytes conflicts.
func (s *Service) IngestFrame(ctx context.Context, space tenant.Space, gateID, frameID uuid.UUID, capturedAt time.Time, image []byte) (FrameAck, error) {
	if len(image) == 0 {
		return FrameAck{}, apperr.Validation("image_required", "frame image is required")
	}
	if capturedAt.IsZero() {
		capturedAt = time.Now().UTC()
	}

	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return FrameAck{}, fmt.Errorf("tenant pool: %w", err)
	}

	sum := sha256.Sum256(image)
	requestHash := hex.EncodeToString(sum[:])
	claim, err := repo.ClaimFrame(ctx, db, frameID, requestHash)
	if err != nil {
		return FrameAck{}, err
	}
	if !claim.Won {
		if claim.RequestHash != requestHash {
			return FrameAck{}, apperr.Conflict("idempotency_key_conflict", "frame id was already used with a different image")
		}
		return FrameAck{FrameID: frameID, Accepted: true, Replayed: true}, nil
	}

	job := FrameJob{
		JobID:      uuid.New(),
		TenantSlug: space.Slug,
		GateID:     gateID,
		FrameID:    frameID,
		CapturedAt: capturedAt.UTC(),
		ImageB64:   base64.StdEncoding.EncodeToString(image),
	}
	if err := s.pub.Publish(ctx, queue.RecognitionQueue, job); err != nil {
		return FrameAck{}, fmt.Errorf("enqueue recognition job: %w", err)
	}

	metrics.FramesIngested.WithLabelValues(space.Slug).Inc()
	s.logger.Debug("frame accepted",
		zap.String("tenant_id", space.TenantID.String()),
		zap.String("gate_id", gateID.String()),
		zap.String("frame_id", frameID.String()))
	return FrameAck{FrameID: frameID, JobID: job.JobID, Accepted: true}, nil
}

// Visits lists attendance facts in [from, to) for reporting.
func (s *Service) Visits(ctx context.Context, space tenant.Space, from, to time.Time, limit int) ([]repo.VisitEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if !from.Before(to) {
		return nil, apperr.Validation("invalid_range", "from must be before to")
	}
	db, err := s.pools.Get(ctx, space.Conn)
	if err != nil {
		return nil, fmt.Errorf("tenant pool: %w", err)
	}
	return repo.VisitsBetween(ctx, db, from, to, limit)
}
