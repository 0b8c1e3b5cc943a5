// Package provider adapts the external face recognition service behind a
// single interface. The implementation is chosen once at process startup:
// live AWS Rekognition, a deterministic mock, or a disabled stand-in that
// rejects every call with ErrNotConfigured.
package provider

import (
	"context"
	"errors"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
)

// Errors returned by provider implementations.
var (
	// ErrNotConfigured means live mode was requested without credentials or
	// the provider is disabled. Maps to rekognition_not_configured / 503.
	ErrNotConfigured = errors.New("recognition provider not configured")
	// ErrUnavailable covers timeouts, throttling and 5xx from the backend.
	// Retryable by the caller.
	ErrUnavailable = errors.New("recognition provider unavailable")
	// ErrNoFace means the image contained no detectable face.
	ErrNoFace = errors.New("no face detected in image")
)

// Face is one indexed face in a collection. Confidence is normalized 0-1.
type Face struct {
	FaceID     string
	Confidence float64
}

// Match is one candidate returned by SearchByImage, best first.
// Similarity is normalized 0-1.
type Match struct {
	FaceID     string
	Similarity float64
}

// Provider is the uniform surface over the recognition backend. Collections
// are keyed by tenant id so cross-tenant search is structurally impossible.
type Provider interface {
	EnsureCollection(ctx context.Context, collectionID string) error
	DeleteCollection(ctx context.Context, collectionID string) error
	IndexFaces(ctx context.Context, collectionID, externalID string, image []byte) ([]Face, error)
	SearchByImage(ctx context.Context, collectionID string, image []byte, maxMatches int) ([]Match, error)
	DeleteFaces(ctx context.Context, collectionID string, faceIDs []string) error
}

// Config selects and parameterizes the implementation.
type Config struct {
	Mode      string `env:"RECOGNITION_MODE" envDefault:"mock"` // mock | rekognition | disabled
	AWSRegion string `env:"RECOGNITION_AWS_REGION"`
}

// New builds the provider for the configured mode.
func New(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Mode {
	case "mock":
		return NewMock(), nil
	case "rekognition":
		if cfg.AWSRegion == "" {
			return Disabled{}, nil
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewRekognition(rekognition.NewFromConfig(awsCfg)), nil
	case "disabled", "":
		return Disabled{}, nil
	default:
		return nil, fmt.Errorf("unknown recognition mode %q", cfg.Mode)
	}
}

// Disabled rejects every operation with ErrNotConfigured. Used when live
// mode is selected without credentials so callers get a clean 503 instead
// of a connection error deep in the pipeline.
type Disabled struct{}

func (Disabled) EnsureCollection(context.Context, string) error { return ErrNotConfigured }
func (Disabled) DeleteCollection(context.Context, string) error { return ErrNotConfigured }
func (Disabled) IndexFaces(context.Context, string, string, []byte) ([]Face, error) {
	return nil, ErrNotConfigured
}
func (Disabled) SearchByImage(context.Context, string, []byte, int) ([]Match, error) {
	return nil, ErrNotConfigured
}
func (Disabled) DeleteFaces(context.Context, string, []string) error { return ErrNotConfigured }
