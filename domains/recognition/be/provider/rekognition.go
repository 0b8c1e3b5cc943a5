package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/rekognition"
	rekognitiontypes "github.com/aws/aws-sdk-go-v2/service/rekognition/types"
)

// Rekognition implements Provider on AWS Rekognition collections.
// Rekognition reports similarity/confidence as percentages; they are
// divided by 100 here so the rest of the system only ever sees 0-1.
type Rekognition struct {
	client *rekognition.Client
}

func NewRekognition(client *rekognition.Client) *Rekognition {
	if client == nil {
		panic("rekognition provider requires client")
	}
	return &Rekognition{client: client}
}

func (r *Rekognition) EnsureCollection(ctx context.Context, collectionID string) error {
	_, err := r.client.CreateCollection(ctx, &rekognition.CreateCollectionInput{
		CollectionId: aws.String(collectionID),
	})
	if err != nil {
		var exists *rekognitiontypes.ResourceAlreadyExistsException
		if errors.As(err, &exists) {
			return nil
		}
		return classify("create collection", err)
	}
	return nil
}

func (r *Rekognition) DeleteCollection(ctx context.Context, collectionID string) error {
	_, err := r.client.DeleteCollection(ctx, &rekognition.DeleteCollectionInput{
		CollectionId: aws.String(collectionID),
	})
	if err != nil {
		var notFound *rekognitiontypes.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil
		}
		return classify("delete collection", err)
	}
	return nil
}

func (r *Rekognition) IndexFaces(ctx context.Context, collectionID, externalID string, image []byte) ([]Face, error) {
	out, err := r.client.IndexFaces(ctx, &rekognition.IndexFacesInput{
		CollectionId:    aws.String(collectionID),
		ExternalImageId: aws.String(externalID),
		Image:           &rekognitiontypes.Image{Bytes: image},
		MaxFaces:        aws.Int32(1),
		QualityFilter:   rekognitiontypes.QualityFilterAuto,
	})
	if err != nil {
		return nil, classify("index faces", err)
	}
	if len(out.FaceRecords) == 0 {
		return nil, ErrNoFace
	}
	faces := make([]Face, 0, len(out.FaceRecords))
	for _, rec := range out.FaceRecords {
		if rec.Face == nil || rec.Face.FaceId == nil {
			continue
		}
		faces = append(faces, Face{
			FaceID:     *rec.Face.FaceId,
			Confidence: float64(aws.ToFloat32(rec.Face.Confidence)) / 100,
		})
	}
	return faces, nil
}

func (r *Rekognition) SearchByImage(ctx context.Context, collectionID string, image []byte, maxMatches int) ([]Match, error) {
	if maxMatches <= 0 {
		maxMatches = 1
	}
	out, err := r.client.SearchFacesByImage(ctx, &rekognition.SearchFacesByImageInput{
		CollectionId: aws.String(collectionID),
		Image:        &rekognitiontypes.Image{Bytes: image},
		MaxFaces:     aws.Int32(int32(maxMatches)),
	})
	if err != nil {
		// Rekognition signals "no face in the probe image" as a parameter error.
		var invalid *rekognitiontypes.InvalidParameterException
		if errors.As(err, &invalid) {
			return nil, ErrNoFace
		}
		return nil, classify("search by image", err)
	}
	matches := make([]Match, 0, len(out.FaceMatches))
	for _, fm := range out.FaceMatches {
		if fm.Face == nil || fm.Face.FaceId == nil {
			continue
		}
		matches = append(matches, Match{
			FaceID:     *fm.Face.FaceId,
			Similarity: float64(aws.ToFloat32(fm.Similarity)) / 100,
		})
	}
	return matches, nil
}

func (r *Rekognition) DeleteFaces(ctx context.Context, collectionID string, faceIDs []string) error {
	if len(faceIDs) == 0 {
		return nil
	}
	_, err := r.client.DeleteFaces(ctx, &rekognition.DeleteFacesInput{
		CollectionId: aws.String(collectionID),
		FaceIds:      faceIDs,
	})
	if err != nil {
		return classify("delete faces", err)
	}
	return nil
}

// classify maps backend failures onto the provider error taxonomy. Throttling
// and server-side faults are retryable; everything else keeps its cause.
func classify(op string, err error) error {
	var throttled *rekognitiontypes.ThrottlingException
	var internal *rekognitiontypes.InternalServerError
	var quota *rekognitiontypes.ProvisionedThroughputExceededException
	if errors.As(err, &throttled) || errors.As(err, &internal) || errors.As(err, &quota) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Provider = (*Rekognition)(nil)
