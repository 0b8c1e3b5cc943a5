package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
)

// mockConfidence is returned for every mock index/search hit.
const mockConfidence = 0.99

// Mock is a deterministic in-memory provider. Face ids are derived from the
// image bytes, so indexing an image and later searching with the same bytes
// always matches. Good enough for dev environments and pipeline tests.
type Mock struct {
	mu          sync.Mutex
	collections map[string]map[string]string // collection -> faceID -> externalID
}

func NewMock() *Mock {
	return &Mock{collections: map[string]map[string]string{}}
}

// FaceIDFor returns the face id the mock derives for an image. Exposed so
// tests can predict match results.
func FaceIDFor(image []byte) string {
	sum := sha256.Sum256(image)
	return "mock-" + hex.EncodeToString(sum[:6])
}

func (m *Mock) EnsureCollection(_ context.Context, collectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collectionID]; !ok {
		m.collections[collectionID] = map[string]string{}
	}
	return nil
}

func (m *Mock) DeleteCollection(_ context.Context, collectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, collectionID)
	return nil
}

func (m *Mock) IndexFaces(_ context.Context, collectionID, externalID string, image []byte) ([]Face, error) {
	if len(image) == 0 {
		return nil, ErrNoFace
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	faces, ok := m.collections[collectionID]
	if !ok {
		return nil, fmt.Errorf("collection %s does not exist", collectionID)
	}
	id := FaceIDFor(image)
	faces[id] = externalID
	return []Face{{FaceID: id, Confidence: mockConfidence}}, nil
}

func (m *Mock) SearchByImage(_ context.Context, collectionID string, image []byte, maxMatches int) ([]Match, error) {
	if len(image) == 0 {
		return nil, ErrNoFace
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	faces, ok := m.collections[collectionID]
	if !ok {
		return nil, fmt.Errorf("collection %s does not exist", collectionID)
	}
	id := FaceIDFor(image)
	if _, indexed := faces[id]; !indexed {
		return nil, nil
	}
	_ = maxMatches
	return []Match{{FaceID: id, Similarity: mockConfidence}}, nil
}

func (m *Mock) DeleteFaces(_ context.Context, collectionID string, faceIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	faces, ok := m.collections[collectionID]
	if !ok {
		return nil
	}
	for _, id := range faceIDs {
		delete(faces, id)
	}
	return nil
}

// FaceCount reports indexed faces in a collection, for tests.
func (m *Mock) FaceCount(collectionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collections[collectionID])
}

var _ Provider = (*Mock)(nil)
