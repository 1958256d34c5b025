package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-apisync/pkg/apiclient"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID string
}

// FirestoreSource fetches Firestore documents and collections as JSON so they can be
// cached like any REST resource. A key with an even number of segments ("teams/42") names
// a document; an odd number ("teams") names a collection, returned as an array.
type FirestoreSource struct {
	client *firestore.Client
	logger zerolog.Logger
}

// NewFirestoreSource creates a new FirestoreSource.
func NewFirestoreSource(
	cfg *FirestoreConfig,
	client *firestore.Client,
	logger zerolog.Logger,
) (*FirestoreSource, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg == nil {
		cfg = &FirestoreConfig{}
	}

	logger.Info().Str("project_id", cfg.ProjectID).Msg("FirestoreSource initialized.")

	return &FirestoreSource{
		client: client,
		logger: logger.With().Str("component", "FirestoreSource").Logger(),
	}, nil
}

// Fetch satisfies the Fetcher signature.
func (s *FirestoreSource) Fetch(ctx context.Context, key string) (json.RawMessage, error) {
	path := strings.Trim(key, "/")
	if path == "" {
		return nil, errors.New("firestore key cannot be empty")
	}
	if len(strings.Split(path, "/"))%2 == 1 {
		return s.fetchCollection(ctx, path)
	}
	return s.fetchDocument(ctx, path)
}

func (s *FirestoreSource) fetchDocument(ctx context.Context, path string) (json.RawMessage, error) {
	docRef := s.client.Doc(path)
	if docRef == nil {
		return nil, fmt.Errorf("invalid firestore document path '%s'", path)
	}

	docSnap, err := docRef.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			s.logger.Warn().Str("key", path).Msg("Document not found in Firestore.")
			return nil, &apiclient.Error{Status: http.StatusNotFound, Message: "document not found"}
		}
		s.logger.Error().Err(err).Str("key", path).Msg("Failed to get document from Firestore.")
		return nil, fmt.Errorf("firestore get for %s: %w", path, err)
	}

	data, err := json.Marshal(withID(docSnap))
	if err != nil {
		return nil, fmt.Errorf("firestore marshal for %s: %w", path, err)
	}

	s.logger.Debug().Str("key", path).Msg("Successfully fetched document from Firestore.")
	return data, nil
}

func (s *FirestoreSource) fetchCollection(ctx context.Context, path string) (json.RawMessage, error) {
	snaps, err := s.client.Collection(path).Documents(ctx).GetAll()
	if err != nil {
		s.logger.Error().Err(err).Str("key", path).Msg("Failed to list collection from Firestore.")
		return nil, fmt.Errorf("firestore list for %s: %w", path, err)
	}

	docs := make([]map[string]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		docs = append(docs, withID(snap))
	}

	data, err := json.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("firestore marshal for %s: %w", path, err)
	}

	s.logger.Debug().Str("key", path).Int("count", len(docs)).Msg("Successfully listed collection from Firestore.")
	return data, nil
}

// withID returns the document fields with the document ID under "id" unless the document sets one.
func withID(snap *firestore.DocumentSnapshot) map[string]interface{} {
	data := snap.Data()
	if data == nil {
		data = make(map[string]interface{})
	}
	if _, ok := data["id"]; !ok {
		data["id"] = snap.Ref.ID
	}
	return data
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreSource) Close() error {
	s.logger.Info().Msg("FirestoreSource does not close the injected Firestore client.")
	return nil
}
