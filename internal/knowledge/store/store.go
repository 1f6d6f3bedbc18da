// Package store provides vector storage for optimization knowledge.
//
// Two backends: chromem-go (embedded, zero external services) for single-node
// deployments, and Qdrant over gRPC for shared ones. Both index knowledge
// chunks by embedding and tag them with the service they apply to; "General"
// chunks apply to every service.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"regexp"
	"strings"
)

// GeneralService tags a document as applicable to any service.
const GeneralService = "General"

var (
	// ErrInvalidConfig indicates the store configuration is invalid.
	ErrInvalidConfig = errors.New("invalid store config")

	// ErrEmptyDocuments indicates an Add call with nothing to add.
	ErrEmptyDocuments = errors.New("no documents provided")

	// ErrConnectionFailed indicates the backend could not be reached.
	ErrConnectionFailed = errors.New("store connection failed")
)

// collectionNamePattern validates collection names: lowercase letters,
// numbers, underscores and dashes, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateCollectionName rejects names outside the safe charset.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return errors.New("collection name must match ^[a-z0-9_-]{1,64}$")
	}
	return nil
}

// Embedder generates vector embeddings from text.
type Embedder interface {
	// EmbedDocuments embeds a batch of texts for indexing.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single query string.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Document is one knowledge chunk to index.
type Document struct {
	// ID identifies the chunk. Empty IDs are derived from the text, which
	// makes re-loading the same corpus idempotent.
	ID string

	Text string

	// Service scopes the chunk to one billed service, or GeneralService.
	Service string

	// Tags are free-form labels carried through to search results.
	Tags []string
}

// DeriveID returns the content-derived ID used when a document has none.
func DeriveID(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// Result is one search hit, ordered by descending score.
type Result struct {
	ID      string
	Text    string
	Score   float32
	Service string
	Tags    []string
}

// Filter narrows a search. A nil filter or empty Services means unfiltered.
type Filter struct {
	// Services matches documents whose service is any of these values.
	Services []string
}

// Store is the vector search surface the retriever runs on.
type Store interface {
	// Add indexes documents, replacing any with the same ID.
	Add(ctx context.Context, docs []Document) error

	// Search returns up to topK results for the query, best first.
	Search(ctx context.Context, query string, topK int, filter *Filter) ([]Result, error)

	// Count returns the number of indexed documents.
	Count(ctx context.Context) (int, error)

	// Close releases backend resources.
	Close() error
}

// Metadata keys shared by both backends.
const (
	serviceKey = "service"
	tagsKey    = "tags"
)

func joinTags(tags []string) string {
	return strings.Join(tags, ",")
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
