package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	chromem "github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

// ChromemConfig holds configuration for the embedded chromem-go backend.
type ChromemConfig struct {
	// Path is the directory for persistent storage.
	Path string

	// Compress enables gzip compression for stored data.
	Compress bool

	// Collection is the collection name.
	Collection string
}

// ApplyDefaults sets default values for unset fields.
func (c *ChromemConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = "~/.local/share/costwatchd/knowledge"
	}
	if c.Collection == "" {
		c.Collection = "cost-knowledge"
	}
}

// Chromem implements Store on chromem-go: pure Go, persisted to disk, no
// external service.
type Chromem struct {
	db       *chromem.DB
	embedder Embedder
	config   ChromemConfig
	logger   *zap.Logger
}

// NewChromem creates the embedded store, creating the storage directory and
// collection as needed.
func NewChromem(config ChromemConfig, embedder Embedder, logger *zap.Logger) (*Chromem, error) {
	if embedder == nil {
		return nil, fmt.Errorf("%w: embedder is required", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()
	if err := ValidateCollectionName(config.Collection); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	path, err := expandPath(config.Path)
	if err != nil {
		return nil, fmt.Errorf("expanding path: %w", err)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", path, err)
	}

	db, err := chromem.NewPersistentDB(path, config.Compress)
	if err != nil {
		return nil, fmt.Errorf("creating chromem DB: %w", err)
	}

	s := &Chromem{
		db:       db,
		embedder: embedder,
		config:   config,
		logger:   logger.Named("knowledge.chromem"),
	}

	s.logger.Info("chromem knowledge store initialized",
		zap.String("path", path),
		zap.String("collection", config.Collection),
		zap.Bool("compress", config.Compress),
	)

	return s, nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// embeddingFunc adapts the Embedder to chromem's query-time interface.
func (s *Chromem) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.EmbedQuery(ctx, text)
	}
}

func (s *Chromem) collection() (*chromem.Collection, error) {
	col, err := s.db.GetOrCreateCollection(s.config.Collection, nil, s.embeddingFunc())
	if err != nil {
		return nil, fmt.Errorf("getting collection %s: %w", s.config.Collection, err)
	}
	return col, nil
}

// Add indexes documents. Embeddings are generated in one batch; documents
// with the same ID replace earlier versions.
func (s *Chromem) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return ErrEmptyDocuments
	}

	col, err := s.collection()
	if err != nil {
		return err
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}

	embeddings, err := s.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding documents: %w", err)
	}

	chromemDocs := make([]chromem.Document, len(docs))
	for i, doc := range docs {
		id := doc.ID
		if id == "" {
			id = DeriveID(doc.Text)
		}
		chromemDocs[i] = chromem.Document{
			ID:      id,
			Content: doc.Text,
			Metadata: map[string]string{
				serviceKey: doc.Service,
				tagsKey:    joinTags(doc.Tags),
			},
			Embedding: embeddings[i],
		}
	}

	// Concurrency of 1: embeddings are already computed.
	if err := col.AddDocuments(ctx, chromemDocs, 1); err != nil {
		return fmt.Errorf("adding documents: %w", err)
	}

	s.logger.Debug("indexed documents", zap.Int("count", len(docs)))
	return nil
}

// Search returns up to topK results, best first. A service filter runs one
// query per service value and merges the hits, since chromem's where clause
// is exact-match only.
func (s *Chromem) Search(ctx context.Context, query string, topK int, filter *Filter) ([]Result, error) {
	if query == "" {
		return nil, fmt.Errorf("query cannot be empty")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive, got %d", topK)
	}

	col, err := s.collection()
	if err != nil {
		return nil, err
	}

	count := col.Count()
	if count == 0 {
		return nil, nil
	}

	services := []string{""}
	if filter != nil && len(filter.Services) > 0 {
		services = filter.Services
	}

	seen := make(map[string]struct{})
	var merged []Result
	for _, svc := range services {
		var where map[string]string
		if svc != "" {
			where = map[string]string{serviceKey: svc}
		}

		k := topK
		if k > count {
			k = count
		}

		results, err := col.Query(ctx, query, k, where, nil)
		if err != nil {
			return nil, fmt.Errorf("querying collection: %w", err)
		}

		for _, r := range results {
			if _, ok := seen[r.ID]; ok {
				continue
			}
			seen[r.ID] = struct{}{}
			merged = append(merged, Result{
				ID:      r.ID,
				Text:    r.Content,
				Score:   r.Similarity,
				Service: r.Metadata[serviceKey],
				Tags:    splitTags(r.Metadata[tagsKey]),
			})
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > topK {
		merged = merged[:topK]
	}
	return merged, nil
}

// Count returns the number of indexed documents.
func (s *Chromem) Count(context.Context) (int, error) {
	col, err := s.collection()
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

// Close is a no-op: chromem persists on write.
func (s *Chromem) Close() error {
	return nil
}

var _ Store = (*Chromem)(nil)
