package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/knowledge/store"
)

// maxRunbookFileSize caps individual runbook files. Larger files are
// skipped, not split.
const maxRunbookFileSize = 1 << 20

// runbookServices maps runbook directory names to billed service names.
// Directories outside this map load as General knowledge.
var runbookServices = map[string]string{
	"ec2":         "AmazonEC2",
	"s3":          "AmazonS3",
	"rds":         "AmazonRDS",
	"lambda":      "AWSLambda",
	"dynamodb":    "AmazonDynamoDB",
	"cloudwatch":  "AmazonCloudWatch",
	"redshift":    "AmazonRedshift",
	"elasticache": "AmazonElastiCache",
}

// RunbookSource identifies a git repository of Markdown runbooks.
type RunbookSource struct {
	// URL is the clone URL or local path of the repository.
	URL string
	// Ref is the branch to clone. Empty selects the remote default.
	Ref string
	// Depth limits clone history. Zero means DefaultRunbookDepth.
	Depth int
}

// DefaultRunbookDepth keeps runbook clones shallow.
const DefaultRunbookDepth = 1

// Loader ingests optimization knowledge into the vector store.
type Loader struct {
	store  store.Store
	logger *zap.Logger
}

// NewLoader creates a loader writing to the given store.
func NewLoader(s store.Store, logger *zap.Logger) (*Loader, error) {
	if s == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: s, logger: logger.Named("knowledge.loader")}, nil
}

// seedEntry is one record of the JSON seed format.
type seedEntry struct {
	ID      string   `json:"id"`
	Text    string   `json:"text"`
	Service string   `json:"service"`
	Tags    []string `json:"tags"`
}

// LoadJSON ingests a JSON file holding an array of knowledge entries.
// Entries without a service load as General knowledge. Returns the number
// of documents added.
func (l *Loader) LoadJSON(ctx context.Context, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading seed file: %w", err)
	}

	var entries []seedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("parsing seed file %s: %w", path, err)
	}

	docs := make([]store.Document, 0, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.Text) == "" {
			return 0, fmt.Errorf("seed entry %d: text is empty", i)
		}
		service := e.Service
		if service == "" {
			service = store.GeneralService
		}
		docs = append(docs, store.Document{
			ID:      e.ID,
			Text:    e.Text,
			Service: service,
			Tags:    e.Tags,
		})
	}

	if len(docs) == 0 {
		return 0, nil
	}
	if err := l.store.Add(ctx, docs); err != nil {
		return 0, fmt.Errorf("adding seed documents: %w", err)
	}

	l.logger.Info("loaded knowledge seed file",
		zap.String("path", path),
		zap.Int("documents", len(docs)))
	return len(docs), nil
}

// LoadRunbooks clones a runbook repository and ingests its Markdown files.
func (l *Loader) LoadRunbooks(ctx context.Context, src RunbookSource) (int, error) {
	if src.URL == "" {
		return 0, errors.New("runbook repository URL is required")
	}

	dir, err := os.MkdirTemp("", "costwatchd-runbooks-*")
	if err != nil {
		return 0, fmt.Errorf("creating clone directory: %w", err)
	}
	defer os.RemoveAll(dir)

	depth := src.Depth
	if depth == 0 {
		depth = DefaultRunbookDepth
	}
	opts := &git.CloneOptions{
		URL:          src.URL,
		Depth:        depth,
		SingleBranch: true,
	}
	if src.Ref != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(src.Ref)
	}

	if _, err := git.PlainCloneContext(ctx, dir, false, opts); err != nil {
		return 0, fmt.Errorf("cloning %s: %w", src.URL, err)
	}

	return l.LoadRunbookDir(ctx, dir)
}

// LoadRunbookDir ingests every Markdown file under dir. The parent
// directory of each file yields its service tag: runbooks/ec2/idle.md loads
// as AmazonEC2 with tag "EC2". Document IDs are repository-relative paths,
// so re-loading the same repository upserts instead of duplicating.
func (l *Loader) LoadRunbookDir(ctx context.Context, dir string) (int, error) {
	var docs []store.Document

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		if info.Size() > maxRunbookFileSize {
			l.logger.Warn("skipping oversized runbook", zap.String("path", path), zap.Int64("size", info.Size()))
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading runbook %s: %w", path, err)
		}
		text := strings.TrimSpace(string(content))
		if text == "" {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		dirName := strings.ToLower(filepath.Base(filepath.Dir(path)))
		service, ok := runbookServices[dirName]
		if !ok {
			service = store.GeneralService
		}

		docs = append(docs, store.Document{
			ID:      rel,
			Text:    text,
			Service: service,
			Tags:    []string{"runbook", strings.ToUpper(dirName)},
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("walking runbook directory: %w", err)
	}

	if len(docs) == 0 {
		return 0, nil
	}
	if err := l.store.Add(ctx, docs); err != nil {
		return 0, fmt.Errorf("adding runbook documents: %w", err)
	}

	l.logger.Info("loaded runbooks", zap.String("dir", dir), zap.Int("documents", len(docs)))
	return len(docs), nil
}
