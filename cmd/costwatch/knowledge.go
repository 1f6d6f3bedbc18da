// Package main implements knowledge base commands for the costwatch CLI.
// These open the vector store directly instead of going through the admin
// server, so they share the daemon's config file.
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/costwatchd/internal/config"
	"github.com/fyrsmithlabs/costwatchd/internal/embeddings"
	"github.com/fyrsmithlabs/costwatchd/internal/knowledge"
	"github.com/fyrsmithlabs/costwatchd/internal/knowledge/store"
)

var (
	// knowledgeConfigPath is the daemon config file the store settings come from
	knowledgeConfigPath string
	// seedPath is a JSON seed file to load
	seedPath string
	// runbooksURL is a git repository of Markdown runbooks to load
	runbooksURL string
	// runbooksRef is the branch to clone from the runbooks repository
	runbooksRef string
)

func init() {
	knowledgeCmd.AddCommand(knowledgeLoadCmd)
	knowledgeCmd.AddCommand(knowledgeCountCmd)

	knowledgeCmd.PersistentFlags().StringVar(&knowledgeConfigPath, "config", "", "daemon config file (default ~/.config/costwatchd/config.yaml)")
	knowledgeLoadCmd.Flags().StringVar(&seedPath, "seed", "", "JSON seed file of knowledge entries")
	knowledgeLoadCmd.Flags().StringVar(&runbooksURL, "runbooks", "", "git URL or local path of a runbooks repository")
	knowledgeLoadCmd.Flags().StringVar(&runbooksRef, "ref", "", "runbooks branch (default: remote default branch)")
}

// knowledgeCmd is the parent command for knowledge base operations
var knowledgeCmd = &cobra.Command{
	Use:   "knowledge",
	Short: "Manage the optimization knowledge base",
	Long: `Load and inspect the vector store that backs recommendation synthesis.

These commands open the store configured in the daemon's config file. With
the embedded chromem backend, run them while the daemon is stopped; a qdrant
backend can be loaded live.`,
}

// knowledgeLoadCmd ingests seed entries and runbooks
var knowledgeLoadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load knowledge entries into the vector store",
	Long: `Load optimization knowledge into the vector store from a JSON seed file,
a git repository of Markdown runbooks, or both.

Seed files hold an array of entries:

  [
    {
      "id": "ec2-idle-01",
      "text": "Instances below 5%% CPU for a full billing day ...",
      "service": "AmazonEC2",
      "tags": ["idle", "rightsizing"]
    }
  ]

Runbook repositories are cloned shallowly; each Markdown file loads as one
document tagged with the service its directory names (runbooks under ec2/
load as AmazonEC2). Document IDs are stable across loads, so re-running
upserts instead of duplicating.

Examples:
  # Load a seed file
  costwatch knowledge load --seed ./seed.json

  # Load runbooks from a git repository
  costwatch knowledge load --runbooks https://github.com/example/runbooks

  # Load both against a specific config
  costwatch knowledge load --config /etc/costwatchd/config.yaml --seed seed.json --runbooks ./runbooks`,
	RunE: runKnowledgeLoad,
}

// knowledgeCountCmd reports the document count
var knowledgeCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Show the number of indexed knowledge documents",
	Long: `Show how many documents the configured vector store holds.

Examples:
  costwatch knowledge count
  costwatch knowledge count --config /etc/costwatchd/config.yaml`,
	RunE: runKnowledgeCount,
}

// runKnowledgeLoad handles the knowledge load command
func runKnowledgeLoad(cmd *cobra.Command, args []string) error {
	if seedPath == "" && runbooksURL == "" {
		return fmt.Errorf("nothing to load: provide --seed, --runbooks, or both")
	}

	ctx := cmd.Context()
	vectors, embedder, err := openKnowledgeStore()
	if err != nil {
		return err
	}
	defer embedder.Close()
	defer vectors.Close()

	loader, err := knowledge.NewLoader(vectors, nil)
	if err != nil {
		return fmt.Errorf("failed to create loader: %w", err)
	}

	if seedPath != "" {
		n, err := loader.LoadJSON(ctx, seedPath)
		if err != nil {
			return fmt.Errorf("failed to load seed file: %w", err)
		}
		fmt.Printf("Loaded %d seed document(s) from %s\n", n, seedPath)
	}

	if runbooksURL != "" {
		n, err := loader.LoadRunbooks(ctx, knowledge.RunbookSource{
			URL: runbooksURL,
			Ref: runbooksRef,
		})
		if err != nil {
			return fmt.Errorf("failed to load runbooks: %w", err)
		}
		fmt.Printf("Loaded %d runbook document(s) from %s\n", n, runbooksURL)
	}

	total, err := vectors.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}
	fmt.Printf("Knowledge base now holds %d document(s)\n", total)

	return nil
}

// runKnowledgeCount handles the knowledge count command
func runKnowledgeCount(cmd *cobra.Command, args []string) error {
	vectors, embedder, err := openKnowledgeStore()
	if err != nil {
		return err
	}
	defer embedder.Close()
	defer vectors.Close()

	total, err := vectors.Count(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to count documents: %w", err)
	}
	fmt.Printf("%d document(s)\n", total)

	return nil
}

// openKnowledgeStore builds the vector store and its embedder from the
// daemon config. Callers own both and must close them.
func openKnowledgeStore() (store.Store, embeddings.Provider, error) {
	cfg, err := config.Load(knowledgeConfigPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	embedder, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider: cfg.Embeddings.Provider,
		Model:    cfg.Embeddings.Model,
		BaseURL:  cfg.Embeddings.BaseURL,
		CacheDir: cfg.Embeddings.CacheDir,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create embedding provider: %w", err)
	}

	vectors, err := store.New(store.Config{
		Provider: cfg.VectorStore.Provider,
		Chromem: store.ChromemConfig{
			Path:       cfg.VectorStore.Chromem.Path,
			Compress:   cfg.VectorStore.Chromem.Compress,
			Collection: cfg.VectorStore.Collection,
		},
		Qdrant: store.QdrantConfig{
			Host:       cfg.VectorStore.Qdrant.Host,
			Port:       cfg.VectorStore.Qdrant.Port,
			APIKey:     cfg.VectorStore.Qdrant.APIKey.Value(),
			UseTLS:     cfg.VectorStore.Qdrant.UseTLS,
			Collection: cfg.VectorStore.Collection,
			VectorSize: uint64(embedder.Dimension()),
		},
	}, embedder, nil)
	if err != nil {
		_ = embedder.Close()
		return nil, nil, fmt.Errorf("failed to open vector store: %w", err)
	}

	return vectors, embedder, nil
}
