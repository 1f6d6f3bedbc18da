package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// scoreCmd scores a resource snapshot without running a cycle
var scoreCmd = &cobra.Command{
	Use:   "score [file]",
	Short: "Score a resource snapshot from a file or stdin",
	Long: `Score a single resource snapshot against the server's active waste rules
without running a detection cycle. The input is a JSON snapshot:

  {
    "resource_id": "i-0abc123",
    "resource_type": "m5.large",
    "region": "us-east-1",
    "account": "123456789012",
    "service": "AmazonEC2",
    "state": "running",
    "cpu_utilization": 2.5,
    "monthly_cost": 120.0
  }

Examples:
  # Score a snapshot file
  costwatch score snapshot.json

  # Score from stdin
  aws-inventory dump i-0abc123 | costwatch score -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runScore,
}

// ScoreResponse matches internal/server/types.go ScoreResponse
type ScoreResponse struct {
	ResourceID string `json:"resource_id"`
	Score      int    `json:"score"`
	Severity   string `json:"severity"`
}

// runScore handles the score command
func runScore(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error

	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}

	if len(bytes.TrimSpace(content)) == 0 {
		return fmt.Errorf("no snapshot to score")
	}

	url := fmt.Sprintf("%s/api/v1/score", serverURL)

	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	resp, err := client.Post(url, "application/json", bytes.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var scoreResp ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&scoreResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Resource: %s\n", scoreResp.ResourceID)
	fmt.Printf("Score:    %d\n", scoreResp.Score)
	fmt.Printf("Severity: %s\n", scoreResp.Severity)

	return nil
}
