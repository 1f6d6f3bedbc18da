// Package main implements the costwatch CLI for manual operations against
// the costwatchd admin server.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the costwatchd admin server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "costwatch",
	Short: "CLI for costwatchd admin server operations",
	Long: `costwatch is a command-line interface for operating the costwatchd daemon.
It triggers detection scans, inspects remediation results, scores resource
snapshots, and loads optimization knowledge into the vector store.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "costwatchd server URL")
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(resultsCmd)
	rootCmd.AddCommand(scoreCmd)
	rootCmd.AddCommand(knowledgeCmd)
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check costwatchd server health",
	Long: `Check the health status of the costwatchd admin server.

Examples:
  # Check health
  costwatch health

  # Check health on a different server
  costwatch health --server http://localhost:9090`,
	RunE: runHealth,
}

// HealthResponse matches internal/server/types.go HealthResponse
type HealthResponse struct {
	Status string `json:"status"`
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/health", serverURL)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to connect to %s: %v\n", url, err)
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var healthResp HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Server Status: %s\n", healthResp.Status)
	fmt.Printf("Server URL: %s\n", serverURL)

	return nil
}

// apiError turns a non-2xx admin API response into an error. The server
// wraps error messages as {"message": "..."}; fall back to the raw body
// when the shape differs.
func apiError(resp *http.Response) error {
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}

	var wrapped struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Message != "" {
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, wrapped.Message)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
}
