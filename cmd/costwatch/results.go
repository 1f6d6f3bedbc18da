package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	// resultStatus filters the results listing
	resultStatus string
)

func init() {
	resultsCmd.Flags().StringVar(&resultStatus, "status", "", "filter by status: success, partial, or failed")
}

// resultsCmd lists remediation results or shows one in detail
var resultsCmd = &cobra.Command{
	Use:   "results [anomaly-id]",
	Short: "List remediation results or show one anomaly in detail",
	Long: `List the remediation results recorded by costwatchd, or show the full
record for one anomaly including its pipeline checkpoint.

Examples:
  # List all results
  costwatch results

  # List only failed results
  costwatch results --status failed

  # Show one anomaly with its checkpoint
  costwatch results a1b2c3d4e5f67890`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResults,
}

// ActionResult matches internal/costmodel/types.go ActionResult
type ActionResult struct {
	AnomalyID   string    `json:"anomaly_id"`
	BranchName  string    `json:"branch_name,omitempty"`
	PRURL       string    `json:"pr_url,omitempty"`
	Notified    bool      `json:"notified"`
	Status      string    `json:"status"`
	FailedStage string    `json:"failed_stage,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// ResultsResponse matches internal/server/types.go ResultsResponse
type ResultsResponse struct {
	Count   int            `json:"count"`
	Results []ActionResult `json:"results"`
}

// Checkpoint matches internal/ledger/ledger.go Checkpoint
type Checkpoint struct {
	AnomalyID  string    `json:"anomaly_id"`
	Stage      string    `json:"stage"`
	BranchName string    `json:"branch_name,omitempty"`
	PRURL      string    `json:"pr_url,omitempty"`
	PRNumber   int       `json:"pr_number,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ResultDetail matches internal/server/types.go ResultDetail
type ResultDetail struct {
	Result     ActionResult `json:"result"`
	Checkpoint *Checkpoint  `json:"checkpoint,omitempty"`
}

// runResults handles the results command
func runResults(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		return showResult(args[0])
	}
	return listResults()
}

// listResults fetches and prints the result listing
func listResults() error {
	u := fmt.Sprintf("%s/api/v1/results", serverURL)
	if resultStatus != "" {
		u += "?status=" + url.QueryEscape(resultStatus)
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Get(u)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var listing ResultsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if listing.Count == 0 {
		fmt.Println("No results recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ANOMALY\tSTATUS\tPR\tCOMPLETED")
	for _, r := range listing.Results {
		pr := r.PRURL
		if pr == "" {
			pr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.AnomalyID, r.Status, pr, r.CompletedAt.Format(time.RFC3339))
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write listing: %w", err)
	}

	fmt.Printf("\n%d result(s)\n", listing.Count)
	return nil
}

// showResult fetches and prints one anomaly's record
func showResult(anomalyID string) error {
	u := fmt.Sprintf("%s/api/v1/results/%s", serverURL, url.PathEscape(anomalyID))

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Get(u)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", u, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("no result recorded for anomaly %s", anomalyID)
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var detail ResultDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	r := detail.Result
	fmt.Printf("Anomaly:   %s\n", r.AnomalyID)
	fmt.Printf("Status:    %s\n", r.Status)
	if r.BranchName != "" {
		fmt.Printf("Branch:    %s\n", r.BranchName)
	}
	if r.PRURL != "" {
		fmt.Printf("PR:        %s\n", r.PRURL)
	}
	fmt.Printf("Notified:  %t\n", r.Notified)
	if r.FailedStage != "" {
		fmt.Printf("Failed at: %s\n", r.FailedStage)
	}
	if r.Error != "" {
		fmt.Printf("Error:     %s\n", r.Error)
	}
	fmt.Printf("Completed: %s\n", r.CompletedAt.Format(time.RFC3339))

	if cp := detail.Checkpoint; cp != nil {
		fmt.Printf("\nCheckpoint:\n")
		fmt.Printf("  Stage:   %s\n", cp.Stage)
		if cp.BranchName != "" {
			fmt.Printf("  Branch:  %s\n", cp.BranchName)
		}
		if cp.PRNumber != 0 {
			fmt.Printf("  PR:      #%d %s\n", cp.PRNumber, cp.PRURL)
		}
		fmt.Printf("  Updated: %s\n", cp.UpdatedAt.Format(time.RFC3339))
	}

	return nil
}
