package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// scanTimeout bounds a synchronous scan request. Cycles over large accounts
// run for minutes, so this is deliberately generous.
const scanTimeout = 30 * time.Minute

// scanCmd triggers a detection cycle
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Trigger a detection cycle and wait for the report",
	Long: `Trigger a full detection cycle on the costwatchd server and wait for it
to finish. The server runs one cycle at a time; triggering while a cycle is
in flight returns an error without starting another.

Examples:
  # Run a scan
  costwatch scan

  # Run a scan against a different server
  costwatch scan --server http://localhost:9090`,
	RunE: runScan,
}

// RunReport matches internal/pipeline/pipeline.go RunReport
type RunReport struct {
	RunID           string     `json:"run_id"`
	Day             string     `json:"day"`
	Started         time.Time  `json:"started"`
	DurationSeconds float64    `json:"duration_seconds"`
	Detection       CycleStats `json:"detection"`
	Succeeded       int        `json:"succeeded"`
	Partial         int        `json:"partial"`
	Failed          int        `json:"failed"`
}

// CycleStats matches internal/detect/cycle.go CycleStats
type CycleStats struct {
	PairsScanned int64 `json:"pairs_scanned"`
	PairsFailed  int64 `json:"pairs_failed"`
	Emitted      int64 `json:"emitted"`
	Suppressed   int64 `json:"suppressed"`
	Resumed      int64 `json:"resumed"`
}

// runScan handles the scan command
func runScan(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/scan", serverURL)

	client := &http.Client{
		Timeout: scanTimeout,
	}

	resp, err := client.Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return fmt.Errorf("a detection cycle is already running, try again later")
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var report RunReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Run:       %s\n", report.RunID)
	fmt.Printf("Day:       %s\n", report.Day)
	fmt.Printf("Duration:  %.1fs\n", report.DurationSeconds)
	fmt.Printf("Pairs:     %d scanned, %d failed\n", report.Detection.PairsScanned, report.Detection.PairsFailed)
	fmt.Printf("Anomalies: %d emitted (%d resumed, %d suppressed)\n",
		report.Detection.Emitted, report.Detection.Resumed, report.Detection.Suppressed)
	fmt.Printf("Results:   %d succeeded, %d partial, %d failed\n",
		report.Succeeded, report.Partial, report.Failed)

	return nil
}
