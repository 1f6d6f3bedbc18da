// Package testdata provides utilities for generating sample metrics data
// to test Grafana dashboards without using real production data.
//
// Metric names match what a costwatchd deployment exports after the OTLP
// collector's Prometheus translation (dots become underscores).
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics for testing dashboards
var (
	// Detection metrics
	detectAnomalies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costwatchd_detect_anomalies_total",
			Help: "Anomalies emitted by the detector",
		},
		[]string{"issue_type"},
	)
	detectPairsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costwatchd_detect_pairs_failed",
			Help: "Service/account pair scans that failed",
		},
		[]string{"service", "account"},
	)
	detectSuppressed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costwatchd_detect_suppressed_total",
			Help: "Re-detections suppressed by the ledger",
		},
		[]string{"issue_type"},
	)

	// Pipeline metrics
	pipelineRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costwatchd_pipeline_runs_total",
			Help: "Detection cycles by result",
		},
		[]string{"result"},
	)
	pipelineOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costwatchd_pipeline_outcomes_total",
			Help: "Terminal anomaly outcomes by status",
		},
		[]string{"status"},
	)
	pipelineRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "costwatchd_pipeline_run_duration_seconds",
			Help:    "Wall time of a full detection cycle",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800},
		},
	)

	// Knowledge retrieval metrics
	knowledgeDegraded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "costwatchd_knowledge_degraded_total",
			Help: "Retrievals that degraded to empty context",
		},
	)

	// Synthesis metrics
	synthDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costwatchd_synth_duration_seconds",
			Help:    "LLM synthesis latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"issue_type"},
	)
	synthErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costwatchd_synth_errors_total",
			Help: "Synthesis failures by reason",
		},
		[]string{"reason"},
	)

	// Orchestration metrics
	orchestrateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costwatchd_orchestrate_transitions_total",
			Help: "Orchestration stage transitions",
		},
		[]string{"stage", "result"},
	)

	// Embedding metrics
	embeddingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costwatchd_embedding_generation_duration_seconds",
			Help:    "Embedding generation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model", "operation"},
	)
	embeddingBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costwatchd_embedding_batch_size",
			Help:    "Texts per embedding batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
		[]string{"model", "operation"},
	)
	embeddingErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costwatchd_embedding_errors_total",
			Help: "Embedding generation failures",
		},
		[]string{"model", "operation"},
	)

	// Admin server metrics
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "costwatchd_http_requests_total",
			Help: "HTTP requests handled by the admin server",
		},
		[]string{"method", "endpoint", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costwatchd_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.25, 1.0, 5.0, 30.0, 120.0, 600.0},
		},
		[]string{"method", "endpoint"},
	)
	httpResponseSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "costwatchd_http_response_size_bytes",
			Help:    "HTTP response sizes",
			Buckets: prometheus.ExponentialBuckets(100, 5, 6),
		},
		[]string{"method", "endpoint"},
	)
	httpActiveRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "costwatchd_http_active_requests",
			Help: "In-flight HTTP requests",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		// Detection
		detectAnomalies,
		detectPairsFailed,
		detectSuppressed,
		// Pipeline
		pipelineRuns,
		pipelineOutcomes,
		pipelineRunDuration,
		// Knowledge
		knowledgeDegraded,
		// Synthesis
		synthDuration,
		synthErrors,
		// Orchestration
		orchestrateTransitions,
		// Embeddings
		embeddingDuration,
		embeddingBatchSize,
		embeddingErrors,
		// HTTP
		httpRequestsTotal,
		httpRequestDuration,
		httpResponseSize,
		httpActiveRequests,
	)
}

var (
	issueTypes = []string{"cost_spike", "waste_pattern"}
	services   = []string{"AmazonEC2", "AmazonS3", "AmazonRDS", "AWSLambda"}
	accounts   = []string{"123456789012", "210987654321"}
	stages     = []string{"branch", "commit", "pr", "notify"}
	synReasons = []string{"backend_unavailable", "invalid_response", "validation_failed"}
	endpoints  = []string{"/health", "/api/v1/scan", "/api/v1/results", "/api/v1/results/:anomaly_id", "/api/v1/score"}
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "9091"
	}

	// Generate initial sample data
	generateSampleData()

	// Start background goroutine to continuously generate data
	ctx, cancel := context.WithCancel(context.Background())
	go generateContinuousData(ctx)

	// Serve metrics
	http.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    ":" + port,
		Handler: nil,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		cancel()
		server.Shutdown(context.Background())
	}()

	fmt.Printf("Sample metrics server running on http://localhost:%s/metrics\n", port)
	fmt.Println("Press Ctrl+C to stop")
	fmt.Println("\nTo use with Prometheus, add this to prometheus.yml:")
	fmt.Printf("  - job_name: 'costwatchd-test'\n    static_configs:\n      - targets: ['localhost:%s']\n", port)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal(err)
	}
}

// generateSampleData seeds plausible history so dashboards render immediately.
func generateSampleData() {
	// A few dozen completed cycles with mixed outcomes
	for i := 0; i < 30; i++ {
		simulateCycle()
	}

	// Background scrapes of the admin API
	for i := 0; i < 200; i++ {
		endpoint := randomChoice(endpoints)
		method := "GET"
		if endpoint == "/api/v1/scan" || endpoint == "/api/v1/score" {
			method = "POST"
		}
		status := randomChoice([]string{"200", "200", "200", "200", "404", "500"})
		httpRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
		httpRequestDuration.WithLabelValues(method, endpoint).Observe(rand.Float64() * 0.2)
		httpResponseSize.WithLabelValues(method, endpoint).Observe(float64(rand.Intn(4000) + 200))
	}

	// Knowledge base loads exercise document embedding
	for i := 0; i < 20; i++ {
		embeddingDuration.WithLabelValues("BGESmallENV15", "documents").Observe(rand.Float64() * 1.5)
		embeddingBatchSize.WithLabelValues("BGESmallENV15", "documents").Observe(float64(rand.Intn(64) + 1))
	}
}

// simulateCycle walks one detection cycle through the whole pipeline so the
// counters stay mutually consistent (outcomes never exceed emissions).
func simulateCycle() {
	pipelineRunDuration.Observe(rand.Float64()*120 + 5)

	if rand.Float64() < 0.05 {
		pipelineRuns.WithLabelValues("failed").Inc()
		detectPairsFailed.WithLabelValues(randomChoice(services), randomChoice(accounts)).Inc()
		return
	}
	pipelineRuns.WithLabelValues("completed").Inc()

	anomalies := rand.Intn(4)
	for i := 0; i < anomalies; i++ {
		issue := randomChoice(issueTypes)
		detectAnomalies.WithLabelValues(issue).Inc()

		// Each anomaly embeds its query and synthesizes a recommendation.
		embeddingDuration.WithLabelValues("BGESmallENV15", "query").Observe(rand.Float64() * 0.3)
		embeddingBatchSize.WithLabelValues("BGESmallENV15", "query").Observe(1)
		if rand.Float64() < 0.1 {
			knowledgeDegraded.Inc()
		}

		synthDuration.WithLabelValues(issue).Observe(rand.Float64()*8 + 1)
		if rand.Float64() < 0.15 {
			synthErrors.WithLabelValues(randomChoice(synReasons)).Inc()
			pipelineOutcomes.WithLabelValues("failed").Inc()
			continue
		}

		// Orchestration: each stage either advances or fails the run.
		failed := false
		for _, stage := range stages {
			if rand.Float64() < 0.05 {
				orchestrateTransitions.WithLabelValues(stage, "failed").Inc()
				failed = true
				break
			}
			orchestrateTransitions.WithLabelValues(stage, "ok").Inc()
		}
		switch {
		case failed:
			pipelineOutcomes.WithLabelValues("failed").Inc()
		case rand.Float64() < 0.1:
			pipelineOutcomes.WithLabelValues("partial").Inc()
		default:
			pipelineOutcomes.WithLabelValues("success").Inc()
		}
	}

	// Re-detections of already-handled anomalies
	if rand.Float64() < 0.4 {
		detectSuppressed.WithLabelValues(randomChoice(issueTypes)).Inc()
	}
}

func generateContinuousData(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Occasional scheduled cycle
			if rand.Float64() > 0.7 {
				simulateCycle()
			}

			// Steady trickle of admin API traffic
			httpActiveRequests.Set(float64(rand.Intn(3)))
			endpoint := randomChoice(endpoints)
			method := "GET"
			if endpoint == "/api/v1/scan" || endpoint == "/api/v1/score" {
				method = "POST"
			}
			httpRequestsTotal.WithLabelValues(method, endpoint, "200").Inc()
			httpRequestDuration.WithLabelValues(method, endpoint).Observe(rand.Float64() * 0.2)
			httpResponseSize.WithLabelValues(method, endpoint).Observe(float64(rand.Intn(4000) + 200))

			// Occasional embedding failure to light up error panels
			if rand.Float64() > 0.95 {
				embeddingErrors.WithLabelValues("BGESmallENV15", "query").Inc()
			}
		}
	}
}

func randomChoice(choices []string) string {
	return choices[rand.Intn(len(choices))]
}
