// Package costmodel defines the records that flow through the detection and
// remediation pipeline. Each record type is produced by exactly one stage and
// handed forward by value; downstream stages derive new records instead of
// mutating upstream ones.
package costmodel

import (
	"time"
)

// ResourceState represents the lifecycle state of a billed resource.
type ResourceState string

const (
	// StateRunning means the resource is active and billing for compute.
	StateRunning ResourceState = "running"
	// StateStopped means the resource is halted but still billed for storage.
	StateStopped ResourceState = "stopped"
	// StateOther covers provider states with no waste semantics (pending,
	// terminating, hibernated).
	StateOther ResourceState = "other"
)

// ParseResourceState maps a provider state string onto the three states the
// waste rules understand. Unknown states map to StateOther.
func ParseResourceState(s string) ResourceState {
	switch ResourceState(s) {
	case StateRunning, StateStopped:
		return ResourceState(s)
	default:
		return StateOther
	}
}

// IssueType classifies what a detected anomaly represents.
type IssueType string

const (
	// IssueCostSpike is a daily cost exceeding the trailing two-sigma band.
	IssueCostSpike IssueType = "cost_spike"
	// IssueWastePattern is a resource whose waste score crossed the threshold.
	IssueWastePattern IssueType = "waste_pattern"
)

// RiskLevel grades how disruptive applying a recommendation could be.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ActionStatus is the terminal outcome of one orchestration run.
type ActionStatus string

const (
	// StatusSuccess means every stage through notification completed.
	StatusSuccess ActionStatus = "success"
	// StatusPartial means the PR exists but notification failed.
	StatusPartial ActionStatus = "partial"
	// StatusFailed means a stage exhausted its retries; prior progress is
	// preserved and resumable.
	StatusFailed ActionStatus = "failed"
)

// CostPoint is one immutable billing observation. Ingestion produces them;
// the detector's query layer consumes daily aggregates of them.
type CostPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Service   string    `json:"service"`
	Account   string    `json:"account"`
	Region    string    `json:"region"`
	Cost      float64   `json:"cost"`
	Usage     float64   `json:"usage"`
}

// ResourceSnapshot captures one resource's utilization and cost at detection
// time. Snapshots are ephemeral: recomputed each cycle, never stored by the
// pipeline core.
type ResourceSnapshot struct {
	ResourceID   string        `json:"resource_id"`
	ResourceType string        `json:"resource_type"`
	Region       string        `json:"region"`
	Account      string        `json:"account"`
	Service      string        `json:"service"`
	State        ResourceState `json:"state"`

	// CPUUtilization is the trailing average CPU percentage. Values outside
	// [0,100] are clamped by the waste scorer before rule evaluation.
	CPUUtilization float64 `json:"cpu_utilization"`

	MonthlyCost float64 `json:"monthly_cost"`
}

// Anomaly is a detected cost condition tied to one resource or service on one
// calendar day. Immutable once created. The ID is content-addressed (see
// NewAnomalyID) so repeated detection of the same condition converges on the
// same identity instead of spawning duplicate remediation work.
type Anomaly struct {
	ID         string    `json:"id"`
	Service    string    `json:"service"`
	Account    string    `json:"account"`
	ResourceID string    `json:"resource_id"`
	IssueType  IssueType `json:"issue_type"`

	// ResourceType is set for waste_pattern anomalies; empty for cost spikes.
	ResourceType string `json:"resource_type,omitempty"`

	// Metrics holds the named values that triggered detection (mean, stddev,
	// waste_score, ...). Keys depend on IssueType.
	Metrics map[string]float64 `json:"metrics"`

	// EstimatedCostImpact is the detector's rough monthly/daily dollar figure
	// for this condition.
	EstimatedCostImpact float64 `json:"estimated_cost_impact"`

	DetectedAt time.Time `json:"detected_at"`
}

// KnowledgeChunk is one piece of retrieved reference text. Chunks are fetched
// per anomaly and never persisted by the pipeline.
type KnowledgeChunk struct {
	SourceID  string   `json:"source_id"`
	Text      string   `json:"text"`
	Relevance float64  `json:"relevance"`
	Tags      []string `json:"tags"`
}

// Recommendation is the validated remediation plan for one anomaly. Instances
// only exist after the synthesizer's validation gate; an unvalidated response
// never becomes a Recommendation.
type Recommendation struct {
	AnomalyID string `json:"anomaly_id"`

	// RootCause is the synthesized explanation of the anomaly.
	RootCause string `json:"root_cause"`

	// Actions is the ordered remediation checklist.
	Actions []string `json:"actions"`

	// GeneratedCode is the Terraform that implements the remediation.
	// Non-empty and well-formed by construction.
	GeneratedCode string `json:"generated_code"`

	EstimatedSavings float64   `json:"estimated_savings"`
	RiskLevel        RiskLevel `json:"risk_level"`
	RollbackPlan     string    `json:"rollback_plan"`

	// Confidence reflects retrieval quality: lowered when the synthesizer ran
	// without reference context.
	Confidence float64 `json:"confidence"`
}

// ActionResult is the terminal record of one orchestration run. Written once,
// never mutated; every anomaly that enters the pipeline ends in exactly one.
type ActionResult struct {
	AnomalyID  string       `json:"anomaly_id"`
	BranchName string       `json:"branch_name,omitempty"`
	PRURL      string       `json:"pr_url,omitempty"`
	Notified   bool         `json:"notified"`
	Status     ActionStatus `json:"status"`

	// FailedStage names the stage that exhausted retries when Status is
	// failed.
	FailedStage string `json:"failed_stage,omitempty"`

	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Terminal reports whether the status allows no further orchestration.
// Failed and partial runs are resumable on the next detection of the same
// identity; only success is permanently settled.
func (s ActionStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed:
		return true
	default:
		return false
	}
}
