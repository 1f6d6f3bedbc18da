// Package orchestrate executes the remediation state machine for a validated
// recommendation: branch, commit, pull request, notification. Every run ends
// in exactly one terminal ActionResult; remote side effects are idempotent
// so an interrupted run resumes instead of duplicating work.
package orchestrate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
	"github.com/fyrsmithlabs/costwatchd/internal/ledger"
	"github.com/fyrsmithlabs/costwatchd/internal/notify"
)

const instrumentationName = "github.com/fyrsmithlabs/costwatchd/internal/orchestrate"

// Checkpoint stage values, in pipeline order. A checkpoint records the last
// stage that completed.
const (
	StageBranchCreated = "branch_created"
	StageCommitted     = "committed"
	StagePROpened      = "pr_opened"
	StageNotified      = "notified"
)

// Failure stage names reported in ActionResult.FailedStage.
const (
	FailBranch = "branch"
	FailCommit = "commit"
	FailPR     = "pr"
)

// stageRank orders checkpoint stages so a resumed run knows what to skip.
func stageRank(stage string) int {
	switch stage {
	case StageBranchCreated:
		return 1
	case StageCommitted:
		return 2
	case StagePROpened:
		return 3
	case StageNotified:
		return 4
	default:
		return 0
	}
}

// PullRequest identifies the remediation pull request.
type PullRequest struct {
	URL     string
	Number  int
	Existed bool
}

// RepoHost is the repository-host surface the orchestrator drives. All
// operations are idempotent for repeated runs of the same anomaly.
type RepoHost interface {
	// EnsureBranch creates branch unless it exists. Returns true when it
	// already existed.
	EnsureBranch(ctx context.Context, branch string) (existed bool, err error)

	// CommitFile writes content to path on branch; identical existing
	// content is a no-op. Returns true when a commit happened.
	CommitFile(ctx context.Context, branch, path, message string, content []byte) (committed bool, err error)

	// EnsurePR opens a pull request for branch unless one is already open.
	EnsurePR(ctx context.Context, branch, title, body string) (PullRequest, error)
}

// CodeGate vets generated code before it is committed.
type CodeGate interface {
	Check(content string) error
}

// Orchestrator runs the remediation state machine.
type Orchestrator struct {
	host     RepoHost
	gate     CodeGate
	notifier notify.Notifier
	ledger   ledger.Store
	policy   RetryPolicy
	logger   *zap.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	transitions metric.Int64Counter
}

// New creates an orchestrator. The retry policy applies to every repository
// host stage; the notifier retries internally.
func New(host RepoHost, gate CodeGate, notifier notify.Notifier, led ledger.Store, policy RetryPolicy, logger *zap.Logger) (*Orchestrator, error) {
	if host == nil {
		return nil, errors.New("repo host is required")
	}
	if gate == nil {
		return nil, errors.New("code gate is required")
	}
	if notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if led == nil {
		return nil, errors.New("ledger is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	policy.ApplyDefaults()

	o := &Orchestrator{
		host:     host,
		gate:     gate,
		notifier: notifier,
		ledger:   led,
		policy:   policy,
		logger:   logger.Named("orchestrate"),
		tracer:   otel.Tracer(instrumentationName),
		meter:    otel.Meter(instrumentationName),
	}
	o.initMetrics()
	return o, nil
}

func (o *Orchestrator) initMetrics() {
	var err error

	o.transitions, err = o.meter.Int64Counter(
		"costwatchd.orchestrate.transitions_total",
		metric.WithDescription("State machine transitions by stage and result"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		o.logger.Warn("failed to create transitions counter", zap.Error(err))
	}
}

// Execute runs the state machine for one recommendation and always returns a
// terminal result; errors are folded into the result's status. Progress is
// checkpointed after every completed stage so a rerun for the same anomaly
// resumes where the last one stopped.
func (o *Orchestrator) Execute(ctx context.Context, anomaly costmodel.Anomaly, rec costmodel.Recommendation) costmodel.ActionResult {
	ctx, span := o.tracer.Start(ctx, "orchestrate.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("anomaly.id", anomaly.ID),
		attribute.String("anomaly.issue_type", string(anomaly.IssueType)),
	)

	cp := o.loadCheckpoint(ctx, anomaly.ID)
	if cp.Stage != "" {
		o.logger.Info("resuming orchestration from checkpoint",
			zap.String("anomaly_id", anomaly.ID),
			zap.String("stage", cp.Stage))
	}

	branch := cp.BranchName
	if branch == "" {
		branch = BranchName(anomaly)
	}

	res := costmodel.ActionResult{
		AnomalyID:  anomaly.ID,
		BranchName: branch,
		PRURL:      cp.PRURL,
	}

	if stageRank(cp.Stage) < stageRank(StageBranchCreated) {
		err := o.policy.Do(ctx, IsTransient, func() error {
			_, err := o.host.EnsureBranch(ctx, branch)
			return err
		})
		if err != nil {
			return o.fail(ctx, span, res, FailBranch, err)
		}
		o.completed(ctx, StageBranchCreated)
		cp = o.saveCheckpoint(ctx, ledger.Checkpoint{
			AnomalyID:  anomaly.ID,
			Stage:      StageBranchCreated,
			BranchName: branch,
		})
	}

	if stageRank(cp.Stage) < stageRank(StageCommitted) {
		if err := o.gate.Check(rec.GeneratedCode); err != nil {
			return o.fail(ctx, span, res, FailCommit, err)
		}

		path := FilePath(anomaly)
		message := CommitMessage(anomaly)
		err := o.policy.Do(ctx, IsTransient, func() error {
			_, err := o.host.CommitFile(ctx, branch, path, message, []byte(rec.GeneratedCode))
			return err
		})
		if err != nil {
			return o.fail(ctx, span, res, FailCommit, err)
		}
		o.completed(ctx, StageCommitted)
		cp = o.saveCheckpoint(ctx, ledger.Checkpoint{
			AnomalyID:  anomaly.ID,
			Stage:      StageCommitted,
			BranchName: branch,
		})
	}

	if stageRank(cp.Stage) < stageRank(StagePROpened) {
		var pr PullRequest
		err := o.policy.Do(ctx, IsTransient, func() error {
			var prErr error
			pr, prErr = o.host.EnsurePR(ctx, branch, PRTitle(anomaly), PRBody(anomaly, rec))
			return prErr
		})
		if err != nil {
			return o.fail(ctx, span, res, FailPR, err)
		}
		res.PRURL = pr.URL
		o.completed(ctx, StagePROpened)
		cp = o.saveCheckpoint(ctx, ledger.Checkpoint{
			AnomalyID:  anomaly.ID,
			Stage:      StagePROpened,
			BranchName: branch,
			PRURL:      pr.URL,
			PRNumber:   pr.Number,
		})
	}

	res.Status = costmodel.StatusSuccess
	if stageRank(cp.Stage) < stageRank(StageNotified) {
		msg := notify.Message{
			AnomalyID:        anomaly.ID,
			Service:          anomaly.Service,
			ResourceID:       anomaly.ResourceID,
			IssueType:        anomaly.IssueType,
			PRURL:            res.PRURL,
			EstimatedSavings: rec.EstimatedSavings,
			RiskLevel:        rec.RiskLevel,
		}
		if err := o.notifier.Send(ctx, msg); err != nil {
			o.logger.Warn("notification failed, downgrading result to partial",
				zap.String("anomaly_id", anomaly.ID),
				zap.Error(err))
			span.RecordError(err)
			res.Status = costmodel.StatusPartial
			res.Error = fmt.Sprintf("notify: %v", err)
		} else {
			res.Notified = true
			o.completed(ctx, StageNotified)
			o.saveCheckpoint(ctx, ledger.Checkpoint{
				AnomalyID:  anomaly.ID,
				Stage:      StageNotified,
				BranchName: branch,
				PRURL:      res.PRURL,
				PRNumber:   cp.PRNumber,
			})
		}
	} else {
		res.Notified = true
	}

	res.CompletedAt = time.Now().UTC()
	o.putResult(ctx, res)

	o.logger.Info("orchestration complete",
		zap.String("anomaly_id", anomaly.ID),
		zap.String("status", string(res.Status)),
		zap.String("branch", res.BranchName),
		zap.String("pr_url", res.PRURL))
	return res
}

// fail records the terminal failed result for a stage and returns it.
func (o *Orchestrator) fail(ctx context.Context, span trace.Span, res costmodel.ActionResult, stage string, err error) costmodel.ActionResult {
	oerr := &OrchestrationError{Stage: stage, Transient: IsTransient(err), Err: err}
	o.logger.Error("orchestration failed",
		zap.String("anomaly_id", res.AnomalyID),
		zap.String("stage", stage),
		zap.Bool("transient", oerr.Transient),
		zap.Error(err))
	span.RecordError(oerr)
	if o.transitions != nil {
		o.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("result", "failed"),
		))
	}

	res.Status = costmodel.StatusFailed
	res.FailedStage = stage
	res.Error = oerr.Error()
	res.CompletedAt = time.Now().UTC()
	o.putResult(ctx, res)
	return res
}

func (o *Orchestrator) completed(ctx context.Context, stage string) {
	if o.transitions != nil {
		o.transitions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("result", "ok"),
		))
	}
}

// loadCheckpoint returns the stored checkpoint or a zero value. A ledger
// read failure restarts from scratch, which is safe because every stage is
// idempotent.
func (o *Orchestrator) loadCheckpoint(ctx context.Context, anomalyID string) ledger.Checkpoint {
	cp, err := o.ledger.GetCheckpoint(ctx, anomalyID)
	if err != nil {
		if !errors.Is(err, ledger.ErrNotFound) {
			o.logger.Warn("checkpoint read failed, starting from scratch",
				zap.String("anomaly_id", anomalyID),
				zap.Error(err))
		}
		return ledger.Checkpoint{AnomalyID: anomalyID}
	}
	return cp
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, cp ledger.Checkpoint) ledger.Checkpoint {
	cp.UpdatedAt = time.Now().UTC()
	if err := o.ledger.PutCheckpoint(ctx, cp); err != nil {
		o.logger.Warn("checkpoint write failed",
			zap.String("anomaly_id", cp.AnomalyID),
			zap.String("stage", cp.Stage),
			zap.Error(err))
	}
	return cp
}

// putResult stores the terminal result. The write survives cycle
// cancellation so a canceled run still leaves its record.
func (o *Orchestrator) putResult(ctx context.Context, res costmodel.ActionResult) {
	if err := o.ledger.PutResult(context.WithoutCancel(ctx), res); err != nil {
		o.logger.Warn("result write failed",
			zap.String("anomaly_id", res.AnomalyID),
			zap.Error(err))
	}
}
