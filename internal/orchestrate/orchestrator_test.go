package orchestrate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
	"github.com/fyrsmithlabs/costwatchd/internal/ledger"
	"github.com/fyrsmithlabs/costwatchd/internal/notify"
)

type fakeHost struct {
	branchErrs []error
	commitErrs []error
	prErrs     []error

	branchExisted bool
	pr            PullRequest

	branchCalls int
	commitCalls int
	prCalls     int

	lastBranch  string
	lastPath    string
	lastMessage string
	lastContent string
	lastTitle   string
	lastBody    string
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		pr: PullRequest{URL: "https://github.com/acme/infra/pull/7", Number: 7},
	}
}

func nextErr(errs *[]error) error {
	if len(*errs) == 0 {
		return nil
	}
	err := (*errs)[0]
	*errs = (*errs)[1:]
	return err
}

func (f *fakeHost) EnsureBranch(_ context.Context, branch string) (bool, error) {
	f.branchCalls++
	f.lastBranch = branch
	if err := nextErr(&f.branchErrs); err != nil {
		return false, err
	}
	return f.branchExisted, nil
}

func (f *fakeHost) CommitFile(_ context.Context, branch, path, message string, content []byte) (bool, error) {
	f.commitCalls++
	f.lastBranch = branch
	f.lastPath = path
	f.lastMessage = message
	f.lastContent = string(content)
	if err := nextErr(&f.commitErrs); err != nil {
		return false, err
	}
	return true, nil
}

func (f *fakeHost) EnsurePR(_ context.Context, branch, title, body string) (PullRequest, error) {
	f.prCalls++
	f.lastBranch = branch
	f.lastTitle = title
	f.lastBody = body
	if err := nextErr(&f.prErrs); err != nil {
		return PullRequest{}, err
	}
	return f.pr, nil
}

type fakeGate struct {
	err   error
	calls int
	last  string
}

func (g *fakeGate) Check(content string) error {
	g.calls++
	g.last = content
	return g.err
}

type fakeNotifier struct {
	err   error
	calls int
	last  notify.Message
}

func (n *fakeNotifier) Send(_ context.Context, msg notify.Message) error {
	n.calls++
	n.last = msg
	return n.err
}

type orchestraFixture struct {
	host     *fakeHost
	gate     *fakeGate
	notifier *fakeNotifier
	ledger   *ledger.Memory
	orch     *Orchestrator
}

func newFixture(t *testing.T) *orchestraFixture {
	t.Helper()
	f := &orchestraFixture{
		host:     newFakeHost(),
		gate:     &fakeGate{},
		notifier: &fakeNotifier{},
		ledger:   ledger.NewMemory(),
	}

	orch, err := New(f.host, f.gate, f.notifier, f.ledger, fastPolicy(2), zap.NewNop())
	require.NoError(t, err)
	f.orch = orch
	return f
}

func TestNew_Validation(t *testing.T) {
	led := ledger.NewMemory()

	_, err := New(nil, &fakeGate{}, &fakeNotifier{}, led, RetryPolicy{}, nil)
	assert.Error(t, err)
	_, err = New(newFakeHost(), nil, &fakeNotifier{}, led, RetryPolicy{}, nil)
	assert.Error(t, err)
	_, err = New(newFakeHost(), &fakeGate{}, nil, led, RetryPolicy{}, nil)
	assert.Error(t, err)
	_, err = New(newFakeHost(), &fakeGate{}, &fakeNotifier{}, nil, RetryPolicy{}, nil)
	assert.Error(t, err)
}

func TestExecute_Success(t *testing.T) {
	f := newFixture(t)
	anomaly := wasteAnomaly()
	rec := testRecommendation()

	res := f.orch.Execute(context.Background(), anomaly, rec)

	assert.Equal(t, costmodel.StatusSuccess, res.Status)
	assert.Equal(t, anomaly.ID, res.AnomalyID)
	assert.Equal(t, "rightsize/amazonec2-i-0abc123", res.BranchName)
	assert.Equal(t, "https://github.com/acme/infra/pull/7", res.PRURL)
	assert.True(t, res.Notified)
	assert.Empty(t, res.FailedStage)
	assert.False(t, res.CompletedAt.IsZero())

	assert.Equal(t, 1, f.host.branchCalls)
	assert.Equal(t, 1, f.host.commitCalls)
	assert.Equal(t, 1, f.host.prCalls)
	assert.Equal(t, "remediation/AmazonEC2/i-0abc123_waste_pattern.tf", f.host.lastPath)
	assert.Equal(t, CommitMessage(anomaly), f.host.lastMessage)
	assert.Equal(t, rec.GeneratedCode, f.host.lastContent)
	assert.Equal(t, PRTitle(anomaly), f.host.lastTitle)
	assert.Contains(t, f.host.lastBody, rec.RootCause)

	assert.Equal(t, 1, f.gate.calls)
	assert.Equal(t, rec.GeneratedCode, f.gate.last)

	assert.Equal(t, 1, f.notifier.calls)
	assert.Equal(t, anomaly.ID, f.notifier.last.AnomalyID)
	assert.Equal(t, res.PRURL, f.notifier.last.PRURL)
	assert.Equal(t, rec.EstimatedSavings, f.notifier.last.EstimatedSavings)

	stored, err := f.ledger.GetResult(context.Background(), anomaly.ID)
	require.NoError(t, err)
	assert.Equal(t, costmodel.StatusSuccess, stored.Status)

	cp, err := f.ledger.GetCheckpoint(context.Background(), anomaly.ID)
	require.NoError(t, err)
	assert.Equal(t, StageNotified, cp.Stage)
	assert.Equal(t, res.PRURL, cp.PRURL)
}

func TestExecute_NotifyFailureIsPartial(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("webhook down")
	anomaly := wasteAnomaly()

	res := f.orch.Execute(context.Background(), anomaly, testRecommendation())

	assert.Equal(t, costmodel.StatusPartial, res.Status)
	assert.False(t, res.Notified)
	assert.NotEmpty(t, res.PRURL)
	assert.Contains(t, res.Error, "notify")

	// Checkpoint holds at pr_opened so a rerun retries only the notification.
	cp, err := f.ledger.GetCheckpoint(context.Background(), anomaly.ID)
	require.NoError(t, err)
	assert.Equal(t, StagePROpened, cp.Stage)

	stored, err := f.ledger.GetResult(context.Background(), anomaly.ID)
	require.NoError(t, err)
	assert.Equal(t, costmodel.StatusPartial, stored.Status)
}

func TestExecute_TransientErrorIsRetried(t *testing.T) {
	f := newFixture(t)
	f.host.branchErrs = []error{markTransient(errors.New("502"))}

	res := f.orch.Execute(context.Background(), wasteAnomaly(), testRecommendation())

	assert.Equal(t, costmodel.StatusSuccess, res.Status)
	assert.Equal(t, 2, f.host.branchCalls)
}

func TestExecute_RetryExhaustionFails(t *testing.T) {
	f := newFixture(t)
	f.host.commitErrs = []error{
		markTransient(errors.New("503")),
		markTransient(errors.New("503")),
	}
	anomaly := wasteAnomaly()

	res := f.orch.Execute(context.Background(), anomaly, testRecommendation())

	assert.Equal(t, costmodel.StatusFailed, res.Status)
	assert.Equal(t, FailCommit, res.FailedStage)
	assert.Contains(t, res.Error, "retries exhausted")
	assert.Equal(t, "rightsize/amazonec2-i-0abc123", res.BranchName)
	assert.Equal(t, 2, f.host.commitCalls)
	assert.Equal(t, 0, f.host.prCalls)
	assert.Equal(t, 0, f.notifier.calls)

	// Progress through branch creation is preserved for the next run.
	cp, err := f.ledger.GetCheckpoint(context.Background(), anomaly.ID)
	require.NoError(t, err)
	assert.Equal(t, StageBranchCreated, cp.Stage)

	stored, err := f.ledger.GetResult(context.Background(), anomaly.ID)
	require.NoError(t, err)
	assert.Equal(t, costmodel.StatusFailed, stored.Status)
	assert.Equal(t, FailCommit, stored.FailedStage)
}

func TestExecute_FatalErrorNotRetried(t *testing.T) {
	f := newFixture(t)
	f.host.prErrs = []error{errors.New("422 validation failed")}

	res := f.orch.Execute(context.Background(), wasteAnomaly(), testRecommendation())

	assert.Equal(t, costmodel.StatusFailed, res.Status)
	assert.Equal(t, FailPR, res.FailedStage)
	assert.Equal(t, 1, f.host.prCalls)
}

func TestExecute_GateBlocksCommit(t *testing.T) {
	f := newFixture(t)
	f.gate.err = errors.New("secretscan: 1 findings: aws-access-token (line 3)")
	anomaly := wasteAnomaly()

	res := f.orch.Execute(context.Background(), anomaly, testRecommendation())

	assert.Equal(t, costmodel.StatusFailed, res.Status)
	assert.Equal(t, FailCommit, res.FailedStage)
	assert.Contains(t, res.Error, "secretscan")
	assert.Equal(t, 0, f.host.commitCalls)
	assert.Equal(t, 0, f.host.prCalls)
}

func TestExecute_ResumesFromCheckpoint(t *testing.T) {
	f := newFixture(t)
	anomaly := wasteAnomaly()
	require.NoError(t, f.ledger.PutCheckpoint(context.Background(), ledger.Checkpoint{
		AnomalyID:  anomaly.ID,
		Stage:      StageCommitted,
		BranchName: "rightsize/amazonec2-i-0abc123",
	}))

	res := f.orch.Execute(context.Background(), anomaly, testRecommendation())

	assert.Equal(t, costmodel.StatusSuccess, res.Status)
	assert.Equal(t, 0, f.host.branchCalls)
	assert.Equal(t, 0, f.host.commitCalls)
	assert.Equal(t, 0, f.gate.calls)
	assert.Equal(t, 1, f.host.prCalls)
	assert.Equal(t, 1, f.notifier.calls)
}

func TestExecute_ResumeRetriesOnlyNotification(t *testing.T) {
	f := newFixture(t)
	anomaly := wasteAnomaly()
	require.NoError(t, f.ledger.PutCheckpoint(context.Background(), ledger.Checkpoint{
		AnomalyID:  anomaly.ID,
		Stage:      StagePROpened,
		BranchName: "rightsize/amazonec2-i-0abc123",
		PRURL:      "https://github.com/acme/infra/pull/7",
		PRNumber:   7,
	}))

	res := f.orch.Execute(context.Background(), anomaly, testRecommendation())

	assert.Equal(t, costmodel.StatusSuccess, res.Status)
	assert.Equal(t, "https://github.com/acme/infra/pull/7", res.PRURL)
	assert.True(t, res.Notified)
	assert.Equal(t, 0, f.host.branchCalls)
	assert.Equal(t, 0, f.host.commitCalls)
	assert.Equal(t, 0, f.host.prCalls)
	assert.Equal(t, 1, f.notifier.calls)
	assert.Equal(t, "https://github.com/acme/infra/pull/7", f.notifier.last.PRURL)
}

func TestExecute_RerunAfterSuccessIsNoOp(t *testing.T) {
	f := newFixture(t)
	anomaly := wasteAnomaly()

	first := f.orch.Execute(context.Background(), anomaly, testRecommendation())
	require.Equal(t, costmodel.StatusSuccess, first.Status)

	second := f.orch.Execute(context.Background(), anomaly, testRecommendation())

	assert.Equal(t, costmodel.StatusSuccess, second.Status)
	assert.True(t, second.Notified)
	assert.Equal(t, first.PRURL, second.PRURL)
	assert.Equal(t, 1, f.host.branchCalls)
	assert.Equal(t, 1, f.host.commitCalls)
	assert.Equal(t, 1, f.host.prCalls)
	assert.Equal(t, 1, f.notifier.calls)
}
