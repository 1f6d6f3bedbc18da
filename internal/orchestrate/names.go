package orchestrate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

var (
	refUnsafe  = regexp.MustCompile(`[^a-z0-9._-]+`)
	pathUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)
)

// branchPrefix maps the issue type onto the branch namespace.
func branchPrefix(issue costmodel.IssueType) string {
	if issue == costmodel.IssueWastePattern {
		return "rightsize"
	}
	return "costfix"
}

// BranchName derives the deterministic remediation branch for an anomaly:
// {prefix}/{service}-{resourceID}, lower-cased and sanitized to git ref
// rules. Same anomaly identity, same branch.
func BranchName(a costmodel.Anomaly) string {
	name := strings.ToLower(a.Service + "-" + a.ResourceID)
	name = refUnsafe.ReplaceAllString(name, "-")
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	name = strings.Trim(name, "-.")
	if name == "" {
		name = a.ID
	}
	return branchPrefix(a.IssueType) + "/" + name
}

// FilePath derives the repository path the generated code is committed to.
func FilePath(a costmodel.Anomaly) string {
	return fmt.Sprintf("remediation/%s/%s_%s.tf",
		pathSegment(a.Service), pathSegment(a.ResourceID), a.IssueType)
}

func pathSegment(s string) string {
	cleaned := pathUnsafe.ReplaceAllString(s, "-")
	cleaned = strings.Trim(cleaned, "-.")
	if cleaned == "" {
		return "unknown"
	}
	return cleaned
}

// CommitMessage is the message for the remediation commit.
func CommitMessage(a costmodel.Anomaly) string {
	return fmt.Sprintf("costwatch: %s remediation for %s/%s", a.IssueType, a.Service, a.ResourceID)
}

// PRTitle is the pull request title.
func PRTitle(a costmodel.Anomaly) string {
	return fmt.Sprintf("[costwatch] %s: %s/%s", a.IssueType, a.Service, a.ResourceID)
}

// PRBody renders the pull request description from the recommendation.
func PRBody(a costmodel.Anomaly, rec costmodel.Recommendation) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Automated remediation for anomaly `%s` (%s on %s/%s, detected %s).\n\n",
		a.ID, a.IssueType, a.Service, a.ResourceID, a.DetectedAt.UTC().Format("2006-01-02"))

	b.WriteString("## Root cause\n\n")
	b.WriteString(rec.RootCause)
	b.WriteString("\n\n## Actions\n\n")
	for _, action := range rec.Actions {
		fmt.Fprintf(&b, "- %s\n", action)
	}

	b.WriteString("\n## Impact\n\n")
	fmt.Fprintf(&b, "- Estimated savings: $%.2f/month\n", rec.EstimatedSavings)
	fmt.Fprintf(&b, "- Risk level: %s\n", rec.RiskLevel)
	fmt.Fprintf(&b, "- Confidence: %.2f\n", rec.Confidence)

	b.WriteString("\n## Rollback\n\n")
	b.WriteString(rec.RollbackPlan)
	b.WriteString("\n")

	return b.String()
}
