package knowledge

import (
	"strings"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

// issuePhrases maps anomaly issue types to the search phrase used in queries.
var issuePhrases = map[costmodel.IssueType]string{
	costmodel.IssueCostSpike:    "cost spike",
	costmodel.IssueWastePattern: "resource waste",
}

// BuildQuery renders the deterministic search query for an anomaly.
//
// The template is "{service} {issue phrase} optimization cost reduction";
// waste anomalies append the resource type so instance-size runbooks rank
// higher.
func BuildQuery(a costmodel.Anomaly) string {
	phrase, ok := issuePhrases[a.IssueType]
	if !ok {
		phrase = strings.ReplaceAll(string(a.IssueType), "_", " ")
	}

	var b strings.Builder
	b.WriteString(a.Service)
	b.WriteString(" ")
	b.WriteString(phrase)
	b.WriteString(" optimization cost reduction")
	if a.IssueType == costmodel.IssueWastePattern && a.ResourceType != "" {
		b.WriteString(" ")
		b.WriteString(a.ResourceType)
	}
	return b.String()
}
