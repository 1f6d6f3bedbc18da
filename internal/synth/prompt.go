package synth

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

// systemPrompt pins the response contract. The validating parser enforces
// every rule stated here.
const systemPrompt = `You are an expert cloud cost optimization engineer. You receive a detected cost anomaly together with reference documentation retrieved from a knowledge base.

Your job is to:
1. Analyze the root cause of the cost anomaly or waste pattern.
2. Recommend specific, actionable steps to reduce costs.
3. Generate working Terraform HCL code that implements the fix.
4. Estimate the monthly savings in USD.
5. Assess the risk level (low / medium / high).
6. Provide a rollback plan.

IMPORTANT:
- The Terraform code MUST be valid, complete HCL with at least one resource, module, or data block.
- Use variables for any values that should be configurable.
- Include relevant tags for cost tracking.
- Respond with a single JSON object in exactly this format and nothing else:
{
  "root_cause": "Detailed explanation of why this anomaly occurred",
  "actions": ["Step 1 description", "Step 2 description"],
  "terraform_code": "Full HCL code as a single string",
  "estimated_savings_usd": 123.45,
  "risk_level": "low|medium|high",
  "rollback_plan": "Step-by-step rollback instructions",
  "confidence": 0.85
}`

// noContextNote is what the prompt says when retrieval came back empty.
const noContextNote = "(no reference documentation available)"

// buildRequest renders the completion request for an anomaly and its
// retrieved context. Metric lines are sorted so the same anomaly always
// produces the same prompt.
func buildRequest(anomaly costmodel.Anomaly, chunks []costmodel.KnowledgeChunk) Request {
	var b strings.Builder

	b.WriteString("ANOMALY DETAILS:\n")
	fmt.Fprintf(&b, "  Service: %s\n", anomaly.Service)
	fmt.Fprintf(&b, "  Account: %s\n", anomaly.Account)
	fmt.Fprintf(&b, "  Resource: %s\n", anomaly.ResourceID)
	if anomaly.ResourceType != "" {
		fmt.Fprintf(&b, "  Resource Type: %s\n", anomaly.ResourceType)
	}
	fmt.Fprintf(&b, "  Issue Type: %s\n", anomaly.IssueType)
	fmt.Fprintf(&b, "  Estimated Cost Impact: $%.2f/month\n", anomaly.EstimatedCostImpact)
	fmt.Fprintf(&b, "  Detected: %s\n", anomaly.DetectedAt.Format("2006-01-02"))

	b.WriteString("  Metrics:\n")
	keys := make([]string, 0, len(anomaly.Metrics))
	for k := range anomaly.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "    %s: %.2f\n", k, anomaly.Metrics[k])
	}

	b.WriteString("\nReference context:\n")
	if len(chunks) == 0 {
		b.WriteString(noContextNote)
		b.WriteString("\n")
	} else {
		for i, c := range chunks {
			fmt.Fprintf(&b, "[%d] (source: %s, relevance %.2f)\n%s\n\n", i+1, c.SourceID, c.Relevance, c.Text)
		}
	}

	b.WriteString("\nRespond with the JSON object only.")

	return Request{
		System: systemPrompt,
		Prompt: b.String(),
	}
}
