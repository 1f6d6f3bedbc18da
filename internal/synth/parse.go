package synth

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

// llmResponse mirrors the JSON object the model is instructed to return.
type llmResponse struct {
	RootCause           string   `json:"root_cause"`
	Actions             []string `json:"actions"`
	TerraformCode       string   `json:"terraform_code"`
	EstimatedSavingsUSD float64  `json:"estimated_savings_usd"`
	RiskLevel           string   `json:"risk_level"`
	RollbackPlan        string   `json:"rollback_plan"`
	Confidence          float64  `json:"confidence"`
}

// parseRecommendation strips markdown fences, unmarshals the model output,
// and validates every field the downstream orchestrator depends on.
// Unmarshal failures are invalid_response; gate failures are
// validation_failed.
func parseRecommendation(raw string) (llmResponse, costmodel.RiskLevel, error) {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var resp llmResponse
	if err := json.Unmarshal([]byte(cleaned), &resp); err != nil {
		return llmResponse{}, "", invalidErr(fmt.Errorf("unmarshal response: %w", err))
	}

	if strings.TrimSpace(resp.RootCause) == "" {
		return llmResponse{}, "", validationErr(fmt.Errorf("root_cause is empty"))
	}
	if len(resp.Actions) == 0 {
		return llmResponse{}, "", validationErr(fmt.Errorf("actions is empty"))
	}
	for i, action := range resp.Actions {
		if strings.TrimSpace(action) == "" {
			return llmResponse{}, "", validationErr(fmt.Errorf("actions[%d] is empty", i))
		}
	}
	if strings.TrimSpace(resp.TerraformCode) == "" {
		return llmResponse{}, "", validationErr(fmt.Errorf("terraform_code is empty"))
	}
	if err := ValidateTerraform(resp.TerraformCode); err != nil {
		return llmResponse{}, "", validationErr(fmt.Errorf("terraform_code: %w", err))
	}

	risk, err := costmodel.ParseRiskLevel(resp.RiskLevel)
	if err != nil {
		return llmResponse{}, "", validationErr(err)
	}

	if math.IsNaN(resp.EstimatedSavingsUSD) || math.IsInf(resp.EstimatedSavingsUSD, 0) {
		return llmResponse{}, "", validationErr(fmt.Errorf("estimated_savings_usd is not finite"))
	}
	if resp.EstimatedSavingsUSD < 0 {
		return llmResponse{}, "", validationErr(fmt.Errorf("estimated_savings_usd is negative: %f", resp.EstimatedSavingsUSD))
	}

	return resp, risk, nil
}
