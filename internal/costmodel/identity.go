package costmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// anomalyIDLen is the hex length of an anomaly identity. 16 hex chars (64
// bits) keeps branch names and KV keys short while making collisions across a
// fleet implausible.
const anomalyIDLen = 16

// NewAnomalyID derives the content-addressed identity for an anomaly.
//
// The identity is a function of (resource, issue type, calendar day) only:
// re-detecting the same condition on the same UTC day always yields the same
// ID, which is what makes downstream branch/PR creation idempotent. Cost
// spike anomalies pass the service name as resourceID.
func NewAnomalyID(resourceID string, issue IssueType, day time.Time) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", resourceID, issue, DayKey(day))))
	return hex.EncodeToString(sum[:])[:anomalyIDLen]
}

// DayKey formats a timestamp as the UTC calendar day used in anomaly
// identities.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NewAnomaly builds an Anomaly with its identity computed from the given
// fields and detectedAt's calendar day.
func NewAnomaly(service, account, resourceID string, issue IssueType, detectedAt time.Time) Anomaly {
	return Anomaly{
		ID:         NewAnomalyID(resourceID, issue, detectedAt),
		Service:    service,
		Account:    account,
		ResourceID: resourceID,
		IssueType:  issue,
		Metrics:    make(map[string]float64),
		DetectedAt: detectedAt,
	}
}

// ParseRiskLevel matches a response value against the risk enum,
// case-insensitively. Anything outside the three defined levels is an error;
// callers must not coerce unknown values to a default.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(s))) {
	case RiskLow:
		return RiskLow, nil
	case RiskMedium:
		return RiskMedium, nil
	case RiskHigh:
		return RiskHigh, nil
	default:
		return "", fmt.Errorf("unknown risk level %q", s)
	}
}
