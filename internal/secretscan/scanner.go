// Package secretscan gates generated remediation code on secret detection.
// Code that trips a gitleaks rule never reaches the repository host.
package secretscan

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
	"go.uber.org/zap"
)

// Finding is one detected secret.
type Finding struct {
	// RuleID is the gitleaks rule identifier (e.g. "aws-access-token").
	RuleID string
	// Description is the rule's human-readable description.
	Description string
	// Line is where the match starts.
	Line int
	// Secret is the matched value. Kept for redaction; never logged.
	Secret string
}

// FindingsError is returned when content carries at least one secret. The
// message names rules and lines, never the matched values.
type FindingsError struct {
	Findings []Finding
}

func (e *FindingsError) Error() string {
	parts := make([]string, 0, len(e.Findings))
	for _, f := range e.Findings {
		parts = append(parts, fmt.Sprintf("%s (line %d)", f.RuleID, f.Line))
	}
	return fmt.Sprintf("secretscan: %d findings: %s", len(e.Findings), strings.Join(parts, ", "))
}

// Scanner wraps the gitleaks detector with its bundled default config.
// Safe for concurrent use.
type Scanner struct {
	mu       sync.Mutex
	detector *detect.Detector
	logger   *zap.Logger
}

// NewScanner loads the gitleaks default config once; the detector is reused
// across scans.
func NewScanner(logger *zap.Logger) (*Scanner, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("load gitleaks default config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scanner{
		detector: detector,
		logger:   logger.Named("secretscan"),
	}, nil
}

// Scan returns all findings in content.
func (s *Scanner) Scan(content string) []Finding {
	s.mu.Lock()
	raw := s.detector.DetectString(content)
	s.mu.Unlock()

	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			Secret:      f.Secret,
		})
	}
	return findings
}

// Check returns a *FindingsError when content carries secrets, nil otherwise.
func (s *Scanner) Check(content string) error {
	findings := s.Scan(content)
	if len(findings) == 0 {
		return nil
	}

	for _, f := range findings {
		s.logger.Warn("secret detected in generated code",
			zap.String("rule_id", f.RuleID),
			zap.Int("line", f.Line))
	}
	return &FindingsError{Findings: findings}
}
