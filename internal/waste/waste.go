// Package waste scores cloud resources for wasted spend.
//
// Scoring is additive rule evaluation over a resource snapshot: each rule that
// matches contributes its points, and the sum is clamped to [0,100]. Rules are
// data (RuleSet), so operators can replace the built-in table with a YAML file
// and hot-reload it without restarting the daemon.
package waste

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fyrsmithlabs/costwatchd/internal/costmodel"
)

// MaxScore is the ceiling a resource's waste score is clamped to.
const MaxScore = 100

// Severity buckets a waste score for reporting.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rule is one additive scoring rule. All set conditions must hold for the rule
// to fire; zero-valued conditions are ignored.
type Rule struct {
	// Name identifies the rule in logs and rules files.
	Name string `koanf:"name" json:"name"`

	// Points is added to the score when the rule matches.
	Points int `koanf:"points" json:"points"`

	// State restricts the rule to resources in this lifecycle state
	// (running, stopped, other). Empty matches any state.
	State string `koanf:"state" json:"state,omitempty"`

	// CPUBelow fires the rule when CPU utilization is strictly below this
	// percentage. Zero disables the condition.
	CPUBelow float64 `koanf:"cpu_below" json:"cpu_below,omitempty"`

	// TypeContains restricts the rule to resource types containing this
	// substring (for example "xlarge"). Empty matches any type.
	TypeContains string `koanf:"type_contains" json:"type_contains,omitempty"`
}

// matches reports whether the rule fires for the given state, clamped CPU
// percentage, and resource type.
func (r Rule) matches(state costmodel.ResourceState, cpu float64, resourceType string) bool {
	if r.State != "" && costmodel.ResourceState(r.State) != state {
		return false
	}
	if r.CPUBelow > 0 && cpu >= r.CPUBelow {
		return false
	}
	if r.TypeContains != "" && !strings.Contains(resourceType, r.TypeContains) {
		return false
	}
	return true
}

// Validate checks the rule is well-formed: named, scoring points, and carrying
// at least one condition so it cannot silently match everything.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule has no name")
	}
	if r.Points == 0 {
		return fmt.Errorf("rule %q has no points", r.Name)
	}
	if r.State == "" && r.CPUBelow == 0 && r.TypeContains == "" {
		return fmt.Errorf("rule %q has no conditions", r.Name)
	}
	if r.State != "" {
		switch costmodel.ResourceState(r.State) {
		case costmodel.StateRunning, costmodel.StateStopped, costmodel.StateOther:
		default:
			return fmt.Errorf("rule %q has unknown state %q", r.Name, r.State)
		}
	}
	if r.CPUBelow < 0 || r.CPUBelow > 100 {
		return fmt.Errorf("rule %q cpu_below %v outside [0,100]", r.Name, r.CPUBelow)
	}
	return nil
}

// RuleSet is an ordered collection of scoring rules. Evaluation order does not
// affect the score (rules are additive) but is preserved for reporting.
type RuleSet struct {
	Rules []Rule `koanf:"rules" json:"rules"`
}

// Validate checks every rule and rejects duplicate names.
func (rs RuleSet) Validate() error {
	if len(rs.Rules) == 0 {
		return fmt.Errorf("rule set is empty")
	}
	seen := make(map[string]struct{}, len(rs.Rules))
	for _, r := range rs.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if _, ok := seen[r.Name]; ok {
			return fmt.Errorf("duplicate rule name %q", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	return nil
}

// Score evaluates the rule set against a snapshot. CPU utilization is clamped
// to [0,100] before any rule sees it; the summed score is clamped to
// [0,MaxScore]. Rules stack: an idle running instance accumulates both the
// idle and the low-utilization points.
func (rs RuleSet) Score(s costmodel.ResourceSnapshot) int {
	cpu := clampCPU(s.CPUUtilization)

	total := 0
	for _, r := range rs.Rules {
		if r.matches(s.State, cpu, s.ResourceType) {
			total += r.Points
		}
	}

	if total > MaxScore {
		return MaxScore
	}
	if total < 0 {
		return 0
	}
	return total
}

func clampCPU(cpu float64) float64 {
	if cpu < 0 {
		return 0
	}
	if cpu > 100 {
		return 100
	}
	return cpu
}

// DefaultRuleSet returns the built-in scoring table:
//
//	+80  running with CPU < 5%   (idle instance)
//	+50  CPU < 20%               (low utilization, any state)
//	+60  xlarge-class with CPU < 30%  (oversized instance)
//	+40  stopped                 (paying for attached storage)
func DefaultRuleSet() RuleSet {
	return RuleSet{Rules: []Rule{
		{Name: "idle-running", Points: 80, State: string(costmodel.StateRunning), CPUBelow: 5},
		{Name: "low-utilization", Points: 50, CPUBelow: 20},
		{Name: "oversized", Points: 60, TypeContains: "xlarge", CPUBelow: 30},
		{Name: "stopped", Points: 40, State: string(costmodel.StateStopped)},
	}}
}

var defaultRules = DefaultRuleSet()

// Score evaluates the built-in rule set against a snapshot. Pure and
// deterministic; use a Scorer when rules come from a file.
func Score(s costmodel.ResourceSnapshot) int {
	return defaultRules.Score(s)
}

// SeverityFor buckets a waste score.
func SeverityFor(score int) Severity {
	switch {
	case score >= 80:
		return SeverityCritical
	case score >= 60:
		return SeverityHigh
	case score >= 40:
		return SeverityMedium
	case score >= 20:
		return SeverityLow
	default:
		return SeverityNone
	}
}

// Scorer evaluates the currently loaded rule set. The set can be swapped at
// runtime (rules file hot-reload) without interrupting in-flight scoring.
type Scorer struct {
	mu    sync.RWMutex
	rules RuleSet
}

// NewScorer creates a scorer over the given rule set. Pass DefaultRuleSet()
// when no rules file is configured.
func NewScorer(rs RuleSet) *Scorer {
	return &Scorer{rules: rs}
}

// Score evaluates the current rule set against a snapshot.
func (s *Scorer) Score(snap costmodel.ResourceSnapshot) int {
	s.mu.RLock()
	rs := s.rules
	s.mu.RUnlock()
	return rs.Score(snap)
}

// Swap replaces the rule set. Safe to call concurrently with Score.
func (s *Scorer) Swap(rs RuleSet) {
	s.mu.Lock()
	s.rules = rs
	s.mu.Unlock()
}

// RuleSet returns a copy of the current rule set.
func (s *Scorer) RuleSet() RuleSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := RuleSet{Rules: make([]Rule, len(s.rules.Rules))}
	copy(out.Rules, s.rules.Rules)
	return out
}
