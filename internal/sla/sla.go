// Package sla computes SLA status tiers for due-dated work. Status is a
// pure function of the due date, a policy and "now"; the escalation sweep
// and the read projections both use it, so no other code may recompute
// tiers locally.
package sla

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier is a derived urgency level. Tiers only degrade as now advances
// toward and past the due date.
type Tier string

const (
	TierOK       Tier = "ok"
	TierWarning  Tier = "warning"
	TierCritical Tier = "critical"
	TierOverdue  Tier = "overdue"
)

// Policy defines the time thresholds for one entity kind or thread type.
type Policy struct {
	WarnHours     float64 `yaml:"warn_hours"`
	EscalateHours float64 `yaml:"escalate_hours"`
	GraceHours    float64 `yaml:"grace_hours"`
}

// Status returns the tier for a due date under a policy at the given time.
func Status(dueAt time.Time, policy Policy, now time.Time) Tier {
	if now.After(dueAt) {
		return TierOverdue
	}
	remaining := dueAt.Sub(now)
	if remaining < hours(policy.EscalateHours) {
		return TierCritical
	}
	if remaining < hours(policy.WarnHours) {
		return TierWarning
	}
	return TierOK
}

// Expired reports whether a request past dueAt has also exhausted the
// policy's grace window.
func Expired(dueAt time.Time, policy Policy, now time.Time) bool {
	return now.After(dueAt.Add(hours(policy.GraceHours)))
}

func hours(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}

// PolicySet maps entity kinds (and thread types) to their policies.
type PolicySet map[string]Policy

// DefaultPolicies are the platform defaults applied when no override file
// is configured.
func DefaultPolicies() PolicySet {
	return PolicySet{
		"deal":             {WarnHours: 48, EscalateHours: 8, GraceHours: 24},
		"corporate_action": {WarnHours: 24, EscalateHours: 4, GraceHours: 12},
		"capital_event":    {WarnHours: 24, EscalateHours: 4, GraceHours: 12},
		"report_pack":      {WarnHours: 72, EscalateHours: 24, GraceHours: 48},
	}
}

// ForKind returns the policy for a kind, falling back to the deal policy.
func (p PolicySet) ForKind(kind string) Policy {
	if policy, ok := p[kind]; ok {
		return policy
	}
	return p["deal"]
}

// LoadPolicyFile merges a YAML policy file over the defaults. Kinds absent
// from the file keep their default policy.
func LoadPolicyFile(path string) (PolicySet, error) {
	set := DefaultPolicies()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var overrides map[string]Policy
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	for kind, policy := range overrides {
		if policy.WarnHours < policy.EscalateHours {
			return nil, fmt.Errorf("policy %s: warn_hours (%v) must be >= escalate_hours (%v)",
				kind, policy.WarnHours, policy.EscalateHours)
		}
		set[kind] = policy
	}

	return set, nil
}
