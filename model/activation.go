package model

import "time"

// RuleOverride narrows or relabels a rule's audience for one tenant. It
// must never broaden the rule beyond what it would otherwise match:
// EmailEnabled/WebhookEnabled can only turn notifications off, and Level,
// when set, replaces the rule's own severity for that tenant.
type RuleOverride struct {
	Level          Severity `json:"level,omitempty"`
	EmailEnabled   *bool    `json:"emailEnabled,omitempty"`
	WebhookEnabled *bool    `json:"webhookEnabled,omitempty"`
}

// EffectiveSeverity resolves the severity a rule should fire at for this
// tenant: the override level if set, else the rule's own level.
func (o RuleOverride) EffectiveSeverity(ruleLevel Severity) Severity {
	if o.Level != "" {
		return o.Level
	}
	return ruleLevel
}

// PackActivation is the per-tenant, per-pack activation record. Exactly
// one exists per (tenant, pack); it is created on enable and removed (or
// flagged disabled) on disable.
type PackActivation struct {
	TenantID    string
	PackID      string
	Enabled     bool
	Overrides   map[string]RuleOverride // rule id -> override
	ActivatedAt time.Time
	UpdatedAt   time.Time
}

// OverrideFor returns the override for a rule id, or the zero value if
// none was configured.
func (a PackActivation) OverrideFor(ruleID string) RuleOverride {
	if a.Overrides == nil {
		return RuleOverride{}
	}
	return a.Overrides[ruleID]
}
