package model

import (
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// RuleStatus is the maturity/lifecycle status of a DetectionRule.
type RuleStatus string

const (
	RuleStatusExperimental RuleStatus = "experimental"
	RuleStatusTest         RuleStatus = "test"
	RuleStatusStable       RuleStatus = "stable"
	RuleStatusDeprecated   RuleStatus = "deprecated"
	RuleStatusUnsupported  RuleStatus = "unsupported"
)

// Evaluable reports whether rules in this status should be evaluated at
// all. Deprecated and unsupported rules are loaded (so operators can see
// them in a pack listing) but never evaluated.
func (s RuleStatus) Evaluable() bool {
	return s != RuleStatusDeprecated && s != RuleStatusUnsupported
}

// LogsourceSelector narrows the set of logs a rule applies to. Every
// non-empty field must match the log's corresponding attribute; empty
// fields are wildcards.
type LogsourceSelector struct {
	Product  string `yaml:"product,omitempty" json:"product,omitempty"`
	Service  string `yaml:"service,omitempty" json:"service,omitempty"`
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
}

// FieldPredicate is one field-name/operator/value comparison within a
// selection. Field/Modifier are the two halves of the pack's
// "field|modifier" key.
type FieldPredicate struct {
	Field    string
	Modifier string // "", "contains", "startswith", "endswith", or "re"
	Value    Value
}

// Selection is a named conjunction of field predicates: every predicate
// must match for the selection to be true. An empty selection is always
// false, per the evaluator's edge-case rule.
//
// In pack YAML a selection is written as a plain mapping of
// "field" or "field|modifier" to a scalar or list value; UnmarshalYAML
// below does the field/modifier split. Name is filled in by the caller
// after decoding the parent map (the YAML key isn't visible from here).
type Selection struct {
	Name       string
	Predicates []FieldPredicate
}

func (s *Selection) UnmarshalYAML(node *yaml.Node) error {
	var raw map[string]Value
	if err := node.Decode(&raw); err != nil {
		return err
	}
	preds := make([]FieldPredicate, 0, len(raw))
	for key, val := range raw {
		field, modifier := splitFieldModifier(key)
		preds = append(preds, FieldPredicate{Field: field, Modifier: modifier, Value: val})
	}
	sort.Slice(preds, func(i, j int) bool { return preds[i].Field < preds[j].Field })
	s.Predicates = preds
	return nil
}

// splitFieldModifier splits a pack YAML key like "status_code|contains"
// into ("status_code", "contains"); a key with no "|" has modifier "".
func splitFieldModifier(key string) (field, modifier string) {
	if i := strings.IndexByte(key, '|'); i >= 0 {
		return key[:i], key[i+1:]
	}
	return key, ""
}

// DetectionExpression is the named-selections-plus-condition shape of a
// SIGMA-style rule detection block.
type DetectionExpression struct {
	Selections map[string]Selection `yaml:"selections"`
	Condition  string                `yaml:"condition"`
}

// UnmarshalYAML fills in each decoded Selection's Name from its map key,
// since Selection.UnmarshalYAML only sees the value side of the mapping.
func (d *DetectionExpression) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Selections map[string]Selection `yaml:"selections"`
		Condition  string                `yaml:"condition"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	for name, sel := range r.Selections {
		sel.Name = name
		r.Selections[name] = sel
	}
	d.Selections = r.Selections
	d.Condition = r.Condition
	return nil
}

// DetectionRule is one immutable, versioned pattern within a pack.
type DetectionRule struct {
	ID          string               `yaml:"id"`
	Name        string               `yaml:"name"`
	Description string               `yaml:"description,omitempty"`
	Logsource   LogsourceSelector    `yaml:"logsource,omitempty"`
	Detection   DetectionExpression  `yaml:"detection"`
	Severity    Severity             `yaml:"severity"`
	Status      RuleStatus           `yaml:"status"`
	Tags        []string             `yaml:"tags,omitempty"`
	References  []string             `yaml:"references,omitempty"`
}

// Family strips a trailing numeric or dash-delimited instance suffix from
// the rule ID, producing the correlation key the incident correlator
// groups by (e.g. "failed-login-attempts-2" -> "failed-login-attempts").
func (r DetectionRule) Family() string {
	return ruleFamily(r.ID)
}

// RuleFamily exposes the same suffix-stripping rule Family() uses, for
// callers that only have a rule id string (e.g. a DetectionEvent already
// detached from its originating DetectionRule).
func RuleFamily(ruleID string) string {
	return ruleFamily(ruleID)
}

func ruleFamily(id string) string {
	i := len(id)
	for i > 0 && id[i-1] >= '0' && id[i-1] <= '9' {
		i--
	}
	if i < len(id) && i > 0 && id[i-1] == '-' {
		return id[:i-1]
	}
	return id
}
