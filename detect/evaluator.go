package detect

import (
	"context"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"signalwatch/metrics"
	"signalwatch/model"
)

// ActivationStore is the subset of the pack-activation persistence layer
// the evaluator needs: the active (tenant, pack) pairs and their
// per-rule overrides.
type ActivationStore interface {
	GetActivations(ctx context.Context, tenantID string) ([]model.PackActivation, error)
}

// compiledRule is a rule pre-joined with its effective severity and
// parsed condition AST for one tenant, cached to avoid re-parsing the
// condition grammar and re-resolving overrides on every evaluation call.
type compiledRule struct {
	rule              model.DetectionRule
	effectiveSeverity model.Severity
	condition         ConditionNode
}

// Evaluator runs the rule-evaluation algorithm of spec.md §4.I
// (component I). A per-tenant LRU cache (golang-lru/v2) holds the
// compiled, override-resolved rule set so a busy tenant's hot path
// skips activation-store round trips and condition re-parsing; the
// cache is invalidated whenever that tenant's activations change.
type Evaluator struct {
	activations ActivationStore
	catalog     *Catalog
	logger      *zap.SugaredLogger

	cache *lru.Cache[string, []compiledRule]

	mu          sync.Mutex
	warnedOnce  map[string]struct{} // "tenant:rule:atom" already logged
}

// NewEvaluator constructs an Evaluator with a per-tenant cache of size
// cacheSize (recommended: number of concurrently active tenants you
// expect to serve without eviction churn).
func NewEvaluator(activations ActivationStore, catalog *Catalog, cacheSize int, logger *zap.SugaredLogger) (*Evaluator, error) {
	cache, err := lru.New[string, []compiledRule](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create rule cache: %w", err)
	}
	return &Evaluator{
		activations: activations,
		catalog:     catalog,
		logger:      logger,
		cache:       cache,
		warnedOnce:  make(map[string]struct{}),
	}, nil
}

// InvalidateTenant drops the cached compiled rule set for tenantID.
// Called by PackActivation lifecycle events (enable/disable/
// updateThresholds), per spec.md §4.H.
func (e *Evaluator) InvalidateTenant(tenantID string) {
	e.cache.Remove(tenantID)
}

// Evaluate runs every active, evaluable rule against logs for (tenant,
// project) and returns the DetectionEvents produced, in pack-then-rule
// declared order (step 6 of spec.md §4.I).
func (e *Evaluator) Evaluate(ctx context.Context, tenantID, projectID string, logs []model.LogRecord) ([]model.DetectionEvent, error) {
	rules, err := e.compiledRulesFor(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	var events []model.DetectionEvent
	for _, cr := range rules {
		for _, log := range logs {
			if log.ProjectID != projectID {
				continue
			}
			if !logsourceMatches(cr.rule.Logsource, log) {
				continue
			}
			matched := e.evalRule(tenantID, cr, log)
			metrics.RuleEvaluations.WithLabelValues(cr.rule.ID, resultLabel(matched)).Inc()
			if !matched {
				continue
			}
			ev := model.DetectionEvent{
				ID:          uuid.NewString(),
				TenantID:    tenantID,
				ProjectID:   projectID,
				RuleID:      cr.rule.ID,
				LogID:       log.ID,
				Severity:    cr.effectiveSeverity,
				Timestamp:   log.Timestamp,
				Excerpt:     log.Excerpt(200),
				Service:     log.Service,
				Fingerprint: fmt.Sprintf("%s:%s:%s", tenantID, projectID, cr.rule.Family()),
			}
			events = append(events, ev)
			metrics.DetectionEventsEmitted.WithLabelValues(string(cr.effectiveSeverity)).Inc()
		}
	}
	return events, nil
}

func resultLabel(matched bool) string {
	if matched {
		return "matched"
	}
	return "no_match"
}

// compiledRulesFor returns the cached compiled rule set for tenantID,
// building and caching it on a miss. Rules are compiled in pack order,
// then declared rule order, matching spec.md §4.I step 6.
func (e *Evaluator) compiledRulesFor(ctx context.Context, tenantID string) ([]compiledRule, error) {
	if cached, ok := e.cache.Get(tenantID); ok {
		return cached, nil
	}

	activations, err := e.activations.GetActivations(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load activations for tenant %s: %w", tenantID, err)
	}
	activationByPack := make(map[string]model.PackActivation, len(activations))
	for _, a := range activations {
		if a.Enabled {
			activationByPack[a.PackID] = a
		}
	}

	var compiled []compiledRule
	for _, pack := range e.catalog.ListPacks() {
		activation, ok := activationByPack[pack.ID]
		if !ok {
			continue
		}
		for _, rule := range pack.Rules {
			if !rule.Status.Evaluable() {
				continue
			}
			cond, err := ParseCondition(rule.Detection.Condition)
			if err != nil {
				e.logger.Errorw("failed to parse rule condition, skipping rule", "rule", rule.ID, "error", err)
				continue
			}
			override := activation.OverrideFor(rule.ID)
			compiled = append(compiled, compiledRule{
				rule:              rule,
				effectiveSeverity: override.EffectiveSeverity(rule.Severity),
				condition:         cond,
			})
		}
	}

	e.cache.Add(tenantID, compiled)
	return compiled, nil
}

// evalRule resolves each of the rule's selections against log, then
// evaluates the parsed condition tree over those results.
func (e *Evaluator) evalRule(tenantID string, cr compiledRule, log model.LogRecord) bool {
	names := make([]string, 0, len(cr.rule.Detection.Selections))
	results := make(map[string]bool, len(cr.rule.Detection.Selections))
	for name, sel := range cr.rule.Detection.Selections {
		names = append(names, name)
		results[name] = evalSelection(cr.rule.ID, sel, log)
	}

	ctx := EvalContext{
		SelectionNames: names,
		Lookup: func(name string) (bool, bool) {
			v, known := results[name]
			if !known {
				e.warnUnknownAtom(tenantID, cr.rule.ID, name)
			}
			return v, known
		},
	}
	return cr.condition.Eval(ctx)
}

func (e *Evaluator) warnUnknownAtom(tenantID, ruleID, atom string) {
	key := tenantID + ":" + ruleID + ":" + atom
	e.mu.Lock()
	_, already := e.warnedOnce[key]
	if !already {
		e.warnedOnce[key] = struct{}{}
	}
	e.mu.Unlock()
	if !already {
		e.logger.Warnw("condition references unknown selection, treating as false", "tenant", tenantID, "rule", ruleID, "atom", atom)
	}
}

// evalSelection reports whether every predicate in sel matches log. An
// empty selection is always false, per spec.md §4.I's edge case.
func evalSelection(ruleID string, sel model.Selection, log model.LogRecord) bool {
	if len(sel.Predicates) == 0 {
		return false
	}
	for _, pred := range sel.Predicates {
		if !matchPredicate(ruleID, pred, log) {
			return false
		}
	}
	return true
}

// matchPredicate resolves pred.Field against log's built-in fields
// (level, message, service) or, failing that, its attributes map, then
// applies the predicate's modifier.
func matchPredicate(ruleID string, pred model.FieldPredicate, log model.LogRecord) bool {
	fieldValue, ok := resolveField(pred.Field, log)
	if !ok {
		return false
	}
	switch pred.Modifier {
	case "":
		return equalsOrMember(fieldValue, pred.Value)
	case "contains":
		return containsMatch(fieldValue, pred.Value)
	case "startswith":
		return affixMatch(fieldValue, pred.Value, strings.HasPrefix)
	case "endswith":
		return affixMatch(fieldValue, pred.Value, strings.HasSuffix)
	case "re":
		return reMatch(ruleID, fieldValue, pred.Value)
	default:
		return false
	}
}

func resolveField(field string, log model.LogRecord) (model.Value, bool) {
	switch field {
	case "level":
		return model.String(string(log.Level)), true
	case "message":
		return model.String(log.Message), true
	case "service":
		return model.String(log.Service), true
	default:
		return log.Attribute(field)
	}
}

// equalsOrMember implements the bare "field" operator: equality if want
// (the rule's pattern) is scalar, list-membership if want is a list.
func equalsOrMember(fieldValue, want model.Value) bool {
	if list, ok := want.AsArray(); ok {
		for _, w := range list {
			if fieldValue.String() == w.String() {
				return true
			}
		}
		return false
	}
	return fieldValue.String() == want.String()
}

// containsMatch implements "field|contains": case-insensitive substring
// match. want may be scalar or list; list means any-match, per
// SPEC_FULL.md's Open Question resolution.
func containsMatch(fieldValue, want model.Value) bool {
	haystack := strings.ToLower(fieldValue.String())
	if list, ok := want.AsArray(); ok {
		for _, w := range list {
			if strings.Contains(haystack, strings.ToLower(w.String())) {
				return true
			}
		}
		return false
	}
	return strings.Contains(haystack, strings.ToLower(want.String()))
}

func affixMatch(fieldValue, want model.Value, match func(s, prefix string) bool) bool {
	haystack := strings.ToLower(fieldValue.String())
	if list, ok := want.AsArray(); ok {
		for _, w := range list {
			if match(haystack, strings.ToLower(w.String())) {
				return true
			}
		}
		return false
	}
	return match(haystack, strings.ToLower(want.String()))
}

// logsourceMatches reports whether log satisfies sel: every non-empty
// selector field must match the log's corresponding attribute; missing
// selector fields are wildcards. Service maps to LogRecord.Service
// directly; Product and Category have no dedicated LogRecord fields, so
// they're matched against attributes of the same name (a log tagging
// itself with attributes.category="auth" is how it opts into a
// category-scoped pack rule).
func logsourceMatches(sel model.LogsourceSelector, log model.LogRecord) bool {
	if sel.Service != "" && sel.Service != log.Service {
		return false
	}
	if sel.Product != "" {
		v, ok := log.Attribute("product")
		if !ok || v.String() != sel.Product {
			return false
		}
	}
	if sel.Category != "" {
		v, ok := log.Attribute("category")
		if !ok || v.String() != sel.Category {
			return false
		}
	}
	return true
}
