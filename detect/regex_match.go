package detect

import (
	"sync"
	"time"

	"github.com/dlclark/regexp2"

	"signalwatch/metrics"
	"signalwatch/model"
)

// regexModifierTimeout bounds how long a field|re predicate may spend
// backtracking before it's treated as a non-match. regexp2 enforces this
// internally (unlike stdlib regexp's RE2 engine, it supports
// backreferences and lookaround, which means it can also pathologically
// backtrack), so a pack rule with a hostile pattern degrades to "rule
// didn't fire" instead of stalling the evaluator.
const regexModifierTimeout = 500 * time.Millisecond

var (
	regexModifierCacheMu sync.RWMutex
	regexModifierCache   = make(map[string]*regexp2.Regexp)
)

// compileREModifier compiles and caches the regexp2 pattern backing a
// "field|re" predicate. Patterns come from detection packs loaded once
// at startup, so the cache is unbounded for the process lifetime.
func compileREModifier(pattern string) (*regexp2.Regexp, error) {
	regexModifierCacheMu.RLock()
	re, ok := regexModifierCache[pattern]
	regexModifierCacheMu.RUnlock()
	if ok {
		return re, nil
	}

	regexModifierCacheMu.Lock()
	defer regexModifierCacheMu.Unlock()
	if re, ok := regexModifierCache[pattern]; ok {
		return re, nil
	}

	re, err := regexp2.Compile(pattern, regexp2.None)
	if err != nil {
		return nil, err
	}
	re.MatchTimeout = regexModifierTimeout
	regexModifierCache[pattern] = re
	return re, nil
}

// reMatch implements "field|re": the field value must match the given
// pattern as a regexp2 (.NET-flavor) regular expression. A malformed
// pattern or a timed-out match both resolve to false rather than
// propagating an error, consistent with matchPredicate's other
// modifiers, which never fail the whole rule evaluation over one bad
// predicate.
func reMatch(ruleID string, fieldValue, want model.Value) bool {
	pattern := want.String()
	re, err := compileREModifier(pattern)
	if err != nil {
		return false
	}
	matched, err := re.MatchString(fieldValue.String())
	if err != nil {
		metrics.RegexModifierTimeouts.WithLabelValues(ruleID).Inc()
		return false
	}
	return matched
}
